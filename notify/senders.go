// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/pubsub"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/infra/coordinator/internal/clients"
	"go.chromium.org/infra/coordinator/internal/clients/gerrit"
	"go.chromium.org/infra/coordinator/internal/clients/gitiles"
	"go.chromium.org/infra/coordinator/internal/clients/monorail"
	"go.chromium.org/infra/coordinator/internal/retryhttp"
)

// resultFields is the subset of a build's result payload the senders
// understand. Producers that want a culprit reverted or a bug commented
// put these keys into the payload.
type resultFields struct {
	CulpritChangeID string `json:"culprit_change_id"`
	// CulpritRepo and CulpritRevision locate the culprit commit on gitiles
	// so the revert description can quote it.
	CulpritRepo     string `json:"culprit_repo"`
	CulpritRevision string `json:"culprit_revision"`
	BugID           int64  `json:"bug_id"`
	Summary         string `json:"summary"`
	Canceled        bool   `json:"canceled"`
}

func decodeResult(p *Payload) resultFields {
	var f resultFields
	if len(p.Result) > 0 {
		// Unknown payload shapes are fine, senders just have less to say.
		_ = json.Unmarshal(p.Result, &f)
	}
	return f
}

// GerritRevertSender creates a revert CL for the culprit named in the
// build result. Builds without a culprit deliver trivially.
type GerritRevertSender struct {
	Gerrit *gerrit.Client
	// Gitiles, if set, is used to quote the culprit commit in the revert
	// description.
	Gitiles *gitiles.Client
}

// Send implements Sender.
func (s *GerritRevertSender) Send(ctx context.Context, p *Payload) error {
	f := decodeResult(p)
	if f.CulpritChangeID == "" {
		return nil
	}
	msg := fmt.Sprintf("Revert: identified as the culprit by %s.\n\nAnalysis: %s", p.Namespace, p.BuildID)
	if subject := s.culpritSubject(ctx, f); subject != "" {
		msg += "\n\nCulprit: " + subject
	}
	r, err := s.Gerrit.CreateRevert(ctx, f.CulpritChangeID, msg)
	switch {
	case clients.NotFound.In(err):
		// The culprit CL is gone; nothing to revert anymore.
		logging.Warningf(ctx, "culprit %q of %q no longer exists", f.CulpritChangeID, p.BuildID)
		return nil
	case err != nil:
		return err
	}
	logging.Infof(ctx, "created revert CL %d for %q", r.Number, p.BuildID)
	return nil
}

// culpritSubject returns the first line of the culprit commit message, or
// "" when it cannot be fetched. The revert goes out either way.
func (s *GerritRevertSender) culpritSubject(ctx context.Context, f resultFields) string {
	if s.Gitiles == nil || f.CulpritRepo == "" || f.CulpritRevision == "" {
		return ""
	}
	log, err := s.Gitiles.GetChangeLog(ctx, f.CulpritRepo, f.CulpritRevision+"~1", f.CulpritRevision)
	if err != nil || len(log) == 0 {
		logging.Warningf(ctx, "could not fetch culprit commit %s of %q: %v", f.CulpritRevision, f.CulpritRepo, err)
		return ""
	}
	subject, _, _ := strings.Cut(log[0].Message, "\n")
	return subject
}

// IRCSender posts a one-line message to an IRC gateway over HTTP.
type IRCSender struct {
	HTTP *retryhttp.Client
	// GatewayURL accepts POSTed JSON {"channel": ..., "message": ...}.
	GatewayURL string
	Channel    string
}

// Send implements Sender.
func (s *IRCSender) Send(ctx context.Context, p *Payload) error {
	f := decodeResult(p)
	line := fmt.Sprintf("%s finished with %s", p.BuildID, p.Status)
	if f.Summary != "" {
		line += ": " + f.Summary
	}
	body, err := json.Marshal(map[string]string{"channel": s.Channel, "message": line})
	if err != nil {
		return errors.Fmt("marshaling IRC message: %w", err)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := s.HTTP.Request(ctx, http.MethodPost, s.GatewayURL, body, h)
	return clients.ClassifyResponse("irc gateway post", resp, err)
}

// BugCommentSender appends the outcome to the bug named in the build
// result. Builds without a bug deliver trivially.
type BugCommentSender struct {
	Monorail *monorail.Client
}

// Send implements Sender.
func (s *BugCommentSender) Send(ctx context.Context, p *Payload) error {
	f := decodeResult(p)
	if f.BugID == 0 {
		return nil
	}
	comment := fmt.Sprintf("%s finished with status %s.", p.BuildID, p.Status)
	if f.Summary != "" {
		comment += "\n\n" + f.Summary
	}
	return s.Monorail.PostComment(ctx, f.BugID, comment)
}

// PubSubSender publishes the terminal payload to a Cloud Pub/Sub topic for
// subscribers that asked for a completion callback.
type PubSubSender struct {
	Topic *pubsub.Topic
}

// Send implements Sender.
func (s *PubSubSender) Send(ctx context.Context, p *Payload) error {
	blob, err := json.Marshal(map[string]any{
		"build_id":  p.BuildID,
		"namespace": p.Namespace,
		"status":    string(p.Status),
		"result":    json.RawMessage(orEmptyObject(p.Result)),
	})
	if err != nil {
		return errors.Fmt("marshaling pubsub callback: %w", err)
	}
	_, err = s.Topic.Publish(ctx, &pubsub.Message{
		Data: blob,
		Attributes: map[string]string{
			"build_id": p.BuildID,
			"status":   string(p.Status),
		},
	}).Get(ctx)
	if err != nil {
		return errors.Fmt("publishing completion of %q: %w", p.BuildID, err)
	}
	return nil
}

func orEmptyObject(blob []byte) []byte {
	if len(blob) == 0 || !json.Valid(blob) {
		return []byte("{}")
	}
	return blob
}
