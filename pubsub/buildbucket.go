// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package pubsub handles pub/sub push messages announcing that tracked
// work finished remotely.
//
// The handler validates the envelope and hands off to the lifecycle
// runner; transient coordination failures map to HTTP 500 so pub/sub
// redelivers, permanent ones to 202 so it does not.
package pubsub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
	"go.chromium.org/luci/server/router"

	"go.chromium.org/infra/coordinator/lease"
	"go.chromium.org/infra/coordinator/lifecycle"
	"go.chromium.org/infra/coordinator/model"
)

var ingestionCounter = metric.NewCounter(
	"coordinator/ingestion/pubsub",
	"Completion pushes received, by namespace and outcome.",
	nil,
	field.String("namespace"),
	// "applied", "already_done", "unknown", "contended" or "invalid".
	field.String("outcome"),
)

// defaultLeaseDuration bounds the lease taken to apply one terminal
// event when no per-namespace duration is configured.
const defaultLeaseDuration = time.Minute

type pushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
}

type completionMessage struct {
	Namespace  string          `json:"namespace"`
	ExternalID string          `json:"external_id"`
	Succeeded  bool            `json:"succeeded"`
	Result     json.RawMessage `json:"result"`
}

// BuildCompletedHandler processes completion pushes.
type BuildCompletedHandler struct {
	Leases *lease.Store
	Runner *lifecycle.Runner
	// LeaseDuration, if set, supplies the per-namespace lease duration for
	// applying a completion.
	LeaseDuration func(ctx context.Context, namespace string) time.Duration
}

func (h *BuildCompletedHandler) leaseFor(ctx context.Context, namespace string) time.Duration {
	if h.LeaseDuration != nil {
		if d := h.LeaseDuration(ctx, namespace); d > 0 {
			return d
		}
	}
	return defaultLeaseDuration
}

// Handle is the router endpoint for the push subscription.
func (h *BuildCompletedHandler) Handle(ctx *router.Context) {
	switch err := h.process(ctx.Request.Context(), ctx.Request); {
	case err == nil:
		ctx.Writer.WriteHeader(http.StatusOK)
	case transient.Tag.In(err):
		logging.Warningf(ctx.Request.Context(), "completion push needs redelivery: %s", err)
		ctx.Writer.WriteHeader(http.StatusInternalServerError)
	default:
		logging.Errorf(ctx.Request.Context(), "completion push dropped: %s", err)
		// Anything but 5xx stops pub/sub from resending.
		ctx.Writer.WriteHeader(http.StatusAccepted)
	}
}

func (h *BuildCompletedHandler) process(ctx context.Context, r *http.Request) error {
	var env pushEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		return errors.Fmt("undecodable push envelope: %w", err)
	}
	var msg completionMessage
	if err := json.Unmarshal(env.Message.Data, &msg); err != nil {
		return errors.Fmt("undecodable completion message: %w", err)
	}
	if msg.Namespace == "" || msg.ExternalID == "" {
		ingestionCounter.Add(ctx, 1, msg.Namespace, "invalid")
		return errors.New("completion message misses namespace or external_id")
	}
	logging.Debugf(ctx, "completion push for %s/%s (succeeded=%t)", msg.Namespace, msg.ExternalID, msg.Succeeded)

	b, err := h.Leases.Get(ctx, msg.Namespace, msg.ExternalID)
	switch {
	case lease.NotFound.In(err):
		// Not a unit this coordinator tracks.
		ingestionCounter.Add(ctx, 1, msg.Namespace, "unknown")
		return nil
	case err != nil:
		return transient.Tag.Apply(err)
	}
	if model.IsTerminal(b.Status) {
		// A redelivered push for a done build only needs to make sure the
		// notifications went out.
		ingestionCounter.Add(ctx, 1, msg.Namespace, "already_done")
		return h.Runner.EnsureNotified(ctx, msg.Namespace, msg.ExternalID)
	}

	token, err := h.Leases.TryAcquire(ctx, msg.Namespace, msg.ExternalID, "pubsub-push", h.leaseFor(ctx, msg.Namespace))
	switch {
	case lease.AlreadyLeased.In(err):
		// Another worker owns the build right now; redelivery will find it
		// released or done.
		ingestionCounter.Add(ctx, 1, msg.Namespace, "contended")
		return transient.Tag.Apply(err)
	case lease.BuildIsCompleted.In(err):
		ingestionCounter.Add(ctx, 1, msg.Namespace, "already_done")
		return h.Runner.EnsureNotified(ctx, msg.Namespace, msg.ExternalID)
	case err != nil:
		return transient.Tag.Apply(err)
	}

	event := lifecycle.EventComplete
	if !msg.Succeeded {
		event = lifecycle.EventFail
	}
	if err := h.Runner.Apply(ctx, msg.Namespace, msg.ExternalID, token, event, msg.Result); err != nil {
		return err
	}
	ingestionCounter.Add(ctx, 1, msg.Namespace, "applied")
	return nil
}
