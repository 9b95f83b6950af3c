// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package buildbucket is a thin typed adapter over the buildbucket REST
// API, routed through the retrying HTTP client.
package buildbucket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/infra/coordinator/internal/clients"
	"go.chromium.org/infra/coordinator/internal/retryhttp"
)

// Build is the subset of a buildbucket build the coordinator consumes.
type Build struct {
	ID           int64  `json:"id,string"`
	Bucket       string `json:"bucket"`
	Status       string `json:"status"`
	Result       string `json:"result"`
	URL          string `json:"url"`
	ResultJSON   string `json:"result_details_json"`
	FailureKind  string `json:"failure_reason"`
	CreatedTS    int64  `json:"created_ts,string"`
	CompletedTS  int64  `json:"completed_ts,string"`
	ParametersJS string `json:"parameters_json"`
}

// JobSpec describes a build to trigger.
type JobSpec struct {
	Bucket         string `json:"bucket"`
	ParametersJSON string `json:"parameters_json"`
}

// JobHandle identifies a triggered build.
type JobHandle struct {
	BuildID int64
	URL     string
}

// Client calls one buildbucket host.
type Client struct {
	HTTP *retryhttp.Client
	Host string
}

// NewClient returns a buildbucket adapter for the host.
func NewClient(hc *retryhttp.Client, host string) *Client {
	return &Client{HTTP: hc, Host: host}
}

type envelope struct {
	Build *Build `json:"build"`
	Error *struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"error"`
}

// GetBuild fetches one build by ID. Missing builds fail with a
// NotFound-tagged error.
func (c *Client) GetBuild(ctx context.Context, id int64) (*Build, error) {
	u := fmt.Sprintf("https://%s/api/buildbucket/v1/builds/%d", c.Host, id)
	resp, err := c.HTTP.Request(ctx, http.MethodGet, u, nil, nil)
	if err := clients.ClassifyResponse(fmt.Sprintf("buildbucket get %d", id), resp, err); err != nil {
		return nil, err
	}
	return decodeBuild(resp.Body, id)
}

// TriggerJob schedules a new build.
//
// Every call carries a fresh client operation ID, so a retried request that
// already landed on the server is deduplicated there instead of producing a
// second build. Rejections surface as InvalidInput or QuotaExceeded.
func (c *Client) TriggerJob(ctx context.Context, spec *JobSpec) (*JobHandle, error) {
	if spec == nil || spec.Bucket == "" {
		return nil, clients.InvalidInput.Apply(errors.New("job spec has no bucket"))
	}
	body, err := json.Marshal(struct {
		*JobSpec
		ClientOperationID string `json:"client_operation_id"`
	}{spec, uuid.New().String()})
	if err != nil {
		return nil, errors.Fmt("marshaling job spec: %w", err)
	}
	u := fmt.Sprintf("https://%s/api/buildbucket/v1/builds", c.Host)
	resp, err := c.HTTP.Request(ctx, http.MethodPut, u, body, jsonHeaders())
	if err := clients.ClassifyResponse("buildbucket trigger", resp, err); err != nil {
		return nil, err
	}
	b, err := decodeBuild(resp.Body, 0)
	if err != nil {
		return nil, err
	}
	return &JobHandle{BuildID: b.ID, URL: b.URL}, nil
}

// CancelBuild asks buildbucket to cancel a build. Canceling an already
// completed build is not an error for the caller.
func (c *Client) CancelBuild(ctx context.Context, id int64, reason string) error {
	body, err := json.Marshal(map[string]string{"result_details_json": fmt.Sprintf(`{"message":%q}`, reason)})
	if err != nil {
		return errors.Fmt("marshaling cancel request: %w", err)
	}
	u := fmt.Sprintf("https://%s/api/buildbucket/v1/builds/%d/cancel", c.Host, id)
	resp, err := c.HTTP.Request(ctx, http.MethodPost, u, body, jsonHeaders())
	return clients.ClassifyResponse(fmt.Sprintf("buildbucket cancel %d", id), resp, err)
}

func decodeBuild(blob []byte, id int64) (*Build, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, clients.InvalidInput.Apply(errors.Fmt("undecodable buildbucket response: %w", err))
	}
	if env.Error != nil {
		err := errors.Fmt("buildbucket error %s: %s", env.Error.Reason, env.Error.Message)
		if env.Error.Reason == "BUILD_NOT_FOUND" {
			return nil, clients.NotFound.Apply(err)
		}
		return nil, clients.InvalidInput.Apply(err)
	}
	if env.Build == nil {
		return nil, clients.InvalidInput.Apply(errors.Fmt("buildbucket response for %d has no build", id))
	}
	return env.Build, nil
}

func jsonHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json; charset=utf-8")
	return h
}

// BuildURL returns the canonical viewer link for a build on this host.
func (c *Client) BuildURL(id int64) string {
	return (&url.URL{Scheme: "https", Host: c.Host, Path: fmt.Sprintf("/build/%d", id)}).String()
}
