// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package swarming polls swarming task results through the retrying HTTP
// client. The poll is non-blocking: a task still pending or running is a
// normal answer, not an error.
package swarming

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/infra/coordinator/internal/clients"
	"go.chromium.org/infra/coordinator/internal/retryhttp"
)

// State of a swarming task as the coordinator sees it.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	// StateFailed covers every terminal state that is not a clean
	// completion: BOT_DIED, EXPIRED, TIMED_OUT, KILLED, CANCELED.
	StateFailed State = "FAILED"
)

// TaskResult is the outcome of one poll.
type TaskResult struct {
	State    State
	ExitCode int64
	// RawState is the state string swarming reported, kept for payloads.
	RawState string
}

// Done reports whether the task reached a terminal state.
func (r *TaskResult) Done() bool {
	return r.State == StateCompleted || r.State == StateFailed
}

// Client calls one swarming host.
type Client struct {
	HTTP *retryhttp.Client
	Host string
}

// NewClient returns a swarming adapter for the host.
func NewClient(hc *retryhttp.Client, host string) *Client {
	return &Client{HTTP: hc, Host: host}
}

// GetTaskResult fetches the current result of a task.
//
// Unknown tasks fail with NotFound; a response that cannot be parsed is a
// permanent InvalidInput failure since retrying the same poll returns the
// same bytes.
func (c *Client) GetTaskResult(ctx context.Context, taskID string) (*TaskResult, error) {
	if taskID == "" {
		return nil, clients.InvalidInput.Apply(errors.New("empty swarming task id"))
	}
	u := fmt.Sprintf("https://%s/_ah/api/swarming/v1/task/%s/result", c.Host, taskID)
	resp, err := c.HTTP.Request(ctx, http.MethodGet, u, nil, nil)
	if err := clients.ClassifyResponse(fmt.Sprintf("swarming result %s", taskID), resp, err); err != nil {
		return nil, err
	}
	var raw struct {
		State    string `json:"state"`
		ExitCode int64  `json:"exit_code,string"`
		Failure  bool   `json:"failure"`
	}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, clients.InvalidInput.Apply(errors.Fmt("undecodable swarming response for %q: %w", taskID, err))
	}
	out := &TaskResult{ExitCode: raw.ExitCode, RawState: raw.State}
	switch raw.State {
	case "PENDING":
		out.State = StatePending
	case "RUNNING":
		out.State = StateRunning
	case "COMPLETED":
		if raw.Failure || raw.ExitCode != 0 {
			out.State = StateFailed
		} else {
			out.State = StateCompleted
		}
	case "BOT_DIED", "EXPIRED", "TIMED_OUT", "KILLED", "CANCELED":
		out.State = StateFailed
	default:
		return nil, clients.InvalidInput.Apply(errors.Fmt("unrecognized swarming state %q for %q", raw.State, taskID))
	}
	return out, nil
}
