// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package monorail posts bug comments through the retrying HTTP client.
package monorail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/infra/coordinator/internal/clients"
	"go.chromium.org/infra/coordinator/internal/retryhttp"
)

// Client calls one monorail host for one project.
type Client struct {
	HTTP    *retryhttp.Client
	Host    string
	Project string
}

// NewClient returns a monorail adapter.
func NewClient(hc *retryhttp.Client, host, project string) *Client {
	return &Client{HTTP: hc, Host: host, Project: project}
}

// PostComment appends a comment to the issue.
func (c *Client) PostComment(ctx context.Context, issueID int64, comment string) error {
	if issueID <= 0 || comment == "" {
		return clients.InvalidInput.Apply(errors.New("bug comment needs an issue id and content"))
	}
	body, err := json.Marshal(map[string]string{"content": comment})
	if err != nil {
		return errors.Fmt("marshaling comment: %w", err)
	}
	u := fmt.Sprintf("https://%s/_ah/api/monorail/v1/projects/%s/issues/%d/comments",
		c.Host, c.Project, issueID)
	h := http.Header{}
	h.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := c.HTTP.Request(ctx, http.MethodPost, u, body, h)
	return clients.ClassifyResponse(fmt.Sprintf("monorail comment on %d", issueID), resp, err)
}
