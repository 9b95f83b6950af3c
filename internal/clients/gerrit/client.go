// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package gerrit creates revert CLs through the retrying HTTP client.
package gerrit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/infra/coordinator/internal/clients"
	"go.chromium.org/infra/coordinator/internal/retryhttp"
)

var xssiPrefix = []byte(")]}'")

// Revert describes a created revert CL.
type Revert struct {
	ChangeID string `json:"id"`
	Number   int64  `json:"_number"`
	Subject  string `json:"subject"`
}

// Client calls one gerrit host.
type Client struct {
	HTTP *retryhttp.Client
	Host string
}

// NewClient returns a gerrit adapter for the host.
func NewClient(hc *retryhttp.Client, host string) *Client {
	return &Client{HTTP: hc, Host: host}
}

// CreateRevert creates a revert of the change, with the given message as
// the revert CL description. Unknown changes fail with NotFound; a change
// that cannot be reverted (already abandoned, merge conflict) is a
// permanent InvalidInput failure.
func (c *Client) CreateRevert(ctx context.Context, changeID, message string) (*Revert, error) {
	if changeID == "" {
		return nil, clients.InvalidInput.Apply(errors.New("empty gerrit change id"))
	}
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return nil, errors.Fmt("marshaling revert request: %w", err)
	}
	u := fmt.Sprintf("https://%s/changes/%s/revert", c.Host, url.PathEscape(changeID))
	h := http.Header{}
	h.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := c.HTTP.Request(ctx, http.MethodPost, u, body, h)
	if err := clients.ClassifyResponse(fmt.Sprintf("gerrit revert %s", changeID), resp, err); err != nil {
		return nil, err
	}
	var out Revert
	if err := json.Unmarshal(bytes.TrimPrefix(resp.Body, xssiPrefix), &out); err != nil {
		return nil, clients.InvalidInput.Apply(errors.Fmt("undecodable gerrit response for %q: %w", changeID, err))
	}
	return &out, nil
}
