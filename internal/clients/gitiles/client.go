// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package gitiles fetches change logs from a gitiles mirror through the
// retrying HTTP client.
package gitiles

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

// Gitiles prepends this to JSON responses to defeat XSSI; it must be
// stripped before decoding.
var xssiPrefix = []byte(")]}'")

// Commit is one entry of a change log.
type Commit struct {
	Revision string
	Author   string
	Email    string
	Message  string
}

// Client calls one gitiles host.
type Client struct {
	HTTP *retryhttp.Client
	Host string
}

// NewClient returns a gitiles adapter for the host.
func NewClient(hc *retryhttp.Client, host string) *Client {
	return &Client{HTTP: hc, Host: host}
}

// GetChangeLog lists the commits in (rev1, rev2], newest first, for the
// repo path on this host.
func (c *Client) GetChangeLog(ctx context.Context, repo, rev1, rev2 string) ([]*Commit, error) {
	if repo == "" || rev1 == "" || rev2 == "" {
		return nil, clients.InvalidInput.Apply(errors.New("gitiles change log needs repo and two revisions"))
	}
	u := url.URL{
		Scheme:   "https",
		Host:     c.Host,
		Path:     fmt.Sprintf("/%s/+log/%s..%s", repo, rev1, rev2),
		RawQuery: "format=JSON",
	}
	resp, err := c.HTTP.Request(ctx, http.MethodGet, u.String(), nil, nil)
	if err := clients.ClassifyResponse(fmt.Sprintf("gitiles log %s", repo), resp, err); err != nil {
		return nil, err
	}
	blob := bytes.TrimPrefix(resp.Body, xssiPrefix)
	var raw struct {
		Log []struct {
			Commit  string `json:"commit"`
			Message string `json:"message"`
			Author  struct {
				Name  string `json:"name"`
				Email string `json:"email"`
			} `json:"author"`
		} `json:"log"`
	}
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, clients.InvalidInput.Apply(errors.Fmt("undecodable gitiles log for %q: %w", repo, err))
	}
	out := make([]*Commit, 0, len(raw.Log))
	for _, e := range raw.Log {
		out = append(out, &Commit{
			Revision: e.Commit,
			Author:   e.Author.Name,
			Email:    e.Author.Email,
			Message:  e.Message,
		})
	}
	return out, nil
}
