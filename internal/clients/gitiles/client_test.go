// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package gitiles

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/infra/coordinator/internal/clients"
	"go.chromium.org/infra/coordinator/internal/retryhttp"
)

type rewriteTransport struct {
	target *url.URL
}

func (t rewriteTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

func testClient(t *ftt.Test, handler http.Handler) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	assert.Loosely(t, err, should.BeNil)
	hc := &retryhttp.Client{
		C:      &http.Client{Transport: rewriteTransport{target: u}},
		Policy: retryhttp.Policy{MaxAttempts: 1},
	}
	return NewClient(hc, "chromium.googlesource.com")
}

func TestGetChangeLog(t *testing.T) {
	t.Parallel()

	ftt.Run("GetChangeLog", t, func(t *ftt.Test) {
		t.Run("strips the XSSI prefix and decodes commits", func(t *ftt.Test) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Loosely(t, r.URL.Path, should.Equal("/chromium/src/+log/aaa..bbb"))
				assert.Loosely(t, r.URL.Query().Get("format"), should.Equal("JSON"))
				fmt.Fprint(w, `)]}'
{"log":[{"commit":"bbb","message":"Fix the flake\n\nMore detail.","author":{"name":"A Dev","email":"dev@example.com"}}]}`)
			}))
			log, err := c.GetChangeLog(context.Background(), "chromium/src", "aaa", "bbb")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, log, should.HaveLength(1))
			assert.Loosely(t, log[0].Revision, should.Equal("bbb"))
			assert.Loosely(t, log[0].Author, should.Equal("A Dev"))
			assert.Loosely(t, log[0].Message, should.ContainSubstring("Fix the flake"))
		})

		t.Run("an unknown repo is NotFound", func(t *ftt.Test) {
			c := testClient(t, http.NotFoundHandler())
			_, err := c.GetChangeLog(context.Background(), "nope/nope", "aaa", "bbb")
			assert.Loosely(t, clients.NotFound.In(err), should.BeTrue)
		})

		t.Run("rejects empty arguments", func(t *ftt.Test) {
			c := testClient(t, http.NotFoundHandler())
			_, err := c.GetChangeLog(context.Background(), "", "aaa", "bbb")
			assert.Loosely(t, clients.InvalidInput.In(err), should.BeTrue)
		})
	})
}
