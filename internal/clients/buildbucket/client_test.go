// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package buildbucket

import (
	"context"
	"encoding/json"
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

// rewriteTransport sends every request to the test server regardless of the
// host baked into the URL.
type rewriteTransport struct {
	target *url.URL
}

func (t rewriteTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

func testClient(t *ftt.Test, handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	assert.Loosely(t, err, should.BeNil)
	hc := &retryhttp.Client{
		C:      &http.Client{Transport: rewriteTransport{target: u}},
		Policy: retryhttp.Policy{MaxAttempts: 1},
	}
	return NewClient(hc, "cr-buildbucket.example.com"), srv
}

func TestGetBuild(t *testing.T) {
	t.Parallel()

	ftt.Run("GetBuild", t, func(t *ftt.Test) {
		t.Run("decodes a build", func(t *ftt.Test) {
			c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Loosely(t, r.URL.Path, should.Equal("/api/buildbucket/v1/builds/1001"))
				json.NewEncoder(w).Encode(map[string]any{
					"build": map[string]any{
						"id":     "1001",
						"bucket": "luci.chromium.try",
						"status": "COMPLETED",
						"result": "SUCCESS",
					},
				})
			}))
			b, err := c.GetBuild(context.Background(), 1001)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, b.ID, should.Equal(1001))
			assert.Loosely(t, b.Bucket, should.Equal("luci.chromium.try"))
			assert.Loosely(t, b.Result, should.Equal("SUCCESS"))
		})

		t.Run("maps BUILD_NOT_FOUND", func(t *ftt.Test) {
			c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"reason": "BUILD_NOT_FOUND", "message": "gone"},
				})
			}))
			_, err := c.GetBuild(context.Background(), 404404)
			assert.Loosely(t, clients.NotFound.In(err), should.BeTrue)
		})

		t.Run("other API errors are permanent", func(t *ftt.Test) {
			c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"reason": "INVALID_INPUT", "message": "bad id"},
				})
			}))
			_, err := c.GetBuild(context.Background(), -1)
			assert.Loosely(t, clients.InvalidInput.In(err), should.BeTrue)
		})
	})
}

func TestTriggerJob(t *testing.T) {
	t.Parallel()

	ftt.Run("TriggerJob", t, func(t *ftt.Test) {
		t.Run("sends a fresh client operation id", func(t *ftt.Test) {
			var ops []string
			c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Loosely(t, r.Method, should.Equal(http.MethodPut))
				var req struct {
					Bucket            string `json:"bucket"`
					ClientOperationID string `json:"client_operation_id"`
				}
				assert.Loosely(t, json.NewDecoder(r.Body).Decode(&req), should.BeNil)
				assert.Loosely(t, req.Bucket, should.Equal("luci.chromium.try"))
				ops = append(ops, req.ClientOperationID)
				json.NewEncoder(w).Encode(map[string]any{
					"build": map[string]any{"id": "2002", "url": "https://ci.example.com/b/2002"},
				})
			}))

			spec := &JobSpec{Bucket: "luci.chromium.try", ParametersJSON: `{"builder_name":"linux"}`}
			h, err := c.TriggerJob(context.Background(), spec)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, h.BuildID, should.Equal(2002))

			_, err = c.TriggerJob(context.Background(), spec)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ops, should.HaveLength(2))
			assert.Loosely(t, ops[0], should.NotEqual(ops[1]))
			assert.Loosely(t, ops[0], should.NotBeEmpty)
		})

		t.Run("rejects a spec without a bucket", func(t *ftt.Test) {
			c, _ := testClient(t, http.NotFoundHandler())
			_, err := c.TriggerJob(context.Background(), &JobSpec{})
			assert.Loosely(t, clients.InvalidInput.In(err), should.BeTrue)
		})
	})
}

func TestCancelBuild(t *testing.T) {
	t.Parallel()

	ftt.Run("CancelBuild posts the reason", t, func(t *ftt.Test) {
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Loosely(t, r.URL.Path, should.Equal("/api/buildbucket/v1/builds/3003/cancel"))
			w.Write([]byte(`{}`))
		}))
		err := c.CancelBuild(context.Background(), 3003, "no longer needed")
		assert.Loosely(t, err, should.BeNil)
	})
}
