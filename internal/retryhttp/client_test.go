// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package retryhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
	"go.chromium.org/luci/common/tsmon"
)

// testContext auto-fires timers so backoff sleeps do not block the test,
// recording each slept duration.
func testContext() (context.Context, *[]time.Duration) {
	c, _ := tsmon.WithDummyInMemory(context.Background())
	cl := testclock.New(testclock.TestTimeUTC)
	delays := &[]time.Duration{}
	var mu sync.Mutex
	cl.SetTimerCallback(func(d time.Duration, _ clock.Timer) {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		cl.Add(d)
	})
	c = clock.Set(c, cl)
	return c, delays
}

func TestRequest(t *testing.T) {
	t.Parallel()

	ftt.Run("Request", t, func(t *ftt.Test) {
		c, delays := testContext()

		var mu sync.Mutex
		var statuses []int
		attempts := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			code := http.StatusOK
			if attempts < len(statuses) {
				code = statuses[attempts]
			}
			attempts++
			w.WriteHeader(code)
			w.Write([]byte("body"))
		}))
		defer srv.Close()

		client := &Client{
			C: srv.Client(),
			Policy: Policy{
				MaxAttempts: 5,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    10 * time.Second,
			},
		}

		t.Run("retries 503s and returns the eventual success", func(t *ftt.Test) {
			statuses = []int{503, 503, 200}
			resp, err := client.Request(c, http.MethodGet, srv.URL, nil, nil)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, resp.StatusCode, should.Equal(200))
			assert.Loosely(t, resp.Body, should.Match([]byte("body")))
			assert.Loosely(t, attempts, should.Equal(3))

			// One backoff per failed attempt, never shrinking.
			assert.Loosely(t, *delays, should.HaveLength(2))
			for i := 1; i < len(*delays); i++ {
				assert.Loosely(t, (*delays)[i] >= (*delays)[i-1], should.BeTrue)
			}
		})

		t.Run("gives up after MaxAttempts and keeps the last response", func(t *ftt.Test) {
			statuses = []int{503, 503, 503, 503, 503, 503}
			resp, err := client.Request(c, http.MethodGet, srv.URL, nil, nil)
			assert.Loosely(t, err, should.NotBeNil)
			assert.Loosely(t, transient.Tag.In(err), should.BeTrue)
			assert.Loosely(t, StatusCodeTag.ValueOrDefault(err), should.Equal(503))
			assert.Loosely(t, resp, should.NotBeNil)
			assert.Loosely(t, resp.StatusCode, should.Equal(503))
			assert.Loosely(t, attempts, should.Equal(5))
		})

		t.Run("4xx is terminal and not an error", func(t *ftt.Test) {
			statuses = []int{404}
			resp, err := client.Request(c, http.MethodGet, srv.URL, nil, nil)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, resp.StatusCode, should.Equal(404))
			assert.Loosely(t, attempts, should.Equal(1))
			assert.Loosely(t, *delays, should.BeEmpty)
		})

		t.Run("501 is terminal", func(t *ftt.Test) {
			statuses = []int{501}
			resp, err := client.Request(c, http.MethodGet, srv.URL, nil, nil)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, resp.StatusCode, should.Equal(501))
			assert.Loosely(t, attempts, should.Equal(1))
		})

		t.Run("429 retries only when opted in", func(t *ftt.Test) {
			statuses = []int{429, 200}
			resp, err := client.Request(c, http.MethodGet, srv.URL, nil, nil)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, resp.StatusCode, should.Equal(429))
			assert.Loosely(t, attempts, should.Equal(1))

			attempts = 0
			client.Policy.Retry429 = true
			resp, err = client.Request(c, http.MethodGet, srv.URL, nil, nil)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, resp.StatusCode, should.Equal(200))
			assert.Loosely(t, attempts, should.Equal(2))
		})

		t.Run("a context policy overrides the client's", func(t *ftt.Test) {
			statuses = []int{503, 503, 503, 503, 503, 503}
			cc := UsePolicy(c, Policy{
				MaxAttempts: 2,
				BaseDelay:   time.Millisecond,
				MaxDelay:    time.Second,
			})
			_, err := client.Request(cc, http.MethodGet, srv.URL, nil, nil)
			assert.Loosely(t, err, should.NotBeNil)
			assert.Loosely(t, attempts, should.Equal(2))

			// The same client without the override keeps its own budget.
			attempts = 0
			_, err = client.Request(c, http.MethodGet, srv.URL, nil, nil)
			assert.Loosely(t, err, should.NotBeNil)
			assert.Loosely(t, attempts, should.Equal(5))
		})

		t.Run("a context policy picks the retriable set", func(t *ftt.Test) {
			statuses = []int{429, 200}
			cc := UsePolicy(c, Policy{
				MaxAttempts: 3,
				BaseDelay:   time.Millisecond,
				MaxDelay:    time.Second,
				Retry429:    true,
			})
			resp, err := client.Request(cc, http.MethodGet, srv.URL, nil, nil)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, resp.StatusCode, should.Equal(200))
			assert.Loosely(t, attempts, should.Equal(2))
		})

		t.Run("interceptors run on every attempt", func(t *ftt.Test) {
			statuses = []int{503, 200}
			intercepted := 0
			client.Before = []RequestInterceptor{
				func(ctx context.Context, req *http.Request) error {
					intercepted++
					req.Header.Set("Authorization", "Bearer tok")
					return nil
				},
			}
			_, err := client.Request(c, http.MethodGet, srv.URL, nil, nil)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, intercepted, should.Equal(2))
		})

		t.Run("a panicking observer never fails the call", func(t *ftt.Test) {
			statuses = nil
			client.After = []AttemptObserver{
				func(ctx context.Context, host string, resp *http.Response, err error) {
					panic("observer bug")
				},
			}
			resp, err := client.Request(c, http.MethodGet, srv.URL, nil, nil)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, resp.StatusCode, should.Equal(200))
		})

		t.Run("records one terminal metric per logical call", func(t *ftt.Test) {
			statuses = []int{503, 200}
			_, err := client.Request(c, http.MethodGet, srv.URL, nil, nil)
			assert.Loosely(t, err, should.BeNil)

			u, err := url.Parse(srv.URL)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, requestCounter.Get(c, u.Host, "200"), should.Equal(1))
		})
	})
}

func TestBackoffIterator(t *testing.T) {
	t.Parallel()

	ftt.Run("backoffIterator", t, func(t *ftt.Test) {
		c := context.Background()

		t.Run("produces bounded non-decreasing delays then stops", func(t *ftt.Test) {
			it := &backoffIterator{
				retries: 6,
				next:    100 * time.Millisecond,
				max:     time.Second,
			}
			var prev time.Duration
			for i := 0; i < 6; i++ {
				d := it.Next(c, nil)
				assert.Loosely(t, d, should.NotEqual(retry.Stop))
				assert.Loosely(t, d >= prev, should.BeTrue)
				assert.Loosely(t, d <= 3*time.Second/2, should.BeTrue)
				prev = d
			}
			assert.Loosely(t, it.Next(c, nil), should.Equal(retry.Stop))
		})

		t.Run("a zero-retry iterator stops immediately", func(t *ftt.Test) {
			it := &backoffIterator{}
			assert.Loosely(t, it.Next(c, nil), should.Equal(retry.Stop))
		})
	})
}
