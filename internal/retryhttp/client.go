// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package retryhttp is the outbound HTTP client every external call of the
// coordinator goes through.
//
// It wraps net/http with a bounded, jittered exponential-backoff retry loop
// built on the retry.Iterator primitives, plus composable per-attempt
// interceptors for auth injection and metrics. Retriable outcomes (selected
// 5xx statuses and transient transport failures) are tagged transient and
// retried up to the policy limit; 4xx responses are the caller's problem and
// are returned immediately.
package retryhttp

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"
)

// StatusCodeTag carries the HTTP status of a response that was converted
// into an error, so callers can classify without re-parsing messages.
var StatusCodeTag = errtag.Make("HTTP response status code", 0)

// Policy bounds the retry behavior of one call. A value object supplied by
// configuration per namespace or per host, never mutated by the client.
type Policy struct {
	// MaxAttempts is the total number of attempts, first one included.
	MaxAttempts int
	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// Retry429 additionally treats 429 as retriable.
	Retry429 bool
	// RetriableCodes overrides the retried status set when non-empty.
	// The default is all 5xx except 501.
	RetriableCodes []int
}

var policyKey = "coordinator.retryhttp.Policy"

// UsePolicy overrides the client's retry policy for requests made with ctx.
//
// Per-namespace retry configuration enters here: callers that know which
// work kind a request serves wrap their context once and every request on
// it, interceptors and metrics included, follows that policy. The client's
// own Policy is the fallback.
func UsePolicy(ctx context.Context, p Policy) context.Context {
	return context.WithValue(ctx, &policyKey, p)
}

func (c *Client) policy(ctx context.Context) Policy {
	if p, ok := ctx.Value(&policyKey).(Policy); ok {
		return p
	}
	return c.Policy
}

// DefaultPolicy mirrors the retry defaults used across the codebase.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

func (p Policy) retriableStatus(code int) bool {
	if len(p.RetriableCodes) > 0 {
		for _, c := range p.RetriableCodes {
			if c == code {
				return true
			}
		}
		return false
	}
	if code == http.StatusTooManyRequests {
		return p.Retry429
	}
	return code >= 500 && code != http.StatusNotImplemented
}

// RequestInterceptor runs before every attempt, including retries. Auth
// token injection lives here: a token refreshed between attempts gets
// picked up by the next one.
type RequestInterceptor func(ctx context.Context, req *http.Request) error

// AttemptObserver runs after every attempt with its outcome. resp may be
// nil on transport failure. Observers must not block; a panicking observer
// is logged and never fails the call.
type AttemptObserver func(ctx context.Context, host string, resp *http.Response, err error)

// Response is the terminal outcome of a request.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Client issues outbound HTTP requests with retries.
type Client struct {
	// C does the transport work. Defaults to http.DefaultClient.
	C *http.Client
	// Policy bounds retries.
	Policy Policy
	// Before interceptors run in order before every attempt.
	Before []RequestInterceptor
	// After observers run in order after every attempt.
	After []AttemptObserver
	// Limiter, if set, paces attempts across the whole client.
	Limiter *rate.Limiter
	// Sem, if set, caps concurrent in-flight attempts.
	Sem *semaphore.Weighted
}

// Request performs one logical HTTP call, retrying per the policy.
//
// The returned Response is the last one received, also when the error is
// non-nil because retries were exhausted: a caller that wants the final
// 503 body for diagnostics has it. A nil Response with a non-nil error
// means no attempt ever got an HTTP response. Blocking is bounded by
// MaxAttempts*MaxDelay plus the transport timeouts of C.
func (c *Client) Request(ctx context.Context, method, url string, body []byte, headers http.Header) (*Response, error) {
	pol := c.policy(ctx)
	var lastResp *Response
	err := retry.Retry(ctx, transient.Only(iteratorFactory(pol)), func() error {
		resp, err := c.attempt(ctx, pol, method, url, body, headers)
		if resp != nil {
			lastResp = resp
		}
		return err
	}, retry.LogCallback(ctx, method+" "+url))
	c.recordTerminal(ctx, url, lastResp, err)
	if err != nil {
		return lastResp, err
	}
	return lastResp, nil
}

func (c *Client) attempt(ctx context.Context, pol Policy, method, url string, body []byte, headers http.Header) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.Fmt("building request for %q: %w", url, err)
	}
	for k, vs := range headers {
		req.Header[k] = append([]string(nil), vs...)
	}
	for _, ic := range c.Before {
		if err := ic(ctx, req); err != nil {
			return nil, errors.Fmt("request interceptor: %w", err)
		}
	}

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if c.Sem != nil {
		if err := c.Sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer c.Sem.Release(1)
	}

	hc := c.C
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	c.observe(ctx, req.URL.Host, resp, err)
	if err != nil {
		if isTransientNetErr(err) {
			return nil, transient.Tag.Apply(errors.Fmt("%s %s: %w", method, url, err))
		}
		return nil, errors.Fmt("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transient.Tag.Apply(errors.Fmt("reading response of %s %s: %w", method, url, err))
	}
	out := &Response{StatusCode: resp.StatusCode, Body: blob, Header: resp.Header}
	if pol.retriableStatus(resp.StatusCode) {
		err := errors.Fmt("%s %s replied with HTTP %d", method, url, resp.StatusCode)
		return out, transient.Tag.Apply(StatusCodeTag.ApplyValue(err, resp.StatusCode))
	}
	return out, nil
}

func (c *Client) observe(ctx context.Context, host string, resp *http.Response, err error) {
	for _, obs := range c.After {
		func() {
			defer func() {
				if p := recover(); p != nil {
					logging.Warningf(ctx, "http attempt observer panicked: %v", p)
				}
			}()
			obs(ctx, host, resp, err)
		}()
	}
}

// isTransientNetErr classifies transport-level failures: timeouts,
// connection resets and DNS hiccups are retriable, everything else
// (malformed URLs, too many redirects) is not.
func isTransientNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
