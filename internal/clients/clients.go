// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package clients holds what the external service adapters share: the
// error classification surfaced to the lifecycle layer and the auth
// interceptor wired into every outbound client.
//
// Adapters translate raw transport outcomes into exactly three kinds the
// coordinator cares about: transient (retriable, tagged by the retry
// client), NotFound, and permanent input/quota rejections. The lifecycle
// layer never inspects raw transport errors.
package clients

import (
	"context"
	"net/http"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"
	"go.chromium.org/luci/server/auth"

	"go.chromium.org/infra/coordinator/internal/retryhttp"
)

var (
	// NotFound tags errors for objects that do not exist remotely.
	NotFound = errtag.Make("the remote object does not exist", true)

	// InvalidInput tags permanent rejections: the request is malformed or
	// not permitted and retrying it verbatim can never succeed.
	InvalidInput = errtag.Make("the request was rejected as invalid", true)

	// QuotaExceeded tags rejections for quota reasons.
	QuotaExceeded = errtag.Make("the remote service is out of quota for this caller", true)
)

// ClassifyResponse converts a terminal HTTP outcome into the adapter error
// taxonomy. A nil return means resp is a usable 2xx response.
//
// err, when non-nil, comes out of retryhttp already tagged (transient for
// exhausted retries) and is passed through annotated.
func ClassifyResponse(what string, resp *retryhttp.Response, err error) error {
	if err != nil {
		return errors.Fmt("%s: %w", what, err)
	}
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return NotFound.Apply(errors.Fmt("%s: HTTP 404", what))
	case code == http.StatusTooManyRequests:
		return QuotaExceeded.Apply(errors.Fmt("%s: HTTP 429", what))
	default:
		err := errors.Fmt("%s: HTTP %d", what, code)
		return InvalidInput.Apply(retryhttp.StatusCodeTag.ApplyValue(err, code))
	}
}

// SelfAuthInterceptor injects an OAuth token minted for the service itself
// before every attempt. Running per attempt matters: a token that expired
// during backoff is refreshed by the token source on the next attempt.
func SelfAuthInterceptor(scopes ...string) retryhttp.RequestInterceptor {
	return func(ctx context.Context, req *http.Request) error {
		ts, err := auth.GetTokenSource(ctx, auth.AsSelf, auth.WithScopes(scopes...))
		if err != nil {
			return errors.Fmt("getting token source: %w", err)
		}
		tok, err := ts.Token()
		if err != nil {
			return errors.Fmt("minting access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		return nil
	}
}
