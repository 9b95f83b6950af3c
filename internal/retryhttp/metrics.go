// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package retryhttp

import (
	"context"
	"net/url"
	"strconv"

	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
)

var requestCounter = metric.NewCounter(
	"coordinator/http/requests",
	"Terminal outcomes of outbound HTTP calls (success or exhausted retries), by host.",
	nil,
	field.String("host"),
	// An HTTP status code, or "transport_error" / "no_response".
	field.String("result"),
)

// recordTerminal emits one metric record per logical call, after the retry
// loop settled. Emission is best-effort: a failure here must never affect
// the call itself.
func (c *Client) recordTerminal(ctx context.Context, rawurl string, resp *Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			logging.Warningf(ctx, "http metrics emission panicked: %v", p)
		}
	}()
	host := rawurl
	if u, uerr := url.Parse(rawurl); uerr == nil && u.Host != "" {
		host = u.Host
	}
	result := "no_response"
	switch {
	case resp != nil:
		result = strconv.Itoa(resp.StatusCode)
	case err != nil:
		result = "transport_error"
	}
	requestCounter.Add(ctx, 1, host, result)
}
