// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package retryhttp

import (
	"context"
	"time"

	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/retry"
)

// backoffIterator is a retry.Iterator producing jittered exponential
// delays: min(maxDelay, baseDelay*2^attempt) scaled by a random factor in
// [0.5, 1.5). Delays are clamped to be non-decreasing so a lucky low
// jitter late in the sequence cannot shrink the backoff.
type backoffIterator struct {
	retries int
	next    time.Duration
	max     time.Duration
	floor   time.Duration
}

func (it *backoffIterator) Next(ctx context.Context, err error) time.Duration {
	if it.retries <= 0 {
		return retry.Stop
	}
	it.retries--
	d := it.next
	if d > it.max {
		d = it.max
	}
	it.next *= 2
	d = time.Duration(float64(d) * (0.5 + mathrand.Get(ctx).Float64()))
	if d < it.floor {
		d = it.floor
	}
	it.floor = d
	return d
}

func iteratorFactory(p Policy) retry.Factory {
	if p.MaxAttempts <= 0 {
		p = DefaultPolicy()
	}
	return func() retry.Iterator {
		return &backoffIterator{
			retries: p.MaxAttempts - 1,
			next:    p.BaseDelay,
			max:     p.MaxDelay,
		}
	}
}
