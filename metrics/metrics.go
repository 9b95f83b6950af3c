// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package metrics reports coordinator-wide gauges from a cron sweep.
//
// Lease expiry itself stays lazy: an abandoned lease is reclaimed on the
// next acquire attempt, never by this sweep. The sweep only makes
// abandonment visible on a dashboard.
package metrics

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/infra/coordinator/model"
)

var expiredLeaseGauge = metric.NewInt(
	"coordinator/lease/expired",
	"Number of non-terminal builds whose lease expired without release.",
	nil,
	field.String("namespace"),
)

// CollectExpiredLeases counts started builds whose lease ran out and
// reports them per namespace.
func CollectExpiredLeases(ctx context.Context) error {
	counts, err := expiredLeaseCounts(ctx)
	if err != nil {
		return err
	}
	for ns, n := range counts {
		expiredLeaseGauge.Set(ctx, n, ns)
	}
	logging.Debugf(ctx, "expired-lease sweep: %d namespace(s) affected", len(counts))
	return nil
}

func expiredLeaseCounts(ctx context.Context) (map[string]int64, error) {
	now := clock.Now(ctx).UTC()
	q := datastore.NewQuery("Build").
		Eq("status", string(model.StatusStarted)).
		Gt("lease_expiration", time.Time{}).
		Lt("lease_expiration", now)
	counts := map[string]int64{}
	err := datastore.Run(ctx, q, func(b *model.Build) error {
		counts[b.Namespace]++
		return nil
	})
	if err != nil {
		return nil, errors.Fmt("querying expired leases: %w", err)
	}
	return counts, nil
}
