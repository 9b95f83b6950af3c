// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package buildcron reaps builds past the retention window.
//
// Within the window builds are an append-only audit record; only this cron
// deletes them, batched, oldest first.
package buildcron

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/infra/coordinator/model"
)

const deleteBatchSize = 200

// DeleteOldBuilds removes terminal builds created before the retention
// window. Dedup entries pointing at reaped builds are already stale by
// definition and get replaced on the next ScheduleIfNeeded, so they are
// left alone.
func DeleteOldBuilds(ctx context.Context, retention time.Duration) error {
	cutoff := clock.Now(ctx).UTC().Add(-retention)
	for _, status := range []model.Status{model.StatusCompleted, model.StatusError} {
		if err := deleteOldBuildsWithStatus(ctx, status, cutoff); err != nil {
			return err
		}
	}
	return nil
}

func deleteOldBuildsWithStatus(ctx context.Context, status model.Status, cutoff time.Time) error {
	q := datastore.NewQuery("Build").
		Eq("status", string(status)).
		Lt("create_time", cutoff).
		KeysOnly(true)

	var batch []*datastore.Key
	deleted := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := datastore.Delete(ctx, batch); err != nil {
			return errors.Fmt("deleting %d builds: %w", len(batch), err)
		}
		deleted += len(batch)
		batch = batch[:0]
		return nil
	}

	err := datastore.Run(ctx, q, func(k *datastore.Key) error {
		batch = append(batch, k)
		if len(batch) >= deleteBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return errors.Fmt("querying %s builds for retention: %w", status, err)
	}
	if err := flush(); err != nil {
		return err
	}
	if deleted > 0 {
		logging.Infof(ctx, "retention: deleted %d %s build(s) created before %s",
			deleted, status, cutoff.Format(time.RFC3339))
	}
	return nil
}
