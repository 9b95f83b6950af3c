// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package scheduler decides what work needs to exist.
//
// It guarantees at-most-one in-flight Build per dedup key and computes the
// backfill buckets still missing from periodic aggregation. It creates
// Builds but never runs them; running is the lifecycle package's job.
package scheduler

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/infra/coordinator/lease"
	"go.chromium.org/infra/coordinator/model"
)

var dedupCounter = metric.NewCounter(
	"coordinator/scheduler/dedup",
	"ScheduleIfNeeded outcomes, by namespace.",
	nil,
	field.String("namespace"),
	// "created" or "deduped".
	field.String("outcome"),
)

// BuilderFn constructs the identity and initial payload of a new Build.
// Invoked at most once per ScheduleIfNeeded call, and only when no active
// build exists for the dedup key.
type BuilderFn func() (externalID string, payload []byte, err error)

// Scheduler creates builds, deduplicating equivalent work.
type Scheduler struct {
	Leases *lease.Store
}

// ScheduleIfNeeded returns the active Build for the dedup key, creating it
// if necessary.
//
// If a non-terminal Build is already mapped to (namespace, signature) it is
// returned as-is and builderFn is not invoked, so concurrent triggers for
// equivalent work collapse onto one unit. A mapping that points at a
// terminal (or vanished) build is stale and gets replaced.
func (s *Scheduler) ScheduleIfNeeded(ctx context.Context, namespace, signature string, builderFn BuilderFn) (*model.Build, error) {
	// Memoized so datastore transaction retries cannot invoke it again.
	built := false
	var builtID string
	var builtPayload []byte
	build := func() (string, []byte, error) {
		if !built {
			id, payload, err := builderFn()
			if err != nil {
				return "", nil, err
			}
			built, builtID, builtPayload = true, id, payload
		}
		return builtID, builtPayload, nil
	}

	var out *model.Build
	created := false
	err := datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		created = false
		entry := &model.DedupEntry{ID: model.DedupKey(namespace, signature)}
		switch err := datastore.Get(ctx, entry); {
		case err == nil:
			b := &model.Build{ID: entry.BuildID}
			switch err := datastore.Get(ctx, b); {
			case err == nil && !model.IsTerminal(b.Status):
				out = b
				return nil
			case err != nil && err != datastore.ErrNoSuchEntity:
				return errors.Fmt("fetching deduped build %q: %w", entry.BuildID, err)
			}
			// Stale mapping, fall through and remap.
		case err != datastore.ErrNoSuchEntity:
			return errors.Fmt("fetching dedup entry %q: %w", entry.ID, err)
		}

		externalID, payload, err := build()
		if err != nil {
			return errors.Fmt("builder callback: %w", err)
		}
		b, err := s.Leases.CreateIfAbsent(ctx, namespace, externalID, payload)
		if err != nil {
			return err
		}
		entry.BuildID = b.ID
		entry.CreateTime = clock.Now(ctx).UTC()
		if err := datastore.Put(ctx, entry); err != nil {
			return errors.Fmt("recording dedup entry %q: %w", entry.ID, err)
		}
		out = b
		created = true
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	if created {
		dedupCounter.Add(ctx, 1, namespace, "created")
	} else {
		dedupCounter.Add(ctx, 1, namespace, "deduped")
	}
	return out, nil
}

// Interval is one fixed-width aggregation bucket, [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// ComputeMissingIntervals lists the buckets of the given width between
// lastKnownEnd and now that have fully elapsed.
//
// Only buckets whose end is at or before now are emitted, so a bucket that
// now falls in the middle of is excluded until it elapses. The result is
// deterministic: the same (period, lastKnownEnd, now) always produces the
// same sequence. A non-positive period or a zero lastKnownEnd yields
// nothing; bootstrap from the earliest raw record is the caller's call.
func ComputeMissingIntervals(period time.Duration, lastKnownEnd, now time.Time) []Interval {
	if period <= 0 || lastKnownEnd.IsZero() {
		return nil
	}
	var out []Interval
	for start := lastKnownEnd; !start.Add(period).After(now); start = start.Add(period) {
		out = append(out, Interval{Start: start, End: start.Add(period)})
	}
	return out
}

// Backfill schedules one aggregation Build per missing bucket and advances
// the persisted backfill state.
//
// Re-running is idempotent: already scheduled buckets dedup onto their
// existing builds, and the state only moves forward. When no aggregation
// ran before, earliestRecord seeds the first bucket.
func (s *Scheduler) Backfill(ctx context.Context, namespace string, period time.Duration, earliestRecord time.Time) error {
	state := &model.BackfillState{ID: namespace}
	switch err := datastore.Get(ctx, state); {
	case err == datastore.ErrNoSuchEntity:
		state.LastEnd = earliestRecord
	case err != nil:
		return errors.Fmt("fetching backfill state for %q: %w", namespace, err)
	}

	intervals := ComputeMissingIntervals(period, state.LastEnd, clock.Now(ctx).UTC())
	for _, iv := range intervals {
		signature := bucketID(iv)
		_, err := s.ScheduleIfNeeded(ctx, namespace, signature, func() (string, []byte, error) {
			return signature, nil, nil
		})
		if err != nil {
			return errors.Fmt("scheduling bucket %s: %w", signature, err)
		}
		// Advance the state bucket by bucket; a crash mid-pass resumes from
		// the last scheduled bucket instead of the beginning.
		state.LastEnd = iv.End
		if err := datastore.Put(ctx, state); err != nil {
			return errors.Fmt("saving backfill state for %q: %w", namespace, err)
		}
	}
	if len(intervals) > 0 {
		logging.Infof(ctx, "backfill %q: scheduled %d bucket(s) up to %s",
			namespace, len(intervals), state.LastEnd.Format(time.RFC3339))
	}
	return nil
}

func bucketID(iv Interval) string {
	return "backfill/" + iv.Start.UTC().Format(time.RFC3339) + "/" + iv.End.UTC().Format(time.RFC3339)
}
