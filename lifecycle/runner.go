// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"

	"go.chromium.org/infra/coordinator/lease"
	"go.chromium.org/infra/coordinator/model"
)

var transitionCounter = metric.NewCounter(
	"coordinator/lifecycle/transitions",
	"Build lifecycle transitions, by namespace and resulting status.",
	nil,
	field.String("namespace"),
	field.String("status"),
)

// Notifier delivers notifications for a build that reached a terminal
// state. Implemented by the notify package.
type Notifier interface {
	// DispatchAll delivers the terminal notification on every configured
	// channel. Must be idempotent per (build, channel).
	DispatchAll(ctx context.Context, b *model.Build) error
}

// Runner applies lifecycle events to leased builds.
//
// All writes go through lease.Store.CommitAndRelease, so a Runner invocation
// is atomic with respect to every other worker: either the whole transition
// (status, timestamps, payload, notified flag) lands, or nothing does.
type Runner struct {
	Leases   *lease.Store
	Notifier Notifier
}

// Apply advances the build with event and releases the lease.
//
// The payload, when non-nil, replaces the build's result payload. On the
// transition into a terminal state the notified flag is set in the same
// transaction as the status write and notifications are dispatched exactly
// once; retried invocations observe the flag and skip dispatch.
//
// Illegal transitions fail with InvalidTransition and leave the stored
// build unchanged.
func (r *Runner) Apply(ctx context.Context, namespace, externalID string, token lease.Token, event Event, payload []byte) error {
	now := clock.Now(ctx).UTC()
	needNotify := false
	var committed model.Build
	err := r.Leases.CommitAndRelease(ctx, namespace, externalID, token, func(b *model.Build) error {
		var aerr error
		// Assigned, not accumulated: a retried transaction re-reads the
		// build and must not inherit the decision of a discarded attempt.
		needNotify, aerr = applyEvent(b, event, payload, now)
		if aerr != nil {
			return aerr
		}
		committed = *b
		return nil
	})
	switch {
	case InvalidTransition.In(err):
		// Integrity problem, not a routine signal.
		logging.Errorf(ctx, "illegal transition on build %q: %s", model.BuildKey(namespace, externalID), err)
		return err
	case err != nil:
		return err
	}
	transitionCounter.Add(ctx, 1, namespace, string(committed.Status))
	if needNotify {
		return r.Notifier.DispatchAll(ctx, &committed)
	}
	return nil
}

// applyEvent advances b per event and reports whether this mutation put
// the build into a terminal state whose notifications still need to go
// out. It reads nothing but b, so every transaction attempt derives the
// outcome from the build it actually read.
func applyEvent(b *model.Build, event Event, payload []byte, now time.Time) (needNotify bool, err error) {
	next, err := Advance(b.Status, event)
	if err != nil {
		return false, err
	}
	if payload != nil {
		b.ResultPayload = payload
	}
	if event == EventCancel {
		b.ResultPayload = canceledPayload(b.ResultPayload)
	}
	if b.StartTime.IsZero() && next == model.StatusStarted {
		b.StartTime = now
	}
	if model.IsTerminal(next) {
		b.EndTime = now
		if !b.Notified {
			b.Notified = true
			needNotify = true
		}
	}
	b.Status = next
	return needNotify, nil
}

// RecordRetry bumps the retry counter after a transient failure and
// releases the lease so a re-queued worker can pick the build up again.
//
// No status transition happens here: ERROR is reserved for retry
// exhaustion and non-retriable failures, which callers signal with
// EventFail once RetryCount passes their limit.
func (r *Runner) RecordRetry(ctx context.Context, namespace, externalID string, token lease.Token) (int64, error) {
	var count int64
	err := r.Leases.CommitAndRelease(ctx, namespace, externalID, token, func(b *model.Build) error {
		b.RetryCount++
		count = b.RetryCount
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// EnsureNotified re-dispatches terminal notifications for an already
// terminal build.
//
// Used by retried queue invocations: the terminal transition is committed,
// so Apply cannot run again, but per-channel delivery may still be
// incomplete. Dispatch itself is idempotent per (build, channel), so this
// is safe to call any number of times. Non-terminal builds are a no-op.
func (r *Runner) EnsureNotified(ctx context.Context, namespace, externalID string) error {
	b, err := r.Leases.Get(ctx, namespace, externalID)
	if err != nil {
		return err
	}
	if !model.IsTerminal(b.Status) {
		return nil
	}
	return r.Notifier.DispatchAll(ctx, b)
}

// ErrorSummary is the structured payload stored on builds in ERROR.
type ErrorSummary struct {
	Error      string    `json:"error"`
	RetryCount int64     `json:"retry_count"`
	Time       time.Time `json:"time"`
}

// FailurePayload renders an error summary for EventFail.
func FailurePayload(ctx context.Context, err error, retryCount int64) []byte {
	blob, merr := json.Marshal(&ErrorSummary{
		Error:      err.Error(),
		RetryCount: retryCount,
		Time:       clock.Now(ctx).UTC(),
	})
	if merr != nil {
		return []byte(`{"error":"unserializable failure"}`)
	}
	return blob
}

func canceledPayload(prev []byte) []byte {
	blob, err := json.Marshal(map[string]any{"canceled": true})
	if err != nil {
		return prev
	}
	return blob
}
