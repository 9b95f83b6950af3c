// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package lease implements the durable store of leasable Builds.
//
// A lease is a time-bounded, tokenized exclusive claim on a Build. Acquiring,
// renewing and committing are all datastore transactions, so two holders
// racing on the same Build can never both succeed: the loser observes
// AlreadyLeased or LeaseExpired and is expected to reschedule itself. These
// two error kinds are routine coordination signals, not application errors.
package lease

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/infra/coordinator/model"
)

var (
	// AlreadyLeased tags errors returned when a valid lease is held by
	// someone else. Expected under contention; callers reschedule.
	AlreadyLeased = errtag.Make("the build is leased by another holder", true)

	// LeaseExpired tags errors returned when the presented token is stale,
	// either because the lease ran out or because another holder acquired
	// the build and the token was regenerated.
	LeaseExpired = errtag.Make("the lease expired or the token is stale", true)

	// BuildIsCompleted tags errors returned on attempts to lease or mutate
	// a terminal Build. Callers retrying "mark complete" treat it as
	// success.
	BuildIsCompleted = errtag.Make("the build is in a terminal state", true)

	// NotFound tags errors returned when the Build entity does not exist.
	NotFound = errtag.Make("no such build", true)
)

var acquireCounter = metric.NewCounter(
	"coordinator/lease/acquire",
	"Lease acquisition attempts, by namespace and outcome.",
	nil,
	field.String("namespace"),
	// "acquired", "already_leased", "completed", "not_found" or "error".
	field.String("outcome"),
)

// Token proves lease ownership to Renew and CommitAndRelease.
//
// It is opaque to holders. A zero Token is never valid.
type Token int64

// Store provides atomic lease operations on Build entities.
//
// The zero value is ready to use. All state lives in the datastore reachable
// through the context, so many processes sharing the datastore coordinate
// through the same Store semantics without in-process locks.
type Store struct{}

// NewStore returns a lease store.
func NewStore() *Store {
	return &Store{}
}

// CreateIfAbsent creates a SCHEDULED Build for (namespace, externalID), or
// returns the existing entity untouched.
//
// Idempotent: calling it twice returns the same entity and does not reset
// status, retry count or anything else. May be called inside an existing
// transaction, in which case it joins it.
func (s *Store) CreateIfAbsent(ctx context.Context, namespace, externalID string, payload []byte) (*model.Build, error) {
	b := &model.Build{ID: model.BuildKey(namespace, externalID)}
	create := func(ctx context.Context) error {
		switch err := datastore.Get(ctx, b); {
		case err == nil:
			return nil
		case err != datastore.ErrNoSuchEntity:
			return errors.Fmt("fetching build %q: %w", b.ID, err)
		}
		now := clock.Now(ctx).UTC()
		*b = model.Build{
			ID:            b.ID,
			Namespace:     namespace,
			ExternalID:    externalID,
			Status:        model.StatusScheduled,
			CreateTime:    now,
			UpdateTime:    now,
			ResultPayload: payload,
		}
		return datastore.Put(ctx, b)
	}
	var err error
	if datastore.CurrentTransaction(ctx) != nil {
		err = create(ctx)
	} else {
		err = datastore.RunInTransaction(ctx, create, nil)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// TryAcquire attempts to take an exclusive lease on the build.
//
// It does not block: if a valid lease is currently held the call fails fast
// with an AlreadyLeased-tagged error. Expired leases are acquirable, which
// is how crashed holders are tolerated without an explicit cancel protocol.
//
// On success the lease key is regenerated (so stale tokens are dead), the
// expiration is set to now+dur, and a SCHEDULED build transitions to
// STARTED. Terminal builds fail with BuildIsCompleted.
func (s *Store) TryAcquire(ctx context.Context, namespace, externalID, holderID string, dur time.Duration) (Token, error) {
	if dur <= 0 {
		return 0, errors.Fmt("non-positive lease duration %s", dur)
	}
	var token Token
	err := datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		b, err := getBuild(ctx, namespace, externalID)
		if err != nil {
			return err
		}
		now := clock.Now(ctx).UTC()
		switch {
		case model.IsTerminal(b.Status):
			return BuildIsCompleted.Apply(errors.Fmt("build %q is %s", b.ID, b.Status))
		case b.IsLeased(now):
			return AlreadyLeased.Apply(errors.Fmt(
				"build %q is leased until %s", b.ID, b.LeaseExpiration.Format(time.RFC3339)))
		}
		b.LeaseKey = regenerateLeaseKey(ctx, b.LeaseKey)
		b.LeaseHolder = holderID
		b.LeaseExpiration = now.Add(dur)
		if b.Status == model.StatusScheduled {
			b.Status = model.StatusStarted
			b.StartTime = now
		}
		b.UpdateTime = now
		token = Token(b.LeaseKey)
		return datastore.Put(ctx, b)
	}, nil)
	acquireCounter.Add(ctx, 1, namespace, acquireOutcome(err))
	if err != nil {
		return 0, err
	}
	return token, nil
}

// Renew extends the lease to now+dur.
//
// Long-running holders must renew before expiration to retain ownership;
// once expired the build is silently reclaimable by anyone and the old
// token stops working. The token must be exactly the one returned by the
// last TryAcquire, otherwise the call fails with LeaseExpired.
func (s *Store) Renew(ctx context.Context, namespace, externalID string, token Token, dur time.Duration) error {
	if dur <= 0 {
		return errors.Fmt("non-positive lease duration %s", dur)
	}
	return datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		b, err := getBuild(ctx, namespace, externalID)
		if err != nil {
			return err
		}
		now := clock.Now(ctx).UTC()
		if err := checkLease(b, token, now); err != nil {
			return err
		}
		b.LeaseExpiration = now.Add(dur)
		b.UpdateTime = now
		return datastore.Put(ctx, b)
	}, nil)
}

// CommitAndRelease transactionally applies mutate to the build and drops
// the lease.
//
// This is the only way persisted Builds change outside of acquisition. If
// the lease expired or the token is stale the commit fails entirely with
// LeaseExpired and nothing is written; the caller restarts from TryAcquire.
//
// A mutate that changes nothing releases the lease early, which is the
// supported way to hand a build off faster than waiting for expiry.
func (s *Store) CommitAndRelease(ctx context.Context, namespace, externalID string, token Token, mutate func(*model.Build) error) error {
	return datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		b, err := getBuild(ctx, namespace, externalID)
		if err != nil {
			return err
		}
		now := clock.Now(ctx).UTC()
		if err := checkLease(b, token, now); err != nil {
			return err
		}
		if mutate != nil {
			if err := mutate(b); err != nil {
				return err
			}
		}
		b.LeaseKey = 0
		b.LeaseHolder = ""
		b.LeaseExpiration = time.Time{}
		b.UpdateTime = now
		if err := b.Validate(now); err != nil {
			return errors.Fmt("refusing to commit invalid build: %w", err)
		}
		return datastore.Put(ctx, b)
	}, nil)
}

// Get fetches a build without touching its lease. Read-only helper for
// handlers and crons.
func (s *Store) Get(ctx context.Context, namespace, externalID string) (*model.Build, error) {
	return getBuild(ctx, namespace, externalID)
}

func getBuild(ctx context.Context, namespace, externalID string) (*model.Build, error) {
	b := &model.Build{ID: model.BuildKey(namespace, externalID)}
	switch err := datastore.Get(ctx, b); {
	case err == datastore.ErrNoSuchEntity:
		return nil, NotFound.Apply(errors.Fmt("build %q not found", b.ID))
	case err != nil:
		return nil, errors.Fmt("fetching build %q: %w", b.ID, err)
	}
	return b, nil
}

func checkLease(b *model.Build, token Token, now time.Time) error {
	if token == 0 || int64(token) != b.LeaseKey || !now.Before(b.LeaseExpiration) {
		return LeaseExpired.Apply(errors.Fmt("lease token for build %q is not valid", b.ID))
	}
	return nil
}

// regenerateLeaseKey picks a new nonzero lease key distinct from the
// previous one, so a reacquired build never honors an old token.
func regenerateLeaseKey(ctx context.Context, prev int64) int64 {
	for {
		k := mathrand.Int63(ctx)
		if k != 0 && k != prev {
			return k
		}
	}
}

func acquireOutcome(err error) string {
	switch {
	case err == nil:
		return "acquired"
	case AlreadyLeased.In(err):
		return "already_leased"
	case BuildIsCompleted.In(err):
		return "completed"
	case NotFound.In(err):
		return "not_found"
	default:
		return "error"
	}
}
