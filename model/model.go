// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package model contains the datastore entities of the coordinator.
//
// A Build is one long-running unit of work (a buildbucket build, a try job,
// a crash analysis) tracked through its lifecycle. All mutations of persisted
// Builds go through the lease package; nothing else is allowed to write
// Status or the lease fields.
package model

import (
	"fmt"
	"strings"
	"time"

	"go.chromium.org/luci/common/errors"
)

// Status is the lifecycle state of a Build.
type Status string

const (
	// StatusScheduled means the build is created and can be leased.
	StatusScheduled Status = "SCHEDULED"
	// StatusStarted means some holder leased the build and started working.
	StatusStarted Status = "STARTED"
	// StatusCompleted means the work finished. Terminal.
	StatusCompleted Status = "COMPLETED"
	// StatusError means the work failed permanently. Terminal.
	StatusError Status = "ERROR"
)

// IsTerminal reports whether s permits no further transitions.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusError
}

// BuildKey constructs the datastore ID of a Build from its composite key.
//
// The namespace must not contain '/'. The external ID is whatever uniquely
// and stably identifies the unit within the namespace, e.g.
// "master/builder/123" or a buildbucket build ID.
func BuildKey(namespace, externalID string) string {
	return namespace + "/" + externalID
}

// SplitBuildKey is the inverse of BuildKey.
func SplitBuildKey(key string) (namespace, externalID string, err error) {
	namespace, externalID, ok := strings.Cut(key, "/")
	if !ok || namespace == "" || externalID == "" {
		return "", "", errors.Fmt("malformed build key %q", key)
	}
	return namespace, externalID, nil
}

// Build describes one leasable unit of work.
//
// Builds are never hard-deleted. A retention cron may remove entities older
// than the configured retention window, but within the window the entity is
// an append-only audit record of what happened to the unit.
type Build struct {
	_kind string `gae:"$kind,Build"`

	// ID is BuildKey(Namespace, ExternalID).
	ID string `gae:"$id"`

	// Namespace groups builds of one work kind, e.g. "compile-analysis".
	Namespace string `gae:"namespace"`
	// ExternalID identifies the unit within the namespace.
	ExternalID string `gae:"external_id"`

	Status Status `gae:"status"`

	// LeaseKey is the token of the current lease, 0 if not leased.
	//
	// It is regenerated on every successful acquisition, so a stale holder
	// can never pass the token check after the lease changed hands.
	LeaseKey int64 `gae:"lease_key,noindex"`
	// LeaseHolder identifies who took the current lease. Informational,
	// only the token is checked.
	LeaseHolder string `gae:"lease_holder,noindex"`
	// LeaseExpiration is when the current lease stops being valid.
	//
	// Expiry is lazy: an expired lease simply loses the token check on the
	// next acquire or commit, there is no eager sweep.
	LeaseExpiration time.Time `gae:"lease_expiration"`

	CreateTime time.Time `gae:"create_time"`
	StartTime  time.Time `gae:"start_time,noindex"`
	EndTime    time.Time `gae:"end_time,noindex"`
	UpdateTime time.Time `gae:"update_time,noindex"`

	// ResultPayload is an opaque blob with the outcome of the work. For
	// builds in ERROR it holds a structured error summary.
	ResultPayload []byte `gae:"result_payload,noindex"`

	// RetryCount is how many times transient failures were retried.
	RetryCount int64 `gae:"retry_count,noindex"`

	// Notified is set when terminal-state notifications were enqueued.
	// Written in the same transaction as the terminal status, so retried
	// handler invocations cannot double-dispatch.
	Notified bool `gae:"notified,noindex"`
}

// IsLeased reports whether the build holds a valid lease at the given time.
func (b *Build) IsLeased(now time.Time) bool {
	return b.LeaseKey != 0 && now.Before(b.LeaseExpiration)
}

// Validate checks the entity invariants.
func (b *Build) Validate(now time.Time) error {
	switch {
	case b.ID == "":
		return errors.New("build has no ID")
	case b.ID != BuildKey(b.Namespace, b.ExternalID):
		return errors.Fmt("build ID %q does not match (%q, %q)", b.ID, b.Namespace, b.ExternalID)
	}
	switch b.Status {
	case StatusScheduled, StatusStarted, StatusCompleted, StatusError:
	default:
		return errors.Fmt("unrecognized status %q", b.Status)
	}
	if b.IsLeased(now) && IsTerminal(b.Status) {
		return errors.Fmt("build %q is leased while in terminal status %s", b.ID, b.Status)
	}
	return nil
}

// DedupEntry maps a dedup key to the Build doing the corresponding work.
//
// There is at most one active (non-terminal) Build per dedup key. Once the
// mapped build reaches a terminal state the entry is stale and may be
// overwritten by the next ScheduleIfNeeded.
type DedupEntry struct {
	_kind string `gae:"$kind,DedupEntry"`

	// ID is "namespace/dimension_signature".
	ID string `gae:"$id"`

	// BuildID is the ID of the mapped Build entity.
	BuildID string `gae:"build_id,noindex"`

	CreateTime time.Time `gae:"create_time,noindex"`
}

// DedupKey constructs the datastore ID of a DedupEntry.
func DedupKey(namespace, signature string) string {
	return namespace + "/" + signature
}

// BackfillState remembers how far periodic aggregation got for one
// namespace. The next backfill pass resumes from LastEnd.
type BackfillState struct {
	_kind string `gae:"$kind,BackfillState"`

	// ID is the namespace.
	ID string `gae:"$id"`

	// LastEnd is the end of the most recently scheduled bucket.
	LastEnd time.Time `gae:"last_end,noindex"`
}

// NotificationRecord tracks at-most-once delivery per (build, channel).
type NotificationRecord struct {
	_kind string `gae:"$kind,NotificationRecord"`

	// ID is "<build ID>/<channel>".
	ID string `gae:"$id"`

	Delivered     bool      `gae:"delivered,noindex"`
	DeliveredTime time.Time `gae:"delivered_time,noindex"`
}

// NotificationKey constructs the datastore ID of a NotificationRecord.
func NotificationKey(buildID, channel string) string {
	return fmt.Sprintf("%s/%s", buildID, channel)
}
