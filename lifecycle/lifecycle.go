// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package lifecycle models a Build moving through its states.
//
// The state graph is
//
//	SCHEDULED -> STARTED -> {COMPLETED, ERROR}
//
// STARTED may re-enter itself on progress updates but never reverts to
// SCHEDULED, and the terminal states permit nothing further. Advance is the
// single source of truth for legality; everything else in the coordinator
// goes through it.
package lifecycle

import (
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"

	"go.chromium.org/infra/coordinator/model"
)

// Event is an external stimulus applied to a build.
type Event string

const (
	// EventStart marks the build as being worked on.
	EventStart Event = "start"
	// EventProgress records a heartbeat/progress update of a started build.
	EventProgress Event = "progress"
	// EventComplete finishes the build successfully.
	EventComplete Event = "complete"
	// EventFail finishes the build with a permanent failure. Reserved for
	// retry exhaustion and non-retriable domain failures; transient errors
	// bump the retry counter instead of raising this.
	EventFail Event = "fail"
	// EventCancel abandons the build on request. Cancellation completes the
	// build with a canceled payload rather than marking it ERROR, since it
	// is not a failure of the work itself.
	EventCancel Event = "cancel"
)

// InvalidTransition tags errors for (status, event) pairs outside the state
// graph. This is a data-integrity problem: it is fatal to the operation at
// hand, is logged at error severity by callers, and never mutates the build.
var InvalidTransition = errtag.Make("illegal lifecycle transition", true)

// Advance returns the status reached by applying event to a build in the
// given status.
//
// Pure, total and deterministic: for every (status, event) pair there is
// either exactly one next status or an InvalidTransition error.
func Advance(status model.Status, event Event) (model.Status, error) {
	switch status {
	case model.StatusScheduled:
		switch event {
		case EventStart:
			return model.StatusStarted, nil
		case EventFail:
			return model.StatusError, nil
		case EventCancel:
			return model.StatusCompleted, nil
		}
	case model.StatusStarted:
		switch event {
		case EventProgress:
			return model.StatusStarted, nil
		case EventComplete:
			return model.StatusCompleted, nil
		case EventFail:
			return model.StatusError, nil
		case EventCancel:
			return model.StatusCompleted, nil
		}
	}
	return status, InvalidTransition.Apply(
		errors.Fmt("no transition from %s on %q", status, event))
}
