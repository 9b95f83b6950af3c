// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package notify posts results of terminal builds to the outside world.
//
// Delivery is at-most-once per (build, channel) on the happy path: a
// NotificationRecord is marked inside a transaction right after a send
// succeeds, and an already-marked record short-circuits any further
// attempts. A failed send leaves the record unmarked so a later retry can
// re-attempt.
package notify

import (
	"context"
	"sort"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/infra/coordinator/internal/retryhttp"
	"go.chromium.org/infra/coordinator/model"
)

var dispatchCounter = metric.NewCounter(
	"coordinator/notify/dispatch",
	"Notification dispatch outcomes, by channel.",
	nil,
	field.String("channel"),
	// "delivered", "duplicate" or "failed".
	field.String("outcome"),
)

// Payload is what channel senders receive.
type Payload struct {
	BuildID   string
	Namespace string
	Status    model.Status
	Result    []byte
}

// Sender delivers one payload on one channel. Senders route their HTTP
// through the retrying client, so by the time Send returns an error the
// transport-level retries are already spent.
type Sender interface {
	Send(ctx context.Context, p *Payload) error
}

// Dispatcher fans terminal-build notifications out to channel senders.
type Dispatcher struct {
	// Senders maps channel name to its sender.
	Senders map[string]Sender
	// Channels, if set, picks the channels for a namespace. Unknown names
	// are skipped with a warning. When nil every sender is used.
	Channels func(ctx context.Context, namespace string) []string
	// RetryPolicy, if set, supplies the retry policy governing the senders'
	// outbound HTTP for a namespace.
	RetryPolicy func(ctx context.Context, namespace string) retryhttp.Policy
}

// Dispatch delivers the build's notification on one channel.
//
// Returns true when the notification is delivered, including when it
// already was by an earlier call: re-dispatching a delivered notification
// does not touch the sender again. Returns false with the error when the
// send failed; the record stays unmarked for a later retry.
func (d *Dispatcher) Dispatch(ctx context.Context, b *model.Build, channel string) (bool, error) {
	sender, ok := d.Senders[channel]
	if !ok {
		return false, errors.Fmt("no sender for channel %q", channel)
	}

	rec := &model.NotificationRecord{ID: model.NotificationKey(b.ID, channel)}
	switch err := datastore.Get(ctx, rec); {
	case err == nil && rec.Delivered:
		dispatchCounter.Add(ctx, 1, channel, "duplicate")
		return true, nil
	case err != nil && err != datastore.ErrNoSuchEntity:
		return false, errors.Fmt("fetching notification record %q: %w", rec.ID, err)
	}

	err := sender.Send(ctx, &Payload{
		BuildID:   b.ID,
		Namespace: b.Namespace,
		Status:    b.Status,
		Result:    b.ResultPayload,
	})
	if err != nil {
		dispatchCounter.Add(ctx, 1, channel, "failed")
		return false, errors.Fmt("sending on %q: %w", channel, err)
	}

	err = datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		switch err := datastore.Get(ctx, rec); {
		case err != nil && err != datastore.ErrNoSuchEntity:
			return err
		case rec.Delivered:
			return nil
		}
		rec.Delivered = true
		rec.DeliveredTime = clock.Now(ctx).UTC()
		return datastore.Put(ctx, rec)
	}, nil)
	if err != nil {
		// The send happened but the mark did not stick. A retry may deliver
		// again; at-most-once holds on the happy path only.
		return false, errors.Fmt("marking notification %q delivered: %w", rec.ID, err)
	}
	dispatchCounter.Add(ctx, 1, channel, "delivered")
	return true, nil
}

// DispatchAll delivers on every configured channel, in a stable order.
//
// Channels fail independently: one broken channel does not stop the
// others, and re-running only touches the channels that have not
// delivered yet.
func (d *Dispatcher) DispatchAll(ctx context.Context, b *model.Build) error {
	if d.RetryPolicy != nil {
		ctx = retryhttp.UsePolicy(ctx, d.RetryPolicy(ctx, b.Namespace))
	}
	var channels []string
	if d.Channels != nil {
		for _, ch := range d.Channels(ctx, b.Namespace) {
			if _, ok := d.Senders[ch]; !ok {
				logging.Warningf(ctx, "namespace %q names unknown channel %q", b.Namespace, ch)
				continue
			}
			channels = append(channels, ch)
		}
	} else {
		for ch := range d.Senders {
			channels = append(channels, ch)
		}
	}
	sort.Strings(channels)

	var merr errors.MultiError
	for _, ch := range channels {
		start := clock.Now(ctx)
		if _, err := d.Dispatch(ctx, b, ch); err != nil {
			logging.Warningf(ctx, "notification for %q on %q failed after %s: %s",
				b.ID, ch, clock.Since(ctx, start).Round(time.Millisecond), err)
			merr = append(merr, err)
		}
	}
	if len(merr) > 0 {
		return merr
	}
	return nil
}
