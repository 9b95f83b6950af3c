// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package poller syncs the outcomes of started builds from their backends.
//
// Push notifications are the primary completion signal; the poller is the
// safety net for pushes that never arrive. It walks STARTED builds of
// namespaces with a configured backend, asks the backend for the current
// state, and applies the terminal event through the regular lease-guarded
// lifecycle path. Builds leased by someone else are skipped; whoever holds
// the lease is responsible for them.
package poller

import (
	"context"
	"encoding/json"
	"strconv"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/infra/coordinator/internal/clients"
	"go.chromium.org/infra/coordinator/internal/clients/buildbucket"
	"go.chromium.org/infra/coordinator/internal/clients/swarming"
	"go.chromium.org/infra/coordinator/internal/config"
	"go.chromium.org/infra/coordinator/internal/retryhttp"
	"go.chromium.org/infra/coordinator/lease"
	"go.chromium.org/infra/coordinator/lifecycle"
	"go.chromium.org/infra/coordinator/model"
)

var syncCounter = metric.NewCounter(
	"coordinator/poller/sync",
	"Poller sync outcomes, by namespace.",
	nil,
	field.String("namespace"),
	// "completed", "failed", "running", "skipped" or "error".
	field.String("outcome"),
)

// Poller drives backend syncs.
type Poller struct {
	Leases      *lease.Store
	Runner      *lifecycle.Runner
	Swarming    *swarming.Client
	Buildbucket *buildbucket.Client
}

// Poll syncs every namespace with a configured backend.
//
// Per-build failures are logged and counted but do not stop the pass; the
// next cron tick retries them. Only broken queries fail the pass.
func (p *Poller) Poll(ctx context.Context, cfg *config.Config) error {
	for name, ns := range cfg.Namespaces {
		if ns.Backend == "" {
			continue
		}
		if err := p.pollNamespace(ctx, name, ns); err != nil {
			return errors.Fmt("polling namespace %q: %w", name, err)
		}
	}
	return nil
}

func (p *Poller) pollNamespace(ctx context.Context, namespace string, ns *config.NamespaceConfig) error {
	// Backend calls for this namespace follow its configured retry policy.
	ctx = retryhttp.UsePolicy(ctx, ns.Retry.Policy())

	q := datastore.NewQuery("Build").
		Eq("namespace", namespace).
		Eq("status", string(model.StatusStarted))

	// IDs only; the sync re-reads each build under its own lease.
	var ids []string
	err := datastore.Run(ctx, q, func(b *model.Build) error {
		ids = append(ids, b.ExternalID)
		return nil
	})
	if err != nil {
		return errors.Fmt("listing started builds: %w", err)
	}

	for _, externalID := range ids {
		outcome, err := p.syncOne(ctx, namespace, externalID, ns)
		if err != nil {
			logging.Warningf(ctx, "poller: sync of %q failed: %s", model.BuildKey(namespace, externalID), err)
			outcome = "error"
		}
		syncCounter.Add(ctx, 1, namespace, outcome)
	}
	return nil
}

func (p *Poller) syncOne(ctx context.Context, namespace, externalID string, ns *config.NamespaceConfig) (string, error) {
	event, payload, done, err := p.fetchOutcome(ctx, namespace, externalID, ns.Backend)
	if err != nil {
		return "", err
	}
	if !done {
		return "running", nil
	}

	token, err := p.Leases.TryAcquire(ctx, namespace, externalID, "poller", ns.LeaseDuration())
	switch {
	case lease.AlreadyLeased.In(err) || lease.BuildIsCompleted.In(err):
		return "skipped", nil
	case err != nil:
		return "", err
	}
	if err := p.Runner.Apply(ctx, namespace, externalID, token, event, payload); err != nil {
		return "", err
	}
	if event == lifecycle.EventComplete {
		return "completed", nil
	}
	return "failed", nil
}

// fetchOutcome asks the backend about the build. done is false while the
// backend still considers it in flight.
func (p *Poller) fetchOutcome(ctx context.Context, namespace, externalID, backend string) (event lifecycle.Event, payload []byte, done bool, err error) {
	switch backend {
	case config.BackendSwarming:
		return p.fetchSwarming(ctx, externalID)
	case config.BackendBuildbucket:
		return p.fetchBuildbucket(ctx, externalID)
	default:
		return "", nil, false, errors.Fmt("unrecognized backend %q for namespace %q", backend, namespace)
	}
}

func (p *Poller) fetchSwarming(ctx context.Context, taskID string) (lifecycle.Event, []byte, bool, error) {
	if p.Swarming == nil {
		return "", nil, false, errors.New("no swarming client configured")
	}
	res, err := p.Swarming.GetTaskResult(ctx, taskID)
	switch {
	case clients.NotFound.In(err):
		// The task vanished from under the build; it can never complete.
		payload := mustMarshal(map[string]any{"error": "swarming task not found", "task_id": taskID})
		return lifecycle.EventFail, payload, true, nil
	case err != nil:
		return "", nil, false, err
	}
	if !res.Done() {
		return "", nil, false, nil
	}
	payload := mustMarshal(map[string]any{
		"swarming_state": res.RawState,
		"exit_code":      res.ExitCode,
	})
	if res.State == swarming.StateCompleted {
		return lifecycle.EventComplete, payload, true, nil
	}
	return lifecycle.EventFail, payload, true, nil
}

func (p *Poller) fetchBuildbucket(ctx context.Context, externalID string) (lifecycle.Event, []byte, bool, error) {
	if p.Buildbucket == nil {
		return "", nil, false, errors.New("no buildbucket client configured")
	}
	id, err := strconv.ParseInt(externalID, 10, 64)
	if err != nil {
		return "", nil, false, errors.Fmt("external ID %q is not a buildbucket build ID: %w", externalID, err)
	}
	b, err := p.Buildbucket.GetBuild(ctx, id)
	switch {
	case clients.NotFound.In(err):
		payload := mustMarshal(map[string]any{"error": "buildbucket build not found", "build_id": id})
		return lifecycle.EventFail, payload, true, nil
	case err != nil:
		return "", nil, false, err
	}
	if b.Status != "COMPLETED" {
		return "", nil, false, nil
	}
	buildURL := b.URL
	if buildURL == "" {
		buildURL = p.Buildbucket.BuildURL(id)
	}
	payload := mustMarshal(map[string]any{
		"buildbucket_result": b.Result,
		"failure_reason":     b.FailureKind,
		"url":                buildURL,
	})
	if b.Result == "SUCCESS" {
		return lifecycle.EventComplete, payload, true, nil
	}
	return lifecycle.EventFail, payload, true, nil
}

func mustMarshal(m map[string]any) []byte {
	blob, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return blob
}
