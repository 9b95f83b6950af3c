// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package config holds the externally supplied configuration of the
// coordinator: per-namespace retry policies, lease durations and backfill
// bucket widths, plus the hosts of the external services.
//
// Nothing in here is hardcoded elsewhere; components receive the values
// they need through constructors.
package config

import (
	"encoding/json"
	"time"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/infra/coordinator/internal/retryhttp"
)

// RetryConfig bounds the retrying HTTP client for one namespace.
type RetryConfig struct {
	MaxAttempts int   `json:"max_attempts"`
	BaseDelayMS int64 `json:"base_delay_ms"`
	MaxDelayMS  int64 `json:"max_delay_ms"`
	Retry429    bool  `json:"retry_429"`
	// RetriableCodes overrides the default retried set (5xx without 501).
	RetriableCodes []int `json:"retriable_codes"`
}

// Policy converts to the retry client's value object.
func (r *RetryConfig) Policy() retryhttp.Policy {
	p := retryhttp.DefaultPolicy()
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.BaseDelayMS > 0 {
		p.BaseDelay = time.Duration(r.BaseDelayMS) * time.Millisecond
	}
	if r.MaxDelayMS > 0 {
		p.MaxDelay = time.Duration(r.MaxDelayMS) * time.Millisecond
	}
	p.Retry429 = r.Retry429
	p.RetriableCodes = append([]int(nil), r.RetriableCodes...)
	return p
}

// Backends a namespace can be synced from by the poller cron.
const (
	BackendSwarming    = "swarming"
	BackendBuildbucket = "buildbucket"
)

// NamespaceConfig tunes one work kind.
type NamespaceConfig struct {
	// Backend names the system the poller cron syncs build outcomes from:
	// "swarming", "buildbucket" or empty for push-only namespaces.
	Backend string `json:"backend"`
	// LeaseDurationSec is how long a worker owns a build per acquisition.
	// Short for lightweight checks, hours for monitoring a try job.
	LeaseDurationSec int64 `json:"lease_duration_sec"`
	// BackfillPeriodSec is the aggregation bucket width.
	BackfillPeriodSec int64 `json:"backfill_period_sec"`
	// MaxRetries is the transient-failure budget before a build goes to
	// ERROR.
	MaxRetries int64 `json:"max_retries"`
	// Channels lists the notification channels for terminal builds.
	Channels []string    `json:"channels"`
	Retry    RetryConfig `json:"retry"`
}

// LeaseDuration returns the configured lease duration, defaulted.
func (n *NamespaceConfig) LeaseDuration() time.Duration {
	if n.LeaseDurationSec <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(n.LeaseDurationSec) * time.Second
}

// BackfillPeriod returns the configured bucket width, defaulted.
func (n *NamespaceConfig) BackfillPeriod() time.Duration {
	if n.BackfillPeriodSec <= 0 {
		return time.Hour
	}
	return time.Duration(n.BackfillPeriodSec) * time.Second
}

// Config is the whole coordinator configuration.
type Config struct {
	BuildbucketHost string `json:"buildbucket_host"`
	SwarmingHost    string `json:"swarming_host"`
	GitilesHost     string `json:"gitiles_host"`
	GerritHost      string `json:"gerrit_host"`
	MonorailHost    string `json:"monorail_host"`
	MonorailProject string `json:"monorail_project"`
	IRCGatewayURL   string `json:"irc_gateway_url"`
	IRCChannel      string `json:"irc_channel"`
	// PubSubTopic is the full topic name for completion callbacks,
	// "projects/<p>/topics/<t>".
	PubSubTopic string `json:"pubsub_topic"`
	// RetentionDays is how long terminal builds are kept before reaping.
	RetentionDays int `json:"retention_days"`

	Namespaces map[string]*NamespaceConfig `json:"namespaces"`
}

// Load parses and validates a JSON config blob.
func Load(blob []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(blob, cfg); err != nil {
		return nil, errors.Fmt("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configs the coordinator cannot run with.
func (c *Config) Validate() error {
	if len(c.Namespaces) == 0 {
		return errors.New("config: at least one namespace is required")
	}
	for name, ns := range c.Namespaces {
		if name == "" {
			return errors.New("config: empty namespace name")
		}
		if ns == nil {
			return errors.Fmt("config: namespace %q has no body", name)
		}
		if ns.LeaseDurationSec < 0 || ns.BackfillPeriodSec < 0 || ns.MaxRetries < 0 {
			return errors.Fmt("config: namespace %q has negative durations or retries", name)
		}
		if r := ns.Retry; r.MaxAttempts < 0 || r.BaseDelayMS < 0 || r.MaxDelayMS < 0 {
			return errors.Fmt("config: namespace %q has a negative retry bound", name)
		}
		switch ns.Backend {
		case "", BackendSwarming, BackendBuildbucket:
		default:
			return errors.Fmt("config: namespace %q names unknown backend %q", name, ns.Backend)
		}
	}
	return nil
}

// Namespace returns the config for ns, or an all-defaults one when the
// namespace is not explicitly configured.
func (c *Config) Namespace(ns string) *NamespaceConfig {
	if n, ok := c.Namespaces[ns]; ok {
		return n
	}
	return &NamespaceConfig{}
}

// Retention returns how long terminal builds are kept.
func (c *Config) Retention() time.Duration {
	if c.RetentionDays <= 0 {
		return 540 * 24 * time.Hour // ~18 months
	}
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
