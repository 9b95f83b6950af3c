// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package config

import (
	"context"
	"os"
	"sync/atomic"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

var (
	cachedPath atomic.Pointer[string]
	cached     atomic.Pointer[Config]
)

// SetPath remembers where the config file lives. Called once at startup
// before the first Update.
func SetPath(path string) {
	cachedPath.Store(&path)
}

// Update re-reads and validates the config file, swapping the process
// cache on success. Registered as the update-config cron, so edits to the
// mounted file roll out without a restart. A broken file keeps the last
// good config in place.
func Update(ctx context.Context) error {
	path := cachedPath.Load()
	if path == nil {
		return errors.New("config: SetPath was never called")
	}
	blob, err := os.ReadFile(*path)
	if err != nil {
		return errors.Fmt("reading config %q: %w", *path, err)
	}
	cfg, err := Load(blob)
	if err != nil {
		return errors.Fmt("config %q: %w", *path, err)
	}
	cached.Store(cfg)
	logging.Infof(ctx, "config: loaded %q with %d namespace(s)", *path, len(cfg.Namespaces))
	return nil
}

// Get returns the cached config. Fails only when Update never succeeded,
// which main treats as fatal at startup.
func Get(ctx context.Context) (*Config, error) {
	if cfg := cached.Load(); cfg != nil {
		return cfg, nil
	}
	return nil, errors.New("config: not loaded yet")
}
