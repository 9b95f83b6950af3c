// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package buildcron

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
	"go.chromium.org/luci/gae/impl/memory"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/infra/coordinator/model"
)

func TestDeleteOldBuilds(t *testing.T) {
	t.Parallel()

	ftt.Run("DeleteOldBuilds", t, func(t *ftt.Test) {
		c := memory.Use(context.Background())
		cl := testclock.New(testclock.TestTimeUTC)
		c = clock.Set(c, cl)
		datastore.GetTestable(c).AutoIndex(true)
		datastore.GetTestable(c).Consistent(true)

		retention := 30 * 24 * time.Hour
		now := clock.Now(c).UTC()

		put := func(id string, status model.Status, age time.Duration) {
			assert.Loosely(t, datastore.Put(c, &model.Build{
				ID:         model.BuildKey("ns", id),
				Namespace:  "ns",
				ExternalID: id,
				Status:     status,
				CreateTime: now.Add(-age),
			}), should.BeNil)
		}
		exists := func(id string) bool {
			err := datastore.Get(c, &model.Build{ID: model.BuildKey("ns", id)})
			if err == datastore.ErrNoSuchEntity {
				return false
			}
			assert.Loosely(t, err, should.BeNil)
			return true
		}

		t.Run("reaps only old terminal builds", func(t *ftt.Test) {
			put("old-completed", model.StatusCompleted, retention+time.Hour)
			put("old-error", model.StatusError, retention+time.Hour)
			put("old-started", model.StatusStarted, retention+time.Hour)
			put("fresh-completed", model.StatusCompleted, time.Hour)
			put("fresh-scheduled", model.StatusScheduled, time.Hour)

			assert.Loosely(t, DeleteOldBuilds(c, retention), should.BeNil)

			assert.Loosely(t, exists("old-completed"), should.BeFalse)
			assert.Loosely(t, exists("old-error"), should.BeFalse)
			assert.Loosely(t, exists("old-started"), should.BeTrue)
			assert.Loosely(t, exists("fresh-completed"), should.BeTrue)
			assert.Loosely(t, exists("fresh-scheduled"), should.BeTrue)
		})

		t.Run("a build exactly at the cutoff survives", func(t *ftt.Test) {
			put("at-cutoff", model.StatusCompleted, retention)
			assert.Loosely(t, DeleteOldBuilds(c, retention), should.BeNil)
			assert.Loosely(t, exists("at-cutoff"), should.BeTrue)
		})

		t.Run("deletes across batch boundaries", func(t *ftt.Test) {
			for i := 0; i < deleteBatchSize+7; i++ {
				put(fmt.Sprintf("b-%03d", i), model.StatusCompleted, retention+time.Hour)
			}
			assert.Loosely(t, DeleteOldBuilds(c, retention), should.BeNil)

			n := 0
			q := datastore.NewQuery("Build").KeysOnly(true)
			assert.Loosely(t, datastore.Run(c, q, func(*datastore.Key) error {
				n++
				return nil
			}), should.BeNil)
			assert.Loosely(t, n, should.BeZero)
		})

		t.Run("no-op on an empty datastore", func(t *ftt.Test) {
			assert.Loosely(t, DeleteOldBuilds(c, retention), should.BeNil)
		})
	})
}
