// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
	"go.chromium.org/luci/common/tsmon"
	"go.chromium.org/luci/gae/impl/memory"
	"go.chromium.org/luci/server/router"

	"go.chromium.org/infra/coordinator/lease"
	"go.chromium.org/infra/coordinator/lifecycle"
	"go.chromium.org/infra/coordinator/model"
)

type fakeNotifier struct {
	calls int
}

func (f *fakeNotifier) DispatchAll(ctx context.Context, b *model.Build) error {
	f.calls++
	return nil
}

func TestHandleCancel(t *testing.T) {
	t.Parallel()

	ftt.Run("handleCancel", t, func(t *ftt.Test) {
		c := memory.Use(context.Background())
		c = clock.Set(c, testclock.New(testclock.TestTimeUTC))
		c, _ = tsmon.WithDummyInMemory(c)

		leases := lease.NewStore()
		notifier := &fakeNotifier{}
		api := &apiServer{
			Leases: leases,
			Runner: &lifecycle.Runner{Leases: leases, Notifier: notifier},
		}

		post := func(req cancelRequest) (*httptest.ResponseRecorder, buildResponse) {
			blob, err := json.Marshal(&req)
			assert.Loosely(t, err, should.BeNil)
			rec := httptest.NewRecorder()
			api.handleCancel(&router.Context{
				Writer:  rec,
				Request: httptest.NewRequest(http.MethodPost, "/api/v1/cancel", bytes.NewReader(blob)).WithContext(c),
			})
			var resp buildResponse
			if rec.Code == http.StatusOK {
				assert.Loosely(t, json.Unmarshal(rec.Body.Bytes(), &resp), should.BeNil)
			}
			return rec, resp
		}

		_, err := leases.CreateIfAbsent(c, "ns", "42", nil)
		assert.Loosely(t, err, should.BeNil)

		t.Run("cancels a scheduled build", func(t *ftt.Test) {
			rec, resp := post(cancelRequest{Namespace: "ns", ExternalID: "42"})
			assert.Loosely(t, rec.Code, should.Equal(http.StatusOK))
			assert.Loosely(t, resp.Status, should.Equal(string(model.StatusCompleted)))

			b, err := leases.Get(c, "ns", "42")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, b.Status, should.Equal(model.StatusCompleted))
			assert.Loosely(t, string(b.ResultPayload), should.ContainSubstring(`"canceled":true`))
		})

		t.Run("a retried cancel of a finished build still succeeds", func(t *ftt.Test) {
			rec, _ := post(cancelRequest{Namespace: "ns", ExternalID: "42"})
			assert.Loosely(t, rec.Code, should.Equal(http.StatusOK))

			rec, resp := post(cancelRequest{Namespace: "ns", ExternalID: "42"})
			assert.Loosely(t, rec.Code, should.Equal(http.StatusOK))
			assert.Loosely(t, resp.Status, should.Equal(string(model.StatusCompleted)))
			assert.Loosely(t, resp.ExternalID, should.Equal("42"))

			// The terminal transition and its notification happened once.
			assert.Loosely(t, notifier.calls, should.Equal(1))
		})

		t.Run("a missing build is 404", func(t *ftt.Test) {
			rec, _ := post(cancelRequest{Namespace: "ns", ExternalID: "nope"})
			assert.Loosely(t, rec.Code, should.Equal(http.StatusNotFound))
		})

		t.Run("a leased build is a conflict", func(t *ftt.Test) {
			_, err := leases.TryAcquire(c, "ns", "42", "worker", time.Minute)
			assert.Loosely(t, err, should.BeNil)

			rec, _ := post(cancelRequest{Namespace: "ns", ExternalID: "42"})
			assert.Loosely(t, rec.Code, should.Equal(http.StatusConflict))
		})
	})
}
