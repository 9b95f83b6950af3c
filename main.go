// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package main implements the HTTP server of the build/analysis lifecycle
// coordinator.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gcps "cloud.google.com/go/pubsub"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"go.chromium.org/luci/auth/scopes"
	"go.chromium.org/luci/auth/identity"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
	luciserver "go.chromium.org/luci/server"
	"go.chromium.org/luci/server/auth"
	"go.chromium.org/luci/server/auth/openid"
	"go.chromium.org/luci/server/cron"
	"go.chromium.org/luci/server/gaeemulation"
	"go.chromium.org/luci/server/module"
	"go.chromium.org/luci/server/router"

	"go.chromium.org/infra/coordinator/buildcron"
	"go.chromium.org/infra/coordinator/internal/clients"
	"go.chromium.org/infra/coordinator/internal/clients/buildbucket"
	"go.chromium.org/infra/coordinator/internal/clients/gerrit"
	"go.chromium.org/infra/coordinator/internal/clients/gitiles"
	"go.chromium.org/infra/coordinator/internal/clients/monorail"
	"go.chromium.org/infra/coordinator/internal/clients/swarming"
	"go.chromium.org/infra/coordinator/internal/config"
	"go.chromium.org/infra/coordinator/internal/retryhttp"
	"go.chromium.org/infra/coordinator/lease"
	"go.chromium.org/infra/coordinator/lifecycle"
	"go.chromium.org/infra/coordinator/metrics"
	"go.chromium.org/infra/coordinator/model"
	"go.chromium.org/infra/coordinator/notify"
	"go.chromium.org/infra/coordinator/poller"
	coordpubsub "go.chromium.org/infra/coordinator/pubsub"
	"go.chromium.org/infra/coordinator/scheduler"
)

// accessGroup members may call the JSON API.
const accessGroup = "coordinator-api-access"

var configPath = flag.String(
	"coordinator-config",
	"/etc/coordinator/config.json",
	"Path to the JSON configuration file.",
)

func main() {
	modules := []module.Module{
		cron.NewModuleFromFlags(),
		gaeemulation.NewModuleFromFlags(),
	}

	luciserver.Main(nil, modules, func(srv *luciserver.Server) error {
		config.SetPath(*configPath)
		if err := config.Update(srv.Context); err != nil {
			return err
		}
		cfg, err := config.Get(srv.Context)
		if err != nil {
			return err
		}

		hc := &retryhttp.Client{
			Policy:  retryhttp.DefaultPolicy(),
			Before:  []retryhttp.RequestInterceptor{clients.SelfAuthInterceptor(scopes.Email)},
			Limiter: rate.NewLimiter(rate.Limit(50), 50),
			Sem:     semaphore.NewWeighted(16),
		}

		var bb *buildbucket.Client
		if cfg.BuildbucketHost != "" {
			bb = buildbucket.NewClient(hc, cfg.BuildbucketHost)
		}
		var sw *swarming.Client
		if cfg.SwarmingHost != "" {
			sw = swarming.NewClient(hc, cfg.SwarmingHost)
		}
		var git *gitiles.Client
		if cfg.GitilesHost != "" {
			git = gitiles.NewClient(hc, cfg.GitilesHost)
		}

		senders := map[string]notify.Sender{}
		if cfg.GerritHost != "" {
			senders["gerrit-revert"] = &notify.GerritRevertSender{
				Gerrit:  gerrit.NewClient(hc, cfg.GerritHost),
				Gitiles: git,
			}
		}
		if cfg.IRCGatewayURL != "" {
			senders["irc"] = &notify.IRCSender{
				HTTP:       hc,
				GatewayURL: cfg.IRCGatewayURL,
				Channel:    cfg.IRCChannel,
			}
		}
		if cfg.MonorailHost != "" {
			senders["bug-comment"] = &notify.BugCommentSender{
				Monorail: monorail.NewClient(hc, cfg.MonorailHost, cfg.MonorailProject),
			}
		}
		if cfg.PubSubTopic != "" {
			topic, err := openTopic(srv.Context, cfg.PubSubTopic)
			if err != nil {
				return err
			}
			senders["pubsub"] = &notify.PubSubSender{Topic: topic}
		}

		leases := lease.NewStore()
		dispatcher := &notify.Dispatcher{
			Senders: senders,
			Channels: func(ctx context.Context, ns string) []string {
				return namespaceConfig(ctx, ns).Channels
			},
			RetryPolicy: func(ctx context.Context, ns string) retryhttp.Policy {
				return namespaceConfig(ctx, ns).Retry.Policy()
			},
		}
		runner := &lifecycle.Runner{Leases: leases, Notifier: dispatcher}
		sched := &scheduler.Scheduler{Leases: leases}
		pollr := &poller.Poller{Leases: leases, Runner: runner, Swarming: sw, Buildbucket: bb}
		push := &coordpubsub.BuildCompletedHandler{
			Leases: leases,
			Runner: runner,
			LeaseDuration: func(ctx context.Context, ns string) time.Duration {
				return namespaceConfig(ctx, ns).LeaseDuration()
			},
		}
		api := &apiServer{Leases: leases, Sched: sched, Runner: runner, Buildbucket: bb}

		// Pub/sub push endpoint, authenticated by the pusher's ID token.
		pubsubMwc := router.NewMiddlewareChain(
			auth.Authenticate(&openid.GoogleIDTokenAuthMethod{
				AudienceCheck: openid.AudienceMatchesHost,
			}),
		)
		pusherID := identity.Identity(fmt.Sprintf("user:coordinator-pubsub@%s.iam.gserviceaccount.com", srv.Options.CloudProject))
		srv.Routes.POST("/_ah/push-handlers/buildbucket", pubsubMwc, func(ctx *router.Context) {
			if got := auth.CurrentIdentity(ctx.Request.Context()); got != pusherID {
				logging.Errorf(ctx.Request.Context(), "expecting ID token of %q, got %q", pusherID, got)
				ctx.Writer.WriteHeader(http.StatusForbidden)
			} else {
				push.Handle(ctx)
			}
		})

		apiMwc := router.NewMiddlewareChain(
			auth.Authenticate(&auth.GoogleOAuth2Method{
				Scopes: []string{scopes.Email},
			}),
			checkAPIAccess,
		)
		srv.Routes.POST("/api/v1/schedule", apiMwc, api.handleSchedule)
		srv.Routes.POST("/api/v1/cancel", apiMwc, api.handleCancel)
		srv.Routes.POST("/api/v1/report-failure", apiMwc, api.handleReportFailure)

		cron.RegisterHandler("update-config", config.Update)
		cron.RegisterHandler("backfill", func(ctx context.Context) error {
			return runBackfills(ctx, sched)
		})
		cron.RegisterHandler("poll-backends", func(ctx context.Context) error {
			cfg, err := config.Get(ctx)
			if err != nil {
				return err
			}
			return pollr.Poll(ctx, cfg)
		})
		cron.RegisterHandler("collect-metrics", metrics.CollectExpiredLeases)
		cron.RegisterHandler("retention", func(ctx context.Context) error {
			cfg, err := config.Get(ctx)
			if err != nil {
				return err
			}
			return buildcron.DeleteOldBuilds(ctx, cfg.Retention())
		})

		return nil
	})
}

// namespaceConfig resolves the namespace's tuning from the cached config,
// falling back to all-defaults when the config is unavailable.
func namespaceConfig(ctx context.Context, ns string) *config.NamespaceConfig {
	cfg, err := config.Get(ctx)
	if err != nil {
		logging.Warningf(ctx, "no config for namespace %q, using defaults: %s", ns, err)
		return &config.NamespaceConfig{}
	}
	return cfg.Namespace(ns)
}

// checkAPIAccess is middleware gating the JSON API on group membership.
func checkAPIAccess(ctx *router.Context, next router.Handler) {
	switch yes, err := auth.IsMember(ctx.Request.Context(), accessGroup); {
	case err != nil:
		logging.Errorf(ctx.Request.Context(), "checking membership in %q: %s", accessGroup, err)
		http.Error(ctx.Writer, "failed to check group membership", http.StatusInternalServerError)
	case !yes:
		http.Error(ctx.Writer, "access denied", http.StatusForbidden)
	default:
		next(ctx)
	}
}

// runBackfills schedules missing aggregation buckets for every namespace
// that opted into backfill.
func runBackfills(ctx context.Context, sched *scheduler.Scheduler) error {
	cfg, err := config.Get(ctx)
	if err != nil {
		return err
	}
	for name, ns := range cfg.Namespaces {
		if ns.BackfillPeriodSec <= 0 {
			continue
		}
		period := ns.BackfillPeriod()
		// A namespace with no backfill state yet starts from the most
		// recently elapsed bucket boundary.
		seed := clock.Now(ctx).UTC().Add(-period).Truncate(period)
		if err := sched.Backfill(ctx, name, period, seed); err != nil {
			return err
		}
	}
	return nil
}

// openTopic connects to the "projects/<p>/topics/<t>" completion topic.
func openTopic(ctx context.Context, name string) (*gcps.Topic, error) {
	parts := strings.Split(name, "/")
	if len(parts) != 4 || parts[0] != "projects" || parts[2] != "topics" {
		return nil, errors.Fmt("malformed pubsub topic %q", name)
	}
	client, err := gcps.NewClient(ctx, parts[1])
	if err != nil {
		return nil, errors.Fmt("creating pubsub client for %q: %w", parts[1], err)
	}
	return client.Topic(parts[3]), nil
}

// apiServer implements the JSON API.
type apiServer struct {
	Leases      *lease.Store
	Sched       *scheduler.Scheduler
	Runner      *lifecycle.Runner
	Buildbucket *buildbucket.Client
}

type scheduleRequest struct {
	Namespace string `json:"namespace"`
	// Signature is the dedup key; equivalent requests collapse onto one
	// build.
	Signature string `json:"signature"`
	// ExternalID names an already existing unit to track. Mutually
	// exclusive with Job.
	ExternalID string          `json:"external_id"`
	Payload    json.RawMessage `json:"payload"`
	// Job, when set, is triggered on buildbucket and the resulting build
	// ID becomes the external ID.
	Job *buildbucket.JobSpec `json:"job"`
}

type buildResponse struct {
	BuildID    string `json:"build_id"`
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
}

func (s *apiServer) handleSchedule(ctx *router.Context) {
	var req scheduleRequest
	if err := json.NewDecoder(ctx.Request.Body).Decode(&req); err != nil {
		http.Error(ctx.Writer, "undecodable request body", http.StatusBadRequest)
		return
	}
	switch {
	case req.Namespace == "" || req.Signature == "":
		http.Error(ctx.Writer, "namespace and signature are required", http.StatusBadRequest)
		return
	case req.ExternalID == "" && req.Job == nil:
		http.Error(ctx.Writer, "either external_id or job is required", http.StatusBadRequest)
		return
	case req.ExternalID != "" && req.Job != nil:
		http.Error(ctx.Writer, "external_id and job are mutually exclusive", http.StatusBadRequest)
		return
	case req.Job != nil && s.Buildbucket == nil:
		http.Error(ctx.Writer, "no buildbucket host configured", http.StatusBadRequest)
		return
	}

	nsCfg := namespaceConfig(ctx.Request.Context(), req.Namespace)
	b, err := s.Sched.ScheduleIfNeeded(ctx.Request.Context(), req.Namespace, req.Signature, func() (string, []byte, error) {
		if req.ExternalID != "" {
			return req.ExternalID, req.Payload, nil
		}
		tctx := retryhttp.UsePolicy(ctx.Request.Context(), nsCfg.Retry.Policy())
		h, err := s.Buildbucket.TriggerJob(tctx, req.Job)
		if err != nil {
			return "", nil, err
		}
		return strconv.FormatInt(h.BuildID, 10), req.Payload, nil
	})
	if err != nil {
		writeAPIError(ctx, "schedule", err)
		return
	}
	writeJSON(ctx, &buildResponse{BuildID: b.ID, ExternalID: b.ExternalID, Status: string(b.Status)})
}

type cancelRequest struct {
	Namespace  string `json:"namespace"`
	ExternalID string `json:"external_id"`
	Reason     string `json:"reason"`
}

func (s *apiServer) handleCancel(ctx *router.Context) {
	var req cancelRequest
	if err := json.NewDecoder(ctx.Request.Body).Decode(&req); err != nil {
		http.Error(ctx.Writer, "undecodable request body", http.StatusBadRequest)
		return
	}
	if req.Namespace == "" || req.ExternalID == "" {
		http.Error(ctx.Writer, "namespace and external_id are required", http.StatusBadRequest)
		return
	}

	nsCfg := namespaceConfig(ctx.Request.Context(), req.Namespace)
	token, err := s.Leases.TryAcquire(ctx.Request.Context(), req.Namespace, req.ExternalID, "api-cancel", nsCfg.LeaseDuration())
	switch {
	case lease.BuildIsCompleted.In(err):
		// A retried cancel of an already finished build succeeded the first
		// time around; answer with what the build settled on.
		b, gerr := s.Leases.Get(ctx.Request.Context(), req.Namespace, req.ExternalID)
		if gerr != nil {
			writeAPIError(ctx, "cancel", gerr)
			return
		}
		writeJSON(ctx, &buildResponse{BuildID: b.ID, ExternalID: b.ExternalID, Status: string(b.Status)})
		return
	case err != nil:
		writeAPIError(ctx, "cancel", err)
		return
	}
	if err := s.Runner.Apply(ctx.Request.Context(), req.Namespace, req.ExternalID, token, lifecycle.EventCancel, nil); err != nil {
		writeAPIError(ctx, "cancel", err)
		return
	}

	// Best effort: tell buildbucket too, so the backend stops working on a
	// build nobody is waiting for anymore.
	if s.Buildbucket != nil {
		if id, perr := strconv.ParseInt(req.ExternalID, 10, 64); perr == nil {
			cctx := retryhttp.UsePolicy(ctx.Request.Context(), nsCfg.Retry.Policy())
			if cerr := s.Buildbucket.CancelBuild(cctx, id, req.Reason); cerr != nil {
				logging.Warningf(ctx.Request.Context(), "remote cancel of %d failed: %s", id, cerr)
			}
		}
	}
	writeJSON(ctx, &buildResponse{
		BuildID:    model.BuildKey(req.Namespace, req.ExternalID),
		ExternalID: req.ExternalID,
		Status:     string(model.StatusCompleted),
	})
}

type reportFailureRequest struct {
	Namespace  string `json:"namespace"`
	ExternalID string `json:"external_id"`
	// Token is the caller's lease token. It is consumed: reporting a
	// failure releases the lease either way.
	Token int64  `json:"token"`
	Error string `json:"error"`
}

type reportFailureResponse struct {
	RetryCount int64 `json:"retry_count"`
	// Failed is set when the retry budget ran out and the build went to
	// ERROR. The caller must not retry it.
	Failed bool `json:"failed"`
}

// handleReportFailure records a transient worker failure. Within the
// namespace's retry budget the build goes back to the pool for another
// attempt; past it the build is failed with an error summary.
func (s *apiServer) handleReportFailure(ctx *router.Context) {
	var req reportFailureRequest
	if err := json.NewDecoder(ctx.Request.Body).Decode(&req); err != nil {
		http.Error(ctx.Writer, "undecodable request body", http.StatusBadRequest)
		return
	}
	if req.Namespace == "" || req.ExternalID == "" || req.Token == 0 {
		http.Error(ctx.Writer, "namespace, external_id and token are required", http.StatusBadRequest)
		return
	}

	n, err := s.Runner.RecordRetry(ctx.Request.Context(), req.Namespace, req.ExternalID, lease.Token(req.Token))
	if err != nil {
		writeAPIError(ctx, "report-failure", err)
		return
	}

	cfg, err := config.Get(ctx.Request.Context())
	if err != nil {
		writeAPIError(ctx, "report-failure", err)
		return
	}
	nsCfg := cfg.Namespace(req.Namespace)
	if max := nsCfg.MaxRetries; max <= 0 || n < max {
		writeJSON(ctx, &reportFailureResponse{RetryCount: n})
		return
	}

	token, err := s.Leases.TryAcquire(ctx.Request.Context(), req.Namespace, req.ExternalID, "api-report-failure", nsCfg.LeaseDuration())
	if err != nil {
		writeAPIError(ctx, "report-failure", err)
		return
	}
	payload := lifecycle.FailurePayload(ctx.Request.Context(), errors.New(req.Error), n)
	if err := s.Runner.Apply(ctx.Request.Context(), req.Namespace, req.ExternalID, token, lifecycle.EventFail, payload); err != nil {
		writeAPIError(ctx, "report-failure", err)
		return
	}
	writeJSON(ctx, &reportFailureResponse{RetryCount: n, Failed: true})
}

func writeJSON(ctx *router.Context, body any) {
	ctx.Writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(ctx.Writer).Encode(body); err != nil {
		logging.Warningf(ctx.Request.Context(), "writing response: %s", err)
	}
}

// writeAPIError maps the error taxonomy onto HTTP statuses.
func writeAPIError(ctx *router.Context, what string, err error) {
	var code int
	switch {
	case lease.NotFound.In(err) || clients.NotFound.In(err):
		code = http.StatusNotFound
	case lease.AlreadyLeased.In(err) || lease.BuildIsCompleted.In(err):
		code = http.StatusConflict
	case clients.InvalidInput.In(err):
		code = http.StatusBadRequest
	case clients.QuotaExceeded.In(err):
		code = http.StatusTooManyRequests
	case transient.Tag.In(err):
		code = http.StatusInternalServerError
	default:
		code = http.StatusInternalServerError
	}
	logging.Warningf(ctx.Request.Context(), "%s failed with HTTP %d: %s", what, code, err)
	http.Error(ctx.Writer, err.Error(), code)
}
