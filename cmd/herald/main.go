// Herald scores inbound support mail, routes it by urgency and answers it
// once a human has approved the reply.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/herald/internal/approval"
	"github.com/linnemanlabs/herald/internal/authmw"
	hc "github.com/linnemanlabs/herald/internal/cfg"
	"github.com/linnemanlabs/herald/internal/llm/claude"
	"github.com/linnemanlabs/herald/internal/mail/smtpsink"
	"github.com/linnemanlabs/herald/internal/mail/smtpsource"
	"github.com/linnemanlabs/herald/internal/notify/slack"
	"github.com/linnemanlabs/herald/internal/postgres"
	"github.com/linnemanlabs/herald/internal/redisstate"
	"github.com/linnemanlabs/herald/internal/statusfeed"
	"github.com/linnemanlabs/herald/internal/workflow"
	"github.com/linnemanlabs/herald/internal/workflow/memstore"
	"github.com/linnemanlabs/herald/internal/workflow/pgstore"
	"github.com/linnemanlabs/herald/internal/workflowapi"
)

const appName = "herald"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component

	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    hc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline first, env vars below only fill what the cmdline left unset
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "HERALD_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"smtp_listen_addr", appCfg.SMTPListenAddr,
		"smtp_relay_addr", appCfg.SMTPRelayAddr,
		"urgency_threshold", appCfg.UrgencyThreshold,
		"urgent_timeout", appCfg.UrgentTimeout,
		"retry_max_attempts", appCfg.RetryMaxAttempts,
		"shutdown_policy", appCfg.ShutdownPolicy,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Tag spans with pyroscope profile ids so traces link to their CPU profiles
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Per-query DB duration histogram, labelled by who issued the query.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "herald_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"origin", "operation", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, origin, operation, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(origin, operation, outcome).Observe(dur.Seconds())
		},
	))
	postgres.SetSlowQueryThreshold(500 * time.Millisecond)

	wfOpts := appCfg.WorkflowOptions()

	// Record store and admission: postgres when configured, memory otherwise.
	// Redis, when configured, takes over admission and the delivery ledger so
	// several replicas share one view.
	var (
		store    workflow.Store
		admitter workflow.Admitter
		ledger   smtpsink.Ledger
	)
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool, wfOpts.AdmissionRetention)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		store = pgStore
		admitter = pgStore
		L.Info(ctx, "using postgres store")
	} else {
		store = memstore.New()
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	if appCfg.RedisURL != "" {
		rc, err := redisstate.New(ctx, appCfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = rc.Close() }()
		admitter = rc.Admitter(wfOpts.AdmissionRetention)
		ledger = rc.Ledger(wfOpts.AdmissionRetention)
		L.Info(ctx, "using redis for admission and delivery ledger")
	}

	claudeClient := claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel,
		claude.WithTone(appCfg.ResponseTone),
		claude.WithMaxWords(appCfg.MaxResponseWords),
	)
	L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", appCfg.ClaudeModel)

	notifier := slack.New(appCfg.SlackWebhookURL, L)
	if appCfg.SlackWebhookURL != "" {
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	inbox := approval.NewInbox(L, approval.WithNotifier(notifier))

	hub := statusfeed.New(L, statusfeed.WithAllowedOrigins(appCfg.StatusFeedOriginList()))
	dispatcher := workflow.NewStatusDispatcher(notifier, hub)
	dispatchCtx, dispatchCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer dispatchCancel()
	go dispatcher.Run(dispatchCtx)

	sink, err := smtpsink.New(smtpsink.Config{
		Addr:     appCfg.SMTPRelayAddr,
		Username: appCfg.SMTPUsername,
		Password: appCfg.SMTPPassword,
		From:     appCfg.SMTPFrom,
		StartTLS: appCfg.SMTPStartTLS,
	}, ledger, L)
	if err != nil {
		return fmt.Errorf("smtp sink: %w", err)
	}

	deps := workflow.Deps{
		Scorer:    claudeClient,
		Drafter:   claudeClient,
		Approvals: inbox,
		Sink:      sink,
		Store:     store,
		Admitter:  admitter,
		Status:    dispatcher,
	}

	var source *smtpsource.Source
	if appCfg.SMTPListenAddr != "" {
		source = smtpsource.New(smtpsource.Config{
			Addr:           appCfg.SMTPListenAddr,
			Domain:         appCfg.SMTPDomain,
			BlockedSenders: appCfg.BlockedSenderList(),
		}, L)
		deps.Source = source
	}

	wfMetrics := workflow.NewMetrics(m.Registry())
	engine := workflow.NewEngine(deps, wfOpts, L, wfMetrics.Hooks())
	inbox.SetOnDecision(engine.Nudge)

	resumed, err := engine.Resume(postgres.WithOrigin(ctx, "resume"))
	if err != nil {
		return fmt.Errorf("resume workflows: %w", err)
	}
	L.Info(ctx, "resumed in-flight workflows", "count", resumed)

	// The engine outlives the signal context so drain can finish before it stops.
	engineCtx, engineCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer engineCancel()
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(engineCtx); err != nil && !errors.Is(err, context.Canceled) {
			L.Error(ctx, err, "workflow engine stopped with error")
		}
	}()
	stopEngine := func(cctx context.Context) error {
		engineCancel()
		select {
		case <-engineDone:
			return nil
		case <-cctx.Done():
			return fmt.Errorf("workflow engine: %w", cctx.Err())
		}
	}

	if source != nil {
		go func() {
			if err := source.ListenAndServe(); err != nil {
				L.Error(ctx, err, "smtp listener stopped", "addr", appCfg.SMTPListenAddr)
			}
		}()
		L.Info(ctx, "smtp listener started", "addr", appCfg.SMTPListenAddr, "domain", appCfg.SMTPDomain)
	}
	stopSource := func(context.Context) error {
		if source == nil {
			return nil
		}
		return source.Close()
	}

	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()

	// JSON only
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	r.Use(httpmw.AccessLog())

	r.Use(httpmw.MaxBody(1 << 20))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// Browsers cannot set headers on a websocket upgrade, so the feed also
	// accepts the token as a query parameter.
	auth := authmw.BearerToken(appCfg.APIToken, authmw.WithQueryParam("access_token"))
	api := workflowapi.New(L, engine, inbox,
		workflowapi.WithAuth(auth),
		workflowapi.WithStatusFeed(hub),
	)
	api.RegisterRoutes(r)

	// outermost wrapper sees the raw request first and the response last
	var h http.Handler = r

	h = httpmw.WithLogger(L)(h)

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	h = m.Middleware(h)

	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	h = httpmw.RequestID("X-Request-Id")(h)

	h = httpmw.Recover(L, nil)(h)

	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Intake stops before the engine so nothing new is admitted while
	// in-flight records are failed or left for resume. The dispatcher
	// drains after the engine so final reports still reach Slack.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"smtp listener", stopSource},
		{"workflow engine", stopEngine},
		{"status dispatcher", dispatcher.Close},
		{"status feed", func(context.Context) error { hub.Close(); return nil }},
		{"ops http server", opsHTTPStop},
	}
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete", "active_workflows", engine.Active())
	return nil
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit is Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd, and unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
