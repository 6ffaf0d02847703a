package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"rdcp/pkg/audit"
	"rdcp/pkg/control"
	"rdcp/pkg/hardening"
	"rdcp/pkg/metrics"
	"rdcp/pkg/protocol"
	"rdcp/pkg/ratelimit"
	"rdcp/pkg/scheduler"
	"rdcp/pkg/store"
	"rdcp/pkg/stream"
	"rdcp/pkg/telemetry"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// daemonDB is the pgx pool surface shared by the state persister and the
// audit writer.
type daemonDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

type daemonInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type daemonOpenDBFunc func(ctx context.Context) (daemonDB, error)
type daemonOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type daemonListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context) (daemonDB, error) { return store.NewPostgresPool(ctx) }
	openRedisFn     = store.NewRedis
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runDaemon(initTelemetryFn, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("rdcpd: %v", err)
	}
}

func runDaemon(
	initTelemetry daemonInitTelemetryFunc,
	openDB daemonOpenDBFunc,
	openRedis daemonOpenRedisFunc,
	listen daemonListenFunc,
) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shutdown, err := initTelemetry(ctx, "rdcpd")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	isolation, err := isolationLevel()
	if err != nil {
		return fmt.Errorf("isolation: %w", err)
	}
	reg, err := loadRegistry()
	if err != nil {
		return err
	}

	stateBackend := strings.ToLower(strings.TrimSpace(env("RDCP_STATE_BACKEND", "memory")))
	sinkKind := strings.ToLower(strings.TrimSpace(env("RDCP_AUDIT_SINK", "memory")))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "rdcpd",
		Environment:           env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		StateBackend:          stateBackend,
		AuditSink:             sinkKind,
		AuditFailureMode:      env("RDCP_AUDIT_FAILURE_MODE", ""),
		AuditRedact:           env("RDCP_AUDIT_REDACT", ""),
		AuditSalt:             env("RDCP_AUDIT_SALT", ""),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RateBackend:           env("RDCP_RATE_BACKEND", "memory"),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}
	var db daemonDB
	if stateBackend == "postgres" || sinkKind == "postgres" {
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		if err := store.EnsureSchema(ctx, pool, control.Schema, audit.Schema); err != nil {
			return fmt.Errorf("db: %w", err)
		}
		db = pool
	}

	states := control.NewStore(nil)
	switch stateBackend {
	case "memory":
	case "postgres":
		states.Persister = &control.PostgresPersister{DB: db}
		loaded, err := states.Load(ctx)
		if err != nil {
			return fmt.Errorf("state load: %w", err)
		}
		log.Printf("rdcpd: loaded %d control states", loaded)
	default:
		return fmt.Errorf("unknown RDCP_STATE_BACKEND %q", stateBackend)
	}

	limits := rateConfig()
	var limiter ratelimit.Limiter = ratelimit.NewInMemory(limits)
	if strings.EqualFold(strings.TrimSpace(env("RDCP_RATE_BACKEND", "memory")), "redis") {
		client, err := openRedis(ctx)
		if err != nil {
			log.Printf("rdcpd: redis unavailable, falling back to in-memory rate limits: %v", err)
		} else {
			defer client.Close()
			limiter = ratelimit.NewRedis(client, limits)
		}
	}

	sink, closeSink, err := auditSink(db)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	defer func() {
		if err := closeSink(); err != nil {
			log.Printf("rdcpd: close audit sink: %v", err)
		}
	}()
	policy, err := auditPolicy(sink)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	s := &Server{
		Metrics:      metrics.NewRegistry(),
		Events:       stream.NewHub(),
		Isolation:    isolation,
		MaxBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 64<<10)),
	}
	sched := scheduler.New(states)
	s.Scheduler = sched
	s.Handler = &protocol.Handler{
		Registry:  reg,
		Store:     states,
		Scheduler: sched,
		Limiter:   limiter,
		Audit:     policy,
		Observer:  protocol.Observers{s.Metrics, stream.Publisher{Hub: s.Events}},
		Isolation: isolation,
		Timeout:   requestTimeout(),
	}
	sched.Notify = s.Handler.RecordExpiry
	sched.Start()
	defer sched.Stop()
	scheduled, expired := sched.Recover(ctx)
	log.Printf("rdcpd: scheduler recovered %d pending, %d expired while offline", scheduled, expired)

	go s.gaugeLoop(ctx, envDurationSec("RDCP_GAUGE_INTERVAL_SEC", 15))

	addr := env("ADDR", ":8080")
	log.Printf("rdcpd listening on %s (isolation=%s)", addr, isolation)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(env("CORS_ALLOWED_ORIGINS", "")),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      writeTimeout(requestTimeout()),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) gaugeLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.updateGauges()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateGauges()
		}
	}
}

func (s *Server) updateGauges() {
	if s.Metrics == nil {
		return
	}
	if s.Scheduler != nil {
		s.Metrics.SetGauge("scheduler_pending", float64(s.Scheduler.Pending()))
	}
	if s.Events != nil {
		s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
		s.Metrics.SetGauge("stream_dropped_events", float64(s.Events.Dropped()))
	}
}
