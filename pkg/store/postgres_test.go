package store

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func stubPostgres(t *testing.T, newPool func(context.Context, *pgxpool.Config) (*pgxpool.Pool, error)) {
	t.Helper()
	origNew, origSleep := pgxPoolNewWithConfig, postgresSleep
	t.Cleanup(func() {
		pgxPoolNewWithConfig = origNew
		postgresSleep = origSleep
	})
	postgresSleep = func(time.Duration) {}
	if newPool != nil {
		pgxPoolNewWithConfig = newPool
	}
}

func TestValidatePostgresTLS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"verify_full_allowed", "postgres://u:p@db:5432/x?sslmode=verify-full", false},
		{"require_allowed", "postgres://u:p@db:5432/x?sslmode=require", false},
		{"prefer_denied", "postgres://u:p@db:5432/x?sslmode=prefer", true},
		{"missing_sslmode_denied", "postgres://u:p@db:5432/x", true},
		{"invalid_url_denied", "://bad", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validatePostgresTLS(tt.url)
			if tt.wantErr != (err != nil) {
				t.Fatalf("validatePostgresTLS(%q) err=%v, wantErr=%v", tt.url, err, tt.wantErr)
			}
		})
	}
	if err := validatePostgresTLS("postgres://db/x?sslmode=disable"); !errors.Is(err, errInsecurePostgres) {
		t.Fatalf("expected errInsecurePostgres, got %v", err)
	}
}

func TestPostgresConfigFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_USER", "")
	t.Setenv("POSTGRES_PASSWORD", "")
	t.Setenv("DATABASE_HOST", "")
	t.Setenv("DATABASE_PORT", "not-a-port")
	t.Setenv("DATABASE_NAME", "")
	t.Setenv("DATABASE_SSLMODE", "")
	t.Setenv("DATABASE_REQUIRE_TLS", "yes")
	t.Setenv("DATABASE_MAX_CONNS", "4")

	cfg := PostgresConfigFromEnv()
	if !strings.HasPrefix(cfg.URL, "postgres://rdcp@localhost:5432/rdcp") || !strings.Contains(cfg.URL, "sslmode=disable") {
		t.Fatalf("unexpected default dsn %s", cfg.URL)
	}
	if !cfg.RequireTLS || cfg.MaxConns != 4 || cfg.Retries != 30 {
		t.Fatalf("unexpected config %+v", cfg)
	}

	t.Setenv("DATABASE_USER", "ops")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("DATABASE_PORT", "6543")
	t.Setenv("DATABASE_SSLMODE", "require")
	if dsn := PostgresConfigFromEnv().URL; !strings.Contains(dsn, "ops:secret@db.internal:6543/rdcp") || !strings.Contains(dsn, "sslmode=require") {
		t.Fatalf("unexpected env dsn %s", dsn)
	}

	t.Setenv("DATABASE_URL", " postgres://x@y/z ")
	if got := PostgresConfigFromEnv().URL; got != "postgres://x@y/z" {
		t.Fatalf("DATABASE_URL should win, got %s", got)
	}
}

func TestOpenPostgresRejectsInvalidInputs(t *testing.T) {
	if _, err := OpenPostgres(context.Background(), PostgresConfig{URL: "://bad"}); err == nil {
		t.Fatal("expected parse error for invalid dsn")
	}
	_, err := OpenPostgres(context.Background(), PostgresConfig{
		URL:        "postgres://u:p@db:5432/x?sslmode=disable",
		RequireTLS: true,
	})
	if !errors.Is(err, errInsecurePostgres) {
		t.Fatalf("expected insecure transport error, got %v", err)
	}
}

func TestOpenPostgresRetriesExhaustedPing(t *testing.T) {
	stubPostgres(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, err = OpenPostgres(context.Background(), PostgresConfig{
		URL:         "postgres://u:p@" + addr + "/x?sslmode=disable",
		Retries:     1,
		PingTimeout: 50 * time.Millisecond,
	})
	if err == nil || !strings.Contains(err.Error(), "db ping retries exhausted") {
		t.Fatalf("expected retry exhausted error, got %v", err)
	}
}

func TestOpenPostgresPoolConfig(t *testing.T) {
	attempts := 0
	var seen *pgxpool.Config
	stubPostgres(t, func(_ context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
		attempts++
		seen = cfg
		return nil, errors.New("boom")
	})

	_, err := OpenPostgres(context.Background(), PostgresConfig{
		URL:      "postgres://u:p@127.0.0.1:5432/x?sslmode=disable",
		Retries:  3,
		MaxConns: 7,
	})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected wrapped pool error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if seen.MaxConns != 7 || seen.ConnConfig.RuntimeParams["application_name"] != "rdcpd" {
		t.Fatalf("unexpected pool config maxConns=%d params=%v", seen.MaxConns, seen.ConnConfig.RuntimeParams)
	}
}

type recordingExecer struct {
	statements []string
	failOn     int
}

func (r *recordingExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	r.statements = append(r.statements, sql)
	if r.failOn > 0 && len(r.statements) == r.failOn {
		return pgconn.CommandTag{}, errors.New("permission denied")
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func TestEnsureSchema(t *testing.T) {
	db := &recordingExecer{}
	if err := EnsureSchema(context.Background(), db, "CREATE TABLE a()", "  ", "CREATE TABLE b()"); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if len(db.statements) != 2 {
		t.Fatalf("blank statements should be skipped, got %v", db.statements)
	}

	db = &recordingExecer{failOn: 1}
	err := EnsureSchema(context.Background(), db, "CREATE TABLE a()", "CREATE TABLE b()")
	if err == nil || !strings.Contains(err.Error(), "apply schema 0") {
		t.Fatalf("expected first statement failure, got %v", err)
	}
	if len(db.statements) != 1 {
		t.Fatalf("should stop at first failure, ran %d", len(db.statements))
	}
}

func TestRequiresSecureTransport(t *testing.T) {
	cases := map[string]bool{"true": true, "1": true, "yes": true, "ON": true, "false": false, "": false}
	for val, want := range cases {
		t.Run("value_"+val, func(t *testing.T) {
			t.Setenv("SECURE_TRANSPORT_TEST", val)
			if got := requiresSecureTransport("SECURE_TRANSPORT_TEST"); got != want {
				t.Fatalf("expected %v for %q, got %v", want, val, got)
			}
		})
	}
}
