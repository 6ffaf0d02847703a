package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresSleep        = time.Sleep
)

// PostgresConfig describes the pool backing control state and audit records.
type PostgresConfig struct {
	URL         string
	RequireTLS  bool
	MaxConns    int32
	Retries     int
	RetryDelay  time.Duration
	PingTimeout time.Duration
}

// PostgresConfigFromEnv reads DATABASE_URL, falling back to a DSN assembled
// from the DATABASE_* parts.
func PostgresConfigFromEnv() PostgresConfig {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = defaultPostgresURL()
	}
	return PostgresConfig{
		URL:         dsn,
		RequireTLS:  requiresSecureTransport("DATABASE_REQUIRE_TLS"),
		MaxConns:    int32(envInt("DATABASE_MAX_CONNS", 10)),
		Retries:     envInt("DATABASE_CONNECT_RETRIES", 30),
		RetryDelay:  2 * time.Second,
		PingTimeout: 2 * time.Second,
	}
}

func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	return OpenPostgres(ctx, PostgresConfigFromEnv())
}

// OpenPostgres connects and pings, retrying while the database comes up.
func OpenPostgres(ctx context.Context, c PostgresConfig) (*pgxpool.Pool, error) {
	if c.RequireTLS {
		if err := validatePostgresTLS(c.URL); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(c.URL)
	if err != nil {
		return nil, err
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = "rdcpd"
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	retries := max(c.Retries, 1)
	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			postgresSleep(c.RetryDelay)
		}
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		pingCtx := ctx
		cancel := func() {}
		if c.PingTimeout > 0 {
			pingCtx, cancel = context.WithTimeout(ctx, c.PingTimeout)
		}
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

type schemaExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema applies idempotent DDL statements in order.
func EnsureSchema(ctx context.Context, db schemaExecer, schemas ...string) error {
	for i, ddl := range schemas {
		if strings.TrimSpace(ddl) == "" {
			continue
		}
		if _, err := db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("apply schema %d: %w", i, err)
		}
	}
	return nil
}

var errInsecurePostgres = errors.New("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode is insecure")

func defaultPostgresURL() string {
	user := envOr("DATABASE_USER", "rdcp")
	host := envOr("DATABASE_HOST", "localhost")
	port := envOr("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + envOr("DATABASE_NAME", "rdcp"),
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		uri.User = url.UserPassword(user, password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", envOr("DATABASE_SSLMODE", "disable"))
	uri.RawQuery = q.Encode()
	return uri.String()
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	switch mode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode"))); mode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	default:
		return fmt.Errorf("%w (sslmode=%q)", errInsecurePostgres, mode)
	}
}

func requiresSecureTransport(envKey string) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKey))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil {
		return v
	}
	return def
}
