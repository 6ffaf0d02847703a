package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"rdcp/pkg/audit"
	"rdcp/pkg/models"
	"rdcp/pkg/protocol"
	"rdcp/pkg/ratelimit"
	"rdcp/pkg/registry"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

// requestTimeout is the handler deadline; writeTimeout must outlast it so
// the RDCP_TIMEOUT envelope still reaches the client.
func requestTimeout() time.Duration {
	if d := envDurationSec("RDCP_REQUEST_TIMEOUT_SEC", 30); d > 0 {
		return d
	}
	return protocol.DefaultTimeout
}

const writeTimeoutGrace = 10 * time.Second

func writeTimeout(request time.Duration) time.Duration {
	floor := request + writeTimeoutGrace
	d := envDurationSec("HTTP_WRITE_TIMEOUT_SEC", int(floor/time.Second))
	if d < floor {
		log.Printf("rdcpd: HTTP_WRITE_TIMEOUT_SEC %s does not outlast the %s request timeout, using %s", d, request, floor)
		return floor
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadRegistry builds the category registry from RDCP_CATEGORIES_FILE and
// RDCP_CATEGORIES. Inline entries are NAME (global scope) or scope/NAME.
func loadRegistry() (*registry.Registry, error) {
	reg := registry.New()
	if path := strings.TrimSpace(env("RDCP_CATEGORIES_FILE", "")); path != "" {
		catalog, err := registry.LoadCatalog(path)
		if err != nil {
			return nil, fmt.Errorf("categories file: %w", err)
		}
		if err := catalog.Apply(reg); err != nil {
			return nil, err
		}
	}
	for _, entry := range splitList(env("RDCP_CATEGORIES", "")) {
		scope, name := models.GlobalScope, entry
		if s, n, ok := strings.Cut(entry, "/"); ok {
			scope, name = models.Scope(strings.TrimSpace(s)), strings.TrimSpace(n)
		}
		if scope == "" {
			return nil, fmt.Errorf("categories: empty scope in %q", entry)
		}
		if err := reg.Register(scope, name); err != nil {
			return nil, fmt.Errorf("categories: %w", err)
		}
	}
	return reg, nil
}

func rateConfig() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	control := cfg.Classes[ratelimit.ClassControl]
	status := cfg.Classes[ratelimit.ClassStatus]
	cfg.Classes[ratelimit.ClassControl] = ratelimit.Rule{
		Capacity:        envInt("RDCP_RATE_CONTROL_CAPACITY", control.Capacity),
		RefillPerSecond: envFloat("RDCP_RATE_CONTROL_REFILL", control.RefillPerSecond),
	}
	cfg.Classes[ratelimit.ClassStatus] = ratelimit.Rule{
		Capacity:        envInt("RDCP_RATE_STATUS_CAPACITY", status.Capacity),
		RefillPerSecond: envFloat("RDCP_RATE_STATUS_REFILL", status.RefillPerSecond),
	}
	return cfg
}

type closer func() error

// auditSink selects the sink named by RDCP_AUDIT_SINK. db is nil unless a
// database was opened. The returned closer is never nil.
func auditSink(db daemonDB) (audit.Sink, closer, error) {
	nop := func() error { return nil }
	switch kind := strings.ToLower(strings.TrimSpace(env("RDCP_AUDIT_SINK", "memory"))); kind {
	case "none":
		return audit.NopSink{}, nop, nil
	case "memory":
		return audit.NewMemorySink(), nop, nil
	case "jsonl":
		sink, err := audit.NewJSONLSink(env("RDCP_AUDIT_PATH", "data/rdcp-audit.jsonl"))
		if err != nil {
			return nil, nil, err
		}
		return sink, sink.Close, nil
	case "postgres":
		if db == nil {
			return nil, nil, fmt.Errorf("audit sink postgres requires a database")
		}
		return &audit.Writer{DB: db}, nop, nil
	case "kafka":
		sink, err := audit.NewKafkaSink(audit.KafkaConfig{
			Brokers: splitList(env("KAFKA_BROKERS", "")),
			Topic:   env("KAFKA_AUDIT_TOPIC", "rdcp.audit"),
		})
		if err != nil {
			return nil, nil, err
		}
		return sink, sink.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown RDCP_AUDIT_SINK %q", kind)
	}
}

func auditPolicy(sink audit.Sink) (*audit.Policy, error) {
	mode, err := audit.ParseFailureMode(env("RDCP_AUDIT_FAILURE_MODE", "warn"))
	if err != nil {
		return nil, err
	}
	p := audit.NewPolicy(sink)
	p.FailureMode = mode
	p.SampleRate = envFloat("RDCP_AUDIT_SAMPLE_RATE", 1)
	if ms := envInt("RDCP_AUDIT_TIMEOUT_MS", 0); ms > 0 {
		p.Timeout = time.Duration(ms) * time.Millisecond
	}
	if names := splitList(env("RDCP_AUDIT_REDACT", "")); len(names) > 0 {
		p.Redact = audit.ParseRedactors(names, []byte(env("RDCP_AUDIT_SALT", "")))
	}
	return p, nil
}

func isolationLevel() (models.IsolationLevel, error) {
	return models.ParseIsolationLevel(env("RDCP_ISOLATION", "global"))
}
