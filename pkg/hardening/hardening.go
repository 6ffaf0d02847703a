package hardening

import (
	"fmt"
	"strings"
)

// Options captures the deployment settings checked before rdcpd serves
// traffic. Values are raw environment strings.
type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    string
	StateBackend          string
	AuditSink             string
	AuditFailureMode      string
	AuditRedact           string
	AuditSalt             string
	DatabaseRequireTLS    string
	RateBackend           string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	CORSAllowedOrigins    string
}

// ValidateProduction rejects insecure or lossy settings in production-like
// environments. Other environments pass unchecked.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) || !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "rdcpd"
	}
	sink := strings.ToLower(strings.TrimSpace(o.AuditSink))
	usesPostgres := strings.EqualFold(strings.TrimSpace(o.StateBackend), "postgres") || sink == "postgres"
	if usesPostgres && !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.EqualFold(strings.TrimSpace(o.RateBackend), "redis") {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	switch sink {
	case "", "none", "memory":
		return fmt.Errorf("%s: strict production hardening requires a durable RDCP_AUDIT_SINK, got %q", service, sink)
	}
	if strings.EqualFold(strings.TrimSpace(o.AuditFailureMode), "ignore") {
		return fmt.Errorf("%s: strict production hardening forbids RDCP_AUDIT_FAILURE_MODE=ignore", service)
	}
	if redactsOperator(o.AuditRedact) && strings.TrimSpace(o.AuditSalt) == "" {
		return fmt.Errorf("%s: operator redaction requires RDCP_AUDIT_SALT", service)
	}
	return validateCORSOrigins(o.CORSAllowedOrigins, service)
}

func redactsOperator(raw string) bool {
	for _, part := range strings.Split(raw, ",") {
		if strings.EqualFold(strings.TrimSpace(part), "operator") {
			return true
		}
	}
	return false
}

// validateCORSOrigins allows an empty list (no browser access) but rejects
// wildcard, localhost and plain-HTTP origins.
func validateCORSOrigins(raw, service string) error {
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		lower := strings.ToLower(o)
		switch {
		case lower == "*":
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		case strings.HasPrefix(lower, "http://localhost"), strings.HasPrefix(lower, "https://localhost"),
			strings.HasPrefix(lower, "http://127.0.0.1"), strings.HasPrefix(lower, "https://127.0.0.1"):
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		case !strings.HasPrefix(lower, "https://"):
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
