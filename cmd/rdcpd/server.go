package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"rdcp/pkg/httpx"
	"rdcp/pkg/metrics"
	"rdcp/pkg/models"
	"rdcp/pkg/protocol"
	"rdcp/pkg/scheduler"
	"rdcp/pkg/stream"
	"rdcp/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// Server is the HTTP adapter in front of protocol.Handler. It trusts the
// identity headers set by whatever authenticates in front of it.
type Server struct {
	Handler      *protocol.Handler
	Scheduler    *scheduler.Scheduler
	Metrics      *metrics.Registry
	Events       *stream.Hub
	Isolation    models.IsolationLevel
	MaxBodyBytes int64
	Now          func() time.Time
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Server) routes(corsOrigins string) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(corsOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("rdcpd"))
	r.Get("/healthz", s.healthz)
	r.Get("/metrics", s.Metrics.PrometheusHandler())
	r.Get("/metrics.json", s.Metrics.Handler())
	r.Route("/rdcp/v1", func(r chi.Router) {
		r.Post("/control", s.handleControl)
		r.Get("/status", s.handleStatus)
		r.Get("/stream", s.streamEvents)
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.Scheduler != nil && !s.Scheduler.Running() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, code, map[string]any{
		"status":   status,
		"service":  "rdcpd",
		"protocol": models.Protocol,
	})
}

func authFromRequest(r *http.Request) protocol.AuthContext {
	return protocol.AuthContext{
		ClientID: strings.TrimSpace(r.Header.Get(httpx.HeaderClientID)),
		Tenant:   strings.TrimSpace(r.Header.Get(httpx.HeaderTenantID)),
		Operator: strings.TrimSpace(r.Header.Get(httpx.HeaderOperator)),
	}
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	limit := s.MaxBodyBytes
	if limit <= 0 {
		limit = 64 << 10
	}
	var req models.ControlRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(&req); err != nil {
		httpx.WriteError(w, &protocol.Error{
			Code:    protocol.CodeValidation,
			Message: "malformed control request",
			Details: map[string]any{"reason": err.Error()},
			Err:     err,
		})
		return
	}
	res, err := s.Handler.Control(r.Context(), authFromRequest(r), req)
	httpx.WriteRateLimit(w, res.RateLimit, s.now())
	if err != nil {
		httpx.WriteError(w, protocol.AsError(err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res.Response)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, decision, err := s.Handler.Status(r.Context(), authFromRequest(r))
	httpx.WriteRateLimit(w, decision, s.now())
	if err != nil {
		httpx.WriteError(w, protocol.AsError(err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// streamEvents pushes change and expiry events of the caller's scope over a
// websocket. Browsers cannot set headers on the upgrade, so the tenant may
// also come from the query string.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.WriteError(w, &protocol.Error{Code: protocol.CodeInternal, Message: "stream unavailable"})
		return
	}
	tenant := strings.TrimSpace(r.Header.Get(httpx.HeaderTenantID))
	if tenant == "" {
		tenant = strings.TrimSpace(r.URL.Query().Get("tenant"))
	}
	scope, err := models.ScopeFor(s.Isolation, tenant)
	if err != nil {
		httpx.WriteError(w, &protocol.Error{Code: protocol.CodeValidation, Message: "cannot resolve scope", Err: err})
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitList(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(scope, 64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", scope, s.now().UTC(), nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

// Hijack keeps websocket upgrades working behind the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(s.ResponseWriter).Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}
