package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rdcp/pkg/audit"
	"rdcp/pkg/control"
	"rdcp/pkg/metrics"
	"rdcp/pkg/models"
	"rdcp/pkg/protocol"
	"rdcp/pkg/ratelimit"
	"rdcp/pkg/registry"
	"rdcp/pkg/scheduler"
	"rdcp/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func newTestServer(t *testing.T, isolation models.IsolationLevel, limits ratelimit.Config) *Server {
	t.Helper()
	reg := registry.New()
	if err := reg.RegisterAll(models.GlobalScope, "DATABASE", "CACHE"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.RegisterAll("tenant-a", "DATABASE"); err != nil {
		t.Fatalf("register: %v", err)
	}
	states := control.NewStore(nil)
	sched := scheduler.New(states)
	s := &Server{
		Scheduler: sched,
		Metrics:   metrics.NewRegistry(),
		Events:    stream.NewHub(),
		Isolation: isolation,
	}
	s.Handler = &protocol.Handler{
		Registry:  reg,
		Store:     states,
		Scheduler: sched,
		Limiter:   ratelimit.NewInMemory(limits),
		Audit:     audit.NewPolicy(audit.NewMemorySink()),
		Observer:  protocol.Observers{s.Metrics, stream.Publisher{Hub: s.Events}},
		Isolation: isolation,
	}
	sched.Notify = s.Handler.RecordExpiry
	sched.Start()
	t.Cleanup(sched.Stop)
	return s
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) models.ErrorEnvelope {
	t.Helper()
	var env models.ErrorEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rr.Body.String())
	}
	return env
}

func TestControlEndpoint(t *testing.T) {
	s := newTestServer(t, models.IsolationGlobal, ratelimit.DefaultConfig())
	h := s.routes("")

	rr := serve(h, http.MethodPost, "/rdcp/v1/control", `{"action":"enable","categories":["DATABASE"],"options":{"temporary":true,"duration":900000,"reason":"incident"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	var resp models.ControlResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Protocol != models.Protocol || !resp.Success || len(resp.Changes) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if st := resp.CurrentState["DATABASE"]; !st.Enabled || !st.Temporary || st.ExpiresAt == "" {
		t.Fatalf("expected temporary enable, got %+v", st)
	}
	if rr.Header().Get("RateLimit-Remaining") != "9" {
		t.Fatalf("expected 9 remaining, got %q", rr.Header().Get("RateLimit-Remaining"))
	}
	if s.Scheduler.Pending() != 1 {
		t.Fatalf("expected pending expiry, got %d", s.Scheduler.Pending())
	}
}

func TestControlEndpointErrors(t *testing.T) {
	s := newTestServer(t, models.IsolationGlobal, ratelimit.DefaultConfig())
	h := s.routes("")

	cases := []struct {
		name   string
		body   string
		status int
		code   protocol.Code
	}{
		{"malformed", `{"action":`, http.StatusBadRequest, protocol.CodeValidation},
		{"bad_duration", `{"action":"enable","categories":["DATABASE"],"options":{"duration":"15x"}}`, http.StatusBadRequest, protocol.CodeValidation},
		{"unknown_action", `{"action":"explode","categories":["DATABASE"]}`, http.StatusBadRequest, protocol.CodeValidation},
		{"unknown_category", `{"action":"enable","categories":["BOGUS"]}`, http.StatusNotFound, protocol.CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := serve(h, http.MethodPost, "/rdcp/v1/control", tc.body)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d %s", tc.status, rr.Code, rr.Body.String())
			}
			env := decodeEnvelope(t, rr)
			if env.Error.Code != string(tc.code) || env.Error.Protocol != models.Protocol {
				t.Fatalf("unexpected envelope %+v", env)
			}
		})
	}
}

func TestControlEndpointRateLimited(t *testing.T) {
	limits := ratelimit.Config{Classes: map[ratelimit.Class]ratelimit.Rule{
		ratelimit.ClassControl: {Capacity: 1, RefillPerSecond: 0.5},
	}}
	s := newTestServer(t, models.IsolationGlobal, limits)
	h := s.routes("")
	body := `{"action":"toggle","categories":["CACHE"]}`
	if rr := serve(h, http.MethodPost, "/rdcp/v1/control", body); rr.Code != http.StatusOK {
		t.Fatalf("first request: %d", rr.Code)
	}
	rr := serve(h, http.MethodPost, "/rdcp/v1/control", body)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", rr.Header().Get("Retry-After"))
	}
	if env := decodeEnvelope(t, rr); env.Error.Code != string(protocol.CodeRateLimited) {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if rr := serve(h, http.MethodGet, "/rdcp/v1/status", ""); rr.Code != http.StatusOK || rr.Header().Get("RateLimit-Limit") != "" {
		t.Fatalf("status class is unlimited here, got %d %v", rr.Code, rr.Header())
	}
}

func TestStatusEndpointTenantIsolation(t *testing.T) {
	s := newTestServer(t, models.IsolationOrganization, ratelimit.DefaultConfig())
	h := s.routes("")

	rr := serve(h, http.MethodGet, "/rdcp/v1/status", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing tenant should be a validation error, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/rdcp/v1/control", strings.NewReader(`{"action":"enable","categories":"DATABASE"}`))
	req.Header.Set("X-RDCP-Tenant-ID", "tenant-a")
	req.Header.Set("X-RDCP-Operator", "alice")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("tenant control: %d %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/rdcp/v1/status", nil)
	req.Header.Set("X-RDCP-Tenant-ID", "tenant-a")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var status models.StatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Scope != "tenant-a" || len(status.Categories) != 1 || !status.Categories["DATABASE"].Enabled {
		t.Fatalf("unexpected tenant status %+v", status)
	}
	if s.Handler.Store.Get(models.GlobalScope, "DATABASE").Enabled {
		t.Fatal("tenant change leaked into global scope")
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newTestServer(t, models.IsolationGlobal, ratelimit.DefaultConfig())
	h := s.routes("https://ops.example.com")

	rr := serve(h, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK || rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("healthz: %d %v", rr.Code, rr.Header())
	}
	serve(h, http.MethodPost, "/rdcp/v1/control", `{"action":"enable","categories":["CACHE"]}`)
	s.updateGauges()

	rr = serve(h, http.MethodGet, "/metrics", "")
	body := rr.Body.String()
	for _, want := range []string{
		`rdcp_requests_total{operation="control",status="success"} 1`,
		`rdcp_state_changes_total{kind="change",action="enable"} 1`,
		`rdcp_gauge{name="scheduler_pending"}`,
		`rdcp_http_requests_total{endpoint="POST /rdcp/v1/control"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
	rr = serve(h, http.MethodGet, "/metrics.json", "")
	var snap metrics.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode metrics json: %v", err)
	}
	if snap.Requests["control|success"] != 1 {
		t.Fatalf("unexpected request counters %v", snap.Requests)
	}

	s.Scheduler.Stop()
	if rr := serve(h, http.MethodGet, "/healthz", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("stopped scheduler should degrade health, got %d", rr.Code)
	}
}

func TestStreamEvents(t *testing.T) {
	s := newTestServer(t, models.IsolationGlobal, ratelimit.DefaultConfig())
	srv := httptest.NewServer(http.HandlerFunc(s.streamEvents))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var ready stream.Event
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready.Type != "ready" || ready.Scope != models.GlobalScope {
		t.Fatalf("unexpected ready event %+v", ready)
	}

	if _, err := s.Handler.Control(ctx, protocol.AuthContext{ClientID: "ops"}, models.ControlRequest{
		Action:     "disable-all",
		Categories: nil,
	}); err != nil {
		t.Fatalf("control: %v", err)
	}
	if _, err := s.Handler.Control(ctx, protocol.AuthContext{ClientID: "ops"}, models.ControlRequest{
		Action:     "enable",
		Categories: models.CategoryList{"API"},
	}); err == nil {
		t.Fatal("expected unknown category error")
	}
	if _, err := s.Handler.Control(ctx, protocol.AuthContext{ClientID: "ops"}, models.ControlRequest{
		Action:     "enable",
		Categories: models.CategoryList{"DATABASE"},
	}); err != nil {
		t.Fatalf("control: %v", err)
	}

	var evt stream.Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("read change: %v", err)
	}
	var change protocol.ChangeEvent
	if err := json.Unmarshal(evt.Data, &change); err != nil {
		t.Fatalf("decode change: %v", err)
	}
	if evt.Type != "change" || change.Category != "DATABASE" || !change.Next.Enabled {
		t.Fatalf("unexpected change event %+v %+v", evt, change)
	}
}
