package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"rdcp/pkg/httpx"
	"rdcp/pkg/models"
)

type capturedRequest struct {
	method  string
	path    string
	header  http.Header
	control models.ControlRequest
	raw     map[string]any
}

func newDaemonStub(t *testing.T, status int, reply string, headers map[string]string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	got := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.header = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		if len(body) > 0 {
			if err := json.Unmarshal(body, &got.control); err != nil {
				t.Errorf("decode control: %v", err)
			}
			_ = json.Unmarshal(body, &got.raw)
		}
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestRunRequiresCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(nil, &out); err == nil || !strings.Contains(out.String(), "rdcpctl commands") {
		t.Fatalf("expected usage and error, got %v %q", err, out.String())
	}
	if err := run([]string{"explode"}, &out); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestControlSendsRequest(t *testing.T) {
	srv, got := newDaemonStub(t, http.StatusOK, `{"protocol":"rdcp/1.0","success":true}`, nil)
	var out bytes.Buffer
	err := run([]string{"control",
		"--addr", srv.URL + "/",
		"--client", "ops",
		"--tenant", "acme",
		"--operator", "alice",
		"--action", "enable",
		"--categories", "DATABASE, CACHE,",
		"--duration", "15m",
		"--reason", "incident 42",
	}, &out)
	if err != nil {
		t.Fatalf("control: %v", err)
	}
	if got.method != http.MethodPost || got.path != "/rdcp/v1/control" {
		t.Fatalf("unexpected request %s %s", got.method, got.path)
	}
	if got.header.Get(httpx.HeaderClientID) != "ops" || got.header.Get(httpx.HeaderTenantID) != "acme" || got.header.Get(httpx.HeaderOperator) != "alice" {
		t.Fatalf("missing rdcp headers: %v", got.header)
	}
	if got.control.Action != "enable" || len(got.control.Categories) != 2 || got.control.Categories[1] != "CACHE" {
		t.Fatalf("unexpected control body %+v", got.control)
	}
	opts := got.raw["options"].(map[string]any)
	if opts["duration"] != "15m" || opts["reason"] != "incident 42" {
		t.Fatalf("unexpected options %v", opts)
	}
	if !strings.Contains(out.String(), `"success": true`) {
		t.Fatalf("expected indented reply, got %q", out.String())
	}
}

func TestControlMillisecondDuration(t *testing.T) {
	srv, got := newDaemonStub(t, http.StatusOK, `{}`, nil)
	var out bytes.Buffer
	if err := run([]string{"control", "--addr", srv.URL, "--action", "enable", "--categories", "API", "--duration", "1500"}, &out); err != nil {
		t.Fatalf("control: %v", err)
	}
	if got.control.Options == nil || got.control.Options.Duration.Value != 1500*time.Millisecond {
		t.Fatalf("unexpected duration %+v", got.control.Options)
	}
	if opts := got.raw["options"].(map[string]any); opts["duration"] != float64(1500) {
		t.Fatalf("numeric duration should be sent as a number, got %v", opts["duration"])
	}
}

func TestControlValidatesFlags(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"control", "--categories", "API"}, &out); err == nil || !strings.Contains(err.Error(), "action required") {
		t.Fatalf("expected action error, got %v", err)
	}
	if err := run([]string{"control", "--action", "enable", "--duration", "soon"}, &out); err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("expected duration error, got %v", err)
	}
	if err := run([]string{"control", "--bogus"}, &out); err == nil {
		t.Fatal("expected flag parse error")
	}
}

func TestControlReportsErrorEnvelope(t *testing.T) {
	reply := `{"error":{"code":"RDCP_RATE_LIMITED","message":"rate limit exceeded","protocol":"rdcp/1.0"}}`
	srv, _ := newDaemonStub(t, http.StatusTooManyRequests, reply, map[string]string{"Retry-After": "2"})
	var out bytes.Buffer
	err := run([]string{"control", "--addr", srv.URL, "--action", "status"}, &out)
	if err == nil || err.Error() != "RDCP_RATE_LIMITED: rate limit exceeded (retry after 2s)" {
		t.Fatalf("unexpected error %v", err)
	}
	if !strings.Contains(out.String(), "RDCP_RATE_LIMITED") {
		t.Fatalf("expected body to be printed, got %q", out.String())
	}
}

func TestStatusCommand(t *testing.T) {
	srv, got := newDaemonStub(t, http.StatusOK, `{"scope":"acme","categories":{}}`, nil)
	var out bytes.Buffer
	if err := run([]string{"status", "--addr", srv.URL, "--tenant", "acme"}, &out); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.method != http.MethodGet || got.path != "/rdcp/v1/status" {
		t.Fatalf("unexpected request %s %s", got.method, got.path)
	}
	if got.header.Get(httpx.HeaderClientID) != "rdcpctl" {
		t.Fatalf("expected default client id, got %q", got.header.Get(httpx.HeaderClientID))
	}

	bad, _ := newDaemonStub(t, http.StatusBadRequest, `not json`, nil)
	if err := run([]string{"status", "--addr", bad.URL, "--retries", "0"}, &out); err == nil || !strings.Contains(err.Error(), "unexpected status 400") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestAddrFromEnv(t *testing.T) {
	srv, got := newDaemonStub(t, http.StatusOK, `{}`, nil)
	t.Setenv("RDCP_ADDR", srv.URL)
	t.Setenv("RDCP_CLIENT_ID", "env-client")
	var out bytes.Buffer
	if err := run([]string{"status"}, &out); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.header.Get(httpx.HeaderClientID) != "env-client" {
		t.Fatalf("expected env client id, got %q", got.header.Get(httpx.HeaderClientID))
	}
}

func TestMainExitsOnError(t *testing.T) {
	oldExit, oldArgs := osExit, os.Args
	defer func() { osExit, os.Args = oldExit, oldArgs }()
	code := 0
	osExit = func(c int) { code = c }
	os.Args = []string{"rdcpctl", "nope"}
	main()
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}
