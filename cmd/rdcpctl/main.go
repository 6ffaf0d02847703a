package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"rdcp/pkg/httpx"
	"rdcp/pkg/models"
	"rdcp/pkg/telemetry"
)

// Testable variables for main()
var (
	osExit    = os.Exit
	newClient = func(timeout time.Duration) *http.Client { return telemetry.InstrumentClient(nil, timeout) }
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "control":
		return control(args[1:], out)
	case "status":
		return status(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "rdcpctl commands:")
	fmt.Fprintln(out, "  control --action enable|disable|toggle|reset|status --categories DATABASE,CACHE [--duration 15m] [--reason text]")
	fmt.Fprintln(out, "  status [--tenant acme]")
	fmt.Fprintln(out, "common flags: --addr http://127.0.0.1:8080 --client id --tenant id --operator name --timeout 5s --retries 2")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

type connFlags struct {
	addr     *string
	client   *string
	tenant   *string
	operator *string
	timeout  *time.Duration
	retries  *int
}

func addConnFlags(fs *flag.FlagSet) connFlags {
	return connFlags{
		addr:     fs.String("addr", envOr("RDCP_ADDR", "http://127.0.0.1:8080"), "rdcpd base URL"),
		client:   fs.String("client", envOr("RDCP_CLIENT_ID", "rdcpctl"), "client id used for rate limiting"),
		tenant:   fs.String("tenant", os.Getenv("RDCP_TENANT_ID"), "tenant id"),
		operator: fs.String("operator", os.Getenv("RDCP_OPERATOR"), "operator recorded in audit"),
		timeout:  fs.Duration("timeout", 5*time.Second, "request timeout"),
		retries:  fs.Int("retries", 2, "retries on transport errors and 5xx"),
	}
}

func (c connFlags) do(method, path string, body []byte, out io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), *c.timeout)
	defer cancel()
	headers := map[string]string{
		httpx.HeaderClientID: *c.client,
		httpx.HeaderTenantID: *c.tenant,
		httpx.HeaderOperator: *c.operator,
	}
	url := strings.TrimRight(*c.addr, "/") + path
	resp, err := httpx.RequestJSON(ctx, newClient(*c.timeout), method, url, body, headers, httpx.RetryPolicy{Retries: *c.retries, Delay: 200 * time.Millisecond})
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	if err := printJSON(out, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return responseError(resp)
	}
	return nil
}

func control(args []string, out io.Writer) error {
	fs := newFlagSet("control")
	conn := addConnFlags(fs)
	action := fs.String("action", "", "control action")
	categories := fs.String("categories", "", "comma-separated category names")
	duration := fs.String("duration", "", "TTL as milliseconds or <n><s|m|h|d>")
	temporary := fs.Bool("temporary", false, "mark the change temporary")
	reason := fs.String("reason", "", "reason recorded in audit")
	requestID := fs.String("request-id", "", "request id (generated by the server when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*action) == "" {
		return errors.New("action required")
	}
	req := models.ControlRequest{
		Action:     strings.TrimSpace(*action),
		Categories: splitCategories(*categories),
		RequestID:  strings.TrimSpace(*requestID),
	}
	if *duration != "" || *temporary || *reason != "" {
		opts := &models.ControlOptions{Temporary: *temporary, Reason: *reason}
		if *duration != "" {
			spec, err := parseDurationFlag(*duration)
			if err != nil {
				return err
			}
			opts.Duration = spec
		}
		req.Options = opts
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return conn.do(http.MethodPost, "/rdcp/v1/control", body, out)
}

func status(args []string, out io.Writer) error {
	fs := newFlagSet("status")
	conn := addConnFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return conn.do(http.MethodGet, "/rdcp/v1/status", nil, out)
}

func splitCategories(raw string) models.CategoryList {
	var out models.CategoryList
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDurationFlag(raw string) (*models.DurationSpec, error) {
	raw = strings.TrimSpace(raw)
	if v, err := models.ParseDuration(raw); err == nil {
		return &models.DurationSpec{Value: v, Raw: raw}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return nil, fmt.Errorf("invalid duration %q", raw)
	}
	return &models.DurationSpec{Value: time.Duration(ms) * time.Millisecond, Raw: raw}, nil
}

func printJSON(out io.Writer, raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, werr := fmt.Fprintln(out, string(raw))
		return werr
	}
	_, err := fmt.Fprintln(out, buf.String())
	return err
}

func responseError(resp *httpx.Response) error {
	var env models.ErrorEnvelope
	if err := json.Unmarshal(resp.Body, &env); err == nil && env.Error.Code != "" {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return fmt.Errorf("%s: %s (retry after %ss)", env.Error.Code, env.Error.Message, ra)
		}
		return fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
