package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"rdcp/pkg/protocol"
)

// Registry collects daemon metrics. It doubles as a protocol.Observer so the
// handler feeds it directly.
type Registry struct {
	mu         sync.RWMutex
	endpoint   map[string]*EndpointStat
	requests   map[string]int64
	errorCodes map[string]int64
	changes    map[string]int64
	gauges     map[string]float64
	Histograms *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Requests    map[string]int64        `json:"requests"`
	ErrorCodes  map[string]int64        `json:"error_codes"`
	Changes     map[string]int64        `json:"changes"`
	Gauges      map[string]float64      `json:"gauges"`
	Histograms  []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		requests:   map[string]int64{},
		errorCodes: map[string]int64{},
		changes:    map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(name string, d time.Duration) {
	r.Histograms.ObserveDuration(name, d)
}

// Observe records one HTTP exchange.
func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func pairKey(a, b string) string {
	if b == "" {
		b = "none"
	}
	return a + "|" + b
}

func splitPair(key string) (string, string) {
	parts := strings.SplitN(key, "|", 2)
	if len(parts) != 2 {
		return parts[0], "none"
	}
	return parts[0], parts[1]
}

func (r *Registry) OnRequest(_ context.Context, ev protocol.RequestEvent) {
	op := strings.TrimSpace(ev.Operation)
	if op == "" {
		return
	}
	r.mu.Lock()
	r.requests[pairKey(op, string(ev.Status))]++
	if ev.Code != "" {
		r.errorCodes[string(ev.Code)]++
	}
	r.mu.Unlock()
	r.Histograms.ObserveDuration(op, ev.Duration)
}

func (r *Registry) OnChange(_ context.Context, ev protocol.ChangeEvent) {
	r.mu.Lock()
	r.changes[pairKey(string(ev.Kind), ev.Action)]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Requests:    copyCounts(r.requests),
		ErrorCodes:  copyCounts(r.errorCodes),
		Changes:     copyCounts(r.changes),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP rdcp_http_requests_total HTTP requests by endpoint\n")
		b.WriteString("# TYPE rdcp_http_requests_total counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "rdcp_http_requests_total{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP rdcp_http_errors_total HTTP responses with status >= 400 by endpoint\n")
		b.WriteString("# TYPE rdcp_http_errors_total counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "rdcp_http_errors_total{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP rdcp_http_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE rdcp_http_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "rdcp_http_max_millis{endpoint=%q} %d\n", ep, snap.Endpoints[ep].MaxMillis)
		}
		b.WriteString("# HELP rdcp_requests_total protocol requests by operation and status\n")
		b.WriteString("# TYPE rdcp_requests_total counter\n")
		for _, key := range SortedKeys(snap.Requests) {
			op, status := splitPair(key)
			fmt.Fprintf(b, "rdcp_requests_total{operation=%q,status=%q} %d\n", op, status, snap.Requests[key])
		}
		b.WriteString("# HELP rdcp_errors_total protocol errors by code\n")
		b.WriteString("# TYPE rdcp_errors_total counter\n")
		for _, code := range SortedKeys(snap.ErrorCodes) {
			fmt.Fprintf(b, "rdcp_errors_total{code=%q} %d\n", code, snap.ErrorCodes[code])
		}
		b.WriteString("# HELP rdcp_state_changes_total committed state changes by kind and action\n")
		b.WriteString("# TYPE rdcp_state_changes_total counter\n")
		for _, key := range SortedKeys(snap.Changes) {
			kind, action := splitPair(key)
			fmt.Fprintf(b, "rdcp_state_changes_total{kind=%q,action=%q} %d\n", kind, action, snap.Changes[key])
		}
		b.WriteString("# HELP rdcp_gauge operational gauges\n")
		b.WriteString("# TYPE rdcp_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "rdcp_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		if len(snap.Histograms) > 0 {
			b.WriteString("# HELP rdcp_latency_seconds latency histogram\n")
			b.WriteString("# TYPE rdcp_latency_seconds histogram\n")
		}
		for _, h := range snap.Histograms {
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "rdcp_latency_seconds_bucket{name=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "rdcp_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "rdcp_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "rdcp_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
