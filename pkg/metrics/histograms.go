package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// HistogramBucket is cumulative: Count includes every observation <= Le.
type HistogramBucket struct {
	Le    float64
	Count int64
}

// Histogram keeps per-bucket counts; the last slot holds observations
// above the highest bound.
type Histogram struct {
	mu     sync.Mutex
	name   string
	bounds []float64
	counts []int64
	sum    float64
	total  int64
}

// Control requests are in-memory apart from the audit write, so the bounds
// start well under a millisecond.
var defaultBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

func NewHistogram(name string) *Histogram {
	return &Histogram{
		name:   name,
		bounds: defaultBuckets,
		counts: make([]int64, len(defaultBuckets)+1),
	}
}

func (h *Histogram) Observe(d time.Duration) {
	sec := max(d.Seconds(), 0)
	idx := sort.SearchFloat64s(h.bounds, sec)
	h.mu.Lock()
	h.counts[idx]++
	h.sum += sec
	h.total++
	h.mu.Unlock()
}

func (h *Histogram) cumulativeLocked() []HistogramBucket {
	out := make([]HistogramBucket, len(h.bounds))
	var running int64
	for i, le := range h.bounds {
		running += h.counts[i]
		out[i] = HistogramBucket{Le: le, Count: running}
	}
	return out
}

// quantile returns the bound of the bucket holding the q-th observation.
// Overflow observations report the highest bound.
func quantile(buckets []HistogramBucket, total int64, q float64) float64 {
	if total == 0 || len(buckets) == 0 {
		return 0
	}
	rank := max(int64(math.Ceil(q*float64(total))), 1)
	i := sort.Search(len(buckets), func(i int) bool { return buckets[i].Count >= rank })
	if i == len(buckets) {
		return buckets[len(buckets)-1].Le
	}
	return buckets[i].Le
}

func (h *Histogram) Percentile(p float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return quantile(h.cumulativeLocked(), h.total, p)
}

type HistogramSnapshot struct {
	Name    string
	Buckets []HistogramBucket
	Sum     float64
	Count   int64
	P50     float64
	P95     float64
	P99     float64
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	buckets := h.cumulativeLocked()
	sum, total := h.sum, h.total
	h.mu.Unlock()
	return HistogramSnapshot{
		Name:    h.name,
		Buckets: buckets,
		Sum:     sum,
		Count:   total,
		P50:     quantile(buckets, total, 0.50),
		P95:     quantile(buckets, total, 0.95),
		P99:     quantile(buckets, total, 0.99),
	}
}

type HistogramRegistry struct {
	mu         sync.RWMutex
	histograms map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{histograms: map[string]*Histogram{}}
}

func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	h = NewHistogram(name)
	r.histograms[name] = h
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

// Snapshots returns every histogram ordered by name.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.RLock()
	out := make([]HistogramSnapshot, 0, len(r.histograms))
	for _, h := range r.histograms {
		out = append(out, h.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
