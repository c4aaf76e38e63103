package metrics

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Latency series are named "<kind>:<name>".
const (
	SeriesOperation = "op"   // engine operations, e.g. "op:ExecuteTransaction"
	SeriesEndpoint  = "http" // routes, e.g. "http:POST /v1/wallets"
)

func SeriesName(kind, name string) string { return kind + ":" + name }

func splitSeries(series string) (kind, name string) {
	kind, name, ok := strings.Cut(series, ":")
	if !ok {
		return "", series
	}
	return kind, name
}

// latencyBounds spans an in-memory engine call up to an execute that waits
// on a slow relay.
var latencyBounds = []time.Duration{
	500 * time.Microsecond,
	time.Millisecond,
	2500 * time.Microsecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	time.Second,
	5 * time.Second,
}

// HistogramBucket is cumulative: Count observations took at most Le seconds.
type HistogramBucket struct {
	Le    float64 `json:"le"`
	Count int64   `json:"count"`
}

// Histogram is one latency series. Failed counts observations whose
// outcome was not ok.
type Histogram struct {
	mu     sync.Mutex
	name   string
	counts []int64 // per bound, plus a trailing overflow slot
	sum    time.Duration
	count  int64
	failed int64
}

func NewHistogram(name string) *Histogram {
	return &Histogram{name: name, counts: make([]int64, len(latencyBounds)+1)}
}

func (h *Histogram) Observe(d time.Duration) { h.observe(d, false) }

func (h *Histogram) observe(d time.Duration, failed bool) {
	slot := sort.Search(len(latencyBounds), func(i int) bool { return d <= latencyBounds[i] })
	h.mu.Lock()
	h.counts[slot]++
	h.sum += d
	h.count++
	if failed {
		h.failed++
	}
	h.mu.Unlock()
}

// Percentile returns the upper bound in seconds of the bucket holding the
// p-th (0.0-1.0) observation.
func (h *Histogram) Percentile(p float64) float64 {
	snap := h.Snapshot()
	return snap.quantile(p)
}

type HistogramSnapshot struct {
	Name    string            `json:"name"`
	Kind    string            `json:"kind"`
	Series  string            `json:"series"`
	Buckets []HistogramBucket `json:"buckets"`
	Sum     float64           `json:"sum"`
	Count   int64             `json:"count"`
	Failed  int64             `json:"failed"`
	P50     float64           `json:"p50"`
	P95     float64           `json:"p95"`
	P99     float64           `json:"p99"`
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	kind, series := splitSeries(h.name)
	snap := HistogramSnapshot{
		Name:    h.name,
		Kind:    kind,
		Series:  series,
		Buckets: make([]HistogramBucket, len(latencyBounds)),
		Sum:     h.sum.Seconds(),
		Count:   h.count,
		Failed:  h.failed,
	}
	var running int64
	for i, bound := range latencyBounds {
		running += h.counts[i]
		snap.Buckets[i] = HistogramBucket{Le: bound.Seconds(), Count: running}
	}
	snap.P50 = snap.quantile(0.50)
	snap.P95 = snap.quantile(0.95)
	snap.P99 = snap.quantile(0.99)
	return snap
}

// quantile reports +Inf when the rank falls in the overflow slot.
func (s HistogramSnapshot) quantile(p float64) float64 {
	if s.Count == 0 {
		return 0
	}
	rank := int64(math.Ceil(p * float64(s.Count)))
	if rank < 1 {
		rank = 1
	}
	for _, b := range s.Buckets {
		if b.Count >= rank {
			return b.Le
		}
	}
	return math.Inf(1)
}

// HistogramRegistry holds the latency series by name.
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
	r.Get(name).observe(d, false)
}

func (r *HistogramRegistry) ObserveOutcome(name string, d time.Duration, failed bool) {
	r.Get(name).observe(d, failed)
}

// Snapshots returns every series ordered by name, so operations ("op:")
// sort apart from routes ("http:").
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HistogramSnapshot, 0, len(r.histograms))
	for _, h := range r.histograms {
		out = append(out, h.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
