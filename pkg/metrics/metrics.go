// Package metrics is the in-process registry behind /metrics and
// /metrics/prometheus.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	operation   map[string]int64
	events      map[string]int64
	rateLimited map[string]int64
	gauges      map[string]float64
	Histograms  *HistogramRegistry
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
	// Operations is keyed "operation|code".
	Operations  map[string]int64    `json:"operations"`
	Events      map[string]int64    `json:"events"`
	RateLimited map[string]int64    `json:"rate_limited"`
	Gauges      map[string]float64  `json:"gauges"`
	Histograms  []HistogramSnapshot `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		operation:   map[string]int64{},
		events:      map[string]int64{},
		rateLimited: map[string]int64{},
		gauges:      map[string]float64{},
		Histograms:  NewHistogramRegistry(),
	}
}

// Observe counts a request and records its latency under "http:<path>".
func (r *Registry) Observe(path string, status int, d time.Duration) {
	r.Histograms.ObserveOutcome(SeriesName(SeriesEndpoint, path), d, status >= 500)
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

// ObserveOperation counts an engine operation by outcome code and records
// its latency under "op:<name>"; any code but "ok" counts as failed.
func (r *Registry) ObserveOperation(op, code string, elapsed time.Duration) {
	op = strings.TrimSpace(op)
	if op == "" {
		return
	}
	if code == "" {
		code = "unknown"
	}
	r.mu.Lock()
	r.operation[op+"|"+code]++
	r.mu.Unlock()
	r.Histograms.ObserveOutcome(SeriesName(SeriesOperation, op), elapsed, code != "ok")
}

// AddEvents counts published events by outcome ("published", "dropped",
// "failed").
func (r *Registry) AddEvents(outcome string, n int) {
	if outcome == "" || n <= 0 {
		return
	}
	r.mu.Lock()
	r.events[outcome] += int64(n)
	r.mu.Unlock()
}

func (r *Registry) IncRateLimited(scope string) {
	if scope == "" {
		scope = "default"
	}
	r.mu.Lock()
	r.rateLimited[scope]++
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

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Operations:  copyCounts(r.operation),
		Events:      copyCounts(r.events),
		RateLimited: copyCounts(r.rateLimited),
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

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
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
		b.WriteString("# HELP quorumvault_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE quorumvault_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "quorumvault_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP quorumvault_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE quorumvault_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "quorumvault_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP quorumvault_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE quorumvault_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "quorumvault_endpoint_max_millis{endpoint=%q} %d\n", ep, snap.Endpoints[ep].MaxMillis)
		}

		b.WriteString("# HELP quorumvault_operation_total engine operations by outcome code\n")
		b.WriteString("# TYPE quorumvault_operation_total counter\n")
		for _, key := range SortedKeys(snap.Operations) {
			op, code, _ := strings.Cut(key, "|")
			fmt.Fprintf(b, "quorumvault_operation_total{operation=%q,code=%q} %d\n", op, code, snap.Operations[key])
		}
		b.WriteString("# HELP quorumvault_events_total events by delivery outcome\n")
		b.WriteString("# TYPE quorumvault_events_total counter\n")
		for _, outcome := range SortedKeys(snap.Events) {
			fmt.Fprintf(b, "quorumvault_events_total{outcome=%q} %d\n", outcome, snap.Events[outcome])
		}
		b.WriteString("# HELP quorumvault_rate_limited_total rejected requests by limiter scope\n")
		b.WriteString("# TYPE quorumvault_rate_limited_total counter\n")
		for _, scope := range SortedKeys(snap.RateLimited) {
			fmt.Fprintf(b, "quorumvault_rate_limited_total{scope=%q} %d\n", scope, snap.RateLimited[scope])
		}
		b.WriteString("# HELP quorumvault_gauge operational gauge metrics\n")
		b.WriteString("# TYPE quorumvault_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "quorumvault_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		if len(snap.Histograms) > 0 {
			b.WriteString("# HELP quorumvault_latency_seconds latency histogram\n")
			b.WriteString("# TYPE quorumvault_latency_seconds histogram\n")
		}
		for _, h := range snap.Histograms {
			labels := fmt.Sprintf("kind=%q,series=%q", h.Kind, h.Series)
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "quorumvault_latency_seconds_bucket{%s,le=\"%g\"} %d\n", labels, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "quorumvault_latency_seconds_bucket{%s,le=\"+Inf\"} %d\n", labels, h.Count)
			fmt.Fprintf(b, "quorumvault_latency_seconds_sum{%s} %.6f\n", labels, h.Sum)
			fmt.Fprintf(b, "quorumvault_latency_seconds_count{%s} %d\n", labels, h.Count)
		}
		b.WriteString("# HELP quorumvault_latency_failed_total observations with a failing outcome\n")
		b.WriteString("# TYPE quorumvault_latency_failed_total counter\n")
		for _, h := range snap.Histograms {
			fmt.Fprintf(b, "quorumvault_latency_failed_total{kind=%q,series=%q} %d\n", h.Kind, h.Series, h.Failed)
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
