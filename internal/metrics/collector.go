// Package metrics is a small Prometheus-compatible metrics registry. It
// renders the text exposition format without client_golang.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Registry aggregates counters, gauges, and histograms.
type Registry struct {
	counters   sync.Map // key -> *Counter
	gauges     sync.Map // key -> *Gauge
	histograms sync.Map // key -> *Histogram
	startTime  time.Time
}

func NewRegistry() *Registry {
	return &Registry{startTime: time.Now()}
}

func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Counter returns or creates the counter for name and labels.
func (r *Registry) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := r.counters.Load(key); ok {
		return v.(*Counter)
	}
	actual, _ := r.counters.LoadOrStore(key, &Counter{name: name, help: help, labels: labels})
	return actual.(*Counter)
}

// Gauge returns or creates the gauge for name and labels.
func (r *Registry) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := r.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	actual, _ := r.gauges.LoadOrStore(key, &Gauge{name: name, help: help, labels: labels})
	return actual.(*Gauge)
}

// Histogram returns or creates the histogram for name and labels.
func (r *Registry) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := r.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	hb := make([]histBucket, len(sorted))
	for i, b := range sorted {
		hb[i] = histBucket{le: b}
	}
	actual, _ := r.histograms.LoadOrStore(key, &Histogram{name: name, help: help, labels: labels, buckets: hb})
	return actual.(*Histogram)
}

// sortedValues returns the map's values ordered by key.
func sortedValues(m *sync.Map) []any {
	var keys []string
	vals := make(map[string]any)
	m.Range(func(k, v any) bool {
		keys = append(keys, k.(string))
		vals[k.(string)] = v
		return true
	})
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = vals[k]
	}
	return out
}

// Render writes all metrics in Prometheus text format.
func (r *Registry) Render() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP hearthbot_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE hearthbot_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "hearthbot_uptime_seconds %d\n\n", int64(r.Uptime().Seconds()))

	helpWritten := make(map[string]bool)
	for _, v := range sortedValues(&r.counters) {
		c := v.(*Counter)
		if !helpWritten[c.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name)
			helpWritten[c.name] = true
		}
		writeSample(&sb, c.name, c.labels, fmt.Sprint(c.Value()))
	}

	helpWritten = make(map[string]bool)
	for _, v := range sortedValues(&r.gauges) {
		g := v.(*Gauge)
		if !helpWritten[g.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s gauge\n", g.name, g.help, g.name)
			helpWritten[g.name] = true
		}
		writeSample(&sb, g.name, g.labels, fmt.Sprint(g.Value()))
	}

	for _, v := range sortedValues(&r.histograms) {
		h := v.(*Histogram)
		h.mu.Lock()
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			labels := `le="` + le + `"`
			if h.labels != "" {
				labels = h.labels + "," + labels
			}
			writeSample(&sb, h.name+"_bucket", labels, fmt.Sprint(b.count))
		}
		writeSample(&sb, h.name+"_count", h.labels, fmt.Sprint(h.count))
		writeSample(&sb, h.name+"_sum", h.labels, fmt.Sprintf("%f", h.sum))
		h.mu.Unlock()
	}

	return sb.String()
}

func writeSample(sb *strings.Builder, name, labels, value string) {
	if labels != "" {
		fmt.Fprintf(sb, "%s{%s} %s\n", name, labels, value)
		return
	}
	fmt.Fprintf(sb, "%s %s\n", name, value)
}

// Handler serves Render over HTTP.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, r.Render())
	}
}

// Metrics holds the instruments the orchestration layer records.
type Metrics struct {
	Registry *Registry

	UpdatesReceived *Counter
	BatchesFlushed  *Counter
	TurnsTotal      *Counter
	TurnFailures    *Counter
	ChunksSent      *Counter
	ChunkFailures   *Counter
	LLMRequests     *Counter
	ToolExecutions  *Counter
	SecurityBlocks  *Counter
	PendingConfirms *Gauge
	WebConnections  *Gauge

	TurnLatency *Histogram
	LLMLatency  *Histogram
}

// New creates a registry and its pre-defined instruments.
func New() *Metrics {
	r := NewRegistry()
	return &Metrics{
		Registry:        r,
		UpdatesReceived: r.Counter("hearthbot_updates_received_total", "Inbound updates accepted by the batcher", ""),
		BatchesFlushed:  r.Counter("hearthbot_batches_flushed_total", "Batches handed to the orchestrator", ""),
		TurnsTotal:      r.Counter("hearthbot_turns_total", "Turns processed", ""),
		TurnFailures:    r.Counter("hearthbot_turn_failures_total", "Turns that ended in an error", ""),
		ChunksSent:      r.Counter("hearthbot_chunks_sent_total", "Reply chunks delivered", ""),
		ChunkFailures:   r.Counter("hearthbot_chunk_failures_total", "Reply chunks that failed to send", ""),
		LLMRequests:     r.Counter("hearthbot_llm_requests_total", "LLM requests", ""),
		ToolExecutions:  r.Counter("hearthbot_tool_executions_total", "Tool executions", ""),
		SecurityBlocks:  r.Counter("hearthbot_security_blocks_total", "Tool calls blocked by policy", ""),
		PendingConfirms: r.Gauge("hearthbot_pending_confirmations", "Confirmations awaiting a decision", ""),
		WebConnections:  r.Gauge("hearthbot_web_connections", "Open web chat connections", ""),
		TurnLatency: r.Histogram("hearthbot_turn_latency_seconds", "Time from batch flush to reply", "",
			[]float64{0.5, 1, 2, 5, 10, 30, 60, 300, 900}),
		LLMLatency: r.Histogram("hearthbot_llm_latency_seconds", "LLM request latency in seconds", "",
			[]float64{0.5, 1, 2, 5, 10, 30, 60, 120}),
	}
}

// ConfirmationsResolved counts terminal confirmation outcomes by resolution.
func (m *Metrics) ConfirmationsResolved(resolution string) *Counter {
	return m.Registry.Counter("hearthbot_confirmations_total", "Confirmations by resolution",
		`resolution="`+resolution+`"`)
}

// Handler serves the registry.
func (m *Metrics) Handler() http.HandlerFunc {
	return m.Registry.Handler()
}
