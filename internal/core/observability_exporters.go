package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq atomic.Uint64

// ExpvarMetricsRecorder publishes per-operation duration totals (ms) and
// success/error counters under one expvar name.
type ExpvarMetricsRecorder struct {
	name      string
	mu        sync.Mutex
	durations map[string]float64
	results   map[string]map[string]int64
}

// ExpvarMetricsSnapshot is a read-only copy of the recorded metrics.
type ExpvarMetricsSnapshot struct {
	DurationsMS map[string]float64          `json:"durations_ms_total"`
	Results     map[string]map[string]int64 `json:"results_total"`
	RecordedAt  time.Time                   `json:"recorded_at"`
}

// NewExpvarMetricsRecorder publishes a recorder under name. An empty name,
// or one already taken in this process, gets a generated unique suffix.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" || expvar.Get(name) != nil {
		base := name
		if base == "" {
			base = "sfmgraph_operations"
		}
		name = fmt.Sprintf("%s_%d", base, expvarSeq.Add(1))
	}
	rec := &ExpvarMetricsRecorder{
		name:      name,
		durations: make(map[string]float64),
		results:   make(map[string]map[string]int64),
	}
	expvar.Publish(name, expvar.Func(func() any { return rec.Snapshot() }))
	return rec
}

// Name returns the expvar export name.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Snapshot returns a copy of the aggregated metrics.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	results := make(map[string]map[string]int64, len(r.results))
	for op, counts := range r.results {
		results[op] = maps.Clone(counts)
	}
	return ExpvarMetricsSnapshot{
		DurationsMS: maps.Clone(r.durations),
		Results:     results,
		RecordedAt:  time.Now().UTC(),
	}
}

// Observe implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations[operation] += float64(duration) / float64(time.Millisecond)
	if r.results[operation] == nil {
		r.results[operation] = make(map[string]int64, 2)
	}
	r.results[operation][status]++
}

// JSONTraceEntry is one finished span.
type JSONTraceEntry struct {
	Operation     string    `json:"operation"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Status        string    `json:"status"`
	DurationMS    float64   `json:"duration_ms"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
}

// JSONTraceTracer writes finished spans as JSON lines and keeps the most
// recent ones for inspection.
type JSONTraceTracer struct {
	mu      sync.Mutex
	entries []JSONTraceEntry
	limit   int
	enc     *json.Encoder
}

// NewJSONTracer returns a tracer writing to w (nil keeps spans in memory
// only). At most limit spans are retained; limit <= 0 keeps 1000.
func NewJSONTracer(w io.Writer, limit int) *JSONTraceTracer {
	if limit <= 0 {
		limit = 1000
	}
	t := &JSONTraceTracer{limit: limit}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Entries returns a copy of the retained spans, oldest first.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]JSONTraceEntry(nil), t.entries...)
}

// Start implements Tracer.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonTraceSpan{tracer: t, ctx: ctx, operation: operation, started: time.Now().UTC()}
}

type jsonTraceSpan struct {
	tracer    *JSONTraceTracer
	ctx       context.Context
	operation string
	started   time.Time
}

func (s *jsonTraceSpan) End(err error) {
	ended := time.Now().UTC()
	entry := JSONTraceEntry{
		Operation:  s.operation,
		Status:     "success",
		DurationMS: float64(ended.Sub(s.started)) / float64(time.Millisecond),
		StartedAt:  s.started,
		EndedAt:    ended,
	}
	entry.TransactionID = transactionIDFrom(s.ctx)
	if err != nil {
		entry.Status = "error"
		entry.Error = err.Error()
	}
	t := s.tracer
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry)
	if over := len(t.entries) - t.limit; over > 0 {
		t.entries = append(t.entries[:0:0], t.entries[over:]...)
	}
	if t.enc != nil {
		_ = t.enc.Encode(entry)
	}
}
