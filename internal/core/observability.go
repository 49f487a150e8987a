package core

import (
	"context"
	"log/slog"
	"time"
)

// MetricsRecorder receives one observation per service operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer opens a span around each service operation.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is closed with the operation's error, nil on success.
type TraceSpan interface {
	End(err error)
}

// AuditStatus is the outcome recorded on an AuditEntry.
type AuditStatus string

// Audit outcomes.
const (
	AuditSuccess AuditStatus = "success"
	AuditError   AuditStatus = "error"
)

// AuditEntry describes one mutating service call.
type AuditEntry struct {
	Operation     string        `json:"operation"`
	Status        AuditStatus   `json:"status"`
	EntityID      string        `json:"entity_id,omitempty"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
	RecordedAt    time.Time     `json:"recorded_at"`
}

// AuditRecorder receives an entry for every mutating service call.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// MultiMetrics fans each observation out to every recorder.
func MultiMetrics(recs ...MetricsRecorder) MetricsRecorder {
	out := make(multiMetrics, 0, len(recs))
	for _, r := range recs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type multiMetrics []MetricsRecorder

func (m multiMetrics) Observe(ctx context.Context, operation string, success bool, duration time.Duration) {
	for _, r := range m {
		r.Observe(ctx, operation, success, duration)
	}
}

// expvarRecorder finds the expvar recorder behind rec, if any.
func expvarRecorder(rec MetricsRecorder) (*ExpvarMetricsRecorder, bool) {
	switch r := rec.(type) {
	case *ExpvarMetricsRecorder:
		return r, true
	case multiMetrics:
		for _, inner := range r {
			if found, ok := expvarRecorder(inner); ok {
				return found, true
			}
		}
	}
	return nil, false
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

// LogAuditRecorder writes audit entries to a structured logger.
type LogAuditRecorder struct {
	logger *slog.Logger
}

// NewLogAuditRecorder returns a recorder logging at info (success) or warn
// (error) level.
func NewLogAuditRecorder(logger *slog.Logger) *LogAuditRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAuditRecorder{logger: logger.With(slog.String("component", "audit"))}
}

// Record implements AuditRecorder.
func (r *LogAuditRecorder) Record(ctx context.Context, entry AuditEntry) {
	level := slog.LevelInfo
	if entry.Status == AuditError {
		level = slog.LevelWarn
	}
	r.logger.LogAttrs(ctx, level, "service operation",
		slog.String("operation", entry.Operation),
		slog.String("status", string(entry.Status)),
		slog.String("entity_id", entry.EntityID),
		slog.String("transaction_id", entry.TransactionID),
		slog.Duration("duration", entry.Duration),
		slog.String("error", entry.Error),
	)
}
