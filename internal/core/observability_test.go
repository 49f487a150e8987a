package core_test

import (
	"bytes"
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sfmgraph/internal/core"
	"sfmgraph/internal/logging"
	"sfmgraph/pkg/domain"
)

type auditLog struct {
	mu      sync.Mutex
	entries []core.AuditEntry
}

func (a *auditLog) Record(_ context.Context, e core.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func TestAuditAndTraceCaptureEveryMutation(t *testing.T) {
	audit := &auditLog{}
	var traceOut bytes.Buffer
	tracer := core.NewJSONTracer(&traceOut, 10)
	svc := core.NewService(core.WithAuditRecorder(audit), core.WithTracer(tracer))
	ctx := context.Background()

	actor, err := svc.CreateActor(ctx, core.Node{Label: "a"})
	require.NoError(t, err)
	_, err = svc.Connect(ctx, actor.ID, "missing", domain.KindAffects, 1, nil)
	require.Error(t, err)

	require.Len(t, audit.entries, 2)
	assert.Equal(t, "create_actor", audit.entries[0].Operation)
	assert.Equal(t, core.AuditSuccess, audit.entries[0].Status)
	assert.Equal(t, actor.ID, audit.entries[0].EntityID)
	assert.NotEmpty(t, audit.entries[0].TransactionID)
	assert.Equal(t, core.AuditError, audit.entries[1].Status)
	assert.Contains(t, audit.entries[1].Error, "missing")

	spans := tracer.Entries()
	require.Len(t, spans, 2)
	assert.Equal(t, audit.entries[0].TransactionID, spans[0].TransactionID)
	assert.Equal(t, "error", spans[1].Status)

	lines := strings.Split(strings.TrimSpace(traceOut.String()), "\n")
	require.Len(t, lines, 2)
	var decoded core.JSONTraceEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
	assert.Equal(t, "create_actor", decoded.Operation)
}

func TestJSONTracerKeepsMostRecentSpans(t *testing.T) {
	tracer := core.NewJSONTracer(nil, 2)
	for _, op := range []string{"one", "two", "three"} {
		_, span := tracer.Start(context.Background(), op)
		span.End(nil)
	}
	spans := tracer.Entries()
	require.Len(t, spans, 2)
	assert.Equal(t, "two", spans[0].Operation)
	assert.Equal(t, "three", spans[1].Operation)
}

func TestLogAuditRecorderWritesStructuredEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWriter(&buf, logging.FormatJSON, slog.LevelDebug)
	svc := core.NewService(core.WithAuditRecorder(core.NewLogAuditRecorder(logger)))
	_, err := svc.CreatePolicy(context.Background(), core.Node{Label: "p"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"component":"audit"`)
	assert.Contains(t, buf.String(), `"operation":"create_policy"`)
}

func TestExpvarRecorderNamesAreUnique(t *testing.T) {
	first := core.NewExpvarMetricsRecorder("sfmgraph_test_ops")
	second := core.NewExpvarMetricsRecorder("sfmgraph_test_ops")
	assert.NotEqual(t, first.Name(), second.Name())
	require.NotNil(t, expvar.Get(first.Name()))
	require.NotNil(t, expvar.Get(second.Name()))

	first.Observe(context.Background(), "create_node", false, 0)
	snap := first.Snapshot()
	assert.Equal(t, int64(1), snap.Results["create_node"]["error"])
	assert.Contains(t, expvar.Get(first.Name()).String(), "create_node")
}

func TestPrometheusCollectorExportsServiceState(t *testing.T) {
	svc := core.NewService()
	ctx := context.Background()
	a, err := svc.CreateActor(ctx, core.Node{Label: "a"})
	require.NoError(t, err)
	b, err := svc.CreateInstitution(ctx, core.Node{Label: "b"})
	require.NoError(t, err)
	_, err = svc.Connect(ctx, a.ID, b.ID, domain.KindGoverns, 1, nil)
	require.NoError(t, err)

	collector := core.NewPrometheusCollector(svc)
	expected := `
# HELP sfmgraph_nodes Nodes in the graph.
# TYPE sfmgraph_nodes gauge
sfmgraph_nodes 2
# HELP sfmgraph_relationships Relationships in the graph.
# TYPE sfmgraph_relationships gauge
sfmgraph_relationships 1
# HELP sfmgraph_transactions_retained Closed transactions in history by outcome.
# TYPE sfmgraph_transactions_retained gauge
sfmgraph_transactions_retained{status="committed"} 3
sfmgraph_transactions_retained{status="rolled_back"} 0
# HELP sfmgraph_locks_active Locks currently held.
# TYPE sfmgraph_locks_active gauge
sfmgraph_locks_active 0
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"sfmgraph_nodes", "sfmgraph_relationships", "sfmgraph_transactions_retained", "sfmgraph_locks_active"))
	assert.Equal(t, 14, testutil.CollectAndCount(collector))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(collector))
}

func TestPrometheusRecorderObservesOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := core.NewPrometheusRecorder(reg)
	require.NoError(t, err)
	_, err = core.NewPrometheusRecorder(reg)
	require.Error(t, err)

	svc := core.NewService(core.WithMetricsRecorder(rec))
	ctx := context.Background()
	n, err := svc.CreateActor(ctx, core.Node{Label: "a"})
	require.NoError(t, err)
	_, err = svc.GetNode(ctx, n.ID)
	require.NoError(t, err)
	_, err = svc.GetNode(ctx, "missing")
	require.Error(t, err)

	count, err := testutil.GatherAndCount(reg, "sfmgraph_operation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
