package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"sfmgraph/internal/logging"
)

// History limits applied when no option overrides them.
const (
	DefaultHistoryCap  = 1000
	DefaultHistoryKeep = 500
)

// ErrAborted is recorded on a transaction whose unit of work exited without
// returning, for example through runtime.Goexit.
var ErrAborted = errors.New("transaction aborted")

// Stats summarises closed transactions held in history plus the open ones.
type Stats struct {
	Total               int           `json:"total_transactions"`
	Committed           int           `json:"committed_transactions"`
	RolledBack          int           `json:"rolled_back_transactions"`
	Active              int           `json:"active_transactions"`
	IncompleteRollbacks int           `json:"incomplete_rollbacks"`
	AverageDuration     time.Duration `json:"average_duration"`
}

// Manager opens, commits, and rolls back transactions. It is safe for
// concurrent use by independent callers; each caller's transaction lives on
// its own context.
type Manager struct {
	mu          sync.Mutex
	active      map[string]*Transaction
	history     []*Transaction
	historyCap  int
	historyKeep int
	dispatcher  Dispatcher
	logger      *slog.Logger
	nowFn       func() time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithDispatcher sets the dispatcher used to execute undo commands.
func WithDispatcher(d Dispatcher) Option {
	return func(m *Manager) {
		if d != nil {
			m.dispatcher = d
		}
	}
}

// WithLogger sets the logger used for transaction lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logging.Component(logger, "txn")
	}
}

// WithHistoryLimits bounds the closed-transaction history: once more than
// capacity entries accumulate, only the most recent keep are retained.
func WithHistoryLimits(capacity, keep int) Option {
	return func(m *Manager) {
		if capacity > 0 {
			m.historyCap = capacity
		}
		if keep > 0 {
			m.historyKeep = keep
		}
		if m.historyKeep > m.historyCap {
			m.historyKeep = m.historyCap
		}
	}
}

// WithClock overrides the time provider.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.nowFn = now
		}
	}
}

// NewManager constructs a transaction manager. Without WithDispatcher undo
// commands are dispatched to an empty Handlers registry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		active:      make(map[string]*Transaction),
		historyCap:  DefaultHistoryCap,
		historyKeep: DefaultHistoryKeep,
		dispatcher:  NewHandlers(),
		logger:      logging.Component(nil, "txn"),
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run executes fn as one unit of work. fn receives a context carrying the
// transaction. A nil return commits; an error or panic rolls back and the
// original error is returned (or the panic re-raised) unchanged. A unit of
// work that exits through runtime.Goexit is rolled back with ErrAborted. When ctx
// already carries an active transaction fn joins it instead of opening a new one.
func (m *Manager) Run(ctx context.Context, metadata map[string]any, fn func(ctx context.Context) error) (err error) {
	if IsActive(ctx) {
		return fn(ctx)
	}
	txCtx, tx := m.Begin(ctx, metadata)
	finished := false
	defer func() {
		if finished {
			return
		}
		r := recover()
		cause := ErrAborted
		if r != nil {
			cause = fmt.Errorf("panic in transaction: %v", r)
		}
		_ = m.End(txCtx, tx, cause)
		if r != nil {
			panic(r)
		}
	}()
	err = fn(txCtx)
	finished = true
	return m.End(txCtx, tx, err)
}

// Begin opens a transaction and returns a context carrying it. Callers must
// pass the transaction to End exactly once.
func (m *Manager) Begin(ctx context.Context, metadata map[string]any) (context.Context, *Transaction) {
	tx := &Transaction{
		id:       uuid.NewString(),
		metadata: maps.Clone(metadata),
		status:   StatusPending,
	}
	m.mu.Lock()
	tx.status = StatusActive
	tx.startedAt = m.nowFn()
	m.active[tx.id] = tx
	m.mu.Unlock()
	m.logger.Info("transaction started", slog.String("transaction_id", tx.id))
	return ContextWithTransaction(ctx, tx), tx
}

// End commits tx when cause is nil and rolls it back otherwise, then runs
// close hooks and moves tx into history. It returns cause unchanged.
func (m *Manager) End(ctx context.Context, tx *Transaction, cause error) error {
	tx.mu.Lock()
	if tx.closed {
		tx.mu.Unlock()
		return cause
	}
	tx.closed = true
	tx.mu.Unlock()

	if cause == nil {
		m.Commit(tx)
	} else {
		tx.mu.Lock()
		tx.err = cause
		tx.mu.Unlock()
		_ = m.Rollback(ctx, tx)
	}

	tx.mu.Lock()
	tx.endedAt = m.nowFn()
	hooks := tx.onClose
	tx.onClose = nil
	tx.mu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i](tx)
	}

	m.mu.Lock()
	delete(m.active, tx.id)
	m.history = append(m.history, tx)
	if len(m.history) > m.historyCap {
		trimmed := make([]*Transaction, m.historyKeep)
		copy(trimmed, m.history[len(m.history)-m.historyKeep:])
		m.history = trimmed
	}
	m.mu.Unlock()
	return cause
}

// AddOperation appends an operation to the active transaction carried by ctx
// and returns its ID. Outside a transaction it records nothing and returns false.
func (m *Manager) AddOperation(ctx context.Context, opType string, data map[string]any, rollback *Command) (string, bool) {
	tx, ok := FromContext(ctx)
	if !ok {
		return "", false
	}
	op := Operation{
		ID:        uuid.NewString(),
		Type:      opType,
		Data:      data,
		Rollback:  rollback,
		Timestamp: m.nowFn(),
	}
	if !tx.append(op) {
		m.logger.Warn("operation rejected by closed transaction",
			slog.String("transaction_id", tx.id),
			slog.String("operation_type", opType))
		return "", false
	}
	m.logger.Debug("operation recorded",
		slog.String("transaction_id", tx.id),
		slog.String("operation_id", op.ID),
		slog.String("operation_type", opType))
	return op.ID, true
}

// Commit marks tx committed and freezes its operations. There is no second phase.
func (m *Manager) Commit(tx *Transaction) {
	tx.mu.Lock()
	tx.status = StatusCommitted
	tx.frozen = true
	count := len(tx.ops)
	tx.mu.Unlock()
	m.logger.Info("transaction committed",
		slog.String("transaction_id", tx.id),
		slog.Int("operations", count))
}

// Rollback marks tx rolled back and dispatches undo commands in reverse
// registration order. A failing command is logged and the remaining commands
// still run; the failures are returned as a *RollbackFailure and joined into
// tx.Err().
func (m *Manager) Rollback(ctx context.Context, tx *Transaction) error {
	tx.mu.Lock()
	tx.status = StatusRolledBack
	tx.frozen = true
	ops := make([]Operation, len(tx.ops))
	copy(ops, tx.ops)
	cause := tx.err
	tx.mu.Unlock()

	m.logger.Error("rolling back transaction",
		slog.String("transaction_id", tx.id),
		slog.Int("operations", len(ops)),
		slog.Any("cause", cause))

	undoCtx := context.WithoutCancel(ctx)
	var failure *RollbackFailure
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if op.Rollback == nil {
			m.logger.Warn("no rollback command for operation",
				slog.String("transaction_id", tx.id),
				slog.String("operation_id", op.ID),
				slog.String("operation_type", op.Type))
			continue
		}
		if err := m.dispatch(undoCtx, *op.Rollback); err != nil {
			m.logger.Error("undo command failed",
				slog.String("transaction_id", tx.id),
				slog.String("operation_id", op.ID),
				slog.String("action", op.Rollback.Action),
				slog.Any("error", err))
			if failure == nil {
				failure = &RollbackFailure{TransactionID: tx.id}
			}
			failure.Failures = append(failure.Failures, UndoFailure{OperationID: op.ID, Action: op.Rollback.Action, Err: err})
		}
	}
	if failure == nil {
		return nil
	}
	tx.mu.Lock()
	if tx.err == nil {
		tx.err = failure
	} else {
		tx.err = errors.Join(tx.err, failure)
	}
	tx.mu.Unlock()
	return failure
}

func (m *Manager) dispatch(ctx context.Context, cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("undo %q panicked: %v", cmd.Action, r)
		}
	}()
	return m.dispatcher.Dispatch(ctx, cmd)
}

// Active returns the number of open transactions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// History returns closed transactions, oldest first.
func (m *Manager) History() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Transaction, len(m.history))
	copy(out, m.history)
	return out
}

// Stats derives counters from the retained history.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	history := make([]*Transaction, len(m.history))
	copy(history, m.history)
	active := len(m.active)
	m.mu.Unlock()

	stats := Stats{Total: len(history) + active, Active: active}
	var total time.Duration
	for _, tx := range history {
		switch tx.Status() {
		case StatusCommitted:
			stats.Committed++
		case StatusRolledBack:
			stats.RolledBack++
		}
		if IncompleteRollback(tx.Err()) {
			stats.IncompleteRollbacks++
		}
		total += tx.Duration()
	}
	if len(history) > 0 {
		stats.AverageDuration = total / time.Duration(len(history))
	}
	return stats
}
