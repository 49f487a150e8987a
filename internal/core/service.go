package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sfmgraph/internal/infra/persistence/memory"
	"sfmgraph/internal/integrity"
	"sfmgraph/internal/lock"
	"sfmgraph/internal/logging"
	"sfmgraph/internal/txn"
)

// Service coordinates graph mutations with entity locks, transactions and
// the integrity validator. Every mutating method runs inside exactly one
// transaction; locks are taken automatically and held until it closes.
type Service struct {
	store       GraphStore
	locks       *lock.Manager
	txns        *txn.Manager
	undo        *txn.Handlers
	validator   *integrity.Validator
	lockTimeout time.Duration
	historyCap  int
	historyKeep int
	rules       []Rule

	snapshots SnapshotStore
	persist   bool
	backend   string
	codec     ArchiveCodec

	logger  *slog.Logger
	log     *slog.Logger
	metrics MetricsRecorder
	tracer  Tracer
	audit   AuditRecorder

	persistMu sync.Mutex
	lastOp    atomic.Pointer[AuditEntry]

	// gate is read-held by every open top-level transaction and write-held
	// while the whole graph is replaced.
	gate sync.RWMutex
}

// Option customises a Service.
type Option func(*Service)

// WithStore sets the graph store. The default is an empty in-memory store.
func WithStore(store GraphStore) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}

// WithLockTimeout bounds every lock acquisition made by the service.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithTransactionHistory bounds the closed-transaction history.
func WithTransactionHistory(capacity, keep int) Option {
	return func(s *Service) {
		s.historyCap = capacity
		s.historyKeep = keep
	}
}

// WithLogger sets the root logger; each subsystem derives a component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRecorder installs a metrics recorder.
func WithMetricsRecorder(rec MetricsRecorder) Option {
	return func(s *Service) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// WithAdditionalMetrics adds rec alongside the recorder already configured.
func WithAdditionalMetrics(rec MetricsRecorder) Option {
	return func(s *Service) {
		if rec == nil {
			return
		}
		if _, noop := s.metrics.(noopMetrics); noop {
			s.metrics = rec
			return
		}
		s.metrics = MultiMetrics(s.metrics, rec)
	}
}

// WithTracer installs a tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithAuditRecorder installs an audit recorder.
func WithAuditRecorder(rec AuditRecorder) Option {
	return func(s *Service) {
		if rec != nil {
			s.audit = rec
		}
	}
}

// WithSnapshotStore attaches a snapshot store. When persistOnCommit is set the
// graph is saved after every committed top-level transaction.
func WithSnapshotStore(store SnapshotStore, persistOnCommit bool) Option {
	return func(s *Service) {
		s.snapshots = store
		s.persist = persistOnCommit && store != nil
	}
}

// WithBackendName labels the snapshot backend reported by Status.
func WithBackendName(name string) Option {
	return func(s *Service) {
		if name != "" {
			s.backend = name
		}
	}
}

// WithArchiveCodec sets the codec used by ArchiveSnapshot.
func WithArchiveCodec(codec ArchiveCodec) Option {
	return func(s *Service) {
		s.codec = codec
	}
}

// WithRules registers additional rules evaluated by ValidateGraph.
func WithRules(rules ...Rule) Option {
	return func(s *Service) {
		s.rules = append(s.rules, rules...)
	}
}

// NewService wires a lock manager, transaction manager and validator around
// the configured store.
func NewService(opts ...Option) *Service {
	s := &Service{
		lockTimeout: lock.DefaultTimeout,
		historyCap:  txn.DefaultHistoryCap,
		historyKeep: txn.DefaultHistoryKeep,
		backend:     "memory",
		codec:       DefaultArchiveCodec(),
		logger:      logging.Discard(),
		metrics:     noopMetrics{},
		tracer:      noopTracer{},
		audit:       noopAudit{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = memory.NewStore()
	}
	s.log = logging.Component(s.logger, "core")
	s.locks = lock.NewManager(
		lock.WithDefaultTimeout(s.lockTimeout),
		lock.WithLogger(s.logger),
	)
	s.undo = txn.NewHandlers()
	s.registerUndoHandlers()
	s.txns = txn.NewManager(
		txn.WithDispatcher(s.undo),
		txn.WithHistoryLimits(s.historyCap, s.historyKeep),
		txn.WithLogger(s.logger),
	)
	s.validator = integrity.NewValidator(s.store,
		integrity.WithRemover(s.removeOrphan),
		integrity.WithRules(s.rules...),
		integrity.WithLogger(s.logger),
	)
	return s
}

// Store returns the underlying graph store.
func (s *Service) Store() GraphStore { return s.store }

// Transaction runs fn as one unit of work. Locks taken by service calls made
// with the context passed to fn are held until the transaction closes. A
// nested call joins the enclosing transaction.
func (s *Service) Transaction(ctx context.Context, metadata map[string]any, fn func(ctx context.Context) error) error {
	if !txn.IsActive(ctx) {
		s.gate.RLock()
		defer s.gate.RUnlock()
	}
	return s.txns.Run(ctx, metadata, func(ctx context.Context) error {
		return fn(s.withLockSet(ctx))
	})
}

// withLockSet attaches the transaction's lock set to ctx, creating it on
// first use. Close hooks run LIFO: persistence first, then lock release.
func (s *Service) withLockSet(ctx context.Context) context.Context {
	tx, ok := txn.FromContext(ctx)
	if !ok {
		return ctx
	}
	if set, ok := lock.SetFromContext(ctx); ok && set.Owner() == tx.ID() {
		return ctx
	}
	set := s.locks.NewSet(tx.ID(), s.lockTimeout)
	tx.OnClose(func(*txn.Transaction) { set.ReleaseAll() })
	if s.persist {
		tx.OnClose(s.persistCommitted)
	}
	return lock.ContextWithSet(ctx, set)
}

func (s *Service) persistCommitted(tx *txn.Transaction) {
	if tx.Status() != txn.StatusCommitted {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.snapshots.Save(context.Background(), s.store.ExportState()); err != nil {
		s.log.Error("persist snapshot after commit failed",
			slog.String("transaction_id", tx.ID()),
			slog.Any("error", err))
	}
}

// lockEntities takes every request through the transaction's lock set.
func (s *Service) lockEntities(ctx context.Context, reqs ...lock.Request) error {
	set, ok := lock.SetFromContext(ctx)
	if !ok {
		return errors.New("lock entities: no transaction lock set on context")
	}
	if len(reqs) == 1 {
		return set.Acquire(ctx, reqs[0].EntityID, reqs[0].Type)
	}
	return set.AcquireAll(ctx, reqs)
}

// mutate runs fn in a transaction and records the outcome of the call. fn
// returns the ID of the entity it touched.
func (s *Service) mutate(ctx context.Context, op string, fn func(ctx context.Context) (string, error)) error {
	start := time.Now()
	var entityID, txID string
	err := s.Transaction(ctx, map[string]any{"operation": op}, func(ctx context.Context) error {
		txID, _ = txn.CurrentID(ctx)
		spanCtx, span := s.tracer.Start(ctx, op)
		var err error
		entityID, err = fn(spanCtx)
		span.End(err)
		return err
	})
	s.observe(ctx, op, entityID, txID, start, err)
	return err
}

// read runs fn under a READ lock on id. Inside a transaction the lock joins
// the transaction's set; otherwise it is released when fn returns.
func (s *Service) read(ctx context.Context, op, id string, fn func() error) error {
	start := time.Now()
	txID, _ := txn.CurrentID(ctx)
	var err error
	if set, ok := lock.SetFromContext(ctx); ok && txn.IsActive(ctx) && set.Owner() == txID {
		if err = set.Acquire(ctx, id, lock.Read); err == nil {
			err = fn()
		}
	} else {
		err = s.locks.With(ctx, id, lock.Read, s.lockTimeout, func(context.Context) error { return fn() })
	}
	s.metrics.Observe(ctx, op, err == nil, time.Since(start))
	return err
}

func (s *Service) observe(ctx context.Context, op, entityID, txID string, start time.Time, err error) {
	duration := time.Since(start)
	s.metrics.Observe(ctx, op, err == nil, duration)
	entry := AuditEntry{
		Operation:     op,
		Status:        AuditSuccess,
		EntityID:      entityID,
		TransactionID: txID,
		Duration:      duration,
		RecordedAt:    time.Now().UTC(),
	}
	if err != nil {
		entry.Status = AuditError
		entry.Error = err.Error()
	}
	s.lastOp.Store(&entry)
	s.audit.Record(ctx, entry)
}

func transactionIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := txn.CurrentID(ctx)
	return id
}

// Lock runs fn while holding a lock of type t on entityID. The lock joins the
// transaction carried by ctx, or a transaction opened for the call, so service
// mutations made by fn reuse it and it is released when that transaction
// closes. A non-positive timeout uses the service default.
func (s *Service) Lock(ctx context.Context, entityID string, t lock.Type, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		timeout = s.lockTimeout
	}
	return s.Transaction(ctx, map[string]any{"operation": "lock", "entity_id": entityID}, func(ctx context.Context) error {
		set, ok := lock.SetFromContext(ctx)
		if !ok {
			return errors.New("lock: no transaction lock set on context")
		}
		if err := set.AcquireWithin(ctx, entityID, t, timeout); err != nil {
			return err
		}
		return fn(ctx)
	})
}

// LockInfo reports the active locks on entityID.
func (s *Service) LockInfo(entityID string) lock.EntityInfo { return s.locks.Info(entityID) }

// LockStats reports lock manager counters.
func (s *Service) LockStats() lock.Stats { return s.locks.Stats() }

// ForceReleaseAll drops every lock on entityID, or on every entity when
// entityID is empty. Intended for operator recovery only.
func (s *Service) ForceReleaseAll(entityID string) int { return s.locks.ForceReleaseAll(entityID) }

// AddOperation records a caller-defined operation on the transaction carried
// by ctx. rollback names an action registered with RegisterUndo.
func (s *Service) AddOperation(ctx context.Context, opType string, data map[string]any, rollback *txn.Command) (string, bool) {
	return s.txns.AddOperation(ctx, opType, data, rollback)
}

// RegisterUndo adds a caller-defined undo action. Built-in actions cannot be
// replaced.
func (s *Service) RegisterUndo(action string, fn txn.HandlerFunc) error {
	for _, builtin := range builtinUndoActions {
		if action == builtin {
			return fmt.Errorf("register undo %q: action is reserved", action)
		}
	}
	s.undo.Register(action, fn)
	return nil
}

// TransactionStats summarises retained and open transactions.
func (s *Service) TransactionStats() txn.Stats { return s.txns.Stats() }

// TransactionHistory returns closed transactions, oldest first.
func (s *Service) TransactionHistory() []*txn.Transaction { return s.txns.History() }

// Close closes the snapshot store, if any.
func (s *Service) Close() error {
	if s.snapshots == nil {
		return nil
	}
	return s.snapshots.Close()
}

type counter interface {
	Counts() (nodes, relationships int)
}

func (s *Service) counts() (int, int) {
	if c, ok := s.store.(counter); ok {
		return c.Counts()
	}
	return len(s.store.ListNodes("")), len(s.store.ListRelationships(""))
}
