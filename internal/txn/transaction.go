// Package txn provides context-scoped units of work with best-effort rollback.
//
// A transaction is carried on the context handed to the unit of work. Each
// mutation registers an Operation with an optional undo Command; on failure
// the commands are dispatched in reverse registration order.
package txn

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

// Status is the lifecycle state of a transaction.
type Status string

// Transaction states. The manager never assigns StatusFailed: a transaction
// whose undo commands fail still ends rolled_back, with Err recording a
// *RollbackFailure.
const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
	StatusFailed     Status = "failed"
)

// Command is a serialisable undo instruction interpreted by a Dispatcher.
type Command struct {
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Operation records one mutation performed inside a transaction.
type Operation struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Rollback  *Command       `json:"rollback,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func cloneOperation(op Operation) Operation {
	cp := op
	cp.Data = maps.Clone(op.Data)
	if op.Rollback != nil {
		cmd := *op.Rollback
		cmd.Payload = maps.Clone(op.Rollback.Payload)
		cp.Rollback = &cmd
	}
	return cp
}

// Transaction is a unit of work owned by a Manager while open. All accessors
// are safe for concurrent use.
type Transaction struct {
	id       string
	metadata map[string]any

	mu        sync.Mutex
	status    Status
	startedAt time.Time
	endedAt   time.Time
	ops       []Operation
	err       error
	frozen    bool
	closed    bool
	onClose   []func(*Transaction)
}

// ID returns the transaction identifier.
func (tx *Transaction) ID() string { return tx.id }

// Metadata returns a copy of the metadata supplied at begin.
func (tx *Transaction) Metadata() map[string]any { return maps.Clone(tx.metadata) }

// Status returns the current lifecycle state.
func (tx *Transaction) Status() Status {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

// StartedAt returns the time the transaction became active.
func (tx *Transaction) StartedAt() time.Time {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.startedAt
}

// EndedAt returns the close time, or the zero time while open.
func (tx *Transaction) EndedAt() time.Time {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.endedAt
}

// Duration returns the elapsed time between start and close.
func (tx *Transaction) Duration() time.Duration {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.endedAt.IsZero() {
		return 0
	}
	return tx.endedAt.Sub(tx.startedAt)
}

// Err returns the failure that caused rollback, joined with a
// *RollbackFailure when some undo commands failed.
func (tx *Transaction) Err() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.err
}

// Operations returns a copy of the registered operations in registration order.
func (tx *Transaction) Operations() []Operation {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]Operation, len(tx.ops))
	for i, op := range tx.ops {
		out[i] = cloneOperation(op)
	}
	return out
}

// OnClose registers fn to run after commit or rollback. Hooks run in reverse
// registration order.
func (tx *Transaction) OnClose(fn func(*Transaction)) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.onClose = append(tx.onClose, fn)
}

func (tx *Transaction) append(op Operation) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.frozen || tx.status != StatusActive {
		return false
	}
	tx.ops = append(tx.ops, cloneOperation(op))
	return true
}

type txKey struct{}

// ContextWithTransaction returns a context carrying tx.
func ContextWithTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// FromContext returns the transaction carried by ctx, whatever its status.
func FromContext(ctx context.Context) (*Transaction, bool) {
	tx, ok := ctx.Value(txKey{}).(*Transaction)
	return tx, ok && tx != nil
}

// CurrentID returns the ID of the active transaction carried by ctx.
func CurrentID(ctx context.Context) (string, bool) {
	tx, ok := FromContext(ctx)
	if !ok || tx.Status() != StatusActive {
		return "", false
	}
	return tx.id, true
}

// IsActive reports whether ctx carries an active transaction.
func IsActive(ctx context.Context) bool {
	_, ok := CurrentID(ctx)
	return ok
}

// UndoFailure describes one undo command that failed during rollback.
type UndoFailure struct {
	OperationID string
	Action      string
	Err         error
}

// RollbackFailure reports that rollback was incomplete. Remaining commands
// were still dispatched after each failure.
type RollbackFailure struct {
	TransactionID string
	Failures      []UndoFailure
}

func (e *RollbackFailure) Error() string {
	return fmt.Sprintf("transaction %s rollback incomplete: %d undo command(s) failed", e.TransactionID, len(e.Failures))
}

// Unwrap exposes the individual undo errors.
func (e *RollbackFailure) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

// IncompleteRollback reports whether err records a failed rollback.
func IncompleteRollback(err error) bool {
	var rf *RollbackFailure
	return errors.As(err, &rf)
}
