package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sfmgraph/internal/logging"
)

// EntityInfo describes the active locks on one entity.
type EntityInfo struct {
	EntityID   string `json:"entity_id"`
	Active     int    `json:"active_locks"`
	ReadCount  int    `json:"read_locks"`
	WriteCount int    `json:"write_locks"`
	Holders    []Lock `json:"locks"`
}

// Stats summarises manager activity since construction.
type Stats struct {
	Acquired           uint64 `json:"total_locks_acquired"`
	Released           uint64 `json:"total_locks_released"`
	Timeouts           uint64 `json:"lock_timeouts"`
	DeadlocksPrevented uint64 `json:"deadlocks_prevented"`
	ForceReleased      uint64 `json:"force_released"`
	ActiveEntities     int    `json:"active_entities"`
	ActiveLocks        int    `json:"active_locks"`
}

type entityState struct {
	locks  map[string]Lock
	writer string
	wake   chan struct{}
}

func newEntityState() *entityState {
	return &entityState{locks: make(map[string]Lock), wake: make(chan struct{})}
}

func (st *entityState) admits(t Type) bool {
	if t == Write {
		return len(st.locks) == 0
	}
	return st.writer == ""
}

// admitsUpgrade reports whether lockID is the only lock held on the entity.
func (st *entityState) admitsUpgrade(lockID string) bool {
	_, held := st.locks[lockID]
	return held && len(st.locks) == 1
}

func (st *entityState) signal() {
	close(st.wake)
	st.wake = make(chan struct{})
}

// Manager grants per-entity locks. The zero value is not usable; construct
// with NewManager.
type Manager struct {
	mu             sync.Mutex
	entities       map[string]*entityState
	held           map[string]int
	defaultTimeout time.Duration
	logger         *slog.Logger
	nowFn          func() time.Time
	stats          Stats
}

// Option customises a Manager.
type Option func(*Manager)

// WithDefaultTimeout sets the timeout used when Acquire receives a
// non-positive timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

// WithLogger sets the logger used for lock lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logging.Component(logger, "lock")
	}
}

// NewManager constructs a lock manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		entities:       make(map[string]*entityState),
		held:           make(map[string]int),
		defaultTimeout: DefaultTimeout,
		logger:         logging.Component(nil, "lock"),
		nowFn:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultTimeout returns the timeout applied when callers pass none.
func (m *Manager) DefaultTimeout() time.Duration {
	return m.defaultTimeout
}

// Acquire blocks until a lock of type t on entityID is granted, the timeout
// elapses, or ctx is done. A non-positive timeout uses the default. On
// timeout the returned error is a *TimeoutError; nothing is granted.
func (m *Manager) Acquire(ctx context.Context, entityID string, t Type, timeout time.Duration) (*Handle, error) {
	if t != Write {
		t = Read
	}
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	owner := OwnerFromContext(ctx)
	var granted Lock
	err := m.wait(ctx, entityID, t, owner, timeout, func(st *entityState) bool {
		if !st.admits(t) {
			return false
		}
		granted = Lock{
			ID:         uuid.NewString(),
			EntityID:   entityID,
			Type:       t,
			Owner:      owner,
			AcquiredAt: m.nowFn(),
			Timeout:    timeout,
		}
		st.locks[granted.ID] = granted
		if t == Write {
			st.writer = granted.ID
		}
		m.held[owner]++
		m.stats.Acquired++
		return true
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debug("lock acquired",
		slog.String("entity_id", entityID),
		slog.String("type", string(t)),
		slog.String("owner", owner),
		slog.String("lock_id", granted.ID))
	return &Handle{m: m, lock: granted}, nil
}

// upgrade converts h from READ to WRITE once h is the entity's only lock.
func (m *Manager) upgrade(ctx context.Context, h *Handle, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	current := h.Lock()
	lost := false
	err := m.wait(ctx, current.EntityID, Write, current.Owner, timeout, func(st *entityState) bool {
		if _, held := st.locks[current.ID]; !held {
			lost = true
			if len(st.locks) == 0 {
				delete(m.entities, current.EntityID)
			}
			return true
		}
		if !st.admitsUpgrade(current.ID) {
			return false
		}
		l := st.locks[current.ID]
		l.Type = Write
		st.locks[current.ID] = l
		st.writer = current.ID
		return true
	})
	if err != nil {
		return err
	}
	if lost {
		return fmt.Errorf("upgrade lock %s on %q: %w", current.ID, current.EntityID, ErrReleased)
	}
	h.setType(Write)
	m.logger.Debug("lock upgraded",
		slog.String("entity_id", current.EntityID),
		slog.String("owner", current.Owner),
		slog.String("lock_id", current.ID))
	return nil
}

// wait runs grant under the registry mutex until it succeeds, blocking on the
// entity's wake channel between attempts.
func (m *Manager) wait(ctx context.Context, entityID string, t Type, owner string, timeout time.Duration, grant func(*entityState) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		m.mu.Lock()
		st, ok := m.entities[entityID]
		if !ok {
			st = newEntityState()
			m.entities[entityID] = st
		}
		if grant(st) {
			m.mu.Unlock()
			return nil
		}
		if len(st.locks) == 0 {
			delete(m.entities, entityID)
		}
		wake := st.wake
		m.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			m.recordTimeout(owner)
			m.logger.Warn("lock timeout",
				slog.String("entity_id", entityID),
				slog.String("type", string(t)),
				slog.String("owner", owner),
				slog.Duration("timeout", timeout))
			return &TimeoutError{EntityID: entityID, Type: t, Owner: owner, Timeout: timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// recordTimeout counts the timeout. When the owner still holds other locks
// the timeout has broken a potential lock cycle and is also counted as a
// prevented deadlock.
func (m *Manager) recordTimeout(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Timeouts++
	if owner != AnonymousOwner && m.held[owner] > 0 {
		m.stats.DeadlocksPrevented++
	}
}

func (m *Manager) release(l Lock) {
	m.mu.Lock()
	st, ok := m.entities[l.EntityID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("release of dropped lock ignored", slog.String("entity_id", l.EntityID), slog.String("lock_id", l.ID))
		return
	}
	if _, held := st.locks[l.ID]; !held {
		m.mu.Unlock()
		m.logger.Debug("release of dropped lock ignored", slog.String("entity_id", l.EntityID), slog.String("lock_id", l.ID))
		return
	}
	delete(st.locks, l.ID)
	if st.writer == l.ID {
		st.writer = ""
	}
	m.dropOwner(l.Owner)
	m.stats.Released++
	st.signal()
	if len(st.locks) == 0 {
		delete(m.entities, l.EntityID)
	}
	m.mu.Unlock()
	m.logger.Debug("lock released",
		slog.String("entity_id", l.EntityID),
		slog.String("owner", l.Owner),
		slog.String("lock_id", l.ID))
}

func (m *Manager) dropOwner(owner string) {
	if m.held[owner] <= 1 {
		delete(m.held, owner)
		return
	}
	m.held[owner]--
}

// With acquires a lock, runs fn, and releases the lock on every exit path.
func (m *Manager) With(ctx context.Context, entityID string, t Type, timeout time.Duration, fn func(context.Context) error) error {
	h, err := m.Acquire(ctx, entityID, t, timeout)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(ctx)
}

// AcquireAll acquires every request in ascending entity ID order. Duplicate
// entities collapse to the strongest requested type. When any acquisition
// fails the locks already taken are released and the error is returned.
func (m *Manager) AcquireAll(ctx context.Context, reqs []Request) ([]*Handle, error) {
	ordered := normalizeRequests(reqs)
	handles := make([]*Handle, 0, len(ordered))
	for _, req := range ordered {
		h, err := m.Acquire(ctx, req.EntityID, req.Type, req.Timeout)
		if err != nil {
			ReleaseAll(handles)
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// ReleaseAll releases handles in reverse order.
func ReleaseAll(handles []*Handle) {
	for i := len(handles) - 1; i >= 0; i-- {
		handles[i].Release()
	}
}

func normalizeRequests(reqs []Request) []Request {
	byID := make(map[string]Request, len(reqs))
	for _, req := range reqs {
		if req.Type != Write {
			req.Type = Read
		}
		if prev, ok := byID[req.EntityID]; ok {
			if prev.Type == Write {
				req.Type = Write
			}
			if prev.Timeout > req.Timeout {
				req.Timeout = prev.Timeout
			}
		}
		byID[req.EntityID] = req
	}
	out := make([]Request, 0, len(byID))
	for _, req := range byID {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Info reports the active locks on entityID.
func (m *Manager) Info(entityID string) EntityInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := EntityInfo{EntityID: entityID, Holders: []Lock{}}
	st, ok := m.entities[entityID]
	if !ok {
		return info
	}
	for _, l := range st.locks {
		info.Holders = append(info.Holders, l)
		if l.Type == Write {
			info.WriteCount++
		} else {
			info.ReadCount++
		}
	}
	info.Active = len(info.Holders)
	sort.Slice(info.Holders, func(i, j int) bool {
		a, b := info.Holders[i], info.Holders[j]
		if a.AcquiredAt.Equal(b.AcquiredAt) {
			return a.ID < b.ID
		}
		return a.AcquiredAt.Before(b.AcquiredAt)
	})
	return info
}

// Stats returns cumulative counters and current occupancy.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.stats
	out.ActiveEntities = len(m.entities)
	for _, st := range m.entities {
		out.ActiveLocks += len(st.locks)
	}
	return out
}

// ForceReleaseAll drops every lock on entityID, or on all entities when
// entityID is empty, and wakes any waiters. It returns the number of locks
// dropped. Holders are not notified; their later Release calls are ignored.
func (m *Manager) ForceReleaseAll(entityID string) int {
	m.mu.Lock()
	dropped := 0
	drop := func(id string, st *entityState) {
		for _, l := range st.locks {
			m.dropOwner(l.Owner)
		}
		dropped += len(st.locks)
		st.signal()
		delete(m.entities, id)
	}
	if entityID == "" {
		for id, st := range m.entities {
			drop(id, st)
		}
	} else if st, ok := m.entities[entityID]; ok {
		drop(entityID, st)
	}
	m.stats.ForceReleased += uint64(dropped)
	m.mu.Unlock()

	scope := entityID
	if scope == "" {
		scope = "*"
	}
	m.logger.Warn("force released locks", slog.String("entity_id", scope), slog.Int("count", dropped))
	return dropped
}
