package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Set tracks the locks held by a single owner, typically one transaction.
// Locks accumulate until ReleaseAll so a unit of work keeps every entity it
// touched protected until it closes.
type Set struct {
	m       *Manager
	owner   string
	timeout time.Duration

	mu      sync.Mutex
	held    map[string]*Handle
	order   []string
	pending map[string]chan struct{}
	closed  bool
}

// ErrSetClosed is returned by acquisitions that complete after ReleaseAll.
var ErrSetClosed = errors.New("lock set released")

// NewSet returns an empty lock set for owner. A non-positive timeout uses the
// manager default for every acquisition.
func (m *Manager) NewSet(owner string, timeout time.Duration) *Set {
	if owner == "" {
		owner = AnonymousOwner
	}
	return &Set{m: m, owner: owner, timeout: timeout, held: make(map[string]*Handle), pending: make(map[string]chan struct{})}
}

// Owner returns the identity recorded on the set's locks.
func (s *Set) Owner() string { return s.owner }

// Acquire ensures the set holds at least a lock of type t on entityID.
// Holding an equal or stronger lock is a no-op; a held READ is upgraded to
// WRITE once it is the entity's only lock.
func (s *Set) Acquire(ctx context.Context, entityID string, t Type) error {
	return s.AcquireWithin(ctx, entityID, t, s.timeout)
}

// AcquireWithin is Acquire with an explicit wait bound. The set's mutex is
// not held while waiting; concurrent acquisitions of the same entity through
// one set queue behind the one in flight.
func (s *Set) AcquireWithin(ctx context.Context, entityID string, t Type, timeout time.Duration) error {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return fmt.Errorf("acquire %s lock on %q: %w", t, entityID, ErrSetClosed)
		}
		if inflight, busy := s.pending[entityID]; busy {
			s.mu.Unlock()
			select {
			case <-inflight:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		h, held := s.held[entityID]
		if held && (t != Write || h.Lock().Type == Write) {
			s.mu.Unlock()
			return nil
		}
		done := make(chan struct{})
		s.pending[entityID] = done
		s.mu.Unlock()

		var err error
		if held {
			err = s.m.upgrade(ctx, h, timeout)
		} else {
			h, err = s.m.Acquire(WithOwner(ctx, s.owner), entityID, t, timeout)
		}

		s.mu.Lock()
		delete(s.pending, entityID)
		close(done)
		closed := s.closed
		if err == nil && !held && !closed {
			s.held[entityID] = h
			s.order = append(s.order, entityID)
		}
		s.mu.Unlock()
		if err == nil && closed {
			if !held {
				h.Release()
			}
			return fmt.Errorf("acquire %s lock on %q: %w", t, entityID, ErrSetClosed)
		}
		return err
	}
}

// AcquireAll acquires every request in ascending entity ID order. Locks taken
// before a failure stay in the set until ReleaseAll.
func (s *Set) AcquireAll(ctx context.Context, reqs []Request) error {
	for _, req := range normalizeRequests(reqs) {
		if err := s.Acquire(ctx, req.EntityID, req.Type); err != nil {
			return err
		}
	}
	return nil
}

// Holds reports the type of lock held on entityID.
func (s *Set) Holds(entityID string) (Type, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.held[entityID]
	if !ok {
		return "", false
	}
	return h.Lock().Type, true
}

// Len returns the number of entities locked by the set.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// ReleaseAll releases every held lock in reverse acquisition order and
// returns how many were released. Later acquisitions fail with ErrSetClosed.
func (s *Set) ReleaseAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	n := len(s.order)
	for i := n - 1; i >= 0; i-- {
		id := s.order[i]
		s.held[id].Release()
		delete(s.held, id)
	}
	s.order = nil
	return n
}
