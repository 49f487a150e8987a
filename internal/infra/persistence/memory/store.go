// Package memory provides the in-memory graph store shared by the lock,
// transaction, and integrity layers.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sfmgraph/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain store interface.
var _ domain.GraphStore = (*Store)(nil)

type (
	// Node aliases domain.Node for in-memory persistence operations.
	Node = domain.Node
	// Relationship aliases domain.Relationship.
	Relationship = domain.Relationship
	// Snapshot aliases domain.Snapshot used by export/import.
	Snapshot = domain.Snapshot
)

type memoryState struct {
	nodes         map[string]Node
	relationships map[string]Relationship
}

func newMemoryState() memoryState {
	return memoryState{
		nodes:         make(map[string]Node),
		relationships: make(map[string]Relationship),
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Nodes:         make(map[string]Node, len(state.nodes)),
		Relationships: make(map[string]Relationship, len(state.relationships)),
	}
	for k, v := range state.nodes {
		s.Nodes[k] = cloneNode(v)
	}
	for k, v := range state.relationships {
		s.Relationships[k] = cloneRelationship(v)
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Nodes {
		state.nodes[k] = cloneNode(v)
	}
	for k, v := range s.Relationships {
		state.relationships[k] = cloneRelationship(v)
	}
	return state
}

// migrateSnapshot normalises snapshots written by older exports: nil buckets
// become empty maps and records missing their ID take the map key.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	if snapshot.Nodes == nil {
		snapshot.Nodes = map[string]Node{}
	}
	if snapshot.Relationships == nil {
		snapshot.Relationships = map[string]Relationship{}
	}
	for k, n := range snapshot.Nodes {
		if n.ID == "" {
			n.ID = k
			snapshot.Nodes[k] = n
		}
	}
	for k, r := range snapshot.Relationships {
		if r.ID == "" {
			r.ID = k
			snapshot.Relationships[k] = r
		}
	}
	return snapshot
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.nodes {
		cloned.nodes[k] = cloneNode(v)
	}
	for k, v := range s.relationships {
		cloned.relationships[k] = cloneRelationship(v)
	}
	return cloned
}

func cloneNode(n Node) Node {
	cp := n
	cp.Meta = maps.Clone(n.Meta)
	return cp
}

func cloneRelationship(r Relationship) Relationship {
	cp := r
	cp.Meta = maps.Clone(r.Meta)
	return cp
}

// Store is a thread-safe in-memory graph store. Each call is atomic; callers
// that need isolation across calls coordinate through the lock manager.
type Store struct {
	mu    sync.RWMutex
	state memoryState
	nowFn func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time provider used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// NewStore constructs an empty in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		state: newMemoryState(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// Counts returns the number of stored nodes and relationships.
func (s *Store) Counts() (nodes, relationships int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.nodes), len(s.state.relationships)
}

// graphView exposes a read-only snapshot of the store state to rules.
type graphView struct {
	state *memoryState
}

// ListNodes returns all nodes within the snapshot ordered by ID.
func (v graphView) ListNodes() []Node {
	return sortedNodes(v.state.nodes, "")
}

// ListRelationships returns all relationships within the snapshot ordered by ID.
func (v graphView) ListRelationships() []Relationship {
	return sortedRelationships(v.state.relationships, "")
}

// FindNode retrieves a node by ID from the snapshot.
func (v graphView) FindNode(id string) (Node, bool) {
	n, ok := v.state.nodes[id]
	if !ok {
		return Node{}, false
	}
	return cloneNode(n), true
}

// FindRelationship retrieves a relationship by ID from the snapshot.
func (v graphView) FindRelationship(id string) (Relationship, bool) {
	r, ok := v.state.relationships[id]
	if !ok {
		return Relationship{}, false
	}
	return cloneRelationship(r), true
}

// View executes fn against a read-only snapshot of the store state. The
// snapshot is taken under the read lock and released before fn runs, so fn
// may call back into the store.
func (s *Store) View(ctx context.Context, fn func(domain.GraphView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(graphView{state: &snapshot})
}

// CreateNode stores a new node, generating an ID when none is supplied.
func (s *Store) CreateNode(n Node) (Node, error) {
	if n.Type == "" {
		return Node{}, fmt.Errorf("create node: type is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = s.newID()
	}
	if _, exists := s.state.nodes[n.ID]; exists {
		return Node{}, domain.AlreadyExists(domain.EntityNode, n.ID)
	}
	now := s.nowFn()
	n.CreatedAt = now
	n.UpdatedAt = now
	if n.Version == 0 {
		n.Version = 1
	}
	s.state.nodes[n.ID] = cloneNode(n)
	return cloneNode(n), nil
}

// GetNode retrieves a node by ID.
func (s *Store) GetNode(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.state.nodes[id]
	if !ok {
		return Node{}, false
	}
	return cloneNode(n), true
}

// UpdateNode mutates a node using the provided mutator function. The ID and
// creation time are preserved and the version is incremented.
func (s *Store) UpdateNode(id string, mutator func(*Node) error) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.state.nodes[id]
	if !ok {
		return Node{}, domain.NotFound(domain.EntityNode, id)
	}
	current = cloneNode(current)
	createdAt, version := current.CreatedAt, current.Version
	if err := mutator(&current); err != nil {
		return Node{}, err
	}
	current.ID = id
	current.CreatedAt = createdAt
	current.Version = version + 1
	current.UpdatedAt = s.nowFn()
	s.state.nodes[id] = cloneNode(current)
	return cloneNode(current), nil
}

// DeleteNode removes a node. Incident relationships are left in place; the
// service layer cascades them and the integrity validator reports leftovers.
func (s *Store) DeleteNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.nodes[id]; !ok {
		return domain.NotFound(domain.EntityNode, id)
	}
	delete(s.state.nodes, id)
	return nil
}

// RestoreNode writes n verbatim, replacing any existing node with the same ID.
func (s *Store) RestoreNode(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("restore node: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.nodes[n.ID] = cloneNode(n)
	return nil
}

// ListNodes returns nodes of the given type ordered by ID; an empty type
// lists every node.
func (s *Store) ListNodes(nodeType domain.NodeType) []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedNodes(s.state.nodes, nodeType)
}

// CreateRelationship stores a new relationship. Endpoint existence is the
// integrity validator's concern and is not checked here.
func (s *Store) CreateRelationship(r Relationship) (Relationship, error) {
	if err := validateRelationship(r); err != nil {
		return Relationship{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = s.newID()
	}
	if _, exists := s.state.relationships[r.ID]; exists {
		return Relationship{}, domain.AlreadyExists(domain.EntityRelationship, r.ID)
	}
	now := s.nowFn()
	r.CreatedAt = now
	r.UpdatedAt = now
	s.state.relationships[r.ID] = cloneRelationship(r)
	return cloneRelationship(r), nil
}

// GetRelationship retrieves a relationship by ID.
func (s *Store) GetRelationship(id string) (Relationship, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.relationships[id]
	if !ok {
		return Relationship{}, false
	}
	return cloneRelationship(r), true
}

// UpdateRelationship mutates a relationship. Endpoints may not be changed.
func (s *Store) UpdateRelationship(id string, mutator func(*Relationship) error) (Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.state.relationships[id]
	if !ok {
		return Relationship{}, domain.NotFound(domain.EntityRelationship, id)
	}
	current = cloneRelationship(current)
	source, target, createdAt := current.SourceID, current.TargetID, current.CreatedAt
	if err := mutator(&current); err != nil {
		return Relationship{}, err
	}
	if current.SourceID != source || current.TargetID != target {
		return Relationship{}, fmt.Errorf("update relationship %q: endpoints are immutable: %w", id, domain.ErrInvalidRelationship)
	}
	if current.Kind == "" {
		return Relationship{}, fmt.Errorf("update relationship %q: kind is required: %w", id, domain.ErrInvalidRelationship)
	}
	current.ID = id
	current.CreatedAt = createdAt
	current.UpdatedAt = s.nowFn()
	s.state.relationships[id] = cloneRelationship(current)
	return cloneRelationship(current), nil
}

// DeleteRelationship removes a relationship.
func (s *Store) DeleteRelationship(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.relationships[id]; !ok {
		return domain.NotFound(domain.EntityRelationship, id)
	}
	delete(s.state.relationships, id)
	return nil
}

// RestoreRelationship writes r verbatim, replacing any existing relationship with the same ID.
func (s *Store) RestoreRelationship(r Relationship) error {
	if r.ID == "" {
		return fmt.Errorf("restore relationship: id is required")
	}
	if err := validateRelationship(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.relationships[r.ID] = cloneRelationship(r)
	return nil
}

// ListRelationships returns relationships of the given kind ordered by ID; an
// empty kind lists every relationship.
func (s *Store) ListRelationships(kind domain.RelationshipKind) []Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedRelationships(s.state.relationships, kind)
}

func validateRelationship(r Relationship) error {
	switch {
	case r.SourceID == "" || r.TargetID == "":
		return fmt.Errorf("relationship endpoints are required: %w", domain.ErrInvalidRelationship)
	case r.Kind == "":
		return fmt.Errorf("relationship kind is required: %w", domain.ErrInvalidRelationship)
	}
	return nil
}

func sortedNodes(nodes map[string]Node, nodeType domain.NodeType) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if nodeType != "" && n.Type != nodeType {
			continue
		}
		out = append(out, cloneNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedRelationships(rels map[string]Relationship, kind domain.RelationshipKind) []Relationship {
	out := make([]Relationship, 0, len(rels))
	for _, r := range rels {
		if kind != "" && r.Kind != kind {
			continue
		}
		out = append(out, cloneRelationship(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
