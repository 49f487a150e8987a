package domain

import "context"

// GraphView provides read-only access to a consistent snapshot of the graph.
type GraphView interface {
	ListNodes() []Node
	ListRelationships() []Relationship
	FindNode(id string) (Node, bool)
	FindRelationship(id string) (Relationship, bool)
}

// GraphStore owns node and relationship storage keyed by identifier. All
// methods are synchronous and safe for concurrent use; individual calls are
// atomic but there is no isolation across calls.
type GraphStore interface {
	CreateNode(Node) (Node, error)
	GetNode(id string) (Node, bool)
	UpdateNode(id string, mutator func(*Node) error) (Node, error)
	DeleteNode(id string) error
	// RestoreNode writes n verbatim, replacing any existing record with the same ID.
	RestoreNode(n Node) error
	CreateRelationship(Relationship) (Relationship, error)
	GetRelationship(id string) (Relationship, bool)
	UpdateRelationship(id string, mutator func(*Relationship) error) (Relationship, error)
	DeleteRelationship(id string) error
	RestoreRelationship(r Relationship) error
	ListNodes(nodeType NodeType) []Node
	ListRelationships(kind RelationshipKind) []Relationship
	View(ctx context.Context, fn func(GraphView) error) error
	ExportState() Snapshot
	ImportState(Snapshot)
}

// SnapshotStore saves and loads whole-graph snapshots. Implementations are
// explicit export targets, not recovery logs.
type SnapshotStore interface {
	Save(ctx context.Context, snapshot Snapshot) error
	// Load returns the stored snapshot and false when nothing has been saved yet.
	Load(ctx context.Context) (Snapshot, bool, error)
	Close() error
}
