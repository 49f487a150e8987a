// Package domain defines the graph entities, value types, and rule evaluation
// primitives shared by the sfmgraph store, transaction, and integrity layers.
package domain

import "time"

// EntityType identifies the kind of record stored in the graph.
type EntityType string

// Supported entity type identifiers used in errors, violations, and persistence buckets.
const (
	// EntityNode identifies any graph node regardless of its NodeType.
	EntityNode EntityType = "node"
	// EntityRelationship identifies a typed edge between two nodes.
	EntityRelationship EntityType = "relationship"
)

// NodeType classifies graph nodes.
type NodeType string

// Node types modelled by the graph.
const (
	NodeActor       NodeType = "actor"
	NodeInstitution NodeType = "institution"
	NodePolicy      NodeType = "policy"
	NodeResource    NodeType = "resource"
	NodeProcess     NodeType = "process"
	NodeFlow        NodeType = "flow"
)

// RelationshipKind labels the semantics of an edge, e.g. "affects" or "governs".
type RelationshipKind string

// Common relationship kinds. The set is open; callers may use any non-empty kind.
const (
	KindAffects   RelationshipKind = "affects"
	KindGoverns   RelationshipKind = "governs"
	KindFunds     RelationshipKind = "funds"
	KindUses      RelationshipKind = "uses"
	KindProduces  RelationshipKind = "produces"
	KindRegulates RelationshipKind = "regulates"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities.
const (
	// SeverityBlock marks a violation that breaks a graph invariant.
	SeverityBlock Severity = "block"
	// SeverityWarn marks a suspicious but tolerated condition.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all graph records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Node is a typed vertex in the graph.
type Node struct {
	Base
	Type        NodeType          `json:"type"`
	Label       string            `json:"label"`
	Description string            `json:"description,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	Version     int               `json:"version"`
	Certainty   float64           `json:"certainty"`
}

// Relationship is a typed, directed edge between two nodes.
type Relationship struct {
	Base
	SourceID  string            `json:"source_id"`
	TargetID  string            `json:"target_id"`
	Kind      RelationshipKind  `json:"kind"`
	Weight    float64           `json:"weight"`
	Certainty float64           `json:"certainty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Snapshot captures a point-in-time clone of the graph state.
type Snapshot struct {
	Nodes         map[string]Node         `json:"nodes"`
	Relationships map[string]Relationship `json:"relationships"`
}

// Violation describes a single broken invariant reported by a rule.
type Violation struct {
	Type       string   `json:"type"`
	Rule       string   `json:"rule"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	RelatedIDs []string `json:"related_ids"`
}

// Violation types reported by the integrity rules.
const (
	ViolationOrphanedRelationship = "orphaned_relationship"
	ViolationMissingEndpoint      = "missing_endpoint"
	ViolationValidationError      = "validation_error"
)

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}
