package core

import (
	"context"
	"fmt"
	"time"

	"sfmgraph/internal/integrity"
	"sfmgraph/internal/lock"
	"sfmgraph/internal/txn"
	"sfmgraph/pkg/domain"
)

// ValidateGraph scans the graph and returns every violation found; an empty
// slice means the graph is consistent.
func (s *Service) ValidateGraph(ctx context.Context) []Violation {
	start := time.Now()
	violations := s.validator.ValidateGraph(ctx)
	s.metrics.Observe(ctx, "validate_graph", len(violations) == 0, time.Since(start))
	return violations
}

// FindOrphaned returns the sorted IDs of relationships with a missing endpoint.
func (s *Service) FindOrphaned(ctx context.Context) ([]string, error) {
	return s.validator.FindOrphaned(ctx)
}

// RepairOrphaned reports orphaned relationships and, when autoRepair is set,
// deletes each one in its own transaction.
func (s *Service) RepairOrphaned(ctx context.Context, autoRepair bool) (integrity.RepairReport, error) {
	start := time.Now()
	report, err := s.validator.Repair(ctx, autoRepair)
	s.metrics.Observe(ctx, "repair_orphaned", err == nil && report.Status != integrity.StatusPartial, time.Since(start))
	return report, err
}

// IntegrityRules lists the rules ValidateGraph evaluates.
func (s *Service) IntegrityRules() []string { return s.validator.Rules() }

// removeOrphan deletes relationship id after re-checking, under lock, that
// one of its endpoints is still missing.
func (s *Service) removeOrphan(ctx context.Context, id string) error {
	return s.mutate(ctx, "repair_orphan", func(ctx context.Context) (string, error) {
		rel, ok := s.store.GetRelationship(id)
		if !ok {
			return id, domain.NotFound(domain.EntityRelationship, id)
		}
		err := s.lockEntities(ctx,
			lock.Request{EntityID: id, Type: lock.Write},
			lock.Request{EntityID: rel.SourceID, Type: lock.Read},
			lock.Request{EntityID: rel.TargetID, Type: lock.Read},
		)
		if err != nil {
			return id, err
		}
		rel, ok = s.store.GetRelationship(id)
		if !ok {
			return id, domain.NotFound(domain.EntityRelationship, id)
		}
		if err := s.validator.CheckEndpointsExist(rel.SourceID, rel.TargetID); err == nil {
			return id, fmt.Errorf("repair %q: %w", id, integrity.ErrNotOrphaned)
		}
		if err := s.store.DeleteRelationship(id); err != nil {
			return id, err
		}
		s.txns.AddOperation(ctx, "delete_relationship", map[string]any{"id": id, "reason": "orphaned"}, restoreRelationshipCommand(rel))
		return id, nil
	})
}

// HealthStatus is the coarse service state reported by Status.
type HealthStatus string

// Health states.
const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
)

// StatusReport is a point-in-time summary of the graph and the concurrency layer.
type StatusReport struct {
	Health            HealthStatus             `json:"status"`
	Backend           string                   `json:"backend"`
	Nodes             int                      `json:"total_nodes"`
	Relationships     int                      `json:"total_relationships"`
	NodeTypes         map[NodeType]int         `json:"node_types"`
	RelationshipKinds map[RelationshipKind]int `json:"relationship_kinds"`
	Transactions      txn.Stats                `json:"transactions"`
	Locks             lock.Stats               `json:"locks"`
	Rules             []string                 `json:"integrity_rules"`
	UndoActions       []string                 `json:"undo_actions"`
	Metrics           *ExpvarMetricsSnapshot   `json:"metrics,omitempty"`
	LastOperation     *AuditEntry              `json:"last_operation,omitempty"`
	GeneratedAt       time.Time                `json:"generated_at"`
}

// Status counts nodes by type and relationships by kind over one consistent
// view and attaches lock and transaction statistics. The service is degraded
// when a rollback has failed to undo every operation.
func (s *Service) Status(ctx context.Context) (StatusReport, error) {
	report := StatusReport{
		Health:            HealthHealthy,
		Backend:           s.backend,
		NodeTypes:         make(map[NodeType]int),
		RelationshipKinds: make(map[RelationshipKind]int),
		Rules:             s.validator.Rules(),
		UndoActions:       s.undo.Actions(),
		GeneratedAt:       time.Now().UTC(),
	}
	err := s.store.View(ctx, func(view domain.GraphView) error {
		for _, n := range view.ListNodes() {
			report.NodeTypes[n.Type]++
			report.Nodes++
		}
		for _, r := range view.ListRelationships() {
			report.RelationshipKinds[r.Kind]++
			report.Relationships++
		}
		return nil
	})
	if err != nil {
		return StatusReport{}, fmt.Errorf("status: %w", err)
	}
	report.Transactions = s.txns.Stats()
	report.Locks = s.locks.Stats()
	if report.Transactions.IncompleteRollbacks > 0 {
		report.Health = HealthDegraded
	}
	if rec, ok := expvarRecorder(s.metrics); ok {
		snap := rec.Snapshot()
		report.Metrics = &snap
	}
	if last := s.lastOp.Load(); last != nil {
		entry := *last
		report.LastOperation = &entry
	}
	return report, nil
}
