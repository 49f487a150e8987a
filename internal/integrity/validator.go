// Package integrity enforces the referential invariant that every
// relationship's endpoints exist: a pre-insert check, a whole-graph scan, and
// an orphan repair routine.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"sfmgraph/internal/logging"
	"sfmgraph/pkg/domain"
)

// Repair outcomes reported in RepairReport.Status.
const (
	StatusClean   = "clean"
	StatusDryRun  = "dry_run"
	StatusSuccess = "success"
	StatusPartial = "partial"
)

// ErrNotOrphaned is returned by a Remover that finds both endpoints present
// when it re-checks a relationship under lock.
var ErrNotOrphaned = errors.New("relationship is not orphaned")

// Store is the subset of domain.GraphStore the validator reads and repairs.
type Store interface {
	GetNode(id string) (domain.Node, bool)
	View(ctx context.Context, fn func(domain.GraphView) error) error
	DeleteRelationship(id string) error
}

// Remover deletes one orphaned relationship during repair. The service
// supplies one that takes the relationship's WRITE lock first.
type Remover func(ctx context.Context, relationshipID string) error

// RepairReport summarises a repair run. RemovedCount only counts deletions
// that succeeded; a partial run leaves earlier deletions applied.
type RepairReport struct {
	Status       string            `json:"status"`
	Orphaned     []string          `json:"orphaned"`
	RemovedCount int               `json:"removed_count"`
	RemovedIDs   []string          `json:"removed_ids"`
	Failed       map[string]string `json:"failed,omitempty"`
	DryRun       bool              `json:"dry_run"`
}

// Validator checks and repairs referential integrity over a Store.
type Validator struct {
	store   Store
	engine  *domain.RulesEngine
	remover Remover
	logger  *slog.Logger
}

// Option customises a Validator.
type Option func(*Validator)

// WithRemover overrides how repair deletes orphaned relationships.
func WithRemover(r Remover) Option {
	return func(v *Validator) {
		if r != nil {
			v.remover = r
		}
	}
}

// WithRules registers additional rules evaluated by ValidateGraph after the
// referential integrity rule.
func WithRules(rules ...domain.Rule) Option {
	return func(v *Validator) {
		for _, r := range rules {
			v.engine.Register(r)
		}
	}
}

// WithLogger sets the logger used for validation and repair events.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		v.logger = logging.Component(logger, "integrity")
	}
}

// NewValidator constructs a validator over store.
func NewValidator(store Store, opts ...Option) *Validator {
	engine := domain.NewRulesEngine()
	engine.Register(ReferentialIntegrityRule())
	v := &Validator{
		store:  store,
		engine: engine,
		logger: logging.Component(nil, "integrity"),
	}
	v.remover = func(_ context.Context, id string) error { return store.DeleteRelationship(id) }
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Rules lists the names of the rules ValidateGraph evaluates.
func (v *Validator) Rules() []string {
	return v.engine.Rules()
}

// CheckEndpointsExist returns a *domain.ReferentialIntegrityError naming each
// missing endpoint, or nil when both nodes exist. Callers hold READ locks on
// both endpoints so the result stays valid until the insert completes.
func (v *Validator) CheckEndpointsExist(sourceID, targetID string) error {
	var missing []string
	if _, ok := v.store.GetNode(sourceID); !ok {
		missing = append(missing, sourceID)
	}
	if targetID != sourceID {
		if _, ok := v.store.GetNode(targetID); !ok {
			missing = append(missing, targetID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &domain.ReferentialIntegrityError{SourceID: sourceID, TargetID: targetID, Missing: missing}
}

// ValidateGraph evaluates every rule over one consistent snapshot and returns
// the violations found; an empty slice means the graph is consistent. When
// the snapshot cannot be evaluated a single validation_error violation is
// returned in place of the scan results.
func (v *Validator) ValidateGraph(ctx context.Context) []domain.Violation {
	var res domain.Result
	err := v.store.View(ctx, func(view domain.GraphView) error {
		var err error
		res, err = v.engine.Evaluate(ctx, view)
		return err
	})
	if err != nil {
		v.logger.Error("graph validation failed", slog.Any("error", err))
		return []domain.Violation{{
			Type:       domain.ViolationValidationError,
			Rule:       "validation",
			Severity:   domain.SeverityBlock,
			Message:    fmt.Sprintf("graph validation failed: %v", err),
			RelatedIDs: []string{},
		}}
	}
	if len(res.Violations) == 0 {
		return []domain.Violation{}
	}
	v.logger.Warn("graph validation found violations", slog.Int("count", len(res.Violations)))
	return res.Violations
}

// FindOrphaned returns the sorted IDs of relationships with a missing endpoint.
func (v *Validator) FindOrphaned(ctx context.Context) ([]string, error) {
	ids := []string{}
	err := v.store.View(ctx, func(view domain.GraphView) error {
		for _, rel := range view.ListRelationships() {
			if len(missingEndpoints(view, rel)) > 0 {
				ids = append(ids, rel.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find orphaned relationships: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Repair finds orphaned relationships and, when autoRepair is set, deletes
// them one by one. Deletions are not atomic as a batch: a failure is recorded
// in Failed and the remaining deletions still run.
func (v *Validator) Repair(ctx context.Context, autoRepair bool) (RepairReport, error) {
	orphaned, err := v.FindOrphaned(ctx)
	if err != nil {
		return RepairReport{}, err
	}
	report := RepairReport{Orphaned: orphaned, RemovedIDs: []string{}, DryRun: !autoRepair}
	switch {
	case len(orphaned) == 0:
		report.Status = StatusClean
		return report, nil
	case !autoRepair:
		report.Status = StatusDryRun
		v.logger.Info("orphaned relationships found", slog.Int("count", len(orphaned)))
		return report, nil
	}

	for _, id := range orphaned {
		if err := v.remover(ctx, id); err != nil {
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[id] = err.Error()
			v.logger.Error("orphan removal failed", slog.String("relationship_id", id), slog.Any("error", err))
			continue
		}
		report.RemovedIDs = append(report.RemovedIDs, id)
	}
	report.RemovedCount = len(report.RemovedIDs)
	report.Status = StatusSuccess
	if report.RemovedCount < len(orphaned) {
		report.Status = StatusPartial
	}
	v.logger.Info("orphan repair finished",
		slog.String("status", report.Status),
		slog.Int("removed", report.RemovedCount),
		slog.Int("orphaned", len(orphaned)))
	return report, nil
}
