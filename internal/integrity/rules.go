package integrity

import (
	"context"
	"fmt"
	"strings"

	"sfmgraph/pkg/domain"
)

// RuleReferentialIntegrity names the rule reporting orphaned relationships.
const RuleReferentialIntegrity = "referential_integrity"

// ReferentialIntegrityRule reports every relationship whose source or target
// node is absent from the view.
func ReferentialIntegrityRule() domain.Rule {
	return referentialIntegrityRule{}
}

type referentialIntegrityRule struct{}

func (referentialIntegrityRule) Name() string { return RuleReferentialIntegrity }

func (referentialIntegrityRule) Evaluate(ctx context.Context, view domain.GraphView) (domain.Result, error) {
	res := domain.Result{}
	for _, rel := range view.ListRelationships() {
		if err := ctx.Err(); err != nil {
			return domain.Result{}, err
		}
		missing := missingEndpoints(view, rel)
		if len(missing) == 0 {
			continue
		}
		res.Violations = append(res.Violations, orphanViolation(rel, missing))
	}
	return res, nil
}

func missingEndpoints(view domain.GraphView, rel domain.Relationship) []string {
	var missing []string
	if _, ok := view.FindNode(rel.SourceID); !ok {
		missing = append(missing, rel.SourceID)
	}
	if rel.TargetID != rel.SourceID {
		if _, ok := view.FindNode(rel.TargetID); !ok {
			missing = append(missing, rel.TargetID)
		}
	}
	return missing
}

func orphanViolation(rel domain.Relationship, missing []string) domain.Violation {
	return domain.Violation{
		Type:       domain.ViolationOrphanedRelationship,
		Rule:       RuleReferentialIntegrity,
		Severity:   domain.SeverityBlock,
		Message:    fmt.Sprintf("relationship %s (%s -> %s) references missing node(s) %s", rel.ID, rel.SourceID, rel.TargetID, strings.Join(missing, ", ")),
		RelatedIDs: append([]string{rel.ID}, missing...),
	}
}
