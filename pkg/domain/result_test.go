package domain

import (
	"context"
	"errors"
	"testing"
)

func TestResultMergeAndBlocking(t *testing.T) {
	var result Result
	result.Merge(Result{Violations: []Violation{{Rule: "warn", Severity: SeverityWarn}}})
	if result.HasBlocking() {
		t.Fatalf("expected no blocking violations")
	}
	result.Merge(Result{Violations: []Violation{{Rule: "block", Severity: SeverityBlock}}})
	if !result.HasBlocking() {
		t.Fatalf("expected blocking violation")
	}
	err := RuleViolationError{Result: result}
	if err.Error() == "" {
		t.Fatalf("expected error string")
	}
	if !errors.Is(err, ErrRuleViolation) {
		t.Fatalf("expected rule violation sentinel to match")
	}
}

func TestResultMergeEmptyInput(t *testing.T) {
	original := Result{Violations: []Violation{{Rule: "existing", Severity: SeverityWarn}}}
	original.Merge(Result{})
	if len(original.Violations) != 1 || original.Violations[0].Rule != "existing" {
		t.Fatalf("expected original violations to remain, got %+v", original.Violations)
	}
}

func TestRulesEngineEvaluate(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(staticRule{"warn"})
	engine.Register(staticRule{"second"})
	res, err := engine.Evaluate(context.Background(), emptyView{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 2 {
		t.Fatalf("expected 2 violations, got %d", len(res.Violations))
	}
	if names := engine.Rules(); len(names) != 2 || names[0] != "warn" || names[1] != "second" {
		t.Fatalf("unexpected rule names %v", names)
	}
}

func TestRulesEngineStopsOnError(t *testing.T) {
	engine := NewRulesEngine()
	boom := errors.New("boom")
	engine.Register(failingRule{err: boom})
	engine.Register(staticRule{"never"})
	if _, err := engine.Evaluate(context.Background(), emptyView{}); !errors.Is(err, boom) {
		t.Fatalf("expected rule error, got %v", err)
	}
}

func TestRulesEngineHonoursCancelledContext(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(staticRule{"warn"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := engine.Evaluate(ctx, emptyView{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

type staticRule struct{ name string }

func (r staticRule) Name() string { return r.name }

func (r staticRule) Evaluate(context.Context, GraphView) (Result, error) {
	return Result{Violations: []Violation{{Rule: r.name, Severity: SeverityWarn}}}, nil
}

type failingRule struct{ err error }

func (failingRule) Name() string { return "failing" }

func (r failingRule) Evaluate(context.Context, GraphView) (Result, error) {
	return Result{}, r.err
}

type emptyView struct{}

func (emptyView) ListNodes() []Node { return nil }
func (emptyView) ListRelationships() []Relationship { return nil }
func (emptyView) FindNode(string) (Node, bool) { return Node{}, false }
func (emptyView) FindRelationship(string) (Relationship, bool) { return Relationship{}, false }
