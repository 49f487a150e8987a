package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors matched with errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrReferentialIntegrity = errors.New("referential integrity violation")
	ErrInvalidRelationship  = errors.New("invalid relationship")
	ErrRuleViolation        = errors.New("blocked by rules")
)

// EntityError reports a store lookup or uniqueness failure for a specific record.
type EntityError struct {
	Entity EntityType
	ID     string
	Err    error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s %q %v", e.Entity, e.ID, e.Err)
}

func (e *EntityError) Unwrap() error { return e.Err }

// NotFound builds an EntityError wrapping ErrNotFound.
func NotFound(entity EntityType, id string) error {
	return &EntityError{Entity: entity, ID: id, Err: ErrNotFound}
}

// AlreadyExists builds an EntityError wrapping ErrAlreadyExists.
func AlreadyExists(entity EntityType, id string) error {
	return &EntityError{Entity: entity, ID: id, Err: ErrAlreadyExists}
}

// ReferentialIntegrityError is returned when a relationship references
// endpoints that are not present in the graph. No relationship is stored.
type ReferentialIntegrityError struct {
	SourceID string
	TargetID string
	Missing  []string
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("referential integrity violation: relationship %s -> %s references missing node(s) %s",
		e.SourceID, e.TargetID, strings.Join(e.Missing, ", "))
}

// Is reports whether target is ErrReferentialIntegrity.
func (e *ReferentialIntegrityError) Is(target error) bool {
	return target == ErrReferentialIntegrity
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return fmt.Sprintf("blocked by rules: %d violation(s)", len(e.Result.Violations))
}

// Is reports whether target is ErrRuleViolation.
func (e RuleViolationError) Is(target error) bool {
	return target == ErrRuleViolation
}

// Violation reports the rejected relationship as a missing_endpoint violation.
func (e *ReferentialIntegrityError) Violation() Violation {
	return Violation{
		Type:       ViolationMissingEndpoint,
		Rule:       "referential_integrity",
		Severity:   SeverityBlock,
		Message:    e.Error(),
		RelatedIDs: append([]string(nil), e.Missing...),
	}
}
