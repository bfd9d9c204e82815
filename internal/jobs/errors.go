package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrClaimLost = errors.New("job claim lost")
)

// Block codes persisted on failed jobs.
const (
	BlockSchemaError         = "schema_error"
	BlockEvidenceBlock       = "evidence_block"
	BlockEvidenceUnavailable = "evidence_unavailable"
	BlockEngineFailure       = "engine_failure"
	BlockMaxAttempts         = "max_attempts"
	BlockDrained             = "drained"
)

// Kind classifies pipeline outcomes.
type Kind string

const (
	KindAdmissionBlocked    Kind = "admission_blocked"
	KindDuplicateSuppressed Kind = "duplicate_suppressed"
	KindSchemaError         Kind = "schema_error"
	KindEvidenceBlock       Kind = "evidence_block"
	KindEngineFailure       Kind = "engine_failure"
	KindZombieTimeout       Kind = "zombie_timeout"
)

// AnalysisError carries the taxonomy kind of a pipeline failure. Reason is
// surfaced verbatim to operators.
type AnalysisError struct {
	Kind      Kind
	BlockCode string
	Reason    string
	Err       error
}

func (e *AnalysisError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// Retryable reports whether re-admission may fix the failure.
func (e *AnalysisError) Retryable() bool {
	switch e.Kind {
	case KindEngineFailure, KindZombieTimeout:
		return true
	default:
		return false
	}
}

// NewSchemaError builds a terminal schema failure.
func NewSchemaError(reason string) *AnalysisError {
	return &AnalysisError{Kind: KindSchemaError, BlockCode: BlockSchemaError, Reason: reason}
}

// NewEvidenceBlock builds a terminal evidence failure.
func NewEvidenceBlock(reason string) *AnalysisError {
	return &AnalysisError{Kind: KindEvidenceBlock, BlockCode: BlockEvidenceBlock, Reason: reason}
}

// NewEngineFailure wraps an engine call error.
func NewEngineFailure(engine string, err error) *AnalysisError {
	return &AnalysisError{Kind: KindEngineFailure, BlockCode: BlockEngineFailure, Reason: "engine " + engine + " failed", Err: err}
}

// NewEvidenceUnavailable wraps an evidence store outage. The job fails closed
// but stays retryable.
func NewEvidenceUnavailable(err error) *AnalysisError {
	return &AnalysisError{Kind: KindEngineFailure, BlockCode: BlockEvidenceUnavailable, Reason: "evidence integrity check unavailable", Err: err}
}

// KindOf extracts the taxonomy kind, or "" for unclassified errors.
func KindOf(err error) Kind {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
