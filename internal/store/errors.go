package store

import "errors"

// ErrorKind classifies a StoreError without tying callers to a specific
// driver's error type, per spec §4.1 ("any transport/constraint error
// bubbles as StoreError{kind, detail}").
type ErrorKind string

const (
	KindTransient  ErrorKind = "transient"
	KindConstraint ErrorKind = "constraint"
	KindNotFound   ErrorKind = "not_found"
)

// StoreError wraps a persistence failure with enough context for the caller
// to decide whether to retry (§7: Transient infra vs. Data errors).
type StoreError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return e.Detail + ": " + e.Err.Error()
	}
	return e.Detail
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewTransientError wraps err as a StoreError the caller should retry.
func NewTransientError(detail string, err error) *StoreError {
	return &StoreError{Kind: KindTransient, Detail: detail, Err: err}
}

// NewConstraintError wraps err as a StoreError caused by a violated
// constraint (e.g. a duplicate unique key), not retryable as-is.
func NewConstraintError(detail string, err error) *StoreError {
	return &StoreError{Kind: KindConstraint, Detail: detail, Err: err}
}

// errDuplicateWorkflowKey is the constraint-violation sentinel for a
// workflow_key that already exists for the tenant.
var errDuplicateWorkflowKey = errors.New("workflow_key already exists for tenant")
