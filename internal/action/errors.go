package action

import (
	"errors"
	"fmt"
)

// FlushError represents a failure detected while queuing or executing the
// write path. It carries structured fields so callers can react without
// parsing messages.
type FlushError struct {
	// Code identifies the error category.
	Code FlushErrorCode

	// Message is a human-readable description.
	Message string

	// EntityName identifies the affected entity type, when known.
	EntityName string

	// Property identifies the offending property path, when known.
	Property string

	// Err is the wrapped cause, when the failure came from below.
	Err error
}

// FlushErrorCode categorizes flush failures.
type FlushErrorCode string

const (
	// ErrCodeUnresolvedDependency: inserts remain blocked on transient
	// references at a checkpoint that requires none.
	ErrCodeUnresolvedDependency FlushErrorCode = "UNRESOLVED_DEPENDENCY"

	// ErrCodeInsertVetoed: a listener refused an entity insert.
	ErrCodeInsertVetoed FlushErrorCode = "INSERT_VETOED"

	// ErrCodeInvariantViolation: a caller broke a programming contract
	// (un-scheduling an unknown delete, executing with unresolved inserts,
	// vetoing an already-executed insert). Non-recoverable.
	ErrCodeInvariantViolation FlushErrorCode = "INVARIANT_VIOLATION"

	// ErrCodeExecutionFailed: the statement executor reported a failure.
	ErrCodeExecutionFailed FlushErrorCode = "EXECUTION_FAILED"
)

// Error implements the error interface.
func (e *FlushError) Error() string {
	switch {
	case e.EntityName != "" && e.Property != "":
		return fmt.Sprintf("%s: %s (entity=%s, property=%s)", e.Code, e.Message, e.EntityName, e.Property)
	case e.EntityName != "":
		return fmt.Sprintf("%s: %s (entity=%s)", e.Code, e.Message, e.EntityName)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *FlushError) Unwrap() error { return e.Err }

// IsUnresolvedDependency reports whether err is an unresolved-dependency
// violation. Uses errors.As to handle wrapped errors.
func IsUnresolvedDependency(err error) bool {
	var fe *FlushError
	return errors.As(err, &fe) && fe.Code == ErrCodeUnresolvedDependency
}

// IsVeto reports whether err is an insert veto.
func IsVeto(err error) bool {
	var fe *FlushError
	return errors.As(err, &fe) && fe.Code == ErrCodeInsertVetoed
}

// IsInvariantViolation reports whether err is a programming-invariant
// violation.
func IsInvariantViolation(err error) bool {
	var fe *FlushError
	return errors.As(err, &fe) && fe.Code == ErrCodeInvariantViolation
}

// NewUnresolvedDependencyError names the first offending entity/property
// still blocking an insert.
func NewUnresolvedDependencyError(entityName, property, dependsOn string) *FlushError {
	return &FlushError{
		Code:       ErrCodeUnresolvedDependency,
		Message:    fmt.Sprintf("insert blocked on transient reference to %s", dependsOn),
		EntityName: entityName,
		Property:   property,
	}
}

// NewVetoError reports a listener veto of an entity insert.
func NewVetoError(entityName string) *FlushError {
	return &FlushError{
		Code:       ErrCodeInsertVetoed,
		Message:    "insert vetoed by listener",
		EntityName: entityName,
	}
}

// NewInvariantViolationError reports a broken programming contract.
func NewInvariantViolationError(entityName, message string) *FlushError {
	return &FlushError{
		Code:       ErrCodeInvariantViolation,
		Message:    message,
		EntityName: entityName,
	}
}

// NewExecutionError wraps an executor failure for one operation.
func NewExecutionError(entityName string, err error) *FlushError {
	return &FlushError{
		Code:       ErrCodeExecutionFailed,
		Message:    err.Error(),
		EntityName: entityName,
		Err:        err,
	}
}
