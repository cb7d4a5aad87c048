package domain

import (
	"errors"
	"fmt"
)

// Code is the machine-readable classification a rejection or failure
// carries across API and queue boundaries.
type Code string

const (
	CodeValidation         Code = "validation_error"
	CodeCostLimit          Code = "cost_limit_exceeded"
	CodeConcurrencyLimit   Code = "concurrency_limit_exceeded"
	CodeServiceUnavailable Code = "service_unavailable"
	CodeCircuitOpen        Code = "circuit_open"
	CodeTransientStorage   Code = "transient_storage_unavailable"
	CodeObjectNotFound     Code = "object_not_found"
	CodeStageFailure       Code = "stage_failure"
	CodeIllegalTransition  Code = "illegal_transition"
)

// Error is the typed error the admission and pipeline layers surface.
// Retryable distinguishes bounded-retry failures (transient storage) from
// ones the caller must not retry internally.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func CostLimitExceeded(service string, estimate float64) *Error {
	return &Error{
		Code:    CodeCostLimit,
		Message: fmt.Sprintf("estimated %s spend %.4f would breach the configured ceiling", service, estimate),
	}
}

func ConcurrencyLimitExceeded(owner string, limit int) *Error {
	return &Error{
		Code:    CodeConcurrencyLimit,
		Message: fmt.Sprintf("owner %s already has %d jobs in flight", owner, limit),
	}
}

func ServiceUnavailable(name string) *Error {
	return &Error{Code: CodeServiceUnavailable, Message: fmt.Sprintf("required service %s is unavailable", name)}
}

func TransientStorageUnavailable(path string) *Error {
	return &Error{
		Code:      CodeTransientStorage,
		Message:   fmt.Sprintf("object %s not yet readable", path),
		Retryable: true,
	}
}

func ObjectNotFound(path string) *Error {
	return &Error{Code: CodeObjectNotFound, Message: fmt.Sprintf("object %s not found", path)}
}

func StageFailure(message string, retryable bool) *Error {
	return &Error{Code: CodeStageFailure, Message: message, Retryable: retryable}
}

func IllegalTransition(from, to Status) *Error {
	return &Error{Code: CodeIllegalTransition, Message: fmt.Sprintf("illegal transition %s -> %s", from, to)}
}

// CodeOf extracts the code from err, or "" if err is not a domain error.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// Retryable reports whether err is a domain error marked retryable.
func Retryable(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Retryable
}
