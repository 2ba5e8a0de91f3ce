// Package errors provides custom error types for the quotesync packages
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeRejected          ErrorCode = "REJECTED"
	ErrCodeAuthFailure       ErrorCode = "AUTH_FAILURE"
)

// Kind classifies an error for the sync engine's recovery decisions.
type Kind string

const (
	KindVersionConflict Kind = "version_conflict"
	KindTransient       Kind = "transient"
	KindUnknownEntry    Kind = "unknown_entry"
	KindRejected        Kind = "rejected"
	KindNotFound        Kind = "not_found"
	KindInvalid         Kind = "invalid"
	KindClosed          Kind = "closed"
	KindInternal        Kind = "internal"
)

// Operation represents the type of sync operation
type Operation string

const (
	OpSync       Operation = "sync"
	OpSubmit     Operation = "submit"
	OpFetch      Operation = "fetch"
	OpPut        Operation = "put"
	OpGet        Operation = "get"
	OpList       Operation = "list"
	OpAppend     Operation = "append"
	OpMarkState  Operation = "mark_state"
	OpPurge      Operation = "purge"
	OpEdit       Operation = "edit"
	OpRetry      Operation = "retry"
	OpDiscard    Operation = "discard"
	OpLoad       Operation = "load"
	OpResolve    Operation = "conflict_resolve"
	OpClose      Operation = "close"
	OpConfigLoad Operation = "config_load"
	OpHealth     Operation = "health"
)

// Op is the builder form of Operation accepted by E.
func Op(name string) Operation { return Operation(name) }

// Component names the package or subsystem reporting the error.
type Component string

// SyncError represents an error that occurred during synchronization
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "gateway")
	Component string

	// Kind classifies the failure
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// kinded is implemented by domain errors that carry a Kind without being a SyncError,
// such as the version conflict error raised by record stores and gateways.
type kinded interface {
	ErrorKind() Kind
}

// E builds a SyncError from its arguments. Recognised argument types are
// Operation, Component, Kind, ErrorCode, error, string (extra detail appended to
// the message) and map[string]interface{} (metadata). Unknown types are ignored.
func E(args ...interface{}) error {
	e := &SyncError{}
	var details []string
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case error:
			e.Err = a
		case string:
			details = append(details, a)
		case map[string]interface{}:
			e.Metadata = a
		}
	}

	if len(details) > 0 {
		detail := strings.Join(details, ": ")
		if e.Err == nil {
			e.Err = errors.New(detail)
		} else {
			e.Err = fmt.Errorf("%s: %w", detail, e.Err)
		}
	}
	if e.Err == nil {
		e.Err = errors.New("unknown error")
	}
	if e.Kind == "" {
		e.Kind = KindOf(e.Err)
	}
	if e.Kind == KindTransient || IsRetryable(e.Err) {
		e.Retryable = true
	}
	return e
}

// NewRejectedError reports a change the quoting system refused on business
// grounds. It is permanent: resending the same payload fails the same way.
func NewRejectedError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeRejected,
		Op:        op,
		Component: "gateway",
		Kind:      KindRejected,
		Err:       cause,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Kind:      KindInvalid,
		Err:       cause,
		Retryable: false,
	}
}

// NewNetworkError creates a new network-related SyncError
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Op:        op,
		Component: "gateway",
		Kind:      KindTransient,
		Err:       cause,
		Retryable: true,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Kind:      KindOf(err),
		Err:       err,
		Retryable: IsRetryable(err),
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable || syncErr.Kind == KindTransient
	}
	return false
}

// KindOf returns the first non-empty Kind found in err's chain, or "" when the
// chain carries none.
func KindOf(err error) Kind {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch v := e.(type) {
		case *SyncError:
			if v.Kind != "" {
				return v.Kind
			}
		case kinded:
			return v.ErrorKind()
		}
	}
	return ""
}

// IsKind reports whether any error in err's chain has kind k.
func IsKind(err error, k Kind) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch v := e.(type) {
		case *SyncError:
			if v.Kind == k {
				return true
			}
		case kinded:
			if v.ErrorKind() == k {
				return true
			}
		}
	}
	return false
}
