// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package types

import (
	"context"
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Error Kinds
// -----------------------------------------------------------------------------

// ErrorKind classifies failures for retry and propagation decisions.
type ErrorKind int

const (
	// KindUnknown is any error the engine cannot classify. Retried.
	KindUnknown ErrorKind = iota

	// KindNetwork is a transient transport failure. Retried.
	KindNetwork

	// KindValidation means the entity is not eligible. Never retried.
	KindValidation

	// KindPermission means the caller may not perform the action. Never retried.
	KindPermission

	// KindIntegrity means deleting would break referential integrity.
	// Never retried; blocks deletion unless forced.
	KindIntegrity

	// KindTimeout is a deadline expiry. Retried until retries run out.
	KindTimeout

	// KindCancelled is a cooperative stop. Terminal, not a failure.
	KindCancelled
)

// String returns the kind name used in logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindIntegrity:
		return "integrity"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Retryable reports whether an error of this kind may succeed on retry.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindUnknown:
		return true
	default:
		return false
	}
}

// Kind sentinels. Match with errors.Is(err, types.ErrNetwork) and so on.
var (
	ErrNetwork    = errors.New("network error")
	ErrValidation = errors.New("validation error")
	ErrPermission = errors.New("permission error")
	ErrIntegrity  = errors.New("integrity error")
	ErrTimeout    = errors.New("timeout error")
	ErrCancelled  = errors.New("cancelled")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindValidation:
		return ErrValidation
	case KindPermission:
		return ErrPermission
	case KindIntegrity:
		return ErrIntegrity
	case KindTimeout:
		return ErrTimeout
	case KindCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// -----------------------------------------------------------------------------
// Operation-level Errors
// -----------------------------------------------------------------------------

var (
	// ErrAdmissionRejected is returned when a user already has the maximum
	// number of in-progress operations. Callers retry later.
	ErrAdmissionRejected = errors.New("too many concurrent deletion operations")

	// ErrOperationNotFound is returned for unknown operation IDs.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrRootLookup is returned when the root entity's relations cannot be listed.
	ErrRootLookup = errors.New("root relation lookup failed")

	// ErrPoolUnavailable is returned when a worker pool cannot accept work.
	ErrPoolUnavailable = errors.New("worker pool unavailable")

	// ErrForceNotAllowed is returned when force is requested but not authorized.
	ErrForceNotAllowed = errors.New("force deletion not allowed")
)

// -----------------------------------------------------------------------------
// Error
// -----------------------------------------------------------------------------

// Error is a classified engine error.
//
// # Example
//
//	err := types.NewError(types.KindNetwork, "delete", cause).WithEntity("student:42")
//	errors.Is(err, types.ErrNetwork) // true
//	errors.Is(err, cause)            // true
type Error struct {
	Kind   ErrorKind
	Op     string
	Entity string
	Err    error
}

// NewError wraps err with a kind and the operation that failed.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithEntity returns a copy of e annotated with an entity key.
func (e *Error) WithEntity(key string) *Error {
	cp := *e
	cp.Entity = key
	return &cp
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Entity != "" {
		msg += " [" + e.Entity + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf classifies any error.
//
// *Error values report their Kind. Context deadline and cancellation map to
// KindTimeout and KindCancelled. A nil error is KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	}
	return KindUnknown
}

// IsRetryable reports whether err may succeed on retry.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}
