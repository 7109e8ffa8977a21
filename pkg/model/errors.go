package model

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for retry and propagation decisions.
type Kind string

const (
	KindInvalidInput Kind = "invalid-input"
	KindNotFound     Kind = "not-found"
	KindConflict     Kind = "conflict"
	KindTransient    Kind = "transient"
	KindPermanent    Kind = "permanent"
	KindCancelled    Kind = "cancelled"
	KindPolicyDeny   Kind = "policy-deny"
)

// Error is the taxonomy-carrying error every public operation surfaces.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error without losing it.
func WrapError(kind Kind, code string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf walks the wrap chain and returns the first classification found.
// Context cancellation maps to KindCancelled; unclassified errors default
// to KindPermanent so nothing is silently retried forever.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindPermanent
}

// CodeOf returns the stable machine code of a classified error, or "" for
// unclassified ones.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// IsNotFound is a shorthand used on lookup paths.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// Retryable reports whether the bounded-backoff retry policy applies.
func Retryable(err error) bool { return IsKind(err, KindTransient) }
