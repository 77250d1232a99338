// Package faults classifies errors raised by the trading core.
//
// Retryable errors are transient and retried by the connection layer.
// Degraded errors mean partial data; the affected work is skipped for the
// tick. SafetyCritical errors pre-empt normal flow and force an emergency
// exit. Fatal errors halt automated trading until an operator intervenes.
package faults

import (
	"errors"
	"fmt"
)

// Class is the handling category of an error.
type Class string

const (
	ClassRetryable      Class = "retryable"
	ClassDegraded       Class = "degraded"
	ClassSafetyCritical Class = "safety_critical"
	ClassFatal          Class = "fatal"
)

// ErrGatewayUnavailable is returned by every gateway call made while the
// connection is not usable.
var ErrGatewayUnavailable = &Error{Class: ClassRetryable, Op: "gateway", Err: errors.New("gateway unavailable")}

// ErrReconnectExhausted is returned once the reconnect budget is spent.
var ErrReconnectExhausted = &Error{Class: ClassFatal, Op: "reconnect", Err: errors.New("reconnect attempts exhausted")}

// Error carries a classification alongside the wrapped cause.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by identity, and any *Error with the same
// class and op when target has a nil cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t == e {
		return true
	}
	return t.Err == nil && t.Class == e.Class && t.Op == e.Op
}

// Retryable wraps err as a transient failure.
func Retryable(op string, err error) error { return wrap(ClassRetryable, op, err) }

// Degraded wraps err as a partial-data failure.
func Degraded(op string, err error) error { return wrap(ClassDegraded, op, err) }

// SafetyCritical wraps err as a limit breach.
func SafetyCritical(op string, err error) error { return wrap(ClassSafetyCritical, op, err) }

// Fatal wraps err as an unrecoverable failure.
func Fatal(op string, err error) error { return wrap(ClassFatal, op, err) }

func wrap(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

// Classify wraps err in class unless the chain is already classified, in
// which case the existing class is kept and op is added as context.
func Classify(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return wrap(class, op, err)
}

// ClassOf returns the class of the outermost classified error in the chain.
// Unclassified errors are treated as retryable, matching how transport
// failures surface from broker SDKs.
func ClassOf(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ClassRetryable
}

// IsRetryable reports whether err may succeed if the call is repeated.
func IsRetryable(err error) bool {
	return err != nil && ClassOf(err) == ClassRetryable
}

// IsFatal reports whether err requires manual intervention.
func IsFatal(err error) bool {
	return err != nil && ClassOf(err) == ClassFatal
}
