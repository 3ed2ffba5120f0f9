// Package fault provides structured error types shared across the engine.
// Fault errors carry a Kind classification and preserve causal context while
// implementing the standard error interface, so failures survive store
// round-trips and event payloads without losing errors.Is/As support.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Kinds are stable strings persisted in store rows
// and event payloads; consumers branch on them to decide retry and display
// behavior.
type Kind string

const (
	// KindValidation marks malformed input: definitions, messages, mappings.
	KindValidation Kind = "validation"
	// KindNotFound marks lookups that matched nothing.
	KindNotFound Kind = "not_found"
	// KindConflict marks writes that lost to a concurrent or duplicate write.
	KindConflict Kind = "conflict"
	// KindLoopLimit marks a transition fired past its loop budget.
	KindLoopLimit Kind = "loop_limit"
	// KindTimeout marks synchronization or dispatch deadlines expiring.
	KindTimeout Kind = "timeout"
	// KindDispatch marks failures handing work to an executor or actor.
	KindDispatch Kind = "dispatch"
	// KindMerge marks branch merge failures.
	KindMerge Kind = "merge"
	// KindExpression marks expression compile or evaluation failures.
	KindExpression Kind = "expression"
	// KindStorage marks persistence failures.
	KindStorage Kind = "storage"
	// KindLLM marks model provider failures.
	KindLLM Kind = "llm"
	// KindTool marks tool invocation failures.
	KindTool Kind = "tool"
	// KindInternal marks invariant violations and panics.
	KindInternal Kind = "internal"
)

// Error is a classified failure. Errors may be nested via Cause to retain
// diagnostics across retries and actor hops.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Code is an optional machine-readable refinement of Kind.
	Code string
	// Message is the human-readable summary of the failure.
	Message string
	// Field names the offending field path for validation failures.
	Field string
	// Cause links to the underlying error.
	Cause error
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = string(kind) + " error"
	}
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap constructs an Error of the given kind wrapping cause. A nil cause
// yields a plain Error.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Validation constructs a validation Error naming the offending field.
func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Field: field}
}

// NotFound constructs a not_found Error.
func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// Timeout constructs a timeout Error.
func Timeout(format string, args ...any) *Error {
	return Newf(KindTimeout, format, args...)
}

// Internal constructs an internal Error wrapping cause.
func Internal(message string, cause error) *Error {
	return Wrap(KindInternal, message, cause)
}

// FromError converts an arbitrary error into an *Error. Existing fault errors
// pass through unchanged; everything else becomes KindInternal.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: KindInternal, Message: err.Error(), Cause: errors.Unwrap(err)}
}

// KindOf reports the Kind of err, or KindInternal when err carries none.
// A nil err yields the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	}
	if e.Kind == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Failure is the serializable form of an Error persisted in store rows and
// embedded in *.failed event payloads.
type Failure struct {
	// Kind classifies the failure.
	Kind Kind `json:"kind" bson:"kind"`
	// Code refines Kind when set.
	Code string `json:"code,omitempty" bson:"code,omitempty"`
	// Message is the human-readable summary.
	Message string `json:"message" bson:"message"`
	// Field names the offending field path when known.
	Field string `json:"field,omitempty" bson:"field,omitempty"`
}

// ToFailure converts err into its serializable form. A nil err yields nil.
func ToFailure(err error) *Failure {
	fe := FromError(err)
	if fe == nil {
		return nil
	}
	return &Failure{Kind: fe.Kind, Code: fe.Code, Message: fe.Message, Field: fe.Field}
}

// Err reconstructs an Error from a persisted Failure. A nil f yields nil.
func (f *Failure) Err() *Error {
	if f == nil {
		return nil
	}
	return &Error{Kind: f.Kind, Code: f.Code, Message: f.Message, Field: f.Field}
}

// Payload renders the failure as an event payload fragment.
func (f *Failure) Payload() map[string]any {
	if f == nil {
		return nil
	}
	p := map[string]any{"kind": string(f.Kind), "message": f.Message}
	if f.Code != "" {
		p["code"] = f.Code
	}
	if f.Field != "" {
		p["field"] = f.Field
	}
	return p
}
