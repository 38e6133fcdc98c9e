package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
)

// ErrorKind classifies a failure by what it proves about the remote side.
// The dispatcher decides whether a call may move to the next backend from
// the kind alone, so adapters must never return an unclassified error for
// a failure that happened after bytes left the process.
type ErrorKind string

const (
	// ErrorKindPreflight means the request provably never left the local
	// process: DNS failure, connection refused, connect timeout, pool exhaustion.
	ErrorKindPreflight ErrorKind = "Preflight"

	// ErrorKindAmbiguous means the request may have reached the backend and
	// been applied.
	ErrorKindAmbiguous ErrorKind = "Ambiguous"

	// ErrorKindBackendRejected means the backend answered with a semantic
	// refusal such as a validation error.
	ErrorKindBackendRejected ErrorKind = "BackendRejected"

	// ErrorKindUnauthenticated means the backend refused the credentials.
	ErrorKindUnauthenticated ErrorKind = "Unauthenticated"

	// ErrorKindTimeout means a deadline expired after the request was sent.
	ErrorKindTimeout ErrorKind = "Timeout"

	// ErrorKindUnavailable means no backend could serve the request.
	ErrorKindUnavailable ErrorKind = "Unavailable"

	// ErrorKindCancelled means the caller withdrew the request.
	ErrorKindCancelled ErrorKind = "Cancelled"

	// ErrorKindInvalid means the request was malformed before dispatch.
	ErrorKindInvalid ErrorKind = "Invalid"

	// ErrorKindNotFound means a referenced plan or step does not exist.
	ErrorKindNotFound ErrorKind = "NotFound"

	// ErrorKindConflict means the request conflicts with the current state,
	// for example executing a plan that already ran.
	ErrorKindConflict ErrorKind = "Conflict"

	// ErrorKindApprovalRequired means a plan still has steps waiting for a
	// positive approval.
	ErrorKindApprovalRequired ErrorKind = "ApprovalRequired"

	// ErrorKindInternal is an unexpected local failure.
	ErrorKindInternal ErrorKind = "Internal"
)

// Validate checks if the error kind is known.
func (k ErrorKind) Validate() error {
	switch k {
	case ErrorKindPreflight, ErrorKindAmbiguous, ErrorKindBackendRejected,
		ErrorKindUnauthenticated, ErrorKindTimeout, ErrorKindUnavailable,
		ErrorKindCancelled, ErrorKindInvalid, ErrorKindNotFound,
		ErrorKindConflict, ErrorKindApprovalRequired, ErrorKindInternal:
		return nil
	default:
		return fmt.Errorf("invalid error kind: %s", k)
	}
}

// MayHaveReachedBackend reports whether a failure of this kind leaves the
// remote side effects unknown.
func (k ErrorKind) MayHaveReachedBackend() bool {
	return k == ErrorKindAmbiguous || k == ErrorKindTimeout || k == ErrorKindInternal
}

// CanAdvance reports whether the dispatcher may try the next candidate after
// a failure of kind k for capability c.
func CanAdvance(k ErrorKind, c Capability) bool {
	switch k {
	case ErrorKindPreflight, ErrorKindUnavailable:
		return true
	case ErrorKindAmbiguous, ErrorKindTimeout, ErrorKindInternal:
		return !c.IsMutating()
	default:
		return false
	}
}

// CountsAgainstHealth reports whether a failure of kind k says something
// about the backend's transport health. Semantic refusals prove the
// backend is alive; cancellation says nothing at all.
func CountsAgainstHealth(k ErrorKind) bool {
	switch k {
	case ErrorKindPreflight, ErrorKindAmbiguous, ErrorKindTimeout,
		ErrorKindUnavailable, ErrorKindInternal:
		return true
	default:
		return false
	}
}

// Error is a classified failure with context about where it happened.
type Error struct {
	// Kind is the classification used by the dispatcher and the HTTP surface.
	Kind ErrorKind `json:"errorKind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional backend or transport specific code.
	Code string `json:"code,omitempty"`

	// Backend is the adapter id that produced the error, if any.
	Backend string `json:"backend,omitempty"`

	// Capability is the capability being invoked.
	Capability Capability `json:"capability,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details carries structured context such as attempted backends.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Backend != "" {
		return fmt.Sprintf("[%s] %s (backend=%s)", e.Kind, msg, e.Backend)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind and code so callers can compare against sentinel values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// WithBackend records which adapter produced the error.
func (e *Error) WithBackend(id string) *Error {
	e.Backend = id
	return e
}

// WithCapability records the capability being invoked.
func (e *Error) WithCapability(c Capability) *Error {
	e.Capability = c
	return e
}

// WithCode adds a code to the error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewError creates a classified error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NewPreflightError creates an error for a request that never left the process.
func NewPreflightError(message string, err error) *Error {
	return NewError(ErrorKindPreflight, message, err)
}

// NewAmbiguousError creates an error for a request whose outcome is unknown.
func NewAmbiguousError(message string, err error) *Error {
	return NewError(ErrorKindAmbiguous, message, err)
}

// NewRejectedError creates an error for a semantic refusal by a backend.
func NewRejectedError(message string, err error) *Error {
	return NewError(ErrorKindBackendRejected, message, err)
}

// NewUnauthenticatedError creates an error for refused credentials.
func NewUnauthenticatedError(message string, err error) *Error {
	return NewError(ErrorKindUnauthenticated, message, err)
}

// NewTimeoutError creates an error for a deadline that expired after sending.
func NewTimeoutError(message string, err error) *Error {
	return NewError(ErrorKindTimeout, message, err)
}

// NewUnavailableError creates an error for a request no backend could serve.
func NewUnavailableError(message string, err error) *Error {
	return NewError(ErrorKindUnavailable, message, err)
}

// NewCancelledError creates an error for a withdrawn request.
func NewCancelledError(message string, err error) *Error {
	return NewError(ErrorKindCancelled, message, err)
}

// NewInvalidError creates an error for a malformed request.
func NewInvalidError(message string, err error) *Error {
	return NewError(ErrorKindInvalid, message, err)
}

// NewNotFoundError creates an error for a missing plan or step.
func NewNotFoundError(message string, err error) *Error {
	return NewError(ErrorKindNotFound, message, err)
}

// NewConflictError creates an error for a request that conflicts with state.
func NewConflictError(message string, err error) *Error {
	return NewError(ErrorKindConflict, message, err)
}

// NewApprovalRequiredError creates an error for a plan still awaiting approval.
func NewApprovalRequiredError(message string) *Error {
	return NewError(ErrorKindApprovalRequired, message, nil)
}

// KindOf returns the classification of err. Unclassified errors are
// reported as Internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrorKindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Classify turns an arbitrary transport error into a classified *Error.
// Errors that are already classified are returned unchanged. The rules
// only ever claim Preflight when the failure happened while dialing, so a
// write that may have reached the peer is never retried elsewhere.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return NewPreflightError("connect failed", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewPreflightError("address resolution failed", err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return NewPreflightError("connection refused", err)
	}

	switch {
	case errors.Is(err, context.Canceled):
		return NewCancelledError("request cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewTimeoutError("deadline exceeded", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeoutError("transport timeout", err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return NewAmbiguousError(fmt.Sprintf("%s %s failed", urlErr.Op, urlErr.URL), err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return NewAmbiguousError("connection dropped", err)
	}

	return NewAmbiguousError("transport failure", err)
}

// Envelope is the wire form of an error returned to clients.
type Envelope struct {
	ErrorKind ErrorKind              `json:"errorKind"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ToEnvelope converts err into its wire form.
func ToEnvelope(err error) Envelope {
	var e *Error
	if errors.As(err, &e) {
		msg := e.Message
		if msg == "" && e.Err != nil {
			msg = e.Err.Error()
		}
		return Envelope{ErrorKind: e.Kind, Message: msg, Details: e.Details}
	}
	return Envelope{ErrorKind: ErrorKindInternal, Message: err.Error()}
}

// Err converts an envelope received from a remote peer back into an error.
func (env Envelope) Err() *Error {
	kind := env.ErrorKind
	if kind.Validate() != nil {
		kind = ErrorKindAmbiguous
	}
	return &Error{Kind: kind, Message: env.Message, Details: env.Details}
}
