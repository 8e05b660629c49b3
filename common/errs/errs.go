// Package errs defines the error taxonomy shared by every service.
//
// Errors are classified by kind, not by type: domain rejections surface as
// 4xx and are never retried, transient infrastructure faults are retried
// with backoff, and everything else maps through the uniform HTTP error
// body in http.go.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and HTTP mapping decisions.
type Kind int

const (
	// KindUnknown is the zero value; treated as fatal.
	KindUnknown Kind = iota
	// KindDomainRejection covers invariant and precondition failures
	// (insufficient stock, illegal transition). Never retried.
	KindDomainRejection
	// KindNotFound covers lookups of entities that do not exist. Final like
	// a domain rejection, surfaced as 404.
	KindNotFound
	// KindTransientInfra covers persistence lock waits, bus outages and
	// upstream 502/503. Retried with backoff.
	KindTransientInfra
	// KindTimeout covers exceeded deadlines. Retried only for idempotent work.
	KindTimeout
	// KindAuthFailure covers 401/403 outcomes. Never retried.
	KindAuthFailure
	// KindRateLimited covers 429 outcomes.
	KindRateLimited
	// KindFatal covers broken invariants at the storage layer. Surfaced as
	// 500 and logged for the operator.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindDomainRejection:
		return "domain_rejection"
	case KindNotFound:
		return "not_found"
	case KindTransientInfra:
		return "transient_infra"
	case KindTimeout:
		return "timeout"
	case KindAuthFailure:
		return "auth_failure"
	case KindRateLimited:
		return "rate_limited"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a kind, a stable machine-readable code and an operator
// message. Wrap causes with %w so errors.Is keeps working through it.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches by code, so detail-carrying copies from WithDetails still
// compare equal to their sentinel under errors.Is.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	return ok && e.Code == te.Code
}

// New builds a classified error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies an underlying cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

// WithDetails attaches structured detail to an error copy.
func (e *Error) WithDetails(details map[string]any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// KindOf extracts the kind from any error in the chain.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// CodeOf extracts the stable code, or "INTERNAL_ERROR" when unclassified.
func CodeOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return "INTERNAL_ERROR"
}

// IsRetriable reports whether the error kind participates in retry loops.
// Timeouts are retriable only when the caller knows the work is idempotent;
// that decision stays with the caller.
func IsRetriable(err error) bool {
	return KindOf(err) == KindTransientInfra
}
