// Package apperrors defines the error kinds shared across the control
// plane so callers can classify failures without type-asserting on a
// specific package's error struct.
package apperrors

import "fmt"

type Kind string

const (
	KindAuth                     Kind = "AuthError"
	KindQueueOverflow             Kind = "QueueOverflow"
	KindUpstreamTimeout           Kind = "UpstreamTimeout"
	KindUpstreamRateLimited       Kind = "UpstreamRateLimited"
	KindProviderParamUnsupported Kind = "ProviderParameterUnsupported"
	KindEmbeddingUnavailable      Kind = "EmbeddingUnavailable"
	KindStoreUnavailable          Kind = "StoreUnavailable"
	KindSchemaMismatch            Kind = "SchemaMismatch"
	KindLimitExceeded             Kind = "LimitExceeded"
	KindNotFound                  Kind = "NotFound"
	KindStateConflict             Kind = "StateConflict"
	KindCancellationRequested     Kind = "CancellationRequested"
)

// Error is the concrete error type carrying a Kind so call sites can
// branch with errors.As without depending on package-specific types.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}

// Retryable reports whether the error kind should be retried by a queue
// consumer or the action executor's backoff loop.
func Retryable(kind Kind) bool {
	switch kind {
	case KindUpstreamTimeout, KindUpstreamRateLimited, KindProviderParamUnsupported:
		return true
	default:
		return false
	}
}
