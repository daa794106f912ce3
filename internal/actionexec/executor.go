// Package actionexec implements the Action Executor (§4.M): dispatch by
// handler kind with a bounded overall timeout, exponential-backoff
// retry, and non-retryable error classification.
//
// Grounded on internal/mcpgw/gateway.go's HandleJSONRPC dispatch-by-kind
// table and internal/notify/service.go's sendWithRetries, generalized
// from a fixed 3-attempt linear sleep to cenkalti/backoff/v4's
// exponential backoff on the 2^attempt second schedule spec §4.M calls
// for.
package actionexec

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Handler executes one action_type/handler-kind pairing. Validate and
// Rollback are optional: for a handler that doesn't implement them, the
// Executor returns ErrNotSupported.
type Handler interface {
	Kind() string
	Execute(ctx context.Context, actionType string, payload, actionCtx map[string]interface{}) (map[string]interface{}, error)
}

// Validator is implemented by handlers that support a dry-run preview.
type Validator interface {
	Validate(ctx context.Context, actionType string, payload, actionCtx map[string]interface{}) (ValidationResult, error)
}

// Rollbacker is implemented by handlers with a reversible transition.
type Rollbacker interface {
	Rollback(ctx context.Context, actionType string, payload, actionCtx, executionResult map[string]interface{}) error
}

type ValidationResult struct {
	Valid   bool
	Errors  []string
	Preview map[string]interface{}
}

const overallTimeout = 30 * time.Second

var nonRetryableSubstrings = []string{
	"invalid payload",
	"unauthorized",
	"not found",
	"invalid action type",
}

// Executor dispatches to a registry of handlers keyed by kind.
type Executor struct {
	handlers map[string]Handler
	maxTries uint64
}

func New() *Executor {
	return &Executor{handlers: make(map[string]Handler), maxTries: 3}
}

func (e *Executor) Register(h Handler) {
	e.handlers[h.Kind()] = h
}

// Execute satisfies actionbus.Executor: dispatch by handler kind with
// an overall 30s timeout and up to 3 attempts of exponential backoff
// (2^attempt seconds) between retryable failures.
func (e *Executor) Execute(ctx context.Context, actionType, handlerKind string, payload, actionCtx map[string]interface{}) (map[string]interface{}, error) {
	h, ok := e.handlers[handlerKind]
	if !ok {
		return nil, &classifiedError{msg: "invalid action type: no handler registered for " + handlerKind}
	}

	ctx, cancel := context.WithTimeout(ctx, overallTimeout)
	defer cancel()

	var result map[string]interface{}
	attempt := 0
	operation := func() error {
		attempt++
		r, err := h.Execute(ctx, actionType, payload, actionCtx)
		if err != nil {
			if isNonRetryable(err) {
				return backoff.Permanent(err)
			}
			log.Warn().Err(err).Str("handler", handlerKind).Str("action_type", actionType).Int("attempt", attempt).Msg("actionexec: attempt failed, retrying")
			return err
		}
		result = r
		return nil
	}

	bo := backoff.WithMaxRetries(&powerOfTwoBackOff{}, e.maxTries-1)
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// Validate runs the handler's dry-run preview, if supported.
func (e *Executor) Validate(ctx context.Context, actionType, handlerKind string, payload, actionCtx map[string]interface{}) (ValidationResult, error) {
	h, ok := e.handlers[handlerKind]
	if !ok {
		return ValidationResult{}, &classifiedError{msg: "invalid action type: no handler registered for " + handlerKind}
	}
	v, ok := h.(Validator)
	if !ok {
		return ValidationResult{}, ErrNotSupported
	}
	return v.Validate(ctx, actionType, payload, actionCtx)
}

// Rollback reverses a prior execution, if the handler supports it.
func (e *Executor) Rollback(ctx context.Context, actionType, handlerKind string, payload, actionCtx, executionResult map[string]interface{}) error {
	h, ok := e.handlers[handlerKind]
	if !ok {
		return &classifiedError{msg: "invalid action type: no handler registered for " + handlerKind}
	}
	r, ok := h.(Rollbacker)
	if !ok {
		return ErrNotSupported
	}
	return r.Rollback(ctx, actionType, payload, actionCtx, executionResult)
}

func isNonRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range nonRetryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

type classifiedError struct{ msg string }

func (e *classifiedError) Error() string { return e.msg }

var ErrNotSupported = &classifiedError{msg: "invalid action type: handler does not support this operation"}

// powerOfTwoBackOff implements backoff.BackOff with a 2^attempt second
// schedule (1s, 2s, 4s, ...) rather than cenkalti/backoff's default
// randomized exponential curve.
type powerOfTwoBackOff struct {
	attempt int
}

func (b *powerOfTwoBackOff) NextBackOff() time.Duration {
	d := time.Duration(1<<uint(b.attempt)) * time.Second
	b.attempt++
	return d
}

func (b *powerOfTwoBackOff) Reset() { b.attempt = 0 }
