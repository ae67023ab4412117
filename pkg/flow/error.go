package flow

import (
	"errors"
	"fmt"

	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/storage"
)

// ErrNotFound is surfaced when a task, token, or process instance does not
// exist. It wraps the storage sentinel so callers can test either.
var ErrNotFound = storage.ErrNotFound

// EngineError is the generic engine failure wrapper.
type EngineError struct {
	Msg string
}

func (e *EngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...interface{}) error {
	return &EngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}

// ValidationError reports bad input. No mutation was performed.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func newValidationErrorf(format string, a ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, a...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ConflictError reports a lost race on shared coordination state, or an
// unknown strategy. The caller may retry.
type ConflictError struct {
	Msg string
	Err error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// HandlerError reports a compensation handler failure. Recorded per item, it
// does not abort the surrounding batch or sequence.
type HandlerError struct {
	ActivityId string
	Attempts   int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("compensation handler for %s failed after %d attempt(s): %v", e.ActivityId, e.Attempts, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// FailedError wraps the underlying cause of a transactional operation whose
// partial mutations were rolled back.
type FailedError struct {
	Op  string
	Err error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%s failed and was rolled back: %v", e.Op, e.Err)
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// NoSatisfiedFlowError reports an exclusive gateway with no satisfied
// condition and no default flow.
type NoSatisfiedFlowError struct {
	GatewayId string
	Flows     string
}

func (e *NoSatisfiedFlowError) Error() string {
	return fmt.Sprintf("no default flow, nor satisfied condition found for gateway %s: %s", e.GatewayId, e.Flows)
}

// ExpressionEvaluationError wraps an evaluator failure with the offending
// element context.
type ExpressionEvaluationError struct {
	Msg string
	Err error
}

func (e *ExpressionEvaluationError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ExpressionEvaluationError) Unwrap() error {
	return e.Err
}
