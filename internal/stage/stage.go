// Package stage runs the individual workflow stages against the reasoning
// engine. Each stage sends the conversation and accumulated assessment to the
// engine with a JSON schema, then decodes and checks the reply before any of
// it is allowed near the session state.
package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/aixgo-dev/carepath/internal/llm/provider"
	"github.com/aixgo-dev/carepath/pkg/session"
)

// ErrEngineFailure matches every error caused by the reasoning engine:
// transport failures, malformed replies and replies that break an invariant.
var ErrEngineFailure = errors.New("reasoning engine failure")

// Error reports an engine failure in a specific stage.
type Error struct {
	Stage session.Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrEngineFailure) hold for every *Error.
func (e *Error) Is(target error) bool { return target == ErrEngineFailure }

// Code returns the provider error code behind the failure, or
// provider.ErrorCodeInvalidResponse when the engine answered but the answer
// was rejected.
func (e *Error) Code() string {
	var perr *provider.ProviderError
	if errors.As(e.Err, &perr) {
		return perr.Code
	}
	return provider.ErrorCodeInvalidResponse
}

func engineFailure(stage session.Stage, err error) error {
	return &Error{Stage: stage, Err: err}
}

// interrupted reports whether err is the caller's own cancellation rather
// than an engine problem.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
