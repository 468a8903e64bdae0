package evolve

import (
	"errors"
	"fmt"
)

// ErrConcurrentOperation is returned when a second Run or ExecuteCommand is
// attempted while one is already in flight on the same session.
type ErrConcurrentOperation struct {
	Op string
}

func (e *ErrConcurrentOperation) Error() string {
	return fmt.Sprintf("%s: another operation is already in flight on this session", e.Op)
}

// ErrMutualExclusion is returned when incompatible options are combined,
// such as a checkpoint restore on a session already bound to a sandbox, or
// Verify together with BestOf on the same operator call.
type ErrMutualExclusion struct {
	A, B string
}

func (e *ErrMutualExclusion) Error() string {
	return fmt.Sprintf("%s and %s are mutually exclusive", e.A, e.B)
}

// ErrSandboxNotFound is returned when resuming a sandbox id the provider no
// longer recognises.
type ErrSandboxNotFound struct {
	SandboxID string
}

func (e *ErrSandboxNotFound) Error() string {
	return fmt.Sprintf("sandbox %s not found", e.SandboxID)
}

// ErrBridge is a transport failure between the runtime and the sandbox or
// the polyglot bridge. Unrecoverable for the current session; callers must
// build a new one.
type ErrBridge struct {
	Op  string
	Err error
}

func (e *ErrBridge) Error() string { return fmt.Sprintf("bridge %s: %v", e.Op, e.Err) }
func (e *ErrBridge) Unwrap() error { return e.Err }

// ErrSchemaValidation is returned when the result file is missing or does
// not match the declared schema.
type ErrSchemaValidation struct {
	Message string
	Raw     string
}

func (e *ErrSchemaValidation) Error() string { return "schema validation failed: " + e.Message }

// ErrVerifyExhausted signals that the verifier rejected the worker's result
// in all allowed attempts.
type ErrVerifyExhausted struct {
	Attempts  int
	Reasoning string
}

func (e *ErrVerifyExhausted) Error() string {
	return fmt.Sprintf("verifier rejected result after %d attempts: %s", e.Attempts, e.Reasoning)
}

// ErrRetryExhausted signals that the retry executor used up all attempts.
// The last error is preserved.
type ErrRetryExhausted struct {
	Attempts int
	Last     error
}

func (e *ErrRetryExhausted) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.Last)
}
func (e *ErrRetryExhausted) Unwrap() error { return e.Last }

// ErrJudgeFailed signals that a BestOf judge exhausted its internal
// retries. The whole item becomes an error; there is no silent fallback to
// the first candidate.
type ErrJudgeFailed struct {
	Err error
}

func (e *ErrJudgeFailed) Error() string { return fmt.Sprintf("bestof judge failed: %v", e.Err) }
func (e *ErrJudgeFailed) Unwrap() error { return e.Err }

// ErrTimeout is returned when a per-call deadline is exceeded.
type ErrTimeout struct {
	Op string
}

func (e *ErrTimeout) Error() string { return e.Op + ": deadline exceeded" }

// ErrInvalidState is returned for lifecycle transitions that are not valid
// from the current state, e.g. Pause while the agent is running or a
// command issued on a paused sandbox.
type ErrInvalidState struct {
	Op      string
	Sandbox SandboxState
	Agent   AgentState
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("%s: invalid from state sandbox=%s agent=%s", e.Op, e.Sandbox, e.Agent)
}

// IsSandboxNotFound reports whether err wraps an ErrSandboxNotFound.
func IsSandboxNotFound(err error) bool {
	var e *ErrSandboxNotFound
	return errors.As(err, &e)
}
