package evolve

import (
	"context"
	"time"
)

// DefaultSandboxTimeout is the per-call deadline applied when the caller
// does not override it.
const DefaultSandboxTimeout = time.Hour

// RPCGrace is added on top of the sandbox timeout for bridge RPC
// deadlines, so cleanup reporting can still arrive after a sandbox-side
// timeout. Bridge clients should wait sandbox timeout + RPCGrace.
const RPCGrace = 30 * time.Second

// CreateOptions configures a new sandbox.
type CreateOptions struct {
	// WorkingDirectory is the workspace root inside the sandbox.
	WorkingDirectory string
	// Env is injected into every process started in the sandbox.
	Env map[string]string
	// Timeout is the sandbox's idle/lifetime budget, provider-interpreted.
	Timeout time.Duration
}

// SandboxProvider creates and resumes remote sandboxes. Implementations
// wrap one vendor's control plane; the runtime never talks to a vendor
// directly. Implementations must return an error satisfying
// IsSandboxNotFound from Resume when the id is no longer recognised.
type SandboxProvider interface {
	Create(ctx context.Context, opts CreateOptions) (SandboxHandle, error)
	Resume(ctx context.Context, sandboxID string) (SandboxHandle, error)
}

// ExecSpec describes one process to start inside a sandbox.
type ExecSpec struct {
	// Command is passed to the sandbox shell.
	Command string
	// Cwd overrides the working directory for this process.
	Cwd string
	// Env adds per-process environment variables.
	Env map[string]string
	// User runs the process as a different user when set.
	User string
	// Timeout bounds the process runtime; zero means DefaultSandboxTimeout.
	Timeout time.Duration
	// Stdout and Stderr, when non-nil, receive output chunks as they
	// arrive. Callbacks must be synchronous and non-blocking.
	Stdout func(string)
	Stderr func(string)
}

// ExecResult is the outcome of a completed sandbox process.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Process is a started sandbox process. Wait blocks until it terminates;
// Interrupt signals it and lets Wait observe the resulting exit.
type Process interface {
	ID() string
	Wait(ctx context.Context) (ExecResult, error)
	Interrupt(ctx context.Context) error
}

// FileStat describes one file inside the sandbox.
type FileStat struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// SandboxHandle is one live sandbox. All methods are suspension points; the
// session controller never holds a lock across them except the run lock
// that guards the whole Run/ExecuteCommand critical section.
type SandboxHandle interface {
	ID() string

	// Start launches a process. Exec-style callers use Start followed by
	// Wait; Start exists so the session can interrupt in-flight work.
	Start(ctx context.Context, spec ExecSpec) (Process, error)

	// WriteFiles places files (paths relative to dir, or absolute when dir
	// is empty) into the sandbox filesystem.
	WriteFiles(ctx context.Context, dir string, files FileMap) error
	// ReadFile returns the contents of one file by absolute path.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// ReadDir returns all files under dir. With recursive false only the
	// top level is read.
	ReadDir(ctx context.Context, dir string, recursive bool) (FileMap, error)
	// StatDir lists files under dir with sizes and modification times.
	StatDir(ctx context.Context, dir string, recursive bool) ([]FileStat, error)

	// Snapshot returns a gzip-compressed tar of the given absolute paths.
	Snapshot(ctx context.Context, paths []string) ([]byte, error)
	// Restore unpacks a Snapshot archive into the sandbox root.
	Restore(ctx context.Context, archive []byte) error

	// Host returns a public URL for a port exposed by the sandbox.
	Host(ctx context.Context, port int) (string, error)

	Pause(ctx context.Context) error
	Unpause(ctx context.Context) error
	// Kill terminates the sandbox. Kill is idempotent: killing an
	// already-gone sandbox is not an error.
	Kill(ctx context.Context) error
}

// AgentEvent is one streamed event from a running agent process.
type AgentEvent struct {
	Channel EventChannel
	// Text is set for stdout/stderr chunks.
	Text string
	// Update is set for content events.
	Update ContentEvent
}

// LaunchSpec describes one agent invocation inside a sandbox.
type LaunchSpec struct {
	Prompt           string
	WorkingDirectory string
	Model            string
	Skills           []string
	Credential       ResolvedCredential
	Secrets          map[string]string
	Timeout          time.Duration
	// Events receives streamed agent events. Must be synchronous and
	// non-blocking; nil disables streaming.
	Events func(AgentEvent)
}

// AgentDriver launches a coding-agent process inside a sandbox. The driver
// owns per-family quirks: CLI invocation, system-prompt filename, MCP
// config path and format, credential environment. The orchestrator only
// sees this capability.
type AgentDriver interface {
	Family() AgentFamily
	Launch(ctx context.Context, sandbox SandboxHandle, spec LaunchSpec) (Process, error)
}

// MethodDispatcher routes one named method call to a handler. It is the
// seam the JSON-RPC bridge binds to; a native embedding dispenses with it
// entirely.
type MethodDispatcher interface {
	Dispatch(ctx context.Context, method string, params []byte) (any, error)
}
