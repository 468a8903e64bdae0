package evolve

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"
)

// defaultWorkingDirectory is the workspace root used when the caller does
// not override it.
const defaultWorkingDirectory = "/home/user/workspace"

// defaultSandboxHome is where agent home-directory state (and the codex
// family's TOML config) lives inside the sandbox.
const defaultSandboxHome = "/home/user"

// Event is one fan-out event delivered to a registered callback. Channel
// selects which of the payload fields is meaningful: Text for stdout and
// stderr, Content for content, Lifecycle for lifecycle.
type Event struct {
	Channel   EventChannel
	Text      string
	Content   ContentEvent
	Lifecycle LifecycleEvent
}

// Session is a stateful controller over one sandbox and one coding agent.
// All externally visible state transitions are serialised behind an init
// lock (boot exactly once) and a run lock (one Run or ExecuteCommand in
// flight). The zero value is not usable; construct with NewSession.
type Session struct {
	provider SandboxProvider
	driver   AgentDriver
	creds    CredentialProvider
	store    CheckpointStore
	cost     *CostClient
	logger   *slog.Logger

	workingDir   string
	home         string
	mode         WorkspaceMode
	systemPrompt string
	seedContext  FileMap
	seedFiles    FileMap
	mcpServers   map[string]MCPServer
	skills       []string
	secrets      map[string]string
	model        string
	tagPrefix    string
	schema       *SchemaDescriptor
	schemaMode   ValidationMode
	obsDir       string
	timeout      time.Duration

	boundSandboxID string

	// initMu guards first-use boot; runMu guards the agent=running
	// critical section. Lock order is initMu before runMu, never the
	// reverse. runMu is the only lock held across sandbox calls.
	initMu sync.Mutex
	runMu  sync.Mutex

	// mu guards the snapshot state below. Held only between suspension
	// points, never across a sandbox call.
	mu               sync.Mutex
	initialized      bool
	handle           SandboxHandle
	sandboxState     SandboxState
	agentState       AgentState
	activeProc       Process
	interrupted      bool
	hasRun           bool
	lastRunStart     time.Time
	runs             []Run
	lastCheckpointID string
	restoredFrom     string
	restoreTag       string
	tag              string
	previousTag      string
	sessionStart     time.Time
	obs              *obsLog
	callbacks        map[EventChannel]func(Event)
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithProvider sets the sandbox provider.
func WithProvider(p SandboxProvider) SessionOption {
	return func(s *Session) { s.provider = p }
}

// WithDriver sets the agent driver.
func WithDriver(d AgentDriver) SessionOption {
	return func(s *Session) { s.driver = d }
}

// WithAgent selects an agent family by its CLI driver and supplies explicit
// credentials. Shorthand for WithDriver(NewCLIDriver(family)) plus
// WithCredentialProvider(StaticCredentials{creds}).
func WithAgent(family AgentFamily, creds Credentials) SessionOption {
	return func(s *Session) {
		driver, err := NewCLIDriver(family)
		if err == nil {
			s.driver = driver
		}
		s.creds = StaticCredentials{Credentials: creds}
	}
}

// WithCredentialProvider sets the credential resolution strategy.
func WithCredentialProvider(p CredentialProvider) SessionOption {
	return func(s *Session) { s.creds = p }
}

// WithModel overrides the agent's default model.
func WithModel(model string) SessionOption {
	return func(s *Session) { s.model = model }
}

// WithWorkingDirectory sets the workspace root inside the sandbox.
func WithWorkingDirectory(dir string) SessionOption {
	return func(s *Session) { s.workingDir = dir }
}

// WithWorkspaceMode selects the workspace layout (default ModeKnowledge).
func WithWorkspaceMode(mode WorkspaceMode) SessionOption {
	return func(s *Session) { s.mode = mode }
}

// WithSystemPrompt supplies a custom system prompt. In knowledge mode it is
// appended after the workspace preamble; in swe mode it replaces the role
// text while keeping the directory contract.
func WithSystemPrompt(prompt string) SessionOption {
	return func(s *Session) { s.systemPrompt = prompt }
}

// WithContext pre-seeds files uploaded to context/ on first use.
func WithContext(files FileMap) SessionOption {
	return func(s *Session) { s.seedContext = files }
}

// WithFiles pre-seeds files uploaded to the working directory on first use.
func WithFiles(files FileMap) SessionOption {
	return func(s *Session) { s.seedFiles = files }
}

// WithMCPServers declares the MCP servers written into the agent's config
// file before first run.
func WithMCPServers(servers map[string]MCPServer) SessionOption {
	return func(s *Session) { s.mcpServers = servers }
}

// WithSkills enables agent skills (e.g. "pdf", "dev-browser").
func WithSkills(skills ...string) SessionOption {
	return func(s *Session) { s.skills = skills }
}

// WithSecrets sets environment variables injected into the sandbox.
func WithSecrets(secrets map[string]string) SessionOption {
	return func(s *Session) { s.secrets = secrets }
}

// WithSandboxID reconnects to an existing sandbox instead of creating one.
func WithSandboxID(id string) SessionOption {
	return func(s *Session) { s.boundSandboxID = id }
}

// WithTagPrefix sets a semantic prefix for the session tag used in
// observability log file names (default "evolve").
func WithTagPrefix(prefix string) SessionOption {
	return func(s *Session) { s.tagPrefix = prefix }
}

// WithSchema declares the expected shape of output/result.json.
func WithSchema(schema *SchemaDescriptor) SessionOption {
	return func(s *Session) { s.schema = schema }
}

// WithSchemaMode sets strict or loose validation (default loose).
func WithSchemaMode(mode ValidationMode) SessionOption {
	return func(s *Session) { s.schemaMode = mode }
}

// WithStorage enables checkpoint persistence.
func WithStorage(store CheckpointStore) SessionOption {
	return func(s *Session) { s.store = store }
}

// WithObservabilityDir overrides where session logs are written.
func WithObservabilityDir(dir string) SessionOption {
	return func(s *Session) { s.obsDir = dir }
}

// WithSessionTimeout sets the default per-call sandbox timeout
// (default one hour).
func WithSessionTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.timeout = d }
}

// WithCostClient enables the cost query surface.
func WithCostClient(c *CostClient) SessionOption {
	return func(s *Session) { s.cost = c }
}

// WithSessionLogger sets a structured logger for diagnostics. When unset,
// no logs are emitted.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// NewSession creates a session controller in state (sandbox=stopped,
// agent=idle). The sandbox boots lazily on first Run or ExecuteCommand.
func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		workingDir:   defaultWorkingDirectory,
		home:         defaultSandboxHome,
		mode:         ModeKnowledge,
		schemaMode:   ValidationLoose,
		obsDir:       DefaultObservabilityDir(),
		timeout:      DefaultSandboxTimeout,
		sandboxState: SandboxStopped,
		agentState:   AgentIdle,
		callbacks:    make(map[EventChannel]func(Event)),
		logger:       slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.creds == nil {
		// Env-var resolution is the default strategy, matching what the
		// agent CLIs themselves fall back to.
		s.creds = EnvCredentials{}
	}
	return s
}

// On registers a callback for one event channel. Registration is idempotent
// per channel: a second registration replaces the first. Unknown channels
// fail loudly. Events emitted with no listener registered are dropped.
// Callbacks must be synchronous and non-blocking; I/O belongs on an
// executor the caller owns.
func (s *Session) On(channel EventChannel, cb func(Event)) error {
	switch channel {
	case ChannelStdout, ChannelStderr, ChannelContent, ChannelLifecycle:
	default:
		return fmt.Errorf("unknown event channel %q", channel)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[channel] = cb
	return nil
}

// emit delivers an event to its channel's callback (if any) and appends it
// to the observability log.
func (s *Session) emit(ev Event) {
	s.mu.Lock()
	cb := s.callbacks[ev.Channel]
	obs := s.obs
	s.mu.Unlock()

	if obs != nil {
		switch ev.Channel {
		case ChannelStdout, ChannelStderr:
			_ = obs.Event(ev.Channel, ev.Text)
		case ChannelContent:
			_ = obs.Event(ev.Channel, ev.Content)
		case ChannelLifecycle:
			_ = obs.Event(ev.Channel, ev.Lifecycle)
		}
	}
	if cb != nil {
		cb(ev)
	}
}

// emitLifecycle captures a state snapshot and emits it with a reason.
func (s *Session) emitLifecycle(reason LifecycleReason) {
	s.mu.Lock()
	ev := LifecycleEvent{
		Sandbox:   s.sandboxState,
		Agent:     s.agentState,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	if s.handle != nil {
		ev.SandboxID = s.handle.ID()
	}
	s.mu.Unlock()
	s.emit(Event{Channel: ChannelLifecycle, Lifecycle: ev})
}

// ensureInitialized boots the sandbox and prepares the workspace exactly
// once. Safe for concurrent callers; the init lock serialises them.
func (s *Session) ensureInitialized(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.Lock()
	done := s.initialized
	s.mu.Unlock()
	if done {
		return nil
	}
	if s.provider == nil {
		return fmt.Errorf("session: no sandbox provider configured")
	}
	if s.driver == nil {
		return fmt.Errorf("session: no agent driver configured")
	}

	// A checkpoint restore continues the checkpoint's logical session, so
	// its tag is inherited instead of minting a fresh one.
	s.mu.Lock()
	tag := s.restoreTag
	s.mu.Unlock()
	if tag == "" {
		tag = NewSessionTag(s.tagPrefix)
	}
	family := s.driver.Family()

	var handle SandboxHandle
	var err error
	var connectedReason LifecycleReason
	if s.boundSandboxID != "" {
		handle, err = s.provider.Resume(ctx, s.boundSandboxID)
		if err != nil {
			return err
		}
		connectedReason = ReasonSandboxConnected
	} else {
		s.emitLifecycle(ReasonSandboxBoot)
		handle, err = s.provider.Create(ctx, CreateOptions{
			WorkingDirectory: s.workingDir,
			Env:              s.secrets,
			Timeout:          s.timeout,
		})
		if err != nil {
			return err
		}
		connectedReason = ReasonSandboxReady
	}

	obs, err := newObsLog(s.obsDir, tag, obsMeta{
		Tag:           tag,
		Agent:         string(family),
		Model:         s.model,
		WorkspaceMode: string(s.mode),
		StartedAt:     time.Now(),
	})
	if err != nil {
		_ = handle.Kill(ctx)
		return err
	}

	if err := s.prepareWorkspace(ctx, handle, family); err != nil {
		obs.Close()
		_ = handle.Kill(ctx)
		return err
	}

	s.mu.Lock()
	s.handle = handle
	s.obs = obs
	s.tag = tag
	s.sessionStart = time.Now()
	s.sandboxState = SandboxReady
	s.agentState = AgentIdle
	s.initialized = true
	s.mu.Unlock()

	s.emitLifecycle(connectedReason)
	s.logger.Debug("session initialized", "tag", tag, "sandbox_id", handle.ID())
	return nil
}

// prepareWorkspace creates the mode directories, uploads pre-seeded files
// and writes the system prompt and MCP config.
func (s *Session) prepareWorkspace(ctx context.Context, handle SandboxHandle, family AgentFamily) error {
	dirs := workspaceDirs(s.mode)
	if _, err := execOnce(ctx, handle, ExecSpec{
		Command: "mkdir -p " + strings.Join(dirs, " "),
		Cwd:     s.workingDir,
		Timeout: s.timeout,
	}); err != nil {
		return fmt.Errorf("prepare workspace: %w", err)
	}

	if len(s.seedContext) > 0 {
		if err := handle.WriteFiles(ctx, path.Join(s.workingDir, "context"), s.seedContext); err != nil {
			return err
		}
	}
	if len(s.seedFiles) > 0 {
		if err := handle.WriteFiles(ctx, s.workingDir, s.seedFiles); err != nil {
			return err
		}
	}

	profile := familyProfile(family)
	prompt := systemPromptFor(s.mode, s.systemPrompt)
	if err := handle.WriteFiles(ctx, s.workingDir, FileMap{profile.PromptFile: []byte(prompt)}); err != nil {
		return err
	}

	if len(s.mcpServers) > 0 {
		config, err := renderMCPConfig(family, s.mcpServers)
		if err != nil {
			return err
		}
		target := mcpConfigPath(family, s.workingDir, s.home)
		if err := handle.WriteFiles(ctx, "", FileMap{target: config}); err != nil {
			return err
		}
	}
	return nil
}

// execOnce starts a process and waits for it.
func execOnce(ctx context.Context, handle SandboxHandle, spec ExecSpec) (ExecResult, error) {
	proc, err := handle.Start(ctx, spec)
	if err != nil {
		return ExecResult{}, err
	}
	return proc.Wait(ctx)
}

// runOptions collects Run's optional parameters.
type runOptions struct {
	timeout           time.Duration
	background        bool
	fromCheckpoint    string
	checkpointComment string
}

// RunOption configures one Run invocation.
type RunOption func(*runOptions)

// RunTimeout overrides the per-call deadline for this run.
func RunTimeout(d time.Duration) RunOption {
	return func(o *runOptions) { o.timeout = d }
}

// RunBackground makes Run return a handshake response as soon as the run is
// accepted; final completion arrives via lifecycle events.
func RunBackground() RunOption {
	return func(o *runOptions) { o.background = true }
}

// FromCheckpoint restores a checkpoint before running. Pass
// LatestCheckpoint to resolve the newest checkpoint at call time. Mutually
// exclusive with a bound sandbox id.
func FromCheckpoint(id string) RunOption {
	return func(o *runOptions) { o.fromCheckpoint = id }
}

// CheckpointComment labels the auto-checkpoint produced after this run.
func CheckpointComment(comment string) RunOption {
	return func(o *runOptions) { o.checkpointComment = comment }
}

// Run executes one AI-assisted task. Preconditions: agent idle and no other
// Run or ExecuteCommand in flight, otherwise ErrConcurrentOperation. A
// clean run (exit 0) with storage configured produces exactly one
// checkpoint whose parent is the session's previous checkpoint, or the
// restore source for the first run after a restore.
func (s *Session) Run(ctx context.Context, prompt string, opts ...RunOption) (AgentResponse, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = s.timeout
	}

	if o.fromCheckpoint != "" {
		if err := s.restoreCheckpoint(ctx, o.fromCheckpoint); err != nil {
			return AgentResponse{}, err
		}
	}
	if err := s.ensureInitialized(ctx); err != nil {
		return AgentResponse{}, err
	}

	if !s.runMu.TryLock() {
		return AgentResponse{}, &ErrConcurrentOperation{Op: "run"}
	}

	s.mu.Lock()
	if s.sandboxState == SandboxPaused {
		s.mu.Unlock()
		s.runMu.Unlock()
		return AgentResponse{}, &ErrInvalidState{Op: "run", Sandbox: SandboxPaused, Agent: s.agentState}
	}
	handle := s.handle
	runID := NewID()
	start := time.Now()
	s.agentState = AgentRunning
	s.interrupted = false
	s.hasRun = true
	s.lastRunStart = start
	obs := s.obs
	s.mu.Unlock()

	if obs != nil {
		_ = obs.Prompt(prompt)
	}
	s.emitLifecycle(ReasonRunStart)

	cred, err := s.creds.Resolve(s.driver.Family())
	if err != nil {
		s.finishRun(runID, prompt, start, ExecResult{ExitCode: -1}, o, false)
		s.runMu.Unlock()
		return AgentResponse{}, err
	}

	proc, err := s.driver.Launch(ctx, handle, LaunchSpec{
		Prompt:           prompt,
		WorkingDirectory: s.workingDir,
		Model:            s.model,
		Skills:           s.skills,
		Credential:       cred,
		Secrets:          s.secrets,
		Timeout:          o.timeout,
		Events: func(ev AgentEvent) {
			s.emit(Event{Channel: ev.Channel, Text: ev.Text, Content: ev.Update})
		},
	})
	if err != nil {
		s.finishRun(runID, prompt, start, ExecResult{ExitCode: -1}, o, false)
		s.runMu.Unlock()
		return AgentResponse{}, err
	}

	s.mu.Lock()
	s.activeProc = proc
	s.mu.Unlock()

	if o.background {
		go func() {
			defer s.runMu.Unlock()
			result, waitErr := proc.Wait(context.WithoutCancel(ctx))
			if waitErr != nil {
				result = ExecResult{ExitCode: -1, Stderr: waitErr.Error()}
			}
			s.finishRun(runID, prompt, start, result, o, true)
		}()
		return AgentResponse{SandboxID: handle.ID(), RunID: runID, ExitCode: 0}, nil
	}

	defer s.runMu.Unlock()
	result, waitErr := proc.Wait(ctx)
	if waitErr != nil {
		result = ExecResult{ExitCode: -1, Stderr: waitErr.Error()}
	}
	checkpoint := s.finishRun(runID, prompt, start, result, o, false)
	return AgentResponse{
		SandboxID:  handle.ID(),
		RunID:      runID,
		ExitCode:   result.ExitCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		Checkpoint: checkpoint,
	}, waitErr
}

// finishRun records the run, produces the auto-checkpoint for clean exits
// and emits the terminal lifecycle event. Returns the checkpoint, if any.
func (s *Session) finishRun(runID, prompt string, start time.Time, result ExecResult, o runOptions, background bool) *CheckpointInfo {
	var checkpoint *CheckpointInfo
	if result.ExitCode == 0 && s.store != nil {
		info, err := s.snapshotCheckpoint(context.Background(), o.checkpointComment)
		if err != nil {
			s.logger.Warn("auto-checkpoint failed", "run_id", runID, "error", err)
		} else {
			checkpoint = &info
		}
	}

	s.mu.Lock()
	interrupted := s.interrupted
	s.activeProc = nil
	s.agentState = AgentIdle
	s.runs = append(s.runs, Run{
		RunID:       runID,
		Prompt:      prompt,
		StartedAt:   start,
		CompletedAt: time.Now(),
		ExitCode:    result.ExitCode,
		Stdout:      result.Stdout,
		Stderr:      result.Stderr,
		Checkpoint:  checkpoint,
	})
	s.mu.Unlock()

	reason := ReasonRunComplete
	switch {
	case interrupted:
		reason = ReasonRunInterrupted
	case result.ExitCode != 0 && background:
		reason = ReasonRunBackgroundFailed
	case result.ExitCode != 0:
		reason = ReasonRunFailed
	case background:
		reason = ReasonRunBackgroundComplete
	}
	s.emitLifecycle(reason)
	return checkpoint
}

// restoreCheckpoint boots a fresh sandbox from an archived checkpoint. A
// previously bound sandbox id conflicts: ErrMutualExclusion.
func (s *Session) restoreCheckpoint(ctx context.Context, id string) error {
	if s.store == nil {
		return fmt.Errorf("from_checkpoint requires storage configuration")
	}
	s.mu.Lock()
	bound := s.boundSandboxID != "" || s.handle != nil
	s.mu.Unlock()
	if bound {
		return &ErrMutualExclusion{A: "from_checkpoint", B: "sandbox_id"}
	}

	info, err := s.store.Get(ctx, id, GetOptions{})
	if err != nil {
		return err
	}
	archive, err := s.store.Archive(ctx, info.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.restoreTag = info.Tag
	s.mu.Unlock()
	if err := s.ensureInitialized(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if err := handle.Restore(ctx, archive); err != nil {
		return err
	}
	s.mu.Lock()
	s.restoredFrom = info.ID
	s.mu.Unlock()
	return nil
}

// cmdOptions collects ExecuteCommand's optional parameters.
type cmdOptions struct {
	timeout    time.Duration
	background bool
	cwd        string
	envs       map[string]string
	user       string
}

// CmdOption configures one ExecuteCommand invocation.
type CmdOption func(*cmdOptions)

// CmdTimeout overrides the per-call deadline for this command.
func CmdTimeout(d time.Duration) CmdOption {
	return func(o *cmdOptions) { o.timeout = d }
}

// CmdBackground makes ExecuteCommand return a handshake response
// immediately; completion arrives via lifecycle events.
func CmdBackground() CmdOption {
	return func(o *cmdOptions) { o.background = true }
}

// CmdCwd overrides the working directory for this command.
func CmdCwd(cwd string) CmdOption {
	return func(o *cmdOptions) { o.cwd = cwd }
}

// CmdEnv sets environment variables for this command.
func CmdEnv(envs map[string]string) CmdOption {
	return func(o *cmdOptions) { o.envs = envs }
}

// CmdUser runs the command as a different user.
func CmdUser(user string) CmdOption {
	return func(o *cmdOptions) { o.user = user }
}

// ExecuteCommand runs a shell command directly, bypassing the agent. The
// concurrency discipline matches Run; the response never carries a run id
// because shell commands are not billable runs.
func (s *Session) ExecuteCommand(ctx context.Context, command string, opts ...CmdOption) (AgentResponse, error) {
	var o cmdOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = s.timeout
	}
	if err := s.ensureInitialized(ctx); err != nil {
		return AgentResponse{}, err
	}

	if !s.runMu.TryLock() {
		return AgentResponse{}, &ErrConcurrentOperation{Op: "execute_command"}
	}

	s.mu.Lock()
	if s.sandboxState == SandboxPaused {
		s.mu.Unlock()
		s.runMu.Unlock()
		return AgentResponse{}, &ErrInvalidState{Op: "execute_command", Sandbox: SandboxPaused, Agent: s.agentState}
	}
	handle := s.handle
	s.agentState = AgentRunning
	s.interrupted = false
	s.mu.Unlock()

	s.emitLifecycle(ReasonCommandStart)

	cwd := o.cwd
	if cwd == "" {
		cwd = s.workingDir
	}
	proc, err := handle.Start(ctx, ExecSpec{
		Command: command,
		Cwd:     cwd,
		Env:     o.envs,
		User:    o.user,
		Timeout: o.timeout,
		Stdout:  func(chunk string) { s.emit(Event{Channel: ChannelStdout, Text: chunk}) },
		Stderr:  func(chunk string) { s.emit(Event{Channel: ChannelStderr, Text: chunk}) },
	})
	if err != nil {
		s.finishCommand(ExecResult{ExitCode: -1}, false)
		s.runMu.Unlock()
		return AgentResponse{}, err
	}

	s.mu.Lock()
	s.activeProc = proc
	s.mu.Unlock()

	if o.background {
		go func() {
			defer s.runMu.Unlock()
			result, waitErr := proc.Wait(context.WithoutCancel(ctx))
			if waitErr != nil {
				result = ExecResult{ExitCode: -1, Stderr: waitErr.Error()}
			}
			s.finishCommand(result, true)
		}()
		return AgentResponse{SandboxID: handle.ID(), ExitCode: 0}, nil
	}

	defer s.runMu.Unlock()
	result, waitErr := proc.Wait(ctx)
	if waitErr != nil {
		result = ExecResult{ExitCode: -1, Stderr: waitErr.Error()}
	}
	s.finishCommand(result, false)
	return AgentResponse{
		SandboxID: handle.ID(),
		ExitCode:  result.ExitCode,
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
	}, waitErr
}

// finishCommand restores idle state and emits the terminal command event.
func (s *Session) finishCommand(result ExecResult, background bool) {
	s.mu.Lock()
	interrupted := s.interrupted
	s.activeProc = nil
	s.agentState = AgentIdle
	s.mu.Unlock()

	reason := ReasonCommandComplete
	switch {
	case interrupted:
		reason = ReasonCommandInterrupted
	case result.ExitCode != 0 && background:
		reason = ReasonCommandBackgroundFailed
	case result.ExitCode != 0:
		reason = ReasonCommandFailed
	case background:
		reason = ReasonCommandBackgroundComplete
	}
	s.emitLifecycle(reason)
}

// Interrupt signals the in-flight process, if any. Returns true iff a
// process was signalled; false when the agent is idle. A foreground Run
// returns with run_interrupted and a non-zero exit code; a background run
// reports run_interrupted via the event stream.
func (s *Session) Interrupt(ctx context.Context) (bool, error) {
	s.mu.Lock()
	proc := s.activeProc
	if proc != nil {
		s.interrupted = true
		s.agentState = AgentInterrupted
	}
	s.mu.Unlock()
	if proc == nil {
		return false, nil
	}
	if err := proc.Interrupt(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// UploadContext uploads files into the context/ folder immediately.
func (s *Session) UploadContext(ctx context.Context, files FileMap) error {
	if err := s.ensureInitialized(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	return handle.WriteFiles(ctx, path.Join(s.workingDir, "context"), files)
}

// UploadFiles uploads files into the working directory immediately.
func (s *Session) UploadFiles(ctx context.Context, files FileMap) error {
	if err := s.ensureInitialized(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	return handle.WriteFiles(ctx, s.workingDir, files)
}

// UploadDir uploads a local directory into the sandbox. An empty remote
// defaults to the working directory; a relative remote is joined onto it.
func (s *Session) UploadDir(ctx context.Context, local, remote string, recursive bool) error {
	files, err := ReadLocalDir(local, recursive)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	if err := s.ensureInitialized(ctx); err != nil {
		return err
	}
	dir := s.workingDir
	switch {
	case remote == "":
	case path.IsAbs(remote):
		dir = remote
	default:
		dir = path.Join(s.workingDir, remote)
	}
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	return handle.WriteFiles(ctx, dir, files)
}

// DownloadDir downloads a sandbox directory to a local path.
func (s *Session) DownloadDir(ctx context.Context, remote, local string, recursive bool) error {
	if err := s.ensureInitialized(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	files, err := handle.ReadDir(ctx, remote, recursive)
	if err != nil {
		return err
	}
	return SaveLocalDir(local, files)
}

// ReadFile reads a single file from the sandbox by absolute path.
func (s *Session) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	return handle.ReadFile(ctx, path)
}

// GetOutputFiles returns output/ files created or modified since the last
// Run started. Files written before that — for instance via
// ExecuteCommand before the run — are excluded. With a schema configured,
// output/result.json is parsed and validated.
func (s *Session) GetOutputFiles(ctx context.Context, recursive bool) (OutputResult, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return OutputResult{}, err
	}
	s.mu.Lock()
	handle := s.handle
	since := s.lastRunStart
	s.mu.Unlock()

	outputDir := path.Join(s.workingDir, "output")
	stats, err := handle.StatDir(ctx, outputDir, recursive)
	if err != nil {
		return OutputResult{}, err
	}

	files := make(FileMap)
	for _, stat := range stats {
		if stat.ModTime.Before(since) {
			continue
		}
		content, err := handle.ReadFile(ctx, path.Join(outputDir, stat.Path))
		if err != nil {
			return OutputResult{}, err
		}
		files[stat.Path] = content
	}

	result := OutputResult{Files: files}
	if s.schema != nil {
		raw, ok := files["result.json"]
		if !ok {
			result.Error = "schema provided but agent did not create output/result.json"
			return result, nil
		}
		data, err := s.schema.Validate(raw, s.schemaMode)
		if err != nil {
			result.Error = err.Error()
			result.RawData = string(raw)
			return result, nil
		}
		result.Data = data
	}
	return result, nil
}

// Checkpoint creates an explicit checkpoint of the current sandbox state.
// Requires a booted sandbox and storage configuration.
func (s *Session) Checkpoint(ctx context.Context, comment string) (CheckpointInfo, error) {
	if s.store == nil {
		return CheckpointInfo{}, fmt.Errorf("checkpoint requires storage configuration")
	}
	if err := s.ensureInitialized(ctx); err != nil {
		return CheckpointInfo{}, err
	}
	return s.snapshotCheckpoint(ctx, comment)
}

// snapshotCheckpoint archives the workspace plus the agent state directory
// and records it in the store, chaining ParentID to the session's previous
// checkpoint (or the restore source after a restore).
func (s *Session) snapshotCheckpoint(ctx context.Context, comment string) (CheckpointInfo, error) {
	s.mu.Lock()
	handle := s.handle
	tag := s.tag
	parent := s.lastCheckpointID
	if parent == "" {
		parent = s.restoredFrom
	}
	s.mu.Unlock()
	if handle == nil {
		return CheckpointInfo{}, fmt.Errorf("checkpoint requires a booted sandbox")
	}

	stateDir := path.Join(s.home, familyProfile(s.driver.Family()).StateDir)
	archive, err := handle.Snapshot(ctx, []string{s.workingDir, stateDir})
	if err != nil {
		return CheckpointInfo{}, err
	}
	info, err := s.store.Put(ctx, archive, PutOptions{
		Tag:           tag,
		AgentType:     string(s.driver.Family()),
		Model:         s.model,
		WorkspaceMode: string(s.mode),
		ParentID:      parent,
		Comment:       comment,
	})
	if err != nil {
		return CheckpointInfo{}, err
	}
	s.mu.Lock()
	s.lastCheckpointID = info.ID
	s.mu.Unlock()
	return info, nil
}

// ListCheckpoints lists checkpoints newest first. Requires storage
// configuration but not a booted sandbox.
func (s *Session) ListCheckpoints(ctx context.Context, opts ListOptions) (CheckpointList, error) {
	if s.store == nil {
		return CheckpointList{}, fmt.Errorf("list_checkpoints requires storage configuration")
	}
	return s.store.List(ctx, opts)
}

// Storage returns a client for browsing and downloading checkpoints.
func (s *Session) Storage() (*StorageClient, error) {
	if s.store == nil {
		return nil, fmt.Errorf("storage requires storage configuration")
	}
	return NewStorageClient(s.store), nil
}

// Pause suspends the sandbox to save cost while preserving state. Valid
// only from sandbox=ready, agent=idle.
func (s *Session) Pause(ctx context.Context) error {
	s.mu.Lock()
	if s.sandboxState != SandboxReady || s.agentState != AgentIdle {
		defer s.mu.Unlock()
		return &ErrInvalidState{Op: "pause", Sandbox: s.sandboxState, Agent: s.agentState}
	}
	handle := s.handle
	s.mu.Unlock()

	if err := handle.Pause(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.sandboxState = SandboxPaused
	s.mu.Unlock()
	s.emitLifecycle(ReasonSandboxPause)
	return nil
}

// Resume reactivates a paused sandbox. Valid only from sandbox=paused.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	if s.sandboxState != SandboxPaused {
		defer s.mu.Unlock()
		return &ErrInvalidState{Op: "resume", Sandbox: s.sandboxState, Agent: s.agentState}
	}
	handle := s.handle
	s.mu.Unlock()

	if err := handle.Unpause(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.sandboxState = SandboxReady
	s.mu.Unlock()
	s.emitLifecycle(ReasonSandboxResume)
	return nil
}

// Kill terminates the sandbox and releases its resources. Valid from any
// live state and idempotent: provider state-conflict errors on repeated
// cleanup are swallowed. A later Run boots a fresh sandbox under a new
// session tag; previously captured cost records stay queryable through the
// previous tag.
func (s *Session) Kill(ctx context.Context) error {
	s.mu.Lock()
	handle := s.handle
	obs := s.obs
	s.mu.Unlock()

	if handle != nil {
		if err := handle.Kill(ctx); err != nil && !IsSandboxNotFound(err) {
			s.logger.Debug("kill: provider cleanup error ignored", "error", err)
		}
	}

	s.mu.Lock()
	s.sandboxState = SandboxKilled
	s.agentState = AgentIdle
	s.handle = nil
	s.activeProc = nil
	s.initialized = false
	s.boundSandboxID = ""
	if s.tag != "" {
		s.previousTag = s.tag
	}
	s.tag = ""
	s.obs = nil
	s.mu.Unlock()

	s.emitLifecycle(ReasonSandboxKilled)
	if obs != nil {
		obs.Close()
	}
	return nil
}

// Status returns a consistent snapshot of the session state.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := SessionStatus{
		Sandbox:   s.sandboxState,
		Agent:     s.agentState,
		HasRun:    s.hasRun,
		Timestamp: time.Now(),
	}
	if s.handle != nil {
		status.SandboxID = s.handle.ID()
	}
	if s.activeProc != nil {
		status.ActiveProcessID = s.activeProc.ID()
	}
	return status
}

// GetSession returns the sandbox id for reuse, booting on first use.
func (s *Session) GetSession(ctx context.Context) (string, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.ID(), nil
}

// SetSession rebinds the controller to an existing sandbox. The session
// tag rotates: a new observability log file starts.
func (s *Session) SetSession(ctx context.Context, sandboxID string) error {
	handle, err := s.provider.Resume(ctx, sandboxID)
	if err != nil {
		return err
	}

	tag := NewSessionTag(s.tagPrefix)
	obs, err := newObsLog(s.obsDir, tag, obsMeta{
		Tag:           tag,
		Agent:         string(s.driver.Family()),
		Model:         s.model,
		WorkspaceMode: string(s.mode),
		StartedAt:     time.Now(),
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.obs
	if s.tag != "" {
		s.previousTag = s.tag
	}
	s.handle = handle
	s.tag = tag
	s.obs = obs
	s.sandboxState = SandboxReady
	s.agentState = AgentIdle
	s.initialized = true
	s.boundSandboxID = sandboxID
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	s.emitLifecycle(ReasonSandboxConnected)
	return nil
}

// GetHost returns a public URL for a sandbox port.
func (s *Session) GetHost(ctx context.Context, port int) (string, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	return handle.Host(ctx, port)
}

// GetSessionTag returns the observability session tag, booting on first use.
func (s *Session) GetSessionTag(ctx context.Context) (string, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tag, nil
}

// GetSessionTimestamp returns when the current session was created.
func (s *Session) GetSessionTimestamp(ctx context.Context) (time.Time, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionStart, nil
}

// Runs returns the completed run records, oldest first.
func (s *Session) Runs() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, len(s.runs))
	copy(out, s.runs)
	return out
}

// costTag returns the tag cost queries should use: the live tag, or the
// previous one after a kill.
func (s *Session) costTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tag != "" {
		return s.tag
	}
	return s.previousTag
}

// discardHandler is a slog handler that drops everything.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
