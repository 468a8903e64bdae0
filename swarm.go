package evolve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultPermits is the swarm concurrency bound applied when the caller
// does not override it.
const DefaultPermits = 4

// Swarm is a named group of ephemeral sessions sharing one counting
// semaphore. Every scheduled unit — worker, verifier, candidate, judge,
// reducer — acquires one permit before touching a sandbox and releases it
// on completion, so the global in-flight count never exceeds the permit
// count. Retry backoff sleeps happen outside the permit.
type Swarm struct {
	name        string
	permits     int
	sem         *semaphore.Weighted
	sessionOpts []SessionOption
	retry       RetryConfig
	skills      []string
	timeout     time.Duration
	logger      *slog.Logger

	// execute performs one scheduled unit. Replaced in tests to avoid
	// real sandboxes.
	execute func(ctx context.Context, req unitRequest) unitOutcome
}

// SwarmOption configures a Swarm.
type SwarmOption func(*Swarm)

// WithPermits sets the global concurrency bound P (default 4).
func WithPermits(n int) SwarmOption {
	return func(s *Swarm) {
		if n > 0 {
			s.permits = n
		}
	}
}

// WithSwarmName names the swarm for observability metadata.
func WithSwarmName(name string) SwarmOption {
	return func(s *Swarm) { s.name = name }
}

// WithSwarmSession supplies the session options every ephemeral unit
// session is built from (provider, driver, credentials, storage, …).
func WithSwarmSession(opts ...SessionOption) SwarmOption {
	return func(s *Swarm) { s.sessionOpts = opts }
}

// WithSwarmRetry sets the default retry configuration inherited by
// operators that do not specify their own.
func WithSwarmRetry(retry RetryConfig) SwarmOption {
	return func(s *Swarm) { s.retry = retry }
}

// WithSwarmSkills sets the default skills propagated to every unit.
func WithSwarmSkills(skills ...string) SwarmOption {
	return func(s *Swarm) { s.skills = skills }
}

// WithSwarmTimeout sets the per-unit sandbox timeout.
func WithSwarmTimeout(d time.Duration) SwarmOption {
	return func(s *Swarm) { s.timeout = d }
}

// WithSwarmLogger sets a structured logger for diagnostics.
func WithSwarmLogger(l *slog.Logger) SwarmOption {
	return func(s *Swarm) { s.logger = l }
}

// NewSwarm creates a swarm with its semaphore.
func NewSwarm(opts ...SwarmOption) *Swarm {
	s := &Swarm{
		permits: DefaultPermits,
		timeout: DefaultSandboxTimeout,
		logger:  slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(int64(s.permits))
	s.execute = s.executeSession
	return s
}

// Name returns the swarm's identifier.
func (s *Swarm) Name() string { return s.name }

// Permits returns the concurrency bound P.
func (s *Swarm) Permits() int { return s.permits }

// unitRequest describes one scheduled unit: a single transient session
// driving one prompt.
type unitRequest struct {
	Prompt     string
	Context    FileMap
	Schema     *SchemaDescriptor
	SchemaMode ValidationMode
	Skills     []string
	Timeout    time.Duration
	Meta       BaseMeta
}

// unitOutcome is the raw result of a unit before operator interpretation.
// SchemaError is domain data (the run completed but validation failed);
// Err is an infrastructure or execution failure.
type unitOutcome struct {
	Data      any
	Files     FileMap
	RawData   string
	SandboxID string
	SchemaErr string
	Err       error
}

// runUnit schedules one unit under the swarm semaphore. The permit is held
// for the full sandbox dialogue and released before the caller's retry
// backoff, so a sleeping retry never blocks another unit from slotting in.
func (s *Swarm) runUnit(ctx context.Context, req unitRequest) unitOutcome {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return unitOutcome{Err: err}
	}
	defer s.sem.Release(1)
	if req.Timeout <= 0 {
		req.Timeout = s.timeout
	}
	return s.execute(ctx, req)
}

// executeSession is the real unit executor: it builds a transient session
// seeded with the unit's context files, runs the prompt, collects outputs
// and tears the sandbox down.
func (s *Swarm) executeSession(ctx context.Context, req unitRequest) unitOutcome {
	opts := make([]SessionOption, 0, len(s.sessionOpts)+4)
	opts = append(opts, s.sessionOpts...)
	if len(req.Context) > 0 {
		opts = append(opts, WithContext(req.Context))
	}
	if req.Schema != nil {
		opts = append(opts, WithSchema(req.Schema), WithSchemaMode(req.SchemaMode))
	}
	if len(req.Skills) > 0 {
		opts = append(opts, WithSkills(req.Skills...))
	}
	session := NewSession(opts...)
	defer func() {
		if err := session.Kill(context.WithoutCancel(ctx)); err != nil {
			s.logger.Debug("unit cleanup failed", "error", err)
		}
	}()

	resp, err := session.Run(ctx, req.Prompt, RunTimeout(req.Timeout))
	if err != nil {
		return unitOutcome{Err: err}
	}
	if resp.ExitCode != 0 {
		return unitOutcome{
			SandboxID: resp.SandboxID,
			Err:       fmt.Errorf("agent exited with code %d: %s", resp.ExitCode, tail(resp.Stderr, 500)),
		}
	}

	output, err := session.GetOutputFiles(ctx, true)
	if err != nil {
		return unitOutcome{SandboxID: resp.SandboxID, Err: err}
	}
	return unitOutcome{
		Data:      output.Data,
		Files:     output.Files,
		RawData:   output.RawData,
		SandboxID: resp.SandboxID,
		SchemaErr: output.Error,
	}
}

// outcomeResult converts a unit outcome into a SwarmResult with its meta.
func outcomeResult(out unitOutcome, meta BaseMeta) SwarmResult {
	result := SwarmResult{
		Status:    StatusSuccess,
		Data:      out.Data,
		Files:     out.Files,
		SandboxID: out.SandboxID,
		RawData:   out.RawData,
		Meta:      meta,
	}
	switch {
	case out.Err != nil:
		result.Status = StatusError
		result.Error = out.Err.Error()
	case out.SchemaErr != "":
		result.Status = StatusError
		result.Error = out.SchemaErr
	}
	return result
}

// skillsFor resolves skills by priority: unit-specific, then operator,
// then swarm default.
func (s *Swarm) skillsFor(tiers ...[]string) []string {
	for _, tier := range tiers {
		if len(tier) > 0 {
			return tier
		}
	}
	return s.skills
}

// dataJSON renders a result's structured data for inclusion in follow-up
// unit contexts (verifier, judge, reducer).
func dataJSON(data any) []byte {
	if data == nil {
		return nil
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return []byte(fmt.Sprintf("%v", data))
	}
	return b
}

// tail returns the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
