// Package evolve is an agent orchestration runtime. It executes AI coding
// agents inside ephemeral remote sandboxes and composes their outputs into
// higher-level data-processing workflows.
//
// The package has two coupled halves. A [Session] is a stateful controller
// over one sandbox and one long-lived coding agent: it mediates prompts,
// shell commands, file transfer, structured-output validation, checkpoint
// snapshots, lifecycle transitions and a multi-channel event stream. A
// [Swarm] fans out many independent sessions under a single counting
// semaphore and composes them through Map, Filter, Reduce and BestOf
// operators plus Verify and Retry decorators; a [Pipeline] chains those
// operators into directed workflows with cross-step events.
//
// # Quick Start
//
//	session := evolve.NewSession(
//		evolve.WithProvider(dockerProvider),
//		evolve.WithAgent(evolve.AgentClaude, evolve.Credentials{GatewayKey: key}),
//	)
//	defer session.Kill(ctx)
//
//	resp, err := session.Run(ctx, "Analyze context/data.csv and write output/report.md")
//	out, err := session.GetOutputFiles(ctx, false)
//
// Fan out over many inputs with a Swarm:
//
//	swarm := evolve.NewSwarm(evolve.WithPermits(8), evolve.WithSwarmSession(evolve.WithProvider(dockerProvider)))
//	results, err := swarm.Map(ctx, items, evolve.MapConfig{Prompt: "Summarize the document"})
//
// # Core Interfaces
//
// The root package defines the capability contracts that external
// collaborators implement:
//
//   - [SandboxProvider] — creates, resumes, pauses and kills remote sandboxes
//   - [SandboxHandle] — one live sandbox: exec, file transfer, snapshot
//   - [AgentDriver] — launches a coding-agent process inside a sandbox
//   - [CheckpointStore] — content-addressed archive storage
//
// # Included Implementations
//
// Sandboxes: sandbox (Docker Engine).
// Checkpoint stores: storage/sqlite (local blobs + SQLite index),
// storage/postgres (pgx).
// Observability: observer (OTEL traces, metrics, logs, cost accounting).
// Polyglot binding: bridge (JSON-RPC 2.0 over stdio).
package evolve
