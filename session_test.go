package evolve

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// --- Lifecycle ---

func TestSession_RunBootsSandboxAndEmitsLifecycle(t *testing.T) {
	provider := newFakeProvider()
	provider.onRun = func(h *fakeHandle, spec ExecSpec) ExecResult {
		return ExecResult{ExitCode: 0, Stdout: "done"}
	}
	session := newTestSession(t, provider)

	var mu sync.Mutex
	var reasons []LifecycleReason
	if err := session.On(ChannelLifecycle, func(ev Event) {
		mu.Lock()
		reasons = append(reasons, ev.Lifecycle.Reason)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := session.Run(context.Background(), "say hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ExitCode != 0 {
		t.Errorf("got exit code %d, want 0", resp.ExitCode)
	}
	if resp.RunID == "" {
		t.Error("run should have a run_id")
	}
	if resp.SandboxID == "" {
		t.Error("run should report a sandbox_id")
	}

	want := []LifecycleReason{ReasonSandboxBoot, ReasonSandboxReady, ReasonRunStart, ReasonRunComplete}
	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != len(want) {
		t.Fatalf("got reasons %v, want %v", reasons, want)
	}
	for i, r := range want {
		if reasons[i] != r {
			t.Errorf("reason[%d] = %s, want %s", i, reasons[i], r)
		}
	}
}

func TestSession_ExecuteCommandHasNoRunID(t *testing.T) {
	provider := newFakeProvider()
	session := newTestSession(t, provider)

	resp, err := session.ExecuteCommand(context.Background(), "ls")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.RunID != "" {
		t.Errorf("shell commands must not carry a run_id, got %q", resp.RunID)
	}
}

func TestSession_StatusSnapshot(t *testing.T) {
	provider := newFakeProvider()
	session := newTestSession(t, provider)

	status := session.Status()
	if status.Sandbox != SandboxStopped || status.Agent != AgentIdle {
		t.Errorf("fresh session should be stopped/idle, got %s/%s", status.Sandbox, status.Agent)
	}
	if status.HasRun {
		t.Error("fresh session should not report has_run")
	}

	if _, err := session.Run(context.Background(), "task"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	status = session.Status()
	if status.Sandbox != SandboxReady || status.Agent != AgentIdle {
		t.Errorf("after run: got %s/%s, want ready/idle", status.Sandbox, status.Agent)
	}
	if !status.HasRun {
		t.Error("has_run should be true after a run")
	}
}

// --- Concurrency discipline ---

func TestSession_ConcurrentRunRejected(t *testing.T) {
	provider := newFakeProvider()
	release := make(chan struct{})
	provider.onRun = func(h *fakeHandle, spec ExecSpec) ExecResult {
		<-release
		return ExecResult{ExitCode: 0}
	}
	session := newTestSession(t, provider)

	started := make(chan struct{})
	go func() {
		close(started)
		session.Run(context.Background(), "slow task")
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	_, err := session.Run(context.Background(), "second task")
	var concurrent *ErrConcurrentOperation
	if !errors.As(err, &concurrent) {
		t.Errorf("second run should fail with ErrConcurrentOperation, got %v", err)
	}
	_, err = session.ExecuteCommand(context.Background(), "ls")
	if !errors.As(err, &concurrent) {
		t.Errorf("command during run should fail with ErrConcurrentOperation, got %v", err)
	}
	close(release)
}

// --- Pause / resume / kill state machine ---

func TestSession_PauseResumeTransitions(t *testing.T) {
	provider := newFakeProvider()
	session := newTestSession(t, provider)
	ctx := context.Background()

	// Pause before boot is invalid.
	var invalid *ErrInvalidState
	if err := session.Pause(ctx); !errors.As(err, &invalid) {
		t.Errorf("pause from stopped should be invalid, got %v", err)
	}

	if _, err := session.Run(ctx, "task"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := session.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if got := session.Status().Sandbox; got != SandboxPaused {
		t.Errorf("got sandbox state %s, want paused", got)
	}

	// Commands while paused are rejected.
	if _, err := session.ExecuteCommand(ctx, "ls"); !errors.As(err, &invalid) {
		t.Errorf("command while paused should be invalid, got %v", err)
	}
	if _, err := session.Run(ctx, "task"); !errors.As(err, &invalid) {
		t.Errorf("run while paused should be invalid, got %v", err)
	}

	// Resume only from paused.
	if err := session.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := session.Resume(ctx); !errors.As(err, &invalid) {
		t.Errorf("resume from ready should be invalid, got %v", err)
	}
}

func TestSession_KillIsIdempotentAndRotatesTag(t *testing.T) {
	provider := newFakeProvider()
	session := newTestSession(t, provider)
	ctx := context.Background()

	if _, err := session.Run(ctx, "task"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tag1, err := session.GetSessionTag(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := session.Kill(ctx); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if err := session.Kill(ctx); err != nil {
		t.Fatalf("second kill should be idempotent: %v", err)
	}

	// A new run re-boots under a new tag.
	if _, err := session.Run(ctx, "task"); err != nil {
		t.Fatalf("run after kill: %v", err)
	}
	tag2, err := session.GetSessionTag(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tag1 == tag2 {
		t.Errorf("kill + run should rotate the session tag, got %q twice", tag1)
	}
}

// --- Interrupt ---

func TestSession_InterruptIdleReturnsFalse(t *testing.T) {
	provider := newFakeProvider()
	session := newTestSession(t, provider)

	interrupted, err := session.Interrupt(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if interrupted {
		t.Error("interrupt with idle agent should return false")
	}
}

func TestSession_InterruptRunningRun(t *testing.T) {
	provider := newFakeProvider()
	started := make(chan struct{})
	release := make(chan struct{})
	provider.onRun = func(h *fakeHandle, spec ExecSpec) ExecResult {
		close(started)
		<-release
		return ExecResult{ExitCode: 0}
	}
	session := newTestSession(t, provider)

	var mu sync.Mutex
	var reasons []LifecycleReason
	session.On(ChannelLifecycle, func(ev Event) {
		mu.Lock()
		reasons = append(reasons, ev.Lifecycle.Reason)
		mu.Unlock()
	})

	type outcome struct {
		resp AgentResponse
		err  error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		resp, err := session.Run(context.Background(), "long task")
		resultCh <- outcome{resp, err}
	}()
	<-started

	interrupted, err := session.Interrupt(context.Background())
	if err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if !interrupted {
		t.Fatal("interrupt should report true for an in-flight run")
	}
	close(release)

	result := <-resultCh
	if result.err != nil {
		t.Fatalf("unexpected error: %v", result.err)
	}
	if result.resp.ExitCode == 0 {
		t.Error("interrupted run should return a non-zero exit code")
	}
	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, r := range reasons {
		if r == ReasonRunInterrupted {
			found = true
		}
	}
	if !found {
		t.Errorf("lifecycle should contain run_interrupted, got %v", reasons)
	}
}

// --- Background runs ---

func TestSession_BackgroundRunCompletesViaLifecycle(t *testing.T) {
	provider := newFakeProvider()
	provider.onRun = func(h *fakeHandle, spec ExecSpec) ExecResult {
		return ExecResult{ExitCode: 0}
	}
	session := newTestSession(t, provider)

	done := make(chan LifecycleReason, 1)
	session.On(ChannelLifecycle, func(ev Event) {
		switch ev.Lifecycle.Reason {
		case ReasonRunBackgroundComplete, ReasonRunBackgroundFailed:
			done <- ev.Lifecycle.Reason
		}
	})

	resp, err := session.Run(context.Background(), "bg task", RunBackground())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ExitCode != 0 {
		t.Errorf("handshake response should carry exit_code 0, got %d", resp.ExitCode)
	}

	select {
	case reason := <-done:
		if reason != ReasonRunBackgroundComplete {
			t.Errorf("got %s, want run_background_complete", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("background completion event never arrived")
	}
}

// --- Output filtering ---

func TestSession_GetOutputFilesFiltersByRunStart(t *testing.T) {
	provider := newFakeProvider()
	session := newTestSession(t, provider)
	ctx := context.Background()

	// A file written via command BEFORE the run must be excluded.
	if _, err := session.ExecuteCommand(ctx, "seed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	handle := provider.handles["sbx-1"]
	handle.writeFile(defaultWorkingDirectory+"/output/old.txt", []byte("stale"), time.Now())

	time.Sleep(10 * time.Millisecond)
	provider.onRun = func(h *fakeHandle, spec ExecSpec) ExecResult {
		h.writeFile(defaultWorkingDirectory+"/output/new.txt", []byte("fresh"), time.Now())
		return ExecResult{ExitCode: 0}
	}
	if _, err := session.Run(ctx, "produce output"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := session.GetOutputFiles(ctx, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := out.Files["old.txt"]; ok {
		t.Error("files written before the run must be excluded")
	}
	if string(out.Files["new.txt"]) != "fresh" {
		t.Errorf("got files %v, want new.txt", out.Files)
	}
}

func TestSession_GetOutputFilesValidatesSchema(t *testing.T) {
	type report struct {
		Title string `json:"title"`
		Score int    `json:"score"`
	}

	provider := newFakeProvider()
	provider.onRun = func(h *fakeHandle, spec ExecSpec) ExecResult {
		h.writeFile(defaultWorkingDirectory+"/output/result.json",
			[]byte(`{"title": "ok", "score": "7"}`), time.Now())
		return ExecResult{ExitCode: 0}
	}
	session := newTestSession(t, provider, WithSchema(SchemaFor[report]()))
	ctx := context.Background()

	if _, err := session.Run(ctx, "produce result"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := session.GetOutputFiles(ctx, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Error != "" {
		t.Fatalf("loose mode should coerce the score string: %s", out.Error)
	}
	data, ok := out.Data.(report)
	if !ok {
		t.Fatalf("got data type %T, want report", out.Data)
	}
	if data.Title != "ok" || data.Score != 7 {
		t.Errorf("got %+v, want {ok 7}", data)
	}
}

func TestSession_GetOutputFilesMissingResultSetsError(t *testing.T) {
	type report struct {
		Title string `json:"title"`
	}
	provider := newFakeProvider()
	session := newTestSession(t, provider, WithSchema(SchemaFor[report]()))
	ctx := context.Background()

	if _, err := session.Run(ctx, "no output"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := session.GetOutputFiles(ctx, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Data != nil {
		t.Error("data should be nil when result.json is missing")
	}
	if out.Error == "" {
		t.Error("missing result.json should populate the error field")
	}
}

// --- Checkpoints ---

func TestSession_AutoCheckpointOnCleanRun(t *testing.T) {
	provider := newFakeProvider()
	provider.onRun = func(h *fakeHandle, spec ExecSpec) ExecResult {
		h.writeFile(defaultWorkingDirectory+"/output/hello.txt", []byte("Hi"), time.Now())
		return ExecResult{ExitCode: 0}
	}
	store := newMemStore()
	session := newTestSession(t, provider, WithStorage(store))
	ctx := context.Background()

	resp1, err := session.Run(ctx, "first")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp1.Checkpoint == nil {
		t.Fatal("clean run with storage should produce a checkpoint")
	}
	if len(resp1.Checkpoint.Hash) != 64 {
		t.Errorf("hash should be 64 hex chars, got %d", len(resp1.Checkpoint.Hash))
	}
	if resp1.Checkpoint.ParentID != "" {
		t.Errorf("first checkpoint should have no parent, got %q", resp1.Checkpoint.ParentID)
	}

	resp2, err := session.Run(ctx, "second")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp2.Checkpoint == nil {
		t.Fatal("second run should produce a checkpoint")
	}
	if resp2.Checkpoint.ParentID != resp1.Checkpoint.ID {
		t.Errorf("parent_id = %q, want %q", resp2.Checkpoint.ParentID, resp1.Checkpoint.ID)
	}
}

func TestSession_FailedRunProducesNoCheckpoint(t *testing.T) {
	provider := newFakeProvider()
	provider.onRun = func(h *fakeHandle, spec ExecSpec) ExecResult {
		return ExecResult{ExitCode: 1, Stderr: "boom"}
	}
	store := newMemStore()
	session := newTestSession(t, provider, WithStorage(store))

	resp, err := session.Run(context.Background(), "failing task")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ExitCode != 1 {
		t.Errorf("got exit code %d, want 1", resp.ExitCode)
	}
	if resp.Checkpoint != nil {
		t.Error("failed runs must not produce checkpoints")
	}
	if len(store.infos) != 0 {
		t.Errorf("store should be empty, has %d checkpoints", len(store.infos))
	}
}

func TestSession_RestoreFromCheckpoint(t *testing.T) {
	provider := newFakeProvider()
	provider.onRun = func(h *fakeHandle, spec ExecSpec) ExecResult {
		h.writeFile(defaultWorkingDirectory+"/output/hello.txt", []byte("Hi"), time.Now())
		return ExecResult{ExitCode: 0}
	}
	store := newMemStore()
	ctx := context.Background()

	first := newTestSession(t, provider, WithStorage(store))
	resp, err := first.Run(ctx, "create file")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	originalTag, _ := first.GetSessionTag(ctx)
	if err := first.Kill(ctx); err != nil {
		t.Fatalf("kill: %v", err)
	}

	// Fresh controller restores the checkpoint; the restored file is
	// byte-for-byte identical and the next checkpoint chains to the
	// restore source.
	second := newTestSession(t, provider, WithStorage(store))
	resp2, err := second.Run(ctx, "continue", FromCheckpoint(resp.Checkpoint.ID))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	content, err := second.ReadFile(ctx, defaultWorkingDirectory+"/output/hello.txt")
	if err != nil {
		t.Fatalf("restored file missing: %v", err)
	}
	if string(content) != "Hi" {
		t.Errorf("restored content %q, want %q", content, "Hi")
	}
	if resp2.Checkpoint == nil {
		t.Fatal("run after restore should checkpoint")
	}
	if resp2.Checkpoint.ParentID != resp.Checkpoint.ID {
		t.Errorf("post-restore parent = %q, want restore source %q", resp2.Checkpoint.ParentID, resp.Checkpoint.ID)
	}

	// The restored session continues the original logical session: both
	// checkpoints are visible under the original tag, newest first.
	restoredTag, _ := second.GetSessionTag(ctx)
	if restoredTag != originalTag {
		t.Errorf("restore should inherit the checkpoint's tag: got %q, want %q", restoredTag, originalTag)
	}
	list, err := second.ListCheckpoints(ctx, ListOptions{Tag: originalTag})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list.Checkpoints) != 2 {
		t.Fatalf("original tag should have 2 checkpoints, got %d", len(list.Checkpoints))
	}
	if !list.Checkpoints[0].Timestamp.After(list.Checkpoints[1].Timestamp) {
		t.Error("listing should be newest first")
	}
}

func TestSession_RestoreWithBoundSandboxIsMutualExclusion(t *testing.T) {
	provider := newFakeProvider()
	store := newMemStore()
	session := newTestSession(t, provider, WithStorage(store), WithSandboxID("sbx-1"))

	_, err := session.Run(context.Background(), "task", FromCheckpoint(LatestCheckpoint))
	var mutual *ErrMutualExclusion
	if !errors.As(err, &mutual) {
		t.Errorf("from_checkpoint + sandbox_id should be MutualExclusion, got %v", err)
	}
}

// --- Events ---

func TestSession_OnUnknownChannelFails(t *testing.T) {
	session := newTestSession(t, newFakeProvider())
	if err := session.On("bogus", func(Event) {}); err == nil {
		t.Error("unknown channel registration should fail loudly")
	}
}

func TestSession_OnIsIdempotentPerChannel(t *testing.T) {
	provider := newFakeProvider()
	session := newTestSession(t, provider)

	var first, second int
	session.On(ChannelLifecycle, func(Event) { first++ })
	session.On(ChannelLifecycle, func(Event) { second++ })

	if _, err := session.Run(context.Background(), "task"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != 0 {
		t.Error("replaced callback must not fire")
	}
	if second == 0 {
		t.Error("replacing callback should fire")
	}
}

// --- Observability log ---

func TestSession_ObservabilityLogFormat(t *testing.T) {
	provider := newFakeProvider()
	dir := t.TempDir()
	session := NewSession(
		WithProvider(provider),
		WithDriver(&fakeDriver{}),
		WithCredentialProvider(StaticCredentials{Credentials{GatewayKey: "k"}}),
		WithObservabilityDir(dir),
		WithTagPrefix("experiment-7"),
	)
	ctx := context.Background()

	if _, err := session.Run(ctx, "log me"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tag, _ := session.GetSessionTag(ctx)
	if !strings.HasPrefix(tag, "experiment-7-") || len(tag) != len("experiment-7-")+16 {
		t.Errorf("tag %q should be experiment-7-<16 hex>", tag)
	}

	data, err := os.ReadFile(filepath.Join(dir, tag+".jsonl"))
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		t.Fatalf("log should contain _meta and _prompt records, got %d lines", len(lines))
	}
	if !strings.Contains(lines[0], `"_meta"`) {
		t.Errorf("first record should be _meta, got %s", lines[0])
	}
	if !strings.Contains(lines[1], `"_prompt"`) || !strings.Contains(lines[1], "log me") {
		t.Errorf("second record should be the prompt, got %s", lines[1])
	}
}

// --- Host / session accessors ---

func TestSession_GetHostAndSetSession(t *testing.T) {
	provider := newFakeProvider()
	session := newTestSession(t, provider)
	ctx := context.Background()

	url, err := session.GetHost(ctx, 8000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(url, ":8000") {
		t.Errorf("host url %q should include the port", url)
	}

	id, err := session.GetSession(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tagBefore, _ := session.GetSessionTag(ctx)

	other := newTestSession(t, provider)
	if err := other.SetSession(ctx, id); err != nil {
		t.Fatalf("set_session: %v", err)
	}
	otherID, _ := other.GetSession(ctx)
	if otherID != id {
		t.Errorf("rebound session id %q, want %q", otherID, id)
	}

	// SetSession on the original rotates its tag.
	if err := session.SetSession(ctx, id); err != nil {
		t.Fatalf("set_session: %v", err)
	}
	tagAfter, _ := session.GetSessionTag(ctx)
	if tagBefore == tagAfter {
		t.Error("set_session should rotate the session tag")
	}
}
