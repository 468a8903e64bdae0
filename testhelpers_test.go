package evolve

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"
)

// --- Fake sandbox provider (shared across session, swarm, pipeline tests) ---

// fakeProvider implements SandboxProvider with in-memory sandboxes.
type fakeProvider struct {
	mu        sync.Mutex
	created   int
	handles   map[string]*fakeHandle
	createErr error

	// onRun, when set, handles agent commands (see fakeDriver).
	onRun func(h *fakeHandle, spec ExecSpec) ExecResult
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{handles: map[string]*fakeHandle{}}
}

func (p *fakeProvider) Create(_ context.Context, opts CreateOptions) (SandboxHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created++
	h := &fakeHandle{
		provider: p,
		id:       fmt.Sprintf("sbx-%d", p.created),
		files:    map[string]fakeFile{},
		workdir:  opts.WorkingDirectory,
	}
	p.handles[h.id] = h
	return h, nil
}

func (p *fakeProvider) Resume(_ context.Context, sandboxID string) (SandboxHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[sandboxID]
	if !ok {
		return nil, &ErrSandboxNotFound{SandboxID: sandboxID}
	}
	h.killed = false
	return h, nil
}

type fakeFile struct {
	content []byte
	modTime time.Time
}

// fakeHandle is an in-memory sandbox filesystem plus a shell stub.
type fakeHandle struct {
	provider *fakeProvider
	id       string
	workdir  string

	mu     sync.Mutex
	files  map[string]fakeFile
	paused bool
	killed bool
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) writeFile(p string, content []byte, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[p] = fakeFile{content: content, modTime: at}
}

func (h *fakeHandle) Start(_ context.Context, spec ExecSpec) (Process, error) {
	proc := &fakeProcess{
		id:     NewID(),
		handle: h,
		spec:   spec,
		done:   make(chan struct{}),
	}
	go proc.run()
	return proc, nil
}

func (h *fakeHandle) WriteFiles(_ context.Context, dir string, files FileMap) error {
	now := time.Now()
	for name, content := range files {
		target := name
		if dir != "" {
			target = path.Join(dir, name)
		}
		h.writeFile(target, content, now)
	}
	return nil
}

func (h *fakeHandle) ReadFile(_ context.Context, p string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.files[p]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", p)
	}
	return f.content, nil
}

func (h *fakeHandle) ReadDir(_ context.Context, dir string, recursive bool) (FileMap, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(FileMap)
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for p, f := range h.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rel := strings.TrimPrefix(p, prefix)
		if !recursive && strings.Contains(rel, "/") {
			continue
		}
		out[rel] = f.content
	}
	return out, nil
}

func (h *fakeHandle) StatDir(_ context.Context, dir string, recursive bool) ([]FileStat, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var stats []FileStat
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for p, f := range h.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rel := strings.TrimPrefix(p, prefix)
		if !recursive && strings.Contains(rel, "/") {
			continue
		}
		stats = append(stats, FileStat{Path: rel, Size: int64(len(f.content)), ModTime: f.modTime})
	}
	return stats, nil
}

func (h *fakeHandle) Snapshot(_ context.Context, paths []string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := make(FileMap)
	for _, root := range paths {
		prefix := strings.TrimSuffix(root, "/") + "/"
		for p, f := range h.files {
			if strings.HasPrefix(p, prefix) {
				snap[strings.TrimPrefix(p, "/")] = f.content
			}
		}
	}
	return BuildArchive(snap)
}

func (h *fakeHandle) Restore(_ context.Context, archive []byte) error {
	files, err := ExtractArchive(archive)
	if err != nil {
		return err
	}
	now := time.Now()
	for p, content := range files {
		h.writeFile("/"+p, content, now)
	}
	return nil
}

func (h *fakeHandle) Host(_ context.Context, port int) (string, error) {
	return fmt.Sprintf("http://%s.sandbox.test:%d", h.id, port), nil
}

func (h *fakeHandle) Pause(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused = true
	return nil
}

func (h *fakeHandle) Unpause(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused = false
	return nil
}

func (h *fakeHandle) Kill(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = true
	return nil
}

// fakeProcess resolves through the provider's onRun hook, or exits 0.
type fakeProcess struct {
	id     string
	handle *fakeHandle
	spec   ExecSpec

	mu          sync.Mutex
	interrupted bool
	result      ExecResult
	done        chan struct{}
}

func (p *fakeProcess) run() {
	defer close(p.done)
	var result ExecResult
	if hook := p.handle.provider.onRun; hook != nil {
		result = hook(p.handle, p.spec)
	}
	p.mu.Lock()
	if p.interrupted {
		result = ExecResult{ExitCode: 130, Stderr: "interrupted"}
	}
	p.result = result
	p.mu.Unlock()
	if p.spec.Stdout != nil && result.Stdout != "" {
		p.spec.Stdout(result.Stdout)
	}
	if p.spec.Stderr != nil && result.Stderr != "" {
		p.spec.Stderr(result.Stderr)
	}
}

func (p *fakeProcess) ID() string { return p.id }

func (p *fakeProcess) Wait(ctx context.Context) (ExecResult, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return ExecResult{}, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, nil
}

func (p *fakeProcess) Interrupt(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupted = true
	return nil
}

// fakeDriver launches agent "processes" on the fake provider. The
// provider's onRun hook decides what each prompt produces.
type fakeDriver struct {
	family AgentFamily
}

func (d *fakeDriver) Family() AgentFamily {
	if d.family == "" {
		return AgentClaude
	}
	return d.family
}

func (d *fakeDriver) Launch(ctx context.Context, sandbox SandboxHandle, spec LaunchSpec) (Process, error) {
	h := sandbox.(*fakeHandle)
	return h.Start(ctx, ExecSpec{
		Command: spec.Prompt,
		Cwd:     spec.WorkingDirectory,
		Timeout: spec.Timeout,
		Stdout: func(chunk string) {
			if spec.Events != nil {
				spec.Events(AgentEvent{Channel: ChannelStdout, Text: chunk})
			}
		},
		Stderr: func(chunk string) {
			if spec.Events != nil {
				spec.Events(AgentEvent{Channel: ChannelStderr, Text: chunk})
			}
		},
	})
}

// memStore is an in-memory CheckpointStore.
type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	infos []CheckpointInfo
	seq   int
}

func newMemStore() *memStore {
	return &memStore{blobs: map[string][]byte{}}
}

func (m *memStore) Put(_ context.Context, archive []byte, opts PutOptions) (CheckpointInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	hash := ArchiveHash(archive)
	m.blobs[hash] = archive
	info := CheckpointInfo{
		ID:            fmt.Sprintf("ckpt_%04d", m.seq),
		Hash:          hash,
		Tag:           opts.Tag,
		Timestamp:     time.Now().Add(time.Duration(m.seq) * time.Millisecond),
		SizeBytes:     int64(len(archive)),
		AgentType:     opts.AgentType,
		Model:         opts.Model,
		WorkspaceMode: opts.WorkspaceMode,
		ParentID:      opts.ParentID,
		Comment:       opts.Comment,
	}
	m.infos = append(m.infos, info)
	return info, nil
}

func (m *memStore) Get(_ context.Context, id string, opts GetOptions) (CheckpointInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == LatestCheckpoint {
		for i := len(m.infos) - 1; i >= 0; i-- {
			if opts.Tag == "" || m.infos[i].Tag == opts.Tag {
				return m.infos[i], nil
			}
		}
		return CheckpointInfo{}, fmt.Errorf("checkpoint latest not found")
	}
	for _, info := range m.infos {
		if info.ID == id {
			return info, nil
		}
	}
	return CheckpointInfo{}, fmt.Errorf("checkpoint %s not found", id)
}

func (m *memStore) List(_ context.Context, opts ListOptions) (CheckpointList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list CheckpointList
	for i := len(m.infos) - 1; i >= 0; i-- {
		if opts.Tag != "" && m.infos[i].Tag != opts.Tag {
			continue
		}
		if opts.Limit > 0 && len(list.Checkpoints) == opts.Limit {
			list.Truncated = true
			break
		}
		list.Checkpoints = append(list.Checkpoints, m.infos[i])
	}
	return list, nil
}

func (m *memStore) Archive(_ context.Context, id string) ([]byte, error) {
	info, err := m.Get(context.Background(), id, GetOptions{})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blobs[info.Hash], nil
}

// newTestSession builds a session over the fake provider/driver with logs
// routed to a temp dir.
func newTestSession(tb interface{ TempDir() string }, provider *fakeProvider, extra ...SessionOption) *Session {
	opts := []SessionOption{
		WithProvider(provider),
		WithDriver(&fakeDriver{}),
		WithCredentialProvider(StaticCredentials{Credentials{GatewayKey: "test-key"}}),
		WithObservabilityDir(tb.TempDir()),
	}
	return NewSession(append(opts, extra...)...)
}
