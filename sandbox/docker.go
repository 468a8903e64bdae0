// Package sandbox provides the Docker-backed reference SandboxProvider.
//
// Each sandbox is one container kept alive by a sleep process; commands run
// as execs inside it. The reference provider is a minimal, single-host
// implementation suitable for development and CI. For managed multi-tenant
// execution, implement evolve.SandboxProvider against your vendor's control
// plane instead.
package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/nevindra/evolve"
)

// DefaultImage is the container image used when the caller does not
// override it. It must contain a POSIX shell and the agent CLIs you plan
// to launch.
const DefaultImage = "evolve-sandbox:latest"

// Option configures a Provider.
type Option func(*Provider)

// WithImage sets the container image sandboxes run.
func WithImage(image string) Option {
	return func(p *Provider) { p.image = image }
}

// WithClient injects an existing Docker client. The caller owns it.
func WithClient(cli *client.Client) Option {
	return func(p *Provider) { p.cli = cli }
}

// WithLabels adds labels to every created container.
func WithLabels(labels map[string]string) Option {
	return func(p *Provider) { p.labels = labels }
}

// Provider implements evolve.SandboxProvider over the Docker Engine API.
type Provider struct {
	cli    *client.Client
	image  string
	labels map[string]string
}

// compile-time check
var _ evolve.SandboxProvider = (*Provider)(nil)

// New creates a Provider. Without WithClient, the client is built from the
// environment (DOCKER_HOST etc.) with API version negotiation.
func New(opts ...Option) (*Provider, error) {
	p := &Provider{image: DefaultImage}
	for _, o := range opts {
		o(p)
	}
	if p.cli == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("sandbox: docker client: %w", err)
		}
		p.cli = cli
	}
	return p, nil
}

// Create starts a fresh sandbox container.
func (p *Provider) Create(ctx context.Context, opts evolve.CreateOptions) (evolve.SandboxHandle, error) {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	created, err := p.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      p.image,
			Cmd:        []string{"sleep", "infinity"},
			Env:        env,
			WorkingDir: opts.WorkingDirectory,
			Labels:     p.labels,
		},
		&container.HostConfig{PublishAllPorts: true},
		nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("sandbox: create: %w", err)
	}
	if err := p.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("sandbox: start: %w", err)
	}

	handle := &Handle{cli: p.cli, id: created.ID}
	if opts.WorkingDirectory != "" {
		if _, err := handle.run(ctx, "mkdir -p "+opts.WorkingDirectory, "", nil, "", 30*time.Second); err != nil {
			_ = handle.Kill(ctx)
			return nil, err
		}
	}
	return handle, nil
}

// Resume reattaches to an existing container, unpausing it if needed.
func (p *Provider) Resume(ctx context.Context, sandboxID string) (evolve.SandboxHandle, error) {
	inspect, err := p.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, &evolve.ErrSandboxNotFound{SandboxID: sandboxID}
		}
		return nil, fmt.Errorf("sandbox: resume: %w", err)
	}
	if inspect.State != nil && inspect.State.Paused {
		if err := p.cli.ContainerUnpause(ctx, sandboxID); err != nil {
			return nil, fmt.Errorf("sandbox: resume unpause: %w", err)
		}
	} else if inspect.State != nil && !inspect.State.Running {
		if err := p.cli.ContainerStart(ctx, sandboxID, container.StartOptions{}); err != nil {
			return nil, fmt.Errorf("sandbox: resume start: %w", err)
		}
	}
	return &Handle{cli: p.cli, id: sandboxID}, nil
}

// Handle is one live container.
type Handle struct {
	cli *client.Client
	id  string
}

// compile-time check
var _ evolve.SandboxHandle = (*Handle)(nil)

// ID returns the container id.
func (h *Handle) ID() string { return h.id }

// Start launches a process as an exec inside the container. The command is
// wrapped so its shell PID lands in a pidfile, which Interrupt signals.
func (h *Handle) Start(ctx context.Context, spec evolve.ExecSpec) (evolve.Process, error) {
	procID := evolve.NewID()
	pidFile := "/tmp/.evolve-" + procID + ".pid"
	wrapped := fmt.Sprintf("echo $$ > %s; %s", pidFile, spec.Command)

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	exec, err := h.cli.ContainerExecCreate(ctx, h.id, container.ExecOptions{
		Cmd:          []string{"sh", "-c", wrapped},
		AttachStdout: true,
		AttachStderr: true,
		Env:          env,
		WorkingDir:   spec.Cwd,
		User:         spec.User,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec create: %w", err)
	}

	attach, err := h.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec attach: %w", err)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = evolve.DefaultSandboxTimeout
	}

	proc := &process{
		handle:  h,
		id:      procID,
		execID:  exec.ID,
		pidFile: pidFile,
		timeout: timeout,
		done:    make(chan struct{}),
	}
	go proc.pump(attach, spec.Stdout, spec.Stderr)
	return proc, nil
}

// process is one running exec.
type process struct {
	handle  *Handle
	id      string
	execID  string
	pidFile string
	timeout time.Duration

	done   chan struct{}
	stdout bytes.Buffer
	stderr bytes.Buffer
	ioErr  error
}

// ID returns the process identifier.
func (p *process) ID() string { return p.id }

// pump demultiplexes the hijacked stream into the buffers and callbacks.
func (p *process) pump(attach types.HijackedResponse, onStdout, onStderr func(string)) {
	defer close(p.done)
	defer attach.Close()

	outW := io.Writer(&p.stdout)
	if onStdout != nil {
		outW = io.MultiWriter(&p.stdout, callbackWriter(onStdout))
	}
	errW := io.Writer(&p.stderr)
	if onStderr != nil {
		errW = io.MultiWriter(&p.stderr, callbackWriter(onStderr))
	}
	_, p.ioErr = stdcopy.StdCopy(outW, errW, attach.Reader)
}

// callbackWriter adapts a chunk callback to io.Writer.
type callbackWriter func(string)

func (w callbackWriter) Write(b []byte) (int, error) {
	w(string(b))
	return len(b), nil
}

// Wait blocks until the exec terminates or the timeout elapses.
func (p *process) Wait(ctx context.Context) (evolve.ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	select {
	case <-p.done:
	case <-ctx.Done():
		_ = p.Interrupt(context.WithoutCancel(ctx))
		select {
		case <-p.done:
		case <-time.After(10 * time.Second):
		}
		return evolve.ExecResult{
			ExitCode: 124,
			Stdout:   p.stdout.String(),
			Stderr:   p.stderr.String(),
		}, nil
	}

	inspect, err := p.handle.cli.ContainerExecInspect(context.WithoutCancel(ctx), p.execID)
	if err != nil {
		return evolve.ExecResult{}, fmt.Errorf("sandbox: exec inspect: %w", err)
	}
	return evolve.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   p.stdout.String(),
		Stderr:   p.stderr.String(),
	}, nil
}

// Interrupt sends SIGINT to the exec's shell via its pidfile.
func (p *process) Interrupt(ctx context.Context) error {
	cmd := fmt.Sprintf("[ -f %s ] && kill -INT $(cat %s) 2>/dev/null || true", p.pidFile, p.pidFile)
	_, err := p.handle.run(ctx, cmd, "", nil, "", 10*time.Second)
	return err
}

// run executes a short helper command and waits for it.
func (h *Handle) run(ctx context.Context, cmd, cwd string, env map[string]string, user string, timeout time.Duration) (evolve.ExecResult, error) {
	proc, err := h.Start(ctx, evolve.ExecSpec{Command: cmd, Cwd: cwd, Env: env, User: user, Timeout: timeout})
	if err != nil {
		return evolve.ExecResult{}, err
	}
	return proc.Wait(ctx)
}

// WriteFiles copies files into the container under dir ("" means the paths
// are absolute).
func (h *Handle) WriteFiles(ctx context.Context, dir string, files evolve.FileMap) error {
	if len(files) == 0 {
		return nil
	}

	// Rebase onto the copy root and collect parent directories, since tar
	// extraction only creates directories that have entries.
	rebased := make(map[string][]byte, len(files))
	parents := make(map[string]bool)
	for name, content := range files {
		target := name
		if dir != "" {
			target = path.Join(dir, name)
		}
		target = strings.TrimPrefix(target, "/")
		rebased[target] = content
		for d := path.Dir(target); d != "." && d != "/"; d = path.Dir(d) {
			parents[d] = true
		}
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for d := range parents {
		if err := tw.WriteHeader(&tar.Header{Name: d + "/", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
			return err
		}
	}
	for name, content := range rebased {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}); err != nil {
			return err
		}
		if _, err := tw.Write(content); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}

	if err := h.cli.CopyToContainer(ctx, h.id, "/", &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("sandbox: copy to container: %w", err)
	}
	return nil
}

// ReadFile returns one file's contents by absolute path.
func (h *Handle) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	reader, _, err := h.cli.CopyFromContainer(ctx, h.id, filePath)
	if err != nil {
		return nil, fmt.Errorf("sandbox: copy from container: %w", err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
	return nil, fmt.Errorf("sandbox: %s is not a regular file", filePath)
}

// ReadDir returns all files under dir, keyed by path relative to dir.
func (h *Handle) ReadDir(ctx context.Context, dir string, recursive bool) (evolve.FileMap, error) {
	files := make(evolve.FileMap)
	err := h.walkDir(ctx, dir, recursive, func(rel string, _ *tar.Header, content []byte) {
		files[rel] = content
	})
	return files, err
}

// StatDir lists files under dir with sizes and modification times.
func (h *Handle) StatDir(ctx context.Context, dir string, recursive bool) ([]evolve.FileStat, error) {
	var stats []evolve.FileStat
	err := h.walkDir(ctx, dir, recursive, func(rel string, hdr *tar.Header, _ []byte) {
		stats = append(stats, evolve.FileStat{Path: rel, Size: hdr.Size, ModTime: hdr.ModTime})
	})
	return stats, err
}

// walkDir streams dir's tar from the engine and visits regular files.
func (h *Handle) walkDir(ctx context.Context, dir string, recursive bool, visit func(rel string, hdr *tar.Header, content []byte)) error {
	reader, _, err := h.cli.CopyFromContainer(ctx, h.id, dir)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("sandbox: copy from container: %w", err)
	}
	defer reader.Close()

	// The stream is rooted at the directory's basename.
	prefix := path.Base(dir) + "/"
	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		rel := strings.TrimPrefix(hdr.Name, prefix)
		if rel == hdr.Name || rel == "" {
			continue
		}
		if !recursive && strings.Contains(rel, "/") {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		visit(rel, hdr, content)
	}
}

// Snapshot archives the given absolute paths into one gzip tar keyed by
// rootless absolute path, so Restore can unpack at the filesystem root.
func (h *Handle) Snapshot(ctx context.Context, paths []string) ([]byte, error) {
	combined := make(evolve.FileMap)
	for _, p := range paths {
		base := strings.TrimPrefix(p, "/")
		err := h.walkDir(ctx, p, true, func(rel string, _ *tar.Header, content []byte) {
			combined[base+"/"+rel] = content
		})
		if err != nil {
			return nil, err
		}
	}
	return evolve.BuildArchive(combined)
}

// Restore unpacks a Snapshot archive at the filesystem root.
func (h *Handle) Restore(ctx context.Context, archive []byte) error {
	files, err := evolve.ExtractArchive(archive)
	if err != nil {
		return err
	}
	return h.WriteFiles(ctx, "/", files)
}

// Host returns a URL for a container port published to the host.
func (h *Handle) Host(ctx context.Context, port int) (string, error) {
	inspect, err := h.cli.ContainerInspect(ctx, h.id)
	if err != nil {
		return "", fmt.Errorf("sandbox: inspect: %w", err)
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("sandbox: port %d not published", port)
	}
	bindings := inspect.NetworkSettings.Ports[nat.Port(fmt.Sprintf("%d/tcp", port))]
	if len(bindings) == 0 {
		return "", fmt.Errorf("sandbox: port %d not published", port)
	}
	host := bindings[0].HostIP
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%s", host, bindings[0].HostPort), nil
}

// Pause suspends the container.
func (h *Handle) Pause(ctx context.Context) error {
	if err := h.cli.ContainerPause(ctx, h.id); err != nil {
		return fmt.Errorf("sandbox: pause: %w", err)
	}
	return nil
}

// Unpause resumes a paused container.
func (h *Handle) Unpause(ctx context.Context) error {
	if err := h.cli.ContainerUnpause(ctx, h.id); err != nil {
		return fmt.Errorf("sandbox: unpause: %w", err)
	}
	return nil
}

// Kill force-removes the container. Idempotent: a container that is
// already gone is not an error.
func (h *Handle) Kill(ctx context.Context) error {
	err := h.cli.ContainerRemove(ctx, h.id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("sandbox: kill: %w", err)
	}
	return nil
}
