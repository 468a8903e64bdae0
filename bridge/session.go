package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nevindra/evolve"
)

// runParams mirrors the Run RPC surface.
type runParams struct {
	Prompt            string `json:"prompt"`
	TimeoutMS         int    `json:"timeout_ms,omitempty"`
	Background        bool   `json:"background,omitempty"`
	From              string `json:"from,omitempty"`
	CheckpointComment string `json:"checkpoint_comment,omitempty"`
}

// executeParams mirrors the ExecuteCommand RPC surface.
type executeParams struct {
	Command    string            `json:"command"`
	TimeoutMS  int               `json:"timeout_ms,omitempty"`
	Background bool              `json:"background,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	Envs       map[string]string `json:"envs,omitempty"`
	User       string            `json:"user,omitempty"`
}

// filesParams carries a wire-encoded file map.
type filesParams struct {
	Files map[string]evolve.WireFile `json:"files"`
}

// agentResponseWire is the wire shape of an AgentResponse.
type agentResponseWire struct {
	SandboxID  string                 `json:"sandbox_id"`
	RunID      string                 `json:"run_id,omitempty"`
	ExitCode   int                    `json:"exit_code"`
	Stdout     string                 `json:"stdout"`
	Stderr     string                 `json:"stderr"`
	Checkpoint *evolve.CheckpointInfo `json:"checkpoint,omitempty"`
}

func toWire(resp evolve.AgentResponse) agentResponseWire {
	return agentResponseWire{
		SandboxID:  resp.SandboxID,
		RunID:      resp.RunID,
		ExitCode:   resp.ExitCode,
		Stdout:     resp.Stdout,
		Stderr:     resp.Stderr,
		Checkpoint: resp.Checkpoint,
	}
}

// SessionDispatcher binds a session, including its checkpoint operations,
// to the bridge method set. Event channels are not forwarded here; use
// ForwardEvents to push them as notifications on a Server.
func SessionDispatcher(session *evolve.Session) *Dispatcher {
	d := &Dispatcher{handlers: map[string]handlerFunc{}}

	d.handlers["run"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[runParams](params)
		if err != nil {
			return nil, err
		}
		var opts []evolve.RunOption
		if p.TimeoutMS > 0 {
			opts = append(opts, evolve.RunTimeout(time.Duration(p.TimeoutMS)*time.Millisecond))
		}
		if p.Background {
			opts = append(opts, evolve.RunBackground())
		}
		if p.From != "" {
			opts = append(opts, evolve.FromCheckpoint(p.From))
		}
		if p.CheckpointComment != "" {
			opts = append(opts, evolve.CheckpointComment(p.CheckpointComment))
		}
		resp, err := session.Run(ctx, p.Prompt, opts...)
		if err != nil {
			return nil, err
		}
		return toWire(resp), nil
	}

	d.handlers["execute_command"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[executeParams](params)
		if err != nil {
			return nil, err
		}
		var opts []evolve.CmdOption
		if p.TimeoutMS > 0 {
			opts = append(opts, evolve.CmdTimeout(time.Duration(p.TimeoutMS)*time.Millisecond))
		}
		if p.Background {
			opts = append(opts, evolve.CmdBackground())
		}
		if p.Cwd != "" {
			opts = append(opts, evolve.CmdCwd(p.Cwd))
		}
		if len(p.Envs) > 0 {
			opts = append(opts, evolve.CmdEnv(p.Envs))
		}
		if p.User != "" {
			opts = append(opts, evolve.CmdUser(p.User))
		}
		resp, err := session.ExecuteCommand(ctx, p.Command, opts...)
		if err != nil {
			return nil, err
		}
		return toWire(resp), nil
	}

	d.handlers["upload_context"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[filesParams](params)
		if err != nil {
			return nil, err
		}
		files, err := evolve.DecodeFileMap(p.Files)
		if err != nil {
			return nil, &errInvalidParams{err: err}
		}
		return nil, session.UploadContext(ctx, files)
	}

	d.handlers["upload_files"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[filesParams](params)
		if err != nil {
			return nil, err
		}
		files, err := evolve.DecodeFileMap(p.Files)
		if err != nil {
			return nil, &errInvalidParams{err: err}
		}
		return nil, session.UploadFiles(ctx, files)
	}

	d.handlers["read_file"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Path string `json:"path"`
		}](params)
		if err != nil {
			return nil, err
		}
		content, err := session.ReadFile(ctx, p.Path)
		if err != nil {
			return nil, err
		}
		encoded := evolve.EncodeFileMap(evolve.FileMap{"file": content})
		return encoded["file"], nil
	}

	d.handlers["get_output_files"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Recursive bool `json:"recursive"`
		}](params)
		if err != nil {
			return nil, err
		}
		out, err := session.GetOutputFiles(ctx, p.Recursive)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"files":    evolve.EncodeFileMap(out.Files),
			"data":     out.Data,
			"error":    out.Error,
			"raw_data": out.RawData,
		}, nil
	}

	d.handlers["checkpoint"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Comment string `json:"comment"`
		}](params)
		if err != nil {
			return nil, err
		}
		return session.Checkpoint(ctx, p.Comment)
	}

	d.handlers["list_checkpoints"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Limit int    `json:"limit"`
			Tag   string `json:"tag"`
		}](params)
		if err != nil {
			return nil, err
		}
		list, err := session.ListCheckpoints(ctx, evolve.ListOptions{Limit: p.Limit, Tag: p.Tag})
		if err != nil {
			return nil, err
		}
		return list.Checkpoints, nil
	}

	d.handlers["pause"] = func(ctx context.Context, _ json.RawMessage) (any, error) {
		return nil, session.Pause(ctx)
	}
	d.handlers["resume"] = func(ctx context.Context, _ json.RawMessage) (any, error) {
		return nil, session.Resume(ctx)
	}
	d.handlers["kill"] = func(ctx context.Context, _ json.RawMessage) (any, error) {
		return nil, session.Kill(ctx)
	}
	d.handlers["interrupt"] = func(ctx context.Context, _ json.RawMessage) (any, error) {
		return session.Interrupt(ctx)
	}
	d.handlers["status"] = func(_ context.Context, _ json.RawMessage) (any, error) {
		return session.Status(), nil
	}
	d.handlers["get_session"] = func(ctx context.Context, _ json.RawMessage) (any, error) {
		return session.GetSession(ctx)
	}
	d.handlers["set_session"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			SessionID string `json:"session_id"`
		}](params)
		if err != nil {
			return nil, err
		}
		return nil, session.SetSession(ctx, p.SessionID)
	}
	d.handlers["get_host"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Port int `json:"port"`
		}](params)
		if err != nil {
			return nil, err
		}
		url, err := session.GetHost(ctx, p.Port)
		if err != nil {
			return nil, err
		}
		return map[string]string{"url": url}, nil
	}
	d.handlers["get_session_tag"] = func(ctx context.Context, _ json.RawMessage) (any, error) {
		return session.GetSessionTag(ctx)
	}
	d.handlers["get_session_timestamp"] = func(ctx context.Context, _ json.RawMessage) (any, error) {
		ts, err := session.GetSessionTimestamp(ctx)
		if err != nil {
			return nil, err
		}
		return ts.Format(time.RFC3339Nano), nil
	}
	d.handlers["get_session_cost"] = func(ctx context.Context, _ json.RawMessage) (any, error) {
		return session.GetSessionCost(ctx)
	}
	d.handlers["get_run_cost"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			RunID string `json:"run_id"`
			Index int    `json:"index"`
		}](params)
		if err != nil {
			return nil, err
		}
		return session.GetRunCost(ctx, evolve.RunCostQuery{RunID: p.RunID, Index: p.Index})
	}

	return d
}

// ForwardEvents registers the session's four channels on the server as
// JSON-RPC notifications (methods "stdout", "stderr", "content",
// "lifecycle").
func ForwardEvents(session *evolve.Session, server *Server) error {
	for _, channel := range []evolve.EventChannel{
		evolve.ChannelStdout, evolve.ChannelStderr, evolve.ChannelContent, evolve.ChannelLifecycle,
	} {
		ch := channel
		err := session.On(ch, func(ev evolve.Event) {
			switch ch {
			case evolve.ChannelStdout, evolve.ChannelStderr:
				server.Notify(string(ch), ev.Text)
			case evolve.ChannelContent:
				server.Notify(string(ch), ev.Content)
			case evolve.ChannelLifecycle:
				server.Notify(string(ch), ev.Lifecycle)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}
