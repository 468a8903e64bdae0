package evolve

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventChannel identifies one of the four session event streams.
type EventChannel string

const (
	// ChannelStdout carries raw agent stdout chunks.
	ChannelStdout EventChannel = "stdout"
	// ChannelStderr carries raw agent stderr chunks.
	ChannelStderr EventChannel = "stderr"
	// ChannelContent carries parsed agent updates (messages, thoughts,
	// tool calls, plans).
	ChannelContent EventChannel = "content"
	// ChannelLifecycle carries sandbox and agent state transitions.
	ChannelLifecycle EventChannel = "lifecycle"
)

// LifecycleReason identifies a lifecycle transition.
type LifecycleReason string

const (
	ReasonSandboxBoot      LifecycleReason = "sandbox_boot"
	ReasonSandboxReady     LifecycleReason = "sandbox_ready"
	ReasonSandboxConnected LifecycleReason = "sandbox_connected"
	ReasonSandboxPause     LifecycleReason = "sandbox_pause"
	ReasonSandboxResume    LifecycleReason = "sandbox_resume"
	ReasonSandboxKilled    LifecycleReason = "sandbox_killed"

	ReasonRunStart              LifecycleReason = "run_start"
	ReasonRunComplete           LifecycleReason = "run_complete"
	ReasonRunFailed             LifecycleReason = "run_failed"
	ReasonRunInterrupted        LifecycleReason = "run_interrupted"
	ReasonRunBackgroundComplete LifecycleReason = "run_background_complete"
	ReasonRunBackgroundFailed   LifecycleReason = "run_background_failed"

	ReasonCommandStart              LifecycleReason = "command_start"
	ReasonCommandComplete           LifecycleReason = "command_complete"
	ReasonCommandFailed             LifecycleReason = "command_failed"
	ReasonCommandInterrupted        LifecycleReason = "command_interrupted"
	ReasonCommandBackgroundComplete LifecycleReason = "command_background_complete"
	ReasonCommandBackgroundFailed   LifecycleReason = "command_background_failed"
)

// knownLifecycleReasons is the closed set accepted by ParseLifecycleEvent.
var knownLifecycleReasons = map[LifecycleReason]bool{
	ReasonSandboxBoot: true, ReasonSandboxReady: true, ReasonSandboxConnected: true,
	ReasonSandboxPause: true, ReasonSandboxResume: true, ReasonSandboxKilled: true,
	ReasonRunStart: true, ReasonRunComplete: true, ReasonRunFailed: true,
	ReasonRunInterrupted: true, ReasonRunBackgroundComplete: true, ReasonRunBackgroundFailed: true,
	ReasonCommandStart: true, ReasonCommandComplete: true, ReasonCommandFailed: true,
	ReasonCommandInterrupted: true, ReasonCommandBackgroundComplete: true, ReasonCommandBackgroundFailed: true,
}

// LifecycleEvent is emitted on the lifecycle channel for every sandbox or
// agent state transition.
type LifecycleEvent struct {
	SandboxID string          `json:"sandbox_id,omitempty"`
	Sandbox   SandboxState    `json:"sandbox"`
	Agent     AgentState      `json:"agent"`
	Reason    LifecycleReason `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
}

// ParseLifecycleEvent decodes a lifecycle event, rejecting unknown reasons.
// Production consumers that must tolerate newer runtimes should decode the
// raw JSON themselves and log unknown reasons instead.
func ParseLifecycleEvent(raw []byte) (LifecycleEvent, error) {
	var ev LifecycleEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return LifecycleEvent{}, err
	}
	if !knownLifecycleReasons[ev.Reason] {
		return LifecycleEvent{}, fmt.Errorf("unknown lifecycle reason %q", ev.Reason)
	}
	return ev, nil
}

// ContentEvent is a parsed agent update delivered on the content channel.
// It is a closed union discriminated by the sessionUpdate field: see
// MessageChunk, ThoughtChunk, ToolCall, ToolCallUpdate and Plan.
type ContentEvent interface {
	// UpdateKind returns the sessionUpdate discriminator value.
	UpdateKind() string
}

// MessageChunk is an incremental chunk of the agent's response text.
type MessageChunk struct {
	Text string `json:"text"`
}

// ThoughtChunk is an incremental chunk of the agent's reasoning text.
type ThoughtChunk struct {
	Text string `json:"text"`
}

// ToolCall announces a tool invocation by the agent.
type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Status     string          `json:"status,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

// ToolCallUpdate carries progress or completion for an earlier ToolCall.
type ToolCallUpdate struct {
	ToolCallID string          `json:"toolCallId"`
	Status     string          `json:"status,omitempty"`
	RawOutput  json.RawMessage `json:"rawOutput,omitempty"`
}

// PlanEntry is one item of an agent plan update.
type PlanEntry struct {
	Content  string `json:"content"`
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// Plan is the agent's current task plan.
type Plan struct {
	Entries []PlanEntry `json:"entries"`
}

func (MessageChunk) UpdateKind() string   { return "agent_message_chunk" }
func (ThoughtChunk) UpdateKind() string   { return "agent_thought_chunk" }
func (ToolCall) UpdateKind() string       { return "tool_call" }
func (ToolCallUpdate) UpdateKind() string { return "tool_call_update" }
func (Plan) UpdateKind() string           { return "plan" }

// contentEnvelope is the wire shape of a content event.
type contentEnvelope struct {
	SessionUpdate string `json:"sessionUpdate"`
	// Message/thought chunks nest text under content.
	Content json.RawMessage `json:"content,omitempty"`

	ToolCallID string          `json:"toolCallId,omitempty"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Status     string          `json:"status,omitempty"`
	Priority   string          `json:"priority,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
	RawOutput  json.RawMessage `json:"rawOutput,omitempty"`
	Entries    []PlanEntry     `json:"entries,omitempty"`
}

// chunkContent is the nested content of a message or thought chunk.
type chunkContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ParseContentEvent decodes one ACP-style update into its typed variant.
// Unknown sessionUpdate values are an error; callers that must tolerate
// them should log and drop.
func ParseContentEvent(raw []byte) (ContentEvent, error) {
	var env contentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.SessionUpdate {
	case "agent_message_chunk", "agent_thought_chunk":
		var cc chunkContent
		if len(env.Content) > 0 {
			if err := json.Unmarshal(env.Content, &cc); err != nil {
				// Some agents emit the text directly.
				cc.Text = string(env.Content)
			}
		}
		if env.SessionUpdate == "agent_message_chunk" {
			return MessageChunk{Text: cc.Text}, nil
		}
		return ThoughtChunk{Text: cc.Text}, nil
	case "tool_call":
		return ToolCall{
			ToolCallID: env.ToolCallID,
			Title:      env.Title,
			Kind:       env.Kind,
			Status:     env.Status,
			RawInput:   env.RawInput,
		}, nil
	case "tool_call_update":
		return ToolCallUpdate{
			ToolCallID: env.ToolCallID,
			Status:     env.Status,
			RawOutput:  env.RawOutput,
		}, nil
	case "plan":
		return Plan{Entries: env.Entries}, nil
	default:
		return nil, fmt.Errorf("unknown sessionUpdate %q", env.SessionUpdate)
	}
}

// EncodeContentEvent renders a typed content event back to its wire shape.
func EncodeContentEvent(ev ContentEvent) ([]byte, error) {
	env := map[string]any{"sessionUpdate": ev.UpdateKind()}
	switch v := ev.(type) {
	case MessageChunk:
		env["content"] = chunkContent{Type: "text", Text: v.Text}
	case ThoughtChunk:
		env["content"] = chunkContent{Type: "text", Text: v.Text}
	case ToolCall:
		env["toolCallId"] = v.ToolCallID
		if v.Title != "" {
			env["title"] = v.Title
		}
		if v.Kind != "" {
			env["kind"] = v.Kind
		}
		if v.Status != "" {
			env["status"] = v.Status
		}
		if len(v.RawInput) > 0 {
			env["rawInput"] = v.RawInput
		}
	case ToolCallUpdate:
		env["toolCallId"] = v.ToolCallID
		if v.Status != "" {
			env["status"] = v.Status
		}
		if len(v.RawOutput) > 0 {
			env["rawOutput"] = v.RawOutput
		}
	case Plan:
		env["entries"] = v.Entries
	default:
		return nil, fmt.Errorf("unknown content event %T", ev)
	}
	return json.Marshal(env)
}
