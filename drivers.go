package evolve

import (
	"context"
	"fmt"
	"strings"
)

// AgentFamily identifies one supported coding-agent CLI.
type AgentFamily string

const (
	AgentCodex    AgentFamily = "codex"
	AgentClaude   AgentFamily = "claude"
	AgentGemini   AgentFamily = "gemini"
	AgentQwen     AgentFamily = "qwen"
	AgentKimi     AgentFamily = "kimi"
	AgentOpenCode AgentFamily = "opencode"
)

// MCPFormat is the serialisation format of an agent's MCP config file.
type MCPFormat string

const (
	MCPJSON MCPFormat = "json"
	MCPTOML MCPFormat = "toml"
)

// agentProfile holds the per-family quirks. The orchestrator never branches
// on family; everything family-specific is read from this table.
type agentProfile struct {
	// PromptFile is the system-prompt filename in the working directory.
	PromptFile string
	// MCPPath is where the MCP config is written. Paths not starting with
	// "/" or "~" are relative to the working directory.
	MCPPath string
	// MCPFormat is json for most agents, toml for the codex family.
	MCPFormat MCPFormat
	// OAuth reports whether subscription OAuth tokens are accepted.
	OAuth bool
	// HTTPMCP reports whether HTTP-remote MCP servers are supported;
	// the codex family is restricted to STDIO transport.
	HTTPMCP bool
	// Command is the CLI invocation template; the prompt is appended as
	// the final argument.
	Command string
	// CredentialEnv maps credential modes to the env var the CLI reads.
	CredentialEnv map[CredentialMode]string
	// StateDir is the per-session agent state directory captured in
	// checkpoints, relative to the sandbox home.
	StateDir string
}

var agentProfiles = map[AgentFamily]agentProfile{
	AgentCodex: {
		PromptFile: "AGENTS.md",
		MCPPath:    "~/.codex/config.toml",
		MCPFormat:  MCPTOML,
		OAuth:      false,
		HTTPMCP:    false,
		Command:    "codex exec --json --skip-git-repo-check",
		CredentialEnv: map[CredentialMode]string{
			ModeGateway:  "OPENAI_API_KEY",
			ModeProvider: "OPENAI_API_KEY",
		},
		StateDir: ".codex",
	},
	AgentClaude: {
		PromptFile: "CLAUDE.md",
		MCPPath:    ".mcp.json",
		MCPFormat:  MCPJSON,
		OAuth:      true,
		HTTPMCP:    true,
		Command:    "claude -p --output-format stream-json --verbose --dangerously-skip-permissions",
		CredentialEnv: map[CredentialMode]string{
			ModeGateway:  "ANTHROPIC_API_KEY",
			ModeProvider: "ANTHROPIC_API_KEY",
			ModeOAuth:    "CLAUDE_CODE_OAUTH_TOKEN",
		},
		StateDir: ".claude",
	},
	AgentGemini: {
		PromptFile: "GEMINI.md",
		MCPPath:    ".mcp.json",
		MCPFormat:  MCPJSON,
		OAuth:      false,
		HTTPMCP:    true,
		Command:    "gemini --yolo --output-format json",
		CredentialEnv: map[CredentialMode]string{
			ModeGateway:  "GEMINI_API_KEY",
			ModeProvider: "GEMINI_API_KEY",
		},
		StateDir: ".gemini",
	},
	AgentQwen: {
		PromptFile: "QWEN.md",
		MCPPath:    ".mcp.json",
		MCPFormat:  MCPJSON,
		OAuth:      false,
		HTTPMCP:    true,
		Command:    "qwen --yolo --output-format json",
		CredentialEnv: map[CredentialMode]string{
			ModeGateway:  "OPENAI_API_KEY",
			ModeProvider: "OPENAI_API_KEY",
		},
		StateDir: ".qwen",
	},
	AgentKimi: {
		PromptFile: "AGENTS.md",
		MCPPath:    ".mcp.json",
		MCPFormat:  MCPJSON,
		OAuth:      false,
		HTTPMCP:    true,
		Command:    "kimi --print --output-format stream-json",
		CredentialEnv: map[CredentialMode]string{
			ModeGateway:  "MOONSHOT_API_KEY",
			ModeProvider: "MOONSHOT_API_KEY",
		},
		StateDir: ".kimi",
	},
	AgentOpenCode: {
		PromptFile: "AGENTS.md",
		MCPPath:    ".mcp.json",
		MCPFormat:  MCPJSON,
		OAuth:      false,
		HTTPMCP:    true,
		Command:    "opencode run --print-logs --format json",
		CredentialEnv: map[CredentialMode]string{
			ModeGateway:  "OPENCODE_API_KEY",
			ModeProvider: "OPENCODE_API_KEY",
		},
		StateDir: ".opencode",
	},
}

// familyProfile returns the quirk table entry for a family, falling back to
// the claude profile for unknown values so misconfiguration fails at agent
// launch rather than with a nil map.
func familyProfile(family AgentFamily) agentProfile {
	if p, ok := agentProfiles[family]; ok {
		return p
	}
	return agentProfiles[AgentClaude]
}

// KnownAgentFamily reports whether family is one of the supported agents.
func KnownAgentFamily(family AgentFamily) bool {
	_, ok := agentProfiles[family]
	return ok
}

// CLIDriver launches agents by invoking their CLI inside the sandbox and
// parsing the streamed JSONL output into content events.
type CLIDriver struct {
	family AgentFamily
}

// NewCLIDriver returns the driver for an agent family.
func NewCLIDriver(family AgentFamily) (*CLIDriver, error) {
	if !KnownAgentFamily(family) {
		return nil, fmt.Errorf("unknown agent family %q", family)
	}
	return &CLIDriver{family: family}, nil
}

// Family implements AgentDriver.
func (d *CLIDriver) Family() AgentFamily { return d.family }

// Launch implements AgentDriver. The returned Process terminates when the
// agent finishes the prompt; Interrupt signals the CLI process.
func (d *CLIDriver) Launch(ctx context.Context, sandbox SandboxHandle, spec LaunchSpec) (Process, error) {
	profile := familyProfile(d.family)
	if spec.Credential.Mode == ModeOAuth && !profile.OAuth {
		return nil, fmt.Errorf("agent family %s does not support oauth credentials", d.family)
	}

	env := make(map[string]string, len(spec.Secrets)+3)
	for k, v := range spec.Secrets {
		env[k] = v
	}
	if v := profile.CredentialEnv[spec.Credential.Mode]; v != "" {
		env[v] = spec.Credential.Token
	}
	if spec.Credential.BaseURL != "" {
		env["ANTHROPIC_BASE_URL"] = spec.Credential.BaseURL
		env["OPENAI_BASE_URL"] = spec.Credential.BaseURL
	}
	if len(spec.Skills) > 0 {
		env["AGENT_SKILLS"] = strings.Join(spec.Skills, ",")
	}

	cmd := profile.Command
	if spec.Model != "" {
		cmd += " --model " + shellQuote(spec.Model)
	}
	cmd += " " + shellQuote(spec.Prompt)

	return sandbox.Start(ctx, ExecSpec{
		Command: cmd,
		Cwd:     spec.WorkingDirectory,
		Env:     env,
		Timeout: spec.Timeout,
		Stdout: func(chunk string) {
			if spec.Events == nil {
				return
			}
			spec.Events(AgentEvent{Channel: ChannelStdout, Text: chunk})
			for _, line := range strings.Split(chunk, "\n") {
				line = strings.TrimSpace(line)
				if !strings.HasPrefix(line, "{") {
					continue
				}
				if update, err := ParseContentEvent([]byte(line)); err == nil {
					spec.Events(AgentEvent{Channel: ChannelContent, Update: update})
				}
			}
		},
		Stderr: func(chunk string) {
			if spec.Events != nil {
				spec.Events(AgentEvent{Channel: ChannelStderr, Text: chunk})
			}
		},
	})
}

// shellQuote single-quotes s for the sandbox shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// compile-time check
var _ AgentDriver = (*CLIDriver)(nil)
