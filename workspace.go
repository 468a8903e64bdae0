package evolve

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/BurntSushi/toml"
)

// WorkspaceMode selects the directory layout and default system prompt
// written into a fresh sandbox.
type WorkspaceMode string

const (
	// ModeKnowledge creates output/, context/, scripts/ and temp/ and
	// instructs the agent to place results in output/.
	ModeKnowledge WorkspaceMode = "knowledge"
	// ModeSWE additionally creates repo/ and uses a software-engineering
	// oriented prompt for work on cloned repositories.
	ModeSWE WorkspaceMode = "swe"
)

// workspaceDirs returns the directories created for a mode, relative to the
// working directory.
func workspaceDirs(mode WorkspaceMode) []string {
	dirs := []string{"output", "context", "scripts", "temp"}
	if mode == ModeSWE {
		dirs = append(dirs, "repo")
	}
	return dirs
}

const knowledgePreamble = `You are working inside a sandboxed workspace.

Directory contract:
- context/ holds read-only input files provided by the caller.
- scripts/ holds caller-provided scripts you may execute.
- temp/ is yours for scratch work.
- output/ is where ALL results go. Write final deliverables there.

When a structured result is requested, write it to output/result.json as a
single JSON document matching the requested shape.`

const swePreamble = `You are a software engineer working inside a sandboxed workspace.

Directory contract:
- repo/ holds the repository you are working on.
- context/ holds read-only input files provided by the caller.
- temp/ is yours for scratch work.
- output/ is where reports and structured results go.

Make changes directly in repo/. When a structured result is requested,
write it to output/result.json as a single JSON document matching the
requested shape.`

// systemPromptFor composes the system-prompt file contents for a mode. In
// knowledge mode a custom prompt is appended after the workspace preamble;
// in swe mode it replaces the role text that precedes the directory
// contract, and the contract and the text after it are kept.
func systemPromptFor(mode WorkspaceMode, custom string) string {
	switch mode {
	case ModeSWE:
		if custom == "" {
			return swePreamble
		}
		// Keep the directory contract, replace the role text.
		contract := swePreamble[strings.Index(swePreamble, "Directory contract:"):]
		return custom + "\n\n" + contract
	default:
		if custom == "" {
			return knowledgePreamble
		}
		return knowledgePreamble + "\n\n" + custom
	}
}

// MCPServer describes one MCP server made available to the agent. Command
// servers use STDIO transport; URL servers use HTTP-remote transport, which
// every agent family supports except codex.
type MCPServer struct {
	Command string            `json:"command,omitempty" toml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" toml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" toml:"env,omitempty"`
	URL     string            `json:"url,omitempty" toml:"url,omitempty"`
}

// renderMCPConfig serialises the MCP server map into the config file format
// the agent family expects. HTTP-remote servers are rejected for families
// restricted to STDIO.
func renderMCPConfig(family AgentFamily, servers map[string]MCPServer) ([]byte, error) {
	profile := familyProfile(family)
	for name, srv := range servers {
		if srv.URL != "" && !profile.HTTPMCP {
			return nil, fmt.Errorf("mcp server %s: agent family %s supports STDIO transport only", name, family)
		}
		if srv.URL == "" && srv.Command == "" {
			return nil, fmt.Errorf("mcp server %s: command or url required", name)
		}
	}

	switch profile.MCPFormat {
	case MCPTOML:
		// The codex family reads [mcp_servers.<name>] tables from its home
		// config file.
		var buf bytes.Buffer
		enc := toml.NewEncoder(&buf)
		if err := enc.Encode(map[string]map[string]MCPServer{"mcp_servers": servers}); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return json.MarshalIndent(map[string]map[string]MCPServer{"mcpServers": servers}, "", "  ")
	}
}

// mcpConfigPath resolves where the MCP config file is written for a family.
// Relative profile paths are joined onto the working directory; "~" expands
// to the sandbox home.
func mcpConfigPath(family AgentFamily, workingDir, home string) string {
	p := familyProfile(family).MCPPath
	if strings.HasPrefix(p, "~/") {
		return path.Join(home, p[2:])
	}
	if path.IsAbs(p) {
		return p
	}
	return path.Join(workingDir, p)
}
