package evolve

import (
	"fmt"
	"os"
)

// CredentialMode identifies how agent LLM calls are authenticated.
type CredentialMode string

const (
	// ModeGateway routes LLM calls through the first-party proxy for
	// accounting and observability.
	ModeGateway CredentialMode = "gateway"
	// ModeProvider connects directly to the LLM provider (BYOK).
	ModeProvider CredentialMode = "provider"
	// ModeOAuth uses a subscription OAuth token. Only the claude family
	// supports it.
	ModeOAuth CredentialMode = "oauth"
)

// Credentials carries the three orthogonal credentials a caller may hold.
// All fields are optional; resolution picks one by priority.
type Credentials struct {
	// GatewayKey authenticates against the routing gateway.
	GatewayKey string
	// ProviderKey authenticates directly against the LLM provider (BYOK).
	ProviderKey string
	// OAuthToken is a subscription token (claude family only).
	OAuthToken string
	// ProviderBaseURL overrides the provider endpoint in BYOK mode.
	ProviderBaseURL string
}

// ResolvedCredential is the single credential an agent launch uses.
type ResolvedCredential struct {
	Mode    CredentialMode
	Token   string
	BaseURL string
}

// CredentialProvider resolves the credential for an agent family. The
// session controller never reads environment variables itself; it passes
// whatever it was given to a provider, and env-var fallback is one strategy
// implementation, not a baseline.
type CredentialProvider interface {
	Resolve(family AgentFamily) (ResolvedCredential, error)
}

// StaticCredentials resolves from explicitly supplied credentials only.
// Priority: OAuth > provider key > gateway key.
type StaticCredentials struct {
	Credentials
}

// Resolve implements CredentialProvider.
func (s StaticCredentials) Resolve(family AgentFamily) (ResolvedCredential, error) {
	cred, err := resolveCredential(s.Credentials, family)
	if err != nil {
		return ResolvedCredential{}, err
	}
	if cred.Mode == "" {
		return ResolvedCredential{}, fmt.Errorf("no credential supplied for agent family %s", family)
	}
	return cred, nil
}

// EnvCredentials resolves explicit credentials first, then falls back to
// environment variables. Fallback priority: gateway key env, provider key
// env, OAuth token env — the reverse of the explicit ordering, so an
// ambient subscription token never shadows a deliberate gateway setup.
type EnvCredentials struct {
	Credentials
	// GatewayVar defaults to EVOLVE_API_KEY.
	GatewayVar string
	// OAuthVar defaults to CLAUDE_CODE_OAUTH_TOKEN.
	OAuthVar string
}

// providerKeyVars maps each agent family to its conventional BYOK env var.
var providerKeyVars = map[AgentFamily]string{
	AgentCodex:    "OPENAI_API_KEY",
	AgentClaude:   "ANTHROPIC_API_KEY",
	AgentGemini:   "GEMINI_API_KEY",
	AgentQwen:     "DASHSCOPE_API_KEY",
	AgentKimi:     "MOONSHOT_API_KEY",
	AgentOpenCode: "OPENCODE_API_KEY",
}

// Resolve implements CredentialProvider.
func (e EnvCredentials) Resolve(family AgentFamily) (ResolvedCredential, error) {
	if cred, err := resolveCredential(e.Credentials, family); err != nil || cred.Mode != "" {
		return cred, err
	}

	gatewayVar := e.GatewayVar
	if gatewayVar == "" {
		gatewayVar = "EVOLVE_API_KEY"
	}
	if key := os.Getenv(gatewayVar); key != "" {
		return ResolvedCredential{Mode: ModeGateway, Token: key}, nil
	}
	if v := providerKeyVars[family]; v != "" {
		if key := os.Getenv(v); key != "" {
			return ResolvedCredential{Mode: ModeProvider, Token: key, BaseURL: e.ProviderBaseURL}, nil
		}
	}
	oauthVar := e.OAuthVar
	if oauthVar == "" {
		oauthVar = "CLAUDE_CODE_OAUTH_TOKEN"
	}
	if tok := os.Getenv(oauthVar); tok != "" {
		if !familyProfile(family).OAuth {
			return ResolvedCredential{}, fmt.Errorf("oauth token set but agent family %s does not support oauth", family)
		}
		return ResolvedCredential{Mode: ModeOAuth, Token: tok}, nil
	}
	return ResolvedCredential{}, fmt.Errorf("no credential available for agent family %s", family)
}

// resolveCredential applies the explicit-credential priority. A zero
// ResolvedCredential with nil error means nothing explicit was supplied.
func resolveCredential(c Credentials, family AgentFamily) (ResolvedCredential, error) {
	if c.OAuthToken != "" {
		if !familyProfile(family).OAuth {
			return ResolvedCredential{}, fmt.Errorf("oauth token supplied but agent family %s does not support oauth", family)
		}
		return ResolvedCredential{Mode: ModeOAuth, Token: c.OAuthToken}, nil
	}
	if c.ProviderKey != "" {
		return ResolvedCredential{Mode: ModeProvider, Token: c.ProviderKey, BaseURL: c.ProviderBaseURL}, nil
	}
	if c.GatewayKey != "" {
		return ResolvedCredential{Mode: ModeGateway, Token: c.GatewayKey}, nil
	}
	return ResolvedCredential{}, nil
}
