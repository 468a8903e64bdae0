package evolve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// RunCost is the cost attribution record for one run.
type RunCost struct {
	RunID        string  `json:"run_id"`
	Index        int     `json:"index"`
	Cost         float64 `json:"cost"`
	Requests     int     `json:"requests"`
	Model        string  `json:"model,omitempty"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	// IsComplete is false while the accounting system has not yet flushed
	// the most recent LLM calls (typical batching delay ~60 s).
	IsComplete bool `json:"is_complete"`
	// Truncated is true when pagination bounds were hit server-side.
	Truncated bool `json:"truncated"`
}

// SessionCost aggregates every run of one session.
type SessionCost struct {
	SessionTag   string    `json:"session_tag"`
	TotalCost    float64   `json:"total_cost"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Runs         []RunCost `json:"runs"`
	IsComplete   bool      `json:"is_complete"`
	Truncated    bool      `json:"truncated"`
}

// RunCostQuery selects one run: by RunID or by 1-based Index (negative
// counts from the end, -1 is the last run). Exactly one selector must be
// set; both or neither is a client-side validation error.
type RunCostQuery struct {
	RunID string
	Index int
}

// CostClient retrieves per-run and per-session token/cost attribution
// records from the accounting endpoint.
type CostClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// CostOption configures a CostClient.
type CostOption func(*CostClient)

// CostHTTPClient overrides the HTTP client (e.g. for custom timeouts).
func CostHTTPClient(c *http.Client) CostOption {
	return func(cc *CostClient) { cc.client = c }
}

// NewCostClient creates a client against the accounting base URL.
func NewCostClient(baseURL, apiKey string, opts ...CostOption) *CostClient {
	c := &CostClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionCost fetches the aggregate cost record for a session tag.
func (c *CostClient) SessionCost(ctx context.Context, tag string) (SessionCost, error) {
	if tag == "" {
		return SessionCost{}, fmt.Errorf("cost: session tag required")
	}
	var result SessionCost
	if err := c.get(ctx, "/api/costs/sessions/"+url.PathEscape(tag), &result); err != nil {
		return SessionCost{}, err
	}
	return result, nil
}

// RunCost fetches one run's cost record from a session by run id or index.
func (c *CostClient) RunCost(ctx context.Context, tag string, q RunCostQuery) (RunCost, error) {
	if q.RunID != "" && q.Index != 0 {
		return RunCost{}, fmt.Errorf("cost: specify run_id or index, not both")
	}
	if q.RunID == "" && q.Index == 0 {
		return RunCost{}, fmt.Errorf("cost: run_id or index required")
	}

	session, err := c.SessionCost(ctx, tag)
	if err != nil {
		return RunCost{}, err
	}

	if q.RunID != "" {
		for _, run := range session.Runs {
			if run.RunID == q.RunID {
				return run, nil
			}
		}
		return RunCost{}, fmt.Errorf("cost: run %s not found in session %s", q.RunID, tag)
	}

	index := q.Index
	if index < 0 {
		index = len(session.Runs) + index + 1
	}
	if index < 1 || index > len(session.Runs) {
		return RunCost{}, fmt.Errorf("cost: index %d out of range (session has %d runs)", q.Index, len(session.Runs))
	}
	return session.Runs[index-1], nil
}

func (c *CostClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("cost: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("cost: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cost: endpoint returned %d: %s", resp.StatusCode, body)
	}
	return json.Unmarshal(body, out)
}

// GetSessionCost returns the aggregate cost record for this session. After
// Kill the previous session tag is used, so captured records stay
// queryable.
func (s *Session) GetSessionCost(ctx context.Context) (SessionCost, error) {
	if s.cost == nil {
		return SessionCost{}, fmt.Errorf("cost queries require a cost client")
	}
	tag := s.costTag()
	if tag == "" {
		return SessionCost{}, fmt.Errorf("cost: session has no tag yet")
	}
	return s.cost.SessionCost(ctx, tag)
}

// GetRunCost returns one run's cost record by run id or 1-based index
// (negative counts from the end).
func (s *Session) GetRunCost(ctx context.Context, q RunCostQuery) (RunCost, error) {
	if s.cost == nil {
		return RunCost{}, fmt.Errorf("cost queries require a cost client")
	}
	tag := s.costTag()
	if tag == "" {
		return RunCost{}, fmt.Errorf("cost: session has no tag yet")
	}
	return s.cost.RunCost(ctx, tag, q)
}
