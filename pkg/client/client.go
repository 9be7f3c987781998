package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aima-platform/corral/pkg/types"
)

// APIError is a structured error response from the orchestrator. Code is one
// of the stable wire codes (invalid_request, not_found, quota_exceeded, ...);
// branch on it, never on Message.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%s): %s", http.StatusText(e.Status), e.Code, e.Message)
}

// Client talks to one orchestrator over HTTP/JSON
type Client struct {
	baseURL string
	token   string
	owner   string
	httpc   *http.Client
}

// New creates a client for the orchestrator at baseURL. token is the bearer
// token from the auth service; leave it empty against a dev server running
// with auth disabled.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// SetOwner names the owner to act as when the server runs with auth
// disabled. Ignored by servers that verify tokens.
func (c *Client) SetOwner(owner string) {
	c.owner = owner
}

// SubmitRequest is the job submission body, mirroring POST /jobs
type SubmitRequest struct {
	Kind           string                `json:"kind"`
	Priority       string                `json:"priority,omitempty"`
	Resources      types.ResourceProfile `json:"resources"`
	Image          string                `json:"image"`
	Env            map[string]string     `json:"env,omitempty"`
	Inputs         []string              `json:"inputs,omitempty"`
	Deadline       *time.Time            `json:"deadline,omitempty"`
	MaxRetries     *int                  `json:"max_retries,omitempty"`
	CostCeiling    int64                 `json:"cost_ceiling_cents,omitempty"`
	IdempotencyKey string                `json:"idempotency_key,omitempty"`
}

// JobDetail is a job with its assignment history
type JobDetail struct {
	Job         *types.Job          `json:"job"`
	Assignments []*types.Assignment `json:"assignments"`
}

// JobList is one page of jobs
type JobList struct {
	Jobs       []*types.Job `json:"jobs"`
	NextCursor string       `json:"next_cursor"`
}

// ListJobsOptions narrows ListJobs. Zero values match the caller's own jobs
// from the beginning.
type ListJobsOptions struct {
	Owner  string
	State  string
	Cursor string
	Limit  int
}

// InstanceDetail is an instance with its cost ledger
type InstanceDetail struct {
	Instance *types.Instance      `json:"instance"`
	Ledger   []*types.LedgerEntry `json:"ledger"`
}

// ProviderStatus is one provider's control state plus its latest probe
type ProviderStatus struct {
	Provider types.ProviderSnapshot `json:"provider"`
	Probe    *ProbeStatus           `json:"probe"`
}

// ProbeStatus is the health prober's view of a provider
type ProbeStatus struct {
	Healthy              bool      `json:"healthy"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastChecked          time.Time `json:"last_checked"`
	LastLatencyMS        int64     `json:"last_latency_ms"`
	LastError            string    `json:"last_error"`
}

// HealthStatus is the /health and /ready response
type HealthStatus struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Message    string            `json:"message"`
}

// SubmitJob submits a job and returns the created (or, under an idempotency
// key, the previously created) job.
func (c *Client) SubmitJob(ctx context.Context, req SubmitRequest) (*types.Job, error) {
	var job types.Job
	if err := c.do(ctx, http.MethodPost, "/jobs", nil, req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob fetches one job with its assignment history
func (c *Client) GetJob(ctx context.Context, id string) (*JobDetail, error) {
	var detail JobDetail
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListJobs fetches one page of jobs
func (c *Client) ListJobs(ctx context.Context, opts ListJobsOptions) (*JobList, error) {
	q := url.Values{}
	if opts.Owner != "" {
		q.Set("owner", opts.Owner)
	}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var list JobList
	if err := c.do(ctx, http.MethodGet, "/jobs", q, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// CancelJob requests cancellation. The returned job reflects the state at
// response time; a job with a live assignment cancels asynchronously.
func (c *Client) CancelJob(ctx context.Context, id string) (*types.Job, error) {
	var job types.Job
	if err := c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListInstances fetches the instance inventory, optionally narrowed by
// provider tag and state.
func (c *Client) ListInstances(ctx context.Context, provider, state string) ([]*types.Instance, error) {
	q := url.Values{}
	if provider != "" {
		q.Set("provider", provider)
	}
	if state != "" {
		q.Set("state", state)
	}
	var list struct {
		Instances []*types.Instance `json:"instances"`
	}
	if err := c.do(ctx, http.MethodGet, "/instances", q, nil, &list); err != nil {
		return nil, err
	}
	return list.Instances, nil
}

// GetInstance fetches one instance with its ledger
func (c *Client) GetInstance(ctx context.Context, id string) (*InstanceDetail, error) {
	var detail InstanceDetail
	if err := c.do(ctx, http.MethodGet, "/instances/"+url.PathEscape(id), nil, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListProviders fetches every provider's snapshot
func (c *Client) ListProviders(ctx context.Context) ([]types.ProviderSnapshot, error) {
	var list struct {
		Providers []types.ProviderSnapshot `json:"providers"`
	}
	if err := c.do(ctx, http.MethodGet, "/providers", nil, nil, &list); err != nil {
		return nil, err
	}
	return list.Providers, nil
}

// ProviderStatus fetches one provider's snapshot and probe state
func (c *Client) ProviderStatus(ctx context.Context, tag string) (*ProviderStatus, error) {
	var status ProviderStatus
	if err := c.do(ctx, http.MethodGet, "/providers/"+url.PathEscape(tag)+"/status", nil, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Health fetches process liveness. The call succeeds even when the status is
// degraded; inspect Status.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	return c.probe(ctx, "/health")
}

// Ready fetches readiness
func (c *Client) Ready(ctx context.Context) (*HealthStatus, error) {
	return c.probe(ctx, "/ready")
}

// probe reads a health endpoint. These return 503 with a body when not
// ready, so the body is decoded regardless of status.
func (c *Client) probe(ctx context.Context, path string) (*HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.decorate(req)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return &status, nil
}

func (c *Client) decorate(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.owner != "" {
		req.Header.Set("X-Corral-Owner", c.owner)
	}
}

// do runs one request/response cycle. Non-2xx responses come back as
// *APIError when the body carries the error envelope.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.decorate(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var envelope struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Error.Code == "" {
		return &APIError{Status: resp.StatusCode, Code: "internal", Message: strings.TrimSpace(string(raw))}
	}
	apiErr := envelope.Error
	apiErr.Status = resp.StatusCode
	return &apiErr
}
