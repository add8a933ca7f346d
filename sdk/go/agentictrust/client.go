// Package agentictrust is a Go client for the agentic-trust HTTP API.
package agentictrust

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the agentic-trust REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// ResolveAccountRequest asks for the smart account behind an agent name.
type ResolveAccountRequest struct {
	AgentName string `json:"agentName"`
	ChainID   int64  `json:"chainId,omitempty"`
}

// Resolution is the outcome of a resolve-account call. Account is empty
// when no strategy answered.
type Resolution struct {
	Account string `json:"account,omitempty"`
	Method  string `json:"method"`
}

// AccountAddressRequest asks for the agent's AA address.
type AccountAddressRequest struct {
	AgentName  string `json:"agentName"`
	EOAAddress string `json:"eoaAddress,omitempty"`
	ChainID    int64  `json:"chainId,omitempty"`
}

// AccountAddress is the agent account and the method that produced it.
type AccountAddress struct {
	Address string `json:"address"`
	Method  string `json:"method"`
}

// DeployRequest queues deployment of an agent account.
type DeployRequest struct {
	ID         string `json:"id,omitempty"`
	AgentName  string `json:"agentName"`
	EOAAddress string `json:"eoaAddress,omitempty"`
	ChainID    int64  `json:"chainId,omitempty"`
}

// DeployAck acknowledges a queued deployment.
type DeployAck struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// DeployOutcome is set on succeeded jobs.
type DeployOutcome struct {
	Address  string `json:"address"`
	Deployed bool   `json:"deployed"`
}

// DeployJob is the server-side view of a deployment. Timestamps are unix
// seconds.
type DeployJob struct {
	ID         string         `json:"id"`
	AgentName  string         `json:"agentName"`
	Owner      string         `json:"owner"`
	ChainID    int64          `json:"chainId"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"maxRetries"`
	LastError  string         `json:"lastError,omitempty"`
	ErrorCode  string         `json:"errorCode,omitempty"`
	Result     *DeployOutcome `json:"result,omitempty"`
	CreatedAt  int64          `json:"createdAt"`
	UpdatedAt  int64          `json:"updatedAt"`
}

// Done reports whether the job reached a final state.
func (j DeployJob) Done() bool {
	return j.Status == "succeeded" || (j.Status == "failed" && j.Attempts >= j.MaxRetries)
}

// DeployFilter narrows ListDeployments. Zero fields are ignored.
type DeployFilter struct {
	Limit     int
	Statuses  []string
	AgentName string
}

// FeedbackAuthRequest asks the provider app to sign a feedback auth.
type FeedbackAuthRequest struct {
	AgentID       string  `json:"agentId,omitempty"`
	ClientAddress string  `json:"clientAddress"`
	ChainID       int64   `json:"chainId,omitempty"`
	IndexLimit    *uint64 `json:"indexLimit,omitempty"`
	ExpirySeconds uint64  `json:"expirySeconds,omitempty"`
	Format        string  `json:"format,omitempty"`
}

// FeedbackAuth is an issued authorisation.
type FeedbackAuth struct {
	Payload          string `json:"payload"`
	Signature        string `json:"signature"`
	Encoded          string `json:"encoded"`
	Format           string `json:"format"`
	AgentID          string `json:"agentId"`
	ClientAddress    string `json:"clientAddress"`
	IndexLimit       uint64 `json:"indexLimit"`
	Expiry           uint64 `json:"expiry"`
	ChainID          int64  `json:"chainId"`
	IdentityRegistry string `json:"identityRegistry"`
	SignerAddress    string `json:"signerAddress"`
}

// FeedbackRecord is one ledger entry.
type FeedbackRecord struct {
	ID               string    `json:"id"`
	ChainID          int64     `json:"chainId"`
	AgentID          string    `json:"agentId"`
	ClientAddress    string    `json:"clientAddress"`
	SignerAddress    string    `json:"signerAddress"`
	IdentityRegistry string    `json:"identityRegistry"`
	IndexLimit       uint64    `json:"indexLimit"`
	Expiry           uint64    `json:"expiry"`
	Signature        string    `json:"signature"`
	IssuedAt         time.Time `json:"issuedAt"`
}

// FeedbackFilter narrows ListFeedbackAuths. Zero fields are ignored.
type FeedbackFilter struct {
	ChainID       int64
	AgentID       string
	ClientAddress string
	Limit         int
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentic-trust api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentic-trust api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for rawURL. When httpClient is nil a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the API key sent as a bearer token. An empty token sends
// no Authorization header.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
}

// Token returns the stored API key.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ResolveAccount runs the server-side resolver chain for an agent name.
func (c *Client) ResolveAccount(ctx context.Context, req ResolveAccountRequest) (Resolution, error) {
	var out Resolution
	err := c.post(ctx, "/api/agents/resolve-account", req, &out)
	return out, err
}

// AccountAddress returns the agent's AA address, deployed or counterfactual.
func (c *Client) AccountAddress(ctx context.Context, req AccountAddressRequest) (AccountAddress, error) {
	var out AccountAddress
	err := c.post(ctx, "/api/agents/aa/address", req, &out)
	return out, err
}

// SubmitDeployment queues deployment of an agent account.
func (c *Client) SubmitDeployment(ctx context.Context, req DeployRequest) (DeployAck, error) {
	var out DeployAck
	err := c.post(ctx, "/api/agents/aa/deploy", req, &out)
	return out, err
}

// GetDeployment fetches a deployment job by ID.
func (c *Client) GetDeployment(ctx context.Context, jobID string) (DeployJob, error) {
	var out DeployJob
	err := c.get(ctx, "/api/agents/aa/deploy", url.Values{"id": {jobID}}, &out)
	return out, err
}

// ListDeployments returns recent deployment jobs.
func (c *Client) ListDeployments(ctx context.Context, filter DeployFilter) ([]DeployJob, error) {
	query := url.Values{}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if len(filter.Statuses) > 0 {
		query.Set("status", strings.Join(filter.Statuses, ","))
	}
	if filter.AgentName != "" {
		query.Set("agentName", filter.AgentName)
	}
	var out []DeployJob
	err := c.get(ctx, "/api/agents/aa/deploy", query, &out)
	return out, err
}

// WaitForDeployment polls a job every interval until it is done or ctx ends.
func (c *Client) WaitForDeployment(ctx context.Context, jobID string, interval time.Duration) (DeployJob, error) {
	if interval <= 0 {
		interval = time.Second
	}
	var job DeployJob
	errPending := errors.New("deployment pending")
	err := retry.Do(
		func() error {
			current, err := c.GetDeployment(ctx, jobID)
			if err != nil {
				return err
			}
			job = current
			if !current.Done() {
				return errPending
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(math.MaxUint32),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errPending) }),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return job, ctxErr
		}
		return job, err
	}
	return job, nil
}

// FeedbackAuth asks the provider app to sign a feedback authorisation.
func (c *Client) FeedbackAuth(ctx context.Context, req FeedbackAuthRequest) (FeedbackAuth, error) {
	var out FeedbackAuth
	err := c.post(ctx, "/api/agents/feedback-auth", req, &out)
	return out, err
}

// ListFeedbackAuths reads the issued-auth ledger.
func (c *Client) ListFeedbackAuths(ctx context.Context, filter FeedbackFilter) ([]FeedbackRecord, error) {
	query := url.Values{}
	if filter.ChainID != 0 {
		query.Set("chainId", strconv.FormatInt(filter.ChainID, 10))
	}
	if filter.AgentID != "" {
		query.Set("agentId", filter.AgentID)
	}
	if filter.ClientAddress != "" {
		query.Set("client", filter.ClientAddress)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	var out []FeedbackRecord
	err := c.get(ctx, "/api/feedback/auths", query, &out)
	return out, err
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
