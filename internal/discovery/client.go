// Package discovery is a GraphQL client for the agent discovery indexer.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "agentic-trust/internal/errors"
	"agentic-trust/pkg/logger"
)

// DefaultHTTPTimeout bounds a single GraphQL round trip.
const DefaultHTTPTimeout = 15 * time.Second

// Config configures a discovery client.
type Config struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// Client talks to one GraphQL endpoint. Capabilities are negotiated once per
// instance and cached.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	log        *slog.Logger

	capMu sync.Mutex
	caps  *Capabilities
}

// NewClient validates cfg and returns a client.
func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置 discovery GraphQL 地址",
			xerrors.WithMetadata("variable", "AGENTIC_TRUST_DISCOVERY_URL"))
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{
		url:        endpoint,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: httpClient,
		log:        logger.Named("discovery"),
	}, nil
}

// URL returns the GraphQL endpoint.
func (c *Client) URL() string {
	return c.url
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// query posts a GraphQL document and decodes the data member into out.
func (c *Client) query(ctx context.Context, document string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: document, Variables: variables})
	if err != nil {
		return fmt.Errorf("encode graphql request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransientNetwork, err, "请求 discovery 服务失败",
			xerrors.WithMetadata("request_id", requestID))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransientNetwork, err, "读取 discovery 响应失败")
	}
	if resp.StatusCode >= 400 {
		code := xerrors.CodeUnknown
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			code = xerrors.CodeAuthorization
		case resp.StatusCode >= 500:
			code = xerrors.CodeTransientNetwork
		}
		return xerrors.New(code, fmt.Sprintf("discovery 返回 HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data)),
			xerrors.WithMetadata("request_id", requestID))
	}

	var envelope graphQLResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		messages := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			messages = append(messages, e.Message)
		}
		return xerrors.New(xerrors.CodeUnknown, "discovery GraphQL 错误: "+strings.Join(messages, "; "),
			xerrors.WithMetadata("request_id", requestID))
	}
	if out == nil || len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode graphql data: %w", err)
	}
	return nil
}
