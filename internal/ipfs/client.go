// Package ipfs uploads agent registration documents and reads them back
// through a gateway.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "agentic-trust/internal/errors"
)

// DefaultGateway is used when no gateway URL is configured.
const DefaultGateway = "https://ipfs.io"

// Config configures the IPFS client.
type Config struct {
	// APIURL is the base of a Kubo compatible HTTP API (for /api/v0/add).
	APIURL     string
	GatewayURL string
	Token      string
	HTTPClient *http.Client
}

// UploadResult describes an uploaded document.
type UploadResult struct {
	CID      string `json:"cid"`
	URL      string `json:"url"`
	TokenURI string `json:"tokenUri"`
}

// Client uploads to and reads from IPFS.
type Client struct {
	apiURL     string
	gateway    string
	token      string
	httpClient *http.Client
}

// NewClient returns a client. Reads work without an API URL; uploads do not.
func NewClient(cfg Config) *Client {
	gateway := strings.TrimRight(strings.TrimSpace(cfg.GatewayURL), "/")
	if gateway == "" {
		gateway = DefaultGateway
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		apiURL:     strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		gateway:    gateway,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
	}
}

// Upload stores data under filename and returns its CID.
func (c *Client) Upload(ctx context.Context, data []byte, filename string) (UploadResult, error) {
	if c.apiURL == "" {
		return UploadResult{}, xerrors.New(xerrors.CodeNotConfigured, "未配置 IPFS API 地址")
	}
	if filename == "" {
		filename = "registration.json"
	}
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return UploadResult{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return UploadResult{}, fmt.Errorf("write form file: %w", err)
	}
	if err := form.Close(); err != nil {
		return UploadResult{}, fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/api/v0/add?pin=true&cid-version=1", &body)
	if err != nil {
		return UploadResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return UploadResult{}, xerrors.Wrap(xerrors.CodeTransientNetwork, err, "上传 IPFS 失败")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return UploadResult{}, xerrors.Wrap(xerrors.CodeTransientNetwork, err, "读取 IPFS 响应失败")
	}
	if resp.StatusCode >= 400 {
		return UploadResult{}, xerrors.New(xerrors.CodeTransientNetwork,
			fmt.Sprintf("IPFS 上传返回 HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(payload)))
	}
	var added struct {
		Name string `json:"Name"`
		Hash string `json:"Hash"`
	}
	if err := json.Unmarshal(payload, &added); err != nil {
		return UploadResult{}, fmt.Errorf("decode ipfs response: %w", err)
	}
	if added.Hash == "" {
		return UploadResult{}, xerrors.New(xerrors.CodeUnknown, "IPFS 响应缺少 CID")
	}
	return UploadResult{
		CID:      added.Hash,
		URL:      c.GatewayURL(added.Hash),
		TokenURI: "ipfs://" + added.Hash,
	}, nil
}

// GatewayURL returns the HTTP URL serving cid.
func (c *Client) GatewayURL(cid string) string {
	return c.gateway + "/ipfs/" + cid
}

// GetJSON fetches and decodes a JSON document. ref may be ipfs://cid, a bare
// CID or an http(s) URL. A document that does not exist yields nil, nil.
func (c *Client) GetJSON(ctx context.Context, ref string) (map[string]any, error) {
	target, err := c.resolve(ref)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransientNetwork, err, "读取 IPFS 文档失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 400 {
		return nil, xerrors.New(xerrors.CodeTransientNetwork, fmt.Sprintf("IPFS 网关返回 HTTP %d", resp.StatusCode))
	}
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode ipfs document: %w", err)
	}
	return doc, nil
}

func (c *Client) resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return "", xerrors.New(xerrors.CodeInvalidArgument, "IPFS 引用不能为空")
	case strings.HasPrefix(ref, "ipfs://"):
		return c.GatewayURL(strings.TrimPrefix(strings.TrimPrefix(ref, "ipfs://"), "ipfs/")), nil
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		if _, err := url.Parse(ref); err != nil {
			return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "IPFS URL 无效")
		}
		return ref, nil
	default:
		return c.GatewayURL(ref), nil
	}
}
