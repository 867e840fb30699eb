package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xiaoxin-api/gateway/pkg/authcfg"
)

// Client implements Service against the platform backend's inner HTTP API.
// All calls use the service-default deadline configured on the HTTP client.
type Client struct {
	base   string
	token  string
	client *http.Client
	dec    *authcfg.Decryptor
}

// ClientOption configures the backend client.
type ClientOption func(*Client)

// WithToken sets the internal service token sent on every call.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithTimeout overrides the default 5s per-call deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.client.Timeout = d }
}

// WithDecryptor enables transparent secret-key decryption on lookups.
func WithDecryptor(dec *authcfg.Decryptor) ClientOption {
	return func(c *Client) { c.dec = dec }
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type userPayload struct {
	ID        int64  `json:"id"`
	Role      string `json:"role"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
}

type interfacePayload struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	PlatformPath string `json:"platformPath"`
	Method       string `json:"method"`
	ProviderURL  string `json:"providerUrl"`
	Status       int    `json:"status"`
	AuthType     string `json:"authType"`
	AuthConfig   string `json:"authConfig"`
	TimeoutMs    int64  `json:"timeoutMs"`
	RateLimit    int64  `json:"rateLimit"`
}

type quotaRequest struct {
	InterfaceID int64 `json:"interfaceId"`
	UserID      int64 `json:"userId"`
}

type quotaResponse struct {
	Affected bool `json:"affected"`
}

func (c *Client) GetInvokeUser(ctx context.Context, accessKey string) (*User, error) {
	q := url.Values{"accessKey": {accessKey}}
	var payload userPayload
	found, err := c.getJSON(ctx, "/inner/invoke-user?"+q.Encode(), &payload)
	if err != nil || !found {
		return nil, err
	}

	secret, err := c.dec.MaybeDecrypt(payload.SecretKey, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: decrypt secret key: %w", err)
	}
	return &User{
		ID:        payload.ID,
		Role:      payload.Role,
		AccessKey: payload.AccessKey,
		SecretKey: secret,
	}, nil
}

func (c *Client) GetInterfaceInfo(ctx context.Context, platformPath, method string) (*InterfaceInfo, error) {
	q := url.Values{
		"platformPath": {platformPath},
		"method":       {NormalizeMethod(method)},
	}
	var payload interfacePayload
	found, err := c.getJSON(ctx, "/inner/interface-info?"+q.Encode(), &payload)
	if err != nil || !found {
		return nil, err
	}
	return &InterfaceInfo{
		ID:           payload.ID,
		Name:         payload.Name,
		PlatformPath: payload.PlatformPath,
		Method:       payload.Method,
		ProviderURL:  payload.ProviderURL,
		Status:       Status(payload.Status),
		AuthType:     AuthType(payload.AuthType),
		AuthConfig:   payload.AuthConfig,
		TimeoutMs:    payload.TimeoutMs,
		RateLimit:    payload.RateLimit,
	}, nil
}

func (c *Client) PreConsume(ctx context.Context, interfaceID, userID int64) (bool, error) {
	return c.postQuota(ctx, "/inner/quota/pre-consume", interfaceID, userID)
}

func (c *Client) InvokeCount(ctx context.Context, interfaceID, userID int64) (bool, error) {
	return c.postQuota(ctx, "/inner/quota/invoke-count", interfaceID, userID)
}

// getJSON performs a GET and decodes the body into out. Returns found=false
// on 404 without error; any other non-2xx status is an error.
func (c *Client) getJSON(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return false, fmt.Errorf("registry: build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("registry: call backend: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("registry: backend returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("registry: decode response: %w", err)
	}
	return true, nil
}

func (c *Client) postQuota(ctx context.Context, path string, interfaceID, userID int64) (bool, error) {
	body, err := json.Marshal(quotaRequest{InterfaceID: interfaceID, UserID: userID})
	if err != nil {
		return false, fmt.Errorf("registry: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("registry: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("registry: call backend: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("registry: backend returned %d", resp.StatusCode)
	}

	var out quotaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("registry: decode response: %w", err)
	}
	return out.Affected, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("X-Internal-Token", c.token)
	}
}
