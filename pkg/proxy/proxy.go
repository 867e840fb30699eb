// Package proxy executes the approved upstream call: it builds the target
// URL, strips gateway auth headers, injects upstream credentials per the
// interface's auth type, and enforces the per-interface timeout on a shared
// pooled HTTP client.
package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/xiaoxin-api/gateway/pkg/authcfg"
	"github.com/xiaoxin-api/gateway/pkg/registry"
)

// strippedHeaders are gateway-internal headers never forwarded upstream.
// Matched case-insensitively.
var strippedHeaders = map[string]struct{}{
	"accesskey":        {},
	"sign":             {},
	"nonce":            {},
	"timestamp":        {},
	"body":             {},
	"x-content-sha256": {},
	"x-sign-version":   {},
}

// Result is a successful upstream response.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Status)
}

// Invoker performs upstream calls. The HTTP client and its connection pool
// are shared process-wide and safe for concurrent use.
type Invoker struct {
	client         *http.Client
	defaultTimeout time.Duration
	dec            *authcfg.Decryptor
	limiter        *rate.Limiter
	logger         *slog.Logger
}

// Option configures the invoker.
type Option func(*Invoker)

// WithDecryptor enables envelope-encrypted auth config handling.
func WithDecryptor(dec *authcfg.Decryptor) Option {
	return func(inv *Invoker) { inv.dec = dec }
}

// WithUpstreamRPS throttles aggregate outbound calls; 0 disables the
// throttle.
func WithUpstreamRPS(rps float64) Option {
	return func(inv *Invoker) {
		if rps > 0 {
			inv.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
		}
	}
}

// WithHTTPClient replaces the pooled client (tests).
func WithHTTPClient(client *http.Client) Option {
	return func(inv *Invoker) { inv.client = client }
}

// NewInvoker creates the upstream invoker. defaultTimeout applies when an
// interface carries no timeout of its own.
func NewInvoker(defaultTimeout time.Duration, opts ...Option) *Invoker {
	inv := &Invoker{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		defaultTimeout: defaultTimeout,
		logger:         slog.Default().With("component", "proxy"),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// BuildTargetURL appends the incoming query string to the provider URL,
// joining with '&' when the provider URL already carries a query.
func BuildTargetURL(providerURL, rawQuery string) string {
	if rawQuery == "" {
		return providerURL
	}
	if strings.Contains(providerURL, "?") {
		return providerURL + "&" + rawQuery
	}
	return providerURL + "?" + rawQuery
}

// Invoke forwards the request to the interface's upstream and returns the
// raw response. The method and body are forwarded verbatim; any non-2xx
// status is returned as a *StatusError.
func (inv *Invoker) Invoke(ctx context.Context, iface *registry.InterfaceInfo, r *http.Request, requestID string) (*Result, error) {
	timeout := inv.defaultTimeout
	if iface.TimeoutMs > 0 {
		timeout = time.Duration(iface.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if inv.limiter != nil {
		if err := inv.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("proxy: upstream throttle: %w", err)
		}
	}

	target := BuildTargetURL(iface.ProviderURL, r.URL.RawQuery)
	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, fmt.Errorf("proxy: build upstream request: %w", err)
	}

	copyForwardedHeaders(req.Header, r.Header)
	req.Header.Set("X-Forwarded-By", "XiaoXin-API-Gateway")
	req.Header.Set("X-Request-ID", requestID)

	if err := inv.injectUpstreamAuth(req, iface); err != nil {
		return nil, err
	}

	resp, err := inv.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxy: call upstream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("proxy: read upstream body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Status: resp.StatusCode}
	}
	return &Result{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func copyForwardedHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, stripped := strippedHeaders[strings.ToLower(name)]; stripped {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// injectUpstreamAuth adds the upstream credential headers per the
// interface's auth type, decrypting the stored auth config when needed.
func (inv *Invoker) injectUpstreamAuth(req *http.Request, iface *registry.InterfaceInfo) error {
	if iface.AuthType == "" || iface.AuthType == registry.AuthNone {
		return nil
	}

	aad := authcfg.AAD(iface.ProviderURL, iface.PlatformPath, iface.Method)
	raw, err := inv.dec.MaybeDecrypt(iface.AuthConfig, aad)
	if err != nil {
		return fmt.Errorf("proxy: decrypt auth config for interface %d: %w", iface.ID, err)
	}

	switch iface.AuthType {
	case registry.AuthAPIKey:
		var cfg struct {
			Key    string `json:"key"`
			Header string `json:"header"`
		}
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return fmt.Errorf("proxy: parse API_KEY auth config: %w", err)
		}
		header := cfg.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, cfg.Key)
	case registry.AuthBasic:
		var cfg struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return fmt.Errorf("proxy: parse BASIC auth config: %w", err)
		}
		cred := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		req.Header.Set("Authorization", "Basic "+cred)
	case registry.AuthBearer:
		var cfg struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return fmt.Errorf("proxy: parse BEARER auth config: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	default:
		return fmt.Errorf("proxy: unknown auth type %q", iface.AuthType)
	}
	return nil
}
