package gateway

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/xiaoxin-api/gateway/pkg/registry"
	"github.com/xiaoxin-api/gateway/pkg/sign"
	"github.com/xiaoxin-api/gateway/pkg/store"
)

// AuthnConfig tunes the authentication filter.
type AuthnConfig struct {
	NonceLength       int
	SignatureTimeout  time.Duration
	ValidateTimestamp bool
	ReplayProtection  bool
}

// AuthenticationFilter verifies the caller's identity: header shape checks,
// timestamp freshness, consumer lookup, HMAC signature, and nonce replay
// defense. Cheap shape checks run before the registry call and the HMAC.
type AuthenticationFilter struct {
	cfg      AuthnConfig
	registry registry.Service
	store    store.Store
	logger   *slog.Logger
	now      func() time.Time
}

// NewAuthenticationFilter creates the filter. The store backs the replay
// guard; registry lookups fail closed while replay-store outages fail open.
func NewAuthenticationFilter(cfg AuthnConfig, reg registry.Service, st store.Store) *AuthenticationFilter {
	return &AuthenticationFilter{
		cfg:      cfg,
		registry: reg,
		store:    st,
		logger:   slog.Default().With("component", "authn"),
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (f *AuthenticationFilter) SetClock(now func() time.Time) {
	f.now = now
}

func (f *AuthenticationFilter) Name() string { return "authentication" }

func (f *AuthenticationFilter) Run(ctx context.Context, rc *RequestContext) Action {
	r := rc.Request
	accessKey := r.Header.Get("accessKey")
	nonce := r.Header.Get("nonce")
	timestamp := r.Header.Get("timestamp")
	signature := r.Header.Get("sign")

	if accessKey == "" || nonce == "" || timestamp == "" || signature == "" {
		f.logger.Warn("missing auth headers", "request_id", rc.RequestID)
		return Forbidden()
	}

	if !validNonce(nonce, f.cfg.NonceLength) {
		f.logger.Warn("malformed nonce", "request_id", rc.RequestID)
		return Forbidden()
	}

	if f.cfg.ValidateTimestamp {
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			f.logger.Warn("malformed timestamp", "request_id", rc.RequestID)
			return Forbidden()
		}
		skew := f.now().Unix() - ts
		if skew < 0 {
			skew = -skew
		}
		if skew > int64(f.cfg.SignatureTimeout.Seconds()) {
			f.logger.Warn("stale timestamp", "request_id", rc.RequestID, "skew_s", skew)
			return Forbidden()
		}
	}

	consumer, err := f.registry.GetInvokeUser(ctx, accessKey)
	if err != nil {
		// Registry outages fail closed: identity cannot be degraded.
		f.logger.Error("consumer lookup failed", "request_id", rc.RequestID, "error", err)
		return Forbidden()
	}
	if consumer == nil {
		f.logger.Warn("unknown access key", "request_id", rc.RequestID)
		return Forbidden()
	}

	contentSHA256 := r.Header.Get("x-content-sha256")
	expected := sign.HMACSHA256Hex(
		sign.Canonical(rc.Method, rc.PlatformPath, contentSHA256, timestamp, nonce),
		[]byte(consumer.SecretKey),
	)
	if !sign.Verify(signature, expected) {
		f.logger.Warn("signature mismatch", "request_id", rc.RequestID, "access_key", accessKey)
		return Forbidden()
	}

	if f.cfg.ReplayProtection {
		key := "replay:" + accessKey + ":" + nonce
		fresh, err := f.store.SetIfAbsent(ctx, key, "1", f.cfg.SignatureTimeout)
		if err != nil {
			// Shared-store outage degrades permissively; availability wins.
			f.logger.Error("replay check failed, allowing request",
				"request_id", rc.RequestID, "error", err)
		} else if !fresh {
			f.logger.Warn("nonce replay detected", "request_id", rc.RequestID, "access_key", accessKey)
			return Forbidden()
		}
	}

	rc.Consumer = consumer
	return Continue()
}

// validNonce checks the configured length and the [A-Za-z0-9] alphabet.
func validNonce(nonce string, length int) bool {
	if len(nonce) != length {
		return false
	}
	for i := 0; i < len(nonce); i++ {
		c := nonce[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			continue
		}
		return false
	}
	return true
}
