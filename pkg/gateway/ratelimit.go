package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/xiaoxin-api/gateway/pkg/store"
)

// RateLimitKeyPrefix namespaces the sliding-window buckets in the shared
// store.
const RateLimitKeyPrefix = "xiaoxin:rate_limit"

// RateLimitKey builds the per-(consumer, interface) bucket key.
func RateLimitKey(userID, interfaceID int64) string {
	return fmt.Sprintf("%s:%d:%d", RateLimitKeyPrefix, userID, interfaceID)
}

// GlobalRateLimitKey is the bucket for gateway-wide limiting.
func GlobalRateLimitKey() string {
	return RateLimitKeyPrefix + ":global"
}

// IPRateLimitKey is the bucket for per-caller-address limiting.
func IPRateLimitKey(ip string) string {
	return RateLimitKeyPrefix + ":ip:" + ip
}

// InterfaceRateLimitKey is the bucket for per-interface limiting.
func InterfaceRateLimitKey(interfaceID int64) string {
	return fmt.Sprintf("%s:interface:%d", RateLimitKeyPrefix, interfaceID)
}

// UserRateLimitKey is the bucket for per-consumer limiting.
func UserRateLimitKey(userID int64) string {
	return fmt.Sprintf("%s:user:%d", RateLimitKeyPrefix, userID)
}

// RateLimitConfig tunes the sliding-window limiter.
type RateLimitConfig struct {
	Window       time.Duration
	DefaultLimit int64
	KeyExpire    time.Duration
}

// RateLimitFilter admits requests by counting timestamped members of a
// shared ordered set over the trailing window. The current request is
// inserted before counting, so a count equal to the limit is still admitted.
// Store outages fail open.
type RateLimitFilter struct {
	cfg    RateLimitConfig
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRateLimitFilter creates the limiter over the shared store.
func NewRateLimitFilter(cfg RateLimitConfig, st store.Store) *RateLimitFilter {
	return &RateLimitFilter{
		cfg:    cfg,
		store:  st,
		logger: slog.Default().With("component", "ratelimit"),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (f *RateLimitFilter) SetClock(now func() time.Time) {
	f.now = now
}

func (f *RateLimitFilter) Name() string { return "rate_limit" }

func (f *RateLimitFilter) Run(ctx context.Context, rc *RequestContext) Action {
	limit := f.cfg.DefaultLimit
	if rc.Interface != nil && rc.Interface.RateLimit > 0 {
		limit = rc.Interface.RateLimit
	}
	if limit <= 0 {
		return Continue()
	}

	key := RateLimitKey(rc.Consumer.ID, rc.Interface.ID)
	nowMs := f.now().UnixMilli()
	windowMs := f.cfg.Window.Milliseconds()

	count, err := f.admit(ctx, key, nowMs, windowMs)
	if err != nil {
		// Fail open: the limiter protects throughput, not correctness.
		f.logger.Error("rate limit check failed, allowing request",
			"request_id", rc.RequestID, "error", err)
		return Continue()
	}

	if count > limit {
		f.logger.Warn("rate limited",
			"request_id", rc.RequestID,
			"user_id", rc.Consumer.ID,
			"interface_id", rc.Interface.ID,
			"count", count,
			"limit", limit,
		)
		return RateLimited()
	}
	return Continue()
}

// admit runs the evict / insert / expire / count sequence against the
// shared store and returns the window count including the current request.
func (f *RateLimitFilter) admit(ctx context.Context, key string, nowMs, windowMs int64) (int64, error) {
	if err := f.store.ZRemoveRangeByScore(ctx, key, 0, nowMs-windowMs); err != nil {
		return 0, err
	}
	member := fmt.Sprintf("%d:%s", nowMs, uuid.NewString())
	if err := f.store.ZAdd(ctx, key, member, nowMs); err != nil {
		return 0, err
	}
	if err := f.store.Expire(ctx, key, f.cfg.KeyExpire); err != nil {
		return 0, err
	}
	return f.store.ZCount(ctx, key, nowMs-windowMs, nowMs)
}
