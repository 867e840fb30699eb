package gateway

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xiaoxin-api/gateway/pkg/registry"
	"github.com/xiaoxin-api/gateway/pkg/store"
)

func newRateLimitFilter(limit int64) (*RateLimitFilter, func(time.Duration)) {
	st := store.NewMemoryStore()
	f := NewRateLimitFilter(RateLimitConfig{
		Window:       time.Minute,
		DefaultLimit: limit,
		KeyExpire:    75 * time.Second,
	}, st)

	current := time.Unix(1700000000, 0)
	clock := func() time.Time { return current }
	st.SetClock(clock)
	f.SetClock(clock)
	return f, func(d time.Duration) { current = current.Add(d) }
}

func rateLimitRC(userID, interfaceID, ifaceLimit int64) *RequestContext {
	rc := NewRequestContext(httptest.NewRequest("GET", "/api/echo", nil))
	rc.RequestID = "test"
	rc.Consumer = &registry.User{ID: userID}
	rc.Interface = &registry.InterfaceInfo{ID: interfaceID, RateLimit: ifaceLimit}
	return rc
}

func TestRateLimit_AdmitsUpToLimit(t *testing.T) {
	f, _ := newRateLimitFilter(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.False(t, f.Run(ctx, rateLimitRC(1, 7, 0)).Terminal(), "request %d within limit", i+1)
	}

	action := f.Run(ctx, rateLimitRC(1, 7, 0))
	assert.True(t, action.Terminal())
	assert.Equal(t, 429, action.Status())
	assert.Equal(t, KindRateLimited, action.Kind())
}

func TestRateLimit_WindowSlides(t *testing.T) {
	f, advance := newRateLimitFilter(2)
	ctx := context.Background()

	f.Run(ctx, rateLimitRC(1, 7, 0))
	f.Run(ctx, rateLimitRC(1, 7, 0))
	assert.True(t, f.Run(ctx, rateLimitRC(1, 7, 0)).Terminal())

	// Past entries fall out of the trailing window.
	advance(61 * time.Second)
	assert.False(t, f.Run(ctx, rateLimitRC(1, 7, 0)).Terminal())
}

func TestRateLimit_BucketsAreIndependent(t *testing.T) {
	f, _ := newRateLimitFilter(1)
	ctx := context.Background()

	assert.False(t, f.Run(ctx, rateLimitRC(1, 7, 0)).Terminal())
	assert.True(t, f.Run(ctx, rateLimitRC(1, 7, 0)).Terminal())

	// Different consumer and different interface each get their own bucket.
	assert.False(t, f.Run(ctx, rateLimitRC(2, 7, 0)).Terminal())
	assert.False(t, f.Run(ctx, rateLimitRC(1, 8, 0)).Terminal())
}

func TestRateLimit_InterfaceOverride(t *testing.T) {
	f, _ := newRateLimitFilter(100)
	ctx := context.Background()

	assert.False(t, f.Run(ctx, rateLimitRC(1, 7, 1)).Terminal())
	assert.True(t, f.Run(ctx, rateLimitRC(1, 7, 1)).Terminal(),
		"per-interface limit overrides the default")
}

func TestRateLimit_DisabledWhenNoLimit(t *testing.T) {
	f, _ := newRateLimitFilter(0)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.False(t, f.Run(ctx, rateLimitRC(1, 7, 0)).Terminal())
	}
}

type failingZStore struct{ store.Store }

func (failingZStore) ZRemoveRangeByScore(context.Context, string, int64, int64) error {
	return errors.New("store down")
}

func TestRateLimit_StoreOutageFailsOpen(t *testing.T) {
	f, _ := newRateLimitFilter(1)
	f.store = failingZStore{store.NewMemoryStore()}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.False(t, f.Run(ctx, rateLimitRC(1, 7, 0)).Terminal(),
			"limiter outage must not reject traffic")
	}
}

func TestRateLimitKeys(t *testing.T) {
	assert.Equal(t, "xiaoxin:rate_limit:42:7", RateLimitKey(42, 7))
	assert.Equal(t, "xiaoxin:rate_limit:global", GlobalRateLimitKey())
	assert.Equal(t, "xiaoxin:rate_limit:ip:10.0.0.1", IPRateLimitKey("10.0.0.1"))
	assert.Equal(t, "xiaoxin:rate_limit:interface:7", InterfaceRateLimitKey(7))
	assert.Equal(t, "xiaoxin:rate_limit:user:42", UserRateLimitKey(42))
}
