// Package circuit implements the distributed per-upstream circuit breaker.
// Failure timestamps live in a shared ordered set, the breaker state in a
// scalar key, and the HALF_OPEN probe is elected through a short-lived
// single-flight token. All state is shared through the coordination store,
// so any number of gateway instances cooperate on the same upstream.
package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/xiaoxin-api/gateway/pkg/store"
)

// State is the observable breaker state for a service key.
type State int

const (
	// Closed allows calls through; failures are still recorded.
	Closed State = iota
	// Open rejects calls without touching the upstream.
	Open
	// HalfOpen permits a single elected probe call.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Config holds the breaker tuning knobs.
type Config struct {
	Enabled          bool
	FailureThreshold int64
	Window           time.Duration
	OpenTimeout      time.Duration
	KeyExpire        time.Duration
	ProbeTTL         time.Duration
	KeyPrefix        string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		FailureThreshold: 5,
		Window:           5 * time.Minute,
		OpenTimeout:      1 * time.Minute,
		KeyExpire:        15 * time.Minute,
		ProbeTTL:         30 * time.Second,
		KeyPrefix:        "xiaoxin:circuit",
	}
}

// ServiceKey derives the breaker isolation unit from a provider URL: the
// host for http(s) URLs, otherwise a stable per-interface fallback.
func ServiceKey(providerURL string, interfaceID int64) string {
	u, err := url.Parse(providerURL)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return u.Host
	}
	return fmt.Sprintf("interface:%d", interfaceID)
}

// Breaker coordinates circuit state through the shared store. Store outages
// degrade permissively: reads report Closed and writes are logged and
// dropped, preferring availability over strictness.
type Breaker struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a breaker over the given store.
func New(st store.Store, cfg Config) *Breaker {
	return &Breaker{
		store:  st,
		cfg:    cfg,
		logger: slog.Default().With("component", "circuit"),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.now = now
}

func (b *Breaker) failuresKey(serviceKey string) string {
	return b.cfg.KeyPrefix + ":failures:" + serviceKey
}

func (b *Breaker) stateKey(serviceKey string) string {
	return b.cfg.KeyPrefix + ":state:" + serviceKey
}

func (b *Breaker) openTimeKey(serviceKey string) string {
	return b.cfg.KeyPrefix + ":open_time:" + serviceKey
}

func (b *Breaker) probeTokenKey(serviceKey string) string {
	return b.cfg.KeyPrefix + ":probe_token:" + serviceKey
}

// State reports the current state. OPEN automatically reads as HALF_OPEN
// once the open timeout has elapsed; the transition is observed, never
// written.
func (b *Breaker) State(ctx context.Context, serviceKey string) State {
	if !b.cfg.Enabled {
		return Closed
	}

	raw, ok, err := b.store.Get(ctx, b.stateKey(serviceKey))
	if err != nil {
		b.logger.Error("read breaker state failed, treating as closed",
			"service", serviceKey, "error", err)
		return Closed
	}
	if !ok {
		return Closed
	}

	switch raw {
	case Open.String():
		openRaw, ok, err := b.store.Get(ctx, b.openTimeKey(serviceKey))
		if err != nil || !ok {
			return Closed
		}
		openMs, err := strconv.ParseInt(openRaw, 10, 64)
		if err != nil {
			b.logger.Warn("malformed breaker open time", "service", serviceKey, "value", openRaw)
			return Closed
		}
		if b.now().UnixMilli()-openMs >= b.cfg.OpenTimeout.Milliseconds() {
			return HalfOpen
		}
		return Open
	case HalfOpen.String():
		return HalfOpen
	default:
		return Closed
	}
}

// RecordFailure appends a failure to the sliding window, evicts entries
// older than the window, and trips the breaker when the threshold is met.
func (b *Breaker) RecordFailure(ctx context.Context, serviceKey string) {
	if !b.cfg.Enabled {
		return
	}

	key := b.failuresKey(serviceKey)
	now := b.now().UnixMilli()

	if err := b.store.ZAdd(ctx, key, uuid.NewString(), now); err != nil {
		b.logger.Error("record breaker failure", "service", serviceKey, "error", err)
		return
	}
	if err := b.store.ZRemoveRangeByScore(ctx, key, 0, now-b.cfg.Window.Milliseconds()); err != nil {
		b.logger.Error("evict breaker failures", "service", serviceKey, "error", err)
	}
	if err := b.store.Expire(ctx, key, b.cfg.KeyExpire); err != nil {
		b.logger.Error("expire breaker failures", "service", serviceKey, "error", err)
	}

	count, err := b.store.ZCount(ctx, key, now-b.cfg.Window.Milliseconds(), now)
	if err != nil {
		b.logger.Error("count breaker failures", "service", serviceKey, "error", err)
		return
	}
	if count >= b.cfg.FailureThreshold {
		b.Trip(ctx, serviceKey)
	}
}

// Trip transitions the breaker to OPEN and stamps the open time. Both keys
// carry the expiry guard so a crashed cluster cannot stay open forever.
func (b *Breaker) Trip(ctx context.Context, serviceKey string) {
	if !b.cfg.Enabled {
		return
	}

	now := b.now().UnixMilli()
	if err := b.store.Set(ctx, b.stateKey(serviceKey), Open.String(), b.cfg.KeyExpire); err != nil {
		b.logger.Error("trip breaker", "service", serviceKey, "error", err)
		return
	}
	if err := b.store.Set(ctx, b.openTimeKey(serviceKey), strconv.FormatInt(now, 10), b.cfg.KeyExpire); err != nil {
		b.logger.Error("stamp breaker open time", "service", serviceKey, "error", err)
	}

	b.logger.Warn("circuit opened", "service", serviceKey)
}

// RecordSuccess returns a HALF_OPEN breaker to CLOSED by clearing the state
// scalars. Failures accumulated while CLOSED are retained as the window
// statistic; success in CLOSED is a no-op.
func (b *Breaker) RecordSuccess(ctx context.Context, serviceKey string) {
	if !b.cfg.Enabled {
		return
	}
	if b.State(ctx, serviceKey) != HalfOpen {
		return
	}

	if err := b.store.Delete(ctx, b.stateKey(serviceKey)); err != nil {
		b.logger.Error("clear breaker state", "service", serviceKey, "error", err)
		return
	}
	if err := b.store.Delete(ctx, b.openTimeKey(serviceKey)); err != nil {
		b.logger.Error("clear breaker open time", "service", serviceKey, "error", err)
	}

	b.logger.Info("circuit closed after successful probe", "service", serviceKey)
}

// AcquireProbe elects the single HALF_OPEN probe caller. The token TTL
// guarantees liveness if the winner crashes mid-probe.
func (b *Breaker) AcquireProbe(ctx context.Context, serviceKey string) bool {
	won, err := b.store.SetIfAbsent(ctx, b.probeTokenKey(serviceKey), "1", b.cfg.ProbeTTL)
	if err != nil {
		b.logger.Error("acquire probe token", "service", serviceKey, "error", err)
		return false
	}
	return won
}

// ReleaseProbe frees the probe token after the probe completes.
func (b *Breaker) ReleaseProbe(ctx context.Context, serviceKey string) {
	if err := b.store.Delete(ctx, b.probeTokenKey(serviceKey)); err != nil {
		b.logger.Warn("release probe token", "service", serviceKey, "error", err)
	}
}
