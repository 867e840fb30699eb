package gateway

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/xiaoxin-api/gateway/pkg/circuit"
	"github.com/xiaoxin-api/gateway/pkg/observability"
	"github.com/xiaoxin-api/gateway/pkg/proxy"
	"github.com/xiaoxin-api/gateway/pkg/registry"
)

// ProxyFilter gates the upstream call behind the circuit breaker and
// executes it. In HALF_OPEN exactly one caller wins the probe token; losers
// wait briefly, re-read the state, and either proceed (recovered) or return
// the fallback envelope.
type ProxyFilter struct {
	invoker   *proxy.Invoker
	breaker   *circuit.Breaker
	registry  registry.Service
	obs       *observability.Provider
	logger    *slog.Logger
	probeWait time.Duration
}

// NewProxyFilter creates the proxy stage.
func NewProxyFilter(invoker *proxy.Invoker, breaker *circuit.Breaker, reg registry.Service, obs *observability.Provider) *ProxyFilter {
	return &ProxyFilter{
		invoker:   invoker,
		breaker:   breaker,
		registry:  reg,
		obs:       obs,
		logger:    slog.Default().With("component", "proxy"),
		probeWait: 100 * time.Millisecond,
	}
}

// SetProbeWait overrides the probe-loser wait for tests.
func (f *ProxyFilter) SetProbeWait(d time.Duration) {
	f.probeWait = d
}

func (f *ProxyFilter) Name() string { return "proxy" }

func (f *ProxyFilter) Run(ctx context.Context, rc *RequestContext) Action {
	serviceKey := circuit.ServiceKey(rc.Interface.ProviderURL, rc.Interface.ID)

	switch f.breaker.State(ctx, serviceKey) {
	case circuit.Open:
		f.logger.Warn("circuit open, rejecting without upstream call",
			"request_id", rc.RequestID, "service", serviceKey)
		return CircuitOpen(serviceKey)
	case circuit.HalfOpen:
		if f.breaker.AcquireProbe(ctx, serviceKey) {
			return f.probe(ctx, rc, serviceKey)
		}
		// Lost the probe lottery: give the winner a moment, then re-read.
		time.Sleep(f.probeWait)
		if f.breaker.State(ctx, serviceKey) != circuit.Closed {
			return CircuitOpen(serviceKey)
		}
	}

	if err := f.call(ctx, rc); err != nil {
		f.breaker.RecordFailure(ctx, serviceKey)
		rc.UpstreamErr = err
	}
	return Continue()
}

// probe executes the single HALF_OPEN recovery call. Success closes the
// breaker; failure re-opens it immediately.
func (f *ProxyFilter) probe(ctx context.Context, rc *RequestContext, serviceKey string) Action {
	defer f.breaker.ReleaseProbe(ctx, serviceKey)

	f.logger.Info("probing upstream", "request_id", rc.RequestID, "service", serviceKey)
	if err := f.call(ctx, rc); err != nil {
		f.breaker.RecordFailure(ctx, serviceKey)
		f.breaker.Trip(ctx, serviceKey)
		rc.UpstreamErr = err
		return Continue()
	}
	f.breaker.RecordSuccess(ctx, serviceKey)
	return Continue()
}

// call invokes the upstream and, on success, stores the response and fires
// the invoke counter asynchronously.
func (f *ProxyFilter) call(ctx context.Context, rc *RequestContext) error {
	start := time.Now()
	res, err := f.invoker.Invoke(ctx, rc.Interface, rc.Request, rc.RequestID)
	f.obs.RecordUpstreamDuration(ctx, time.Since(start),
		attribute.String("interface", rc.Interface.Name))
	if err != nil {
		f.logger.Error("upstream call failed",
			"request_id", rc.RequestID,
			"interface_id", rc.Interface.ID,
			"error", err,
		)
		return err
	}

	rc.ProxyStatus = res.Status
	rc.ProxyBody = res.Body

	// Fire-and-forget: counting never blocks or fails the response.
	interfaceID, userID, requestID := rc.Interface.ID, rc.Consumer.ID, rc.RequestID
	go func() {
		countCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := f.registry.InvokeCount(countCtx, interfaceID, userID); err != nil {
			f.logger.Error("invoke count failed",
				"request_id", requestID, "interface_id", interfaceID, "error", err)
		}
	}()
	return nil
}
