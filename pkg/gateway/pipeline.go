package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/xiaoxin-api/gateway/pkg/observability"
)

// Filter is one stage of the pipeline. Run either continues the chain or
// terminates it with a typed rejection; the response wrapper runs in both
// cases.
type Filter interface {
	Name() string
	Run(ctx context.Context, rc *RequestContext) Action
}

// Handler runs the filter chain for every inbound request. Filters execute
// strictly in declared order; the response stage always runs, stamping
// headers and metrics even on early termination.
type Handler struct {
	filters []Filter
	obs     *observability.Provider
	logger  *slog.Logger
}

// NewHandler builds the pipeline from an ordered filter list.
func NewHandler(obs *observability.Provider, filters ...Filter) *Handler {
	return &Handler{
		filters: filters,
		obs:     obs,
		logger:  slog.Default().With("component", "pipeline"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := NewRequestContext(r)

	h.obs.RecordRequest(ctx)
	h.obs.AddActive(ctx, 1)
	defer h.obs.AddActive(context.WithoutCancel(ctx), -1)

	action := Continue()
	for _, f := range h.filters {
		start := time.Now()
		action = h.runFilter(ctx, f, rc)
		rc.FilterTimings = append(rc.FilterTimings, FilterTiming{
			Filter:   f.Name(),
			Duration: time.Since(start),
		})
		if action.Terminal() {
			break
		}
		// Client gone: abort remaining filters. Quota already consumed is
		// not restored.
		if ctx.Err() != nil {
			h.logger.Warn("request cancelled mid-chain",
				"request_id", rc.RequestID, "filter", f.Name())
			return
		}
	}

	h.writeResponse(ctx, w, rc, action)
}

// runFilter isolates a filter panic into a system-error rejection instead of
// tearing down the connection without an envelope.
func (h *Handler) runFilter(ctx context.Context, f Filter, rc *RequestContext) (action Action) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("filter panicked",
				"filter", f.Name(), "request_id", rc.RequestID, "panic", rec)
			action = SystemError()
		}
	}()
	return f.Run(ctx, rc)
}
