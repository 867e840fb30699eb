package gateway

import (
	"context"
	"log/slog"

	"github.com/xiaoxin-api/gateway/pkg/registry"
)

// QuotaFilter pre-consumes one quota unit before the upstream call. The
// decrement is atomic and conditional on remaining > 0; a failed upstream
// does not restore the unit (pre-consume trade-off against over-spend).
type QuotaFilter struct {
	registry registry.Service
	logger   *slog.Logger
}

// NewQuotaFilter creates the quota gate.
func NewQuotaFilter(reg registry.Service) *QuotaFilter {
	return &QuotaFilter{
		registry: reg,
		logger:   slog.Default().With("component", "quota"),
	}
}

func (f *QuotaFilter) Name() string { return "quota" }

func (f *QuotaFilter) Run(ctx context.Context, rc *RequestContext) Action {
	consumed, err := f.registry.PreConsume(ctx, rc.Interface.ID, rc.Consumer.ID)
	if err != nil {
		// Strict policy: quota backend failure is a hard 503, never a free
		// pass.
		f.logger.Error("pre-consume failed", "request_id", rc.RequestID, "error", err)
		return ServiceUnavailable()
	}
	if !consumed {
		f.logger.Warn("quota exhausted",
			"request_id", rc.RequestID,
			"user_id", rc.Consumer.ID,
			"interface_id", rc.Interface.ID,
		)
		return QuotaExhausted()
	}
	return Continue()
}
