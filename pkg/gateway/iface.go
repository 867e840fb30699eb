package gateway

import (
	"context"
	"log/slog"

	"github.com/xiaoxin-api/gateway/pkg/registry"
)

// InterfaceFilter resolves the interface record for (platform path, method)
// and checks that it is enabled and routable.
type InterfaceFilter struct {
	registry registry.Service
	logger   *slog.Logger
}

// NewInterfaceFilter creates the resolver.
func NewInterfaceFilter(reg registry.Service) *InterfaceFilter {
	return &InterfaceFilter{
		registry: reg,
		logger:   slog.Default().With("component", "iface"),
	}
}

func (f *InterfaceFilter) Name() string { return "interface" }

func (f *InterfaceFilter) Run(ctx context.Context, rc *RequestContext) Action {
	info, err := f.registry.GetInterfaceInfo(ctx, rc.PlatformPath, rc.Method)
	if err != nil {
		// Fail closed: a missing registry still means no route.
		f.logger.Error("interface lookup failed", "request_id", rc.RequestID, "error", err)
		return Forbidden()
	}
	if info == nil {
		f.logger.Warn("interface not found",
			"request_id", rc.RequestID, "path", rc.PlatformPath, "method", rc.Method)
		return Forbidden()
	}
	if info.Status != registry.StatusEnabled {
		f.logger.Warn("interface disabled", "request_id", rc.RequestID, "interface_id", info.ID)
		return Forbidden()
	}
	if info.ProviderURL == "" {
		f.logger.Error("interface has no provider url", "request_id", rc.RequestID, "interface_id", info.ID)
		return Forbidden()
	}

	rc.Interface = info
	return Continue()
}
