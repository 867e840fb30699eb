// Package gateway implements the request processing pipeline: a strictly
// ordered filter chain sharing one per-request context, terminated by a
// response wrapper that always runs.
package gateway

import (
	"net/http"
	"time"

	"github.com/xiaoxin-api/gateway/pkg/registry"
)

// RequestContext is the shared per-request state. It is created by the
// pipeline before the first filter and discarded after the response is
// flushed; filters hold only borrowed references and no locking is needed
// because a single task owns it.
type RequestContext struct {
	RequestID    string
	Request      *http.Request
	PlatformPath string
	Method       string
	ClientIP     string
	StartTime    time.Time

	Consumer  *registry.User
	Interface *registry.InterfaceInfo

	// Upstream outcome, filled by the proxy filter.
	ProxyStatus int
	ProxyBody   []byte
	UpstreamErr error

	// FilterTimings accumulates per-filter durations for the metrics sink.
	FilterTimings []FilterTiming

	attrs map[string]any
}

// FilterTiming is one filter's share of the request.
type FilterTiming struct {
	Filter   string
	Duration time.Duration
}

// NewRequestContext creates the context for one inbound request.
func NewRequestContext(r *http.Request) *RequestContext {
	return &RequestContext{
		Request:   r,
		StartTime: time.Now(),
		attrs:     make(map[string]any),
	}
}

// Get returns a free-form attribute set by an earlier filter.
func (rc *RequestContext) Get(key string) (any, bool) {
	v, ok := rc.attrs[key]
	return v, ok
}

// Set stores a free-form attribute for later filters.
func (rc *RequestContext) Set(key string, value any) {
	rc.attrs[key] = value
}

// Elapsed is the time spent in the pipeline so far.
func (rc *RequestContext) Elapsed() time.Duration {
	return time.Since(rc.StartTime)
}
