package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LoggingFilter stamps the request identity into the context: request ID,
// platform path, method, client IP, and start time. It never terminates the
// chain.
type LoggingFilter struct {
	logRequests bool
	logger      *slog.Logger
}

// NewLoggingFilter creates the logging filter. logRequests additionally
// emits one line per inbound request.
func NewLoggingFilter(logRequests bool) *LoggingFilter {
	return &LoggingFilter{
		logRequests: logRequests,
		logger:      slog.Default().With("component", "logging"),
	}
}

func (f *LoggingFilter) Name() string { return "logging" }

func (f *LoggingFilter) Run(_ context.Context, rc *RequestContext) Action {
	r := rc.Request

	rc.RequestID = r.Header.Get("X-Request-ID")
	if rc.RequestID == "" {
		rc.RequestID = uuid.NewString()
	}
	rc.PlatformPath = r.URL.Path
	rc.Method = r.Method
	rc.ClientIP = ClientIP(r)
	rc.StartTime = time.Now()

	if f.logRequests {
		f.logger.Info("request received",
			"request_id", rc.RequestID,
			"method", rc.Method,
			"path", rc.PlatformPath,
			"client_ip", rc.ClientIP,
		)
	}
	return Continue()
}

// ClientIP derives the caller address: first X-Forwarded-For entry, then
// X-Real-IP, then the TCP peer, then the literal "unknown".
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}
