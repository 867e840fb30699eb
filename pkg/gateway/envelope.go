package gateway

import (
	"encoding/json"
	"time"
)

// Envelope is the uniform JSON response body.
type Envelope struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// NewEnvelope stamps an envelope with the current time.
func NewEnvelope(code int, message string, data any) *Envelope {
	return &Envelope{
		Code:      code,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// SuccessEnvelope wraps an upstream body: parsed JSON when parseable,
// otherwise the raw string.
func SuccessEnvelope(body []byte) *Envelope {
	var data any
	if len(body) > 0 && json.Valid(body) {
		data = json.RawMessage(body)
	} else {
		data = string(body)
	}
	return NewEnvelope(200, "ok", data)
}

// Rejection kinds, recorded to the metrics sink and used for routing.
const (
	KindAuthFailed     = "auth-failed"
	KindRateLimited    = "rate-limited"
	KindQuotaExhausted = "quota-exhausted"
	KindUpstreamFailed = "upstream-failed"
	KindCircuitOpen    = "circuit-open"
	KindSystemError    = "system-error"
)

// Action is a filter's verdict: continue down the chain, or terminate with
// a status and optional envelope. The zero value continues.
type Action struct {
	terminal  bool
	status    int
	envelope  *Envelope
	emptyBody bool
	kind      string
}

// Continue passes the request to the next filter.
func Continue() Action {
	return Action{}
}

// Terminal reports whether the action ends the chain.
func (a Action) Terminal() bool { return a.terminal }

// Status is the HTTP status of a terminal action.
func (a Action) Status() int { return a.status }

// Envelope is the terminal body; nil for empty-body rejections.
func (a Action) Envelope() *Envelope { return a.envelope }

// Kind is the rejection kind of a terminal action.
func (a Action) Kind() string { return a.kind }

// Forbidden terminates with 403 and no body. Auth rejections expose no
// internal detail.
func Forbidden() Action {
	return Action{terminal: true, status: 403, emptyBody: true, kind: KindAuthFailed}
}

// RateLimited terminates with 429 and the rate-limit envelope.
func RateLimited() Action {
	return Action{
		terminal: true,
		status:   429,
		envelope: NewEnvelope(429, "rate-limited, retry later", nil),
		kind:     KindRateLimited,
	}
}

// QuotaExhausted terminates with 429 and the quota envelope.
func QuotaExhausted() Action {
	return Action{
		terminal: true,
		status:   429,
		envelope: NewEnvelope(429, "quota exhausted or not provisioned", nil),
		kind:     KindQuotaExhausted,
	}
}

// CircuitOpen terminates with 503 and the breaker fallback envelope.
func CircuitOpen(service string) Action {
	return Action{
		terminal: true,
		status:   503,
		envelope: NewEnvelope(503, "service temporarily unavailable, retry later", map[string]any{
			"service":    service,
			"reason":     "circuit open",
			"suggestion": "retry after the open timeout elapses",
		}),
		kind: KindCircuitOpen,
	}
}

// SystemError terminates with 500 and a generic envelope; detail stays in
// the server logs.
func SystemError() Action {
	return Action{
		terminal: true,
		status:   500,
		envelope: NewEnvelope(500, "internal gateway error", nil),
		kind:     KindSystemError,
	}
}

// ServiceUnavailable terminates with 503 and a generic envelope (strict
// quota-backend failure policy).
func ServiceUnavailable() Action {
	return Action{
		terminal: true,
		status:   503,
		envelope: NewEnvelope(503, "service temporarily unavailable, retry later", nil),
		kind:     KindSystemError,
	}
}
