package gateway

import (
	"context"
	"encoding/json"
	"net/http"
)

// writeResponse is the response wrapper stage: it stamps the header set,
// writes the final envelope, and records metrics. It runs for every request,
// terminal or not.
func (h *Handler) writeResponse(ctx context.Context, w http.ResponseWriter, rc *RequestContext, action Action) {
	header := w.Header()
	header.Set("Content-Type", "application/json;charset=UTF-8")
	header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Content-Type,Authorization,accessKey,sign,nonce,timestamp,x-content-sha256")
	header.Set("Access-Control-Max-Age", "3600")
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set("X-Frame-Options", "DENY")
	header.Set("X-XSS-Protection", "1; mode=block")
	header.Set("X-Powered-By", "XiaoXin-API-Gateway")
	if rc.RequestID != "" {
		header.Set("X-Request-ID", rc.RequestID)
	}

	status := http.StatusOK
	var envelope *Envelope
	kind := ""

	switch {
	case action.Terminal():
		status = action.Status()
		envelope = action.Envelope() // nil for empty-body rejections
		kind = action.Kind()
	case rc.UpstreamErr != nil:
		status = http.StatusInternalServerError
		envelope = NewEnvelope(500, "upstream error: "+rc.UpstreamErr.Error(), nil)
		kind = KindUpstreamFailed
	default:
		envelope = SuccessEnvelope(rc.ProxyBody)
	}

	w.WriteHeader(status)
	if envelope != nil {
		if err := json.NewEncoder(w).Encode(envelope); err != nil {
			h.logger.Error("write envelope", "request_id", rc.RequestID, "error", err)
		}
	}

	total := rc.Elapsed()
	h.obs.RecordDuration(ctx, total)
	for _, t := range rc.FilterTimings {
		h.obs.RecordFilterDuration(ctx, t.Filter, t.Duration)
	}
	if kind != "" {
		h.obs.RecordRejection(ctx, kind)
	}

	h.logger.Info("request completed",
		"request_id", rc.RequestID,
		"method", rc.Method,
		"path", rc.PlatformPath,
		"client_ip", rc.ClientIP,
		"status", status,
		"total_ms", total.Milliseconds(),
	)
}
