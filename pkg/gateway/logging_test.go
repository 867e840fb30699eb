package gateway

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggingFilter_StampsContext(t *testing.T) {
	f := NewLoggingFilter(false)
	r := httptest.NewRequest("POST", "/api/echo?a=1", nil)
	rc := NewRequestContext(r)

	action := f.Run(context.Background(), rc)
	assert.False(t, action.Terminal())
	assert.NotEmpty(t, rc.RequestID)
	assert.Equal(t, "/api/echo", rc.PlatformPath)
	assert.Equal(t, "POST", rc.Method)
	assert.NotEmpty(t, rc.ClientIP)
}

func TestLoggingFilter_ReusesInboundRequestID(t *testing.T) {
	f := NewLoggingFilter(false)
	r := httptest.NewRequest("GET", "/api/echo", nil)
	r.Header.Set("X-Request-ID", "upstream-id-1")
	rc := NewRequestContext(r)

	f.Run(context.Background(), rc)
	assert.Equal(t, "upstream-id-1", rc.RequestID)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		realIP     string
		remoteAddr string
		want       string
	}{
		{"forwarded-for wins", "203.0.113.9, 10.0.0.1", "198.51.100.2", "192.0.2.1:1234", "203.0.113.9"},
		{"real-ip next", "", "198.51.100.2", "192.0.2.1:1234", "198.51.100.2"},
		{"peer address last", "", "", "192.0.2.1:1234", "192.0.2.1"},
		{"peer without port", "", "", "192.0.2.1", "192.0.2.1"},
		{"nothing known", "", "", "", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}
