// Package registry is the gateway's view of the durable admin backend: the
// consumers (invoke users), the published interface records, and the
// per-(consumer, interface) quota rows. Three implementations exist: a
// Postgres store for single-node deployments, an HTTP client for a remote
// platform backend, and an in-memory store for tests.
package registry

import (
	"context"
	"strings"
)

// Status is the publication state of an interface record.
type Status int

const (
	StatusDisabled Status = 0
	StatusEnabled  Status = 1
)

// AuthType selects how the proxy authenticates to the upstream.
type AuthType string

const (
	AuthNone   AuthType = "NONE"
	AuthAPIKey AuthType = "API_KEY"
	AuthBasic  AuthType = "BASIC"
	AuthBearer AuthType = "BEARER"
)

// User is an API consumer. SecretKey is plaintext once it leaves the
// registry; it must never be logged.
type User struct {
	ID        int64
	Role      string
	AccessKey string
	SecretKey string
}

// InterfaceInfo is a published upstream interface. AuthConfig is an opaque
// JSON document, possibly envelope-encrypted; the proxy decrypts it on
// demand with AAD bound to (ProviderURL, PlatformPath, Method).
type InterfaceInfo struct {
	ID           int64
	Name         string
	PlatformPath string
	Method       string
	ProviderURL  string
	Status       Status
	AuthType     AuthType
	AuthConfig   string
	TimeoutMs    int64 // 0 means use the gateway default
	RateLimit    int64 // 0 means use the gateway default
}

// Service is the RPC surface the gateway consumes. Lookups return (nil, nil)
// for absent records; errors are transport or backend failures and are never
// degraded into permissive results by callers.
type Service interface {
	// GetInvokeUser resolves a consumer by access key. The returned secret
	// is plaintext.
	GetInvokeUser(ctx context.Context, accessKey string) (*User, error)
	// GetInterfaceInfo resolves an interface record by (platform path, method).
	GetInterfaceInfo(ctx context.Context, platformPath, method string) (*InterfaceInfo, error)
	// PreConsume atomically decrements the remaining quota when positive,
	// reporting whether a unit was consumed.
	PreConsume(ctx context.Context, interfaceID, userID int64) (bool, error)
	// InvokeCount atomically increments the total-used counter. It is called
	// after a successful proxy call and never rolls back.
	InvokeCount(ctx context.Context, interfaceID, userID int64) (bool, error)
}

// NormalizeMethod uppercases an HTTP verb for (path, method) lookups.
func NormalizeMethod(method string) string {
	return strings.ToUpper(strings.TrimSpace(method))
}
