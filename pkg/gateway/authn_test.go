package gateway

import (
	"context"
	"errors"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxin-api/gateway/pkg/registry"
	"github.com/xiaoxin-api/gateway/pkg/sign"
	"github.com/xiaoxin-api/gateway/pkg/store"
)

const (
	testAccessKey = "ak_live_1"
	testSecretKey = "sk_live_1"
	testNonce     = "abcDEF0123456789"
)

var testNow = time.Unix(1700000000, 0)

func newAuthnFilter(t *testing.T) (*AuthenticationFilter, *registry.Memory, *store.MemoryStore) {
	t.Helper()
	reg := registry.NewMemory()
	reg.AddUser(registry.User{ID: 42, Role: "user", AccessKey: testAccessKey, SecretKey: testSecretKey})

	st := store.NewMemoryStore()
	st.SetClock(func() time.Time { return testNow })

	f := NewAuthenticationFilter(AuthnConfig{
		NonceLength:       16,
		SignatureTimeout:  5 * time.Minute,
		ValidateTimestamp: true,
		ReplayProtection:  true,
	}, reg, st)
	f.SetClock(func() time.Time { return testNow })
	return f, reg, st
}

// signedRC builds a request context with a valid signature for the given
// timestamp and nonce.
func signedRC(ts int64, nonce string) *RequestContext {
	method, path := "GET", "/api/echo"
	tsStr := strconv.FormatInt(ts, 10)
	mac := sign.HMACSHA256Hex(sign.Canonical(method, path, "", tsStr, nonce), []byte(testSecretKey))

	r := httptest.NewRequest(method, path, nil)
	r.Header.Set("accessKey", testAccessKey)
	r.Header.Set("nonce", nonce)
	r.Header.Set("timestamp", tsStr)
	r.Header.Set("sign", mac)

	rc := NewRequestContext(r)
	rc.RequestID = "test"
	rc.Method = method
	rc.PlatformPath = path
	return rc
}

func TestAuthn_ValidSignature(t *testing.T) {
	f, _, _ := newAuthnFilter(t)
	rc := signedRC(testNow.Unix(), testNonce)

	action := f.Run(context.Background(), rc)
	assert.False(t, action.Terminal())
	require.NotNil(t, rc.Consumer)
	assert.Equal(t, int64(42), rc.Consumer.ID)
}

func TestAuthn_MissingHeaders(t *testing.T) {
	f, _, _ := newAuthnFilter(t)

	for _, drop := range []string{"accessKey", "nonce", "timestamp", "sign"} {
		rc := signedRC(testNow.Unix(), testNonce)
		rc.Request.Header.Del(drop)
		action := f.Run(context.Background(), rc)
		assert.True(t, action.Terminal(), "missing %s must reject", drop)
		assert.Equal(t, 403, action.Status())
		assert.Nil(t, action.Envelope())
	}
}

func TestAuthn_MalformedNonce(t *testing.T) {
	f, _, _ := newAuthnFilter(t)

	for _, nonce := range []string{"short", "abcDEF012345678!", "abcDEF01234567890"} {
		rc := signedRC(testNow.Unix(), nonce)
		assert.True(t, f.Run(context.Background(), rc).Terminal(), "nonce %q", nonce)
	}
}

func TestAuthn_TimestampSkew(t *testing.T) {
	f, _, _ := newAuthnFilter(t)

	// Within the window, both directions.
	assert.False(t, f.Run(context.Background(), signedRC(testNow.Unix()-299, testNonce)).Terminal())
	assert.False(t, f.Run(context.Background(), signedRC(testNow.Unix()+299, "bbcDEF0123456789")).Terminal())

	// Outside the window.
	assert.True(t, f.Run(context.Background(), signedRC(testNow.Unix()-301, "cbcDEF0123456789")).Terminal())
	assert.True(t, f.Run(context.Background(), signedRC(testNow.Unix()+301, "dbcDEF0123456789")).Terminal())
}

func TestAuthn_TimestampValidationDisabled(t *testing.T) {
	f, _, _ := newAuthnFilter(t)
	f.cfg.ValidateTimestamp = false

	rc := signedRC(testNow.Unix()-3600, testNonce)
	assert.False(t, f.Run(context.Background(), rc).Terminal())
}

func TestAuthn_UnknownAccessKey(t *testing.T) {
	f, _, _ := newAuthnFilter(t)
	rc := signedRC(testNow.Unix(), testNonce)
	rc.Request.Header.Set("accessKey", "ak_unknown")

	assert.True(t, f.Run(context.Background(), rc).Terminal())
}

func TestAuthn_BadSignature(t *testing.T) {
	f, _, _ := newAuthnFilter(t)
	rc := signedRC(testNow.Unix(), testNonce)
	rc.Request.Header.Set("sign", "0000000000000000000000000000000000000000000000000000000000000000")

	assert.True(t, f.Run(context.Background(), rc).Terminal())
}

func TestAuthn_ContentDigestBoundIntoSignature(t *testing.T) {
	f, _, _ := newAuthnFilter(t)

	// Signature covers an empty digest but the header carries one: mismatch.
	rc := signedRC(testNow.Unix(), testNonce)
	rc.Request.Header.Set("x-content-sha256", sign.SHA256Hex([]byte("body")))
	assert.True(t, f.Run(context.Background(), rc).Terminal())
}

func TestAuthn_NonceReplay(t *testing.T) {
	f, _, _ := newAuthnFilter(t)

	first := f.Run(context.Background(), signedRC(testNow.Unix(), testNonce))
	assert.False(t, first.Terminal())

	second := f.Run(context.Background(), signedRC(testNow.Unix(), testNonce))
	assert.True(t, second.Terminal(), "a reused nonce is a replay")
	assert.Equal(t, 403, second.Status())
}

func TestAuthn_ReplayProtectionDisabled(t *testing.T) {
	f, _, _ := newAuthnFilter(t)
	f.cfg.ReplayProtection = false

	assert.False(t, f.Run(context.Background(), signedRC(testNow.Unix(), testNonce)).Terminal())
	assert.False(t, f.Run(context.Background(), signedRC(testNow.Unix(), testNonce)).Terminal())
}

type failingReplayStore struct{ store.Store }

func (failingReplayStore) SetIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("store down")
}

func TestAuthn_ReplayStoreOutageFailsOpen(t *testing.T) {
	f, _, _ := newAuthnFilter(t)
	f.store = failingReplayStore{store.NewMemoryStore()}

	rc := signedRC(testNow.Unix(), testNonce)
	assert.False(t, f.Run(context.Background(), rc).Terminal(),
		"replay store outage degrades permissively")
}

type failingRegistry struct{ registry.Service }

func (failingRegistry) GetInvokeUser(context.Context, string) (*registry.User, error) {
	return nil, errors.New("registry down")
}

func TestAuthn_RegistryOutageFailsClosed(t *testing.T) {
	f, _, _ := newAuthnFilter(t)
	f.registry = failingRegistry{}

	rc := signedRC(testNow.Unix(), testNonce)
	action := f.Run(context.Background(), rc)
	assert.True(t, action.Terminal(), "identity is never degraded")
	assert.Equal(t, 403, action.Status())
}
