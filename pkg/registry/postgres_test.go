package registry

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxin-api/gateway/pkg/authcfg"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db, nil), mock
}

func TestPostgres_GetInvokeUser(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT id, role, access_key, secret_key FROM invoke_user").
		WithArgs("ak_live_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role", "access_key", "secret_key"}).
			AddRow(int64(42), "user", "ak_live_1", "sk_plain"))

	u, err := p.GetInvokeUser(context.Background(), "ak_live_1")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, int64(42), u.ID)
	assert.Equal(t, "sk_plain", u.SecretKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetInvokeUser_NotFound(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT id, role, access_key, secret_key FROM invoke_user").
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role", "access_key", "secret_key"}))

	u, err := p.GetInvokeUser(context.Background(), "unknown")
	require.NoError(t, err, "absent consumers are not an error")
	assert.Nil(t, u)
}

func TestPostgres_GetInvokeUser_EncryptedSecret(t *testing.T) {
	dec, err := authcfg.NewDecryptor([]byte("master-key"))
	require.NoError(t, err)
	sealed, err := dec.Encrypt("sk_secret", nil)
	require.NoError(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	p := NewPostgres(db, dec)

	mock.ExpectQuery("SELECT id, role, access_key, secret_key FROM invoke_user").
		WithArgs("ak_live_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role", "access_key", "secret_key"}).
			AddRow(int64(1), "user", "ak_live_1", sealed))

	u, err := p.GetInvokeUser(context.Background(), "ak_live_1")
	require.NoError(t, err)
	assert.Equal(t, "sk_secret", u.SecretKey, "secret is decrypted before it leaves the registry")
}

func TestPostgres_GetInterfaceInfo(t *testing.T) {
	p, mock := newMockPostgres(t)

	rows := sqlmock.NewRows([]string{
		"id", "name", "platform_path", "method", "provider_url", "status",
		"auth_type", "auth_config", "timeout_ms", "rate_limit",
	}).AddRow(int64(7), "echo", "/api/echo", "GET", "https://up.example.com/echo",
		1, "API_KEY", `{"key":"k"}`, int64(5000), int64(10))

	mock.ExpectQuery("FROM interface_info").
		WithArgs("/api/echo", "GET").
		WillReturnRows(rows)

	info, err := p.GetInterfaceInfo(context.Background(), "/api/echo", "get")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, StatusEnabled, info.Status)
	assert.Equal(t, AuthAPIKey, info.AuthType)
	assert.Equal(t, int64(5000), info.TimeoutMs)
	assert.Equal(t, int64(10), info.RateLimit)
}

func TestPostgres_GetInterfaceInfo_NullOptionals(t *testing.T) {
	p, mock := newMockPostgres(t)

	rows := sqlmock.NewRows([]string{
		"id", "name", "platform_path", "method", "provider_url", "status",
		"auth_type", "auth_config", "timeout_ms", "rate_limit",
	}).AddRow(int64(7), "echo", "/api/echo", "GET", "https://up.example.com/echo",
		1, "NONE", "", nil, nil)

	mock.ExpectQuery("FROM interface_info").
		WithArgs("/api/echo", "GET").
		WillReturnRows(rows)

	info, err := p.GetInterfaceInfo(context.Background(), "/api/echo", "GET")
	require.NoError(t, err)
	assert.Zero(t, info.TimeoutMs, "NULL timeout falls back to the gateway default")
	assert.Zero(t, info.RateLimit)
}

func TestPostgres_PreConsume(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec("UPDATE user_interface_info").
		WithArgs(int64(42), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := p.PreConsume(context.Background(), 7, 42)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgres_PreConsume_Exhausted(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec("UPDATE user_interface_info").
		WithArgs(int64(42), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := p.PreConsume(context.Background(), 7, 42)
	require.NoError(t, err)
	assert.False(t, ok, "zero rows affected means no quota left or no row")
}

func TestPostgres_PreConsume_Error(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec("UPDATE user_interface_info").
		WithArgs(int64(42), int64(7)).
		WillReturnError(errors.New("connection reset"))

	_, err := p.PreConsume(context.Background(), 7, 42)
	assert.Error(t, err, "store failures surface to the caller, not a silent false")
}

func TestPostgres_InvokeCount(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec("UPDATE user_interface_info").
		WithArgs(int64(42), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := p.InvokeCount(context.Background(), 7, 42)
	require.NoError(t, err)
	assert.True(t, ok)
}
