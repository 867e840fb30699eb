package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xiaoxin-api/gateway/pkg/authcfg"
)

// Postgres implements Service on a PostgreSQL database, for deployments
// where the gateway reads the platform tables directly instead of calling
// the platform backend.
type Postgres struct {
	db  *sql.DB
	dec *authcfg.Decryptor
}

// NewPostgres creates a Postgres-backed registry. dec may be nil when
// secrets are stored in plaintext.
func NewPostgres(db *sql.DB, dec *authcfg.Decryptor) *Postgres {
	return &Postgres{db: db, dec: dec}
}

const schema = `
CREATE TABLE IF NOT EXISTS invoke_user (
	id BIGSERIAL PRIMARY KEY,
	role TEXT NOT NULL DEFAULT 'user',
	access_key TEXT NOT NULL UNIQUE,
	secret_key TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS interface_info (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	platform_path TEXT NOT NULL,
	method TEXT NOT NULL,
	provider_url TEXT NOT NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	auth_type TEXT NOT NULL DEFAULT 'NONE',
	auth_config TEXT NOT NULL DEFAULT '',
	timeout_ms BIGINT,
	rate_limit BIGINT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_interface_path_method
	ON interface_info(platform_path, method) WHERE status = 1;
CREATE TABLE IF NOT EXISTS user_interface_info (
	user_id BIGINT NOT NULL,
	interface_id BIGINT NOT NULL,
	total_used BIGINT NOT NULL DEFAULT 0,
	remaining BIGINT NOT NULL DEFAULT 0 CHECK (remaining >= 0),
	PRIMARY KEY (user_id, interface_id)
);
`

// Init creates the registry tables.
func (p *Postgres) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *Postgres) GetInvokeUser(ctx context.Context, accessKey string) (*User, error) {
	var u User
	err := p.db.QueryRowContext(ctx, `
		SELECT id, role, access_key, secret_key FROM invoke_user WHERE access_key = $1
	`, accessKey).Scan(&u.ID, &u.Role, &u.AccessKey, &u.SecretKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: query invoke user: %w", err)
	}

	secret, err := p.dec.MaybeDecrypt(u.SecretKey, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: decrypt secret key: %w", err)
	}
	u.SecretKey = secret
	return &u, nil
}

func (p *Postgres) GetInterfaceInfo(ctx context.Context, platformPath, method string) (*InterfaceInfo, error) {
	var (
		info      InterfaceInfo
		timeoutMs sql.NullInt64
		rateLimit sql.NullInt64
		authType  string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, platform_path, method, provider_url, status,
		       auth_type, auth_config, timeout_ms, rate_limit
		FROM interface_info
		WHERE platform_path = $1 AND method = $2
	`, platformPath, NormalizeMethod(method)).Scan(
		&info.ID, &info.Name, &info.PlatformPath, &info.Method, &info.ProviderURL,
		&info.Status, &authType, &info.AuthConfig, &timeoutMs, &rateLimit,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: query interface info: %w", err)
	}

	info.AuthType = AuthType(authType)
	info.TimeoutMs = timeoutMs.Int64
	info.RateLimit = rateLimit.Int64
	return &info, nil
}

func (p *Postgres) PreConsume(ctx context.Context, interfaceID, userID int64) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE user_interface_info
		SET remaining = remaining - 1
		WHERE user_id = $1 AND interface_id = $2 AND remaining > 0
	`, userID, interfaceID)
	if err != nil {
		return false, fmt.Errorf("registry: pre-consume quota: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("registry: pre-consume quota: %w", err)
	}
	return n > 0, nil
}

func (p *Postgres) InvokeCount(ctx context.Context, interfaceID, userID int64) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE user_interface_info
		SET total_used = total_used + 1
		WHERE user_id = $1 AND interface_id = $2
	`, userID, interfaceID)
	if err != nil {
		return false, fmt.Errorf("registry: invoke count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("registry: invoke count: %w", err)
	}
	return n > 0, nil
}
