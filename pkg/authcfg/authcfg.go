// Package authcfg decrypts envelope-encrypted secret keys and per-interface
// upstream auth configs. Payloads are AES-256-GCM with the nonce prepended,
// base64-encoded behind a version prefix; the data key is derived from the
// gateway master key with HKDF-SHA256. Interface auth configs bind their
// ciphertext to the owning interface via GCM additional authenticated data.
package authcfg

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Prefix marks an envelope-encrypted payload. Values without it are treated
// as plaintext by callers.
const Prefix = "ENC1:"

const hkdfInfo = "xiaoxin/authcfg/v1"

// ErrNoMasterKey is returned when decryption is required but no master key
// was configured.
var ErrNoMasterKey = errors.New("authcfg: master key not configured")

// IsEncrypted reports whether a stored value is an envelope payload.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// AAD builds the additional authenticated data binding an auth config to its
// interface: provider_url|platform_path|method.
func AAD(providerURL, platformPath, method string) []byte {
	return []byte(providerURL + "|" + platformPath + "|" + method)
}

// Decryptor holds the AEAD derived from the gateway master key.
type Decryptor struct {
	aead cipher.AEAD
}

// NewDecryptor derives a 32-byte data key from masterKey via HKDF-SHA256 and
// prepares the AES-256-GCM AEAD. masterKey may be any non-empty byte string.
func NewDecryptor(masterKey []byte) (*Decryptor, error) {
	if len(masterKey) == 0 {
		return nil, ErrNoMasterKey
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("authcfg: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("authcfg: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("authcfg: init GCM: %w", err)
	}
	return &Decryptor{aead: aead}, nil
}

// Decrypt opens an envelope payload. aad may be nil for secrets that are not
// bound to an interface (consumer secret keys).
func (d *Decryptor) Decrypt(payload string, aad []byte) (string, error) {
	if !IsEncrypted(payload) {
		return "", fmt.Errorf("authcfg: payload is not envelope-encrypted")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(payload, Prefix))
	if err != nil {
		return "", fmt.Errorf("authcfg: decode payload: %w", err)
	}
	if len(raw) < d.aead.NonceSize() {
		return "", fmt.Errorf("authcfg: payload too short")
	}

	nonce, ciphertext := raw[:d.aead.NonceSize()], raw[d.aead.NonceSize():]
	plain, err := d.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return "", fmt.Errorf("authcfg: open envelope: %w", err)
	}
	return string(plain), nil
}

// Encrypt seals a plaintext into an envelope payload. The gateway itself only
// decrypts; Encrypt exists for provisioning tools and tests.
func (d *Decryptor) Encrypt(plaintext string, aad []byte) (string, error) {
	nonce := make([]byte, d.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("authcfg: generate nonce: %w", err)
	}
	sealed := d.aead.Seal(nonce, nonce, []byte(plaintext), aad)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// MaybeDecrypt returns the plaintext of value, decrypting only when it tests
// as an envelope payload. A nil receiver passes plaintext through and fails
// on encrypted values.
func (d *Decryptor) MaybeDecrypt(value string, aad []byte) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	if d == nil {
		return "", ErrNoMasterKey
	}
	return d.Decrypt(value, aad)
}
