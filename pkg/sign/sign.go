// Package sign implements the gateway's HMAC request signing scheme:
// a five-field canonical string signed with HMAC-SHA256 and compared in
// constant time. All functions are pure.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Canonical builds the canonical signing string for a request. The five
// fields are joined by single newlines; the method is uppercased; nil-ish
// fields are passed as empty strings by the caller. The path excludes the
// query string.
func Canonical(method, path, contentSHA256, timestamp, nonce string) string {
	var b strings.Builder
	b.Grow(len(method) + len(path) + len(contentSHA256) + len(timestamp) + len(nonce) + 4)
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(contentSHA256)
	b.WriteByte('\n')
	b.WriteString(timestamp)
	b.WriteByte('\n')
	b.WriteString(nonce)
	return b.String()
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HMACSHA256Hex returns the lowercase hex HMAC-SHA256 of data under key.
func HMACSHA256Hex(data string, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares a provided signature against the expected one in constant
// time. Both are expected to be lowercase hex; length mismatch fails fast,
// which leaks nothing useful since signature length is public.
func Verify(provided, expected string) bool {
	if len(provided) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
