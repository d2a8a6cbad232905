package security

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// ConstantTimeEquals compares two strings without leaking, through timing,
// the position of the first differing byte.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Sha256 returns the raw SHA-256 digest of s.
func Sha256(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

// Sha256Base64 returns the standard base64 encoding of SHA-256(s). This is
// the format shared secrets are registered in.
func Sha256Base64(s string) string {
	return base64.StdEncoding.EncodeToString(Sha256(s))
}

// Sha256Hex returns the lowercase hex encoding of SHA-256(s).
func Sha256Hex(s string) string {
	return hex.EncodeToString(Sha256(s))
}

// HashHandle derives the storage key for an opaque grant handle. Handles are
// bearer credentials and are never persisted in clear text; the grant type is
// mixed in so a code can never be looked up as a refresh token.
func HashHandle(grantType, handle string) string {
	return base64.RawURLEncoding.EncodeToString(Sha256(grantType + ":" + handle))
}

// LeftHalfHash computes the OIDC at_hash / c_hash / s_hash value: the
// base64url encoding of the left-most half of the digest whose size matches
// the signing algorithm (SHA-256 for *256, SHA-384 for *384, SHA-512 for *512).
func LeftHalfHash(alg, value string) string {
	var sum []byte
	switch {
	case strings.HasSuffix(alg, "384"):
		s := sha512.Sum384([]byte(value))
		sum = s[:]
	case strings.HasSuffix(alg, "512"):
		s := sha512.Sum512([]byte(value))
		sum = s[:]
	default:
		sum = Sha256(value)
	}
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
