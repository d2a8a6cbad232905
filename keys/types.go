package keys

import (
	"context"
	"crypto"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// DefaultAlgorithm is the algorithm of generated keys.
const DefaultAlgorithm = "ES256"

// SigningCredential is a private key with its algorithm and key ID.
// It contains private key material and must never be exposed externally.
type SigningCredential struct {
	KeyID     string
	Algorithm string
	Key       crypto.Signer
	CreatedAt time.Time
}

// SigningKey returns the go-jose signing key for this credential.
func (c *SigningCredential) SigningKey() jose.SigningKey {
	return jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(c.Algorithm),
		Key:       jose.JSONWebKey{Key: c.Key, KeyID: c.KeyID, Algorithm: c.Algorithm, Use: "sig"},
	}
}

// ValidationKey returns the public half of the credential.
func (c *SigningCredential) ValidationKey() *ValidationKey {
	return &ValidationKey{
		KeyID:     c.KeyID,
		Algorithm: c.Algorithm,
		PublicKey: c.Key.Public(),
		CreatedAt: c.CreatedAt,
	}
}

// ValidationKey is a public key accepted when verifying signatures.
type ValidationKey struct {
	KeyID     string
	Algorithm string
	PublicKey crypto.PublicKey
	CreatedAt time.Time
}

// JSONWebKey renders the key for a JWKS document.
func (k *ValidationKey) JSONWebKey() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       k.PublicKey,
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		Use:       "sig",
	}
}

// SigningCredentialStore provides signing credentials in preference order.
type SigningCredentialStore interface {
	GetSigningCredentials(ctx context.Context) ([]*SigningCredential, error)
}

// ValidationKeyStore provides keys accepted for signature verification.
type ValidationKeyStore interface {
	GetValidationKeys(ctx context.Context) ([]*ValidationKey, error)
}
