package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
)

// Store provides both signing credentials and validation keys.
type Store interface {
	SigningCredentialStore
	ValidationKeyStore
}

// Config selects where key material comes from.
type Config struct {
	// KeyDir is the directory holding PEM encoded private keys. Key file
	// names below are relative to it. Empty KeyDir generates an ephemeral key.
	KeyDir string `yaml:"keyDir"`

	// SigningKeyFile is the key used to sign new tokens.
	SigningKeyFile string `yaml:"signingKeyFile"`

	// Algorithm overrides the algorithm derived from the signing key (for
	// example PS256 for an RSA key).
	Algorithm string `yaml:"algorithm"`

	// FallbackKeyFiles are published for verification but never used for
	// signing. Move the previous signing key here when rotating.
	FallbackKeyFiles []string `yaml:"fallbackKeyFiles"`
}

// NewStoreFromConfig loads keys from cfg.KeyDir, or returns a GeneratingStore
// when no directory is configured.
func NewStoreFromConfig(cfg Config, logger *slog.Logger) (Store, error) {
	if cfg.KeyDir == "" {
		return NewGeneratingStore(cfg.Algorithm, logger), nil
	}
	return NewFileStore(cfg)
}

// StaticStore serves a fixed set of credentials and keys.
type StaticStore struct {
	signing    []*SigningCredential
	validation []*ValidationKey
}

// NewStaticStore creates a store from credentials in preference order.
// Every credential's public key is also a validation key; extra keys are
// published for verification only.
func NewStaticStore(signing []*SigningCredential, extra ...*ValidationKey) *StaticStore {
	validation := make([]*ValidationKey, 0, len(signing)+len(extra))
	for _, c := range signing {
		validation = append(validation, c.ValidationKey())
	}
	validation = append(validation, extra...)
	return &StaticStore{signing: signing, validation: validation}
}

// NewFileStore loads the signing key and fallback keys from cfg.KeyDir.
func NewFileStore(cfg Config) (*StaticStore, error) {
	if cfg.SigningKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}

	signing, err := loadCredential(filepath.Join(cfg.KeyDir, cfg.SigningKeyFile), cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	var fallback []*ValidationKey
	for _, name := range cfg.FallbackKeyFiles {
		cred, err := loadCredential(filepath.Join(cfg.KeyDir, name), "")
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", name, err)
		}
		fallback = append(fallback, cred.ValidationKey())
	}

	return NewStaticStore([]*SigningCredential{signing}, fallback...), nil
}

func loadCredential(path, algorithm string) (*SigningCredential, error) {
	signer, err := LoadSigningKey(path)
	if err != nil {
		return nil, err
	}
	return NewSigningCredential(signer, "", algorithm)
}

// GetSigningCredentials returns the configured credentials.
func (s *StaticStore) GetSigningCredentials(_ context.Context) ([]*SigningCredential, error) {
	return s.signing, nil
}

// GetValidationKeys returns signing and fallback public keys.
func (s *StaticStore) GetValidationKeys(_ context.Context) ([]*ValidationKey, error) {
	return s.validation, nil
}

// GeneratingStore creates an ephemeral key on first access.
type GeneratingStore struct {
	algorithm string
	logger    *slog.Logger

	mu   sync.Mutex
	cred *SigningCredential
}

// NewGeneratingStore creates a generating store. An empty algorithm means
// DefaultAlgorithm.
func NewGeneratingStore(algorithm string, logger *slog.Logger) *GeneratingStore {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeneratingStore{algorithm: algorithm, logger: logger}
}

// GetSigningCredentials returns the generated credential, creating it if needed.
func (s *GeneratingStore) GetSigningCredentials(_ context.Context) ([]*SigningCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred == nil {
		key, err := generatePrivateKey(s.algorithm)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		cred, err := NewSigningCredential(key, "", s.algorithm)
		if err != nil {
			return nil, err
		}
		s.logger.Warn("Generated ephemeral signing key, tokens will be invalid after restart",
			"algorithm", cred.Algorithm,
			"key_id", cred.KeyID)
		s.cred = cred
	}
	return []*SigningCredential{s.cred}, nil
}

// GetValidationKeys returns the public half of the generated key.
func (s *GeneratingStore) GetValidationKeys(ctx context.Context) ([]*ValidationKey, error) {
	creds, err := s.GetSigningCredentials(ctx)
	if err != nil {
		return nil, err
	}
	return []*ValidationKey{creds[0].ValidationKey()}, nil
}

func generatePrivateKey(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case "ES256":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", algorithm)
	}
}

var (
	_ Store = (*StaticStore)(nil)
	_ Store = (*GeneratingStore)(nil)
)
