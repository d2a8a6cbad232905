package keys

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oauth-provider/protocol"
)

// Service selects signing credentials and aggregates validation keys
// across stores.
type Service struct {
	signing    []SigningCredentialStore
	validation []ValidationKeyStore
	logger     *slog.Logger
}

// NewService creates a key material service. Signing stores are consulted in
// order; the first credential wins when no algorithm filter is given.
func NewService(signing []SigningCredentialStore, validation []ValidationKeyStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{signing: signing, validation: validation, logger: logger}
}

// NewServiceFromStores uses every store for both signing and validation.
func NewServiceFromStores(logger *slog.Logger, stores ...Store) *Service {
	signing := make([]SigningCredentialStore, len(stores))
	validation := make([]ValidationKeyStore, len(stores))
	for i, s := range stores {
		signing[i] = s
		validation[i] = s
	}
	return NewService(signing, validation, logger)
}

// GetSigningCredentials returns the first credential whose algorithm is in
// allowedAlgorithms, or the first credential overall when the list is empty.
// A *protocol.ConfigurationError is returned when nothing matches.
func (s *Service) GetSigningCredentials(ctx context.Context, allowedAlgorithms []string) (*SigningCredential, error) {
	creds, err := s.allSigningCredentials(ctx)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, protocol.NewConfigurationError("no signing credential configured")
	}
	if len(allowedAlgorithms) == 0 {
		return creds[0], nil
	}

	for _, c := range creds {
		if slices.Contains(allowedAlgorithms, c.Algorithm) {
			return c, nil
		}
	}

	s.logger.Error("No signing credential matches the allowed algorithms",
		"allowed", strings.Join(allowedAlgorithms, " "))
	return nil, protocol.NewConfigurationError("no signing credential for algorithms %v", allowedAlgorithms)
}

// SigningAlgorithms returns the distinct algorithms of all signing
// credentials, in preference order.
func (s *Service) SigningAlgorithms(ctx context.Context) ([]string, error) {
	creds, err := s.allSigningCredentials(ctx)
	if err != nil {
		return nil, err
	}
	var algs []string
	for _, c := range creds {
		if !slices.Contains(algs, c.Algorithm) {
			algs = append(algs, c.Algorithm)
		}
	}
	return algs, nil
}

func (s *Service) allSigningCredentials(ctx context.Context) ([]*SigningCredential, error) {
	var creds []*SigningCredential
	for _, store := range s.signing {
		c, err := store.GetSigningCredentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing credentials: %w", err)
		}
		creds = append(creds, c...)
	}
	return creds, nil
}

// GetValidationKeys aggregates the keys of every validation store. A key
// published by more than one store is returned once.
func (s *Service) GetValidationKeys(ctx context.Context) ([]*ValidationKey, error) {
	var out []*ValidationKey
	seen := make(map[string]bool)
	for _, store := range s.validation {
		keys, err := store.GetValidationKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load validation keys: %w", err)
		}
		for _, k := range keys {
			if k.KeyID != "" && seen[k.KeyID] {
				continue
			}
			seen[k.KeyID] = true
			out = append(out, k)
		}
	}
	return out, nil
}

// VerificationKeys returns the keys that may have produced a signature with
// the given key ID and algorithm. An empty keyID matches any key.
func (s *Service) VerificationKeys(ctx context.Context, keyID, algorithm string) ([]*ValidationKey, error) {
	keys, err := s.GetValidationKeys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*ValidationKey
	for _, k := range keys {
		if keyID != "" && k.KeyID != keyID {
			continue
		}
		if algorithm != "" && k.Algorithm != "" && k.Algorithm != algorithm {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// JWKS returns the public JSON Web Key Set.
func (s *Service) JWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	keys, err := s.GetValidationKeys(ctx)
	if err != nil {
		return nil, err
	}
	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		set.Keys = append(set.Keys, k.JSONWebKey())
	}
	return set, nil
}
