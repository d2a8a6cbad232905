package tokens

import (
	"golang.org/x/oauth2"
)

// HandleGenerator produces opaque handles for codes, refresh tokens,
// reference tokens and device codes.
type HandleGenerator interface {
	Generate() (string, error)
}

// RandomHandleGenerator returns 256-bit random handles, base64url encoded
// (43 characters).
type RandomHandleGenerator struct{}

// Generate returns a new handle.
func (RandomHandleGenerator) Generate() (string, error) {
	return oauth2.GenerateVerifier(), nil
}
