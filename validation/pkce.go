package validation

import (
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
)

// RFC 7636 4.1 verifier length bounds.
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// ValidateCodeChallenge checks an authorize request's code_challenge and
// returns the effective method. An omitted method means plain (RFC 7636 4.3),
// which is only accepted when allowPlain is set.
func ValidateCodeChallenge(challenge, method string, allowPlain bool) (string, error) {
	if len(challenge) < MinCodeChallengeLen || len(challenge) > MaxCodeChallengeLen {
		return "", protocol.NewRedirectError(protocol.ErrorInvalidRequest, "invalid code_challenge")
	}
	if method == "" {
		method = protocol.CodeChallengeMethodPlain
	}
	switch method {
	case protocol.CodeChallengeMethodS256:
		return method, nil
	case protocol.CodeChallengeMethodPlain:
		if !allowPlain {
			return "", protocol.NewRedirectError(protocol.ErrorInvalidRequest, "transform algorithm not supported")
		}
		return method, nil
	default:
		return "", protocol.NewRedirectError(protocol.ErrorInvalidRequest, "transform algorithm not supported")
	}
}

// VerifyCodeVerifier checks a token request's code_verifier against the
// challenge stored with the authorization code.
func VerifyCodeVerifier(challenge, method, verifier string) error {
	if verifier == "" {
		return protocol.ErrInvalidGrant("code_verifier is missing")
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return protocol.ErrInvalidGrant("invalid code_verifier")
	}
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return protocol.ErrInvalidGrant("invalid code_verifier")
		}
	}

	var computed string
	switch method {
	case protocol.CodeChallengeMethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case protocol.CodeChallengeMethodPlain:
		computed = verifier
	default:
		return protocol.ErrInvalidGrant("unsupported code_challenge_method")
	}

	if !security.ConstantTimeEquals(computed, challenge) {
		return protocol.ErrInvalidGrant("invalid code_verifier")
	}
	return nil
}
