package validation

import (
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/oauth-provider/protocol"
)

// Input length limits applied to request parameters.
const (
	MaxClientIDLength     = 100
	MaxScopeLength        = 300
	MaxRedirectURILength  = 400
	MaxStateLength        = 2000
	MaxNonceLength        = 300
	MaxGrantTypeLength    = 100
	MaxHandleLength       = 100
	MaxUsernameLength     = 100
	MaxPasswordLength     = 100
	MaxUILocalesLength    = 100
	MaxLoginHintLength    = 100
	MaxAcrValuesLength    = 300
	MaxCodeChallengeLen   = 128
	MinCodeChallengeLen   = 43
	MaxTokenLength        = 32 * 1024
	MaxAssertionLength    = 32 * 1024
	MaxRequestObjectBytes = 64 * 1024
)

// MaxMaxAge is the largest max_age, in seconds, that fits in a time.Duration.
const MaxMaxAge = math.MaxInt64 / int64(time.Second)

// param returns the trimmed value of name and whether it fits in maxLen.
func param(values url.Values, name string, maxLen int) (string, error) {
	v := strings.TrimSpace(values.Get(name))
	if len(v) > maxLen {
		return "", protocol.ErrInvalidRequest(name + " too long")
	}
	return v, nil
}

// requiredParam is param for a mandatory parameter.
func requiredParam(values url.Values, name string, maxLen int) (string, error) {
	v, err := param(values, name, maxLen)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", protocol.ErrInvalidRequest(name + " is missing")
	}
	return v, nil
}
