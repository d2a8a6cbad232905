package device

import (
	"crypto/rand"
	"fmt"
	"strings"
	"unicode"
)

const (
	// UserCodeLength is the number of characters in a user code, excluding the separator.
	UserCodeLength = 8

	// No vowels and no digits.
	userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"
)

// UserCodeGenerator produces human-typeable user codes.
type UserCodeGenerator interface {
	Generate() (string, error)
}

// RandomUserCodeGenerator returns codes in the form XXXX-XXXX drawn
// uniformly from a 20 letter alphabet (about 34.5 bits of entropy).
type RandomUserCodeGenerator struct{}

// Generate returns a new formatted user code.
func (RandomUserCodeGenerator) Generate() (string, error) {
	// Bytes at or above limit are discarded so every letter is equally likely.
	const limit = 256 - 256%len(userCodeAlphabet)

	code := make([]byte, 0, UserCodeLength)
	buf := make([]byte, UserCodeLength*2)
	for len(code) < UserCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			code = append(code, userCodeAlphabet[int(b)%len(userCodeAlphabet)])
			if len(code) == UserCodeLength {
				break
			}
		}
	}
	return FormatUserCode(string(code)), nil
}

// NormalizeUserCode upper-cases a user code and strips separators and
// whitespace, so "bcdf-ghjk", "BCDF GHJK" and "BCDFGHJK" are the same code.
func NormalizeUserCode(code string) string {
	return strings.Map(func(r rune) rune {
		if r == '-' || unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, code)
}

// FormatUserCode renders a normalized code with a separator in the middle.
func FormatUserCode(code string) string {
	code = NormalizeUserCode(code)
	if len(code) != UserCodeLength {
		return code
	}
	half := UserCodeLength / 2
	return code[:half] + "-" + code[half:]
}
