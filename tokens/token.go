package tokens

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/oauth-provider/identity"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/storage"
)

// Kind distinguishes access tokens from identity tokens.
type Kind string

const (
	KindAccessToken   Kind = "access_token"
	KindIdentityToken Kind = "id_token"
)

// Token is an access or identity token before serialization. It is also the
// payload persisted for reference tokens.
type Token struct {
	Kind            Kind                    `json:"kind"`
	Issuer          string                  `json:"issuer"`
	Audiences       []string                `json:"audiences,omitempty"`
	ClientID        string                  `json:"client_id"`
	SubjectID       string                  `json:"subject_id,omitempty"`
	SessionID       string                  `json:"session_id,omitempty"`
	Scopes          []string                `json:"scopes,omitempty"`
	Claims          []identity.Claim        `json:"claims,omitempty"`
	Confirmation    map[string]string       `json:"cnf,omitempty"`
	CreationTime    time.Time               `json:"creation_time"`
	Lifetime        time.Duration           `json:"lifetime"`
	AccessTokenType storage.AccessTokenType `json:"access_token_type,omitempty"`
	Description     string                  `json:"description,omitempty"`

	// FamilyID ties a reference token to the grant it was issued from, so
	// that revoking the family removes it as well.
	FamilyID string `json:"family_id,omitempty"`

	// Not persisted.
	AllowedSigningAlgorithms []string `json:"-"`
	IncludeJwtID             bool     `json:"-"`
}

// ExpiresAt returns the expiry instant of the token.
func (t *Token) ExpiresAt() time.Time {
	return t.CreationTime.Add(t.Lifetime)
}

// JWTType returns the typ header for the token's JWT form.
func (t *Token) JWTType() string {
	if t.Kind == KindAccessToken {
		return protocol.JWTTypeAccessToken
	}
	return protocol.JWTTypeJWT
}

// claims that are always rendered from Token fields and never copied from Claims.
var reservedClaims = []string{
	protocol.ClaimIssuer, protocol.ClaimAudience, protocol.ClaimExpiration,
	protocol.ClaimNotBefore, protocol.ClaimIssuedAt, protocol.ClaimJWTID,
	protocol.ClaimClientID, protocol.ClaimScope, protocol.ClaimConfirmation,
	protocol.ClaimSubject, protocol.ClaimSessionID,
}

// numericClaims are rendered as JSON numbers when their value parses as one.
var numericClaims = []string{protocol.ClaimAuthTime, "updated_at"}

// arrayClaims are always rendered as JSON arrays.
var arrayClaims = []string{protocol.ClaimAuthMethods}

// Payload renders the JWT claim set. jti is omitted when empty.
func (t *Token) Payload(jti string) map[string]any {
	p := map[string]any{
		protocol.ClaimIssuer:     t.Issuer,
		protocol.ClaimIssuedAt:   t.CreationTime.Unix(),
		protocol.ClaimNotBefore:  t.CreationTime.Unix(),
		protocol.ClaimExpiration: t.ExpiresAt().Unix(),
	}
	switch len(t.Audiences) {
	case 0:
	case 1:
		p[protocol.ClaimAudience] = t.Audiences[0]
	default:
		p[protocol.ClaimAudience] = slices.Clone(t.Audiences)
	}
	if t.SubjectID != "" {
		p[protocol.ClaimSubject] = t.SubjectID
	}
	if t.SessionID != "" {
		p[protocol.ClaimSessionID] = t.SessionID
	}
	if t.Kind == KindAccessToken {
		p[protocol.ClaimClientID] = t.ClientID
		if len(t.Scopes) > 0 {
			p[protocol.ClaimScope] = strings.Join(t.Scopes, " ")
		}
	}
	if jti != "" {
		p[protocol.ClaimJWTID] = jti
	}
	if len(t.Confirmation) > 0 {
		cnf := make(map[string]any, len(t.Confirmation))
		for k, v := range t.Confirmation {
			cnf[k] = v
		}
		p[protocol.ClaimConfirmation] = cnf
	}

	for typ, values := range groupClaims(t.Claims) {
		if slices.Contains(reservedClaims, typ) {
			continue
		}
		p[typ] = renderClaim(typ, values)
	}
	return p
}

func groupClaims(claims []identity.Claim) map[string][]string {
	out := make(map[string][]string)
	for _, c := range claims {
		if !slices.Contains(out[c.Type], c.Value) {
			out[c.Type] = append(out[c.Type], c.Value)
		}
	}
	return out
}

func renderClaim(typ string, values []string) any {
	if slices.Contains(arrayClaims, typ) {
		return values
	}
	if len(values) > 1 {
		return values
	}
	v := values[0]
	if slices.Contains(numericClaims, typ) {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	if v == "true" || v == "false" {
		if typ == identity.ClaimEmailVerified || typ == "phone_number_verified" {
			return v == "true"
		}
	}
	return v
}
