package response

import (
	"maps"

	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/validation"
)

// IntrospectionResponseGenerator renders RFC 7662 responses.
type IntrospectionResponseGenerator struct{}

// NewIntrospectionResponseGenerator creates an introspection generator.
func NewIntrospectionResponseGenerator() *IntrospectionResponseGenerator {
	return &IntrospectionResponseGenerator{}
}

// Process returns the response body. Inactive tokens yield only
// {"active": false}.
func (g *IntrospectionResponseGenerator) Process(req *validation.ValidatedIntrospectionRequest) map[string]any {
	if !req.IsActive {
		return map[string]any{protocol.ClaimActive: false}
	}
	out := maps.Clone(req.Claims)
	if out == nil {
		out = map[string]any{}
	}
	if req.TokenType != "" {
		out[protocol.ClaimTokenType] = req.TokenType
	}
	out[protocol.ClaimActive] = true
	return out
}
