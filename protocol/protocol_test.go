package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestParseResponseType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"code", ResponseTypeCode},
		{"id_token code", ResponseTypeCodeIDToken},
		{"token id_token", ResponseTypeIDTokenToken},
		{"token code id_token", ResponseTypeCodeIDTokenToken},
		{"  ", ""},
		{"code code", ResponseTypeCode},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseResponseType(tt.in); got != tt.want {
				t.Errorf("ParseResponseType(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestGrantTypeForResponseType(t *testing.T) {
	tests := map[string]string{
		ResponseTypeCode:             GrantTypeAuthorizationCode,
		ResponseTypeIDToken:          GrantTypeImplicit,
		ResponseTypeIDTokenToken:     GrantTypeImplicit,
		ResponseTypeCodeIDTokenToken: GrantTypeHybrid,
		"bogus":                      "",
	}
	for rt, want := range tests {
		if got := GrantTypeForResponseType(rt); got != want {
			t.Errorf("GrantTypeForResponseType(%q) = %q, want %q", rt, got, want)
		}
	}
}

func TestParseScopes(t *testing.T) {
	got := ParseScopes(" openid  api1 openid profile ")
	want := []string{"openid", "api1", "profile"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("scope[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if ParseScopes("") != nil {
		t.Error("expected nil for empty scope")
	}
}

func TestErrorWireMapping(t *testing.T) {
	replay := NewReplayError("code reused")
	if replay.WireCode() != ErrorInvalidGrant {
		t.Errorf("replay wire code = %q", replay.WireCode())
	}

	wrapped := fmt.Errorf("token endpoint: %w", replay)
	if !IsCode(wrapped, ErrorInvalidGrant) {
		t.Error("IsCode should see through wrapping")
	}

	resp, status := ToErrorResponse(wrapped)
	if resp.Error != ErrorInvalidGrant || resp.ErrorDescription != "" {
		t.Errorf("replay leaked detail: %+v", resp)
	}
	if status != http.StatusBadRequest {
		t.Errorf("status = %d", status)
	}

	resp, status = ToErrorResponse(ErrInvalidClient())
	if resp.Error != ErrorInvalidClient || status != http.StatusUnauthorized {
		t.Errorf("invalid_client mapping = %+v %d", resp, status)
	}

	resp, status = ToErrorResponse(errors.New("redis: connection refused"))
	if resp.Error != ErrorServerError || resp.ErrorDescription != "" || status != http.StatusInternalServerError {
		t.Errorf("fault mapping = %+v %d", resp, status)
	}

	resp, _ = ToErrorResponse(NewConfigurationError("no key for %s", "PS256"))
	if resp.ErrorDescription != "" {
		t.Error("configuration error must not leak detail")
	}
}
