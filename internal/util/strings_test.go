package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{name: "shorter than maxLen", input: "short", maxLen: 10, want: "short"},
		{name: "equal to maxLen", input: "exactly10c", maxLen: 10, want: "exactly10c"},
		{name: "longer than maxLen", input: "this-is-a-very-long-token-string", maxLen: 8, want: "this-is-"},
		{name: "empty", input: "", maxLen: 5, want: ""},
		{name: "zero", input: "test", maxLen: 0, want: ""},
		{name: "negative", input: "test", maxLen: -1, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	if NormalizeURL("https://api.example.com/") != NormalizeURL("https://api.example.com") {
		t.Error("trailing slash must not matter")
	}
}

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://App.Example.com", "https://app.example.com"},
		{"https://app.example.com/", "https://app.example.com"},
		{"http://localhost:3000", "http://localhost:3000"},
		{"https://app.example.com/path", ""},
		{"https://app.example.com?x=1", ""},
		{"app.example.com", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeOrigin(tt.in); got != tt.want {
			t.Errorf("NormalizeOrigin(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestContainsAll(t *testing.T) {
	if !ContainsAll([]string{"a", "b", "c"}, []string{"c", "a"}) {
		t.Error("expected subset")
	}
	if ContainsAll([]string{"a"}, []string{"a", "b"}) {
		t.Error("b is missing")
	}
	if !ContainsAll(nil, nil) {
		t.Error("empty subset is always contained")
	}
}
