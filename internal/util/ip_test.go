package util

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenyInternalDial(t *testing.T) {
	tests := []struct {
		address string
		wantErr string
	}{
		{address: "93.184.216.34:443"},
		{address: "[2606:4700:4700::1111]:443"},
		{address: "127.0.0.1:80", wantErr: "loopback"},
		{address: "[::1]:80", wantErr: "loopback"},
		{address: "169.254.169.254:80", wantErr: "link-local"},
		{address: "[fe80::1]:80", wantErr: "link-local"},
		{address: "10.1.2.3:443", wantErr: "private"},
		{address: "192.168.0.10:443", wantErr: "private"},
		{address: "[fd12::1]:443", wantErr: "private"},
		{address: "0.0.0.0:443", wantErr: "unspecified"},
		{address: "239.1.2.3:5353", wantErr: "multicast"},
		{address: "not-an-address", wantErr: "invalid dial address"},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			err := DenyInternalDial("tcp", tt.address, nil)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAddressClass_Nil(t *testing.T) {
	assert.Equal(t, "unspecified", addressClass(nil))
	assert.Equal(t, "", addressClass(net.ParseIP("8.8.8.8")))
}

func TestIsLoopbackHostname(t *testing.T) {
	tests := map[string]bool{
		"localhost":      true,
		"127.0.0.1":      true,
		"127.3.2.1":      true,
		"::1":            true,
		"[::1]":          true,
		"issuer.example": false,
		"localhost.evil": false,
		"10.0.0.1":       false,
		"[2001:db8::1]":  false,
		"":               false,
	}
	for host, want := range tests {
		assert.Equal(t, want, IsLoopbackHostname(host), host)
	}
}
