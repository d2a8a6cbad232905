package util

import (
	"fmt"
	"net"
	"syscall"
)

// addressClass names the kind of a non-public address, or returns "" for
// publicly routable ones.
func addressClass(ip net.IP) string {
	switch {
	case ip == nil, ip.IsUnspecified():
		return "unspecified"
	case ip.IsLoopback():
		return "loopback"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		// Includes 169.254.169.254, the cloud metadata endpoint.
		return "link-local"
	case ip.IsPrivate():
		return "private"
	case ip.IsMulticast():
		return "multicast"
	default:
		return ""
	}
}

// IsLoopbackHostname reports whether hostname (without port, IPv6 literals
// optionally bracketed) is "localhost" or a loopback address.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	if n := len(hostname); n > 2 && hostname[0] == '[' && hostname[n-1] == ']' {
		hostname = hostname[1 : n-1]
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

// DenyInternalDial is a net.Dialer Control function that refuses connections
// to non-public addresses. It runs after DNS resolution, so a name rebound
// to an internal address is caught too.
func DenyInternalDial(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid dial address %q: %w", address, err)
	}
	if class := addressClass(net.ParseIP(host)); class != "" {
		return fmt.Errorf("refusing to connect to %s address %s", class, host)
	}
	return nil
}
