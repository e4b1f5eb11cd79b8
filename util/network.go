package util

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"unicode"
)

// ResolveHost turns a host name or IP literal into an IP string.  A host
// containing any letter is looked up in DNS and the first address is
// used, preferring IPv4; anything else must parse as an IP literal.
func ResolveHost(ctx context.Context, host string) (string, error) {
	if !hasLetter(host) {
		ip := net.ParseIP(host)
		if ip == nil {
			return "", fmt.Errorf("cannot parse %q as an IP address", host)
		}
		return ip.String(), nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", fmt.Errorf("DNS lookup for %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("%s: No such host found.", host)
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP.String(), nil
		}
	}
	return addrs[0].IP.String(), nil
}

// IPv6 literals such as "fe80::1" contain hex letters but no other
// letters, so they must not be sent to DNS.
func hasLetter(host string) bool {
	if net.ParseIP(host) != nil {
		return false
	}
	for _, r := range host {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// FormatAddr returns "host:port".
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// SplitAddr is the inverse of [FormatAddr].
func SplitAddr(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return host, port, nil
}
