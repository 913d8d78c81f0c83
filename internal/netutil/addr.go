// Package netutil provides address and hostname validation helpers shared
// by the registry and the control API.
package netutil

import (
	"fmt"
	"net"
	"strings"

	"github.com/burrownet/burrow/internal/domain"
)

const maxLabelLength = 63

// ValidateTarget checks that host and port form a dialable local upstream.
func ValidateTarget(host string, port int) (domain.Target, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		host = "127.0.0.1"
	}
	if port <= 0 || port > 65535 {
		return domain.Target{}, fmt.Errorf("%w: port %d out of range", domain.ErrInvalidTarget, port)
	}
	if strings.ContainsAny(host, " /?#") {
		return domain.Target{}, fmt.Errorf("%w: malformed host %q", domain.ErrInvalidTarget, host)
	}
	if ip := net.ParseIP(host); ip == nil && !validHostname(host) {
		return domain.Target{}, fmt.Errorf("%w: malformed host %q", domain.ErrInvalidTarget, host)
	}
	return domain.Target{Host: host, Port: port}, nil
}

// NormalizeLabel lowercases and trims a requested subdomain label.
func NormalizeLabel(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// ValidLabel reports whether v is a usable DNS label: 1-63 characters of
// [a-z0-9-], not starting or ending with a hyphen.
func ValidLabel(v string) bool {
	if v == "" || len(v) > maxLabelLength {
		return false
	}
	if v[0] == '-' || v[len(v)-1] == '-' {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' {
			continue
		}
		return false
	}
	return true
}

func validHostname(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" || len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if !ValidLabel(label) {
			return false
		}
	}
	return true
}
