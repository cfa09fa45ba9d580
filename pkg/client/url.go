package client

import (
	"errors"
	"strconv"
	"strings"

	"github.com/samber/oops"
)

// ErrBadURL is returned for URLs ParseURL cannot handle.
var ErrBadURL = errors.New("bad url")

// Target is a parsed fetch destination.
type Target struct {
	Host  string
	Port  uint16
	Path  string
	TLS   bool
	Onion bool
}

// ParseURL splits an http or https URL into its fetch target. The scheme is
// required; a missing path becomes "/". Hosts ending in ".onion" are flagged
// for the hidden-service path.
func ParseURL(raw string) (*Target, error) {
	t := &Target{}
	var rest string
	switch {
	case strings.HasPrefix(raw, "https://"):
		t.TLS = true
		t.Port = 443
		rest = strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		t.Port = 80
		rest = strings.TrimPrefix(raw, "http://")
	default:
		return nil, oops.Wrapf(ErrBadURL, "scheme required in %q", raw)
	}

	host := rest
	t.Path = "/"
	if idx := strings.Index(rest, "/"); idx >= 0 {
		host = rest[:idx]
		t.Path = rest[idx:]
	}

	if strings.HasPrefix(host, "[") {
		// Bracketed IPv6 literal, with an optional :port after the
		// bracket. Host keeps the bare address.
		end := strings.Index(host, "]")
		if end < 0 {
			return nil, oops.Wrapf(ErrBadURL, "unclosed bracket in %q", raw)
		}
		if rest := host[end+1:]; rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return nil, oops.Wrapf(ErrBadURL, "trailing %q after host in %q", rest, raw)
			}
			port, err := strconv.ParseUint(rest[1:], 10, 16)
			if err != nil {
				return nil, oops.Wrapf(ErrBadURL, "port in %q: %v", raw, err)
			}
			t.Port = uint16(port)
		}
		host = host[1:end]
	} else if idx := strings.LastIndex(host, ":"); idx >= 0 {
		port, err := strconv.ParseUint(host[idx+1:], 10, 16)
		if err != nil {
			return nil, oops.Wrapf(ErrBadURL, "port in %q: %v", raw, err)
		}
		t.Port = uint16(port)
		host = host[:idx]
	}
	if host == "" {
		return nil, oops.Wrapf(ErrBadURL, "empty host in %q", raw)
	}

	t.Host = host
	t.Onion = strings.HasSuffix(host, ".onion")
	return t, nil
}
