package relay

import (
	"net"
	"strings"
)

// Descriptor is the read-only, directory-owned view of one relay: identity,
// advertised addresses, capability flags, and the onion-handshake public key.
// Descriptors are built by whoever populates the directory snapshot and are
// never mutated by consumers.
type Descriptor struct {
	Nickname string
	Identity Identity

	// Addrs lists the relay's advertised OR addresses as "host:port".
	// The first entry is the primary (IPv4) address.
	Addrs []string

	Flags Flag

	// NtorOnionKey is the relay's curve25519 onion-handshake public key
	// (32 bytes). A relay without one cannot be used as a circuit hop.
	NtorOnionKey []byte

	// Ed25519Identity is the relay's ed25519 identity key, when known.
	Ed25519Identity []byte

	Bandwidth int
}

// HasFlag reports whether the descriptor carries the given capability flag.
func (d *Descriptor) HasFlag(f Flag) bool {
	return d.Flags.Has(f)
}

// Multihomed reports whether the relay advertises more than one address.
// This is the IPv6-capability test used by the selector: a relay with a
// single advertised address is IPv4-only.
func (d *Descriptor) Multihomed() bool {
	return len(d.Addrs) > 1
}

// PrimaryAddr returns the relay's primary OR address, or "" if none is
// advertised.
func (d *Descriptor) PrimaryAddr() string {
	if len(d.Addrs) == 0 {
		return ""
	}
	return d.Addrs[0]
}

// PreferredAddr returns an advertised address, preferring IPv6 when
// preferIPv6 is set and an IPv6 address is available.
func (d *Descriptor) PreferredAddr(preferIPv6 bool) string {
	if !preferIPv6 {
		return d.PrimaryAddr()
	}
	for _, a := range d.Addrs {
		host, _, err := net.SplitHostPort(a)
		if err != nil {
			continue
		}
		if strings.Contains(host, ":") {
			return a
		}
	}
	return d.PrimaryAddr()
}
