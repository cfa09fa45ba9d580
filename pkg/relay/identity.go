// Package relay defines relay identities, capability flags, and the read-only
// relay descriptors consumed by the circuit and directory layers.
package relay

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/samber/oops"
)

// IdentityLen is the length of a relay identity: the SHA-1 hash of the
// relay's DER-encoded RSA identity key.
const IdentityLen = 20

// ErrInvalidFingerprint indicates a fingerprint string that does not decode
// to exactly IdentityLen bytes of hex.
var ErrInvalidFingerprint = errors.New("invalid relay fingerprint")

// Identity is the stable 20-byte fingerprint that identifies a relay across
// directory updates. It is the sole key used to resolve relays.
type Identity [IdentityLen]byte

// ParseIdentity decodes a hex fingerprint into an Identity. Internal
// whitespace is stripped before decoding, so "FFA7 0212 ..." and
// "FFA70212..." yield the same identity. Anything that does not decode to
// exactly 20 bytes fails with ErrInvalidFingerprint.
func ParseIdentity(fingerprint string) (Identity, error) {
	var id Identity

	stripped := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, fingerprint)

	raw, err := hex.DecodeString(stripped)
	if err != nil {
		return id, oops.Wrapf(ErrInvalidFingerprint, "decode %q: %v", fingerprint, err)
	}
	if len(raw) != IdentityLen {
		return id, oops.Wrapf(ErrInvalidFingerprint, "fingerprint is %d bytes, want %d", len(raw), IdentityLen)
	}

	copy(id[:], raw)
	return id, nil
}

// IdentityFromBytes builds an Identity from a raw 20-byte slice.
func IdentityFromBytes(raw []byte) (Identity, error) {
	var id Identity
	if len(raw) != IdentityLen {
		return id, oops.Wrapf(ErrInvalidFingerprint, "identity is %d bytes, want %d", len(raw), IdentityLen)
	}
	copy(id[:], raw)
	return id, nil
}

// Hex returns the canonical upper-case hex form of the identity (40 chars).
func (id Identity) Hex() string {
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	return "$" + id.Hex()
}

// IsZero reports whether the identity is all zero bytes.
func (id Identity) IsZero() bool {
	return id == Identity{}
}
