// Package onion connects to v3 hidden services: address validation, a
// three-hop connector with operator-pinned paths, rendezvous establishment,
// and the TLS overlay for .onion endpoints.
package onion

import (
	"bytes"
	"encoding/base32"
	"strings"

	"filippo.io/edwards25519"
	"github.com/samber/oops"
	"golang.org/x/crypto/sha3"
)

const (
	// addressBase32Len is the length of a v3 onion address without the
	// ".onion" suffix.
	addressBase32Len = 56

	// addressRawLen is the decoded layout: PUBKEY(32) CHECKSUM(2) VERSION(1).
	addressRawLen = 35

	addressVersion = 3
)

// Address is a parsed v3 onion address.
type Address struct {
	PublicKey [32]byte
	Checksum  [2]byte
	Version   byte
}

// ParseAddress parses and validates a v3 onion address, with or without the
// ".onion" suffix. The checksum must match and the embedded public key must
// decode to a valid ed25519 curve point.
func ParseAddress(s string) (*Address, error) {
	trimmed := strings.TrimSuffix(strings.ToLower(s), ".onion")
	if len(trimmed) != addressBase32Len {
		return nil, oops.Wrapf(ErrInvalidAddress, "length %d, want %d", len(trimmed), addressBase32Len)
	}

	decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(trimmed))
	if err != nil {
		return nil, oops.Wrapf(ErrInvalidAddress, "base32: %v", err)
	}
	if len(decoded) != addressRawLen {
		return nil, oops.Wrapf(ErrInvalidAddress, "decodes to %d bytes, want %d", len(decoded), addressRawLen)
	}

	a := &Address{Version: decoded[34]}
	copy(a.PublicKey[:], decoded[0:32])
	copy(a.Checksum[:], decoded[32:34])

	if a.Version != addressVersion {
		return nil, oops.Wrapf(ErrInvalidAddress, "version %d, want %d", a.Version, addressVersion)
	}
	if !bytes.Equal(a.Checksum[:], checksum(a.PublicKey[:], a.Version)) {
		return nil, oops.Wrapf(ErrInvalidAddress, "checksum mismatch")
	}
	if _, err := new(edwards25519.Point).SetBytes(a.PublicKey[:]); err != nil {
		return nil, oops.Wrapf(ErrInvalidAddress, "public key is not a curve point: %v", err)
	}
	return a, nil
}

// checksum is SHA3-256(".onion checksum" || PUBKEY || VERSION) truncated to
// two bytes.
func checksum(pubkey []byte, version byte) []byte {
	input := make([]byte, 0, 15+len(pubkey)+1)
	input = append(input, ".onion checksum"...)
	input = append(input, pubkey...)
	input = append(input, version)
	sum := sha3.Sum256(input)
	return sum[:2]
}

// String re-encodes the address with the ".onion" suffix.
func (a *Address) String() string {
	raw := make([]byte, 0, addressRawLen)
	raw = append(raw, a.PublicKey[:]...)
	raw = append(raw, a.Checksum[:]...)
	raw = append(raw, a.Version)
	return strings.ToLower(base32.StdEncoding.EncodeToString(raw)) + ".onion"
}
