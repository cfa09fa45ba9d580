// Package crypto implements the circuit-layer cryptography: the ntor
// handshake used by CREATE2 and EXTEND2, the RFC 5869 style key expansion,
// and the per-hop relay cell cipher with its running digest.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"github.com/samber/oops"
	"golang.org/x/crypto/curve25519"
)

// ntor protocol constants.
const (
	ProtoID = "ntor-curve25519-sha256-1"

	tMAC    = ProtoID + ":mac"
	tKey    = ProtoID + ":key_extract"
	tVerify = ProtoID + ":verify"
	mExpand = ProtoID + ":key_expand"

	serverSuffix = "Server"
)

const (
	// KeyLen is the AES-128 key length.
	KeyLen = 16
	// DigestLen is the SHA-1 digest length.
	DigestLen = 20
	// NodeIDLen is the length of a relay identity digest.
	NodeIDLen = 20
	// SeedLen is the length of the ntor KEY_SEED.
	SeedLen = 32

	// ClientPayloadLen is the CREATE2/EXTEND2 handshake payload length:
	// node ID, onion key, ephemeral client key.
	ClientPayloadLen = NodeIDLen + 32 + 32
	// ServerReplyLen is the CREATED2/EXTENDED2 reply length: server
	// ephemeral key and auth tag.
	ServerReplyLen = 32 + 32
)

// ErrHandshakeAuth indicates the server's auth tag did not verify; the reply
// did not come from the holder of the onion key.
var ErrHandshakeAuth = errors.New("ntor handshake authentication failed")

// NodeID is a relay's 20-byte identity digest.
type NodeID [NodeIDLen]byte

// ClientHandshake carries the client state of one ntor handshake, from the
// CREATE2 payload through verification of the CREATED2 reply.
type ClientHandshake struct {
	nodeID   NodeID
	onionKey [32]byte // B, the relay's static ntor key
	private  [32]byte // x
	public   [32]byte // X
}

// NewClientHandshake starts an ntor handshake with the relay identified by
// nodeID holding the given ntor onion key.
func NewClientHandshake(nodeID NodeID, onionKey [32]byte) (*ClientHandshake, error) {
	h := &ClientHandshake{nodeID: nodeID, onionKey: onionKey}
	if _, err := rand.Read(h.private[:]); err != nil {
		return nil, oops.Wrapf(err, "generate ephemeral key")
	}
	pub, err := curve25519.X25519(h.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, oops.Wrapf(err, "derive ephemeral public key")
	}
	copy(h.public[:], pub)
	return h, nil
}

// Payload returns the handshake data for the CREATE2 or EXTEND2 cell:
//
//	NODEID [20] | KEYID(B) [32] | CLIENT_KP(X) [32]
func (h *ClientHandshake) Payload() []byte {
	p := make([]byte, 0, ClientPayloadLen)
	p = append(p, h.nodeID[:]...)
	p = append(p, h.onionKey[:]...)
	p = append(p, h.public[:]...)
	return p
}

// Finish verifies the server's CREATED2/EXTENDED2 reply (Y | AUTH) and
// derives the hop keys. It returns ErrHandshakeAuth when the auth tag does
// not match.
func (h *ClientHandshake) Finish(reply []byte) (*HopKeys, error) {
	if len(reply) < ServerReplyLen {
		return nil, oops.Errorf("ntor reply too short: %d bytes", len(reply))
	}
	serverPub := reply[:32]
	serverAuth := reply[32:64]

	xy, err := sharedSecret(h.private[:], serverPub)
	if err != nil {
		return nil, oops.Wrapf(err, "ntor EXP(Y,x)")
	}
	xb, err := sharedSecret(h.private[:], h.onionKey[:])
	if err != nil {
		return nil, oops.Wrapf(err, "ntor EXP(B,x)")
	}

	// secret_input = EXP(Y,x) | EXP(B,x) | ID | B | X | Y | PROTOID
	secretInput := make([]byte, 0, 32+32+NodeIDLen+32+32+32+len(ProtoID))
	secretInput = append(secretInput, xy...)
	secretInput = append(secretInput, xb...)
	secretInput = append(secretInput, h.nodeID[:]...)
	secretInput = append(secretInput, h.onionKey[:]...)
	secretInput = append(secretInput, h.public[:]...)
	secretInput = append(secretInput, serverPub...)
	secretInput = append(secretInput, ProtoID...)

	seed := hmacSHA256([]byte(tKey), secretInput)
	verify := hmacSHA256([]byte(tVerify), secretInput)

	// auth_input = verify | ID | B | Y | X | PROTOID | "Server"
	authInput := make([]byte, 0, 32+NodeIDLen+32+32+32+len(ProtoID)+len(serverSuffix))
	authInput = append(authInput, verify...)
	authInput = append(authInput, h.nodeID[:]...)
	authInput = append(authInput, h.onionKey[:]...)
	authInput = append(authInput, serverPub...)
	authInput = append(authInput, h.public[:]...)
	authInput = append(authInput, ProtoID...)
	authInput = append(authInput, serverSuffix...)

	if !hmac.Equal(hmacSHA256([]byte(tMAC), authInput), serverAuth) {
		return nil, ErrHandshakeAuth
	}
	return DeriveHopKeys(seed), nil
}

// sharedSecret computes a curve25519 DH secret and rejects the all-zero
// result produced by a low-order peer key.
func sharedSecret(private, public []byte) ([]byte, error) {
	s, err := curve25519.X25519(private, public)
	if err != nil {
		return nil, err
	}
	var zero [32]byte
	if subtle.ConstantTimeCompare(s, zero[:]) == 1 {
		return nil, errors.New("degenerate shared secret")
	}
	return s, nil
}

func hmacSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}
