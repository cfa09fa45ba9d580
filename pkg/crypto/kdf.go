package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// ExpandKey stretches an ntor KEY_SEED into n bytes of key material. This is
// HKDF-SHA256 expansion with the ntor m_expand string as info:
//
//	K_1     = HMAC-SHA256(seed, m_expand | 0x01)
//	K_(i+1) = HMAC-SHA256(seed, K_i | m_expand | byte(i+1))
func ExpandKey(seed []byte, n int) []byte {
	out := make([]byte, 0, n)
	var block []byte
	for i := byte(1); len(out) < n; i++ {
		mac := hmac.New(sha256.New, seed)
		mac.Write(block)
		mac.Write([]byte(mExpand))
		mac.Write([]byte{i})
		block = mac.Sum(nil)
		out = append(out, block...)
	}
	return out[:n]
}

// HopKeys is the key material for one circuit hop: digest seeds and AES keys
// for each direction, plus the KH nonce used by the hidden-service protocol.
type HopKeys struct {
	ForwardDigest  []byte
	BackwardDigest []byte
	ForwardKey     []byte
	BackwardKey    []byte
	KH             []byte
}

// DeriveHopKeys expands an ntor KEY_SEED into hop keys, in the fixed order
// Df | Db | Kf | Kb | KH.
func DeriveHopKeys(seed []byte) *HopKeys {
	const total = DigestLen + DigestLen + KeyLen + KeyLen + DigestLen
	material := ExpandKey(seed, total)

	keys := &HopKeys{}
	keys.ForwardDigest, material = material[:DigestLen], material[DigestLen:]
	keys.BackwardDigest, material = material[:DigestLen], material[DigestLen:]
	keys.ForwardKey, material = material[:KeyLen], material[KeyLen:]
	keys.BackwardKey, material = material[:KeyLen], material[KeyLen:]
	keys.KH = material[:DigestLen]
	return keys
}
