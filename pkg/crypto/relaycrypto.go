package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding"
	"hash"

	"github.com/samber/oops"
)

// LayerCrypto is one direction of one hop's onion layer: an AES-128-CTR
// stream cipher plus the running SHA-1 digest seeded from the hop keys. The
// CTR IV is all zeros; the cipher position is the shared state that keeps
// both ends in step.
type LayerCrypto struct {
	stream cipher.Stream
	digest hash.Hash
}

// NewLayerCrypto builds the layer cipher for one direction from an AES key
// and the matching digest seed.
func NewLayerCrypto(key, digestSeed []byte) (*LayerCrypto, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, oops.Wrapf(err, "layer cipher")
	}
	iv := make([]byte, aes.BlockSize)

	d := sha1.New()
	d.Write(digestSeed)

	return &LayerCrypto{
		stream: cipher.NewCTR(block, iv),
		digest: d,
	}, nil
}

// Crypt applies the stream cipher to p in place. CTR mode is symmetric, so
// the same call encrypts on the way out and decrypts on the way back.
func (lc *LayerCrypto) Crypt(p []byte) {
	lc.stream.XORKeyStream(p, p)
}

// Absorb folds p into the running digest.
func (lc *LayerCrypto) Absorb(p []byte) {
	lc.digest.Write(p)
}

// Sum returns the current running digest without disturbing its state.
func (lc *LayerCrypto) Sum() []byte {
	return lc.digest.Sum(nil)
}

// SnapshotDigest captures the running digest state so a speculative Absorb
// can be rolled back with RestoreDigest.
func (lc *LayerCrypto) SnapshotDigest() ([]byte, error) {
	m, ok := lc.digest.(encoding.BinaryMarshaler)
	if !ok {
		return nil, oops.Errorf("digest state not serializable")
	}
	return m.MarshalBinary()
}

// RestoreDigest rewinds the running digest to a snapshot.
func (lc *LayerCrypto) RestoreDigest(snapshot []byte) error {
	u, ok := lc.digest.(encoding.BinaryUnmarshaler)
	if !ok {
		return oops.Errorf("digest state not restorable")
	}
	return u.UnmarshalBinary(snapshot)
}
