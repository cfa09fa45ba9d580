package channel

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/binary"

	"github.com/samber/oops"

	"github.com/ligun0805/onionpath/pkg/relay"
)

// CERTS cell certificate types.
const (
	certTypeLink = 1
	certTypeID   = 2
)

// pinIdentity checks a CERTS cell body against the expected relay identity.
// The relay's legacy identity is the SHA-1 of its DER-encoded RSA identity
// key, so the type-2 certificate is enough to pin the peer; the full
// certificate-chain trust machinery lives relay-side and is not re-validated
// here.
func pinIdentity(payload []byte, expected relay.Identity) error {
	certs, err := parseCerts(payload)
	if err != nil {
		return err
	}
	if _, ok := certs[certTypeLink]; !ok {
		return oops.Errorf("CERTS missing link certificate")
	}
	idDER, ok := certs[certTypeID]
	if !ok {
		return oops.Errorf("CERTS missing identity certificate")
	}

	idCert, err := x509.ParseCertificate(idDER)
	if err != nil {
		return oops.Wrapf(err, "parse identity certificate")
	}
	idKey, ok := idCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return oops.Errorf("identity certificate key is %T, want RSA", idCert.PublicKey)
	}

	actual := relay.Identity(sha1.Sum(x509.MarshalPKCS1PublicKey(idKey)))
	if actual != expected {
		return oops.Wrapf(ErrIdentityMismatch, "expected %s, peer is %s", expected, actual)
	}
	return nil
}

// parseCerts splits a CERTS cell body into its certificates by type. The
// first certificate of each type wins.
func parseCerts(payload []byte) (map[byte][]byte, error) {
	if len(payload) < 1 {
		return nil, oops.Errorf("CERTS body empty")
	}
	n := int(payload[0])
	off := 1
	certs := make(map[byte][]byte, n)

	for i := 0; i < n; i++ {
		if off+3 > len(payload) {
			return nil, oops.Errorf("CERTS truncated at certificate %d header", i)
		}
		certType := payload[off]
		certLen := int(binary.BigEndian.Uint16(payload[off+1 : off+3]))
		off += 3

		if certLen == 0 || off+certLen > len(payload) {
			return nil, oops.Errorf("CERTS certificate %d has bad length %d", i, certLen)
		}
		if _, dup := certs[certType]; !dup {
			certs[certType] = append([]byte(nil), payload[off:off+certLen]...)
		}
		off += certLen
	}
	return certs, nil
}
