package onion

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"strings"

	"github.com/samber/oops"
)

// newTLSClient layers TLS over a tunneled stream. Hidden services present
// self-signed certificates for names that no CA will ever vouch for, so the
// verifier accepts any certificate when the server name ends in ".onion" and
// rejects every other name outright.
func newTLSClient(conn net.Conn, serverName string) *tls.Conn {
	return tls.Client(conn, &tls.Config{
		ServerName:            serverName,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: onionVerifier(serverName),
		MinVersion:            tls.VersionTLS12,
	})
}

// onionVerifier returns the certificate check for the given server name.
func onionVerifier(serverName string) func([][]byte, [][]*x509.Certificate) error {
	return func(_ [][]byte, _ [][]*x509.Certificate) error {
		if strings.HasSuffix(serverName, ".onion") {
			return nil
		}
		return oops.Errorf("refusing certificate for non-onion name %q", serverName)
	}
}
