package channel

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"

	"github.com/ligun0805/onionpath/pkg/cell"
	"github.com/ligun0805/onionpath/pkg/relay"
)

// DefaultConnectTimeout bounds the TCP connect to a relay.
const DefaultConnectTimeout = 10 * time.Second

// linkVersions are the link protocol versions this client speaks.
var linkVersions = []uint16{4, 5}

// Dialer establishes negotiated channels to relays.
type Dialer struct {
	// ConnectTimeout bounds the TCP connect; zero means
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// Dial connects to a relay at addr, negotiates the link protocol, pins the
// peer to the expected identity, and returns a started Channel.
func (d *Dialer) Dial(addr string, peer relay.Identity) (*Channel, error) {
	timeout := d.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, oops.Wrapf(err, "connect %s", addr)
	}

	// Relays use self-signed link certificates; the peer is authenticated
	// by pinning its identity from the CERTS cell, not by the TLS chain.
	conn := tls.Client(raw, &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	})
	if err := conn.Handshake(); err != nil {
		raw.Close()
		return nil, oops.Wrapf(err, "tls handshake with %s", addr)
	}

	version, err := negotiate(conn, peer)
	if err != nil {
		conn.Close()
		return nil, oops.Wrapf(err, "negotiate with %s", addr)
	}

	log.WithFields(logrus.Fields{
		"addr":    addr,
		"peer":    peer.String(),
		"version": version,
	}).Debug("channel established")

	ch := New(conn, peer, version)
	ch.Start()
	return ch, nil
}

// negotiate runs the link handshake: exchange VERSIONS, read the responder's
// CERTS / AUTH_CHALLENGE / NETINFO, answer with our NETINFO. The peer's
// identity is pinned from the CERTS cell.
func negotiate(conn net.Conn, peer relay.Identity) (uint16, error) {
	if err := cell.WriteVersions(conn, linkVersions); err != nil {
		return 0, err
	}
	theirs, err := cell.ReadVersions(conn)
	if err != nil {
		return 0, err
	}
	version := highestCommon(linkVersions, theirs)
	if version == 0 {
		return 0, oops.Errorf("no common link protocol version, peer offers %v", theirs)
	}

	var gotCerts, gotChallenge bool
	for {
		c, err := cell.Read(conn)
		if err != nil {
			return 0, err
		}
		switch c.Command {
		case cell.Certs:
			if err := pinIdentity(c.Body, peer); err != nil {
				return 0, err
			}
			gotCerts = true
		case cell.AuthChallenge:
			// Clients do not authenticate; the challenge is only noted.
			gotChallenge = true
		case cell.Padding, cell.Vpadding:
		case cell.Netinfo:
			if !gotCerts {
				return 0, oops.Errorf("NETINFO before CERTS")
			}
			if !gotChallenge {
				return 0, oops.Errorf("NETINFO before AUTH_CHALLENGE")
			}
			return version, sendNetinfo(conn)
		default:
			return 0, oops.Errorf("unexpected %s during negotiation", c.Command)
		}
	}
}

// sendNetinfo answers the responder's NETINFO. Clients send a zero timestamp
// and no own addresses.
func sendNetinfo(conn net.Conn) error {
	body := make([]byte, cell.BodyLen)

	off := 4 // TIME stays zero
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = "0.0.0.0"
	}
	ip := net.ParseIP(host)
	if ip4 := ip.To4(); ip4 != nil {
		body[off] = 0x04
		body[off+1] = 4
		copy(body[off+2:], ip4)
		off += 6
	} else if ip16 := ip.To16(); ip16 != nil {
		body[off] = 0x06
		body[off+1] = 16
		copy(body[off+2:], ip16)
		off += 18
	}
	body[off] = 0 // NMYADDR

	return cell.Write(conn, &cell.Cell{Command: cell.Netinfo, Body: body})
}

func highestCommon(ours, theirs []uint16) uint16 {
	var best uint16
	for _, o := range ours {
		for _, t := range theirs {
			if o == t && o > best {
				best = o
			}
		}
	}
	return best
}
