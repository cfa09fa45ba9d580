package client

import (
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"time"

	"github.com/samber/oops"

	"github.com/ligun0805/onionpath/pkg/directory"
	"github.com/ligun0805/onionpath/pkg/onion"
	"github.com/ligun0805/onionpath/pkg/relay"
	"github.com/ligun0805/onionpath/pkg/stream"
)

// httpRequest formats a minimal HTTP/1.1 GET with a closing connection, so
// the response ends with the stream.
func httpRequest(path, host string) []byte {
	return []byte(fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", path, host))
}

// Fetch retrieves the URL over a freshly built three-hop circuit. ".onion"
// hosts go through the hidden-service connector, everything else exits to
// the open web.
func (c *Client) Fetch(rawURL string) ([]byte, error) {
	t, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if t.Onion {
		return c.fetchOnion(t)
	}
	return c.fetchClear(t)
}

func (c *Client) fetchOnion(t *Target) ([]byte, error) {
	conn, err := c.connector.Connect(t.Host, t.Port)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.ReadTimeout))
	if _, err := conn.Write(httpRequest(t.Path, t.Host)); err != nil {
		return nil, oops.Wrapf(err, "send request to %s", t.Host)
	}
	return onion.ReadResponse(conn, c.cfg.ReadTimeout, c.cfg.MaxResponseBytes)
}

func (c *Client) fetchClear(t *Target) ([]byte, error) {
	guard, middle, exit, err := c.exitPath()
	if err != nil {
		return nil, err
	}

	circ, err := c.circuits.Create("", 0, guard)
	if err != nil {
		return nil, err
	}
	defer circ.Destroy()
	for _, fp := range []string{middle, exit} {
		if _, err := c.circuits.Extend("", 0, fp); err != nil {
			return nil, err
		}
	}

	mgr := stream.NewManager(circ)
	s, err := mgr.OpenStream(net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port))))
	if err != nil {
		return nil, err
	}

	conn := net.Conn(stream.NewConn(s))
	if t.TLS {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName: t.Host,
			MinVersion: tls.VersionTLS12,
		})
		_ = tlsConn.SetDeadline(time.Now().Add(c.cfg.ReadTimeout))
		if err := tlsConn.Handshake(); err != nil {
			return nil, oops.Wrapf(err, "tls handshake with %s", t.Host)
		}
		_ = tlsConn.SetDeadline(time.Time{})
		conn = tlsConn
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.ReadTimeout))
	if _, err := conn.Write(httpRequest(t.Path, t.Host)); err != nil {
		return nil, oops.Wrapf(err, "send request to %s", t.Host)
	}
	return onion.ReadResponse(conn, c.cfg.ReadTimeout, c.cfg.MaxResponseBytes)
}

// exitPath picks guard, middle, and exit fingerprints for a clear-web fetch.
// The exit must carry the Exit flag and must not be a BadExit.
func (c *Client) exitPath() (guard, middle, exit string, err error) {
	snap, err := c.dir.Snapshot(directory.Timely)
	if err != nil {
		return "", "", "", err
	}

	guards := directory.SelectFromSnapshot(snap, relay.FlagGuard|relay.FlagFast|relay.FlagRunning|relay.FlagValid, false, 0, -1)
	middles := directory.SelectFromSnapshot(snap, relay.FlagFast|relay.FlagRunning|relay.FlagValid, false, 0, -1)
	exits := dropBadExits(snap, directory.SelectFromSnapshot(snap, relay.FlagExit|relay.FlagFast|relay.FlagRunning|relay.FlagValid, false, 0, -1))

	used := make(map[string]bool)
	for _, pick := range []struct {
		name string
		from []string
		out  *string
	}{
		{"exit", exits, &exit},
		{"guard", guards, &guard},
		{"middle", middles, &middle},
	} {
		fp, err := pickRelay(pick.from, used)
		if err != nil {
			return "", "", "", oops.Wrapf(err, "select %s", pick.name)
		}
		used[fp] = true
		*pick.out = fp
	}
	return guard, middle, exit, nil
}

func dropBadExits(snap *directory.Snapshot, fingerprints []string) []string {
	var out []string
	for _, fp := range fingerprints {
		id, err := relay.ParseIdentity(fp)
		if err != nil {
			continue
		}
		if desc := snap.ByID(id); desc != nil && !desc.Flags.Has(relay.FlagBadExit) {
			out = append(out, fp)
		}
	}
	return out
}

func pickRelay(candidates []string, used map[string]bool) (string, error) {
	var free []string
	for _, fp := range candidates {
		if !used[fp] {
			free = append(free, fp)
		}
	}
	if len(free) == 0 {
		return "", oops.Errorf("no eligible relay")
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(free))))
	if err != nil {
		return "", oops.Wrapf(err, "random index")
	}
	return free[n.Int64()], nil
}
