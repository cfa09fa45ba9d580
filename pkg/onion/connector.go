package onion

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"sync"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"

	"github.com/ligun0805/onionpath/pkg/cell"
	"github.com/ligun0805/onionpath/pkg/circuit"
	"github.com/ligun0805/onionpath/pkg/directory"
	"github.com/ligun0805/onionpath/pkg/relay"
	"github.com/ligun0805/onionpath/pkg/stream"
)

const rendCookieLen = 20

// PathSpec pins the three hops of a connection by hex fingerprint.
type PathSpec struct {
	Guard  string
	Middle string
	Exit   string
}

// StreamPrefs tune how Connect builds its path and opens its stream.
type StreamPrefs struct {
	// PreferIPv6 makes hop dialing favor advertised IPv6 addresses.
	PreferIPv6 bool
	// UseRendezvous establishes a rendezvous point on the circuit before
	// the stream is opened. On by default.
	UseRendezvous bool
	// ForceTLS wraps the stream in the onion TLS overlay regardless of
	// port. Port 443 gets the overlay either way.
	ForceTLS bool
}

// rendCircuit is the slice of a circuit the connector needs.
type rendCircuit interface {
	SendRelay(cmd cell.RelayCommand, streamID uint16, data []byte, early bool) error
	RecvRelay() (*cell.RelayCell, error)
	Destroy() error
}

// Connector builds three-hop paths to hidden services. An operator-pinned
// path, when set, overrides random selection; it is per-connector state, not
// process-global.
type Connector struct {
	dir    *directory.Provider
	create func(ip string, port uint16, fingerprint string) (rendCircuit, error)
	extend func(ip string, port uint16, fingerprint string) (rendCircuit, error)

	mu     sync.Mutex
	custom *PathSpec
	prefs  StreamPrefs
}

// NewConnector wires a connector to the directory provider and circuit
// manager.
func NewConnector(dir *directory.Provider, circuits *circuit.Manager) *Connector {
	return &Connector{
		dir: dir,
		create: func(ip string, port uint16, fingerprint string) (rendCircuit, error) {
			circ, err := circuits.Create(ip, port, fingerprint)
			if err != nil {
				return nil, err
			}
			return circ, nil
		},
		extend: func(ip string, port uint16, fingerprint string) (rendCircuit, error) {
			circ, err := circuits.Extend(ip, port, fingerprint)
			if err != nil {
				return nil, err
			}
			return circ, nil
		},
		prefs: StreamPrefs{UseRendezvous: true},
	}
}

// SetCustomPath pins the guard, middle, and exit hops by fingerprint for all
// subsequent Connect calls. Fingerprints are validated here, not at connect
// time.
func (c *Connector) SetCustomPath(guard, middle, exit string) error {
	spec := &PathSpec{}
	for _, hop := range []struct {
		name string
		in   string
		out  *string
	}{
		{"guard", guard, &spec.Guard},
		{"middle", middle, &spec.Middle},
		{"exit", exit, &spec.Exit},
	} {
		id, err := relay.ParseIdentity(hop.in)
		if err != nil {
			return oops.Wrapf(err, "%s fingerprint", hop.name)
		}
		*hop.out = id.Hex()
	}

	c.mu.Lock()
	c.custom = spec
	c.mu.Unlock()
	log.WithFields(logrus.Fields{
		"guard":  spec.Guard,
		"middle": spec.Middle,
		"exit":   spec.Exit,
	}).Debug("custom path pinned")
	return nil
}

// ClearCustomPath reverts to random path selection.
func (c *Connector) ClearCustomPath() {
	c.mu.Lock()
	c.custom = nil
	c.mu.Unlock()
}

// SetStreamPrefs replaces the connector's stream preferences.
func (c *Connector) SetStreamPrefs(prefs StreamPrefs) {
	c.mu.Lock()
	c.prefs = prefs
	c.mu.Unlock()
}

// Connect builds a three-hop circuit to the hidden service's rendezvous
// point and opens a stream to the given port. The returned connection is
// TLS-wrapped for port 443 or when the preferences force it.
func (c *Connector) Connect(onionAddress string, port uint16) (net.Conn, error) {
	addr, err := ParseAddress(onionAddress)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	spec := c.custom
	prefs := c.prefs
	c.mu.Unlock()

	if spec == nil {
		spec, err = c.randomPath()
		if err != nil {
			return nil, err
		}
	}
	log.WithFields(logrus.Fields{
		"onion":  addr.String(),
		"guard":  spec.Guard,
		"middle": spec.Middle,
		"exit":   spec.Exit,
	}).Debug("connecting to hidden service")

	circ, err := c.buildPath(spec, prefs)
	if err != nil {
		return nil, err
	}

	if prefs.UseRendezvous {
		if err := establishRendezvous(circ); err != nil {
			_ = circ.Destroy()
			return nil, err
		}
	}

	// Rendezvous streams carry an empty host in the begin target; the
	// service end already knows who it is talking to.
	target := fmt.Sprintf(":%d", port)
	if !prefs.UseRendezvous {
		target = fmt.Sprintf("%s:%d", addr.String(), port)
	}

	mgr := stream.NewManager(circ)
	s, err := mgr.OpenStream(target)
	if err != nil {
		_ = circ.Destroy()
		return nil, err
	}
	conn := net.Conn(stream.NewConn(s))

	if port == 443 || prefs.ForceTLS {
		tlsConn := newTLSClient(conn, addr.String())
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			_ = circ.Destroy()
			return nil, oops.Wrapf(err, "tls handshake with %s", addr)
		}
		conn = tlsConn
	}
	return conn, nil
}

// buildPath creates the guard hop and extends through middle and exit.
func (c *Connector) buildPath(spec *PathSpec, prefs StreamPrefs) (rendCircuit, error) {
	ip, port := c.addrOverride(spec.Guard, prefs)
	circ, err := c.create(ip, port, spec.Guard)
	if err != nil {
		return nil, err
	}
	for _, fp := range []string{spec.Middle, spec.Exit} {
		ip, port := c.addrOverride(fp, prefs)
		if _, err := c.extend(ip, port, fp); err != nil {
			_ = circ.Destroy()
			return nil, err
		}
	}
	return circ, nil
}

// addrOverride returns explicit dial coordinates when an IPv6 preference
// makes the relay's primary address the wrong pick. Empty means use the
// descriptor's default.
func (c *Connector) addrOverride(fingerprint string, prefs StreamPrefs) (string, uint16) {
	if !prefs.PreferIPv6 {
		return "", 0
	}
	id, err := relay.ParseIdentity(fingerprint)
	if err != nil {
		return "", 0
	}
	snap, err := c.dir.Snapshot(directory.Timely)
	if err != nil {
		return "", 0
	}
	desc := snap.ByID(id)
	if desc == nil {
		return "", 0
	}
	preferred := desc.PreferredAddr(true)
	if preferred == "" || preferred == desc.PrimaryAddr() {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(preferred)
	if err != nil {
		return "", 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0
	}
	return host, uint16(port)
}

// randomPath selects three distinct relays from the snapshot: a Guard-flagged
// entry, any fast relay in the middle, and a stable relay as the rendezvous
// side. The last hop needs no Exit flag; any running relay can serve a
// rendezvous.
func (c *Connector) randomPath() (*PathSpec, error) {
	snap, err := c.dir.Snapshot(directory.Timely)
	if err != nil {
		return nil, err
	}

	guards := directory.SelectFromSnapshot(snap, relay.FlagGuard|relay.FlagFast|relay.FlagRunning|relay.FlagValid, false, 0, -1)
	middles := directory.SelectFromSnapshot(snap, relay.FlagFast|relay.FlagRunning|relay.FlagValid, false, 0, -1)
	ends := directory.SelectFromSnapshot(snap, relay.FlagStable|relay.FlagRunning|relay.FlagValid, false, 0, -1)

	spec := &PathSpec{}
	used := make(map[string]bool)
	for _, pick := range []struct {
		name string
		from []string
		out  *string
	}{
		{"guard", guards, &spec.Guard},
		{"middle", middles, &spec.Middle},
		{"exit", ends, &spec.Exit},
	} {
		fp, err := pickDistinct(pick.from, used)
		if err != nil {
			return nil, oops.Wrapf(err, "select %s", pick.name)
		}
		used[fp] = true
		*pick.out = fp
	}
	return spec, nil
}

// pickDistinct picks a uniformly random candidate not already used.
func pickDistinct(candidates []string, used map[string]bool) (string, error) {
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

// establishRendezvous registers a fresh rendezvous cookie with the circuit's
// last hop and waits for the acknowledgment.
func establishRendezvous(circ rendCircuit) error {
	var cookie [rendCookieLen]byte
	if _, err := rand.Read(cookie[:]); err != nil {
		return oops.Wrapf(err, "generate rendezvous cookie")
	}
	if err := circ.SendRelay(cell.RelayEstablishRendezvous, 0, cookie[:], false); err != nil {
		return oops.Wrapf(ErrRendezvousFailed, "send ESTABLISH_RENDEZVOUS: %v", err)
	}
	rc, err := circ.RecvRelay()
	if err != nil {
		return oops.Wrapf(ErrRendezvousFailed, "recv RENDEZVOUS_ESTABLISHED: %v", err)
	}
	if rc.Command != cell.RelayRendezvousEstablished {
		return oops.Wrapf(ErrRendezvousFailed, "expected RENDEZVOUS_ESTABLISHED, got %s", rc.Command)
	}
	log.Debug("rendezvous point established")
	return nil
}
