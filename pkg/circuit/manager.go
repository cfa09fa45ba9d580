package circuit

import (
	"net"
	"strconv"
	"sync"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"

	"github.com/ligun0805/onionpath/pkg/channel"
	"github.com/ligun0805/onionpath/pkg/crypto"
	"github.com/ligun0805/onionpath/pkg/directory"
	"github.com/ligun0805/onionpath/pkg/relay"
)

// Manager builds circuits: Create starts a fresh single-hop circuit, Extend
// appends hops to the most recent one, Circuit hands the current one out.
// Relays are resolved against the injected directory provider.
type Manager struct {
	dir *directory.Provider

	getLink      func(*relay.Descriptor) (Link, error)
	newHandshake func(*relay.Descriptor) (handshaker, error)

	mu      sync.Mutex
	current *Circuit
}

// NewManager wires a circuit manager to the directory provider and channel
// manager.
func NewManager(dir *directory.Provider, channels *channel.Manager) *Manager {
	return &Manager{
		dir: dir,
		getLink: func(target *relay.Descriptor) (Link, error) {
			return channels.GetOrLaunch(target, channel.UsageUserTraffic)
		},
		newHandshake: newNtorHandshake,
	}
}

// newNtorHandshake starts a real ntor handshake keyed by the relay's onion
// key.
func newNtorHandshake(target *relay.Descriptor) (handshaker, error) {
	if len(target.NtorOnionKey) != 32 {
		return nil, oops.Errorf("relay %s has no ntor onion key", target.Identity)
	}
	var onionKey [32]byte
	copy(onionKey[:], target.NtorOnionKey)
	return crypto.NewClientHandshake(crypto.NodeID(target.Identity), onionKey)
}

// resolve turns a fingerprint plus optional explicit coordinates into the
// relay to handshake with. The explicit ip:port, when given, overrides the
// descriptor's advertised address.
func (m *Manager) resolve(ip string, port uint16, fingerprint string) (*relay.Descriptor, string, error) {
	id, err := relay.ParseIdentity(fingerprint)
	if err != nil {
		return nil, "", err
	}

	snap, err := m.dir.Snapshot(directory.Timely)
	if err != nil {
		return nil, "", err
	}
	desc := snap.ByID(id)
	if desc == nil {
		return nil, "", oops.Wrapf(ErrRelayNotFound, "relay %s", id)
	}

	addr := desc.PrimaryAddr()
	if ip != "" {
		addr = net.JoinHostPort(ip, strconv.Itoa(int(port)))
	}
	if addr == "" {
		return nil, "", oops.Wrapf(ErrRelayNotFound, "relay %s has no address", id)
	}

	if ip == "" {
		return desc, addr, nil
	}
	override := *desc
	override.Addrs = append([]string{addr}, desc.Addrs...)
	return &override, addr, nil
}

// Create builds a fresh circuit with the given relay as its first and only
// hop, replacing the manager's current circuit on success.
func (m *Manager) Create(ip string, port uint16, fingerprint string) (*Circuit, error) {
	target, _, err := m.resolve(ip, port, fingerprint)
	if err != nil {
		return nil, err
	}

	link, err := m.getLink(target)
	if err != nil {
		return nil, err
	}

	cc := DefaultCongestionControl()
	if err := cc.Validate(); err != nil {
		return nil, err
	}

	circ, err := newCircuit(link, cc)
	if err != nil {
		return nil, err
	}

	hs, err := m.newHandshake(target)
	if err != nil {
		circ.Close()
		return nil, oops.Wrapf(ErrHandshakeFailed, "relay %s: %v", target.Identity, err)
	}
	if err := circ.createFirstHop(target, hs); err != nil {
		circ.Close()
		return nil, oops.Wrapf(ErrHandshakeFailed, "relay %s: %v", target.Identity, err)
	}

	log.WithFields(logrus.Fields{
		"circuit": circ.ID().String(),
		"relay":   target.Identity.String(),
	}).Debug("circuit created")

	m.mu.Lock()
	m.current = circ
	m.mu.Unlock()
	return circ, nil
}

// Extend appends one hop to the current circuit. A failed extension leaves
// the circuit at its prior hop count and keeps it current.
func (m *Manager) Extend(ip string, port uint16, fingerprint string) (*Circuit, error) {
	m.mu.Lock()
	circ := m.current
	m.mu.Unlock()
	if circ == nil {
		return nil, ErrNoCircuitToExtend
	}

	target, addr, err := m.resolve(ip, port, fingerprint)
	if err != nil {
		return nil, err
	}

	hs, err := m.newHandshake(target)
	if err != nil {
		return nil, oops.Wrapf(ErrHandshakeFailed, "relay %s: %v", target.Identity, err)
	}
	if err := circ.extendTo(target, hs, addr); err != nil {
		return nil, oops.Wrapf(ErrHandshakeFailed, "relay %s: %v", target.Identity, err)
	}
	return circ, nil
}

// Circuit returns the most recently built circuit.
func (m *Manager) Circuit() (*Circuit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNoCircuit
	}
	return m.current, nil
}
