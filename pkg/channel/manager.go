package channel

import (
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"

	"github.com/ligun0805/onionpath/pkg/relay"
)

// Usage tags what a channel is wanted for. It feeds the dormancy policy:
// directory traffic does not keep a dormant process's channels alive.
type Usage uint8

const (
	UsageUserTraffic Usage = iota
	UsageDirectory
)

func (u Usage) String() string {
	if u == UsageDirectory {
		return "directory"
	}
	return "user"
}

// Dormancy is the process-wide activity state.
type Dormancy uint8

const (
	// Active keeps idle channels open for reuse.
	Active Dormancy = iota
	// Dormant proactively closes channels that sit idle.
	Dormant
)

// defaultIdleTimeout is how long a channel may sit unused before the manager
// closes it while Dormant.
const defaultIdleTimeout = 5 * time.Minute

// Manager hands out channels, keeping at most one live channel per relay
// identity. Launches to the same identity are coalesced; launches to
// different identities proceed concurrently. A Channel, once returned, is
// used without further manager involvement.
type Manager struct {
	dial func(addr string, peer relay.Identity) (*Channel, error)

	mu       sync.Mutex
	channels map[relay.Identity]*Channel
	launches map[relay.Identity]*launch
	dormancy Dormancy
	usage    map[relay.Identity]Usage

	idleTimeout time.Duration
}

// launch tracks one in-flight dial. Callers wanting the same identity wait
// on done instead of dialing again.
type launch struct {
	done chan struct{}
	ch   *Channel
	err  error
}

// NewManager returns a Manager that launches channels with the given dialer.
func NewManager(d *Dialer) *Manager {
	if d == nil {
		d = &Dialer{}
	}
	return &Manager{
		dial:        d.Dial,
		channels:    make(map[relay.Identity]*Channel),
		launches:    make(map[relay.Identity]*launch),
		usage:       make(map[relay.Identity]Usage),
		idleTimeout: defaultIdleTimeout,
	}
}

// GetOrLaunch returns the live channel to the relay's identity, launching a
// new one when none exists. Launch failures are reported as ErrLaunchFailed
// with the address and identity attached.
func (m *Manager) GetOrLaunch(target *relay.Descriptor, usage Usage) (*Channel, error) {
	m.mu.Lock()
	if ch, ok := m.channels[target.Identity]; ok && ch.Alive() {
		m.usage[target.Identity] = usage
		m.mu.Unlock()
		return ch, nil
	}

	if l, ok := m.launches[target.Identity]; ok {
		// Another caller is already dialing this relay; wait for its
		// result instead of racing a second launch.
		m.mu.Unlock()
		<-l.done
		if l.err != nil {
			return nil, l.err
		}
		m.mu.Lock()
		m.usage[target.Identity] = usage
		m.mu.Unlock()
		return l.ch, nil
	}

	addr := target.PrimaryAddr()
	if addr == "" {
		m.mu.Unlock()
		return nil, oops.Wrapf(ErrLaunchFailed, "relay %s has no address", target.Identity)
	}
	l := &launch{done: make(chan struct{})}
	m.launches[target.Identity] = l
	m.mu.Unlock()

	log.WithFields(logrus.Fields{
		"peer":  target.Identity.String(),
		"addr":  addr,
		"usage": usage.String(),
	}).Debug("launching channel")

	// Dial without holding the manager lock so launches to other relays
	// are not stalled behind this one.
	ch, err := m.dial(addr, target.Identity)

	m.mu.Lock()
	delete(m.launches, target.Identity)
	if err == nil {
		m.channels[target.Identity] = ch
		m.usage[target.Identity] = usage
	}
	m.mu.Unlock()

	if err != nil {
		l.err = oops.Wrapf(ErrLaunchFailed, "launch to %s at %s: %v", target.Identity, addr, err)
		close(l.done)
		return nil, l.err
	}
	l.ch = ch
	close(l.done)
	return ch, nil
}

// SetDormancy switches the process-wide activity state. Entering Dormant
// immediately closes channels past the idle timeout.
func (m *Manager) SetDormancy(d Dormancy) {
	m.mu.Lock()
	m.dormancy = d
	m.mu.Unlock()
	if d == Dormant {
		m.CloseIdle()
	}
}

// Dormancy returns the current process-wide activity state.
func (m *Manager) Dormancy() Dormancy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dormancy
}

// CloseIdle closes channels that have not been used within the idle timeout.
// While Active this is a no-op.
func (m *Manager) CloseIdle() {
	m.mu.Lock()
	if m.dormancy != Dormant {
		m.mu.Unlock()
		return
	}
	cutoff := time.Now().Add(-m.idleTimeout)
	var victims []*Channel
	for id, ch := range m.channels {
		if !ch.Alive() || ch.LastUsed().Before(cutoff) {
			victims = append(victims, ch)
			delete(m.channels, id)
			delete(m.usage, id)
		}
	}
	m.mu.Unlock()

	for _, ch := range victims {
		ch.Close()
	}
	if len(victims) > 0 {
		log.WithField("closed", len(victims)).Debug("closed idle channels")
	}
}

// Close tears down every channel the manager holds.
func (m *Manager) Close() {
	m.mu.Lock()
	channels := m.channels
	m.channels = make(map[relay.Identity]*Channel)
	m.usage = make(map[relay.Identity]Usage)
	m.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
}
