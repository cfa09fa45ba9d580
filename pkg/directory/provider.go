package directory

import (
	"errors"
	"sync"
)

// ErrNoDirectory indicates that no network directory has been installed yet.
var ErrNoDirectory = errors.New("no network directory available")

// Timeliness says how fresh a snapshot the caller is willing to accept.
type Timeliness uint8

const (
	// Timely requires a snapshot that has been installed; staleness
	// checking is the installer's responsibility.
	Timely Timeliness = iota
	// Unchecked accepts whatever snapshot is held, however old.
	Unchecked
)

// Event is a directory-change notification.
type Event uint8

const (
	// EventNewSnapshot fires after a snapshot replacement.
	EventNewSnapshot Event = iota
)

// subscriberBacklog bounds each subscriber's undelivered event queue.
const subscriberBacklog = 16

// Subscription is one subscriber's independent, ordered, lossy feed of
// directory-change events. When the backlog is full the newest event is
// dropped (drop-newest): a slow subscriber silently misses intermediate
// events rather than blocking the publisher.
type Subscription struct {
	ch chan Event

	mu     sync.Mutex
	closed bool
}

// Events returns the subscription's receive channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription. Pending events are discarded.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		// Backlog full: drop this event rather than block the publisher.
		log.WithField("backlog", subscriberBacklog).Debug("directory subscriber backlog full, dropping event")
	}
}

// Provider holds the current directory snapshot on behalf of every consumer.
// One writer installs snapshots; any number of readers resolve relays against
// the held snapshot without blocking the writer for more than the swap.
type Provider struct {
	mu      sync.RWMutex
	current *Snapshot
	subs    []*Subscription
}

// NewProvider returns a Provider holding no snapshot.
func NewProvider() *Provider {
	return &Provider{}
}

// SetSnapshot atomically replaces the held snapshot and notifies all
// subscribers. The previous snapshot stays valid for readers that already
// hold a reference to it.
func (p *Provider) SetSnapshot(s *Snapshot) {
	p.mu.Lock()
	p.current = s
	subs := make([]*Subscription, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	log.WithField("relays", s.Len()).WithField("version", s.Version()).Debug("directory snapshot installed")

	for _, sub := range subs {
		sub.publish(EventNewSnapshot)
	}
}

// Snapshot returns the held snapshot, or ErrNoDirectory if none has been
// installed.
func (p *Provider) Snapshot(_ Timeliness) (*Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return nil, ErrNoDirectory
	}
	return p.current, nil
}

// Subscribe registers a new independent event feed. The caller should Close
// the subscription when done with it.
func (p *Provider) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan Event, subscriberBacklog)}
	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
	return sub
}

// Params returns the network parameters of the current snapshot, or defaults
// when no snapshot is held.
func (p *Provider) Params() Params {
	if s, err := p.Snapshot(Unchecked); err == nil {
		return s.Params()
	}
	return DefaultParams()
}
