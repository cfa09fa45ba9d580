// Package channel manages secure links to relays. A Channel wraps one
// negotiated TLS connection; its dispatch loop runs for the Channel's
// lifetime, routing inbound cells to per-circuit queues. The Manager keeps at
// most one live Channel per relay identity.
package channel

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ligun0805/onionpath/pkg/cell"
	"github.com/ligun0805/onionpath/pkg/relay"
)

// circuitQueueLen bounds each circuit's inbound cell queue. Circuit-level
// flow control keeps the number of unacknowledged cells below this, so a
// full queue means the consumer has stalled.
const circuitQueueLen = 1024

// Channel is one live link to a relay. Outbound cells go through Send;
// inbound cells are routed by the dispatch loop to the queue registered for
// their circuit ID. The dispatch loop is started with Start and runs until
// the connection fails or Close is called; its termination is observable via
// Done.
type Channel struct {
	conn    net.Conn
	peer    relay.Identity
	version uint16

	sendMu sync.Mutex

	mu       sync.Mutex
	circuits map[uint32]chan *cell.Cell
	lastUsed time.Time
	err      error

	done      chan struct{}
	closeOnce sync.Once
}

// New wraps an already-negotiated connection as a Channel. Start must be
// called to begin dispatching inbound cells.
func New(conn net.Conn, peer relay.Identity, version uint16) *Channel {
	return &Channel{
		conn:     conn,
		peer:     peer,
		version:  version,
		circuits: make(map[uint32]chan *cell.Cell),
		lastUsed: time.Now(),
		done:     make(chan struct{}),
	}
}

// Peer returns the relay identity this channel is pinned to.
func (ch *Channel) Peer() relay.Identity { return ch.peer }

// Version returns the negotiated link protocol version.
func (ch *Channel) Version() uint16 { return ch.version }

// RemoteAddr returns the relay's network address.
func (ch *Channel) RemoteAddr() net.Addr { return ch.conn.RemoteAddr() }

// Start launches the dispatch loop as a background worker. The loop's
// failure does not propagate to any foreground call; observe it through Done
// and Err.
func (ch *Channel) Start() {
	go ch.run()
}

func (ch *Channel) run() {
	for {
		c, err := cell.Read(ch.conn)
		if err != nil {
			ch.shutdown(err)
			return
		}
		ch.dispatch(c)
	}
}

func (ch *Channel) dispatch(c *cell.Cell) {
	if c.CircID == 0 {
		// Link-level cells after negotiation: padding and friends.
		log.WithField("command", c.Command.String()).Debug("dropping link-level cell")
		return
	}

	// The non-blocking send happens under mu so a concurrent Release
	// cannot close the queue out from under it.
	ch.mu.Lock()
	defer ch.mu.Unlock()
	q, ok := ch.circuits[c.CircID]
	if !ok {
		log.WithFields(logrus.Fields{
			"circ_id": c.CircID,
			"command": c.Command.String(),
		}).Debug("cell for unregistered circuit")
		return
	}

	select {
	case q <- c:
	default:
		log.WithField("circ_id", c.CircID).Warn("circuit queue full, dropping cell")
	}
}

// Register creates the inbound queue for a circuit ID. Cells arriving for
// that ID are delivered to the returned channel until Release or channel
// shutdown, either of which closes it.
func (ch *Channel) Register(circID uint32) <-chan *cell.Cell {
	q := make(chan *cell.Cell, circuitQueueLen)
	ch.mu.Lock()
	ch.circuits[circID] = q
	ch.mu.Unlock()
	return q
}

// Release drops a circuit's queue and closes it.
func (ch *Channel) Release(circID uint32) {
	ch.mu.Lock()
	q, ok := ch.circuits[circID]
	delete(ch.circuits, circID)
	ch.mu.Unlock()
	if ok {
		close(q)
	}
}

// Send writes a cell to the relay. Safe for concurrent use.
func (ch *Channel) Send(c *cell.Cell) error {
	select {
	case <-ch.done:
		return ErrClosed
	default:
	}

	ch.mu.Lock()
	ch.lastUsed = time.Now()
	ch.mu.Unlock()

	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	return cell.Write(ch.conn, c)
}

// Done is closed when the dispatch loop has terminated.
func (ch *Channel) Done() <-chan struct{} { return ch.done }

// Err returns the cause of termination after Done is closed. A deliberate
// Close reports ErrClosed; a clean remote close reports io.EOF wrapped the
// same way.
func (ch *Channel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.err
}

// Alive reports whether the dispatch loop is still running.
func (ch *Channel) Alive() bool {
	select {
	case <-ch.done:
		return false
	default:
		return true
	}
}

// LastUsed returns the time of the last Send on this channel.
func (ch *Channel) LastUsed() time.Time {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.lastUsed
}

// Close tears the channel down and terminates the dispatch loop.
func (ch *Channel) Close() error {
	ch.shutdown(ErrClosed)
	return nil
}

func (ch *Channel) shutdown(cause error) {
	ch.closeOnce.Do(func() {
		ch.mu.Lock()
		if errors.Is(cause, io.EOF) {
			cause = ErrClosed
		}
		ch.err = cause
		queues := ch.circuits
		ch.circuits = make(map[uint32]chan *cell.Cell)
		ch.mu.Unlock()

		ch.conn.Close()
		close(ch.done)
		for _, q := range queues {
			close(q)
		}

		if cause != ErrClosed {
			log.WithField("peer", ch.peer.String()).WithError(cause).Warn("channel terminated")
		} else {
			log.WithField("peer", ch.peer.String()).Debug("channel closed")
		}
	})
}
