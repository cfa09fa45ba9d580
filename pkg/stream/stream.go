// Package stream multiplexes TCP streams over a single circuit, with
// per-stream flow control and RELAY_BEGIN/END lifecycle handling.
package stream

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"

	"github.com/ligun0805/onionpath/pkg/cell"
)

// Circuit is the slice of a circuit the stream layer needs: sending relay
// cells and draining the inbound side.
type Circuit interface {
	SendRelay(cmd cell.RelayCommand, streamID uint16, data []byte, early bool) error
	RecvRelay() (*cell.RelayCell, error)
}

const (
	streamPackageWindow   = 500
	streamDeliverWindow   = 500
	streamSendmeIncrement = 50
	streamSendmeThreshold = streamDeliverWindow - streamSendmeIncrement

	// Clients use REASON_MISC for streams they close themselves.
	endReasonMisc = 1

	streamEventQueueLen = 128
)

// Stream is one TCP stream tunneled through the circuit.
type Stream struct {
	mgr      *Manager
	circ     Circuit
	streamID uint16
	events   chan *cell.RelayCell

	mu     sync.Mutex
	buf    []byte
	closed bool

	packageWindow int
	deliverWindow int
}

// Manager owns the circuit's inbound relay cells and fans them out to the
// streams opened on it.
type Manager struct {
	circ    Circuit
	mu      sync.RWMutex
	streams map[uint16]*Stream
	nextID  uint16
	readErr error
	done    chan struct{}
	once    sync.Once
}

// NewManager starts a stream manager on the circuit. The manager takes over
// the circuit's receive side; nothing else may call RecvRelay afterwards.
func NewManager(circ Circuit) *Manager {
	m := &Manager{
		circ:    circ,
		streams: make(map[uint16]*Stream),
		nextID:  1,
		done:    make(chan struct{}),
	}
	go m.readLoop()
	return m
}

// readLoop pulls relay cells off the circuit and routes them by stream ID.
// Any circuit error tears down every stream.
func (m *Manager) readLoop() {
	for {
		rc, err := m.circ.RecvRelay()
		if err != nil {
			m.failAll(err)
			return
		}

		if rc.StreamID == 0 {
			// Circuit-level SENDMEs are consumed inside RecvRelay;
			// anything else at stream 0 is padding or noise.
			continue
		}

		m.mu.RLock()
		s, ok := m.streams[rc.StreamID]
		if !ok {
			m.mu.RUnlock()
			log.WithField("stream", rc.StreamID).Debug("dropping cell for unknown stream")
			continue
		}

		// Non-blocking while holding RLock so stream removal can't race
		// with a send on a closed channel.
		select {
		case s.events <- rc:
			m.mu.RUnlock()
		default:
			m.mu.RUnlock()
			m.failAll(oops.Errorf("stream %d event queue overflow", rc.StreamID))
			return
		}
	}
}

// OpenStream asks the circuit's last hop to connect to addrPort and returns
// the stream once the relay confirms with RELAY_CONNECTED.
func (m *Manager) OpenStream(addrPort string) (*Stream, error) {
	m.mu.Lock()
	streamID, err := m.allocStreamIDLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	s := &Stream{
		mgr:           m,
		circ:          m.circ,
		streamID:      streamID,
		events:        make(chan *cell.RelayCell, streamEventQueueLen),
		packageWindow: streamPackageWindow,
		deliverWindow: streamDeliverWindow,
	}
	m.streams[streamID] = s
	m.mu.Unlock()

	if err := m.circ.SendRelay(cell.RelayBegin, streamID, beginBody(addrPort), false); err != nil {
		m.removeStream(streamID)
		return nil, oops.Wrapf(err, "send RELAY_BEGIN")
	}

	for {
		rc, err := s.nextEvent(time.Time{})
		if err != nil {
			m.removeStream(streamID)
			return nil, err
		}
		switch rc.Command {
		case cell.RelayConnected:
			log.WithFields(logrus.Fields{
				"stream": streamID,
				"target": addrPort,
			}).Debug("stream connected")
			return s, nil
		case cell.RelayEnd:
			m.removeStream(streamID)
			reason := byte(0)
			if len(rc.Data) > 0 {
				reason = rc.Data[0]
			}
			return nil, oops.Errorf("stream to %s rejected: reason %d", addrPort, reason)
		case cell.RelayData:
			// Data racing ahead of our CONNECTED processing; keep it.
			s.mu.Lock()
			s.buf = append(s.buf, rc.Data...)
			s.mu.Unlock()
		case cell.RelaySendme:
			s.mu.Lock()
			s.packageWindow += streamSendmeIncrement
			s.mu.Unlock()
		}
	}
}

// beginBody frames a RELAY_BEGIN body: ADDRPORT NUL FLAGS(4).
func beginBody(addrPort string) []byte {
	body := make([]byte, 0, len(addrPort)+5)
	body = append(body, addrPort...)
	body = append(body, 0)
	body = append(body, 0, 0, 0, 0)
	return body
}

// Close tears down every stream on the manager. The circuit itself is left
// to its owner.
func (m *Manager) Close() {
	m.failAll(ErrStreamClosed)
}

func (m *Manager) allocStreamIDLocked() (uint16, error) {
	for i := 0; i < 0xFFFF; i++ {
		id := m.nextID
		m.nextID++
		if m.nextID == 0 {
			m.nextID = 1
		}
		if id == 0 {
			continue
		}
		if _, exists := m.streams[id]; !exists {
			return id, nil
		}
	}
	return 0, ErrNoStreamIDs
}

func (m *Manager) removeStream(streamID uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[streamID]; ok {
		delete(m.streams, streamID)
		close(s.events)
	}
}

func (m *Manager) failAll(err error) {
	m.once.Do(func() {
		m.mu.Lock()
		m.readErr = err
		for id, s := range m.streams {
			delete(m.streams, id)
			close(s.events)
		}
		m.mu.Unlock()
		close(m.done)
		log.WithError(err).Debug("stream manager shut down")
	})
}

func (m *Manager) readError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readErr
}

// StreamID returns the stream's ID on the circuit.
func (s *Stream) StreamID() uint16 { return s.streamID }

// Read reads whatever data the exit has delivered, blocking until at least
// one byte is available or the stream ends.
func (s *Stream) Read(p []byte) (int, error) {
	return s.read(p, time.Time{})
}

// Write sends p to the exit, split across relay cells as needed.
func (s *Stream) Write(p []byte) (int, error) {
	return s.write(p, time.Time{})
}

func (s *Stream) read(p []byte, deadline time.Time) (int, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			n := copy(p, s.buf)
			s.buf = s.buf[n:]
			s.deliverWindow--
			ack := s.deliverWindow <= streamSendmeThreshold
			if ack {
				s.deliverWindow += streamSendmeIncrement
			}
			s.mu.Unlock()
			if ack {
				_ = s.circ.SendRelay(cell.RelaySendme, s.streamID, nil, false)
			}
			return n, nil
		}
		if s.closed {
			s.mu.Unlock()
			return 0, io.EOF
		}
		s.mu.Unlock()

		rc, err := s.nextEvent(deadline)
		if err != nil {
			return 0, err
		}
		switch rc.Command {
		case cell.RelayData:
			s.mu.Lock()
			s.buf = append(s.buf, rc.Data...)
			s.mu.Unlock()
		case cell.RelayEnd:
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
		case cell.RelaySendme:
			s.mu.Lock()
			s.packageWindow += streamSendmeIncrement
			s.mu.Unlock()
		}
	}
}

func (s *Stream) write(p []byte, deadline time.Time) (int, error) {
	written := 0
	for written < len(p) {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return written, os.ErrDeadlineExceeded
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return written, ErrStreamClosed
		}
		s.packageWindow--
		s.mu.Unlock()

		chunk := len(p) - written
		if chunk > cell.MaxRelayDataLen {
			chunk = cell.MaxRelayDataLen
		}
		if err := s.circ.SendRelay(cell.RelayData, s.streamID, p[written:written+chunk], false); err != nil {
			return written, oops.Wrapf(err, "send RELAY_DATA")
		}
		written += chunk
	}
	return written, nil
}

// Close ends the stream with RELAY_END and forgets it. Safe to call twice.
func (s *Stream) Close() error {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		s.mgr.removeStream(s.streamID)
		return nil
	}

	err := s.circ.SendRelay(cell.RelayEnd, s.streamID, []byte{endReasonMisc}, false)
	s.mgr.removeStream(s.streamID)
	return err
}

// nextEvent waits for the stream's next relay cell. A zero deadline blocks
// indefinitely. A closed event channel means the stream was removed or the
// whole manager failed.
func (s *Stream) nextEvent(deadline time.Time) (*cell.RelayCell, error) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}

	select {
	case rc, ok := <-s.events:
		if !ok {
			if err := s.mgr.readError(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return rc, nil
	case <-timeout:
		return nil, os.ErrDeadlineExceeded
	}
}
