// Package circuit builds and extends anonymity circuits hop by hop and
// carries relay cells across them with per-hop onion encryption.
package circuit

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"

	"github.com/ligun0805/onionpath/pkg/cell"
	"github.com/ligun0805/onionpath/pkg/channel"
	"github.com/ligun0805/onionpath/pkg/crypto"
	"github.com/ligun0805/onionpath/pkg/relay"
)

// State is a circuit build state.
type State uint8

const (
	NoCircuit State = iota
	FirstHopPending
	FirstHopEstablished
	ExtendPending
	Extended
	Ready
)

func (s State) String() string {
	switch s {
	case NoCircuit:
		return "no-circuit"
	case FirstHopPending:
		return "first-hop-pending"
	case FirstHopEstablished:
		return "first-hop-established"
	case ExtendPending:
		return "extend-pending"
	case Extended:
		return "extended"
	case Ready:
		return "ready"
	}
	return "unknown"
}

// Link is the slice of a channel a circuit needs: sending cells and an
// inbound queue keyed by circuit ID.
type Link interface {
	Send(*cell.Cell) error
	Register(circID uint32) <-chan *cell.Cell
	Release(circID uint32)
}

// handshaker abstracts the per-hop handshake so circuit construction can be
// exercised without real key material.
type handshaker interface {
	Payload() []byte
	Finish(reply []byte) (*crypto.HopKeys, error)
}

// hop is one established hop: the relay it runs through and the onion-layer
// ciphers for each direction.
type hop struct {
	id  relay.Identity
	fwd *crypto.LayerCrypto
	bwd *crypto.LayerCrypto
}

// circuitSendmeWindow is the circuit-level flow-control increment: one
// SENDME per this many delivered DATA cells.
const circuitSendmeWindow = 100

// Circuit is one anonymity circuit. Hops are append-only: a failed extension
// never removes established hops. Extension calls on the same circuit must
// be serialized by the caller; relay-cell sends are internally synchronized.
type Circuit struct {
	id     uuid.UUID
	circID uint32
	link   Link
	queue  <-chan *cell.Cell

	state State
	hops  []*hop

	cc            *CongestionControl
	packageWindow int32
	deliverWindow int32

	sendMu    sync.Mutex
	closeOnce sync.Once
}

// newCircuit registers a fresh circuit shell on the link. The congestion
// control record must already be validated.
func newCircuit(link Link, cc *CongestionControl) (*Circuit, error) {
	circID, err := newCircID()
	if err != nil {
		return nil, err
	}
	c := &Circuit{
		id:            uuid.New(),
		circID:        circID,
		link:          link,
		cc:            cc,
		state:         NoCircuit,
		packageWindow: int32(cc.FixedWindow.Start),
		deliverWindow: int32(cc.FixedWindow.Start),
	}
	c.queue = link.Register(circID)
	return c, nil
}

// newCircID picks a random circuit ID with the MSB set, as the initiating
// side must under link protocol v4+.
func newCircID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, oops.Wrapf(err, "generate circuit id")
	}
	return binary.BigEndian.Uint32(buf[:]) | 0x80000000, nil
}

// ID returns the circuit's correlation ID used in logs.
func (c *Circuit) ID() uuid.UUID { return c.id }

// CircID returns the wire-level circuit ID on the channel.
func (c *Circuit) CircID() uint32 { return c.circID }

// State returns the circuit's build state.
func (c *Circuit) State() State { return c.state }

// Hops returns the identities of the established hops in order.
func (c *Circuit) Hops() []relay.Identity {
	out := make([]relay.Identity, len(c.hops))
	for i, h := range c.hops {
		out[i] = h.id
	}
	return out
}

// Len returns the number of established hops.
func (c *Circuit) Len() int { return len(c.hops) }

// createFirstHop performs the CREATE2/CREATED2 exchange with the first
// relay. On success the circuit is Ready with exactly one hop.
func (c *Circuit) createFirstHop(target *relay.Descriptor, hs handshaker) error {
	c.state = FirstHopPending

	payload := handshakePayload(hs.Payload())
	err := c.link.Send(&cell.Cell{
		CircID:  c.circID,
		Command: cell.Create2,
		Body:    payload,
	})
	if err != nil {
		c.state = NoCircuit
		return oops.Wrapf(err, "send CREATE2")
	}

	resp, err := c.recvCellExpect(cell.Created2)
	if err != nil {
		c.state = NoCircuit
		return err
	}
	hdata, err := parseHandshakeReply(resp.Body)
	if err != nil {
		c.state = NoCircuit
		return err
	}

	keys, err := hs.Finish(hdata)
	if err != nil {
		c.state = NoCircuit
		return err
	}
	h, err := newHop(target.Identity, keys)
	if err != nil {
		c.state = NoCircuit
		return err
	}
	c.hops = append(c.hops, h)
	c.state = FirstHopEstablished

	log.WithFields(logrus.Fields{
		"circuit": c.id.String(),
		"relay":   target.Identity.String(),
	}).Debug("first hop established")

	c.state = Ready
	return nil
}

// extendTo appends one hop via EXTEND2/EXTENDED2 through the existing
// circuit. addr is the new relay's OR address used in the link specifier. On
// any failure the established hops are left untouched.
func (c *Circuit) extendTo(target *relay.Descriptor, hs handshaker, addr string) error {
	c.state = ExtendPending
	defer func() {
		// Whatever happened, the circuit stays usable at its current
		// hop count.
		c.state = Ready
	}()

	body, err := extend2Body(target.Identity, addr, hs.Payload())
	if err != nil {
		return err
	}
	if err := c.SendRelay(cell.RelayExtend2, 0, body, true); err != nil {
		return oops.Wrapf(err, "send EXTEND2")
	}

	rc, err := c.RecvRelay()
	if err != nil {
		return oops.Wrapf(err, "recv EXTENDED2")
	}
	if rc.Command == cell.RelayTruncated {
		reason := cell.DestroyReason(0)
		if len(rc.Data) > 0 {
			reason = cell.DestroyReason(rc.Data[0])
		}
		return oops.Errorf("circuit truncated: %s", reason)
	}
	if rc.Command != cell.RelayExtended2 {
		return oops.Errorf("expected EXTENDED2, got %s", rc.Command)
	}

	hdata, err := parseHandshakeReply(rc.Data)
	if err != nil {
		return err
	}
	keys, err := hs.Finish(hdata)
	if err != nil {
		return err
	}
	h, err := newHop(target.Identity, keys)
	if err != nil {
		return err
	}
	c.hops = append(c.hops, h)
	c.state = Extended

	log.WithFields(logrus.Fields{
		"circuit": c.id.String(),
		"relay":   target.Identity.String(),
		"hops":    len(c.hops),
	}).Debug("circuit extended")
	return nil
}

// handshakePayload frames an ntor client payload as CREATE2 HDATA:
// HTYPE(2)=0x0002 | HLEN(2) | HDATA.
func handshakePayload(hdata []byte) []byte {
	out := make([]byte, 4+len(hdata))
	binary.BigEndian.PutUint16(out[0:2], 0x0002)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(hdata)))
	copy(out[4:], hdata)
	return out
}

// parseHandshakeReply extracts HDATA from a CREATED2/EXTENDED2 body:
// HLEN(2) | HDATA(HLEN).
func parseHandshakeReply(body []byte) ([]byte, error) {
	if len(body) < 2 {
		return nil, oops.Errorf("handshake reply too short")
	}
	hlen := int(binary.BigEndian.Uint16(body[0:2]))
	if len(body) < 2+hlen {
		return nil, oops.Errorf("handshake reply truncated: have %d of %d", len(body)-2, hlen)
	}
	return body[2 : 2+hlen], nil
}

// extend2Body builds the EXTEND2 relay body: link specifiers for the new
// relay (address and legacy identity) followed by the framed handshake.
func extend2Body(id relay.Identity, addr string, hdata []byte) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, oops.Wrapf(err, "relay address %q", addr)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, oops.Errorf("relay address %q is not an IP", host)
	}

	var addrSpec []byte
	if ip4 := ip.To4(); ip4 != nil {
		addrSpec = make([]byte, 8)
		addrSpec[0] = 0x00 // IPv4 link specifier
		addrSpec[1] = 6
		copy(addrSpec[2:6], ip4)
		binary.BigEndian.PutUint16(addrSpec[6:8], port)
	} else {
		addrSpec = make([]byte, 20)
		addrSpec[0] = 0x01 // IPv6 link specifier
		addrSpec[1] = 18
		copy(addrSpec[2:18], ip.To16())
		binary.BigEndian.PutUint16(addrSpec[18:20], port)
	}

	idSpec := make([]byte, 2+relay.IdentityLen)
	idSpec[0] = 0x02 // legacy identity link specifier
	idSpec[1] = relay.IdentityLen
	copy(idSpec[2:], id[:])

	body := make([]byte, 0, 1+len(addrSpec)+len(idSpec)+4+len(hdata))
	body = append(body, 2) // NSPEC
	body = append(body, addrSpec...)
	body = append(body, idSpec...)
	body = append(body, handshakePayload(hdata)...)
	return body, nil
}

func parsePort(s string) (uint16, error) {
	var p int
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, oops.Errorf("bad port %q", s)
		}
		p = p*10 + int(r-'0')
		if p > 65535 {
			return 0, oops.Errorf("bad port %q", s)
		}
	}
	if len(s) == 0 {
		return 0, oops.Errorf("empty port")
	}
	return uint16(p), nil
}

func newHop(id relay.Identity, keys *crypto.HopKeys) (*hop, error) {
	fwd, err := crypto.NewLayerCrypto(keys.ForwardKey, keys.ForwardDigest)
	if err != nil {
		return nil, err
	}
	bwd, err := crypto.NewLayerCrypto(keys.BackwardKey, keys.BackwardDigest)
	if err != nil {
		return nil, err
	}
	return &hop{id: id, fwd: fwd, bwd: bwd}, nil
}

// SendRelay packs, digests, onion-encrypts, and sends one relay cell
// addressed to the last hop. early selects RELAY_EARLY, required for
// EXTEND2.
func (c *Circuit) SendRelay(cmd cell.RelayCommand, streamID uint16, data []byte, early bool) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if len(c.hops) == 0 {
		return ErrNoCircuit
	}

	rc := &cell.RelayCell{Command: cmd, StreamID: streamID, Data: data}
	body := rc.Pack()

	// The digest field covers the cell with the field itself zeroed.
	last := c.hops[len(c.hops)-1]
	last.fwd.Absorb(body)
	digest := last.fwd.Sum()
	copy(body[5:9], digest[:4])

	for i := len(c.hops) - 1; i >= 0; i-- {
		c.hops[i].fwd.Crypt(body)
	}

	command := cell.Relay
	if early {
		command = cell.RelayEarly
	}
	if err := c.link.Send(&cell.Cell{CircID: c.circID, Command: command, Body: body}); err != nil {
		return err
	}
	if cmd == cell.RelayData {
		c.packageWindow--
	}
	return nil
}

// RecvRelay blocks for the next inbound relay cell addressed to us, peeling
// one onion layer per hop and verifying the running digest. DATA cells are
// counted against the delivery window and acknowledged with circuit-level
// SENDMEs.
func (c *Circuit) RecvRelay() (*cell.RelayCell, error) {
	for {
		msg, err := c.recvCell()
		if err != nil {
			return nil, err
		}
		if msg.Command != cell.Relay && msg.Command != cell.RelayEarly {
			log.WithField("command", msg.Command.String()).Debug("ignoring non-relay cell on circuit")
			continue
		}

		rc, err := c.peel(msg.Body)
		if err != nil {
			return nil, err
		}

		switch {
		case rc.Command == cell.RelayData:
			if err := c.noteDelivered(); err != nil {
				return nil, err
			}
		case rc.Command == cell.RelaySendme && rc.StreamID == 0:
			// Circuit-level acknowledgment: reopen the package
			// window and keep reading.
			c.packageWindow += circuitSendmeWindow
			continue
		}
		return rc, nil
	}
}

// peel removes backward onion layers until some hop recognizes the cell.
func (c *Circuit) peel(body []byte) (*cell.RelayCell, error) {
	for _, h := range c.hops {
		h.bwd.Crypt(body)

		if binary.BigEndian.Uint16(body[1:3]) != 0 {
			continue
		}

		// Candidate: verify the digest with the field zeroed, rolling
		// the running digest back if this hop is not the origin.
		snapshot, err := h.bwd.SnapshotDigest()
		if err != nil {
			return nil, err
		}
		received := binary.BigEndian.Uint32(body[5:9])
		binary.BigEndian.PutUint32(body[5:9], 0)
		h.bwd.Absorb(body)
		computed := binary.BigEndian.Uint32(h.bwd.Sum()[:4])
		binary.BigEndian.PutUint32(body[5:9], received)

		if computed == received {
			return cell.UnpackRelay(body)
		}
		if err := h.bwd.RestoreDigest(snapshot); err != nil {
			return nil, err
		}
	}
	return nil, ErrUnrecognized
}

// noteDelivered decrements the delivery window and acknowledges a full
// SENDME increment when due.
func (c *Circuit) noteDelivered() error {
	c.deliverWindow--
	if c.deliverWindow > int32(c.cc.FixedWindow.Start)-circuitSendmeWindow {
		return nil
	}
	if err := c.sendCircuitSendme(); err != nil {
		return oops.Wrapf(err, "send circuit SENDME")
	}
	c.deliverWindow += circuitSendmeWindow
	return nil
}

// sendCircuitSendme sends an authenticated (version 1) circuit-level SENDME
// carrying the current backward digest.
func (c *Circuit) sendCircuitSendme() error {
	last := c.hops[len(c.hops)-1]
	digest := last.bwd.Sum()

	data := make([]byte, 3+crypto.DigestLen)
	data[0] = 0x01
	binary.BigEndian.PutUint16(data[1:3], crypto.DigestLen)
	copy(data[3:], digest[:crypto.DigestLen])

	return c.SendRelay(cell.RelaySendme, 0, data, false)
}

// recvCell takes the next cell off the dispatch queue, skipping padding and
// turning DESTROY into an error.
func (c *Circuit) recvCell() (*cell.Cell, error) {
	for {
		msg, ok := <-c.queue
		if !ok {
			return nil, channel.ErrClosed
		}
		switch msg.Command {
		case cell.Padding, cell.Vpadding:
			continue
		case cell.Destroy:
			reason := cell.DestroyReason(0)
			if len(msg.Body) > 0 {
				reason = cell.DestroyReason(msg.Body[0])
			}
			return nil, oops.Wrapf(ErrDestroyed, "reason %s", reason)
		default:
			return msg, nil
		}
	}
}

// recvCellExpect reads the next meaningful cell and requires it to carry the
// expected command.
func (c *Circuit) recvCellExpect(expected cell.Command) (*cell.Cell, error) {
	msg, err := c.recvCell()
	if err != nil {
		return nil, err
	}
	if msg.Command != expected {
		return nil, oops.Errorf("expected %s, got %s", expected, msg.Command)
	}
	return msg, nil
}

// Destroy tears the circuit down at the relay and releases it locally.
func (c *Circuit) Destroy() error {
	body := make([]byte, cell.BodyLen)
	body[0] = byte(cell.DestroyFinished)
	err := c.link.Send(&cell.Cell{CircID: c.circID, Command: cell.Destroy, Body: body})
	c.Close()
	return err
}

// Close releases the circuit's inbound queue. It does not notify the relay;
// use Destroy for an orderly teardown.
func (c *Circuit) Close() {
	c.closeOnce.Do(func() {
		c.link.Release(c.circID)
	})
}
