package circuit

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/onionpath/pkg/cell"
	"github.com/ligun0805/onionpath/pkg/crypto"
	"github.com/ligun0805/onionpath/pkg/directory"
	"github.com/ligun0805/onionpath/pkg/relay"
)

const (
	fpA = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	fpB = "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
	fpZ = "1111111111111111111111111111111111111111"
)

// fakeLink satisfies Link with in-memory queues.
type fakeLink struct {
	out chan *cell.Cell
	in  chan *cell.Cell

	mu       sync.Mutex
	released bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		out: make(chan *cell.Cell, 32),
		in:  make(chan *cell.Cell, 32),
	}
}

func (l *fakeLink) Send(c *cell.Cell) error           { l.out <- c; return nil }
func (l *fakeLink) Register(uint32) <-chan *cell.Cell { return l.in }
func (l *fakeLink) Release(uint32) {
	l.mu.Lock()
	l.released = true
	l.mu.Unlock()
}

func (l *fakeLink) wasReleased() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// stubHandshake derives hop keys straight from the reply, so the fake relay
// can agree on keys by choosing the reply bytes.
type stubHandshake struct {
	failFinish bool
}

func (s *stubHandshake) Payload() []byte {
	return bytes.Repeat([]byte{0x5A}, crypto.ClientPayloadLen)
}

func (s *stubHandshake) Finish(reply []byte) (*crypto.HopKeys, error) {
	if s.failFinish {
		return nil, oops.Errorf("handshake rejected")
	}
	if len(reply) < crypto.SeedLen {
		return nil, oops.Errorf("reply too short")
	}
	return crypto.DeriveHopKeys(reply[:crypto.SeedLen]), nil
}

// fakeRelaySide plays the network side of a circuit: it answers CREATE2 and
// EXTEND2 and mirrors the onion-layer ciphers the client derives.
type fakeRelaySide struct {
	t    *testing.T
	link *fakeLink

	mu         sync.Mutex
	fwd, bwd   []*crypto.LayerCrypto
	rejectNext bool
	stopped    chan struct{}
}

func newFakeRelaySide(t *testing.T, link *fakeLink) *fakeRelaySide {
	r := &fakeRelaySide{t: t, link: link, stopped: make(chan struct{})}
	go r.serve()
	t.Cleanup(func() {
		close(link.out)
		<-r.stopped
	})
	return r
}

// hopSeed is the handshake reply seed used for the nth hop.
func hopSeed(n int) []byte {
	return bytes.Repeat([]byte{0xA0 + byte(n)}, crypto.SeedLen)
}

func (r *fakeRelaySide) addHop() []byte {
	seed := hopSeed(len(r.fwd))
	keys := crypto.DeriveHopKeys(seed)
	fwd, err := crypto.NewLayerCrypto(keys.ForwardKey, keys.ForwardDigest)
	require.NoError(r.t, err)
	bwd, err := crypto.NewLayerCrypto(keys.BackwardKey, keys.BackwardDigest)
	require.NoError(r.t, err)
	r.fwd = append(r.fwd, fwd)
	r.bwd = append(r.bwd, bwd)

	reply := make([]byte, crypto.ServerReplyLen)
	copy(reply, seed)
	return reply
}

func (r *fakeRelaySide) serve() {
	defer close(r.stopped)
	for c := range r.link.out {
		r.mu.Lock()
		switch c.Command {
		case cell.Create2:
			reply := r.addHop()
			body := make([]byte, 2+len(reply))
			binary.BigEndian.PutUint16(body, uint16(len(reply)))
			copy(body[2:], reply)
			r.link.in <- &cell.Cell{CircID: c.CircID, Command: cell.Created2, Body: body}

		case cell.Relay, cell.RelayEarly:
			body := c.Body
			for _, f := range r.fwd {
				f.Crypt(body)
			}
			rc, err := cell.UnpackRelay(body)
			require.NoError(r.t, err)
			r.handleRelay(c.CircID, rc)

		case cell.Destroy:
		}
		r.mu.Unlock()
	}
}

func (r *fakeRelaySide) handleRelay(circID uint32, rc *cell.RelayCell) {
	switch rc.Command {
	case cell.RelayExtend2:
		if r.rejectNext {
			r.rejectNext = false
			r.replyRelay(circID, &cell.RelayCell{
				Command: cell.RelayTruncated,
				Data:    []byte{byte(cell.DestroyConnectFailed)},
			})
			return
		}
		reply := r.addHop()
		data := make([]byte, 2+len(reply))
		binary.BigEndian.PutUint16(data, uint16(len(reply)))
		copy(data[2:], reply)
		r.replyRelay(circID, &cell.RelayCell{Command: cell.RelayExtended2, Data: data})

	case cell.RelayData:
		r.replyRelay(circID, &cell.RelayCell{
			Command:  cell.RelayData,
			StreamID: rc.StreamID,
			Data:     rc.Data,
		})
	}
}

// replyRelay builds a backward relay cell from the last hop: digest from
// that hop's backward state, then every hop's backward layer applied.
func (r *fakeRelaySide) replyRelay(circID uint32, rc *cell.RelayCell) {
	body := rc.Pack()
	last := len(r.bwd) - 1

	r.bwd[last].Absorb(body)
	copy(body[5:9], r.bwd[last].Sum()[:4])

	for i := last; i >= 0; i-- {
		r.bwd[i].Crypt(body)
	}
	r.link.in <- &cell.Cell{CircID: circID, Command: cell.Relay, Body: body}
}

func testSnapshot(t *testing.T) *directory.Snapshot {
	t.Helper()
	var descs []*relay.Descriptor
	for _, fp := range []string{fpA, fpB} {
		id, err := relay.ParseIdentity(fp)
		require.NoError(t, err)
		descs = append(descs, &relay.Descriptor{
			Identity:     id,
			Addrs:        []string{"192.0.2.10:9001"},
			Flags:        relay.FlagFast | relay.FlagRunning,
			NtorOnionKey: bytes.Repeat([]byte{7}, 32),
		})
	}
	return directory.NewSnapshot(1, time.Now(), time.Now().Add(time.Hour), descs, nil)
}

func newTestManager(t *testing.T, link *fakeLink) *Manager {
	t.Helper()
	dir := directory.NewProvider()
	dir.SetSnapshot(testSnapshot(t))
	return &Manager{
		dir: dir,
		getLink: func(*relay.Descriptor) (Link, error) {
			return link, nil
		},
		newHandshake: func(*relay.Descriptor) (handshaker, error) {
			return &stubHandshake{}, nil
		},
	}
}

func TestExtendWithoutCreate(t *testing.T) {
	m := newTestManager(t, newFakeLink())

	_, err := m.Extend("", 0, fpB)
	assert.ErrorIs(t, err, ErrNoCircuitToExtend)

	_, err = m.Circuit()
	assert.ErrorIs(t, err, ErrNoCircuit)
}

func TestCreateInvalidFingerprint(t *testing.T) {
	m := newTestManager(t, newFakeLink())

	for _, fp := range []string{"", "zz", "ABCD", fpA + "00"} {
		_, err := m.Create("", 0, fp)
		assert.ErrorIs(t, err, relay.ErrInvalidFingerprint, "fingerprint %q", fp)
	}
}

func TestCreateNoDirectory(t *testing.T) {
	m := newTestManager(t, newFakeLink())
	m.dir = directory.NewProvider()

	_, err := m.Create("", 0, fpA)
	assert.ErrorIs(t, err, directory.ErrNoDirectory)
}

func TestCreateUnknownRelay(t *testing.T) {
	m := newTestManager(t, newFakeLink())

	_, err := m.Create("", 0, fpZ)
	assert.ErrorIs(t, err, ErrRelayNotFound)
}

func TestCreateFingerprintWhitespace(t *testing.T) {
	link := newFakeLink()
	newFakeRelaySide(t, link)
	m := newTestManager(t, link)

	// Internal whitespace is accepted and stripped.
	spaced := "AAAA AAAA\tAAAAAAAAAAAA AAAAAAAAAAAAAAAAAAAA"
	circ, err := m.Create("", 0, spaced)
	require.NoError(t, err)
	idA, _ := relay.ParseIdentity(fpA)
	assert.Equal(t, []relay.Identity{idA}, circ.Hops())
}

func TestCreateAndExtend(t *testing.T) {
	link := newFakeLink()
	newFakeRelaySide(t, link)
	m := newTestManager(t, link)

	circ, err := m.Create("192.0.2.1", 9001, fpA)
	require.NoError(t, err)
	assert.Equal(t, Ready, circ.State())
	assert.Equal(t, 1, circ.Len())

	got, err := m.Circuit()
	require.NoError(t, err)
	assert.Same(t, circ, got)

	ext, err := m.Extend("192.0.2.2", 9001, fpB)
	require.NoError(t, err)
	assert.Same(t, circ, ext)
	assert.Equal(t, 2, circ.Len())
	assert.Equal(t, Ready, circ.State())

	idA, _ := relay.ParseIdentity(fpA)
	idB, _ := relay.ParseIdentity(fpB)
	assert.Equal(t, []relay.Identity{idA, idB}, circ.Hops())

	// Unknown relay: RelayNotFound, hops untouched.
	_, err = m.Extend("", 0, fpZ)
	assert.ErrorIs(t, err, ErrRelayNotFound)
	assert.Equal(t, []relay.Identity{idA, idB}, circ.Hops())
}

func TestCreateHandshakeFailed(t *testing.T) {
	link := newFakeLink()
	newFakeRelaySide(t, link)
	m := newTestManager(t, link)
	m.newHandshake = func(*relay.Descriptor) (handshaker, error) {
		return &stubHandshake{failFinish: true}, nil
	}

	_, err := m.Create("", 0, fpA)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Contains(t, err.Error(), fpA)

	_, err = m.Circuit()
	assert.ErrorIs(t, err, ErrNoCircuit)
	assert.True(t, link.wasReleased())
}

func TestExtendFailureKeepsHops(t *testing.T) {
	link := newFakeLink()
	fake := newFakeRelaySide(t, link)
	m := newTestManager(t, link)

	circ, err := m.Create("", 0, fpA)
	require.NoError(t, err)
	require.Equal(t, 1, circ.Len())

	fake.mu.Lock()
	fake.rejectNext = true
	fake.mu.Unlock()

	_, err = m.Extend("", 0, fpB)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Equal(t, 1, circ.Len())
	assert.Equal(t, Ready, circ.State())

	// The circuit is still usable: a second attempt succeeds.
	_, err = m.Extend("", 0, fpB)
	require.NoError(t, err)
	assert.Equal(t, 2, circ.Len())
}

func TestRelayDataRoundTrip(t *testing.T) {
	link := newFakeLink()
	newFakeRelaySide(t, link)
	m := newTestManager(t, link)

	circ, err := m.Create("", 0, fpA)
	require.NoError(t, err)
	_, err = m.Extend("", 0, fpB)
	require.NoError(t, err)

	payload := []byte("GET / HTTP/1.1\r\n\r\n")
	require.NoError(t, circ.SendRelay(cell.RelayData, 1, payload, false))

	rc, err := circ.RecvRelay()
	require.NoError(t, err)
	assert.Equal(t, cell.RelayData, rc.Command)
	assert.Equal(t, uint16(1), rc.StreamID)
	assert.Equal(t, payload, rc.Data)

	// A delivered DATA cell counts against the delivery window.
	assert.Equal(t, int32(DefaultCongestionControl().FixedWindow.Start-1), circ.deliverWindow)
}

func TestRecvRelayDestroy(t *testing.T) {
	link := newFakeLink()
	newFakeRelaySide(t, link)
	m := newTestManager(t, link)

	circ, err := m.Create("", 0, fpA)
	require.NoError(t, err)

	link.in <- &cell.Cell{
		CircID:  circ.CircID(),
		Command: cell.Destroy,
		Body:    []byte{byte(cell.DestroyTimeout)},
	}

	_, err = circ.RecvRelay()
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestSendRelayWithoutHops(t *testing.T) {
	circ, err := newCircuit(newFakeLink(), DefaultCongestionControl())
	require.NoError(t, err)

	err = circ.SendRelay(cell.RelayData, 1, []byte("x"), false)
	assert.ErrorIs(t, err, ErrNoCircuit)
}

func TestCircIDHasInitiatorBit(t *testing.T) {
	for i := 0; i < 32; i++ {
		id, err := newCircID()
		require.NoError(t, err)
		assert.NotZero(t, id&0x80000000)
	}
}

func TestExtend2Body(t *testing.T) {
	id, err := relay.ParseIdentity(fpB)
	require.NoError(t, err)
	hdata := bytes.Repeat([]byte{0x11}, crypto.ClientPayloadLen)

	body, err := extend2Body(id, "192.0.2.7:443", hdata)
	require.NoError(t, err)

	assert.Equal(t, byte(2), body[0]) // NSPEC
	// IPv4 link specifier.
	assert.Equal(t, byte(0x00), body[1])
	assert.Equal(t, byte(6), body[2])
	assert.Equal(t, []byte{192, 0, 2, 7}, body[3:7])
	assert.Equal(t, uint16(443), binary.BigEndian.Uint16(body[7:9]))
	// Legacy identity link specifier.
	assert.Equal(t, byte(0x02), body[9])
	assert.Equal(t, byte(relay.IdentityLen), body[10])
	assert.Equal(t, id[:], body[11:31])
	// Framed handshake.
	assert.Equal(t, uint16(0x0002), binary.BigEndian.Uint16(body[31:33]))
	assert.Equal(t, uint16(len(hdata)), binary.BigEndian.Uint16(body[33:35]))
	assert.Equal(t, hdata, body[35:])
}

func TestExtend2BodyIPv6(t *testing.T) {
	id, err := relay.ParseIdentity(fpB)
	require.NoError(t, err)

	body, err := extend2Body(id, "[2001:db8::7]:9001", []byte{1})
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), body[1])
	assert.Equal(t, byte(18), body[2])
}

func TestExtend2BodyBadAddr(t *testing.T) {
	id, err := relay.ParseIdentity(fpB)
	require.NoError(t, err)

	_, err = extend2Body(id, "not-an-ip:9001", []byte{1})
	assert.Error(t, err)
	_, err = extend2Body(id, "192.0.2.1", []byte{1})
	assert.Error(t, err)
	_, err = extend2Body(id, "192.0.2.1:notaport", []byte{1})
	assert.Error(t, err)
}

func TestParseHandshakeReply(t *testing.T) {
	_, err := parseHandshakeReply([]byte{0})
	assert.Error(t, err)

	_, err = parseHandshakeReply([]byte{0, 10, 1, 2})
	assert.Error(t, err)

	got, err := parseHandshakeReply([]byte{0, 2, 0xCA, 0xFE, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xCA, 0xFE}, got)
}

func TestCongestionControlDefaults(t *testing.T) {
	cc := DefaultCongestionControl()
	require.NoError(t, cc.Validate())

	assert.Equal(t, uint32(1000), cc.FixedWindow.Start)
	assert.Equal(t, uint32(100), cc.FixedWindow.Min)
	assert.Equal(t, uint32(1000), cc.FixedWindow.Max)
	assert.Equal(t, uint32(50), cc.RTT.EWMACwndPct)
	assert.Equal(t, uint32(10), cc.RTT.EWMAMax)
	assert.Equal(t, uint32(2), cc.RTT.EWMASSMax)
	assert.Equal(t, uint32(100), cc.RTT.RTTResetPct)
	assert.Equal(t, uint32(124), cc.Cwnd.Init)
	assert.Equal(t, uint32(31), cc.Cwnd.SendmeInc)
}

func TestCongestionControlValidate(t *testing.T) {
	mutations := []func(*CongestionControl){
		func(cc *CongestionControl) { cc.FixedWindow.Min = 0 },
		func(cc *CongestionControl) { cc.FixedWindow.Start = 5000 },
		func(cc *CongestionControl) { cc.RTT.EWMACwndPct = 101 },
		func(cc *CongestionControl) { cc.Cwnd.Init = 1 },
		func(cc *CongestionControl) { cc.Cwnd.SendmeInc = 0 },
	}
	for i, mutate := range mutations {
		cc := DefaultCongestionControl()
		mutate(cc)
		assert.Error(t, cc.Validate(), "mutation %d", i)
	}
}
