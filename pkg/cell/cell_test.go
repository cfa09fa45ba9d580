package cell

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandVariable(t *testing.T) {
	tests := []struct {
		cmd      Command
		variable bool
	}{
		{Padding, false},
		{Create2, false},
		{Created2, false},
		{Relay, false},
		{RelayEarly, false},
		{Destroy, false},
		{Netinfo, false},
		{Versions, true},
		{Vpadding, true},
		{Certs, true},
		{AuthChallenge, true},
		{Authenticate, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.variable, tt.cmd.Variable(), "%s", tt.cmd)
	}
}

func TestFixedCellWire(t *testing.T) {
	c := &Cell{
		CircID:  0x80000001,
		Command: Create2,
		Body:    bytes.Repeat([]byte{0xAB}, 100),
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, c))
	require.Equal(t, FixedLen, buf.Len())

	wire := buf.Bytes()
	assert.Equal(t, []byte{0x80, 0x00, 0x00, 0x01}, wire[0:4])
	assert.Equal(t, byte(Create2), wire[4])

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, c.CircID, got.CircID)
	assert.Equal(t, Create2, got.Command)
	require.Len(t, got.Body, BodyLen)
	assert.Equal(t, c.Body, got.Body[:100])
	// Everything past the payload is zero padding.
	assert.Equal(t, make([]byte, BodyLen-100), got.Body[100:])
}

func TestVariableCellWire(t *testing.T) {
	body := []byte("certificate bytes")
	c := &Cell{CircID: 0, Command: Certs, Body: body}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, c))
	require.Equal(t, 7+len(body), buf.Len())

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, Certs, got.Command)
	assert.Equal(t, body, got.Body)
}

func TestReadTruncatedCell(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &Cell{CircID: 1, Command: Relay}))

	short := bytes.NewReader(buf.Bytes()[:FixedLen-9])
	_, err := Read(short)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestVersionsWire(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteVersions(&buf, []uint16{3, 4, 5}))

	// 2-byte circID, command, 2-byte length, three versions.
	require.Equal(t, 11, buf.Len())
	assert.Equal(t, []byte{0, 0, byte(Versions), 0, 6, 0, 3, 0, 4, 0, 5}, buf.Bytes())

	got, err := ReadVersions(&buf)
	require.NoError(t, err)
	assert.Equal(t, []uint16{3, 4, 5}, got)
}

func TestReadVersionsRejectsOtherCommand(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &Cell{CircID: 0, Command: Certs, Body: []byte{0}}))

	_, err := ReadVersions(&buf)
	assert.Error(t, err)
}

func TestParseVersionsOddLength(t *testing.T) {
	_, err := ParseVersions([]byte{0x00, 0x03, 0x00})
	assert.Error(t, err)
}

func TestRelayCellPack(t *testing.T) {
	rc := &RelayCell{
		Command:  RelayBegin,
		StreamID: 42,
		Digest:   0xDEADBEEF,
		Data:     []byte("www.example.com:80\x00"),
	}

	body := rc.Pack()
	require.Len(t, body, BodyLen)

	got, err := UnpackRelay(body)
	require.NoError(t, err)
	assert.Equal(t, RelayBegin, got.Command)
	assert.Equal(t, uint16(0), got.Recognized)
	assert.Equal(t, uint16(42), got.StreamID)
	assert.Equal(t, uint32(0xDEADBEEF), got.Digest)
	assert.Equal(t, rc.Data, got.Data)
}

func TestRelayCellEmptyData(t *testing.T) {
	body := (&RelayCell{Command: RelaySendme}).Pack()

	got, err := UnpackRelay(body)
	require.NoError(t, err)
	assert.Empty(t, got.Data)
}

func TestUnpackRelayRejectsBadLength(t *testing.T) {
	body := (&RelayCell{Command: RelayData, Data: []byte{1}}).Pack()
	// Corrupt the length field to claim more data than the body holds.
	body[9] = 0xFF
	body[10] = 0xFF

	_, err := UnpackRelay(body)
	assert.Error(t, err)

	_, err = UnpackRelay([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestMultipleCellsOnStream(t *testing.T) {
	cells := []*Cell{
		{CircID: 1, Command: Create2, Body: []byte{1, 2, 3}},
		{CircID: 0, Command: Certs, Body: []byte("cert-data")},
		{CircID: 2, Command: Relay, Body: bytes.Repeat([]byte{0xFF}, BodyLen)},
	}

	var buf bytes.Buffer
	for _, c := range cells {
		require.NoError(t, Write(&buf, c))
	}

	for i, want := range cells {
		got, err := Read(&buf)
		require.NoError(t, err, "cell %d", i)
		assert.Equal(t, want.CircID, got.CircID, "cell %d", i)
		assert.Equal(t, want.Command, got.Command, "cell %d", i)
	}
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "RELAY", Relay.String())
	assert.Equal(t, "UNKNOWN(255)", Command(255).String())
	assert.Equal(t, "ESTABLISH_RENDEZVOUS", RelayEstablishRendezvous.String())
	assert.Equal(t, "TIMEOUT", DestroyTimeout.String())
}
