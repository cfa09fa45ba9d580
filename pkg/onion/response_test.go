package onion

import (
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readStep struct {
	data []byte
	err  error
}

// scriptConn serves a fixed sequence of read results and ignores deadlines.
type scriptConn struct {
	steps []readStep
	i     int
}

func (c *scriptConn) Read(p []byte) (int, error) {
	if c.i >= len(c.steps) {
		return 0, io.EOF
	}
	step := c.steps[c.i]
	c.i++
	n := copy(p, step.data)
	return n, step.err
}

func (c *scriptConn) Write(p []byte) (int, error)      { return len(p), nil }
func (c *scriptConn) Close() error                     { return nil }
func (c *scriptConn) LocalAddr() net.Addr              { return nil }
func (c *scriptConn) RemoteAddr() net.Addr             { return nil }
func (c *scriptConn) SetDeadline(time.Time) error      { return nil }
func (c *scriptConn) SetReadDeadline(time.Time) error  { return nil }
func (c *scriptConn) SetWriteDeadline(time.Time) error { return nil }

// floodConn returns full buffers until remaining hits zero.
type floodConn struct {
	scriptConn
	remaining int
}

func (c *floodConn) Read(p []byte) (int, error) {
	if c.remaining == 0 {
		return 0, io.EOF
	}
	n := len(p)
	if n > c.remaining {
		n = c.remaining
	}
	for i := 0; i < n; i++ {
		p[i] = 'x'
	}
	c.remaining -= n
	return n, nil
}

func TestReadResponseUntilEOF(t *testing.T) {
	conn := &scriptConn{steps: []readStep{
		{data: []byte("HTTP/1.1 200 OK\r\n\r\n")},
		{data: []byte("body")},
		{err: io.EOF},
	}}
	out, err := ReadResponse(conn, time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n\r\nbody", string(out))
}

func TestReadResponseDataWithFinalEOF(t *testing.T) {
	conn := &scriptConn{steps: []readStep{
		{data: []byte("all"), err: io.EOF},
	}}
	out, err := ReadResponse(conn, time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, "all", string(out))
}

func TestReadResponseTimeoutWithoutData(t *testing.T) {
	conn := &scriptConn{steps: []readStep{
		{err: os.ErrDeadlineExceeded},
	}}
	_, err := ReadResponse(conn, 50*time.Millisecond, 0)
	assert.ErrorIs(t, err, ErrReadTimeout)
}

func TestReadResponseTimeoutAfterData(t *testing.T) {
	conn := &scriptConn{steps: []readStep{
		{data: []byte("partial")},
		{err: os.ErrDeadlineExceeded},
	}}
	out, err := ReadResponse(conn, 50*time.Millisecond, 0)
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.Equal(t, "partial", string(out))
}

func TestReadResponseStalledPeer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go func() {
		_, _ = server.Write([]byte("partial"))
		// Stall without closing; the reader's deadline must fire.
	}()
	out, err := ReadResponse(client, 100*time.Millisecond, 0)
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.Equal(t, "partial", string(out))
}

func TestReadResponseStopsOnZeroLengthRead(t *testing.T) {
	conn := &scriptConn{steps: []readStep{
		{data: []byte("head")},
		{},
		{data: []byte("never read")},
	}}
	out, err := ReadResponse(conn, time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, "head", string(out))
	assert.Equal(t, 2, conn.i)
}

func TestReadResponseStreamError(t *testing.T) {
	conn := &scriptConn{steps: []readStep{
		{data: []byte("some")},
		{err: io.ErrClosedPipe},
	}}
	out, err := ReadResponse(conn, time.Second, 0)
	assert.ErrorIs(t, err, ErrStreamRead)
	assert.Equal(t, "some", string(out))
}

func TestReadResponseTruncatesAtCap(t *testing.T) {
	conn := &floodConn{remaining: maxResponseLen + 4096}
	out, err := ReadResponse(conn, time.Second, 0)
	require.NoError(t, err)
	assert.Len(t, out, maxResponseLen)
}

func TestReadResponseCustomCap(t *testing.T) {
	conn := &floodConn{remaining: 5000}
	out, err := ReadResponse(conn, time.Second, 2048)
	require.NoError(t, err)
	assert.Len(t, out, 2048)
}

func TestReadResponseOverPipe(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		_, _ = server.Write([]byte("hello over pipe"))
		_ = server.Close()
	}()
	out, err := ReadResponse(client, time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello over pipe", string(out))
}
