// Package cell implements the link-layer cell codec. Cells are the unit of
// exchange on a relay channel. Under link protocol v4+ a fixed-length cell is
// 514 bytes on the wire:
//
//	CircID [4] | Command [1] | Body [509]
//
// and a variable-length cell carries an explicit length:
//
//	CircID [4] | Command [1] | Length [2] | Body [Length]
//
// VERSIONS cells are special: they are exchanged before the link protocol is
// negotiated and always use a 2-byte circuit ID.
package cell

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/samber/oops"
)

const (
	// BodyLen is the body length of a fixed-length cell.
	BodyLen = 509

	// FixedLen is the wire length of a fixed-length cell under link
	// protocol v4+.
	FixedLen = 4 + 1 + BodyLen

	// MaxVariableLen bounds the body of a variable-length cell.
	MaxVariableLen = 65535
)

// ErrTruncated indicates a cell could not be read in full.
var ErrTruncated = errors.New("truncated cell")

// Cell is one link-layer cell. Body holds the 509-byte body for fixed-length
// commands and the raw payload for variable-length commands.
type Cell struct {
	CircID  uint32
	Command Command
	Body    []byte
}

// Write serializes c to w in link protocol v4+ wire format. Fixed-length
// bodies shorter than 509 bytes are zero-padded.
func Write(w io.Writer, c *Cell) error {
	var buf []byte
	if c.Command.Variable() {
		if len(c.Body) > MaxVariableLen {
			return oops.Errorf("%s body too large: %d", c.Command, len(c.Body))
		}
		buf = make([]byte, 7+len(c.Body))
		binary.BigEndian.PutUint32(buf[0:4], c.CircID)
		buf[4] = byte(c.Command)
		binary.BigEndian.PutUint16(buf[5:7], uint16(len(c.Body)))
		copy(buf[7:], c.Body)
	} else {
		if len(c.Body) > BodyLen {
			return oops.Errorf("%s body too large: %d", c.Command, len(c.Body))
		}
		buf = make([]byte, FixedLen)
		binary.BigEndian.PutUint32(buf[0:4], c.CircID)
		buf[4] = byte(c.Command)
		copy(buf[5:], c.Body)
	}
	if _, err := w.Write(buf); err != nil {
		return oops.Wrapf(err, "write %s cell", c.Command)
	}
	return nil
}

// Read deserializes the next cell from r, assuming link protocol v4+.
func Read(r io.Reader) (*Cell, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, oops.Wrapf(coalesceEOF(err), "read cell header")
	}

	c := &Cell{
		CircID:  binary.BigEndian.Uint32(hdr[0:4]),
		Command: Command(hdr[4]),
	}

	n := BodyLen
	if c.Command.Variable() {
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, oops.Wrapf(coalesceEOF(err), "read %s length", c.Command)
		}
		n = int(binary.BigEndian.Uint16(lenBuf[:]))
	}

	c.Body = make([]byte, n)
	if _, err := io.ReadFull(r, c.Body); err != nil {
		return nil, oops.Wrapf(coalesceEOF(err), "read %s body", c.Command)
	}
	return c, nil
}

// coalesceEOF maps an unexpected EOF inside a cell to ErrTruncated so callers
// can distinguish a torn cell from a clean connection close.
func coalesceEOF(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}

// WriteVersions serializes a VERSIONS cell. The circuit ID is 2 bytes and
// zero because no link protocol has been negotiated yet.
func WriteVersions(w io.Writer, versions []uint16) error {
	buf := make([]byte, 5+2*len(versions))
	buf[2] = byte(Versions)
	binary.BigEndian.PutUint16(buf[3:5], uint16(2*len(versions)))
	for i, v := range versions {
		binary.BigEndian.PutUint16(buf[5+2*i:], v)
	}
	if _, err := w.Write(buf); err != nil {
		return oops.Wrapf(err, "write VERSIONS cell")
	}
	return nil
}

// ReadVersions deserializes the peer's VERSIONS cell, which uses a 2-byte
// circuit ID regardless of the link protocol negotiated afterwards.
func ReadVersions(r io.Reader) ([]uint16, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, oops.Wrapf(coalesceEOF(err), "read VERSIONS header")
	}
	if cmd := Command(hdr[2]); cmd != Versions {
		return nil, oops.Errorf("expected VERSIONS, got %s", cmd)
	}
	body := make([]byte, binary.BigEndian.Uint16(hdr[3:5]))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, oops.Wrapf(coalesceEOF(err), "read VERSIONS body")
	}
	return ParseVersions(body)
}

// ParseVersions decodes a VERSIONS cell body into the peer's supported link
// protocol versions.
func ParseVersions(body []byte) ([]uint16, error) {
	if len(body)%2 != 0 {
		return nil, oops.Errorf("VERSIONS body has odd length %d", len(body))
	}
	versions := make([]uint16, len(body)/2)
	for i := range versions {
		versions[i] = binary.BigEndian.Uint16(body[2*i:])
	}
	return versions, nil
}
