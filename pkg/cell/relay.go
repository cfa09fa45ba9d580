package cell

import (
	"encoding/binary"

	"github.com/samber/oops"
)

// Relay cell layout inside a fixed-length cell body:
//
//	RelayCmd [1] | Recognized [2] | StreamID [2] | Digest [4] | Length [2] | Data
const (
	RelayHeaderLen  = 11
	MaxRelayDataLen = BodyLen - RelayHeaderLen
)

// RelayCommand is a relay cell sub-command.
type RelayCommand uint8

const (
	RelayBegin     RelayCommand = 1
	RelayData      RelayCommand = 2
	RelayEnd       RelayCommand = 3
	RelayConnected RelayCommand = 4
	RelaySendme    RelayCommand = 5
	RelayExtend    RelayCommand = 6
	RelayExtended  RelayCommand = 7
	RelayTruncate  RelayCommand = 8
	RelayTruncated RelayCommand = 9
	RelayDrop      RelayCommand = 10
	RelayResolve   RelayCommand = 11
	RelayResolved  RelayCommand = 12
	RelayBeginDir  RelayCommand = 13
	RelayExtend2   RelayCommand = 14
	RelayExtended2 RelayCommand = 15

	RelayEstablishRendezvous   RelayCommand = 33
	RelayRendezvous2           RelayCommand = 37
	RelayRendezvousEstablished RelayCommand = 39
)

var relayCommandNames = map[RelayCommand]string{
	RelayBegin:     "BEGIN",
	RelayData:      "DATA",
	RelayEnd:       "END",
	RelayConnected: "CONNECTED",
	RelaySendme:    "SENDME",
	RelayExtend:    "EXTEND",
	RelayExtended:  "EXTENDED",
	RelayTruncate:  "TRUNCATE",
	RelayTruncated: "TRUNCATED",
	RelayDrop:      "DROP",
	RelayResolve:   "RESOLVE",
	RelayResolved:  "RESOLVED",
	RelayBeginDir:  "BEGIN_DIR",
	RelayExtend2:   "EXTEND2",
	RelayExtended2: "EXTENDED2",

	RelayEstablishRendezvous:   "ESTABLISH_RENDEZVOUS",
	RelayRendezvous2:           "RENDEZVOUS2",
	RelayRendezvousEstablished: "RENDEZVOUS_ESTABLISHED",
}

func (rc RelayCommand) String() string {
	if name, ok := relayCommandNames[rc]; ok {
		return name
	}
	return "RELAY_UNKNOWN"
}

// RelayCell is the plaintext content of a RELAY (or RELAY_EARLY) cell body
// after onion decryption. Recognized is zero on a cell addressed to us; the
// digest is the running digest truncated to 4 bytes.
type RelayCell struct {
	Command    RelayCommand
	Recognized uint16
	StreamID   uint16
	Digest     uint32
	Data       []byte
}

// Pack serializes rc into a full 509-byte cell body, zero-padded after the
// data.
func (rc *RelayCell) Pack() []byte {
	body := make([]byte, BodyLen)
	body[0] = byte(rc.Command)
	binary.BigEndian.PutUint16(body[1:3], rc.Recognized)
	binary.BigEndian.PutUint16(body[3:5], rc.StreamID)
	binary.BigEndian.PutUint32(body[5:9], rc.Digest)
	binary.BigEndian.PutUint16(body[9:11], uint16(len(rc.Data)))
	copy(body[RelayHeaderLen:], rc.Data)
	return body
}

// UnpackRelay parses a decrypted cell body into a RelayCell. The returned
// Data aliases body.
func UnpackRelay(body []byte) (*RelayCell, error) {
	if len(body) < RelayHeaderLen {
		return nil, oops.Errorf("relay body too short: %d bytes", len(body))
	}
	n := binary.BigEndian.Uint16(body[9:11])
	if int(n) > len(body)-RelayHeaderLen {
		return nil, oops.Errorf("relay data length %d exceeds body", n)
	}
	return &RelayCell{
		Command:    RelayCommand(body[0]),
		Recognized: binary.BigEndian.Uint16(body[1:3]),
		StreamID:   binary.BigEndian.Uint16(body[3:5]),
		Digest:     binary.BigEndian.Uint32(body[5:9]),
		Data:       body[RelayHeaderLen : RelayHeaderLen+n],
	}, nil
}

// DestroyReason is the single-byte reason carried by a DESTROY cell.
type DestroyReason uint8

const (
	DestroyNone           DestroyReason = 0
	DestroyProtocol       DestroyReason = 1
	DestroyInternal       DestroyReason = 2
	DestroyRequested      DestroyReason = 3
	DestroyHibernating    DestroyReason = 4
	DestroyResourceLimit  DestroyReason = 5
	DestroyConnectFailed  DestroyReason = 6
	DestroyOrIdentity     DestroyReason = 7
	DestroyChannelClosing DestroyReason = 8
	DestroyFinished       DestroyReason = 9
	DestroyTimeout        DestroyReason = 10
	DestroyDestroyed      DestroyReason = 11
	DestroyNoSuchService  DestroyReason = 12
)

var destroyReasonNames = map[DestroyReason]string{
	DestroyNone:           "NONE",
	DestroyProtocol:       "PROTOCOL",
	DestroyInternal:       "INTERNAL",
	DestroyRequested:      "REQUESTED",
	DestroyHibernating:    "HIBERNATING",
	DestroyResourceLimit:  "RESOURCELIMIT",
	DestroyConnectFailed:  "CONNECTFAILED",
	DestroyOrIdentity:     "OR_IDENTITY",
	DestroyChannelClosing: "CHANNEL_CLOSED",
	DestroyFinished:       "FINISHED",
	DestroyTimeout:        "TIMEOUT",
	DestroyDestroyed:      "DESTROYED",
	DestroyNoSuchService:  "NOSUCHSERVICE",
}

func (d DestroyReason) String() string {
	if name, ok := destroyReasonNames[d]; ok {
		return name
	}
	return "UNKNOWN"
}
