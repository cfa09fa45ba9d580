package cell

import "fmt"

// Command is a cell command byte.
type Command uint8

// Fixed-length cell commands.
const (
	Padding          Command = 0
	Create           Command = 1
	Created          Command = 2
	Relay            Command = 3
	Destroy          Command = 4
	CreateFast       Command = 5
	CreatedFast      Command = 6
	Netinfo          Command = 8
	RelayEarly       Command = 9
	Create2          Command = 10
	Created2         Command = 11
	PaddingNegotiate Command = 12
)

// Variable-length cell commands. VERSIONS is the one command below 128 that
// carries a length field.
const (
	Versions      Command = 7
	Vpadding      Command = 128
	Certs         Command = 129
	AuthChallenge Command = 130
	Authenticate  Command = 131
)

var commandNames = map[Command]string{
	Padding:          "PADDING",
	Create:           "CREATE",
	Created:          "CREATED",
	Relay:            "RELAY",
	Destroy:          "DESTROY",
	CreateFast:       "CREATE_FAST",
	CreatedFast:      "CREATED_FAST",
	Versions:         "VERSIONS",
	Netinfo:          "NETINFO",
	RelayEarly:       "RELAY_EARLY",
	Create2:          "CREATE2",
	Created2:         "CREATED2",
	PaddingNegotiate: "PADDING_NEGOTIATE",
	Vpadding:         "VPADDING",
	Certs:            "CERTS",
	AuthChallenge:    "AUTH_CHALLENGE",
	Authenticate:     "AUTHENTICATE",
}

// Variable reports whether the command's cells carry an explicit length
// field instead of a fixed 509-byte body.
func (c Command) Variable() bool {
	return c == Versions || c >= 128
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
}
