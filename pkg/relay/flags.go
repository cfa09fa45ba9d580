package relay

import "strings"

// Flag is a bitmask of relay capability flags. The bit positions are fixed:
// they form the wire format of the selector's filter mask and must not be
// reordered.
type Flag uint16

const (
	FlagAuthority     Flag = 1 << iota // bit 0
	FlagBadExit                        // bit 1
	FlagExit                           // bit 2
	FlagFast                           // bit 3
	FlagGuard                          // bit 4
	FlagHSDir                          // bit 5
	FlagMiddleOnly                     // bit 6
	FlagNoEdConsensus                  // bit 7
	FlagStable                         // bit 8
	FlagStaleDesc                      // bit 9
	FlagRunning                        // bit 10
	FlagValid                          // bit 11
	FlagV2Dir                          // bit 12

	flagEnd
)

// FlagCount is the number of defined capability flags.
const FlagCount = 13

var flagNames = [FlagCount]string{
	"Authority",
	"BadExit",
	"Exit",
	"Fast",
	"Guard",
	"HSDir",
	"MiddleOnly",
	"NoEdConsensus",
	"Stable",
	"StaleDesc",
	"Running",
	"Valid",
	"V2Dir",
}

// HasAll reports whether f contains every flag set in mask.
func (f Flag) HasAll(mask Flag) bool {
	return f&mask == mask
}

// Has reports whether f contains the single flag other.
func (f Flag) Has(other Flag) bool {
	return f&other != 0
}

// String returns the set flags as a comma-separated list of names.
func (f Flag) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for i := 0; i < FlagCount; i++ {
		if f&(1<<i) != 0 {
			names = append(names, flagNames[i])
		}
	}
	return strings.Join(names, ",")
}

// ParseFlags converts directory flag names into a Flag bitmask. Unknown
// names are ignored so that new consensus flags do not break older clients.
func ParseFlags(names []string) Flag {
	var f Flag
	for _, name := range names {
		for i, known := range flagNames {
			if strings.EqualFold(name, known) {
				f |= 1 << i
				break
			}
		}
	}
	return f
}

// Names returns the list of flag names set in f, in bit order.
func (f Flag) Names() []string {
	var names []string
	for i := 0; i < FlagCount; i++ {
		if f&(1<<i) != 0 {
			names = append(names, flagNames[i])
		}
	}
	return names
}
