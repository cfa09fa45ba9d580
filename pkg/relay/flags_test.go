package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlagBitPositions(t *testing.T) {
	// The bit-to-flag mapping is a fixed table; a reorder would silently
	// change the meaning of every stored filter mask.
	tests := []struct {
		flag Flag
		bit  uint
	}{
		{FlagAuthority, 0},
		{FlagBadExit, 1},
		{FlagExit, 2},
		{FlagFast, 3},
		{FlagGuard, 4},
		{FlagHSDir, 5},
		{FlagMiddleOnly, 6},
		{FlagNoEdConsensus, 7},
		{FlagStable, 8},
		{FlagStaleDesc, 9},
		{FlagRunning, 10},
		{FlagValid, 11},
		{FlagV2Dir, 12},
	}
	for _, tt := range tests {
		assert.Equal(t, Flag(1)<<tt.bit, tt.flag, "bit %d", tt.bit)
	}
	assert.Equal(t, Flag(1)<<FlagCount, flagEnd)
}

func TestFlagHasAll(t *testing.T) {
	f := FlagGuard | FlagFast | FlagRunning

	assert.True(t, f.HasAll(FlagGuard))
	assert.True(t, f.HasAll(FlagGuard|FlagFast))
	assert.True(t, f.HasAll(0))
	assert.False(t, f.HasAll(FlagExit))
	assert.False(t, f.HasAll(FlagGuard|FlagExit))
}

func TestParseFlags(t *testing.T) {
	f := ParseFlags([]string{"Guard", "fast", "Running", "NotAFlag"})
	assert.Equal(t, FlagGuard|FlagFast|FlagRunning, f)
}

func TestFlagString(t *testing.T) {
	assert.Equal(t, "none", Flag(0).String())
	assert.Equal(t, "Exit,Fast", (FlagExit | FlagFast).String())
}

func TestFlagNamesRoundTrip(t *testing.T) {
	f := FlagAuthority | FlagStable | FlagV2Dir
	assert.Equal(t, f, ParseFlags(f.Names()))
}
