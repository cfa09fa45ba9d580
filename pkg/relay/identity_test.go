package relay

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFingerprint = "FFA72BD683BC2F1F6F6D35E4494BBF6F62D41807"

func TestParseIdentity(t *testing.T) {
	id, err := ParseIdentity(testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, testFingerprint, id.Hex())
}

func TestParseIdentityLowercase(t *testing.T) {
	id, err := ParseIdentity(strings.ToLower(testFingerprint))
	require.NoError(t, err)
	assert.Equal(t, testFingerprint, id.Hex())
}

func TestParseIdentityInternalWhitespace(t *testing.T) {
	// Fingerprints are often displayed in 4-char groups; internal whitespace
	// must not change the decoded identity.
	spaced := "FFA7 2BD6 83BC 2F1F 6F6D 35E4 494B BF6F 62D4 1807"
	tabbed := "FFA7\t2BD6 83BC 2F1F\n6F6D 35E4 494B BF6F 62D4 1807"

	want, err := ParseIdentity(testFingerprint)
	require.NoError(t, err)

	for _, in := range []string{spaced, tabbed} {
		got, err := ParseIdentity(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}
}

func TestParseIdentityInvalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"too short", "FFA72BD6"},
		{"too long", testFingerprint + "00"},
		{"odd length", testFingerprint[:39]},
		{"non-hex", "GGA72BD683BC2F1F6F6D35E4494BBF6F62D41807"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseIdentity(tt.in)
			assert.ErrorIs(t, err, ErrInvalidFingerprint)
		})
	}
}

func TestIdentityFromBytes(t *testing.T) {
	raw := make([]byte, IdentityLen)
	raw[0] = 0xAB
	id, err := IdentityFromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), id[0])

	_, err = IdentityFromBytes(raw[:19])
	assert.ErrorIs(t, err, ErrInvalidFingerprint)
}

func TestIdentityIsZero(t *testing.T) {
	var zero Identity
	assert.True(t, zero.IsZero())

	id, err := ParseIdentity(testFingerprint)
	require.NoError(t, err)
	assert.False(t, id.IsZero())
}
