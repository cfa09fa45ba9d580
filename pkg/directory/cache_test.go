package directory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/onionpath/pkg/relay"
)

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()

	descs := []*relay.Descriptor{
		{
			Nickname:     "alpha",
			Identity:     mustIdentity(t, fingerprintN(1)),
			Addrs:        []string{"192.0.2.1:9001", "[2001:db8::1]:9001"},
			Flags:        relay.FlagGuard | relay.FlagFast | relay.FlagRunning,
			NtorOnionKey: []byte{1, 2, 3},
			Bandwidth:    5000,
		},
		{
			Nickname: "beta",
			Identity: mustIdentity(t, fingerprintN(2)),
			Addrs:    []string{"192.0.2.2:443"},
			Flags:    relay.FlagExit,
		},
	}
	validAfter := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	snap := NewSnapshot(42, validAfter, validAfter.Add(3*time.Hour), descs, Params{"circwindow": 500})

	require.NoError(t, SaveSnapshot(dir, snap))

	loaded, err := LoadSnapshot(dir)
	require.NoError(t, err)

	assert.Equal(t, uint64(42), loaded.Version())
	assert.True(t, loaded.ValidAfter().Equal(validAfter))
	assert.Equal(t, int32(500), loaded.Params().Int("circwindow", 0, 0, 1000))
	require.Equal(t, 2, loaded.Len())

	got := loaded.ByID(descs[0].Identity)
	require.NotNil(t, got)
	assert.Equal(t, "alpha", got.Nickname)
	assert.Equal(t, descs[0].Addrs, got.Addrs)
	assert.Equal(t, descs[0].Flags, got.Flags)
	assert.Equal(t, []byte{1, 2, 3}, got.NtorOnionKey)
	assert.Equal(t, 5000, got.Bandwidth)
	assert.True(t, got.Multihomed())

	got = loaded.ByID(descs[1].Identity)
	require.NotNil(t, got)
	assert.False(t, got.Multihomed())
}

func TestLoadSnapshotMissing(t *testing.T) {
	_, err := LoadSnapshot(t.TempDir())
	assert.Error(t, err)
}

func TestLoadSnapshotCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, cacheFileName), []byte("{not json"), 0o600))

	_, err := LoadSnapshot(dir)
	assert.Error(t, err)
}

func TestLoadSnapshotSkipsBadFingerprint(t *testing.T) {
	dir := t.TempDir()
	raw := `{"version":1,"relays":[{"fingerprint":"zz","addrs":["192.0.2.1:9001"]},{"fingerprint":"` + fingerprintN(3) + `","addrs":["192.0.2.3:9001"]}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, cacheFileName), []byte(raw), 0o600))

	loaded, err := LoadSnapshot(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Len())
}

func mustIdentity(t *testing.T, fingerprint string) relay.Identity {
	t.Helper()
	id, err := relay.ParseIdentity(fingerprint)
	require.NoError(t, err)
	return id
}
