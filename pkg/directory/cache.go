package directory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"

	"github.com/ligun0805/onionpath/pkg/relay"
)

const cacheFileName = "directory.json"

// cachedSnapshot is the JSON-serializable form of a Snapshot.
type cachedSnapshot struct {
	Version    uint64           `json:"version"`
	ValidAfter time.Time        `json:"valid_after"`
	ValidUntil time.Time        `json:"valid_until"`
	Params     map[string]int32 `json:"params,omitempty"`
	Relays     []cachedRelay    `json:"relays"`
}

// cachedRelay is the JSON-serializable form of a relay descriptor. The
// identity is stored in its canonical hex form.
type cachedRelay struct {
	Nickname        string   `json:"nickname,omitempty"`
	Fingerprint     string   `json:"fingerprint"`
	Addrs           []string `json:"addrs"`
	Flags           []string `json:"flags,omitempty"`
	NtorOnionKey    []byte   `json:"ntor_onion_key,omitempty"`
	Ed25519Identity []byte   `json:"ed25519_identity,omitempty"`
	Bandwidth       int      `json:"bandwidth,omitempty"`
}

// SaveSnapshot writes the snapshot to cacheDir as JSON so a later run can
// bootstrap without refetching the directory.
func SaveSnapshot(cacheDir string, s *Snapshot) error {
	cached := cachedSnapshot{
		Version:    s.Version(),
		ValidAfter: s.ValidAfter(),
		ValidUntil: s.ValidUntil(),
		Params:     s.Params(),
		Relays:     make([]cachedRelay, 0, s.Len()),
	}
	for _, d := range s.Relays() {
		cached.Relays = append(cached.Relays, cachedRelay{
			Nickname:        d.Nickname,
			Fingerprint:     d.Identity.Hex(),
			Addrs:           d.Addrs,
			Flags:           d.Flags.Names(),
			NtorOnionKey:    d.NtorOnionKey,
			Ed25519Identity: d.Ed25519Identity,
			Bandwidth:       d.Bandwidth,
		})
	}

	raw, err := json.Marshal(&cached)
	if err != nil {
		return oops.Wrapf(err, "marshal directory cache")
	}
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return oops.Wrapf(err, "create cache dir %s", cacheDir)
	}
	path := filepath.Join(cacheDir, cacheFileName)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return oops.Wrapf(err, "write directory cache %s", path)
	}
	log.WithField("path", path).WithField("relays", s.Len()).Debug("directory cache saved")
	return nil
}

// LoadSnapshot reads a cached snapshot from cacheDir. A missing or
// unreadable cache returns an error; the caller decides whether to proceed
// without a directory.
func LoadSnapshot(cacheDir string) (*Snapshot, error) {
	path := filepath.Join(cacheDir, cacheFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.Wrapf(err, "read directory cache %s", path)
	}

	var cached cachedSnapshot
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, oops.Wrapf(err, "parse directory cache %s", path)
	}

	relays := make([]*relay.Descriptor, 0, len(cached.Relays))
	for _, cr := range cached.Relays {
		id, err := relay.ParseIdentity(cr.Fingerprint)
		if err != nil {
			log.WithField("fingerprint", cr.Fingerprint).WithError(err).Warn("skipping cached relay with bad fingerprint")
			continue
		}
		relays = append(relays, &relay.Descriptor{
			Nickname:        cr.Nickname,
			Identity:        id,
			Addrs:           cr.Addrs,
			Flags:           relay.ParseFlags(cr.Flags),
			NtorOnionKey:    cr.NtorOnionKey,
			Ed25519Identity: cr.Ed25519Identity,
			Bandwidth:       cr.Bandwidth,
		})
	}

	params := Params(cached.Params)
	if params == nil {
		params = DefaultParams()
	}
	return NewSnapshot(cached.Version, cached.ValidAfter, cached.ValidUntil, relays, params), nil
}
