package directory

import (
	"github.com/ligun0805/onionpath/pkg/relay"
)

// Selector filters the current snapshot's relays by capability flags to
// support path-selection policy decisions.
type Selector struct {
	dir *Provider
}

// NewSelector returns a Selector reading from the given provider.
func NewSelector(dir *Provider) *Selector {
	return &Selector{dir: dir}
}

// Select returns the hex fingerprints of relays whose flag set is a superset
// of mask, in the snapshot's stable order and without duplicates.
//
// When ipv6Required is set, only relays advertising more than one address
// qualify. offset skips that many leading matches; limit < 0 means
// unbounded, otherwise at most limit results are returned. An offset beyond
// the match count yields an empty result, not an error.
func (s *Selector) Select(mask relay.Flag, ipv6Required bool, offset, limit int) ([]string, error) {
	snap, err := s.dir.Snapshot(Timely)
	if err != nil {
		return nil, err
	}
	return SelectFromSnapshot(snap, mask, ipv6Required, offset, limit), nil
}

// SelectFromSnapshot is Select against an explicit snapshot.
func SelectFromSnapshot(snap *Snapshot, mask relay.Flag, ipv6Required bool, offset, limit int) []string {
	if offset < 0 {
		offset = 0
	}
	if limit == 0 {
		return nil
	}

	var out []string
	skipped := 0
	for _, d := range snap.Relays() {
		if !d.Flags.HasAll(mask) {
			continue
		}
		if ipv6Required && !d.Multihomed() {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, d.Identity.Hex())
		if limit >= 0 && len(out) >= limit {
			break
		}
	}
	return out
}
