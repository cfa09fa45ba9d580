// Package directory holds the client's view of the network directory: an
// immutable, versioned snapshot of known relays, a provider that swaps
// snapshots atomically and notifies subscribers, and a selector that filters
// relays by capability flags.
//
// The directory is populated externally (bootstrap cache or a directory
// client); this package only consumes it.
package directory

import (
	"time"

	"github.com/ligun0805/onionpath/pkg/relay"
)

// Snapshot is an immutable point-in-time view of all known relays. A new
// directory replaces the snapshot wholesale; a Snapshot is never mutated
// after construction, so it may be shared read-only by any number of
// consumers.
type Snapshot struct {
	version    uint64
	validAfter time.Time
	validUntil time.Time

	relays []*relay.Descriptor
	byID   map[relay.Identity]*relay.Descriptor

	params Params
}

// NewSnapshot builds a snapshot from the given descriptors. Relay order is
// preserved: iteration over Relays is stable for a given snapshot. Duplicate
// identities keep the first descriptor seen.
func NewSnapshot(version uint64, validAfter, validUntil time.Time, relays []*relay.Descriptor, params Params) *Snapshot {
	s := &Snapshot{
		version:    version,
		validAfter: validAfter,
		validUntil: validUntil,
		relays:     make([]*relay.Descriptor, 0, len(relays)),
		byID:       make(map[relay.Identity]*relay.Descriptor, len(relays)),
		params:     params,
	}
	for _, d := range relays {
		if _, dup := s.byID[d.Identity]; dup {
			continue
		}
		s.relays = append(s.relays, d)
		s.byID[d.Identity] = d
	}
	return s
}

// Version returns the snapshot's monotonic version number.
func (s *Snapshot) Version() uint64 { return s.version }

// ValidAfter returns the start of the snapshot's validity interval.
func (s *Snapshot) ValidAfter() time.Time { return s.validAfter }

// ValidUntil returns the end of the snapshot's validity interval.
func (s *Snapshot) ValidUntil() time.Time { return s.validUntil }

// ByID resolves a relay identity to its descriptor, or nil if the relay is
// not in this snapshot.
func (s *Snapshot) ByID(id relay.Identity) *relay.Descriptor {
	return s.byID[id]
}

// Relays returns the snapshot's relays in stable order. Callers must not
// modify the returned slice or the descriptors it points to.
func (s *Snapshot) Relays() []*relay.Descriptor {
	return s.relays
}

// Len returns the number of relays in the snapshot.
func (s *Snapshot) Len() int { return len(s.relays) }

// Params returns the network parameters carried by this snapshot.
func (s *Snapshot) Params() Params { return s.params }
