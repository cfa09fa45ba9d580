package circuit

import "errors"

var (
	// ErrNoCircuit indicates no circuit has been built yet.
	ErrNoCircuit = errors.New("no circuit available")

	// ErrNoCircuitToExtend indicates Extend was called before any
	// successful Create.
	ErrNoCircuitToExtend = errors.New("no circuit to extend")

	// ErrRelayNotFound indicates the fingerprint resolved to no relay in
	// the current directory snapshot.
	ErrRelayNotFound = errors.New("relay not found in directory")

	// ErrHandshakeFailed indicates the circuit-layer handshake with a
	// relay failed.
	ErrHandshakeFailed = errors.New("circuit handshake failed")

	// ErrDestroyed indicates the relay tore the circuit down with a
	// DESTROY cell.
	ErrDestroyed = errors.New("circuit destroyed by relay")

	// ErrUnrecognized indicates an inbound relay cell that no hop's
	// digest accepted.
	ErrUnrecognized = errors.New("relay cell not recognized at any hop")
)
