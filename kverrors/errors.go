// Package kverrors defines the closed outcome taxonomy shared by the KV
// server's reply encodings and the Clerk's client-visible errors.
//
// The source this package was modeled on (a Python client library) signals
// failures with a small hierarchy of exception classes. Go has no concept
// of an open exception hierarchy to imitate, so the taxonomy is flattened
// into a fixed set of sentinel errors compared with errors.Is.
package kverrors

import "errors"

var (
	// ErrNoKey is returned when a key was required but absent, including
	// an update (version != 0) attempted against a key that does not exist.
	ErrNoKey = errors.New("kverrors: no such key")

	// ErrVersion is returned when the caller's expected version does not
	// match the version currently stored for the key.
	ErrVersion = errors.New("kverrors: version mismatch")

	// ErrMaybe means the outcome of a write is unknown: it may or may not
	// have been applied. Callers that need idempotence must probe state.
	ErrMaybe = errors.New("kverrors: outcome unknown, probe required")

	// ErrTimeout is returned when a read exhausts its retries without a
	// reply.
	ErrTimeout = errors.New("kverrors: retries exhausted")

	// ErrNotHeld is returned by Lock.Release when the caller does not
	// hold the lock it is trying to release.
	ErrNotHeld = errors.New("kverrors: lock not held by caller")

	// ErrDropped is the sentinel the server returns internally to signal
	// a simulated network drop. It never crosses the RPC boundary as a
	// reply value; it only ever surfaces to a caller as a transport
	// failure (Transport.Call returning ok=false).
	ErrDropped = errors.New("kverrors: simulated network drop")
)

// Wire string values for the Err field on rpc.GetReply/rpc.PutReply. These
// are part of the wire contract and are deliberately plain strings
// rather than the sentinel errors above: a real RPC reply has to
// survive gob encoding, and a remote peer on a different build of this
// module should still recognize the contract by value, not by identity.
const (
	WireOK      = ""
	WireNoKey   = "ErrNoKey"
	WireVersion = "ErrVersion"
)

// FromWire translates a wire error string into the matching sentinel, or
// nil if the wire string represents success.
func FromWire(wire string) error {
	switch wire {
	case WireOK:
		return nil
	case WireNoKey:
		return ErrNoKey
	case WireVersion:
		return ErrVersion
	default:
		return errors.New("kverrors: unrecognized wire error " + wire)
	}
}

// ToWire translates a sentinel error into its wire representation. It
// panics on an error with no wire representation, since that indicates a
// server bug: only ErrNoKey and ErrVersion are ever meant to be placed on
// the wire by server code.
func ToWire(err error) string {
	switch {
	case err == nil:
		return WireOK
	case errors.Is(err, ErrNoKey):
		return WireNoKey
	case errors.Is(err, ErrVersion):
		return WireVersion
	default:
		panic("kverrors: no wire representation for error: " + err.Error())
	}
}
