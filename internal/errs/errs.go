// Package errs defines the error taxonomy SessionCoordinator and its
// collaborators classify failures into (spec §7), so callers can
// errors.Is against a category rather than parsing message text.
package errs

import "errors"

var (
	// ErrProtocol marks a malformed frame, bad handshake, or otherwise
	// impossible wire value. The connection is dropped; the peer may
	// be retried later from the tracker pool.
	ErrProtocol = errors.New("bittorrent: protocol error")

	// ErrPeerMisbehavior marks a hash mismatch attributable to a peer,
	// an oversize bitfield, or a request for a piece never advertised.
	// Logged; the peer is banned after 3 occurrences.
	ErrPeerMisbehavior = errors.New("bittorrent: peer misbehavior")

	// ErrTracker marks a non-200 HTTP response, a bencoded "failure
	// reason", or a UDP round-trip timeout. One tracker's failure never
	// aborts the session while any tracker in the list still succeeds.
	ErrTracker = errors.New("bittorrent: tracker error")

	// ErrIO marks a disk read/write failure. Fatal to the session.
	ErrIO = errors.New("bittorrent: io error")

	// ErrResourceExhausted marks an outbound queue overflow or a
	// connection-cap refusal. The caller should back off, not crash.
	ErrResourceExhausted = errors.New("bittorrent: resource exhausted")
)
