package iccom

import "errors"

// Sentinel errors for the public API, spec.md §7. Checked with errors.Is.
var (
	// ErrClosing is returned by every API call once Close has begun.
	ErrClosing = errors.New("iccom: engine is closing")
	// ErrInvalidChannel is returned for a channel outside [0, 0x7FFF] that
	// is also not AnyChannel.
	ErrInvalidChannel = errors.New("iccom: invalid channel")
	// ErrEmpty is returned by PostMessage for a zero-length payload.
	ErrEmpty = errors.New("iccom: empty message")
	// ErrNoMemory mirrors the original's allocation-failure path; in this
	// port it surfaces wire-layer capacity errors (e.g. a payload that
	// cannot be packetized at all).
	ErrNoMemory = errors.New("iccom: no memory")
	// ErrNotReady names the transport-busy condition. No call in this
	// package returns it: the run loop treats a busy transport as benign
	// and simply builds the next xfer from the queued data.
	ErrNotReady = errors.New("iccom: transport not ready")
)
