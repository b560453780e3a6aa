package ot

import "errors"

// Error taxonomy for the engine. Callers classify with errors.Is; all
// engine functions wrap these with context via fmt.Errorf and %w.
var (
	// ErrMalformedOperation means an operation's declared lengths do not
	// match its components, or a component is invalid. The operation is
	// rejected before it touches any state.
	ErrMalformedOperation = errors.New("malformed operation")

	// ErrLengthMismatch means an operation's base length does not match
	// the document it is being applied to.
	ErrLengthMismatch = errors.New("operation length does not match document")

	// ErrIncompatibleLengths means compose or transform was given
	// operations whose lengths cannot line up. Under server-side
	// sequencing this indicates an engine bug, not bad client input.
	ErrIncompatibleLengths = errors.New("incompatible operation lengths")

	// ErrInvalidRevision means a revision is ahead of the document —
	// the client is desynced or lying.
	ErrInvalidRevision = errors.New("revision ahead of document")

	// ErrHistoryTooOld means a revision predates the retained history
	// window; the client needs a full snapshot instead of a replay.
	ErrHistoryTooOld = errors.New("revision predates retained history")
)
