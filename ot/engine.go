package ot

import "fmt"

// Engine abstracts the collaboration algorithm. Different algorithms
// (Jupiter, Wave, etc.) implement this interface.
type Engine interface {
	// TransformIncoming rebases a client operation created at
	// baseRevision onto the document's current revision, transforming
	// it against every operation committed since, in commit order.
	TransformIncoming(op Operation, baseRevision int, doc *Document) (Operation, error)
}

// JupiterEngine implements the Jupiter algorithm: the incoming
// operation is transformed sequentially against each committed
// operation the client had not seen. The committed operation is always
// the left (winning) side of Transform, so insert ties resolve
// first-committed-wins.
type JupiterEngine struct{}

func (e *JupiterEngine) TransformIncoming(op Operation, baseRevision int, doc *Document) (Operation, error) {
	entries, err := doc.SinceRevision(baseRevision)
	if err != nil {
		return Operation{}, err
	}

	// The op must fit the document as it was at baseRevision. The oldest
	// missed entry applied to exactly that document, so its base length
	// is the length the client saw.
	baseLen := len(doc.Content)
	if len(entries) > 0 {
		baseLen = entries[0].Op.BaseLen()
	}
	if op.BaseLen() != baseLen {
		return Operation{}, fmt.Errorf("%w: operation base length %d, document was %d at revision %d",
			ErrLengthMismatch, op.BaseLen(), baseLen, baseRevision)
	}

	transformed := op
	for _, entry := range entries {
		_, transformed, err = Transform(entry.Op, transformed)
		if err != nil {
			return Operation{}, fmt.Errorf("rebase onto revision %d: %w", entry.Revision, err)
		}
	}
	return transformed, nil
}
