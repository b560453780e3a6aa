package ot

import "fmt"

// Compose returns the single operation equivalent to applying a then b:
//
//	Apply(doc, Compose(a, b)) == Apply(Apply(doc, a), b)
//
// a must end where b begins (a.TargetLen() == b.BaseLen()), otherwise
// ErrIncompatibleLengths. The room uses this to fold the operations a
// reconnecting client missed into one replay operation.
func Compose(a, b Operation) (Operation, error) {
	if a.TargetLen() != b.BaseLen() {
		return Operation{}, fmt.Errorf(
			"%w: compose a target=%d b base=%d", ErrIncompatibleLengths, a.TargetLen(), b.BaseLen())
	}

	var out []Component
	ia := newIter(a.Ops)
	ib := newIter(b.Ops)

	for ia.hasNext() || ib.hasNext() {
		// a's deletes act on the original document; b never sees those
		// bytes, so they pass straight through.
		if ia.peekKind() == kindDelete {
			out = append(out, ia.takeAll())
			continue
		}
		// b's inserts act on the final document; a has no say.
		if ib.peekKind() == kindInsert {
			out = append(out, ib.takeAll())
			continue
		}

		// What remains of a produces output that b consumes.
		if !ia.hasNext() || !ib.hasNext() {
			return Operation{}, fmt.Errorf(
				"%w: compose ran out of components", ErrIncompatibleLengths)
		}

		n := min(ia.peekLen(), ib.peekLen())
		ka, kb := ia.peekKind(), ib.peekKind()

		switch {
		case ka == kindRetain && kb == kindRetain:
			ia.take(n)
			ib.take(n)
			out = append(out, Component{Retain: n})
		case ka == kindRetain && kb == kindDelete:
			ia.take(n)
			ib.take(n)
			out = append(out, Component{Delete: n})
		case ka == kindInsert && kb == kindRetain:
			c := ia.take(n)
			ib.take(n)
			out = append(out, c)
		case ka == kindInsert && kb == kindDelete:
			// a inserted text that b deleted again; it cancels out.
			ia.take(n)
			ib.take(n)
		}
	}

	return Operation{Ops: merge(out)}, nil
}
