package ot

import "fmt"

// Transform takes two operations a and b issued concurrently against the
// same document state and returns aPrime and bPrime such that:
//
//	Apply(Apply(doc, a), bPrime) == Apply(Apply(doc, b), aPrime)
//
// Tie-break: when both insert at the same position, a's text lands
// first. The sequencer always passes the earlier-committed operation as
// a, so the rule is first-committed-wins and deterministic across all
// participants.
//
// Overlapping deletes collapse: bytes both sides removed are dropped
// from both transformed operations, so nothing is deleted twice and no
// count ever goes negative.
func Transform(a, b Operation) (aPrime, bPrime Operation, err error) {
	if a.BaseLen() != b.BaseLen() {
		return Operation{}, Operation{}, fmt.Errorf(
			"%w: transform base lengths a=%d b=%d", ErrIncompatibleLengths, a.BaseLen(), b.BaseLen())
	}

	var ap, bp []Component
	ia := newIter(a.Ops)
	ib := newIter(b.Ops)

	for ia.hasNext() || ib.hasNext() {
		// Inserts consume no input and are position-ordered: a first.
		if ia.peekKind() == kindInsert {
			c := ia.takeAll()
			ap = append(ap, Component{Insert: c.Insert})
			bp = append(bp, Component{Retain: len(c.Insert)})
			continue
		}
		if ib.peekKind() == kindInsert {
			c := ib.takeAll()
			bp = append(bp, Component{Insert: c.Insert})
			ap = append(ap, Component{Retain: len(c.Insert)})
			continue
		}

		// Both remaining components consume input.
		if !ia.hasNext() || !ib.hasNext() {
			return Operation{}, Operation{}, fmt.Errorf(
				"%w: transform ran out of components", ErrIncompatibleLengths)
		}

		n := min(ia.peekLen(), ib.peekLen())
		ca := ia.take(n)
		cb := ib.take(n)

		switch {
		case ca.IsRetain() && cb.IsRetain():
			ap = append(ap, Component{Retain: n})
			bp = append(bp, Component{Retain: n})
		case ca.IsDelete() && cb.IsRetain():
			ap = append(ap, Component{Delete: n})
		case ca.IsRetain() && cb.IsDelete():
			bp = append(bp, Component{Delete: n})
		case ca.IsDelete() && cb.IsDelete():
			// Both deleted the same bytes; neither side repeats it.
		}
	}

	return Operation{Ops: merge(ap)}, Operation{Ops: merge(bp)}, nil
}

// componentKind identifies a component for the iterator.
type componentKind int

const (
	kindNone componentKind = iota
	kindRetain
	kindInsert
	kindDelete
)

// iter walks operation components allowing partial consumption, so
// Transform and Compose can chew through both sides in min-length
// chunks.
type iter struct {
	ops    []Component
	index  int
	offset int
}

func newIter(ops []Component) *iter {
	return &iter{ops: ops}
}

func (it *iter) hasNext() bool {
	return it.index < len(it.ops)
}

func (it *iter) peekKind() componentKind {
	if !it.hasNext() {
		return kindNone
	}
	c := it.ops[it.index]
	switch {
	case c.IsInsert():
		return kindInsert
	case c.IsDelete():
		return kindDelete
	default:
		return kindRetain
	}
}

// peekLen is the unconsumed length of the current component.
func (it *iter) peekLen() int {
	if !it.hasNext() {
		return 0
	}
	c := it.ops[it.index]
	switch {
	case c.IsRetain():
		return c.Retain - it.offset
	case c.IsInsert():
		return len(c.Insert) - it.offset
	case c.IsDelete():
		return c.Delete - it.offset
	}
	return 0
}

// takeAll consumes the rest of the current component.
func (it *iter) takeAll() Component {
	return it.take(it.peekLen())
}

// take consumes n units from the current component.
func (it *iter) take(n int) Component {
	c := it.ops[it.index]
	remaining := it.peekLen()

	switch {
	case c.IsRetain():
		if n >= remaining {
			it.index++
			it.offset = 0
			return Component{Retain: remaining}
		}
		it.offset += n
		return Component{Retain: n}

	case c.IsInsert():
		if n >= remaining {
			s := c.Insert[it.offset:]
			it.index++
			it.offset = 0
			return Component{Insert: s}
		}
		s := c.Insert[it.offset : it.offset+n]
		it.offset += n
		return Component{Insert: s}

	case c.IsDelete():
		if n >= remaining {
			it.index++
			it.offset = 0
			return Component{Delete: remaining}
		}
		it.offset += n
		return Component{Delete: n}
	}

	it.index++
	return Component{}
}
