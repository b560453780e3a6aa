package ot

import (
	"fmt"
	"strings"
)

// Component is a single run in an operation. Exactly one field is set.
type Component struct {
	Retain int    `json:"retain,omitempty"` // keep N bytes unchanged
	Insert string `json:"insert,omitempty"` // insert text at the cursor
	Delete int    `json:"delete,omitempty"` // remove N bytes at the cursor
}

func (c Component) IsRetain() bool { return c.Retain > 0 && c.Insert == "" && c.Delete == 0 }
func (c Component) IsInsert() bool { return c.Insert != "" && c.Retain == 0 && c.Delete == 0 }
func (c Component) IsDelete() bool { return c.Delete > 0 && c.Insert == "" && c.Retain == 0 }

// valid reports whether exactly one field is set with a sane value.
func (c Component) valid() bool {
	return c.IsRetain() || c.IsInsert() || c.IsDelete()
}

// Operation is an ordered sequence of components describing one edit.
// Components are applied left to right, advancing a cursor through the
// source text. Operations are immutable once built; Apply, Compose and
// Transform always allocate new ones.
//
// All positions and lengths are byte offsets. Clients agree on UTF-8.
type Operation struct {
	Ops []Component `json:"ops"`
}

// BaseLen is the length of a document this operation applies to.
func (op Operation) BaseLen() int {
	n := 0
	for _, c := range op.Ops {
		if c.IsRetain() {
			n += c.Retain
		} else if c.IsDelete() {
			n += c.Delete
		}
	}
	return n
}

// TargetLen is the length of the document after the operation.
func (op Operation) TargetLen() int {
	n := 0
	for _, c := range op.Ops {
		if c.IsRetain() {
			n += c.Retain
		} else if c.IsInsert() {
			n += len(c.Insert)
		}
	}
	return n
}

// IsNoop reports whether the operation changes nothing.
func (op Operation) IsNoop() bool {
	for _, c := range op.Ops {
		if c.IsInsert() || c.IsDelete() {
			return false
		}
	}
	return true
}

// WireOperation is the JSON form exchanged with clients: declared
// lengths alongside the component list. The declared lengths are
// redundant but let the server reject a garbled operation before it
// reaches the sequencer.
type WireOperation struct {
	BaseLength   int         `json:"baseLength"`
	TargetLength int         `json:"targetLength"`
	Components   []Component `json:"components"`
}

// Operation validates the wire form and converts it. A mismatched
// declared length, or a component with zero or multiple fields set,
// is ErrMalformedOperation.
func (w WireOperation) Operation() (Operation, error) {
	for i, c := range w.Components {
		if !c.valid() {
			return Operation{}, fmt.Errorf("%w: component %d", ErrMalformedOperation, i)
		}
	}
	op := Operation{Ops: w.Components}
	if got := op.BaseLen(); got != w.BaseLength {
		return Operation{}, fmt.Errorf("%w: declared base length %d, components sum to %d",
			ErrMalformedOperation, w.BaseLength, got)
	}
	if got := op.TargetLen(); got != w.TargetLength {
		return Operation{}, fmt.Errorf("%w: declared target length %d, components sum to %d",
			ErrMalformedOperation, w.TargetLength, got)
	}
	return op, nil
}

// Wire converts an operation to its JSON form.
func Wire(op Operation) WireOperation {
	return WireOperation{
		BaseLength:   op.BaseLen(),
		TargetLength: op.TargetLen(),
		Components:   op.Ops,
	}
}

// Apply applies the operation to a document and returns the new text.
// The document is never partially mutated: the result is built fresh
// and the input is untouched on error.
func Apply(doc string, op Operation) (string, error) {
	if len(doc) != op.BaseLen() {
		return "", fmt.Errorf("%w: document length %d, operation base length %d",
			ErrLengthMismatch, len(doc), op.BaseLen())
	}
	var b strings.Builder
	b.Grow(op.TargetLen())
	pos := 0
	for _, c := range op.Ops {
		switch {
		case c.IsRetain():
			b.WriteString(doc[pos : pos+c.Retain])
			pos += c.Retain
		case c.IsInsert():
			b.WriteString(c.Insert)
		case c.IsDelete():
			pos += c.Delete
		}
	}
	return b.String(), nil
}

// NewInsert builds an operation inserting text at pos in a document of docLen.
func NewInsert(pos int, text string, docLen int) Operation {
	var ops []Component
	if pos > 0 {
		ops = append(ops, Component{Retain: pos})
	}
	ops = append(ops, Component{Insert: text})
	if remaining := docLen - pos; remaining > 0 {
		ops = append(ops, Component{Retain: remaining})
	}
	return Operation{Ops: ops}
}

// NewDelete builds an operation deleting count bytes at pos in a document of docLen.
func NewDelete(pos, count, docLen int) Operation {
	var ops []Component
	if pos > 0 {
		ops = append(ops, Component{Retain: pos})
	}
	ops = append(ops, Component{Delete: count})
	if remaining := docLen - pos - count; remaining > 0 {
		ops = append(ops, Component{Retain: remaining})
	}
	return Operation{Ops: ops}
}

// merge collapses adjacent components of the same kind.
func merge(ops []Component) []Component {
	if len(ops) == 0 {
		return ops
	}
	var result []Component
	for _, c := range ops {
		if len(result) == 0 {
			result = append(result, c)
			continue
		}
		last := &result[len(result)-1]
		switch {
		case c.IsRetain() && last.IsRetain():
			last.Retain += c.Retain
		case c.IsDelete() && last.IsDelete():
			last.Delete += c.Delete
		case c.IsInsert() && last.IsInsert():
			last.Insert += c.Insert
		default:
			result = append(result, c)
		}
	}
	return result
}
