package ot

import (
	"errors"
	"testing"
)

func TestJupiterEngine_UpToDateClient(t *testing.T) {
	d := NewDocument("abc", 0, 0)
	engine := &JupiterEngine{}

	op := NewInsert(0, "X", 3)
	got, err := engine.TransformIncoming(op, 0, d)
	if err != nil {
		t.Fatalf("TransformIncoming error: %v", err)
	}
	result, _ := Apply(d.Content, got)
	if result != "Xabc" {
		t.Errorf("result = %q, want %q", result, "Xabc")
	}
}

func TestJupiterEngine_RebasesBehindClient(t *testing.T) {
	// The committed-first scenario: doc "hello" at revision 0.
	// A commits Retain(5)+Insert("X") → revision 1, "helloX".
	// B, still at revision 0, submits Delete(1)+Retain(4).
	// B's op must rebase to Delete(1)+Retain(5) and yield "elloX".
	d := NewDocument("hello", 0, 0)
	engine := &JupiterEngine{}

	opA := NewInsert(5, "X", 5)
	if err := d.Apply(opA, "userA"); err != nil {
		t.Fatalf("apply A: %v", err)
	}
	if d.Content != "helloX" || d.Revision != 1 {
		t.Fatalf("after A: content=%q revision=%d", d.Content, d.Revision)
	}

	opB := NewDelete(0, 1, 5)
	rebased, err := engine.TransformIncoming(opB, 0, d)
	if err != nil {
		t.Fatalf("TransformIncoming error: %v", err)
	}

	want := Operation{[]Component{{Delete: 1}, {Retain: 5}}}
	if len(rebased.Ops) != len(want.Ops) {
		t.Fatalf("rebased = %+v, want %+v", rebased.Ops, want.Ops)
	}
	for i := range want.Ops {
		if rebased.Ops[i] != want.Ops[i] {
			t.Fatalf("rebased = %+v, want %+v", rebased.Ops, want.Ops)
		}
	}

	if err := d.Apply(rebased, "userB"); err != nil {
		t.Fatalf("apply rebased B: %v", err)
	}
	if d.Content != "elloX" || d.Revision != 2 {
		t.Errorf("final: content=%q revision=%d, want %q revision 2", d.Content, d.Revision, "elloX")
	}
}

func TestJupiterEngine_FirstCommittedWinsTieBreak(t *testing.T) {
	// Two inserts at the same position: the one committed first stays
	// first, regardless of who the author is.
	d := NewDocument("hello", 0, 0)
	engine := &JupiterEngine{}

	if err := d.Apply(NewInsert(2, "A", 5), "first"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	rebased, err := engine.TransformIncoming(NewInsert(2, "B", 5), 0, d)
	if err != nil {
		t.Fatalf("TransformIncoming error: %v", err)
	}
	if err := d.Apply(rebased, "second"); err != nil {
		t.Fatalf("apply rebased: %v", err)
	}
	if d.Content != "heABllo" {
		t.Errorf("content = %q, want %q", d.Content, "heABllo")
	}
}

func TestJupiterEngine_MultipleOpsBehind(t *testing.T) {
	d := NewDocument("", 0, 0)
	engine := &JupiterEngine{}

	// Server commits three ops while the client sleeps at revision 0.
	if err := d.Apply(Operation{[]Component{{Insert: "one"}}}, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := d.Apply(NewInsert(3, " two", 3), "u2"); err != nil {
		t.Fatal(err)
	}
	if err := d.Apply(NewDelete(0, 4, 7), "u3"); err != nil {
		t.Fatal(err)
	}
	if d.Content != "two" {
		t.Fatalf("server content = %q", d.Content)
	}

	// Client op against the empty revision-0 doc.
	rebased, err := engine.TransformIncoming(Operation{[]Component{{Insert: "go"}}}, 0, d)
	if err != nil {
		t.Fatalf("TransformIncoming error: %v", err)
	}
	if err := d.Apply(rebased, "sleeper"); err != nil {
		t.Fatalf("apply rebased: %v", err)
	}
	if d.Revision != 4 {
		t.Errorf("revision = %d, want 4", d.Revision)
	}
}

func TestJupiterEngine_BaseLengthMismatch(t *testing.T) {
	d := NewDocument("hello", 0, 0)
	engine := &JupiterEngine{}

	// Up to date but sized for a different document.
	_, err := engine.TransformIncoming(NewInsert(0, "x", 3), 0, d)
	if !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("error = %v, want ErrLengthMismatch", err)
	}

	// Behind, and sized wrong for the revision it claims.
	if err := d.Apply(NewInsert(5, "!", 5), "u"); err != nil {
		t.Fatal(err)
	}
	_, err = engine.TransformIncoming(NewInsert(0, "x", 6), 0, d)
	if !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("error = %v, want ErrLengthMismatch", err)
	}
}

func TestJupiterEngine_RevisionErrors(t *testing.T) {
	d := NewDocument("", 0, 2)
	engine := &JupiterEngine{}
	for i := 0; i < 5; i++ {
		if err := d.Apply(NewInsert(i, "x", i), "u"); err != nil {
			t.Fatal(err)
		}
	}

	_, err := engine.TransformIncoming(NewInsert(0, "y", 5), 9, d)
	if !errors.Is(err, ErrInvalidRevision) {
		t.Errorf("future revision error = %v, want ErrInvalidRevision", err)
	}

	_, err = engine.TransformIncoming(Operation{[]Component{{Insert: "y"}}}, 0, d)
	if !errors.Is(err, ErrHistoryTooOld) {
		t.Errorf("ancient revision error = %v, want ErrHistoryTooOld", err)
	}
}
