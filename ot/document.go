package ot

import "fmt"

// HistoryEntry is one committed operation: the revision the document
// reached after it, the operation itself, and who issued it.
type HistoryEntry struct {
	Revision int
	Op       Operation
	AuthorID string
}

// Document is a versioned text buffer with a bounded log of committed
// operations. Revision increases by exactly one per applied operation.
//
// A Document has no locking: it is owned by a single room sequencer
// and must only be touched from that goroutine.
type Document struct {
	Content  string
	Revision int

	historyLimit int
	history      []HistoryEntry
}

// DefaultHistoryLimit bounds the reconnection replay window. A client
// further behind than this must take a full snapshot.
const DefaultHistoryLimit = 1000

// NewDocument creates a document at the given content and revision.
// historyLimit <= 0 selects DefaultHistoryLimit.
func NewDocument(content string, revision, historyLimit int) *Document {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Document{
		Content:      content,
		Revision:     revision,
		historyLimit: historyLimit,
	}
}

// Apply commits an operation, bumps the revision and records the entry,
// evicting the oldest entry once the window is full. The document is
// untouched if the operation does not fit.
func (d *Document) Apply(op Operation, authorID string) error {
	result, err := Apply(d.Content, op)
	if err != nil {
		return fmt.Errorf("apply at revision %d: %w", d.Revision, err)
	}
	d.Content = result
	d.Revision++
	d.history = append(d.history, HistoryEntry{Revision: d.Revision, Op: op, AuthorID: authorID})
	if len(d.history) > d.historyLimit {
		d.history = d.history[len(d.history)-d.historyLimit:]
	}
	return nil
}

// HistoryLen is the number of retained entries.
func (d *Document) HistoryLen() int { return len(d.history) }

// SinceRevision returns the committed entries after rev, in commit
// order. ErrInvalidRevision if rev is ahead of the document,
// ErrHistoryTooOld if the window no longer reaches back to rev.
// The returned slice aliases the history; callers must not modify it.
func (d *Document) SinceRevision(rev int) ([]HistoryEntry, error) {
	switch {
	case rev > d.Revision:
		return nil, fmt.Errorf("%w: revision %d, document at %d", ErrInvalidRevision, rev, d.Revision)
	case rev == d.Revision:
		return nil, nil
	}
	missed := d.Revision - rev
	if missed > len(d.history) {
		return nil, fmt.Errorf("%w: revision %d, oldest retained is %d",
			ErrHistoryTooOld, rev, d.Revision-len(d.history))
	}
	return d.history[len(d.history)-missed:], nil
}

// ComposeSince folds every operation committed after rev into a single
// replay operation. With nothing to replay it returns a retain-only
// noop over the current content.
func (d *Document) ComposeSince(rev int) (Operation, error) {
	entries, err := d.SinceRevision(rev)
	if err != nil {
		return Operation{}, err
	}
	if len(entries) == 0 {
		if len(d.Content) == 0 {
			return Operation{}, nil
		}
		return Operation{Ops: []Component{{Retain: len(d.Content)}}}, nil
	}
	op := entries[0].Op
	for _, e := range entries[1:] {
		op, err = Compose(op, e.Op)
		if err != nil {
			return Operation{}, fmt.Errorf("compose replay through revision %d: %w", e.Revision, err)
		}
	}
	return op, nil
}
