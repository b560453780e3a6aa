package store

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/alimasry/go-code-rooms/ot"
)

// dirtyState tracks what still needs flushing for one document.
type dirtyState struct {
	snapshotDirty bool // content/revision needs writing to the backing store
	flushedOps    int  // number of ops already flushed (index into history)
	created       bool // doc created locally but not yet in the backing store
}

// CachedStore wraps a backing DocumentStore with an in-memory
// write-behind cache. Reads and writes are served from the cache; dirty
// documents are flushed in the background. This keeps a remote backend
// (Firestore) off the room sequencer's critical path.
type CachedStore struct {
	cache         *MemoryStore
	backing       DocumentStore
	mu            sync.Mutex
	dirty         map[string]*dirtyState
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
}

// NewCachedStore creates a CachedStore that flushes dirty documents to
// the backing store every flushInterval.
func NewCachedStore(backing DocumentStore, flushInterval time.Duration) *CachedStore {
	cs := &CachedStore{
		cache:         NewMemoryStore(),
		backing:       backing,
		dirty:         make(map[string]*dirtyState),
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go cs.flushLoop()
	return cs
}

func (cs *CachedStore) Create(ctx context.Context, id, content string) error {
	if err := cs.cache.Create(ctx, id, content); err != nil {
		return err
	}
	cs.mu.Lock()
	cs.dirty[id] = &dirtyState{snapshotDirty: true, created: true}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	info, err := cs.cache.Get(ctx, id)
	if err == nil {
		return info, nil
	}
	// Cache miss — load from the backing store.
	if err := cs.loadFromBacking(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.Get(ctx, id)
}

// List merges the backing store's documents with the cache's. The cache
// is authoritative for documents it holds; unflushed creates would
// otherwise be invisible.
func (cs *CachedStore) List(ctx context.Context) ([]DocumentInfo, error) {
	backingDocs, err := cs.backing.List(ctx)
	if err != nil {
		return nil, err
	}
	cacheDocs, err := cs.cache.List(ctx)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]DocumentInfo, len(backingDocs)+len(cacheDocs))
	for _, d := range backingDocs {
		merged[d.ID] = d
	}
	for _, d := range cacheDocs {
		merged[d.ID] = d
	}
	result := make([]DocumentInfo, 0, len(merged))
	for _, d := range merged {
		result = append(result, d)
	}
	return result, nil
}

func (cs *CachedStore) SaveSnapshot(ctx context.Context, id, content string, revision int) error {
	if _, err := cs.Get(ctx, id); err != nil {
		return err
	}
	if err := cs.cache.SaveSnapshot(ctx, id, content, revision); err != nil {
		return err
	}
	cs.mu.Lock()
	ds := cs.dirty[id]
	if ds == nil {
		cs.cache.mu.RLock()
		flushed := len(cs.cache.docs[id].history)
		cs.cache.mu.RUnlock()
		ds = &dirtyState{flushedOps: flushed}
		cs.dirty[id] = ds
	}
	ds.snapshotDirty = true
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) AppendOperation(ctx context.Context, id string, op ot.Operation, revision int) error {
	if _, err := cs.Get(ctx, id); err != nil {
		return err
	}

	// Snapshot history length before the append so flushedOps is right
	// if this doc was previously clean (removed from the dirty map).
	cs.cache.mu.RLock()
	prevLen := len(cs.cache.docs[id].history)
	cs.cache.mu.RUnlock()

	if err := cs.cache.AppendOperation(ctx, id, op, revision); err != nil {
		return err
	}
	cs.mu.Lock()
	if cs.dirty[id] == nil {
		cs.dirty[id] = &dirtyState{flushedOps: prevLen}
	}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) Operations(ctx context.Context, id string, fromRevision int) ([]ot.Operation, error) {
	if _, err := cs.Get(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.Operations(ctx, id, fromRevision)
}

// loadFromBacking fills the cache from the backing store, setting
// flushedOps so already-persisted ops are not re-flushed.
func (cs *CachedStore) loadFromBacking(ctx context.Context, id string) error {
	info, err := cs.backing.Get(ctx, id)
	if err != nil {
		return err
	}
	ops, err := cs.backing.Operations(ctx, id, 0)
	if err != nil {
		return err
	}

	cs.cache.mu.Lock()
	if _, exists := cs.cache.docs[id]; !exists {
		cs.cache.docs[id] = &docRecord{
			info:    *info,
			history: ops,
		}
	}
	cs.cache.mu.Unlock()

	cs.mu.Lock()
	if cs.dirty[id] == nil {
		cs.dirty[id] = &dirtyState{flushedOps: len(ops)}
	}
	cs.mu.Unlock()

	return nil
}

func (cs *CachedStore) flushLoop() {
	ticker := time.NewTicker(cs.flushInterval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.flush()
		case <-cs.stop:
			cs.flush()
			return
		}
	}
}

// flush writes all dirty documents to the backing store.
func (cs *CachedStore) flush() {
	cs.mu.Lock()
	snapshot := make(map[string]*dirtyState, len(cs.dirty))
	for id, ds := range cs.dirty {
		cp := *ds
		snapshot[id] = &cp
	}
	cs.mu.Unlock()

	ctx := context.Background()

	for id, ds := range snapshot {
		cs.cache.mu.RLock()
		rec, ok := cs.cache.docs[id]
		if !ok {
			cs.cache.mu.RUnlock()
			continue
		}
		info := rec.info
		totalOps := len(rec.history)
		var newOps []ot.Operation
		if ds.flushedOps < totalOps {
			newOps = make([]ot.Operation, totalOps-ds.flushedOps)
			copy(newOps, rec.history[ds.flushedOps:])
		}
		cs.cache.mu.RUnlock()

		if ds.created {
			if err := cs.backing.Create(ctx, id, ""); err != nil {
				log.Printf("cached store: create %q in backing store: %v", id, err)
				continue
			}
		}

		// Ops first, snapshot second, so crash recovery can replay.
		for i, op := range newOps {
			revision := ds.flushedOps + i + 1
			if err := cs.backing.AppendOperation(ctx, id, op, revision); err != nil {
				log.Printf("cached store: flush op %d for %q: %v", revision, id, err)
				// Stop flushing this doc; retry next cycle.
				break
			}
			ds.flushedOps++
		}

		if ds.snapshotDirty {
			if err := cs.backing.SaveSnapshot(ctx, id, info.Content, info.Revision); err != nil {
				log.Printf("cached store: flush snapshot for %q: %v", id, err)
			} else {
				ds.snapshotDirty = false
			}
		}

		ds.created = false

		cs.mu.Lock()
		cur := cs.dirty[id]
		if cur != nil {
			cur.flushedOps = ds.flushedOps
			cur.created = ds.created
			if !ds.snapshotDirty {
				cur.snapshotDirty = false
			}
			if !cur.snapshotDirty && !cur.created && cur.flushedOps >= totalOps {
				// Re-check: new ops may have arrived since the snapshot.
				cs.cache.mu.RLock()
				if r, ok := cs.cache.docs[id]; ok && cur.flushedOps >= len(r.history) {
					delete(cs.dirty, id)
				}
				cs.cache.mu.RUnlock()
			}
		}
		cs.mu.Unlock()
	}
}

// Close performs a final flush and waits for it to complete.
func (cs *CachedStore) Close() {
	close(cs.stop)
	<-cs.done
}
