package storage

import (
	"sort"
	"sync"
)

// Overlay buffers writes on top of a base Database. Reads see the buffered
// writes first. Nothing reaches the base until Commit, and Discard drops the
// whole write set.
type Overlay struct {
	base Database

	mu      sync.RWMutex
	pending map[string][]byte
	deleted map[string]struct{}
}

// NewOverlay wraps base with an empty write set.
func NewOverlay(base Database) *Overlay {
	return &Overlay{
		base:    base,
		pending: make(map[string][]byte),
		deleted: make(map[string]struct{}),
	}
}

func (o *Overlay) Put(key []byte, value []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := string(key)
	delete(o.deleted, k)
	o.pending[k] = append([]byte(nil), value...)
	return nil
}

func (o *Overlay) Get(key []byte) ([]byte, error) {
	o.mu.RLock()
	k := string(key)
	if _, gone := o.deleted[k]; gone {
		o.mu.RUnlock()
		return nil, ErrNotFound
	}
	if value, ok := o.pending[k]; ok {
		o.mu.RUnlock()
		return append([]byte(nil), value...), nil
	}
	o.mu.RUnlock()
	return o.base.Get(key)
}

func (o *Overlay) Delete(key []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := string(key)
	delete(o.pending, k)
	o.deleted[k] = struct{}{}
	return nil
}

// NewBatch returns a batch that lands in the overlay's write set.
func (o *Overlay) NewBatch() Batch {
	return &overlayBatch{overlay: o}
}

// Dirty reports the number of buffered writes and deletions.
func (o *Overlay) Dirty() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.pending) + len(o.deleted)
}

// Commit flushes the write set to the base in one batch, in key order.
func (o *Overlay) Commit() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) == 0 && len(o.deleted) == 0 {
		return nil
	}
	keys := make([]string, 0, len(o.pending))
	for k := range o.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	batch := o.base.NewBatch()
	for _, k := range keys {
		batch.Put([]byte(k), o.pending[k])
	}
	removed := make([]string, 0, len(o.deleted))
	for k := range o.deleted {
		removed = append(removed, k)
	}
	sort.Strings(removed)
	for _, k := range removed {
		batch.Delete([]byte(k))
	}
	if err := batch.Write(); err != nil {
		return err
	}
	o.reset()
	return nil
}

// Discard drops every buffered write.
func (o *Overlay) Discard() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reset()
}

// Close is a no-op; the base database outlives its overlays.
func (o *Overlay) Close() {}

func (o *Overlay) reset() {
	o.pending = make(map[string][]byte)
	o.deleted = make(map[string]struct{})
}

type overlayBatch struct {
	overlay *Overlay
	ops     []memOp
}

func (b *overlayBatch) Put(key []byte, value []byte) {
	b.ops = append(b.ops, memOp{key: string(key), value: append([]byte(nil), value...)})
}

func (b *overlayBatch) Delete(key []byte) {
	b.ops = append(b.ops, memOp{key: string(key), delete: true})
}

func (b *overlayBatch) Len() int { return len(b.ops) }

func (b *overlayBatch) Write() error {
	for _, op := range b.ops {
		if op.delete {
			_ = b.overlay.Delete([]byte(op.key))
			continue
		}
		_ = b.overlay.Put([]byte(op.key), op.value)
	}
	b.ops = nil
	return nil
}
