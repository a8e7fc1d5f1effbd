// Package bufferpool implements the fixed-page buffer pool that sits
// between a VersionedFile and its physical block storage.
//
// It plays the role the spec's §6 concurrency model calls the buffer
// pool collaborator: pages are fixed (pinned) before a transaction
// touches them and unfixed when the transaction is done, and a
// capacity-bounded replacement policy evicts unpinned pages to make
// room for new ones. Dirty pages are written back through a
// caller-supplied callback before they are dropped, so the pool never
// silently discards a modification.
//
// Reference: RockyardKV's internal/cache LRU cache provides the
// refcounted-handle, capacity-bounded-eviction shape; this package
// keys by block identity instead of file offset and adds dirty-page
// writeback on eviction, which a pure read cache does not need.
package bufferpool

import (
	"container/list"
	"sync"

	"github.com/aalhour/vpagestore/internal/txctx"
)

// Key identifies a cached block uniquely across every open file.
type Key struct {
	FileID  uint64
	BlockID txctx.BlockID
}

// WriteBackFunc persists a dirty block before the pool evicts it.
type WriteBackFunc func(key Key, data []byte) error

// Handle is a pinned reference to a buffered block. Callers obtain one
// from Fix and must pass it to Unfix exactly once when done.
type Handle struct {
	key     Key
	data    []byte
	charge  uint64
	refs    int32
	dirty   bool
	deleted bool
}

// Data returns the block's in-memory bytes. The returned slice is
// owned by the pool; callers may mutate it only while the handle is
// held, and must call Touch or Unfix(dirty=true) afterward.
func (h *Handle) Data() []byte { return h.data }

// Key returns the handle's cache key.
func (h *Handle) Key() Key { return h.key }

// Dirty reports whether the block has unflushed modifications.
func (h *Handle) Dirty() bool { return h.dirty }

type entry struct {
	handle *Handle
}

func getEntry(elem *list.Element) *entry {
	e, _ := elem.Value.(*entry)
	return e
}

// Pool is a thread-safe, capacity-bounded buffer pool keyed by block
// identity.
type Pool struct {
	mu        sync.Mutex
	capacity  uint64
	usage     uint64
	table     map[Key]*list.Element
	lru       *list.List
	writeBack WriteBackFunc

	hits   uint64
	misses uint64
}

// NewPool creates a Pool with the given capacity in bytes. writeBack
// is invoked, with the pool's lock released, whenever a dirty page is
// about to be evicted or dropped; it may be nil if the caller never
// produces dirty pages (read-only mounts).
func NewPool(capacityBytes uint64, writeBack WriteBackFunc) *Pool {
	return &Pool{
		capacity:  capacityBytes,
		table:     make(map[Key]*list.Element),
		lru:       list.New(),
		writeBack: writeBack,
	}
}

// Fix pins the block identified by key, loading it with load if it is
// not already resident. The returned handle's reference count starts
// at one; the caller must eventually call Unfix.
func (p *Pool) Fix(key Key, charge uint64, load func() ([]byte, error)) (*Handle, error) {
	p.mu.Lock()
	if elem, ok := p.table[key]; ok {
		e := getEntry(elem)
		p.lru.MoveToFront(elem)
		e.handle.refs++
		p.hits++
		h := e.handle
		p.mu.Unlock()
		return h, nil
	}
	p.misses++
	p.mu.Unlock()

	data, err := load()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another fixer may have raced us and inserted the same key while
	// the lock was released for the load; prefer the one already
	// resident rather than caching the block twice.
	if elem, ok := p.table[key]; ok {
		e := getEntry(elem)
		p.lru.MoveToFront(elem)
		e.handle.refs++
		return e.handle, nil
	}

	h := &Handle{key: key, data: data, charge: charge, refs: 1}
	for p.usage+charge > p.capacity && p.lru.Len() > 0 {
		if !p.evictOneLocked() {
			break
		}
	}
	elem := p.lru.PushFront(&entry{handle: h})
	p.table[key] = elem
	p.usage += charge
	return h, nil
}

// Touch marks a still-fixed handle's block as modified without
// changing its pin count, and moves it to the front of the
// replacement order.
func (p *Pool) Touch(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h.dirty = true
	if elem, ok := p.table[h.key]; ok {
		p.lru.MoveToFront(elem)
	}
}

// Unfix releases a pin obtained from Fix. If dirty is true the block
// is marked modified; once the refcount reaches zero the block
// becomes eligible for eviction by the replacement policy.
func (p *Pool) Unfix(h *Handle, dirty bool) {
	if h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if dirty {
		h.dirty = true
	}
	h.refs--
	if h.refs == 0 && h.deleted {
		p.removeHandleLocked(h)
	}
}

// Evict removes key from the pool immediately without writing it
// back, even if dirty. A pinned block is only marked deleted and
// leaves the pool when its last pin is released.
func (p *Pool) Evict(key Key) error {
	p.mu.Lock()
	elem, ok := p.table[key]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	e := getEntry(elem)
	e.handle.deleted = true
	if e.handle.refs > 0 {
		p.mu.Unlock()
		return nil
	}
	p.removeEntryLocked(elem)
	p.mu.Unlock()
	return nil
}

// Discard drops key from the pool without writing it back, regardless
// of its dirty flag. Used when a page's pre-sync image is known to be
// obsolete (truncate, destroy).
func (p *Pool) Discard(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if elem, ok := p.table[key]; ok {
		e := getEntry(elem)
		e.handle.dirty = false
		e.handle.deleted = true
		if e.handle.refs == 0 {
			p.removeEntryLocked(elem)
		}
	}
}

// evictOneLocked evicts the least recently used unpinned, non-deleted
// block, writing it back first if dirty. Must be called with p.mu
// held; it releases and reacquires the lock around the writeback
// call. Returns false if nothing was eligible for eviction.
func (p *Pool) evictOneLocked() bool {
	for elem := p.lru.Back(); elem != nil; elem = elem.Prev() {
		e := getEntry(elem)
		if e.handle.refs != 0 || e.handle.deleted {
			continue
		}
		if e.handle.dirty && p.writeBack != nil {
			key, data := e.handle.key, e.handle.data
			p.mu.Unlock()
			err := p.writeBack(key, data)
			p.mu.Lock()
			if err != nil {
				// Leave the page resident; the caller will see the
				// same dirty block on the next sync attempt.
				return false
			}
			e.handle.dirty = false
		}
		p.removeEntryLocked(elem)
		return true
	}
	return false
}

func (p *Pool) removeEntryLocked(elem *list.Element) {
	e := getEntry(elem)
	delete(p.table, e.handle.key)
	p.lru.Remove(elem)
	p.usage -= e.handle.charge
}

func (p *Pool) removeHandleLocked(h *Handle) {
	if elem, ok := p.table[h.key]; ok {
		p.removeEntryLocked(elem)
	}
}

// Flush writes back every dirty, unpinned block without evicting it.
// Called by VersionedFile.Flush before a sync point.
func (p *Pool) Flush() error {
	p.mu.Lock()
	type pending struct {
		key  Key
		data []byte
	}
	var dirty []pending
	for elem := p.lru.Front(); elem != nil; elem = elem.Next() {
		e := getEntry(elem)
		if e.handle.dirty {
			dirty = append(dirty, pending{key: e.handle.key, data: e.handle.data})
		}
	}
	p.mu.Unlock()

	if p.writeBack == nil {
		return nil
	}
	for _, d := range dirty {
		if err := p.writeBack(d.key, d.data); err != nil {
			return err
		}
	}

	p.mu.Lock()
	for _, d := range dirty {
		if elem, ok := p.table[d.key]; ok {
			getEntry(elem).handle.dirty = false
		}
	}
	p.mu.Unlock()
	return nil
}

// SetCapacity changes the pool's capacity in bytes, evicting
// unpinned entries immediately if the pool is now over budget.
func (p *Pool) SetCapacity(capacity uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capacity = capacity
	for p.usage > p.capacity && p.lru.Len() > 0 {
		if !p.evictOneLocked() {
			break
		}
	}
}

// GetCapacity returns the pool's capacity in bytes.
func (p *Pool) GetCapacity() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// GetUsage returns the pool's current usage in bytes.
func (p *Pool) GetUsage() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}

// GetPinnedUsage returns the usage in bytes of currently fixed blocks.
func (p *Pool) GetPinnedUsage() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var pinned uint64
	for _, elem := range p.table {
		e := getEntry(elem)
		if e.handle.refs > 0 {
			pinned += e.handle.charge
		}
	}
	return pinned
}

// GetOccupancyCount returns the number of resident blocks.
func (p *Pool) GetOccupancyCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint64(len(p.table))
}

// GetHitCount returns the number of Fix calls satisfied from cache.
func (p *Pool) GetHitCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits
}

// GetMissCount returns the number of Fix calls that required a load.
func (p *Pool) GetMissCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.misses
}
