package vpagestore

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/aalhour/vpagestore/internal/txctx"
)

// pageDescriptor is the in-memory, shared descriptor for one page of
// one versioned file (spec §3's "Page descriptor"). It is created on
// first fix and destroyed by the cleanup daemon once its modifier list
// can be proved empty and no one holds it.
type pageDescriptor struct {
	file   *File
	pageID txctx.PageID

	refCount int32 // atomic; number of outstanding fix() callers

	// latchMu is the per-page latch of spec §5 step 3: short-held,
	// guards only the modifier list below.
	latchMu      sync.Mutex
	modifierList []txctx.ID // sorted by insertion (≈ start-time) order
}

func (pd *pageDescriptor) key() pageKey {
	return pageKey{file: pd.file, pageID: pd.pageID}
}

// insertModifier registers txID in the modifier list if not already
// present, keeping the sorted-newest-last ordering of spec §4.2.
// Duplicate insertions are no-ops.
func (pd *pageDescriptor) insertModifier(txID txctx.ID) {
	pd.latchMu.Lock()
	defer pd.latchMu.Unlock()
	for _, id := range pd.modifierList {
		if id == txID {
			return
		}
	}
	pd.modifierList = append(pd.modifierList, txID)
}

// overlapsAny reports whether any modifier in the list overlaps tx, per
// spec §4.2's read-version-selection predicate.
func (pd *pageDescriptor) overlapsAny(tx txctx.Tx) bool {
	pd.latchMu.Lock()
	defer pd.latchMu.Unlock()
	for _, id := range pd.modifierList {
		if tx.Overlaps(id) {
			return true
		}
	}
	return false
}

// clearableModifiers reports whether every listed updater is provably
// done: neither still running (per the in-progress enumeration) nor
// needed to satisfy any in-progress version-using transaction's
// snapshot. The cleanup daemon uses this to decide whether it may clear
// the list and, if refCount is also zero, retire the descriptor (spec
// §9's "Modifier list cancellation hook").
func (pd *pageDescriptor) clearableModifiers(inProgress map[txctx.ID]struct{}) bool {
	pd.latchMu.Lock()
	defer pd.latchMu.Unlock()
	for _, id := range pd.modifierList {
		if _, running := inProgress[id]; running {
			return false
		}
	}
	return true
}

func (pd *pageDescriptor) clearModifiers() {
	pd.latchMu.Lock()
	pd.modifierList = pd.modifierList[:0]
	pd.latchMu.Unlock()
}

type pageKey struct {
	file   *File
	pageID txctx.PageID
}

// pageBucket is one bucket of the global page descriptor hash table
// (spec §5), mutexed independently of every other bucket and of the
// file table.
type pageBucket struct {
	mu    sync.Mutex
	byKey map[pageKey]*pageDescriptor
}

// pageTable is the global, bucketed registry of live page descriptors,
// plus a capped free-list of recycled descriptor memory (spec §5's
// PageInstanceCacheSize) to reduce allocator pressure under the churn
// of a cleanup daemon that constantly retires and recreates them.
type pageTable struct {
	buckets  []pageBucket
	freeList chan *pageDescriptor
}

func newPageTable(size int) *pageTable {
	if size <= 0 {
		size = DefaultPageTableSize
	}
	t := &pageTable{
		buckets:  make([]pageBucket, size),
		freeList: make(chan *pageDescriptor, DefaultPageInstanceCacheSize),
	}
	for i := range t.buckets {
		t.buckets[i].byKey = make(map[pageKey]*pageDescriptor)
	}
	return t
}

func pageHash(key pageKey, n int) int {
	h := uint64(uintptr(unsafe.Pointer(key.file)))
	h ^= uint64(key.pageID) * 0x9e3779b97f4a7c15
	h ^= h >> 33
	return int(h % uint64(n))
}

func (t *pageTable) bucketFor(key pageKey) *pageBucket {
	return &t.buckets[pageHash(key, len(t.buckets))]
}

// fix returns the page descriptor for (f, pageID), creating one (from
// the free-list if available) on first reference, and increments its
// reference count.
func (t *pageTable) fix(f *File, pageID txctx.PageID) *pageDescriptor {
	key := pageKey{file: f, pageID: pageID}
	b := t.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	if pd, ok := b.byKey[key]; ok {
		atomic.AddInt32(&pd.refCount, 1)
		return pd
	}

	var pd *pageDescriptor
	select {
	case pd = <-t.freeList:
		*pd = pageDescriptor{file: f, pageID: pageID}
	default:
		pd = &pageDescriptor{file: f, pageID: pageID}
	}
	pd.refCount = 1
	b.byKey[key] = pd
	return pd
}

// unfix decrements a page descriptor's reference count. It does not
// retire the descriptor itself — that is the cleanup daemon's job, so
// that a descriptor's modifier list survives across back-to-back fixes
// from different transactions.
func (t *pageTable) unfix(pd *pageDescriptor) {
	atomic.AddInt32(&pd.refCount, -1)
}

// dropAllForFile removes every resident descriptor belonging to f,
// regardless of reference count, for spec §4.1's destroy operation
// ("drop all page descriptors, then destroy VLF, SLF, MDF").
func (t *pageTable) dropAllForFile(f *File) {
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		for key, pd := range b.byKey {
			if key.file == f {
				delete(b.byKey, key)
				select {
				case t.freeList <- pd:
				default:
				}
			}
		}
		b.mu.Unlock()
	}
}

// clearModifiersFromPage empties the modifier list of every resident
// descriptor of f whose PageID is at or above fromPageID, for spec
// §4.1's truncate operation.
func (t *pageTable) clearModifiersFromPage(f *File, fromPageID txctx.PageID) {
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		for key, pd := range b.byKey {
			if key.file == f && key.pageID >= fromPageID {
				pd.clearModifiers()
			}
		}
		b.mu.Unlock()
	}
}

// modifiedPageIDs returns the page ids of every resident descriptor of f
// whose modifier list is non-empty, for spec §4.6's restorable-backup
// materialization step. The snapshot is taken and released before the
// caller does any I/O, so it does not hold bucket locks across a
// version-materializing fix.
func (t *pageTable) modifiedPageIDs(f *File) []txctx.PageID {
	var ids []txctx.PageID
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		for key, pd := range b.byKey {
			if key.file != f {
				continue
			}
			pd.latchMu.Lock()
			nonEmpty := len(pd.modifierList) > 0
			pd.latchMu.Unlock()
			if nonEmpty {
				ids = append(ids, key.pageID)
			}
		}
		b.mu.Unlock()
	}
	return ids
}

// sweep runs one cleanup pass (spec §5's detached-page cleaner): for
// every resident descriptor with zero references whose modifier list
// is provably clearable, the list is cleared and, if it is still
// unreferenced, the descriptor is retired and its memory recycled. Each
// bucket reclaims at most CleanPageCoefficient percent of its
// descriptors per pass, rounded up and never less than one, bounding the
// daemon's per-pass pause.
func (t *pageTable) sweep(inProgress map[txctx.ID]struct{}, coefficientPercent int) int {
	if coefficientPercent <= 0 {
		coefficientPercent = DefaultCleanPageCoefficient
	}
	reclaimed := 0
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		limit := (len(b.byKey)*coefficientPercent + 99) / 100
		if limit == 0 && len(b.byKey) > 0 {
			limit = 1
		}
		done := 0
		for key, pd := range b.byKey {
			if done >= limit {
				break
			}
			if atomic.LoadInt32(&pd.refCount) != 0 {
				continue
			}
			if !pd.clearableModifiers(inProgress) {
				continue
			}
			pd.clearModifiers()
			delete(b.byKey, key)
			select {
			case t.freeList <- pd:
			default:
			}
			reclaimed++
			done++
		}
		b.mu.Unlock()
	}
	return reclaimed
}
