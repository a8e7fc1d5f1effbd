package vpagestore

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// fileBucket is one bucket of the global file descriptor hash table
// (spec §5: "file and page descriptors live in global hash tables
// bucketed by a path-hash"). Its mutex is the outermost lock in the
// lock order (§5 step 1) and is never held across I/O except during
// the initial attach that creates a descriptor.
type fileBucket struct {
	mu     sync.Mutex
	byPath map[string]*File
}

// fileTable is the global, bucketed registry of live versioned-file
// descriptors keyed by master-data path, per spec §4.1 ("equivalent
// calls with identical master-data path return the same underlying
// descriptor").
type fileTable struct {
	buckets []fileBucket
}

func newFileTable(size int) *fileTable {
	if size <= 0 {
		size = DefaultFileTableSize
	}
	t := &fileTable{buckets: make([]fileBucket, size)}
	for i := range t.buckets {
		t.buckets[i].byPath = make(map[string]*File)
	}
	return t
}

func (t *fileTable) bucketFor(path string) *fileBucket {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return &t.buckets[h.Sum32()%uint32(len(t.buckets))]
}

// attach implements spec §4.1's attach operation.
func (t *fileTable) attach(e *Engine, storage StorageStrategy, buffering BufferingStrategy, lockName string) (*File, error) {
	b := t.bucketFor(storage.MDFPath)
	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.byPath[storage.MDFPath]; ok {
		if f.lockName != lockName {
			return nil, fmt.Errorf("%w: descriptor for %s already attached under lock name %q, requested %q",
				ErrUnexpected, storage.MDFPath, f.lockName, lockName)
		}
		if f.batchInsert || storage.BatchInsert {
			return nil, ErrBatchInsertExclusive
		}
		atomic.AddInt32(&f.refCount, 1)
		return f, nil
	}

	f := newFile(e, storage, buffering, lockName)
	atomic.StoreInt32(&f.refCount, 1)
	b.byPath[storage.MDFPath] = f
	return f, nil
}

// rehome moves f's entry from the bucket keyed by oldPath to the one
// keyed by f's current master-data path, for spec §4.1's move
// operation.
func (t *fileTable) rehome(oldPath string, f *File) {
	oldBucket := t.bucketFor(oldPath)
	oldBucket.mu.Lock()
	if oldBucket.byPath[oldPath] == f {
		delete(oldBucket.byPath, oldPath)
	}
	oldBucket.mu.Unlock()

	newBucket := t.bucketFor(f.storage.MDFPath)
	newBucket.mu.Lock()
	newBucket.byPath[f.storage.MDFPath] = f
	newBucket.mu.Unlock()
}

// release removes a descriptor from the table once its last reference
// has gone and it is safe to destroy (spec §4.1's detach operation).
func (t *fileTable) release(f *File) {
	b := t.bucketFor(f.storage.MDFPath)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.byPath[f.storage.MDFPath] == f {
		delete(b.byPath, f.storage.MDFPath)
	}
}
