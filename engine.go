package vpagestore

import (
	"sync"
	"time"

	"github.com/aalhour/vpagestore/internal/logging"
	"github.com/aalhour/vpagestore/internal/txctx"
)

// Engine owns the global descriptor tables and the detached-page
// cleanup daemon of spec §5. One Engine is normally created per
// process; every versioned file attached through it shares its tables.
type Engine struct {
	opts  *Options
	files *fileTable
	pages *pageTable

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates an Engine and starts its cleanup daemon. opts may be nil
// to accept DefaultOptions(), though FS/TxManager/CheckpointManager
// should normally be set explicitly.
func New(opts *Options) *Engine {
	if opts == nil {
		opts = DefaultOptions()
	}
	e := &Engine{
		opts:  opts,
		files: newFileTable(opts.FileTableSize),
		pages: newPageTable(opts.PageTableSize),
		stop:  make(chan struct{}),
	}
	if opts.PageInstanceCacheSize > 0 {
		e.pages.freeList = make(chan *pageDescriptor, opts.PageInstanceCacheSize)
	}
	e.wg.Add(1)
	go e.cleanupLoop()
	return e
}

// Close stops the cleanup daemon. It does not detach or destroy any
// attached file; callers are responsible for their own file
// descriptors' lifetimes.
func (e *Engine) Close() {
	close(e.stop)
	e.wg.Wait()
}

// Attach implements spec §4.1's attach operation.
func (e *Engine) Attach(storage StorageStrategy, buffering BufferingStrategy, lockName string) (*File, error) {
	f, err := e.files.attach(e, storage, buffering, lockName)
	if err != nil {
		e.opts.logger().Errorf(logging.NSAttach+"attach %s: %v", storage.MDFPath, err)
	}
	return f, err
}

func (e *Engine) cleanupLoop() {
	defer e.wg.Done()
	period := e.opts.DetachedPageCleanerPeriod
	if period <= 0 {
		period = DefaultDetachedPageCleanerPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.runCleanupPass()
		}
	}
}

// runCleanupPass is the body of one detached-page cleaner pass (spec
// §5). It queries the transaction manager's in-progress enumeration for
// database 0; a deployment with more than one logical database would
// need to enumerate each DBID it has ever seen an attach for, which
// this reference engine does not track (noted in DESIGN.md).
func (e *Engine) runCleanupPass() {
	inProgress := make(map[txctx.ID]struct{})
	if e.opts.TxManager != nil {
		for _, id := range e.opts.TxManager.InProgress(0, false) {
			inProgress[id] = struct{}{}
		}
	}
	if n := e.pages.sweep(inProgress, e.opts.CleanPageCoefficient); n > 0 {
		e.opts.logger().Debugf(logging.NSCleanup+"reclaimed %d page descriptors", n)
	}
}

// RunCleanupPassNow runs one cleanup pass synchronously, outside the
// daemon's timer, for tests and operator tooling that need a
// deterministic sweep.
func (e *Engine) RunCleanupPassNow() {
	e.runCleanupPass()
}
