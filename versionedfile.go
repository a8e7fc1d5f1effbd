package vpagestore

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/aalhour/vpagestore/internal/bufferpool"
	"github.com/aalhour/vpagestore/internal/encoding"
	"github.com/aalhour/vpagestore/internal/header"
	"github.com/aalhour/vpagestore/internal/logging"
	"github.com/aalhour/vpagestore/internal/pageformat"
	"github.com/aalhour/vpagestore/internal/physfile"
	"github.com/aalhour/vpagestore/internal/synclog"
	"github.com/aalhour/vpagestore/internal/testutil"
	"github.com/aalhour/vpagestore/internal/txctx"
	"github.com/aalhour/vpagestore/vfs"
)

// bufferpool.Key.FileID values distinguishing a versioned file's two
// physical members inside one shared buffer pool.
const (
	mdfFileID uint64 = 0
	vlfFileID uint64 = 1
)

// File is the in-memory descriptor for one attached versioned file
// (spec §3's "File descriptor"): the mutable header, both physical
// members, and the buffer pool they share. Every exported File method
// corresponds to one spec §4.1 operation.
type File struct {
	// mu is the file-level RWLock of spec §5 step 2: held for read by
	// ordinary fix/unfix traffic, for write by operations that change
	// the file's shape (create, destroy, mount, unmount, truncate,
	// move) or its header.
	mu sync.RWMutex

	engine    *Engine
	lockName  string
	storage   StorageStrategy
	buffering BufferingStrategy

	refCount    int32 // atomic; attach/detach reference count
	batchInsert bool

	creatorSet bool
	creatorTx  txctx.ID

	mounted bool

	mdf *physfile.File
	vlf *physfile.File

	header     header.Header
	headerSlot int
	syncCursor txctx.PageID

	pool *bufferpool.Pool

	slf       *synclog.Writer
	slfHandle vfs.WritableFile

	// inBackup is spec §4.6's "in backup" mark for a non-restorable
	// backup: while set, Sync refuses to run (spec §9).
	inBackup bool
}

func newFile(e *Engine, storage StorageStrategy, buffering BufferingStrategy, lockName string) *File {
	return &File{
		engine:      e,
		lockName:    lockName,
		storage:     storage,
		buffering:   buffering,
		batchInsert: storage.BatchInsert,
	}
}

// MovePaths names the replacement paths for File.Move; a zero field
// leaves that physical file's path unchanged.
type MovePaths struct {
	MDFPath string
	VLFPath string
	SLFPath string
}

// Detach implements spec §4.1's detach operation: decrements the
// attach reference count, and once it reaches zero, either reserves
// the descriptor (reserve=true, so a later attach with the same path
// finds the same File) or tears it down — unless the descriptor's
// creating transaction is still in progress, in which case it is kept
// alive regardless of reserve.
func (f *File) Detach(tx txctx.Tx, reserve bool) error {
	if atomic.AddInt32(&f.refCount, -1) > 0 {
		return nil
	}
	if reserve {
		return nil
	}
	if f.creatorSet && f.creatorStillReachable() {
		return nil
	}
	return f.destroyDescriptor()
}

func (f *File) creatorStillReachable() bool {
	if f.engine.opts.TxManager == nil {
		return false
	}
	for _, id := range f.engine.opts.TxManager.InProgress(f.storage.DBID, false) {
		if id == f.creatorTx {
			return true
		}
	}
	return false
}

func (f *File) destroyDescriptor() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.engine.files.release(f)
	var firstErr error
	if f.mdf != nil {
		if err := f.mdf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		f.mdf = nil
	}
	if f.vlf != nil {
		if err := f.vlf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		f.vlf = nil
	}
	if firstErr != nil {
		f.engine.opts.logger().Errorf(logging.NSAttach+"%s: close on detach: %v", f.storage.MDFPath, firstErr)
	}
	return firstErr
}

// Create implements spec §4.1's create operation: records tx as the
// file's creator, so a concurrent detach of the last other reference
// before tx commits does not tear the descriptor down. The physical
// MDF/VLF are materialized lazily on first fix, per spec §4.3.
func (f *File) Create(tx txctx.Tx) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creatorTx = tx.ID()
	f.creatorSet = true
	if err := f.saveOptionsFile(); err != nil {
		f.engine.opts.logger().Errorf(logging.NSAttach+"create %s: %v", f.storage.MDFPath, err)
		return err
	}
	return nil
}

// Mount implements spec §4.1's mount operation: rendezvous with the
// OS-file layer for a descriptor that may already exist on disk from a
// previous process. If no creator has been recorded yet, the mounting
// transaction becomes one, mirroring Create's bookkeeping. A caller that
// attaches with nothing but the path fields of StorageStrategy set (the
// common case for mounting a file this process did not create) has the
// rest of its strategy recovered from the OPTIONS file Create persisted.
func (f *File) Mount(tx txctx.Tx) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.creatorSet {
		f.creatorTx = tx.ID()
		f.creatorSet = true
	}
	if err := f.loadOptionsFileIfNeeded(); err != nil {
		f.engine.opts.logger().Errorf(logging.NSAttach+"mount %s: %v", f.storage.MDFPath, err)
		return err
	}
	f.mounted = true
	return nil
}

// Unmount implements spec §4.1's unmount operation, the inverse of
// Mount. It does not close the underlying physical files; Detach does.
func (f *File) Unmount(tx txctx.Tx) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounted = false
	return nil
}

// Destroy implements spec §4.1's destroy operation: drops every
// resident page descriptor for this file, then removes the VLF, SLF,
// and MDF from disk, in that order, so a crash partway through never
// leaves a VLF pointing at a missing MDF.
func (f *File) Destroy(tx txctx.Tx) error {
	testutil.SyncPointProcess(testutil.SPDestroyStart)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.engine.pages.dropAllForFile(f)

	var firstErr error
	recordErr := func(err error) {
		if err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}

	if f.vlf != nil {
		recordErr(f.vlf.Close())
		f.vlf = nil
	}
	if f.storage.VLFPath != "" {
		recordErr(f.engine.opts.FS.Remove(f.storage.VLFPath))
	}
	if f.slfHandle != nil {
		_ = f.slfHandle.Close()
		f.slfHandle = nil
		f.slf = nil
	}
	if f.storage.SLFPath != "" {
		// Best-effort: the SLF only exists transiently during sync, so
		// its absence here is the common case, not an error.
		_ = f.engine.opts.FS.Remove(f.storage.SLFPath)
	}
	if f.mdf != nil {
		recordErr(f.mdf.Close())
		f.mdf = nil
	}
	if f.storage.MDFPath != "" {
		recordErr(f.engine.opts.FS.Remove(f.storage.MDFPath))
		_ = f.engine.opts.FS.Remove(f.optionsFilePath())
	}
	if firstErr != nil {
		f.engine.opts.logger().Errorf(logging.NSAttach+"destroy %s: %v", f.storage.MDFPath, firstErr)
	}
	return firstErr
}

// Truncate implements spec §4.1's truncate operation: everything at or
// beyond fromPageID is discarded — its modifier lists cleared, its
// full older-chain returned to the VLF free list, and the file's page
// count rolled back. If the truncation empties the file entirely, the
// VLF is deleted outright and the MDF itself is shrunk to zero blocks.
func (f *File) Truncate(tx txctx.Tx, fromPageID txctx.PageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.engine.pages.clearModifiersFromPage(f, fromPageID)

	if f.vlf == nil || uint64(fromPageID) >= f.header.PageCount {
		if uint64(fromPageID) < f.header.PageCount {
			f.header.PageCount = uint64(fromPageID)
		}
		return nil
	}

	if err := f.freeChainsFrom(fromPageID); err != nil {
		return err
	}

	f.header.PageCount = uint64(fromPageID)
	if f.header.PageCount == 0 {
		f.header.PBCTHeight = 0
		f.header.PBCTRootID = txctx.Invalid
	}
	if err := f.saveHeader(); err != nil {
		return err
	}

	if f.header.PageCount == 0 {
		if f.mdf != nil {
			if err := f.mdf.Truncate(0); err != nil {
				return err
			}
		}
		if err := f.vlf.Close(); err != nil {
			return err
		}
		if err := f.engine.opts.FS.Remove(f.storage.VLFPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		f.vlf = nil
	}
	return nil
}

// freeChainsFrom walks the older-chain of every page at or above
// fromPageID and returns each block to the VLF free list, then
// invalidates the corresponding PBCT leaf entries.
func (f *File) freeChainsFrom(fromPageID txctx.PageID) error {
	for pid := fromPageID; uint64(pid) < f.header.PageCount; pid++ {
		entry, err := f.lookupLeafEntry(pid)
		if err != nil {
			return err
		}
		blockID := entry.LatestBlockID
		for blockID.Valid() {
			buf, err := f.readVLFBlock(blockID)
			if err != nil {
				return err
			}
			bh, _, err := pageformat.Decode(buf, f.storage.ChecksumType)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
			}
			next := bh.OlderBlockID
			if err := f.freeVLFBlock(blockID); err != nil {
				return err
			}
			blockID = next
		}
		if err := f.invalidateLeafEntry(pid); err != nil {
			return err
		}
	}
	return nil
}

// Move implements spec §4.1's move operation: flushes buffered blocks,
// closes the physical files, renames whichever paths changed, reopens
// the VLF if one was open, and re-homes the descriptor in the engine's
// file table if the master-data path itself moved. The MDF is reopened
// lazily on next use.
func (f *File) Move(tx txctx.Tx, newPaths MovePaths) error {
	f.mu.Lock()
	oldMDFPath := f.storage.MDFPath
	oldOptionsPath := f.optionsFilePath()
	fs := f.engine.opts.FS

	if err := f.flushLocked(); err != nil {
		f.mu.Unlock()
		return err
	}
	hadVLF := f.vlf != nil
	if f.mdf != nil {
		if err := f.mdf.Close(); err != nil {
			f.mu.Unlock()
			f.engine.opts.logger().Errorf(logging.NSAttach+"move %s: %v", oldMDFPath, err)
			return err
		}
		f.mdf = nil
	}
	if f.vlf != nil {
		if err := f.vlf.Close(); err != nil {
			f.mu.Unlock()
			f.engine.opts.logger().Errorf(logging.NSAttach+"move %s: %v", oldMDFPath, err)
			return err
		}
		f.vlf = nil
	}

	if newPaths.MDFPath != "" && newPaths.MDFPath != f.storage.MDFPath {
		if err := fs.Rename(f.storage.MDFPath, newPaths.MDFPath); err != nil {
			f.mu.Unlock()
			f.engine.opts.logger().Errorf(logging.NSAttach+"move %s -> %s: %v", oldMDFPath, newPaths.MDFPath, err)
			return err
		}
		f.storage.MDFPath = newPaths.MDFPath
	}
	if newPaths.VLFPath != "" && newPaths.VLFPath != f.storage.VLFPath {
		if err := fs.Rename(f.storage.VLFPath, newPaths.VLFPath); err != nil {
			f.mu.Unlock()
			f.engine.opts.logger().Errorf(logging.NSAttach+"move %s -> %s: %v", oldMDFPath, newPaths.VLFPath, err)
			return err
		}
		f.storage.VLFPath = newPaths.VLFPath
	}
	if newPaths.SLFPath != "" {
		f.storage.SLFPath = newPaths.SLFPath
	}
	if hadVLF {
		if err := f.ensureVLFMaterialized(); err != nil {
			f.mu.Unlock()
			return err
		}
	}

	if f.storage.MDFPath != oldMDFPath && fs.Exists(oldOptionsPath) {
		_ = fs.Remove(oldOptionsPath)
	}
	optionsErr := f.saveOptionsFile()
	f.mu.Unlock()
	if optionsErr != nil {
		f.engine.opts.logger().Errorf(logging.NSAttach+"move %s: %v", oldMDFPath, optionsErr)
		return optionsErr
	}

	if f.storage.MDFPath != oldMDFPath {
		f.engine.files.rehome(oldMDFPath, f)
	}
	return nil
}

// Flush implements spec §4.1's flush operation: writes back every
// dirty buffered block and syncs both physical files, without
// performing sync's version-collapsing work.
func (f *File) Flush(tx txctx.Tx) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.flushLocked()
}

// flushLocked is Flush's body, for callers that already hold f.mu (for
// read or write) — such as start-backup, which must materialize pages
// and flush under one uninterrupted write-lock hold.
func (f *File) flushLocked() error {
	if f.pool != nil {
		if err := f.pool.Flush(); err != nil {
			return err
		}
	}
	var firstErr error
	if f.mdf != nil {
		if err := f.mdf.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if f.vlf != nil {
		if err := f.vlf.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ensureVLFMaterialized opens the VLF, creating and initializing its
// three header replicas on first use, or loading and quorum-selecting
// the existing ones otherwise (spec §4.3, §3).
func (f *File) ensureVLFMaterialized() error {
	if f.vlf != nil {
		return nil
	}
	testutil.SyncPointProcess(testutil.SPCreateVLF)

	vlf, err := physfile.Open(f.engine.opts.FS, f.storage.VLFPath, f.storage.BlockSize, f.storage.MaxSize, f.extensionSize())
	if err != nil {
		return err
	}
	f.vlf = vlf

	if vlf.BlockCount() == 0 {
		ids, err := vlf.Extend(uint64(header.ReplicaCount), f.maxExtension())
		if err != nil {
			return err
		}
		f.header = header.Header{
			Generation:            1,
			PageCount:             0,
			PBCTHeight:            0,
			PBCTRootID:            txctx.Invalid,
			FreeListHead:          txctx.Invalid,
			NewestTimestamp:       txctx.Illegal,
			OldestSyncedTimestamp: txctx.Illegal,
		}
		f.headerSlot = 0
		for i := len(ids) - 1; i >= header.ReplicaCount; i-- {
			if err := f.writeFreeListBlock(ids[i], f.header.FreeListHead); err != nil {
				return err
			}
			f.header.FreeListHead = ids[i]
		}
		buf := make([]byte, f.storage.BlockSize)
		for slot := 0; slot < header.ReplicaCount; slot++ {
			if err := header.EncodeReplica(buf, f.header, f.storage.ChecksumType); err != nil {
				return err
			}
			if err := vlf.WriteBlock(ids[slot], buf); err != nil {
				return err
			}
		}
		if err := vlf.Sync(); err != nil {
			return err
		}
	} else if err := f.loadHeader(); err != nil {
		return err
	}

	f.initBufferPool()
	return nil
}

// ensureMDFMaterialized opens the MDF, creating it if absent. The MDF
// carries no header of its own; it is addressed purely by page-id.
func (f *File) ensureMDFMaterialized() error {
	if f.mdf != nil {
		return nil
	}
	testutil.SyncPointProcess(testutil.SPCreateMDF)

	mdf, err := physfile.Open(f.engine.opts.FS, f.storage.MDFPath, f.storage.BlockSize, f.storage.MaxSize, f.extensionSize())
	if err != nil {
		return err
	}
	f.mdf = mdf
	f.initBufferPool()
	return nil
}

func (f *File) initBufferPool() {
	if f.pool != nil {
		return
	}
	capacity := f.buffering.PoolCapacityBytes
	if capacity == 0 {
		capacity = uint64(f.storage.BlockSize) * 256
	}
	f.pool = bufferpool.NewPool(capacity, f.writeBackBlock)
}

func (f *File) writeBackBlock(key bufferpool.Key, data []byte) error {
	switch key.FileID {
	case mdfFileID:
		return f.mdf.WriteBlock(key.BlockID, data)
	case vlfFileID:
		return f.vlf.WriteBlock(key.BlockID, data)
	default:
		return fmt.Errorf("%w: unknown buffer pool file id %d", ErrUnexpected, key.FileID)
	}
}

func (f *File) extensionSize() int64 {
	if f.storage.ExtensionSize > 0 {
		return f.storage.ExtensionSize
	}
	return DefaultVersionLogExtensionSize
}

func (f *File) maxExtension() int64 {
	return DefaultMaxExtensionSize
}

// loadHeader reads all three VLF header replicas and quorum-selects
// the authoritative one (spec §3).
func (f *File) loadHeader() error {
	var replicas [header.ReplicaCount]*header.Header
	buf := make([]byte, f.storage.BlockSize)
	for slot := 0; slot < header.ReplicaCount; slot++ {
		if err := f.vlf.ReadBlock(txctx.BlockID(slot), buf); err != nil {
			continue
		}
		h, err := header.DecodeReplica(buf, f.storage.ChecksumType)
		if err != nil {
			continue
		}
		replicas[slot] = &h
	}
	h, slot, err := header.SelectWinner(replicas)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
	}
	f.header = h
	f.headerSlot = slot
	return nil
}

// saveHeader bumps the generation and writes the two non-winning
// replica slots first, only overwriting the previously-winning slot
// last, per header.NextReplicaSlot's crash-tolerance rationale.
func (f *File) saveHeader() error {
	testutil.SyncPointProcess(testutil.SPFixBeforeHeaderQuorum)

	f.header.Generation++
	first := header.NextReplicaSlot(f.headerSlot)
	second := header.NextReplicaSlot(first)
	order := [header.ReplicaCount]int{first, second, f.headerSlot}

	buf := make([]byte, f.storage.BlockSize)
	for _, slot := range order {
		if err := header.EncodeReplica(buf, f.header, f.storage.ChecksumType); err != nil {
			return err
		}
		if err := f.vlf.WriteBlock(txctx.BlockID(slot), buf); err != nil {
			return err
		}
	}
	if err := f.vlf.Sync(); err != nil {
		return err
	}
	// All three replicas now carry the same generation; SelectWinner's
	// lowest-index tiebreak would pick slot 0 on a fresh load.
	f.headerSlot = 0
	return nil
}

func (f *File) writeFreeListBlock(id, next txctx.BlockID) error {
	buf := make([]byte, f.storage.BlockSize)
	payload := make([]byte, pageformat.PayloadSize(f.storage.BlockSize))
	encoding.EncodeFixed64(payload[:8], uint64(next))
	if err := pageformat.Encode(buf, pageformat.Header{Category: pageformat.CategoryFreeListBlock}, payload, f.storage.ChecksumType); err != nil {
		return err
	}
	return f.vlf.WriteBlock(id, buf)
}

// allocVLFBlock pops a block from the VLF free list, extending the VLF
// (and threading the extension's surplus blocks onto the free list) if
// the list is empty, per spec §4.3's allocation algorithm.
func (f *File) allocVLFBlock() (txctx.BlockID, error) {
	if f.header.FreeListHead != txctx.Invalid {
		id := f.header.FreeListHead
		buf := make([]byte, f.storage.BlockSize)
		if err := f.vlf.ReadBlock(id, buf); err != nil {
			return txctx.Invalid, err
		}
		bh, payload, err := pageformat.Decode(buf, f.storage.ChecksumType)
		if err != nil {
			return txctx.Invalid, fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
		}
		if bh.Category != pageformat.CategoryFreeListBlock {
			return txctx.Invalid, fmt.Errorf("%w: free-list head has category %s", ErrLogItemCorrupted, bh.Category)
		}
		f.header.FreeListHead = txctx.BlockID(encoding.DecodeFixed64(payload[:8]))
		return id, nil
	}

	ids, err := f.vlf.Extend(1, f.maxExtension())
	if err != nil {
		return txctx.Invalid, err
	}
	for i := len(ids) - 1; i >= 1; i-- {
		if err := f.writeFreeListBlock(ids[i], f.header.FreeListHead); err != nil {
			return txctx.Invalid, err
		}
		f.header.FreeListHead = ids[i]
	}
	return ids[0], nil
}

// freeVLFBlock threads id onto the head of the VLF free list and drops
// any buffered copy of its previous contents.
func (f *File) freeVLFBlock(id txctx.BlockID) error {
	if err := f.writeFreeListBlock(id, f.header.FreeListHead); err != nil {
		return err
	}
	f.header.FreeListHead = id
	if f.pool != nil {
		f.pool.Discard(bufferpool.Key{FileID: vlfFileID, BlockID: id})
	}
	return nil
}

// Info is a read-only snapshot of a versioned file's header and storage
// strategy, for operator tooling that needs to report on a file without
// driving a fix/unfix cycle against it.
type Info struct {
	MDFPath               string
	VLFPath               string
	SLFPath               string
	BlockSize             int
	PageCount             uint64
	PBCTHeight            uint32
	PBCTRootID            txctx.BlockID
	FreeListHead          txctx.BlockID
	NewestTimestamp       txctx.Timestamp
	OldestSyncedTimestamp txctx.Timestamp
	InBackup              bool
}

// Info returns a snapshot of f's current header and storage strategy.
// The file must already be mounted or created; VLF fields read zero
// values until the VLF is first materialized.
func (f *File) Info() Info {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Info{
		MDFPath:               f.storage.MDFPath,
		VLFPath:               f.storage.VLFPath,
		SLFPath:               f.storage.SLFPath,
		BlockSize:             f.storage.BlockSize,
		PageCount:             f.header.PageCount,
		PBCTHeight:            f.header.PBCTHeight,
		PBCTRootID:            f.header.PBCTRootID,
		FreeListHead:          f.header.FreeListHead,
		NewestTimestamp:       f.header.NewestTimestamp,
		OldestSyncedTimestamp: f.header.OldestSyncedTimestamp,
		InBackup:              f.inBackup,
	}
}
