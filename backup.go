package vpagestore

import (
	"fmt"

	"github.com/aalhour/vpagestore/internal/logging"
	"github.com/aalhour/vpagestore/internal/pageformat"
	"github.com/aalhour/vpagestore/internal/pbct"
	"github.com/aalhour/vpagestore/internal/testutil"
	"github.com/aalhour/vpagestore/internal/txctx"
)

// StartBackup implements spec §4.6's start-backup operation.
//
// A restorable backup (restorable=true) is taken against a serializable
// version-using transaction: every page with a non-empty modifier list
// still has its committed state only reachable through in-memory
// modifier-list bookkeeping, so that state is materialized into the VLF
// as that page's latest version before the file is flushed. A backup of
// the file as it stands afterwards can then be restored and, once
// recovery replays any SLF pre-images and rebuilds the PBCT from the
// VLF, will present the same snapshot tx saw.
//
// A non-restorable backup (restorable=false) skips materialization
// entirely and instead marks the file so that later sync and
// truncation are suppressed until EndBackup — spec §9 requires sync to
// never run concurrently with a backup in progress.
func (f *File) StartBackup(tx txctx.Tx, restorable bool) (err error) {
	testutil.SyncPointProcess(testutil.SPBackupStart)

	f.mu.Lock()
	defer f.mu.Unlock()
	defer func() {
		if err != nil {
			f.engine.opts.logger().Errorf(logging.NSBackup+"start-backup restorable=%t: %v", restorable, err)
		}
	}()

	if !restorable {
		f.inBackup = true
		return f.flushLocked()
	}

	if f.vlf != nil {
		for _, pageID := range f.engine.pages.modifiedPageIDs(f) {
			if err := f.materializeForBackup(tx, pageID); err != nil {
				return err
			}
		}
	}
	testutil.SyncPointProcess(testutil.SPBackupMaterialized)

	if f.vlf != nil {
		// materializeForBackup's allocations moved f.header.FreeListHead
		// in memory; the on-disk header has to reflect that before the
		// flush, or a restore of this snapshot hands out a block that is
		// now a live version's home.
		if err := f.saveHeader(); err != nil {
			return err
		}
	}

	return f.flushLocked()
}

// EndBackup implements spec §4.6's end-backup operation: clears the
// in-backup mark set by a non-restorable StartBackup, allowing sync to
// resume. It is a no-op for a restorable backup, which never sets the
// mark.
func (f *File) EndBackup(tx txctx.Tx) error {
	f.mu.Lock()
	f.inBackup = false
	f.mu.Unlock()
	testutil.SyncPointProcess(testutil.SPBackupComplete)
	return nil
}

// materializeForBackup writes pageID's currently-visible version into a
// fresh VLF block and splices the PBCT leaf entry to it, the same
// allocate-log step fixForWrite performs on a write fix (spec §4.3),
// except driven directly off the page's resident descriptor rather than
// off a caller-held PageView. Callers must hold f.mu for write.
func (f *File) materializeForBackup(tx txctx.Tx, pageID txctx.PageID) error {
	leafBlockID, slot, err := f.descendReadOnly(pageID)
	if err != nil {
		return err
	}
	if !leafBlockID.Valid() {
		return nil
	}
	entry, err := f.leafEntryAt(leafBlockID, slot)
	if err != nil {
		return err
	}

	var srcBlockID txctx.BlockID
	var srcInMDF bool
	var srcLastMod txctx.Timestamp
	if entry.LatestBlockID.Valid() {
		srcBlockID = entry.LatestBlockID
		buf, err := f.readVLFBlock(srcBlockID)
		if err != nil {
			return err
		}
		bh, _, err := pageformat.Decode(buf, f.storage.ChecksumType)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
		}
		srcLastMod = bh.LastModification
	} else {
		srcInMDF = true
		srcBlockID = txctx.BlockID(pageID)
		buf, err := f.readMDFBlock(pageID)
		if err != nil {
			return err
		}
		bh, _, err := pageformat.Decode(buf, f.storage.ChecksumType)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
		}
		srcLastMod = bh.LastModification
	}

	dstBlockID, err := f.allocateLog(tx, srcBlockID, srcInMDF, srcLastMod)
	if err != nil {
		return err
	}
	if srcInMDF || dstBlockID != srcBlockID {
		if err := f.setLeafEntry(leafBlockID, slot, pbct.LeafEntry{LatestBlockID: dstBlockID, Timestamp: tx.StartTimestamp()}); err != nil {
			return err
		}
	}
	return nil
}
