package vpagestore

import (
	"fmt"

	"github.com/aalhour/vpagestore/internal/encoding"
	"github.com/aalhour/vpagestore/internal/logging"
	"github.com/aalhour/vpagestore/internal/pageformat"
	"github.com/aalhour/vpagestore/internal/pbct"
	"github.com/aalhour/vpagestore/internal/synclog"
	"github.com/aalhour/vpagestore/internal/testutil"
	"github.com/aalhour/vpagestore/internal/txctx"
	"github.com/aalhour/vpagestore/vfs"
)

// infiniteHorizon stands in for "no lower bound" when either collaborator
// has nothing to report yet (no checkpoint taken, no in-progress
// transaction): one less than Illegal, so it still compares as a valid,
// very distant timestamp rather than the sentinel itself.
const infiniteHorizon = txctx.Timestamp(^uint64(0) - 1)

// computeEldest implements spec §4.5 step 1: the oldest timestamp any
// present or future reader could still need a version at. A snapshot
// started before either bound could legally ask for a page as of a
// moment sync is about to erase.
func (f *File) computeEldest() txctx.Timestamp {
	second := infiniteHorizon
	if f.engine.opts.CheckpointManager != nil {
		if t := f.engine.opts.CheckpointManager.SecondMostRecent(f.lockName); t.Valid() {
			second = t
		}
	}
	beginning := infiniteHorizon
	if f.engine.opts.TxManager != nil {
		if t := f.engine.opts.TxManager.Beginning(f.storage.DBID); t.Valid() {
			beginning = t
		}
	}
	if second.Less(beginning) {
		return second
	}
	return beginning
}

type syncCandidate struct {
	pageID      txctx.PageID
	leafBlockID txctx.BlockID
	slot        int
}

// Sync implements spec §4.5: it migrates every page version older than
// the computed eldest horizon from the VLF into the MDF, pre-imaging
// each MDF block into the SLF first so a crash mid-sync can be undone by
// replay (spec §4.7). It returns whether the file had more candidates
// than this pass's batch limit allowed it to examine.
func (f *File) Sync(tx txctx.Tx) (incomplete bool, migrated int, err error) {
	testutil.SyncPointProcess(testutil.SPSyncStart)

	f.mu.Lock()
	defer f.mu.Unlock()
	defer func() {
		if err != nil {
			f.engine.opts.logger().Errorf(logging.NSSync+"sync: %v", err)
		} else if migrated > 0 {
			f.engine.opts.logger().Debugf(logging.NSSync+"migrated %d version(s) to mdf, incomplete=%t", migrated, incomplete)
		}
	}()

	if f.inBackup {
		return false, 0, ErrBackupInProgress
	}

	if f.vlf == nil || f.header.PageCount == 0 {
		return false, 0, nil
	}

	eldest := f.computeEldest()

	limit := f.engine.opts.SyncPageCountMax
	if limit <= 0 {
		limit = DefaultSyncPageCountMax
	}
	if f.engine.opts.TxManager != nil && len(f.engine.opts.TxManager.InProgress(f.storage.DBID, false)) > 0 {
		limit /= 10
		if limit == 0 {
			limit = 1
		}
	}

	candidates, err := f.scanLeavesForSync(tx, eldest, limit)
	if err != nil {
		return false, 0, err
	}
	incomplete = candidates.scanned < f.header.PageCount
	testutil.SyncPointProcess(testutil.SPSyncLeafScanned)

	if len(candidates.hits) == 0 {
		f.syncCursor = candidates.nextCursor
		return incomplete, 0, nil
	}

	if err := f.ensureSLFOpen(); err != nil {
		return incomplete, 0, err
	}

	for _, c := range candidates.hits {
		mdfData, err := f.readMDFBlock(c.pageID)
		if err != nil {
			return incomplete, 0, err
		}
		if _, err := f.slf.AppendPreImage(synclog.PreImage{PageID: c.pageID, MDFBlock: mdfData}); err != nil {
			return incomplete, 0, err
		}
	}
	if err := f.slf.Sync(); err != nil {
		return incomplete, 0, err
	}
	if err := f.slfHandle.Sync(); err != nil {
		return incomplete, 0, err
	}

	for _, c := range candidates.hits {
		moved, err := f.collapseChain(c, eldest)
		if err != nil {
			return incomplete, migrated, err
		}
		if moved {
			migrated++
		}
		if tx.IsCanceledStatement() {
			f.syncCursor = c.pageID
			return true, migrated, ErrCancel
		}
	}

	testutil.SyncPointProcess(testutil.SPSyncBeforeMDFWrite)
	if f.mdf != nil {
		if err := f.mdf.Sync(); err != nil {
			return incomplete, migrated, err
		}
	}
	testutil.SyncPointProcess(testutil.SPSyncAfterMDFWrite)

	f.header.OldestSyncedTimestamp = eldest
	if err := f.saveHeader(); err != nil {
		return incomplete, migrated, err
	}

	testutil.SyncPointProcess(testutil.SPSyncBeforeSLFUnlink)
	if err := f.closeAndRemoveSLF(); err != nil {
		return incomplete, migrated, err
	}

	if err := f.truncateVLFToUsed(); err != nil {
		return incomplete, migrated, err
	}

	f.syncCursor = candidates.nextCursor
	testutil.SyncPointProcess(testutil.SPSyncComplete)
	return incomplete, migrated, nil
}

type syncScanResult struct {
	hits       []syncCandidate
	scanned    uint64
	nextCursor txctx.PageID
}

// scanLeavesForSync walks the PBCT leaves in page-id order starting from
// the file's last-visited cursor, collecting at most limit candidates
// whose current version is old enough to migrate (spec §4.5 step 2).
func (f *File) scanLeavesForSync(tx txctx.Tx, eldest txctx.Timestamp, limit int) (syncScanResult, error) {
	var result syncScanResult
	total := f.header.PageCount
	start := f.syncCursor
	if uint64(start) >= total {
		start = 0
	}
	var scanned uint64
	for scanned < total && len(result.hits) < limit {
		pid := txctx.PageID((uint64(start) + scanned) % total)
		scanned++
		entry, err := f.lookupLeafEntry(pid)
		if err != nil {
			return result, err
		}
		if entry.LatestBlockID.Valid() && entry.Timestamp.Valid() && entry.Timestamp.Less(eldest) {
			leafBlockID, slot, err := f.descendReadOnly(pid)
			if err != nil {
				return result, err
			}
			if leafBlockID.Valid() {
				result.hits = append(result.hits, syncCandidate{pageID: pid, leafBlockID: leafBlockID, slot: slot})
			}
		}
		if tx.IsCanceledStatement() {
			break
		}
	}
	result.scanned = scanned
	result.nextCursor = txctx.PageID((uint64(start) + scanned) % total)
	return result, nil
}

// collapseChain implements spec §4.5 step 4: find the newest version v
// in pageID's chain old enough to retire, write v's payload into the
// MDF, free v and everything older than it, and splice the PBCT leaf
// entry to whatever remained newer than v (or to "no version" if v was
// the head).
func (f *File) collapseChain(c syncCandidate, eldest txctx.Timestamp) (bool, error) {
	entry, err := f.leafEntryAt(c.leafBlockID, c.slot)
	if err != nil {
		return false, err
	}
	if !entry.LatestBlockID.Valid() {
		return false, nil
	}

	prev := txctx.Invalid
	cur := entry.LatestBlockID
	v := txctx.Invalid
	var vPayload []byte
	var vLastMod txctx.Timestamp

	for cur.Valid() {
		buf, err := f.readVLFBlock(cur)
		if err != nil {
			return false, err
		}
		bh, payload, err := pageformat.Decode(buf, f.storage.ChecksumType)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
		}
		if bh.LastModification.Valid() && bh.LastModification.Less(eldest) {
			v = cur
			vPayload = append([]byte(nil), payload...)
			vLastMod = bh.LastModification
			break
		}
		prev = cur
		cur = bh.OlderBlockID
	}
	if !v.Valid() {
		return false, nil
	}

	mdfBuf := make([]byte, f.storage.BlockSize)
	mdfHeader := pageformat.Header{
		Category:         pageformat.CategoryFirstVersion,
		LastModification: vLastMod,
		OlderBlockID:     txctx.Invalid,
		OlderTimestamp:   txctx.Illegal,
	}
	mdfPayload := vPayload
	if packed, ok := compressMDFPayload(f.storage.MDFCompression, vPayload, pageformat.PayloadSize(f.storage.BlockSize)); ok {
		mdfHeader.Flags |= pageformat.FlagCompressed
		mdfPayload = packed
	}
	if err := pageformat.Encode(mdfBuf, mdfHeader, mdfPayload, f.storage.ChecksumType); err != nil {
		return false, err
	}
	if err := f.writeMDFBlock(c.pageID, mdfBuf); err != nil {
		return false, err
	}

	freeID := v
	for freeID.Valid() {
		buf, err := f.readVLFBlock(freeID)
		if err != nil {
			return false, err
		}
		bh, _, err := pageformat.Decode(buf, f.storage.ChecksumType)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
		}
		next := bh.OlderBlockID
		if err := f.freeVLFBlock(freeID); err != nil {
			return false, err
		}
		freeID = next
	}

	var newEntry pbct.LeafEntry
	if prev.Valid() {
		buf, err := f.readVLFBlock(prev)
		if err != nil {
			return false, err
		}
		bh, payload, err := pageformat.Decode(buf, f.storage.ChecksumType)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
		}
		bh.OlderBlockID = txctx.Invalid
		bh.OlderTimestamp = txctx.Illegal
		out := make([]byte, f.storage.BlockSize)
		if err := pageformat.Encode(out, bh, payload, f.storage.ChecksumType); err != nil {
			return false, err
		}
		if err := f.writeVLFBlock(prev, out); err != nil {
			return false, err
		}
		newEntry = pbct.LeafEntry{LatestBlockID: prev, Timestamp: bh.LastModification}
	} else {
		newEntry = pbct.LeafEntry{LatestBlockID: txctx.Invalid, Timestamp: txctx.Illegal}
	}

	if err := f.setLeafEntry(c.leafBlockID, c.slot, newEntry); err != nil {
		return false, err
	}
	return true, nil
}

// ensureSLFOpen creates the SLF lazily, on first use by a sync pass. The
// SLF carries no multiplexed header the way the VLF does: it is a
// strictly transient, single-writer append log that exists only between
// one sync pass's pre-imaging step and its own deletion a few
// microseconds later, so there is no "mount a pre-existing SLF" case a
// quorum-tolerant header would need to serve (see DESIGN.md).
func (f *File) ensureSLFOpen() error {
	if f.slf != nil {
		return nil
	}
	wf, err := f.engine.opts.FS.Create(f.storage.SLFPath)
	if err != nil {
		return err
	}
	f.slfHandle = wf
	f.slf = synclog.NewWriter(wf)
	return nil
}

func (f *File) closeAndRemoveSLF() error {
	if f.slfHandle != nil {
		if err := f.slfHandle.Close(); err != nil {
			return err
		}
	}
	f.slf = nil
	f.slfHandle = nil
	if f.storage.SLFPath == "" {
		return nil
	}
	return removeIfExists(f.engine.opts.FS, f.storage.SLFPath)
}

func removeIfExists(fs vfs.FS, path string) error {
	if !fs.Exists(path) {
		return nil
	}
	return fs.Remove(path)
}

// truncateVLFToUsed implements spec §4.5 step 7: shrink the VLF to its
// used prefix, consulting the free list to find how many blocks at the
// tail are free, and collapse the VLF entirely (shrinking the MDF to the
// surviving page range instead) if nothing in it is live anymore.
func (f *File) truncateVLFToUsed() error {
	count := f.vlf.BlockCount()
	if count == 0 {
		return nil
	}

	free := make(map[txctx.BlockID]bool)
	var chain []txctx.BlockID
	buf := make([]byte, f.storage.BlockSize)
	id := f.header.FreeListHead
	for id.Valid() {
		free[id] = true
		chain = append(chain, id)
		if err := f.vlf.ReadBlock(id, buf); err != nil {
			return err
		}
		_, payload, err := pageformat.Decode(buf, f.storage.ChecksumType)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
		}
		id = txctx.BlockID(encoding.DecodeFixed64(payload[:8]))
	}

	cutoff := txctx.BlockID(count)
	for cutoff > 0 && free[cutoff-1] {
		cutoff--
	}
	if uint64(cutoff) == count {
		return nil
	}

	if cutoff == 0 {
		f.header.FreeListHead = txctx.Invalid
		if err := f.saveHeader(); err != nil {
			return err
		}
		if err := f.vlf.Close(); err != nil {
			return err
		}
		if err := removeIfExists(f.engine.opts.FS, f.storage.VLFPath); err != nil {
			return err
		}
		f.vlf = nil
		if f.mdf != nil {
			return f.mdf.Truncate(f.header.PageCount)
		}
		return nil
	}

	newHead := txctx.Invalid
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i] >= cutoff {
			continue
		}
		if err := f.writeFreeListBlock(chain[i], newHead); err != nil {
			return err
		}
		newHead = chain[i]
	}
	f.header.FreeListHead = newHead
	// Persist the shrunk free list before truncating the VLF itself: a
	// crash between these two steps must never leave the on-disk header
	// pointing at a free-list head that the truncation has removed.
	if err := f.saveHeader(); err != nil {
		return err
	}
	return f.vlf.Truncate(uint64(cutoff))
}
