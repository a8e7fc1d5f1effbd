package vpagestore

import (
	"fmt"

	"github.com/aalhour/vpagestore/internal/bufferpool"
	"github.com/aalhour/vpagestore/internal/compression"
	"github.com/aalhour/vpagestore/internal/encoding"
	"github.com/aalhour/vpagestore/internal/pageformat"
	"github.com/aalhour/vpagestore/internal/pbct"
	"github.com/aalhour/vpagestore/internal/testutil"
	"github.com/aalhour/vpagestore/internal/txctx"
)

// compressedLengthPrefixSize is the width of the length prefix stored
// ahead of a compressed MDF payload: pageformat's fixed-size blocks
// carry no trailing delimiter, so the compressed byte count has to be
// recorded explicitly to tell real compressed bytes apart from the
// zero-fill Encode pads the rest of the block with.
const compressedLengthPrefixSize = 4

// compressMDFPayload compresses plain under ct and, if the packed
// length-prefixed form fits within capacity, returns it with ok=true.
// NoCompression and any codec whose output would not fit both report
// ok=false, so the caller falls back to storing plain uncompressed.
func compressMDFPayload(ct compression.Type, plain []byte, capacity int) ([]byte, bool) {
	if ct == compression.NoCompression {
		return nil, false
	}
	packed, err := compression.Compress(ct, plain)
	if err != nil || len(packed)+compressedLengthPrefixSize > capacity {
		return nil, false
	}
	out := make([]byte, compressedLengthPrefixSize+len(packed))
	encoding.EncodeFixed32(out[:compressedLengthPrefixSize], uint32(len(packed)))
	copy(out[compressedLengthPrefixSize:], packed)
	return out, true
}

// decompressMDFPayload reverses compressMDFPayload: raw is the raw
// on-disk payload region (length prefix followed by compressed bytes,
// zero-padded to the block's capacity), plainSize is the page's
// uncompressed payload size.
func decompressMDFPayload(ct compression.Type, raw []byte, plainSize int) ([]byte, error) {
	if len(raw) < compressedLengthPrefixSize {
		return nil, pageformat.ErrShortBlock
	}
	n := int(encoding.DecodeFixed32(raw[:compressedLengthPrefixSize]))
	if n < 0 || compressedLengthPrefixSize+n > len(raw) {
		return nil, pageformat.ErrShortBlock
	}
	return compression.DecompressWithSize(ct, raw[compressedLengthPrefixSize:compressedLengthPrefixSize+n], plainSize)
}

// attachMDFPlainData populates view.plain for an MDF-sourced view when
// its Data() must diverge from the raw buffer-pool bytes: either the
// block is already stored compressed and needs decompressing, or the
// file's current strategy compresses MDF blocks going forward, in
// which case a private copy is needed regardless since reseal will
// overwrite the pooled buffer's bytes out from under whatever slice
// Data() handed the caller.
func (f *File) attachMDFPlainData(view *PageView, raw []byte) error {
	if view.header.Flags&pageformat.FlagCompressed != 0 {
		plain, err := decompressMDFPayload(f.storage.MDFCompression, raw, pageformat.PayloadSize(f.storage.BlockSize))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
		}
		view.plain = plain
		return nil
	}
	if f.storage.MDFCompression != compression.NoCompression {
		view.plain = append([]byte(nil), raw...)
	}
	return nil
}

// pageSource names which physical file a PageView's block lives in.
type pageSource int

const (
	sourceMDF pageSource = iota
	sourceVLF
)

func fileIDFor(s pageSource) uint64 {
	if s == sourceMDF {
		return mdfFileID
	}
	return vlfFileID
}

// PageView is a pinned reference to one page's selected version,
// returned by Fix and released by Unfix (spec §4.2).
type PageView struct {
	file   *File
	pageID txctx.PageID
	mode   FixMode
	txID   txctx.ID

	discardable bool
	touched     bool

	source  pageSource
	blockID txctx.BlockID
	desc    *pageDescriptor
	handle  *bufferpool.Handle
	header  pageformat.Header

	// plain holds the view's logical payload when it must diverge from
	// the raw buffer-pool bytes — currently, only an MDF-resident block
	// under a configured MDFCompression. nil means Data() aliases the
	// pooled block directly, the common case.
	plain []byte
}

// Data returns the view's buffered payload bytes, excluding the
// pageformat header and checksum trailer that frame it on disk;
// callers that modify it must call Touch before Unfix, so the trailer
// gets resealed over the new payload before it reaches the write-back
// path.
func (v *PageView) Data() []byte {
	if v.plain != nil {
		return v.plain
	}
	return v.handle.Data()[pageformat.HeaderSize:]
}

// PageID returns the page identifier this view was fixed for.
func (v *PageView) PageID() txctx.PageID { return v.pageID }

// Mode returns the mode the view was fixed under.
func (v *PageView) Mode() FixMode { return v.mode }

// Touch marks the view dirty without requiring the caller to pass
// dirty=true to Unfix, per spec §4.2's touch/unfix semantics. It
// reseals the block's checksum trailer over the current payload bytes
// immediately, rather than deferring to write-back, so a concurrent
// reader fixing the same still-resident block sees a block that always
// checksums correctly.
func (v *PageView) Touch() {
	v.touched = true
	v.reseal()
	v.file.pool.Touch(v.handle)
}

// reseal re-encodes the block's fixed header and checksum trailer over
// whatever payload bytes Data() currently holds. The header fields
// themselves (category, last-modification, older-chain pointers) are
// fixed at allocation time and never change across a view's lifetime;
// only the checksum needs recomputing once the payload is edited in
// place.
func (v *PageView) reseal() {
	block := v.handle.Data()
	if v.plain == nil {
		_ = pageformat.Encode(block, v.header, block[pageformat.HeaderSize:], v.file.storage.ChecksumType)
		return
	}
	if packed, ok := compressMDFPayload(v.file.storage.MDFCompression, v.plain, pageformat.PayloadSize(len(block))); ok {
		v.header.Flags |= pageformat.FlagCompressed
		_ = pageformat.Encode(block, v.header, packed, v.file.storage.ChecksumType)
		return
	}
	v.header.Flags &^= pageformat.FlagCompressed
	_ = pageformat.Encode(block, v.header, v.plain, v.file.storage.ChecksumType)
}

// Fix implements spec §4.2's page-descriptor fix operation. discardable
// corresponds to the spec's Discardable modifier flag: when set and the
// view is unfixed without having been touched or marked dirty, the
// buffered block is dropped rather than left resident.
func (f *File) Fix(tx txctx.Tx, pageID txctx.PageID, mode FixMode, discardable bool, priority Priority) (*PageView, error) {
	if mode != ReadOnly && tx.Category() == txctx.CategoryReadOnly {
		return nil, ErrReadOnlyTransaction
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	desc := f.engine.pages.fix(f, pageID)

	var view *PageView
	var err error
	switch {
	case f.storage.NoVersion:
		view, err = f.fixNoVersion(tx, pageID, mode, desc)
	case mode == ReadOnly:
		view, err = f.fixReadOnly(tx, pageID, desc)
	default:
		view, err = f.fixForWrite(tx, pageID, mode, desc)
	}
	if err != nil {
		return nil, err
	}
	view.discardable = discardable
	return view, nil
}

// Unfix implements spec §4.2's unfix operation.
func (f *File) Unfix(view *PageView, dirty bool) error {
	defer f.engine.pages.unfix(view.desc)

	if dirty || view.touched {
		view.reseal()
		if !f.batchInsert {
			view.desc.insertModifier(view.txID)
		}
		f.pool.Unfix(view.handle, true)
		return nil
	}

	if view.discardable {
		f.pool.Discard(bufferpool.Key{FileID: fileIDFor(view.source), BlockID: view.blockID})
	}
	f.pool.Unfix(view.handle, false)
	return nil
}

// fixNoVersion implements spec §4.2 case 1: delegate straight to the
// MDF block at page-id, creating it lazily under Allocate.
func (f *File) fixNoVersion(tx txctx.Tx, pageID txctx.PageID, mode FixMode, desc *pageDescriptor) (*PageView, error) {
	if err := f.ensureMDFMaterialized(); err != nil {
		f.engine.pages.unfix(desc)
		return nil, err
	}
	if mode == Allocate {
		if err := f.ensureMDFBlockAllocated(pageID); err != nil {
			f.engine.pages.unfix(desc)
			return nil, err
		}
	}
	h, err := f.fixMDFHandle(pageID)
	if err != nil {
		f.engine.pages.unfix(desc)
		return nil, err
	}
	bh, raw, err := pageformat.Decode(h.Data(), f.storage.ChecksumType)
	if err != nil {
		f.pool.Unfix(h, false)
		f.engine.pages.unfix(desc)
		return nil, fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
	}
	view := &PageView{file: f, pageID: pageID, mode: mode, txID: tx.ID(), source: sourceMDF, blockID: txctx.BlockID(pageID), desc: desc, handle: h, header: bh}
	if err := f.attachMDFPlainData(view, raw); err != nil {
		f.pool.Unfix(h, false)
		f.engine.pages.unfix(desc)
		return nil, err
	}
	return view, nil
}

// fixReadOnly implements spec §4.2 case 2.
func (f *File) fixReadOnly(tx txctx.Tx, pageID txctx.PageID, desc *pageDescriptor) (*PageView, error) {
	if f.vlf == nil {
		return f.fixMDFFallback(tx, pageID, desc)
	}
	if uint64(pageID) >= f.header.PageCount {
		f.engine.pages.unfix(desc)
		return nil, ErrPageNotAllocated
	}

	entry, err := f.lookupLeafEntry(pageID)
	if err != nil {
		f.engine.pages.unfix(desc)
		return nil, err
	}
	if !entry.LatestBlockID.Valid() {
		return f.fixMDFFallback(tx, pageID, desc)
	}
	if tx.IsNoVersion() {
		return f.fixVLFHandleView(tx, pageID, desc, entry.LatestBlockID)
	}

	// The modifier-list overlap test does not depend on which version in
	// the chain is examined, so a single check up front decides whether
	// any chain member can possibly satisfy it.
	if desc.overlapsAny(tx) {
		return f.fixMDFFallback(tx, pageID, desc)
	}

	blockID := entry.LatestBlockID
	for blockID.Valid() {
		buf, err := f.readVLFBlock(blockID)
		if err != nil {
			f.engine.pages.unfix(desc)
			return nil, err
		}
		bh, _, err := pageformat.Decode(buf, f.storage.ChecksumType)
		if err != nil {
			f.engine.pages.unfix(desc)
			return nil, fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
		}
		if bh.LastModification.Valid() && bh.LastModification.Less(tx.StartTimestamp()) {
			return f.fixVLFHandleView(tx, pageID, desc, blockID)
		}
		blockID = bh.OlderBlockID
	}
	return f.fixMDFFallback(tx, pageID, desc)
}

func (f *File) fixMDFFallback(tx txctx.Tx, pageID txctx.PageID, desc *pageDescriptor) (*PageView, error) {
	if err := f.ensureMDFMaterialized(); err != nil {
		f.engine.pages.unfix(desc)
		return nil, err
	}
	h, err := f.fixMDFHandle(pageID)
	if err != nil {
		f.engine.pages.unfix(desc)
		return nil, err
	}
	bh, raw, err := pageformat.Decode(h.Data(), f.storage.ChecksumType)
	if err != nil {
		f.pool.Unfix(h, false)
		f.engine.pages.unfix(desc)
		return nil, fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
	}
	view := &PageView{file: f, pageID: pageID, mode: ReadOnly, txID: tx.ID(), source: sourceMDF, blockID: txctx.BlockID(pageID), desc: desc, handle: h, header: bh}
	if err := f.attachMDFPlainData(view, raw); err != nil {
		f.pool.Unfix(h, false)
		f.engine.pages.unfix(desc)
		return nil, err
	}
	return view, nil
}

func (f *File) fixVLFHandleView(tx txctx.Tx, pageID txctx.PageID, desc *pageDescriptor, blockID txctx.BlockID) (*PageView, error) {
	h, err := f.fixVLFHandle(blockID)
	if err != nil {
		f.engine.pages.unfix(desc)
		return nil, err
	}
	bh, _, err := pageformat.Decode(h.Data(), f.storage.ChecksumType)
	if err != nil {
		f.pool.Unfix(h, false)
		f.engine.pages.unfix(desc)
		return nil, fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
	}
	return &PageView{file: f, pageID: pageID, mode: ReadOnly, txID: tx.ID(), source: sourceVLF, blockID: blockID, desc: desc, handle: h, header: bh}, nil
}

// fixForWrite implements spec §4.2 case 3.
func (f *File) fixForWrite(tx txctx.Tx, pageID txctx.PageID, mode FixMode, desc *pageDescriptor) (*PageView, error) {
	if err := f.ensureMDFMaterialized(); err != nil {
		f.engine.pages.unfix(desc)
		return nil, err
	}
	if err := f.ensureVLFMaterialized(); err != nil {
		f.engine.pages.unfix(desc)
		return nil, err
	}

	if mode == Allocate {
		switch {
		case uint64(pageID) == f.header.PageCount:
			if err := f.ensureMDFBlockAllocated(pageID); err != nil {
				f.engine.pages.unfix(desc)
				return nil, err
			}
		case uint64(pageID) > f.header.PageCount:
			f.engine.pages.unfix(desc)
			return nil, ErrPageNotAllocated
		}
	} else if uint64(pageID) >= f.header.PageCount {
		f.engine.pages.unfix(desc)
		return nil, ErrPageNotAllocated
	}

	leafBlockID, slot, err := f.ensureLeafForWrite(pageID)
	if err != nil {
		f.engine.pages.unfix(desc)
		return nil, err
	}

	entry, err := f.leafEntryAt(leafBlockID, slot)
	if err != nil {
		f.engine.pages.unfix(desc)
		return nil, err
	}

	var srcBlockID txctx.BlockID
	var srcInMDF bool
	var srcLastMod txctx.Timestamp
	if entry.LatestBlockID.Valid() {
		srcBlockID = entry.LatestBlockID
		buf, err := f.readVLFBlock(srcBlockID)
		if err != nil {
			f.engine.pages.unfix(desc)
			return nil, err
		}
		bh, _, err := pageformat.Decode(buf, f.storage.ChecksumType)
		if err != nil {
			f.engine.pages.unfix(desc)
			return nil, fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
		}
		srcLastMod = bh.LastModification
	} else {
		srcInMDF = true
		srcBlockID = txctx.BlockID(pageID)
		buf, err := f.readMDFBlock(pageID)
		if err != nil {
			f.engine.pages.unfix(desc)
			return nil, err
		}
		bh, _, err := pageformat.Decode(buf, f.storage.ChecksumType)
		if err != nil {
			f.engine.pages.unfix(desc)
			return nil, fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
		}
		srcLastMod = bh.LastModification
	}

	dstBlockID, err := f.allocateLog(tx, srcBlockID, srcInMDF, srcLastMod)
	if err != nil {
		f.engine.pages.unfix(desc)
		return nil, err
	}

	if srcInMDF || dstBlockID != srcBlockID {
		if err := f.setLeafEntry(leafBlockID, slot, pbct.LeafEntry{LatestBlockID: dstBlockID, Timestamp: tx.StartTimestamp()}); err != nil {
			f.engine.pages.unfix(desc)
			return nil, err
		}
	}
	if !f.header.NewestTimestamp.Valid() || f.header.NewestTimestamp.Less(tx.StartTimestamp()) {
		f.header.NewestTimestamp = tx.StartTimestamp()
	}
	if err := f.saveHeader(); err != nil {
		f.engine.pages.unfix(desc)
		return nil, err
	}

	h, err := f.fixVLFHandle(dstBlockID)
	if err != nil {
		f.engine.pages.unfix(desc)
		return nil, err
	}
	// allocateLog's two internal paths (in-place reuse vs. copy-forward)
	// leave different header fields behind; decoding the block it actually
	// produced is simpler and more robust than threading the header back
	// out through allocateLog's return values.
	bh, _, err := pageformat.Decode(h.Data(), f.storage.ChecksumType)
	if err != nil {
		f.pool.Unfix(h, false)
		f.engine.pages.unfix(desc)
		return nil, fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
	}
	return &PageView{file: f, pageID: pageID, mode: mode, txID: tx.ID(), source: sourceVLF, blockID: dstBlockID, desc: desc, handle: h, header: bh}, nil
}

// fixMDFHandle and fixVLFHandle obtain a pinned buffer-pool handle for
// an MDF or VLF block, without copying the bytes out the way
// readMDFBlock/readVLFBlock do for short-lived PBCT reads.
func (f *File) fixMDFHandle(pageID txctx.PageID) (*bufferpool.Handle, error) {
	key := bufferpool.Key{FileID: mdfFileID, BlockID: txctx.BlockID(pageID)}
	return f.pool.Fix(key, uint64(f.storage.BlockSize), func() ([]byte, error) {
		buf := make([]byte, f.storage.BlockSize)
		if err := f.mdf.ReadBlock(txctx.BlockID(pageID), buf); err != nil {
			return nil, err
		}
		return buf, nil
	})
}

func (f *File) fixVLFHandle(blockID txctx.BlockID) (*bufferpool.Handle, error) {
	key := bufferpool.Key{FileID: vlfFileID, BlockID: blockID}
	return f.pool.Fix(key, uint64(f.storage.BlockSize), func() ([]byte, error) {
		buf := make([]byte, f.storage.BlockSize)
		if err := f.vlf.ReadBlock(blockID, buf); err != nil {
			return nil, err
		}
		return buf, nil
	})
}

func (f *File) readMDFBlock(pageID txctx.PageID) ([]byte, error) {
	h, err := f.fixMDFHandle(pageID)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(h.Data()))
	copy(out, h.Data())
	f.pool.Unfix(h, false)
	return out, nil
}

func (f *File) writeMDFBlock(pageID txctx.PageID, data []byte) error {
	h, err := f.fixMDFHandle(pageID)
	if err != nil {
		return err
	}
	copy(h.Data(), data)
	f.pool.Touch(h)
	f.pool.Unfix(h, true)
	return nil
}

// ensureMDFBlockAllocated grows the MDF to cover pageID if needed,
// formatting every newly extended block as an empty first-version
// block so a later Decode's checksum check succeeds.
func (f *File) ensureMDFBlockAllocated(pageID txctx.PageID) error {
	want := uint64(pageID) + 1
	have := f.mdf.BlockCount()
	if have >= want {
		return nil
	}
	ids, err := f.mdf.Extend(want-have, f.maxExtension())
	if err != nil {
		return err
	}
	buf := make([]byte, f.storage.BlockSize)
	bh := pageformat.Header{Category: pageformat.CategoryFirstVersion, LastModification: txctx.Illegal, OlderBlockID: txctx.Invalid, OlderTimestamp: txctx.Illegal}
	if err := pageformat.Encode(buf, bh, nil, f.storage.ChecksumType); err != nil {
		return err
	}
	for _, id := range ids {
		if err := f.mdf.WriteBlock(id, buf); err != nil {
			return err
		}
	}
	testutil.SyncPointProcess(testutil.SPAllocateLogAfterCopy)
	return nil
}
