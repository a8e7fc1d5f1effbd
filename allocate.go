package vpagestore

import (
	"fmt"

	"github.com/aalhour/vpagestore/internal/pageformat"
	"github.com/aalhour/vpagestore/internal/testutil"
	"github.com/aalhour/vpagestore/internal/txctx"
)

// allocateLog implements spec §4.3: it returns a VLF block tx may
// write to freely. If src was already written by this same
// transaction since the most recent checkpoint, tx updates it in
// place; otherwise a fresh block is allocated, src's payload is copied
// forward, and src's old-block/old-timestamp are threaded onto the new
// block's older-chain pointer so earlier snapshots can still find it.
func (f *File) allocateLog(tx txctx.Tx, srcBlockID txctx.BlockID, srcInMDF bool, srcLastMod txctx.Timestamp) (txctx.BlockID, error) {
	if !srcInMDF && srcLastMod.Valid() && srcLastMod == tx.StartTimestamp() {
		mostRecentCheckpoint := txctx.Illegal
		if f.engine.opts.CheckpointManager != nil {
			mostRecentCheckpoint = f.engine.opts.CheckpointManager.MostRecent(f.lockName)
		}
		if !mostRecentCheckpoint.Valid() || mostRecentCheckpoint.Less(tx.StartTimestamp()) {
			return srcBlockID, nil
		}
	}

	testutil.SyncPointProcess(testutil.SPAllocateLogBeforeCopy)

	var payload []byte
	if srcInMDF {
		buf, err := f.readMDFBlock(txctx.PageID(srcBlockID))
		if err != nil {
			return txctx.Invalid, err
		}
		srcHeader, p, err := pageformat.Decode(buf, f.storage.ChecksumType)
		if err != nil {
			return txctx.Invalid, fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
		}
		// The VLF never stores a page compressed, since its blocks may
		// still be rewritten in place; an MDF source block compressed
		// under MDFCompression has to come back to plain bytes before it
		// is copied forward.
		if srcHeader.Flags&pageformat.FlagCompressed != 0 {
			plain, err := decompressMDFPayload(f.storage.MDFCompression, p, pageformat.PayloadSize(f.storage.BlockSize))
			if err != nil {
				return txctx.Invalid, fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
			}
			payload = plain
		} else {
			payload = append([]byte(nil), p...)
		}
	} else {
		buf, err := f.readVLFBlock(srcBlockID)
		if err != nil {
			return txctx.Invalid, err
		}
		_, p, err := pageformat.Decode(buf, f.storage.ChecksumType)
		if err != nil {
			return txctx.Invalid, fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
		}
		payload = append([]byte(nil), p...)
	}

	dst, err := f.allocVLFBlock()
	if err != nil {
		return txctx.Invalid, err
	}

	older := txctx.Invalid
	if !srcInMDF {
		older = srcBlockID
	}
	bh := pageformat.Header{
		Category:         pageformat.CategoryLatest,
		LastModification: tx.StartTimestamp(),
		OlderBlockID:     older,
		OlderTimestamp:   srcLastMod,
	}
	buf := make([]byte, f.storage.BlockSize)
	if err := pageformat.Encode(buf, bh, payload, f.storage.ChecksumType); err != nil {
		return txctx.Invalid, err
	}
	if err := f.writeVLFBlock(dst, buf); err != nil {
		return txctx.Invalid, err
	}

	if !srcInMDF {
		if err := f.markIntermediate(srcBlockID); err != nil {
			return txctx.Invalid, err
		}
	}

	testutil.SyncPointProcess(testutil.SPAllocateLogAfterCopy)
	return dst, nil
}

// markIntermediate recategorizes a superseded chain link so verify
// (spec §4.8) and a future sync pass can tell it apart from the chain's
// current head without having to compare block identifiers.
func (f *File) markIntermediate(blockID txctx.BlockID) error {
	buf, err := f.readVLFBlock(blockID)
	if err != nil {
		return err
	}
	bh, payload, err := pageformat.Decode(buf, f.storage.ChecksumType)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
	}
	if bh.Category == pageformat.CategoryIntermediate {
		return nil
	}
	bh.Category = pageformat.CategoryIntermediate
	out := make([]byte, f.storage.BlockSize)
	if err := pageformat.Encode(out, bh, payload, f.storage.ChecksumType); err != nil {
		return err
	}
	return f.writeVLFBlock(blockID, out)
}
