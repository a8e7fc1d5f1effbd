package vpagestore

import (
	"fmt"

	"github.com/aalhour/vpagestore/internal/bufferpool"
	"github.com/aalhour/vpagestore/internal/pbct"
	"github.com/aalhour/vpagestore/internal/txctx"
)

// readVLFBlock returns a private copy of a VLF block's bytes, routed
// through the file's buffer pool so repeated PBCT descents during a
// hot traversal hit cache instead of the physical file.
func (f *File) readVLFBlock(id txctx.BlockID) ([]byte, error) {
	key := bufferpool.Key{FileID: vlfFileID, BlockID: id}
	h, err := f.pool.Fix(key, uint64(f.storage.BlockSize), func() ([]byte, error) {
		buf := make([]byte, f.storage.BlockSize)
		if err := f.vlf.ReadBlock(id, buf); err != nil {
			return nil, err
		}
		return buf, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(h.Data()))
	copy(out, h.Data())
	f.pool.Unfix(h, false)
	return out, nil
}

// writeVLFBlock stores data as block id through the buffer pool,
// marking it dirty; it reaches disk on the next eviction or Flush.
func (f *File) writeVLFBlock(id txctx.BlockID, data []byte) error {
	key := bufferpool.Key{FileID: vlfFileID, BlockID: id}
	h, err := f.pool.Fix(key, uint64(f.storage.BlockSize), func() ([]byte, error) {
		return make([]byte, f.storage.BlockSize), nil
	})
	if err != nil {
		return err
	}
	copy(h.Data(), data)
	f.pool.Touch(h)
	f.pool.Unfix(h, true)
	return nil
}

func (f *File) writeVLFNode(id txctx.BlockID, children []txctx.BlockID) error {
	buf := make([]byte, f.storage.BlockSize)
	if err := pbct.EncodeNode(buf, children, f.storage.ChecksumType); err != nil {
		return err
	}
	return f.writeVLFBlock(id, buf)
}

func (f *File) writeVLFLeaf(id txctx.BlockID, entries []pbct.LeafEntry) error {
	buf := make([]byte, f.storage.BlockSize)
	if err := pbct.EncodeLeaf(buf, entries, f.storage.ChecksumType); err != nil {
		return err
	}
	return f.writeVLFBlock(id, buf)
}

// descendReadOnly walks the PBCT from the root to the leaf block that
// would hold pageID's entry, without allocating anything. It returns
// (Invalid, 0, nil) if the tree does not yet reach pageID — an absent
// branch along the path, or no tree at all.
func (f *File) descendReadOnly(pageID txctx.PageID) (txctx.BlockID, int, error) {
	if f.header.PBCTRootID == txctx.Invalid {
		return txctx.Invalid, 0, nil
	}
	nodeFanout := pbct.NodeFanout(f.storage.BlockSize)
	leafFanout := pbct.LeafFanout(f.storage.BlockSize)
	path := pbct.PathIndices(pageID, int(f.header.PBCTHeight), nodeFanout, leafFanout)

	cur := f.header.PBCTRootID
	for level := 0; level < int(f.header.PBCTHeight); level++ {
		data, err := f.readVLFBlock(cur)
		if err != nil {
			return txctx.Invalid, 0, err
		}
		children, err := pbct.DecodeNode(data, f.storage.ChecksumType)
		if err != nil {
			return txctx.Invalid, 0, fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
		}
		idx := path[level]
		if idx >= len(children) || children[idx] == txctx.Invalid {
			return txctx.Invalid, 0, nil
		}
		cur = children[idx]
	}
	return cur, path[len(path)-1], nil
}

// lookupLeafEntry returns pageID's current PBCT leaf entry, or the
// zero entry (Invalid block, Illegal timestamp) if pageID has never
// been allocated a VLF version.
func (f *File) lookupLeafEntry(pageID txctx.PageID) (pbct.LeafEntry, error) {
	leafBlockID, slot, err := f.descendReadOnly(pageID)
	if err != nil {
		return pbct.LeafEntry{}, err
	}
	if leafBlockID == txctx.Invalid {
		return pbct.LeafEntry{LatestBlockID: txctx.Invalid, Timestamp: txctx.Illegal}, nil
	}
	data, err := f.readVLFBlock(leafBlockID)
	if err != nil {
		return pbct.LeafEntry{}, err
	}
	entries, err := pbct.DecodeLeaf(data, f.storage.ChecksumType)
	if err != nil {
		return pbct.LeafEntry{}, fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
	}
	if slot >= len(entries) {
		return pbct.LeafEntry{LatestBlockID: txctx.Invalid, Timestamp: txctx.Illegal}, nil
	}
	return entries[slot], nil
}

// leafEntryAt reads a single slot out of a known leaf block, used once
// ensureLeafForWrite has already resolved the descent path.
func (f *File) leafEntryAt(leafBlockID txctx.BlockID, slot int) (pbct.LeafEntry, error) {
	data, err := f.readVLFBlock(leafBlockID)
	if err != nil {
		return pbct.LeafEntry{}, err
	}
	entries, err := pbct.DecodeLeaf(data, f.storage.ChecksumType)
	if err != nil {
		return pbct.LeafEntry{}, fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
	}
	if slot >= len(entries) {
		return pbct.LeafEntry{LatestBlockID: txctx.Invalid, Timestamp: txctx.Illegal}, nil
	}
	return entries[slot], nil
}

func (f *File) setLeafEntry(leafBlockID txctx.BlockID, slot int, entry pbct.LeafEntry) error {
	data, err := f.readVLFBlock(leafBlockID)
	if err != nil {
		return err
	}
	entries, err := pbct.DecodeLeaf(data, f.storage.ChecksumType)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
	}
	if slot >= len(entries) {
		return fmt.Errorf("%w: leaf slot %d out of range (fanout %d)", ErrUnexpected, slot, len(entries))
	}
	entries[slot] = entry
	return f.writeVLFLeaf(leafBlockID, entries)
}

// invalidateLeafEntry clears pageID's leaf entry back to "never
// allocated", used by Truncate once a page's whole chain has been
// freed.
func (f *File) invalidateLeafEntry(pageID txctx.PageID) error {
	leafBlockID, slot, err := f.descendReadOnly(pageID)
	if err != nil {
		return err
	}
	if leafBlockID == txctx.Invalid {
		return nil
	}
	return f.setLeafEntry(leafBlockID, slot, pbct.LeafEntry{LatestBlockID: txctx.Invalid, Timestamp: txctx.Illegal})
}

// growPBCTTo promotes the tree one level at a time until it reaches
// height, wrapping the current root (leaf or interior node) as the
// first child of each new root (spec §4.4's height-promotion rule).
func (f *File) growPBCTTo(height int) error {
	for int(f.header.PBCTHeight) < height {
		newRoot, err := f.allocVLFBlock()
		if err != nil {
			return err
		}
		var children []txctx.BlockID
		if f.header.PBCTRootID != txctx.Invalid {
			children = []txctx.BlockID{f.header.PBCTRootID}
		}
		if err := f.writeVLFNode(newRoot, children); err != nil {
			return err
		}
		f.header.PBCTRootID = newRoot
		f.header.PBCTHeight++
	}
	return nil
}

// ensureLeafForWrite grows the tree if pageID would not yet fit, then
// descends to pageID's leaf, allocating any absent interior node or
// leaf block along the way. It returns the leaf block id and pageID's
// slot within it, and advances the file's page count if pageID is new.
func (f *File) ensureLeafForWrite(pageID txctx.PageID) (txctx.BlockID, int, error) {
	wantPageCount := f.header.PageCount
	if uint64(pageID)+1 > wantPageCount {
		wantPageCount = uint64(pageID) + 1
	}
	nodeFanout := pbct.NodeFanout(f.storage.BlockSize)
	leafFanout := pbct.LeafFanout(f.storage.BlockSize)
	requiredHeight := pbct.RequiredHeight(wantPageCount, nodeFanout, leafFanout)

	if err := f.growPBCTTo(requiredHeight); err != nil {
		return txctx.Invalid, 0, err
	}

	if f.header.PBCTRootID == txctx.Invalid {
		leafID, err := f.allocVLFBlock()
		if err != nil {
			return txctx.Invalid, 0, err
		}
		if err := f.writeVLFLeaf(leafID, nil); err != nil {
			return txctx.Invalid, 0, err
		}
		f.header.PBCTRootID = leafID
	}

	path := pbct.PathIndices(pageID, int(f.header.PBCTHeight), nodeFanout, leafFanout)
	blockID := f.header.PBCTRootID

	for level := 0; level < int(f.header.PBCTHeight); level++ {
		data, err := f.readVLFBlock(blockID)
		if err != nil {
			return txctx.Invalid, 0, err
		}
		children, err := pbct.DecodeNode(data, f.storage.ChecksumType)
		if err != nil {
			return txctx.Invalid, 0, fmt.Errorf("%w: %v", ErrLogItemCorrupted, err)
		}
		idx := path[level]
		child := children[idx]
		if child == txctx.Invalid {
			newChild, err := f.allocVLFBlock()
			if err != nil {
				return txctx.Invalid, 0, err
			}
			if level == int(f.header.PBCTHeight)-1 {
				err = f.writeVLFLeaf(newChild, nil)
			} else {
				err = f.writeVLFNode(newChild, nil)
			}
			if err != nil {
				return txctx.Invalid, 0, err
			}
			children[idx] = newChild
			if err := f.writeVLFNode(blockID, children); err != nil {
				return txctx.Invalid, 0, err
			}
			child = newChild
		}
		blockID = child
	}

	if uint64(pageID)+1 > f.header.PageCount {
		f.header.PageCount = uint64(pageID) + 1
	}

	return blockID, path[len(path)-1], nil
}
