// Package pbct implements the page-block-correspondence tree of spec
// §4.4: a fixed-fanout index, rooted either directly at a leaf block
// (height 0) or atop one or more levels of interior node blocks (height
// >= 1), that maps a PageID to the VLF BlockID holding that page's
// newest version.
//
// The tree's reference-counted, builder-applies-edits shape is grounded
// on the teacher's internal/version package: a Version there is an
// immutable array-of-levels selected by height, new versions are built
// by applying edits to the previous one under a dedicated list lock, and
// old versions are retired by Unref once no reader holds them. Here the
// "version" being swapped is the PBCT root pointer published in the file
// header, and the "levels" are PBCT tree levels rather than LSM levels.
package pbct

import (
	"errors"
	"fmt"

	"github.com/aalhour/vpagestore/internal/checksum"
	"github.com/aalhour/vpagestore/internal/encoding"
	"github.com/aalhour/vpagestore/internal/pageformat"
	"github.com/aalhour/vpagestore/internal/txctx"
)

// nodeEntrySize is the encoded size of one interior node child entry
// (a single BlockID).
const nodeEntrySize = 8

// leafEntrySize is the encoded size of one leaf entry (a BlockID paired
// with a timestamp).
const leafEntrySize = 16

// ErrDecode is returned when a node/leaf payload's length is not an
// exact multiple of its entry size.
var ErrDecode = errors.New("pbct: payload length is not a whole number of entries")

// NodeFanout returns the number of child BlockIDs an interior node block
// of the given size can hold.
func NodeFanout(blockSize int) int {
	return pageformat.PayloadSize(blockSize) / nodeEntrySize
}

// LeafFanout returns the number of page entries a leaf block of the
// given size can hold.
func LeafFanout(blockSize int) int {
	return pageformat.PayloadSize(blockSize) / leafEntrySize
}

// LeafEntry is one page's PBCT leaf slot: the newest VLF block holding a
// version of that page (Invalid if the page's only surviving version
// lives in the MDF), and the timestamp spec.md's format version assigns
// to it (newest-timestamp for the current format, oldest-timestamp for
// format v1 — this module always writes/reads the current field).
type LeafEntry struct {
	LatestBlockID txctx.BlockID
	Timestamp     txctx.Timestamp
}

// EncodeNode serializes an interior node's children into a pageformat
// block. len(children) must not exceed NodeFanout(len(dst)); unused
// trailing slots are written as the invalid sentinel.
func EncodeNode(dst []byte, children []txctx.BlockID, ct checksum.Type) error {
	fanout := NodeFanout(len(dst))
	if len(children) > fanout {
		return fmt.Errorf("pbct: %d children exceeds node fanout %d", len(children), fanout)
	}
	payload := make([]byte, fanout*nodeEntrySize)
	for i := 0; i < fanout; i++ {
		id := txctx.Invalid
		if i < len(children) {
			id = children[i]
		}
		encoding.EncodeFixed64(payload[i*nodeEntrySize:], uint64(id))
	}
	return pageformat.Encode(dst, pageformat.Header{Category: pageformat.CategoryPBCTNode}, payload, ct)
}

// DecodeNode parses an interior node block back into its child BlockIDs.
func DecodeNode(src []byte, ct checksum.Type) ([]txctx.BlockID, error) {
	blockHeader, payload, err := pageformat.Decode(src, ct)
	if err != nil {
		return nil, err
	}
	if blockHeader.Category != pageformat.CategoryPBCTNode {
		return nil, fmt.Errorf("pbct: block category %s is not a PBCT node", blockHeader.Category)
	}
	if len(payload)%nodeEntrySize != 0 {
		return nil, ErrDecode
	}
	children := make([]txctx.BlockID, len(payload)/nodeEntrySize)
	for i := range children {
		children[i] = txctx.BlockID(encoding.DecodeFixed64(payload[i*nodeEntrySize:]))
	}
	return children, nil
}

// EncodeLeaf serializes a leaf's page entries into a pageformat block.
func EncodeLeaf(dst []byte, entries []LeafEntry, ct checksum.Type) error {
	fanout := LeafFanout(len(dst))
	if len(entries) > fanout {
		return fmt.Errorf("pbct: %d entries exceeds leaf fanout %d", len(entries), fanout)
	}
	payload := make([]byte, fanout*leafEntrySize)
	for i := 0; i < fanout; i++ {
		e := LeafEntry{LatestBlockID: txctx.Invalid, Timestamp: txctx.Illegal}
		if i < len(entries) {
			e = entries[i]
		}
		off := i * leafEntrySize
		encoding.EncodeFixed64(payload[off:], uint64(e.LatestBlockID))
		encoding.EncodeFixed64(payload[off+8:], uint64(e.Timestamp))
	}
	return pageformat.Encode(dst, pageformat.Header{Category: pageformat.CategoryPBCTLeaf}, payload, ct)
}

// DecodeLeaf parses a leaf block back into its page entries.
func DecodeLeaf(src []byte, ct checksum.Type) ([]LeafEntry, error) {
	blockHeader, payload, err := pageformat.Decode(src, ct)
	if err != nil {
		return nil, err
	}
	if blockHeader.Category != pageformat.CategoryPBCTLeaf {
		return nil, fmt.Errorf("pbct: block category %s is not a PBCT leaf", blockHeader.Category)
	}
	if len(payload)%leafEntrySize != 0 {
		return nil, ErrDecode
	}
	entries := make([]LeafEntry, len(payload)/leafEntrySize)
	for i := range entries {
		off := i * leafEntrySize
		entries[i] = LeafEntry{
			LatestBlockID: txctx.BlockID(encoding.DecodeFixed64(payload[off:])),
			Timestamp:     txctx.Timestamp(encoding.DecodeFixed64(payload[off+8:])),
		}
	}
	return entries, nil
}

// LeafNumber returns the zero-based index of the leaf that covers
// pageID, among all leaves laid out left-to-right under the tree.
func LeafNumber(pageID txctx.PageID, leafFanout int) uint64 {
	return uint64(pageID) / uint64(leafFanout)
}

// LeafSlot returns the position of pageID within its leaf, per spec
// §4.4: "the position of a given PageID inside the appropriate leaf is
// page-id mod F_leaf".
func LeafSlot(pageID txctx.PageID, leafFanout int) int {
	return int(uint64(pageID) % uint64(leafFanout))
}

// NodeChildIndex returns the index, within an interior node at the
// given level, of the child leading toward leafNumber. level 1 is the
// node level directly above the leaves; level increases moving toward
// the root. This is spec §4.4's "(page-id / F^level) mod F" traversal
// rule, generalized from raw page-id to leaf-number so that interior
// fanout and leaf fanout can differ (an interior block holds only
// BlockIDs and so fits more entries than a leaf block of the same
// size, which also carries a timestamp per entry).
func NodeChildIndex(leafNumber uint64, level int, nodeFanout int) int {
	divisor := uint64(1)
	for i := 1; i < level; i++ {
		divisor *= uint64(nodeFanout)
	}
	return int((leafNumber / divisor) % uint64(nodeFanout))
}

// PathIndices returns the full descent path for pageID through a tree
// of the given height: height interior-node indices (root-most first),
// followed by the final leaf slot index.
func PathIndices(pageID txctx.PageID, height int, nodeFanout, leafFanout int) []int {
	leafNum := LeafNumber(pageID, leafFanout)
	indices := make([]int, 0, height+1)
	for level := height; level >= 1; level-- {
		indices = append(indices, NodeChildIndex(leafNum, level, nodeFanout))
	}
	indices = append(indices, LeafSlot(pageID, leafFanout))
	return indices
}

// RequiredHeight returns the minimum tree height that can address
// pageCount pages, given the per-level fanouts. Height 0 means a single
// leaf suffices and the file header's PBCT-root-id points at it
// directly (spec §4.4: "0 = root is the file header itself").
func RequiredHeight(pageCount uint64, nodeFanout, leafFanout int) int {
	if pageCount == 0 {
		return 0
	}
	numLeaves := (pageCount + uint64(leafFanout) - 1) / uint64(leafFanout)
	if numLeaves <= 1 {
		return 0
	}
	height := 0
	capacity := uint64(1)
	for capacity < numLeaves {
		capacity *= uint64(nodeFanout)
		height++
	}
	return height
}
