package pbct

import (
	"testing"

	"github.com/aalhour/vpagestore/internal/checksum"
	"github.com/aalhour/vpagestore/internal/txctx"
)

func TestNodeEncodeDecodeRoundTrip(t *testing.T) {
	blockSize := 256
	fanout := NodeFanout(blockSize)
	children := make([]txctx.BlockID, fanout)
	for i := range children {
		children[i] = txctx.Invalid
	}
	children[0] = txctx.BlockID(10)
	children[3] = txctx.BlockID(99)

	buf := make([]byte, blockSize)
	if err := EncodeNode(buf, children, checksum.TypeXXH3); err != nil {
		t.Fatalf("EncodeNode: %v", err)
	}
	got, err := DecodeNode(buf, checksum.TypeXXH3)
	if err != nil {
		t.Fatalf("DecodeNode: %v", err)
	}
	if len(got) != fanout {
		t.Fatalf("decoded %d children, want %d", len(got), fanout)
	}
	if got[0] != txctx.BlockID(10) || got[3] != txctx.BlockID(99) {
		t.Errorf("children mismatch: got %v", got)
	}
	for i, c := range got {
		if i != 0 && i != 3 && c != txctx.Invalid {
			t.Errorf("slot %d = %v, want Invalid", i, c)
		}
	}
}

func TestLeafEncodeDecodeRoundTrip(t *testing.T) {
	blockSize := 256
	fanout := LeafFanout(blockSize)
	entries := make([]LeafEntry, fanout)
	for i := range entries {
		entries[i] = LeafEntry{LatestBlockID: txctx.Invalid, Timestamp: txctx.Illegal}
	}
	entries[2] = LeafEntry{LatestBlockID: txctx.BlockID(55), Timestamp: txctx.Timestamp(1234)}

	buf := make([]byte, blockSize)
	if err := EncodeLeaf(buf, entries, checksum.TypeCRC32C); err != nil {
		t.Fatalf("EncodeLeaf: %v", err)
	}
	got, err := DecodeLeaf(buf, checksum.TypeCRC32C)
	if err != nil {
		t.Fatalf("DecodeLeaf: %v", err)
	}
	if got[2].LatestBlockID != txctx.BlockID(55) || got[2].Timestamp != txctx.Timestamp(1234) {
		t.Errorf("entry[2] = %+v, want {55 1234}", got[2])
	}
	if got[0].LatestBlockID != txctx.Invalid {
		t.Errorf("entry[0].LatestBlockID = %v, want Invalid", got[0].LatestBlockID)
	}
}

func TestLeafSlotAndNumber(t *testing.T) {
	leafFanout := 10
	tests := []struct {
		pageID     txctx.PageID
		wantNumber uint64
		wantSlot   int
	}{
		{0, 0, 0},
		{9, 0, 9},
		{10, 1, 0},
		{25, 2, 5},
	}
	for _, tt := range tests {
		if got := LeafNumber(tt.pageID, leafFanout); got != tt.wantNumber {
			t.Errorf("LeafNumber(%d) = %d, want %d", tt.pageID, got, tt.wantNumber)
		}
		if got := LeafSlot(tt.pageID, leafFanout); got != tt.wantSlot {
			t.Errorf("LeafSlot(%d) = %d, want %d", tt.pageID, got, tt.wantSlot)
		}
	}
}

func TestRequiredHeightPromotesAtLeafBoundary(t *testing.T) {
	leafFanout := 8
	nodeFanout := 4

	// Exactly one leaf's worth of pages: no promotion needed.
	if h := RequiredHeight(uint64(leafFanout), nodeFanout, leafFanout); h != 0 {
		t.Errorf("RequiredHeight(%d) = %d, want 0", leafFanout, h)
	}
	// One more page than a single leaf holds: forces height 0 -> 1.
	if h := RequiredHeight(uint64(leafFanout)+1, nodeFanout, leafFanout); h != 1 {
		t.Errorf("RequiredHeight(%d) = %d, want 1", leafFanout+1, h)
	}
}

func TestRequiredHeightZeroPages(t *testing.T) {
	if h := RequiredHeight(0, 4, 8); h != 0 {
		t.Errorf("RequiredHeight(0) = %d, want 0", h)
	}
}

func TestPathIndicesLeafOnly(t *testing.T) {
	// height 0: path is just the leaf slot.
	path := PathIndices(txctx.PageID(5), 0, 4, 8)
	if len(path) != 1 || path[0] != 5 {
		t.Errorf("PathIndices height 0 = %v, want [5]", path)
	}
}

func TestPathIndicesWithInteriorLevels(t *testing.T) {
	leafFanout := 8
	nodeFanout := 4
	// At height 1 each of the root's nodeFanout=4 children covers one
	// leaf (the divisor for level 1 is 1), so leaf numbers 0..3 map to
	// children 0..3.
	path := PathIndices(txctx.PageID(9), 1, nodeFanout, leafFanout)
	if len(path) != 2 {
		t.Fatalf("PathIndices height 1 len = %d, want 2", len(path))
	}
	leafNum := LeafNumber(txctx.PageID(9), leafFanout)
	wantRootIdx := int(leafNum % uint64(nodeFanout))
	if path[0] != wantRootIdx {
		t.Errorf("path[0] = %d, want %d", path[0], wantRootIdx)
	}
	if path[1] != LeafSlot(txctx.PageID(9), leafFanout) {
		t.Errorf("path[1] = %d, want leaf slot %d", path[1], LeafSlot(txctx.PageID(9), leafFanout))
	}
}
