package physfile

import (
	"path/filepath"
	"testing"

	"github.com/aalhour/vpagestore/internal/checksum"
	"github.com/aalhour/vpagestore/internal/pageformat"
	"github.com/aalhour/vpagestore/internal/txctx"
	"github.com/aalhour/vpagestore/internal/vfs"
)

func TestOpenEmptyFileHasZeroBlocks(t *testing.T) {
	fs := vfs.Default()
	path := filepath.Join(t.TempDir(), "mdf.dat")

	f, err := Open(fs, path, 256, 0, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if f.BlockCount() != 0 {
		t.Errorf("BlockCount() = %d, want 0", f.BlockCount())
	}
}

func TestExtendThenWriteReadBlock(t *testing.T) {
	fs := vfs.Default()
	path := filepath.Join(t.TempDir(), "vlf.dat")
	blockSize := 256

	f, err := Open(fs, path, blockSize, 0, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	ids, err := f.Extend(4, 1<<20)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if len(ids) < 4 {
		t.Fatalf("Extend returned %d blocks, want >= 4", len(ids))
	}
	for i, id := range ids {
		if id != txctx.BlockID(i) {
			t.Fatalf("ids[%d] = %v, want %d", i, id, i)
		}
	}

	buf := make([]byte, blockSize)
	payload := []byte("sync log pre-image")
	if err := pageformat.Encode(buf, pageformat.Header{Category: pageformat.CategoryFirstVersion}, payload, checksum.TypeXXH3); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := f.WriteBlock(ids[1], buf); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	got := make([]byte, blockSize)
	if err := f.ReadBlock(ids[1], got); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	_, gotPayload, err := pageformat.Decode(got, checksum.TypeXXH3)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(gotPayload[:len(payload)]) != string(payload) {
		t.Errorf("payload = %q, want %q", gotPayload[:len(payload)], payload)
	}
}

func TestReadWriteOutOfRange(t *testing.T) {
	fs := vfs.Default()
	path := filepath.Join(t.TempDir(), "slf.dat")
	f, err := Open(fs, path, 128, 0, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	buf := make([]byte, 128)
	if err := f.ReadBlock(txctx.BlockID(0), buf); err != ErrBlockOutOfRange {
		t.Errorf("ReadBlock on empty file = %v, want ErrBlockOutOfRange", err)
	}
	if err := f.WriteBlock(txctx.BlockID(0), buf); err != ErrBlockOutOfRange {
		t.Errorf("WriteBlock on empty file = %v, want ErrBlockOutOfRange", err)
	}
}

func TestExtendRespectsMaxSize(t *testing.T) {
	fs := vfs.Default()
	path := filepath.Join(t.TempDir(), "bounded.dat")
	blockSize := 256
	f, err := Open(fs, path, blockSize, int64(blockSize)*2, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if _, err := f.Extend(100, 1<<20); err == nil {
		t.Error("Extend should have failed: requested size exceeds maxSize")
	}
}

func TestNextExtensionSizeIsPowerOfTwoAndBounded(t *testing.T) {
	tests := []struct {
		currentSize, configured, max int64
	}{
		{0, 1024, 1 << 20},
		{1 << 20, 1024, 1 << 20},
		{1 << 10, 64, 1 << 12},
	}
	for _, tt := range tests {
		got := nextExtensionSize(tt.currentSize, tt.configured, tt.max)
		if got&(got-1) != 0 {
			t.Errorf("nextExtensionSize(%d, %d, %d) = %d, not a power of two", tt.currentSize, tt.configured, tt.max, got)
		}
		if got > tt.max {
			t.Errorf("nextExtensionSize(%d, %d, %d) = %d, exceeds max %d", tt.currentSize, tt.configured, tt.max, got, tt.max)
		}
	}
}

func TestTruncateShrinksBlockCount(t *testing.T) {
	fs := vfs.Default()
	path := filepath.Join(t.TempDir(), "trunc.dat")
	blockSize := 128
	f, err := Open(fs, path, blockSize, 0, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if _, err := f.Extend(8, 1<<20); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if err := f.Truncate(3); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if f.BlockCount() != 3 {
		t.Errorf("BlockCount() = %d, want 3", f.BlockCount())
	}
}
