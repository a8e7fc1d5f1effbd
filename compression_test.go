package vpagestore

import (
	"path/filepath"
	"testing"

	"github.com/aalhour/vpagestore/internal/checksum"
	"github.com/aalhour/vpagestore/internal/compression"
	"github.com/aalhour/vpagestore/internal/encoding"
	"github.com/aalhour/vpagestore/internal/pageformat"
	"github.com/aalhour/vpagestore/internal/txctx"
	"github.com/aalhour/vpagestore/vfs"
)

// newCompressedTestFile is newTestFile's counterpart for exercising
// Options.MDFCompression: NoVersion so every fix goes straight through
// the MDF, the only place this strategy compresses.
func newCompressedTestFile(t *testing.T) *File {
	t.Helper()
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.FS = vfs.Default()
	opts.TxManager = &fakeTxManager{beginning: txctx.Illegal}
	opts.CheckpointManager = &fakeCheckpointManager{mostRecent: txctx.Illegal, secondMostRecent: txctx.Illegal}
	e := New(opts)
	t.Cleanup(e.Close)

	storage := StorageStrategy{
		DBID:           1,
		MDFPath:        filepath.Join(dir, "test.mdf"),
		BlockSize:      256,
		ChecksumType:   checksum.TypeCRC32C,
		MDFCompression: compression.SnappyCompression,
		ExtensionSize:  4096,
		NoVersion:      true,
	}
	f, err := e.Attach(storage, BufferingStrategy{}, "test-lock")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := f.Create(tx(1, 1)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return f
}

// TestMDFCompressionRoundTrip exercises the domain stack's MDF payload
// codec: a page written under a configured MDFCompression must carry
// the FlagCompressed marker and a shorter on-disk payload, and must
// read back byte-for-byte identical to what was written.
func TestMDFCompressionRoundTrip(t *testing.T) {
	f := newCompressedTestFile(t)

	writer := tx(2, 10)
	view, err := f.Fix(writer, 0, Allocate, false, PriorityNormal)
	if err != nil {
		t.Fatalf("Fix(allocate): %v", err)
	}
	data := view.Data()
	for i := range data {
		data[i] = 0x7A
	}
	view.Touch()
	if err := f.Unfix(view, true); err != nil {
		t.Fatalf("Unfix: %v", err)
	}

	raw, err := f.readMDFBlock(0)
	if err != nil {
		t.Fatalf("readMDFBlock: %v", err)
	}
	bh, payload, err := pageformat.Decode(raw, f.storage.ChecksumType)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if bh.Flags&pageformat.FlagCompressed == 0 {
		t.Fatalf("highly compressible page was not stored compressed")
	}
	n := int(encoding.DecodeFixed32(payload[:4]))
	if n >= len(data) {
		t.Fatalf("compressed length %d did not shrink below plain size %d", n, len(data))
	}

	reader := tx(3, 20)
	rview, err := f.Fix(reader, 0, ReadOnly, false, PriorityNormal)
	if err != nil {
		t.Fatalf("Fix(readonly): %v", err)
	}
	got := rview.Data()
	if len(got) != len(data) {
		t.Fatalf("decompressed length = %d, want %d", len(got), len(data))
	}
	for i, b := range got {
		if b != 0x7A {
			t.Fatalf("byte %d = %#x, want 0x7a", i, b)
		}
	}
	if err := f.Unfix(rview, false); err != nil {
		t.Fatalf("Unfix: %v", err)
	}
}
