package vpagestore

import (
	"testing"

	"github.com/aalhour/vpagestore/internal/pageformat"
	"github.com/aalhour/vpagestore/internal/synclog"
	"github.com/aalhour/vpagestore/internal/txctx"
)

// encodeTestMDFBlock builds a full pageformat-framed MDF block holding
// payload repeated to fill the block, for constructing SLF pre-images
// and direct MDF writes outside the normal Fix/Touch path.
func encodeTestMDFBlock(t *testing.T, f *File, payload byte) []byte {
	t.Helper()
	buf := make([]byte, f.storage.BlockSize)
	body := make([]byte, pageformat.PayloadSize(f.storage.BlockSize))
	for i := range body {
		body[i] = payload
	}
	h := pageformat.Header{Category: pageformat.CategoryFirstVersion, LastModification: txctx.Timestamp(1), OlderBlockID: txctx.Invalid, OlderTimestamp: txctx.Illegal}
	if err := pageformat.Encode(buf, h, body, f.storage.ChecksumType); err != nil {
		t.Fatalf("encode test mdf block: %v", err)
	}
	return buf
}

// TestRecoverReplaysSLFPreImage exercises spec §4.7's replay-then-delete
// recovery path: an SLF left behind by a crashed sync pass must have its
// pre-images written back into the MDF, and the SLF itself must be gone
// afterward.
func TestRecoverReplaysSLFPreImage(t *testing.T) {
	_, f, _, _ := newTestFile(t)

	if err := f.ensureMDFMaterialized(); err != nil {
		t.Fatalf("ensureMDFMaterialized: %v", err)
	}
	if err := f.ensureMDFBlockAllocated(0); err != nil {
		t.Fatalf("ensureMDFBlockAllocated: %v", err)
	}
	current := encodeTestMDFBlock(t, f, 0xCC)
	if err := f.writeMDFBlock(0, current); err != nil {
		t.Fatalf("writeMDFBlock current: %v", err)
	}

	// Simulate a sync pass that pre-imaged the old content then crashed
	// before removing the SLF: write the SLF directly, bypassing Sync.
	wf, err := f.engine.opts.FS.Create(f.storage.SLFPath)
	if err != nil {
		t.Fatalf("create slf: %v", err)
	}
	old := encodeTestMDFBlock(t, f, 0xAA)
	w := synclog.NewWriter(wf)
	if _, err := w.AppendPreImage(synclog.PreImage{PageID: 0, MDFBlock: old}); err != nil {
		t.Fatalf("AppendPreImage: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync slf writer: %v", err)
	}
	if err := wf.Close(); err != nil {
		t.Fatalf("close slf: %v", err)
	}

	recoverer := tx(9, 50)
	if err := f.Recover(recoverer, txctx.Illegal); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if f.engine.opts.FS.Exists(f.storage.SLFPath) {
		t.Fatalf("SLF still present after Recover")
	}

	got, err := f.readMDFBlock(0)
	if err != nil {
		t.Fatalf("readMDFBlock: %v", err)
	}
	_, payload, err := pageformat.Decode(got, f.storage.ChecksumType)
	if err != nil {
		t.Fatalf("decode recovered block: %v", err)
	}
	for _, b := range payload {
		if b != 0xAA {
			t.Fatalf("mdf page 0 not rolled back to pre-image: %v", payload)
		}
	}
}

// TestRestoreRollsBackToPoint exercises spec §4.7's restore operation:
// a page written twice should, after restoring to a point between the
// two writes, read back as the earlier version.
func TestRestoreRollsBackToPoint(t *testing.T) {
	_, f, _, _ := newTestFile(t)

	writer1 := tx(2, 10)
	writePage(t, f, writer1, 0, 0x01)

	writer2 := tx(3, 20)
	writePage(t, f, writer2, 0, 0x02)

	restorer := tx(4, 15)
	if err := f.Restore(restorer, txctx.Timestamp(15)); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	reader := tx(5, 100)
	got := readPage(t, f, reader, 0)
	for _, b := range got {
		if b != 0x01 {
			t.Fatalf("page 0 not rolled back to the pre-point version: %v", got)
		}
	}
}
