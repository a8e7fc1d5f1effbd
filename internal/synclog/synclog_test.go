package synclog

import (
	"bytes"
	"io"
	"testing"

	"github.com/aalhour/vpagestore/internal/txctx"
)

func TestAppendReadSinglePreImage(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	block := bytes.Repeat([]byte{0x42}, 256)
	p := PreImage{PageID: txctx.PageID(7), MDFBlock: block}
	if _, err := w.AppendPreImage(p); err != nil {
		t.Fatalf("AppendPreImage: %v", err)
	}

	r := NewReader(&buf, true)
	got, err := r.ReadPreImage()
	if err != nil {
		t.Fatalf("ReadPreImage: %v", err)
	}
	if got.PageID != p.PageID || !bytes.Equal(got.MDFBlock, p.MDFBlock) {
		t.Errorf("round trip mismatch: got %+v", got)
	}

	if _, err := r.ReadPreImage(); err != io.EOF {
		t.Errorf("second ReadPreImage = %v, want io.EOF", err)
	}
}

func TestAppendReadMultiplePreImages(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	want := []PreImage{
		{PageID: txctx.PageID(1), MDFBlock: bytes.Repeat([]byte{0x01}, 64)},
		{PageID: txctx.PageID(2), MDFBlock: bytes.Repeat([]byte{0x02}, 64)},
		{PageID: txctx.PageID(3), MDFBlock: bytes.Repeat([]byte{0x03}, 64)},
	}
	for _, p := range want {
		if _, err := w.AppendPreImage(p); err != nil {
			t.Fatalf("AppendPreImage: %v", err)
		}
	}

	r := NewReader(&buf, true)
	for i, wantP := range want {
		got, err := r.ReadPreImage()
		if err != nil {
			t.Fatalf("ReadPreImage[%d]: %v", i, err)
		}
		if got.PageID != wantP.PageID || !bytes.Equal(got.MDFBlock, wantP.MDFBlock) {
			t.Errorf("record[%d] mismatch: got %+v, want %+v", i, got, wantP)
		}
	}
	if _, err := r.ReadPreImage(); err != io.EOF {
		t.Errorf("trailing ReadPreImage = %v, want io.EOF", err)
	}
}

func TestAppendReadRecordSpanningBlocks(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	// MDF block large enough to force First/Middle/Last fragmentation
	// across synclog's 32KB BlockSize.
	block := bytes.Repeat([]byte{0x77}, BlockSize*2+100)
	p := PreImage{PageID: txctx.PageID(99), MDFBlock: block}
	if _, err := w.AppendPreImage(p); err != nil {
		t.Fatalf("AppendPreImage: %v", err)
	}

	r := NewReader(&buf, true)
	got, err := r.ReadPreImage()
	if err != nil {
		t.Fatalf("ReadPreImage: %v", err)
	}
	if got.PageID != p.PageID || !bytes.Equal(got.MDFBlock, p.MDFBlock) {
		t.Errorf("large record round trip mismatch: got PageID %v, len(MDFBlock)=%d", got.PageID, len(got.MDFBlock))
	}
}

func TestReadDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	p := PreImage{PageID: txctx.PageID(5), MDFBlock: []byte("some page bytes")}
	if _, err := w.AppendPreImage(p); err != nil {
		t.Fatalf("AppendPreImage: %v", err)
	}

	data := buf.Bytes()
	data[HeaderSize+10] ^= 0xFF // corrupt a payload byte

	r := NewReader(bytes.NewReader(data), true)
	if _, err := r.ReadPreImage(); err != ErrCorruptedRecord {
		t.Errorf("ReadPreImage on corrupted data = %v, want ErrCorruptedRecord", err)
	}
}
