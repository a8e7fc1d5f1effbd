package synclog

import (
	"io"

	"github.com/aalhour/vpagestore/internal/checksum"
	"github.com/aalhour/vpagestore/internal/encoding"
	"github.com/aalhour/vpagestore/internal/testutil"
)

// Writer appends PreImage records to an SLF, fragmenting a logical
// record across physical BlockSize-sized blocks the way the teacher's
// wal.Writer fragments a write batch.
type Writer struct {
	dest        io.Writer
	blockOffset int

	typeCRC   [LastType + 1]uint32
	headerBuf [HeaderSize]byte
}

// NewWriter creates a Writer appending to dest.
func NewWriter(dest io.Writer) *Writer {
	w := &Writer{dest: dest}
	for i := range w.typeCRC {
		w.typeCRC[i] = checksum.Value([]byte{byte(i)})
	}
	return w
}

// AppendPreImage writes one logical PreImage record, split across
// physical records as needed.
func (w *Writer) AppendPreImage(p PreImage) (int, error) {
	if err := testutil.SyncPointProcess(testutil.SPSyncSLFFlushed); err != nil {
		return 0, err
	}
	return w.addRecord(encodePreImage(p))
}

func (w *Writer) addRecord(data []byte) (int, error) {
	ptr := data
	left := len(data)
	total := 0
	begin := true

	for {
		leftover := BlockSize - w.blockOffset
		if leftover < HeaderSize {
			if leftover > 0 {
				padding := make([]byte, leftover)
				n, err := w.dest.Write(padding)
				total += n
				if err != nil {
					return total, err
				}
			}
			w.blockOffset = 0
		}

		avail := BlockSize - w.blockOffset - HeaderSize
		fragmentLen := left
		if fragmentLen > avail {
			fragmentLen = avail
		}

		end := left == fragmentLen
		var rt RecordType
		switch {
		case begin && end:
			rt = FullType
		case begin:
			rt = FirstType
		case end:
			rt = LastType
		default:
			rt = MiddleType
		}

		n, err := w.emitPhysicalRecord(rt, ptr[:fragmentLen])
		total += n
		if err != nil {
			return total, err
		}

		ptr = ptr[fragmentLen:]
		left -= fragmentLen
		begin = false
		if left == 0 {
			break
		}
	}
	return total, nil
}

func (w *Writer) emitPhysicalRecord(t RecordType, payload []byte) (int, error) {
	n := len(payload)
	w.headerBuf[4] = byte(n & 0xFF)
	w.headerBuf[5] = byte(n >> 8)
	w.headerBuf[6] = byte(t)

	crc := w.typeCRC[t]
	crc = checksum.Extend(crc, payload)
	crc = checksum.Mask(crc)
	encoding.EncodeFixed32(w.headerBuf[:], crc)

	total := 0
	written, err := w.dest.Write(w.headerBuf[:])
	total += written
	if err != nil {
		return total, err
	}
	written, err = w.dest.Write(payload)
	total += written
	if err != nil {
		return total, err
	}
	w.blockOffset += HeaderSize + n
	return total, nil
}

// Sync flushes the underlying writer if it supports it.
func (w *Writer) Sync() error {
	if syncer, ok := w.dest.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}
	return nil
}
