package synclog

import (
	"errors"
	"io"

	"github.com/aalhour/vpagestore/internal/checksum"
	"github.com/aalhour/vpagestore/internal/encoding"
)

// Reader reads PreImage records back out of an SLF, used by recovery
// (spec §4.7) to replay pre-images into the MDF.
type Reader struct {
	src            io.Reader
	verifyChecksum bool

	backingStore []byte
	buffer       []byte
	eof          bool

	fragments          []byte
	inFragmentedRecord bool
}

// NewReader creates a Reader over src.
func NewReader(src io.Reader, verifyChecksum bool) *Reader {
	return &Reader{
		src:            src,
		verifyChecksum: verifyChecksum,
		backingStore:   make([]byte, BlockSize),
	}
}

// ReadPreImage reads and reassembles the next logical pre-image record.
// It returns io.EOF once the log is exhausted.
func (r *Reader) ReadPreImage() (PreImage, error) {
	r.fragments = r.fragments[:0]
	r.inFragmentedRecord = false

	for {
		rt, fragment, err := r.readPhysicalRecord()
		if err != nil {
			if errors.Is(err, io.EOF) && r.inFragmentedRecord {
				return PreImage{}, ErrUnexpectedFragment
			}
			return PreImage{}, err
		}

		switch rt {
		case FullType:
			return decodePreImage(fragment)
		case FirstType:
			if r.inFragmentedRecord {
				return PreImage{}, ErrUnexpectedFragment
			}
			r.fragments = append(r.fragments[:0], fragment...)
			r.inFragmentedRecord = true
		case MiddleType:
			if !r.inFragmentedRecord {
				return PreImage{}, ErrUnexpectedFragment
			}
			r.fragments = append(r.fragments, fragment...)
		case LastType:
			if !r.inFragmentedRecord {
				return PreImage{}, ErrUnexpectedFragment
			}
			r.fragments = append(r.fragments, fragment...)
			r.inFragmentedRecord = false
			return decodePreImage(r.fragments)
		case ZeroType:
			// Preallocated padding; treat as end of the written portion.
			return PreImage{}, io.EOF
		default:
			return PreImage{}, ErrInvalidRecordType
		}
	}
}

// readPhysicalRecord reads the next single physical record from the
// block stream, refilling backingStore from src as blocks are
// exhausted.
func (r *Reader) readPhysicalRecord() (RecordType, []byte, error) {
	for {
		if len(r.buffer) < HeaderSize {
			if r.eof {
				return ZeroType, nil, io.EOF
			}
			if err := r.fillBuffer(); err != nil {
				if errors.Is(err, io.EOF) {
					r.eof = true
					if len(r.buffer) == 0 {
						return ZeroType, nil, io.EOF
					}
					continue
				}
				return ZeroType, nil, err
			}
			continue
		}

		crc := encoding.DecodeFixed32(r.buffer[0:4])
		length := int(r.buffer[4]) | int(r.buffer[5])<<8
		rt := RecordType(r.buffer[6])

		if HeaderSize+length > len(r.buffer) {
			if r.eof {
				return ZeroType, nil, ErrShortRecord
			}
			if err := r.fillBuffer(); err != nil && !errors.Is(err, io.EOF) {
				return ZeroType, nil, err
			}
			continue
		}

		payload := r.buffer[HeaderSize : HeaderSize+length]
		if r.verifyChecksum {
			want := checksum.Unmask(crc)
			got := checksum.Extend(checksum.Value([]byte{byte(rt)}), payload)
			if want != got {
				return ZeroType, nil, ErrCorruptedRecord
			}
		}

		r.buffer = r.buffer[HeaderSize+length:]
		return rt, payload, nil
	}
}

// fillBuffer reads the next chunk from src, appending to any unconsumed
// tail of the previous read.
func (r *Reader) fillBuffer() error {
	tail := len(r.buffer)
	if tail > 0 {
		copy(r.backingStore, r.buffer)
	}
	n, err := r.src.Read(r.backingStore[tail:])
	r.buffer = r.backingStore[:tail+n]
	if n > 0 {
		return nil
	}
	if err != nil {
		return err
	}
	return io.EOF
}
