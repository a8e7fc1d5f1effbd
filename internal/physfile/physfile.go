// Package physfile implements the block-addressable physical files
// underlying a versioned file's Master Data File (MDF), Version Log
// File (VLF), and Sync Log File (SLF): fixed-size blocks addressed by
// txctx.BlockID, grown by power-of-two extensions per spec §4.3.
//
// This is grounded on the teacher's internal/wal package for the
// "block-structured, checksummed I/O on top of a raw vfs.FS file"
// shape, generalized from a sequential append log (wal.Writer only ever
// grows at the tail) to a randomly addressable block store (a physfile
// rewrites any block in place via vfs.RandomWritableFile.WriteAt).
package physfile

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aalhour/vpagestore/internal/pageformat"
	"github.com/aalhour/vpagestore/internal/txctx"
	"github.com/aalhour/vpagestore/internal/vfs"
)

// MinExtensionFraction is the denominator spec §4.3 uses to compute the
// minimum extension size: "rounded to a power of two in
// [file-size/16, MaxExtensionSize]".
const MinExtensionFraction = 16

// ErrBlockOutOfRange is returned when a requested BlockID is beyond the
// file's current extent.
var ErrBlockOutOfRange = errors.New("physfile: block id out of range")

// ErrInvalidBlockSize is returned when a requested block size is not
// larger than pageformat.HeaderSize, leaving no room for a payload.
var ErrInvalidBlockSize = errors.New("physfile: block size too small")

// File is one block-addressable physical file (an MDF, VLF, or SLF).
type File struct {
	mu sync.Mutex

	fs        vfs.FS
	path      string
	blockSize int
	maxSize   int64
	extension int64

	rw   vfs.RandomWritableFile
	size int64 // current allocated size in bytes, always a multiple of blockSize
}

// Open opens (creating if absent) a block-addressable file at path.
// blockSize is the fixed size of every block including its
// pageformat header/trailer; maxSize bounds how large the file may grow
// (0 means unbounded); initialExtension is the extension unit to use
// before the file has grown large enough for spec §4.3's size-relative
// rule to apply.
func Open(fs vfs.FS, path string, blockSize int, maxSize int64, initialExtension int64) (*File, error) {
	if blockSize <= pageformat.HeaderSize {
		return nil, ErrInvalidBlockSize
	}
	rw, err := fs.OpenReadWrite(path)
	if err != nil {
		return nil, fmt.Errorf("physfile: open %s: %w", path, err)
	}
	size := rw.Size()
	// Truncate a partial trailing block left by a torn extension; the
	// caller's recovery pass is responsible for reconciling any content
	// that was in it.
	size -= size % int64(blockSize)

	return &File{
		fs:        fs,
		path:      path,
		blockSize: blockSize,
		maxSize:   maxSize,
		extension: initialExtension,
		rw:        rw,
		size:      size,
	}, nil
}

// BlockSize returns the fixed block size of this file.
func (f *File) BlockSize() int { return f.blockSize }

// BlockCount returns the number of blocks currently allocated in the
// file's extent (not all of which need be in use — some may be on a
// free list).
func (f *File) BlockCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(f.size / int64(f.blockSize))
}

// ReadBlock reads the raw bytes of block id into dst, which must be
// exactly BlockSize() bytes. Decoding/checksum verification is the
// caller's job (pageformat.Decode).
func (f *File) ReadBlock(id txctx.BlockID, dst []byte) error {
	if len(dst) != f.blockSize {
		return fmt.Errorf("physfile: dst length %d != block size %d", len(dst), f.blockSize)
	}
	f.mu.Lock()
	off := int64(id) * int64(f.blockSize)
	if off < 0 || off+int64(f.blockSize) > f.size {
		f.mu.Unlock()
		return ErrBlockOutOfRange
	}
	f.mu.Unlock()

	_, err := f.rw.ReadAt(dst, off)
	return err
}

// WriteBlock writes the raw bytes of src (already pageformat-encoded)
// to block id, which must be within the file's current extent; callers
// grow the file with Extend first.
func (f *File) WriteBlock(id txctx.BlockID, src []byte) error {
	if len(src) != f.blockSize {
		return fmt.Errorf("physfile: src length %d != block size %d", len(src), f.blockSize)
	}
	f.mu.Lock()
	off := int64(id) * int64(f.blockSize)
	if off < 0 || off+int64(f.blockSize) > f.size {
		f.mu.Unlock()
		return ErrBlockOutOfRange
	}
	f.mu.Unlock()

	_, err := f.rw.WriteAt(src, off)
	return err
}

// Sync flushes the file to stable storage.
func (f *File) Sync() error {
	return f.rw.Sync()
}

// Close closes the underlying OS handle.
func (f *File) Close() error {
	return f.rw.Close()
}

// NextExtensionSize computes the power-of-two extension size to use for
// the file's next growth, per spec §4.3: "rounded to a power of two in
// [file-size/16, MaxExtensionSize]".
func (f *File) NextExtensionSize(maxExtension int64) int64 {
	f.mu.Lock()
	size := f.size
	f.mu.Unlock()
	return nextExtensionSize(size, f.extension, maxExtension)
}

func nextExtensionSize(currentSize, configuredExtension, maxExtension int64) int64 {
	min := currentSize / MinExtensionFraction
	size := configuredExtension
	if size < min {
		size = min
	}
	if size > maxExtension {
		size = maxExtension
	}
	return roundUpPowerOfTwo(size)
}

func roundUpPowerOfTwo(n int64) int64 {
	if n <= 1 {
		return 1
	}
	p := int64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Extend grows the file by one extension unit (or enough to cover
// wantBlocks additional blocks, whichever is larger) and returns the
// BlockIDs of the newly allocated blocks, in ascending order, so the
// caller (typically the VLF free-list manager) can thread them onto its
// free list.
func (f *File) Extend(wantBlocks uint64, maxExtension int64) ([]txctx.BlockID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	extensionBytes := nextExtensionSize(f.size, f.extension, maxExtension)
	extensionBlocks := uint64(extensionBytes) / uint64(f.blockSize)
	if extensionBlocks == 0 {
		extensionBlocks = 1
	}
	if extensionBlocks < wantBlocks {
		extensionBlocks = wantBlocks
	}

	newSize := f.size + int64(extensionBlocks)*int64(f.blockSize)
	if f.maxSize > 0 && newSize > f.maxSize {
		return nil, fmt.Errorf("physfile: extension would exceed max size %d", f.maxSize)
	}

	if err := f.rw.Truncate(newSize); err != nil {
		return nil, fmt.Errorf("physfile: extend %s: %w", f.path, err)
	}

	firstNew := txctx.BlockID(f.size / int64(f.blockSize))
	ids := make([]txctx.BlockID, extensionBlocks)
	for i := range ids {
		ids[i] = firstNew + txctx.BlockID(i)
	}
	f.size = newSize
	return ids, nil
}

// Truncate shrinks the file to hold exactly blockCount blocks,
// discarding everything beyond it (used by spec §4.1's truncate
// operation).
func (f *File) Truncate(blockCount uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	newSize := int64(blockCount) * int64(f.blockSize)
	if err := f.rw.Truncate(newSize); err != nil {
		return err
	}
	f.size = newSize
	return nil
}
