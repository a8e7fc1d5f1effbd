// Package pageformat defines the on-disk layout shared by every block of
// the Master Data File (MDF), Version Log File (VLF), and Sync Log File
// (SLF), per spec §3/§6:
//
//	offset 0 : category   (1 byte)
//	offset 1 : flags      (1 byte)
//	offset 2 : reserved   (2 bytes)
//	offset 4 : last-modification-ts   (8 bytes, little-endian)
//	offset 12: older-block-id         (8 bytes)
//	offset 20: older-timestamp        (8 bytes)
//	offset 28: checksum               (4 bytes)
//	offset 32: payload                (block-size - HeaderSize)
//
// The checksum trailer (not named by spec.md's offset table, which stops
// at "older-timestamp" before the payload) is this module's addition: it
// lets verify and the header quorum rule (spec §3, §7 P7) distinguish a
// torn write from a legitimately stale replica, the way the teacher's SST
// blocks carry a trailer checksum (internal/block's footer/trailer
// convention) instead of trusting the filesystem.
package pageformat

import (
	"errors"

	"github.com/aalhour/vpagestore/internal/checksum"
	"github.com/aalhour/vpagestore/internal/encoding"
	"github.com/aalhour/vpagestore/internal/txctx"
)

// Category identifies what kind of content a block holds.
type Category uint8

const (
	// CategoryFirstVersion is a block that is both the newest and the
	// oldest surviving version of its page (a chain of length one).
	CategoryFirstVersion Category = iota
	// CategoryIntermediate is a non-terminal link in an older-chain.
	CategoryIntermediate
	// CategoryLatest is the newest block in an older-chain of length > 1.
	CategoryLatest
	// CategoryPBCTNode is a PBCT interior node.
	CategoryPBCTNode
	// CategoryPBCTLeaf is a PBCT leaf.
	CategoryPBCTLeaf
	// CategoryFileHeader is one of the three multiplexed header replicas.
	CategoryFileHeader
	// CategoryFreeListBlock is a block currently on the VLF free list.
	CategoryFreeListBlock
)

func (c Category) String() string {
	switch c {
	case CategoryFirstVersion:
		return "FirstVersion"
	case CategoryIntermediate:
		return "Intermediate"
	case CategoryLatest:
		return "Latest"
	case CategoryPBCTNode:
		return "PBCTNode"
	case CategoryPBCTLeaf:
		return "PBCTLeaf"
	case CategoryFileHeader:
		return "FileHeader"
	case CategoryFreeListBlock:
		return "FreeListBlock"
	default:
		return "Unknown"
	}
}

// Flag bits stored in the block's flags byte.
type Flags uint8

const (
	// FlagDirtyOnDisk marks a block that was written while dirty and has
	// not yet been confirmed flushed; used by verify to decide whether a
	// mismatch is expected.
	FlagDirtyOnDisk Flags = 1 << iota
	// FlagCompressed marks a payload compressed under the file's
	// configured codec (domain-stack addition, see SPEC_FULL.md).
	FlagCompressed
)

// HeaderSize is the size, in bytes, of the fixed block header (including
// the checksum trailer) that precedes every block's payload.
const HeaderSize = 32

// ErrShortBlock is returned when a byte slice is too small to hold a
// block header.
var ErrShortBlock = errors.New("pageformat: block shorter than header size")

// ErrChecksumMismatch is returned when a block's trailer checksum does not
// match its header+payload bytes — a torn or corrupted write.
var ErrChecksumMismatch = errors.New("pageformat: checksum mismatch")

// Header is the decoded fixed header of one MDF/VLF/SLF block.
type Header struct {
	Category         Category
	Flags            Flags
	LastModification txctx.Timestamp
	OlderBlockID     txctx.BlockID
	OlderTimestamp   txctx.Timestamp
}

// Encode writes header and payload into dst, which must be exactly
// blockSize bytes, and seals dst in place with the trailer checksum.
func Encode(dst []byte, h Header, payload []byte, ct checksum.Type) error {
	if len(dst) < HeaderSize {
		return ErrShortBlock
	}
	if len(dst)-HeaderSize < len(payload) {
		return errors.New("pageformat: payload larger than block capacity")
	}
	dst[0] = byte(h.Category)
	dst[1] = byte(h.Flags)
	dst[2] = 0
	dst[3] = 0
	encoding.EncodeFixed64(dst[4:12], uint64(h.LastModification))
	encoding.EncodeFixed64(dst[12:20], uint64(h.OlderBlockID))
	encoding.EncodeFixed64(dst[20:28], uint64(h.OlderTimestamp))
	copy(dst[HeaderSize:], payload)
	for i := HeaderSize + len(payload); i < len(dst); i++ {
		dst[i] = 0
	}
	encoding.EncodeFixed32(dst[28:32], checksumOver(dst, ct))
	return nil
}

// checksumOver computes the trailer checksum over every header field
// except the checksum slot itself (offsets 0-27) plus the full payload
// region (offset HeaderSize onward), so that corruption anywhere in the
// block — header or payload — is detected.
func checksumOver(block []byte, ct checksum.Type) uint32 {
	scratch := make([]byte, 0, 28+(len(block)-HeaderSize))
	scratch = append(scratch, block[:28]...)
	scratch = append(scratch, block[HeaderSize:]...)
	return checksum.ComputeChecksum(ct, scratch, block[1])
}

// Decode parses the fixed header from a block and verifies its checksum
// trailer, returning the decoded header and the remaining payload slice
// (aliased into src, not copied).
func Decode(src []byte, ct checksum.Type) (Header, []byte, error) {
	var h Header
	if len(src) < HeaderSize {
		return h, nil, ErrShortBlock
	}
	h.Category = Category(src[0])
	h.Flags = Flags(src[1])
	h.LastModification = txctx.Timestamp(encoding.DecodeFixed64(src[4:12]))
	h.OlderBlockID = txctx.BlockID(encoding.DecodeFixed64(src[12:20]))
	h.OlderTimestamp = txctx.Timestamp(encoding.DecodeFixed64(src[20:28]))

	if ct != checksum.TypeNoChecksum {
		want := encoding.DecodeFixed32(src[28:32])
		got := checksumOver(src, ct)
		if want != got {
			return h, nil, ErrChecksumMismatch
		}
	}
	return h, src[HeaderSize:], nil
}

// PayloadSize returns the number of payload bytes available in a block of
// the given total size.
func PayloadSize(blockSize int) int {
	return blockSize - HeaderSize
}
