// Package header implements the multiplexed file header described by
// spec §3: every MDF/VLF/SLF carries three on-disk replicas of the same
// logical header, each stamped with a monotonically increasing
// generation counter, and the file is considered "open" against
// whichever replica carries the highest generation that also passes its
// checksum. This tolerates a crash that tears exactly one replica's
// write without losing the header altogether — the same toleration the
// teacher's MANIFEST-plus-CURRENT-file pair gives the LSM tree, pushed
// down to fixed-size replicas instead of a separately-named file.
package header

import (
	"errors"
	"fmt"

	"github.com/aalhour/vpagestore/internal/checksum"
	"github.com/aalhour/vpagestore/internal/encoding"
	"github.com/aalhour/vpagestore/internal/pageformat"
	"github.com/aalhour/vpagestore/internal/txctx"
)

// Magic identifies a block as a vpagestore file header. It is the first
// fixed field of the payload, independent of pageformat's own Category
// byte, so that a header read off any replica slot can be told apart
// from a stray data block even if the slot's Category byte is corrupt.
const Magic uint32 = 0x76504753 // "vPGS"

// FormatVersion is the on-disk format version. Bump it whenever the
// payload layout below changes incompatibly.
const FormatVersion uint32 = 1

// ReplicaCount is the number of multiplexed header replicas maintained
// per file, per spec §3.
const ReplicaCount = 3

// payloadSize is the fixed encoded size of a Header's fields, not
// counting the pageformat block header/trailer that wraps it.
const payloadSize = 4 + 4 + 8 + 8 + 8 + 8 + 8 + 8 + 8

// ErrNoValidReplica is returned when none of a file's header replicas
// decode and checksum cleanly.
var ErrNoValidReplica = errors.New("header: no valid replica found")

// ErrBadMagic is returned when a replica's payload does not start with
// the expected magic number.
var ErrBadMagic = errors.New("header: bad magic number")

// ErrUnsupportedVersion is returned when a replica's format version is
// newer than this package understands.
var ErrUnsupportedVersion = errors.New("header: unsupported format version")

// Header is the logical, file-wide metadata replicated across
// ReplicaCount physical slots.
type Header struct {
	// Generation increases by one every time the header is rewritten.
	// The replica with the highest valid Generation wins.
	Generation uint64
	// PageCount is the number of distinct page identifiers the file
	// currently tracks (spec §4.1's "page count" file attribute).
	PageCount uint64
	// PBCTHeight is the current height of the page-block-correspondence
	// tree (spec §4.4).
	PBCTHeight uint32
	// PBCTRootID is the block holding the PBCT root node.
	PBCTRootID txctx.BlockID
	// FreeListHead is the head of the VLF's free-block list (spec §4.3).
	FreeListHead txctx.BlockID
	// NewestTimestamp is the most recent timestamp at which any page in
	// the file was given a new version (spec §4.3's allocate-log).
	NewestTimestamp txctx.Timestamp
	// OldestSyncedTimestamp is the eldest timestamp watermark as of the
	// last completed sync (spec §4.5), used by recovery to bound SLF
	// replay.
	OldestSyncedTimestamp txctx.Timestamp
}

// encodePayload serializes h into dst, a caller-supplied buffer of at
// least payloadSize bytes.
func encodePayload(dst []byte, h Header) {
	encoding.EncodeFixed32(dst[0:4], Magic)
	encoding.EncodeFixed32(dst[4:8], FormatVersion)
	encoding.EncodeFixed64(dst[8:16], h.Generation)
	encoding.EncodeFixed64(dst[16:24], h.PageCount)
	encoding.EncodeFixed64(dst[24:32], uint64(h.PBCTHeight))
	encoding.EncodeFixed64(dst[32:40], uint64(h.PBCTRootID))
	encoding.EncodeFixed64(dst[40:48], uint64(h.FreeListHead))
	encoding.EncodeFixed64(dst[48:56], uint64(h.NewestTimestamp))
	encoding.EncodeFixed64(dst[56:64], uint64(h.OldestSyncedTimestamp))
}

func decodePayload(src []byte) (Header, error) {
	var h Header
	if len(src) < payloadSize {
		return h, fmt.Errorf("header: short payload: %d bytes", len(src))
	}
	if magic := encoding.DecodeFixed32(src[0:4]); magic != Magic {
		return h, ErrBadMagic
	}
	if version := encoding.DecodeFixed32(src[4:8]); version > FormatVersion {
		return h, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	h.Generation = encoding.DecodeFixed64(src[8:16])
	h.PageCount = encoding.DecodeFixed64(src[16:24])
	h.PBCTHeight = uint32(encoding.DecodeFixed64(src[24:32]))
	h.PBCTRootID = txctx.BlockID(encoding.DecodeFixed64(src[32:40]))
	h.FreeListHead = txctx.BlockID(encoding.DecodeFixed64(src[40:48]))
	h.NewestTimestamp = txctx.Timestamp(encoding.DecodeFixed64(src[48:56]))
	h.OldestSyncedTimestamp = txctx.Timestamp(encoding.DecodeFixed64(src[56:64]))
	return h, nil
}

// EncodeReplica writes h as one pageformat block into dst, which must be
// exactly blockSize bytes.
func EncodeReplica(dst []byte, h Header, ct checksum.Type) error {
	payload := make([]byte, payloadSize)
	encodePayload(payload, h)
	return pageformat.Encode(dst, pageformat.Header{Category: pageformat.CategoryFileHeader}, payload, ct)
}

// DecodeReplica parses and checksum-verifies one header replica block.
func DecodeReplica(src []byte, ct checksum.Type) (Header, error) {
	blockHeader, payload, err := pageformat.Decode(src, ct)
	if err != nil {
		return Header{}, err
	}
	if blockHeader.Category != pageformat.CategoryFileHeader {
		return Header{}, fmt.Errorf("header: block category %s is not a file header", blockHeader.Category)
	}
	return decodePayload(payload)
}

// SelectWinner scans the decoded ReplicaCount replicas (replicas[i] is
// nil where slot i failed to decode or checksum) and returns the one
// with the highest Generation. This is the quorum rule of spec §3: a
// file with any single torn replica is still fully readable because the
// other two still decode, and the survivor with the higher generation
// is authoritative whenever replicas disagree (the torn one necessarily
// carries a stale, lower, or absent generation).
func SelectWinner(replicas [ReplicaCount]*Header) (Header, int, error) {
	best := -1
	for i, r := range replicas {
		if r == nil {
			continue
		}
		if best == -1 || r.Generation > replicas[best].Generation {
			best = i
		}
	}
	if best == -1 {
		return Header{}, -1, ErrNoValidReplica
	}
	return *replicas[best], best, nil
}

// NextReplicaSlot returns the slot that should receive the next write:
// the one that did not win selection, so the winner is preserved as a
// recovery fallback until the new write's checksum is confirmed good
// (spec §3's crash-tolerance rationale for multiplexing in the first
// place — never overwrite the last known-good replica in place).
func NextReplicaSlot(wonSlot int) int {
	return (wonSlot + 1) % ReplicaCount
}
