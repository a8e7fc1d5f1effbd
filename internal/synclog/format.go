// Package synclog implements the Sync Log File (SLF): a sequential,
// append-only, block-fragmented log of page pre-images written before
// sync (spec §4.5) touches the Master Data File, so that a crash
// mid-sync can be recovered by replaying pre-images back into the MDF
// (spec §4.7).
//
// The on-disk record format — fixed-size blocks, a checksummed header
// per physical record, and Full/First/Middle/Last fragmentation for
// records spanning block boundaries — is adapted from the teacher's
// internal/wal package, dropping the recyclable-log variant (an SLF is
// deleted wholesale once a sync completes, per spec §4.5 step 6; there
// is nothing to recycle) and replacing the generic record payload with
// one pre-image record type.
package synclog

import (
	"errors"

	"github.com/aalhour/vpagestore/internal/txctx"
)

// BlockSize is the physical block size synclog writes/reads in. It is
// independent of the MDF/VLF page block size — a pre-image record
// carries a whole MDF block as its payload and is fragmented across
// synclog blocks as needed.
const BlockSize = 32768

// HeaderSize is the size of a physical record header: checksum (4) +
// length (2) + type (1).
const HeaderSize = 7

// MaxRecordPayload is the largest payload a single physical record can
// carry.
const MaxRecordPayload = BlockSize - HeaderSize

// RecordType identifies a physical record's role in record
// fragmentation.
type RecordType uint8

const (
	// ZeroType marks preallocated, never-written space.
	ZeroType RecordType = 0
	// FullType is a complete logical record in one physical record.
	FullType RecordType = 1
	// FirstType is the first fragment of a multi-block logical record.
	FirstType RecordType = 2
	// MiddleType is a middle fragment.
	MiddleType RecordType = 3
	// LastType is the final fragment.
	LastType RecordType = 4
)

// ErrCorruptedRecord indicates a record whose checksum does not match.
var ErrCorruptedRecord = errors.New("synclog: corrupted record")

// ErrShortRecord indicates a record shorter than its declared length.
var ErrShortRecord = errors.New("synclog: short record")

// ErrInvalidRecordType indicates an unrecognized record type byte.
var ErrInvalidRecordType = errors.New("synclog: invalid record type")

// ErrUnexpectedFragment indicates fragment sequencing that cannot be
// assembled into a logical record (e.g. a Middle/Last fragment with no
// preceding First).
var ErrUnexpectedFragment = errors.New("synclog: unexpected fragment sequencing")

// PreImage is one logical SLF record: the page that sync is about to
// overwrite in the MDF, and the pre-sync bytes of its current MDF
// block.
type PreImage struct {
	PageID   txctx.PageID
	MDFBlock []byte
}

// preImageHeaderSize is the fixed prefix of an encoded PreImage payload
// before the raw MDF block bytes: PageID (8 bytes).
const preImageHeaderSize = 8
