package vpagestore

import (
	"github.com/aalhour/vpagestore/internal/txctx"
)

// Type aliases re-exporting the transaction-manager collaborator
// contract of spec §6 at the package's external surface, so callers
// never need to import internal/txctx directly.
type (
	Timestamp         = txctx.Timestamp
	BlockID           = txctx.BlockID
	PageID            = txctx.PageID
	TxID              = txctx.ID
	TxCategory        = txctx.Category
	Tx                = txctx.Tx
	TxManager         = txctx.Manager
	CheckpointManager = txctx.CheckpointManager
)

const (
	CategoryReadWrite   = txctx.CategoryReadWrite
	CategoryReadOnly    = txctx.CategoryReadOnly
	CategoryVersioning  = txctx.CategoryVersioning
	IllegalTimestamp    = txctx.Illegal
	InvalidBlockID      = txctx.Invalid
)

// FixMode selects the access mode of a Fix call, per spec §4.2.
type FixMode int

const (
	// ReadOnly returns the version visible to the transaction's
	// snapshot; the caller must not modify the returned bytes.
	ReadOnly FixMode = iota
	// Write fixes the page for modification, materializing the file and
	// a fresh version as needed.
	Write
	// Allocate is Write for a page-id that may not exist yet; it
	// extends the file's page count if page-id equals it exactly.
	Allocate
)

func (m FixMode) String() string {
	switch m {
	case ReadOnly:
		return "ReadOnly"
	case Write:
		return "Write"
	case Allocate:
		return "Allocate"
	default:
		return "Unknown"
	}
}

// Priority is an opaque buffer-pool replacement hint forwarded to the
// buffer-pool collaborator's fix call; this engine does not interpret
// it itself.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)
