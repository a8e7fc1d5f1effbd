package vpagestore

import (
	"time"

	"github.com/aalhour/vpagestore/internal/checksum"
	"github.com/aalhour/vpagestore/internal/compression"
	"github.com/aalhour/vpagestore/internal/logging"
	"github.com/aalhour/vpagestore/internal/txctx"
	"github.com/aalhour/vpagestore/vfs"
)

// Numeric defaults resolved from original_source/sydney/Kernel/Version's
// Configuration.h (see DESIGN.md's "Numeric defaults" table). Go code
// keeps the 64-bit column's values; the GOARCH-conditional 32-bit table
// sizes from the original are not idiomatic Go and are dropped.
const (
	DefaultFileTableSize             = 1031
	DefaultPageTableSize             = 30089
	DefaultDetachedPageCleanerPeriod = 60 * time.Second
	DefaultCleanPageCoefficient      = 50
	DefaultSyncPageCountMax          = 1000
	DefaultPageInstanceCacheSize     = 100
	DefaultMasterDataExtensionSize   = 64 * 1024
	DefaultVersionLogExtensionSize   = 64 * 1024
	DefaultSyncLogExtensionSize      = 64 * 1024
	DefaultMaxExtensionSize          = 64 * 1024 * 1024
)

// StorageStrategy is the caller-supplied, per-attach description of a
// versioned file's physical layout (spec §6, "Storage strategy").
type StorageStrategy struct {
	// DBID identifies the database this file belongs to, for the
	// transaction-manager collaborator's InProgress/Beginning calls
	// (spec §6).
	DBID uint64

	// MDFPath, VLFPath, SLFPath name the three physical files sharing a
	// directory triple. SLFPath is only used transiently during sync.
	MDFPath string
	VLFPath string
	SLFPath string

	// BlockSize is the fixed block size shared by all three files; must
	// be a power of two at least as large as pageformat.HeaderSize plus
	// room for a useful payload.
	BlockSize int

	// MaxSize bounds how large any one of the three files may grow.
	// Zero means unbounded.
	MaxSize int64

	// ExtensionSize is the nominal extension unit per spec §4.3, subject
	// to the file-size-relative rounding rule physfile.NextExtensionSize
	// implements.
	ExtensionSize int64

	// ChecksumType selects the trailer checksum algorithm for every
	// block of this file.
	ChecksumType checksum.Type

	// MDFCompression compresses a page's payload once it migrates into
	// the MDF during sync; VLF pages are never compressed because they
	// may still be rewritten in place.
	MDFCompression compression.Type

	// NoVersion disables versioning entirely: fix delegates straight to
	// the MDF block at page-id and no VLF is ever created (spec §4.2's
	// "no-version case").
	NoVersion bool

	// BatchInsert grants exclusive single-reference access and skips
	// modifier-list registration, per spec §4.1.
	BatchInsert bool
}

// BufferingStrategy is the caller-supplied buffer-pool configuration
// for a versioned file (spec §6's buffer-pool collaborator contract).
type BufferingStrategy struct {
	// PoolCapacityBytes bounds the reference bufferpool.Pool this module
	// supplies when Options.BufferPool is nil. An external caller
	// providing its own BufferPool implementation may ignore this.
	PoolCapacityBytes uint64
}

// Options configures the engine-wide collaborators and descriptor-table
// sizing, mirroring the teacher's functional-defaults Options struct.
type Options struct {
	// Logger receives component-prefixed log lines
	// ([attach], [fix], [pbct], [sync], [backup], [recovery], [verify],
	// [cleanup]). Defaults to logging.Discard.
	Logger logging.Logger

	// FS is the OS file abstraction collaborator of spec §6.
	FS vfs.FS

	// TxManager and CheckpointManager are the transaction-manager and
	// checkpoint-scheduler collaborators of spec §6.
	TxManager         txctx.Manager
	CheckpointManager txctx.CheckpointManager

	// FileTableSize and PageTableSize set the bucket counts of the
	// global descriptor hash tables (spec §5).
	FileTableSize int
	PageTableSize int

	// DetachedPageCleanerPeriod and CleanPageCoefficient govern the
	// background cleanup daemon (spec §5's "Timeouts").
	DetachedPageCleanerPeriod time.Duration
	CleanPageCoefficient      int

	// SyncPageCountMax bounds candidates scanned per sync pass (spec
	// §4.5); reduced 10x when other transactions are active.
	SyncPageCountMax int

	// PageInstanceCacheSize caps the free-list of recycled page
	// descriptor memory (spec §5).
	PageInstanceCacheSize int
}

// DefaultOptions returns an Options populated with this engine's
// numeric defaults, vfs.Default() as FS, and a discard logger. Callers
// must still set TxManager and CheckpointManager.
func DefaultOptions() *Options {
	return &Options{
		Logger:                    logging.Discard,
		FS:                        vfs.Default(),
		FileTableSize:             DefaultFileTableSize,
		PageTableSize:             DefaultPageTableSize,
		DetachedPageCleanerPeriod: DefaultDetachedPageCleanerPeriod,
		CleanPageCoefficient:      DefaultCleanPageCoefficient,
		SyncPageCountMax:          DefaultSyncPageCountMax,
		PageInstanceCacheSize:     DefaultPageInstanceCacheSize,
	}
}

func (o *Options) logger() logging.Logger {
	if o == nil || o.Logger == nil {
		return logging.Discard
	}
	return o.Logger
}
