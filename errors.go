package vpagestore

import "errors"

// Error kinds of spec §7. Callers should test with errors.Is; internal
// code wraps these with fmt.Errorf("%w: ...") to attach context the way
// the teacher's lock_manager.go and recovery.go wrap their own sentinels.
var (
	// ErrReadOnlyTransaction is returned when a read-only transaction
	// attempts a Write or Allocate fix.
	ErrReadOnlyTransaction = errors.New("vpagestore: write/allocate fix on a read-only transaction")

	// ErrCancel is returned by sync/verify when the transaction's cancel
	// flag is observed mid-operation. Partial progress is preserved.
	ErrCancel = errors.New("vpagestore: operation canceled")

	// ErrUnexpected is returned when an internal invariant is violated,
	// e.g. a stale file descriptor whose recorded lock name no longer
	// matches.
	ErrUnexpected = errors.New("vpagestore: unexpected internal state")

	// ErrLogItemCorrupted is returned by recovery and verification when
	// a header quorum cannot be formed, the PBCT is structurally
	// inconsistent, an older-chain is broken, or an SLF pre-image has no
	// matching MDF block. Normal fix paths that hit the same condition
	// return it as well, wrapped with context; they do not panic.
	ErrLogItemCorrupted = errors.New("vpagestore: on-disk structure corrupted")

	// ErrPageNotAllocated is returned by fix when page-id is at or
	// beyond the file's current page count, including pages dropped by
	// a prior truncate (spec §8 P8).
	ErrPageNotAllocated = errors.New("vpagestore: page not allocated")

	// ErrBatchInsertExclusive is returned by attach when a second
	// reference is requested against a file opened in batch-insert mode
	// (spec §4.1, exercised by scenario S6).
	ErrBatchInsertExclusive = errors.New("vpagestore: file is open in exclusive batch-insert mode")

	// ErrBackupInProgress is returned by sync when a non-restorable
	// backup is in progress (spec §4.6/§9's ordering requirement between
	// sync and backup).
	ErrBackupInProgress = errors.New("vpagestore: backup in progress")
)
