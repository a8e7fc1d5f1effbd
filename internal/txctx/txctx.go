// Package txctx provides the timestamp, transaction-identifier, and
// block-identifier primitives shared by the versioning engine.
//
// These types stand in for spec §3's Timestamp (TS), TransactionID, and
// BlockID, and the §6 transaction-manager collaborator contract (Tx). The
// ordering and sentinel conventions are grounded on the teacher's
// internal/dbformat.SequenceNumber (a monotonic 64-bit ordering key with a
// reserved sentinel and a total-order comparison), generalized from "one
// sequence number per write" to "one timestamp per transaction start".
package txctx

import "fmt"

// Timestamp is a monotonically increasing value issued by the transaction
// manager. Comparison is total (plain integer ordering).
type Timestamp uint64

// Illegal is the reserved sentinel timestamp meaning "no timestamp".
const Illegal Timestamp = ^Timestamp(0)

// Valid reports whether t is not the Illegal sentinel.
func (t Timestamp) Valid() bool { return t != Illegal }

// Less reports whether t happened before o.
func (t Timestamp) Less(o Timestamp) bool { return t < o }

func (t Timestamp) String() string {
	if t == Illegal {
		return "illegal"
	}
	return fmt.Sprintf("%d", uint64(t))
}

// BlockID names a fixed-size slot inside one of a versioned file's three
// physical files. Invalid denotes "no such block".
type BlockID uint64

// Invalid is the reserved sentinel BlockID meaning "no such block".
const Invalid BlockID = ^BlockID(0)

// Valid reports whether b is not the Invalid sentinel.
func (b BlockID) Valid() bool { return b != Invalid }

func (b BlockID) String() string {
	if b == Invalid {
		return "invalid"
	}
	return fmt.Sprintf("%d", uint64(b))
}

// PageID is a non-negative, caller-assigned, dense-from-zero page
// identifier.
type PageID uint64

// ID is an opaque transaction identifier whose total order matches the
// start-timestamp order for version-using transactions (spec §3).
type ID uint64

// Category is the isolation/versioning category of a transaction, per the
// §6 `tx.getCategory()` collaborator contract.
type Category int

const (
	// CategoryReadWrite is an ordinary read-write transaction.
	CategoryReadWrite Category = iota
	// CategoryReadOnly is a read-only transaction; Write/Allocate fixes on
	// it must fail with ErrReadOnlyTransaction.
	CategoryReadOnly
	// CategoryVersioning is a no-version transaction (spec §3's
	// "version-using" vs. "no-version" distinction): it always reads the
	// current on-disk latest, bypassing snapshot selection.
	CategoryVersioning
)

// Tx is the transaction-manager collaborator contract of spec §6. The
// versioning engine never constructs a Tx itself; callers hand one in.
type Tx interface {
	// ID returns the transaction's opaque identifier.
	ID() ID
	// StartTimestamp returns the TS at which the transaction's snapshot
	// was taken.
	StartTimestamp() Timestamp
	// Overlaps reports whether the transaction named by other was either
	// in-progress at this transaction's start timestamp, or started after
	// this transaction did (other.ID() > this transaction's ID()).
	Overlaps(other ID) bool
	// IsCanceledStatement reports whether the current statement has been
	// asked to cancel (checked by sync/verify between pages).
	IsCanceledStatement() bool
	// IsNoVersion reports whether this transaction reads the current
	// on-disk latest rather than a timestamped snapshot.
	IsNoVersion() bool
	// Category returns the transaction's category.
	Category() Category
}

// Manager is the enumeration half of the transaction-manager collaborator
// contract: it answers questions about the whole population of
// transactions rather than a single one.
type Manager interface {
	// InProgress returns the identifiers of all in-progress transactions
	// for the given database, optionally restricted to version-using
	// transactions only.
	InProgress(dbID uint64, versionUsingOnly bool) []ID
	// Beginning returns the start timestamp of the oldest in-progress
	// transaction for the given database, or Illegal if none are running.
	Beginning(dbID uint64) Timestamp
}

// CheckpointManager is the checkpoint-scheduler collaborator contract of
// spec §6: it supplies the "second-most-recent checkpoint timestamp" used
// to compute sync's eldest-timestamp watermark.
type CheckpointManager interface {
	MostRecent(lockName string) Timestamp
	SecondMostRecent(lockName string) Timestamp
}
