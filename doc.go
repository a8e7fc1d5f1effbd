/*
Package vpagestore provides a durable, crash-recoverable, snapshot-isolated
multi-version page store.

Upper layers request fixed-size pages by a numeric page identifier and
receive a buffered view of either the latest committed version or the
version visible to a given transaction's start timestamp. A versioned file
is realized by up to three physical files sharing a directory triple: a
master data file (MDF) holding one block per page identifier, a version log
file (VLF) holding additional per-page versions behind a page-block
correspondence tree, and a transient sync log file (SLF) recording
pre-images of MDF blocks about to be overwritten during synchronization.

# Usage

Callers attach to a versioned file with Engine.Attach, supplying a
StorageStrategy describing the MDF/VLF/SLF paths and block geometry, then
call Create or Mount depending on whether the files already exist on disk.
Pages are read and written through File.Fix, which returns a PageView
scoped to the fixing transaction's timestamp; the caller must call Unfix
when done, and Touch before Unfix if the page was modified.

# Concurrency

A File is safe for concurrent use by multiple goroutines and transactions.
Individual PageView instances are not: a view is owned by the transaction
that fixed it until that transaction unfixes it.

# Versioning and synchronization

A write allocates a new version-log block and chains the previous version
behind it, so readers holding an older timestamp continue to see a
consistent snapshot. The one exception is a version the same transaction
already wrote after the most recent checkpoint: that block is updated in
place. The Sync
operation walks the version-log tree, collapses chains no longer visible to
any in-progress transaction or checkpoint back into the master data file,
and reclaims their blocks onto the free list.
*/
package vpagestore
