package vpagestore

import (
	"errors"
	"testing"

	"github.com/aalhour/vpagestore/internal/txctx"
)

// TestSyncMigratesOldVersionsToMDF exercises spec §4.5's ordinary path:
// a page written once, then again, with no reader old enough to need
// the earlier version, should see that version migrated into the MDF
// and its VLF block returned to the free list.
func TestSyncMigratesOldVersionsToMDF(t *testing.T) {
	_, f, txMgr, ckptMgr := newTestFile(t)

	writer1 := tx(2, 10)
	writePage(t, f, writer1, 0, 0xAA)

	writer2 := tx(3, 20)
	writePage(t, f, writer2, 0, 0xBB)

	// No checkpoint or in-progress transaction needs anything before
	// timestamp 21, so computeEldest should clear both versions.
	ckptMgr.secondMostRecent = txctx.Illegal
	txMgr.beginning = txctx.Timestamp(21)
	txMgr.inProgress = nil

	syncer := tx(4, 30)
	incomplete, migrated, err := f.Sync(syncer)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if incomplete {
		t.Fatalf("Sync reported incomplete with one page in a small file")
	}
	if migrated != 1 {
		t.Fatalf("migrated = %d, want 1", migrated)
	}

	reader := tx(5, 100)
	got := readPage(t, f, reader, 0)
	for _, b := range got {
		if b != 0xBB {
			t.Fatalf("page 0 payload not 0xBB after sync: %v", got)
		}
	}
}

// TestSyncRefusesDuringNonRestorableBackup exercises spec §9's ordering
// constraint: sync must not run while a non-restorable backup is open.
func TestSyncRefusesDuringNonRestorableBackup(t *testing.T) {
	_, f, _, _ := newTestFile(t)

	writer := tx(2, 10)
	writePage(t, f, writer, 0, 0x11)

	backupTx := tx(3, 15)
	if err := f.StartBackup(backupTx, false); err != nil {
		t.Fatalf("StartBackup: %v", err)
	}

	syncer := tx(4, 20)
	if _, _, err := f.Sync(syncer); !errors.Is(err, ErrBackupInProgress) {
		t.Fatalf("Sync during backup = %v, want ErrBackupInProgress", err)
	}

	if err := f.EndBackup(backupTx); err != nil {
		t.Fatalf("EndBackup: %v", err)
	}
	if _, _, err := f.Sync(syncer); err != nil {
		t.Fatalf("Sync after EndBackup: %v", err)
	}
}
