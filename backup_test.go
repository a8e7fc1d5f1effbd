package vpagestore

import (
	"testing"
)

// TestRestorableBackupPreservesReadableState exercises spec §4.6's
// restorable backup: it must materialize every modified page into the
// VLF and flush without disturbing what a subsequent reader sees.
func TestRestorableBackupPreservesReadableState(t *testing.T) {
	_, f, _, _ := newTestFile(t)

	writer := tx(2, 10)
	writePage(t, f, writer, 0, 0x42)
	writePage(t, f, writer, 1, 0x43)

	backupTx := tx(3, 15)
	if err := f.StartBackup(backupTx, true); err != nil {
		t.Fatalf("StartBackup(restorable): %v", err)
	}

	reader := tx(4, 100)
	got0 := readPage(t, f, reader, 0)
	for _, b := range got0 {
		if b != 0x42 {
			t.Fatalf("page 0 payload changed by restorable backup: %v", got0)
		}
	}
	got1 := readPage(t, f, reader, 1)
	for _, b := range got1 {
		if b != 0x43 {
			t.Fatalf("page 1 payload changed by restorable backup: %v", got1)
		}
	}

	// A restorable backup never sets the in-backup mark, so sync should
	// run immediately afterward without needing EndBackup.
	syncer := tx(5, 200)
	if _, _, err := f.Sync(syncer); err != nil {
		t.Fatalf("Sync after restorable backup: %v", err)
	}
}

// TestNonRestorableBackupRoundTrip exercises the start/end bracket of a
// non-restorable backup and confirms EndBackup clears the mark.
func TestNonRestorableBackupRoundTrip(t *testing.T) {
	_, f, _, _ := newTestFile(t)

	writer := tx(2, 10)
	writePage(t, f, writer, 0, 0x7A)

	backupTx := tx(3, 15)
	if err := f.StartBackup(backupTx, false); err != nil {
		t.Fatalf("StartBackup: %v", err)
	}
	if !f.inBackup {
		t.Fatalf("inBackup not set after non-restorable StartBackup")
	}
	if err := f.EndBackup(backupTx); err != nil {
		t.Fatalf("EndBackup: %v", err)
	}
	if f.inBackup {
		t.Fatalf("inBackup still set after EndBackup")
	}

	reader := tx(4, 100)
	got := readPage(t, f, reader, 0)
	for _, b := range got {
		if b != 0x7A {
			t.Fatalf("page 0 payload changed by non-restorable backup: %v", got)
		}
	}
}
