package vpagestore

import (
	"path/filepath"
	"testing"

	"github.com/aalhour/vpagestore/internal/checksum"
	"github.com/aalhour/vpagestore/internal/txctx"
	"github.com/aalhour/vpagestore/vfs"
)

// fakeTx is a minimal txctx.Tx for driving the versioning engine from
// tests without a real transaction manager, grounded on the teacher's
// own lightweight fake-clock/fake-snapshot test doubles.
type fakeTx struct {
	id         txctx.ID
	start      txctx.Timestamp
	canceled   bool
	noVersion  bool
	category   txctx.Category
	overlapsFn func(other txctx.ID) bool
}

func (t *fakeTx) ID() txctx.ID                    { return t.id }
func (t *fakeTx) StartTimestamp() txctx.Timestamp { return t.start }
func (t *fakeTx) IsCanceledStatement() bool       { return t.canceled }
func (t *fakeTx) IsNoVersion() bool               { return t.noVersion }
func (t *fakeTx) Category() txctx.Category        { return t.category }
func (t *fakeTx) Overlaps(other txctx.ID) bool {
	if t.overlapsFn != nil {
		return t.overlapsFn(other)
	}
	return other >= t.id
}

func tx(id uint64, start uint64) *fakeTx {
	return &fakeTx{id: txctx.ID(id), start: txctx.Timestamp(start)}
}

// fakeTxManager and fakeCheckpointManager are the enumeration
// collaborators of spec §6, kept deliberately simple: tests configure
// the in-progress set and checkpoint timestamps they want directly.
type fakeTxManager struct {
	inProgress []txctx.ID
	beginning  txctx.Timestamp
}

func (m *fakeTxManager) InProgress(dbID uint64, versionUsingOnly bool) []txctx.ID { return m.inProgress }
func (m *fakeTxManager) Beginning(dbID uint64) txctx.Timestamp                    { return m.beginning }

type fakeCheckpointManager struct {
	mostRecent       txctx.Timestamp
	secondMostRecent txctx.Timestamp
}

func (m *fakeCheckpointManager) MostRecent(lockName string) txctx.Timestamp { return m.mostRecent }
func (m *fakeCheckpointManager) SecondMostRecent(lockName string) txctx.Timestamp {
	return m.secondMostRecent
}

// newTestFile attaches a fresh versioned file under t.TempDir() with a
// small block size, so PBCT height promotions and multi-block chains
// exercise in a handful of pages instead of thousands.
func newTestFile(t *testing.T) (*Engine, *File, *fakeTxManager, *fakeCheckpointManager) {
	t.Helper()
	dir := t.TempDir()
	txMgr := &fakeTxManager{beginning: txctx.Illegal}
	ckptMgr := &fakeCheckpointManager{mostRecent: txctx.Illegal, secondMostRecent: txctx.Illegal}

	opts := DefaultOptions()
	opts.FS = vfs.Default()
	opts.TxManager = txMgr
	opts.CheckpointManager = ckptMgr
	e := New(opts)
	t.Cleanup(e.Close)

	storage := StorageStrategy{
		DBID:          1,
		MDFPath:       filepath.Join(dir, "test.mdf"),
		VLFPath:       filepath.Join(dir, "test.vlf"),
		SLFPath:       filepath.Join(dir, "test.slf"),
		BlockSize:     256,
		ChecksumType:  checksum.TypeCRC32C,
		ExtensionSize: 4096,
	}
	f, err := e.Attach(storage, BufferingStrategy{}, "test-lock")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	creator := tx(1, 1)
	if err := f.Create(creator); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return e, f, txMgr, ckptMgr
}

// writePage fixes pageID for write/allocate, stamps payload into it,
// and unfixes dirty.
func writePage(t *testing.T, f *File, writer *fakeTx, pageID txctx.PageID, payload byte) {
	t.Helper()
	mode := Write
	if uint64(pageID) >= f.header.PageCount {
		mode = Allocate
	}
	view, err := f.Fix(writer, pageID, mode, false, PriorityNormal)
	if err != nil {
		t.Fatalf("Fix(write, page %d): %v", pageID, err)
	}
	data := view.Data()
	for i := range data {
		data[i] = payload
	}
	view.Touch()
	if err := f.Unfix(view, true); err != nil {
		t.Fatalf("Unfix: %v", err)
	}
}

func readPage(t *testing.T, f *File, reader *fakeTx, pageID txctx.PageID) []byte {
	t.Helper()
	view, err := f.Fix(reader, pageID, ReadOnly, false, PriorityNormal)
	if err != nil {
		t.Fatalf("Fix(read, page %d): %v", pageID, err)
	}
	out := make([]byte, len(view.Data()))
	copy(out, view.Data())
	if err := f.Unfix(view, false); err != nil {
		t.Fatalf("Unfix: %v", err)
	}
	return out
}
