package bufferpool

import (
	"errors"
	"testing"

	"github.com/aalhour/vpagestore/internal/txctx"
)

func key(id uint64) Key {
	return Key{FileID: 1, BlockID: txctx.BlockID(id)}
}

func load(b byte) func() ([]byte, error) {
	return func() ([]byte, error) { return []byte{b}, nil }
}

func TestFixLoadsOnMissAndHitsOnSecondFix(t *testing.T) {
	p := NewPool(1024, nil)

	loads := 0
	loader := func() ([]byte, error) {
		loads++
		return []byte{0xAA}, nil
	}

	h1, err := p.Fix(key(1), 1, loader)
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	p.Unfix(h1, false)

	h2, err := p.Fix(key(1), 1, loader)
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	if loads != 1 {
		t.Errorf("loads = %d, want 1 (second Fix should hit cache)", loads)
	}
	if h2.Data()[0] != 0xAA {
		t.Errorf("Data() = %v, want [0xAA]", h2.Data())
	}
	p.Unfix(h2, false)

	if got := p.GetHitCount(); got != 1 {
		t.Errorf("GetHitCount() = %d, want 1", got)
	}
	if got := p.GetMissCount(); got != 1 {
		t.Errorf("GetMissCount() = %d, want 1", got)
	}
}

func TestPinnedBlockIsNotEvicted(t *testing.T) {
	p := NewPool(2, nil)

	h1, err := p.Fix(key(1), 1, load(1))
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	// h1 stays fixed (not Unfixed) so it must survive the eviction
	// pressure from filling the pool to capacity and beyond.
	if _, err := p.Fix(key(2), 1, load(2)); err != nil {
		t.Fatalf("Fix: %v", err)
	}
	if _, err := p.Fix(key(3), 1, load(3)); err != nil {
		t.Fatalf("Fix: %v", err)
	}

	if p.GetOccupancyCount() == 0 {
		t.Fatal("pool unexpectedly empty")
	}
	// key(1) must still be resident since it was never unfixed.
	loads := 0
	h1again, err := p.Fix(key(1), 1, func() ([]byte, error) {
		loads++
		return nil, errors.New("should not reload a pinned block")
	})
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	if loads != 0 {
		t.Error("pinned block was reloaded, so it must have been evicted")
	}
	p.Unfix(h1, false)
	p.Unfix(h1again, false)
}

func TestUnfixWithDirtyMarksHandleDirty(t *testing.T) {
	p := NewPool(1024, nil)
	h, err := p.Fix(key(1), 1, load(1))
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	p.Unfix(h, true)
	if !h.Dirty() {
		t.Error("handle should be dirty after Unfix(h, true)")
	}
}

func TestEvictionWritesBackDirtyBlocks(t *testing.T) {
	var written []Key
	writeBack := func(k Key, data []byte) error {
		written = append(written, k)
		return nil
	}
	p := NewPool(1, writeBack)

	h1, err := p.Fix(key(1), 1, load(1))
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	p.Unfix(h1, true) // dirty, unpinned, eligible for eviction

	// Filling with key(2) should evict key(1) and write it back first.
	h2, err := p.Fix(key(2), 1, load(2))
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	p.Unfix(h2, false)

	if len(written) != 1 || written[0] != key(1) {
		t.Errorf("written = %v, want [%v]", written, key(1))
	}
}

func TestFlushWritesBackWithoutEvicting(t *testing.T) {
	var written []Key
	p := NewPool(1024, func(k Key, data []byte) error {
		written = append(written, k)
		return nil
	})

	h, err := p.Fix(key(1), 1, load(1))
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	p.Unfix(h, true)

	if err := p.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(written) != 1 || written[0] != key(1) {
		t.Errorf("written = %v, want [%v]", written, key(1))
	}
	if p.GetOccupancyCount() != 1 {
		t.Error("Flush must not evict")
	}

	// A second Flush should not re-write an already-clean block.
	written = nil
	if err := p.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(written) != 0 {
		t.Errorf("second Flush wrote %v, want none", written)
	}
}

func TestDiscardDropsDirtyBlockWithoutWriteback(t *testing.T) {
	called := false
	p := NewPool(1024, func(k Key, data []byte) error {
		called = true
		return nil
	})

	h, err := p.Fix(key(1), 1, load(1))
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	p.Unfix(h, true)

	p.Discard(key(1))
	if called {
		t.Error("Discard must not invoke writeBack")
	}
	if p.GetOccupancyCount() != 0 {
		t.Error("Discard must remove the block")
	}
}

func TestTouchMarksDirtyWithoutChangingPinCount(t *testing.T) {
	p := NewPool(1024, nil)
	h, err := p.Fix(key(1), 1, load(1))
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	p.Touch(h)
	if !h.Dirty() {
		t.Error("Touch should mark the handle dirty")
	}
	p.Unfix(h, false)
	if p.GetPinnedUsage() != 0 {
		t.Error("Touch must not itself pin the handle")
	}
}
