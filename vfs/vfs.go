// Package vfs re-exports the engine's internal filesystem abstraction
// for callers who need to name vpagestore's FS types directly — for
// example to construct a vfs.FaultInjectionFS around their own disk for
// crash tests, or to pass vfs.Default() into Options.FS explicitly.
//
// The implementation lives in internal/vfs; this package only aliases
// its exported surface so it can be imported from outside the module.
package vfs

import (
	intvfs "github.com/aalhour/vpagestore/internal/vfs"
)

type (
	// FS is the filesystem abstraction Options.FS expects.
	FS = intvfs.FS
	// WritableFile is a file opened for sequential writing.
	WritableFile = intvfs.WritableFile
	// SequentialFile is a file opened for sequential reading.
	SequentialFile = intvfs.SequentialFile
	// RandomAccessFile is a file opened for random-offset reads.
	RandomAccessFile = intvfs.RandomAccessFile
	// RandomWritableFile is a file opened for random-offset reads and
	// writes, as physfile needs for in-place block rewrites.
	RandomWritableFile = intvfs.RandomWritableFile
	// FaultInjectionFS wraps an FS to inject read/write/sync errors and
	// simulate crashes, for recovery and verification tests.
	FaultInjectionFS = intvfs.FaultInjectionFS
	// GoroutineLocalFaultInjectionFS extends FaultInjectionFS with
	// per-goroutine error-injection settings.
	GoroutineLocalFaultInjectionFS = intvfs.GoroutineLocalFaultInjectionFS
)

// Default returns an FS backed directly by the OS filesystem.
func Default() FS {
	return intvfs.Default()
}

// NewFaultInjectionFS wraps base with fault-injection capabilities.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return intvfs.NewFaultInjectionFS(base)
}

// NewGoroutineLocalFaultInjectionFS wraps base with per-goroutine
// fault-injection capabilities.
func NewGoroutineLocalFaultInjectionFS(base FS) *GoroutineLocalFaultInjectionFS {
	return intvfs.NewGoroutineLocalFaultInjectionFS(base)
}
