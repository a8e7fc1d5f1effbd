// Package options implements OPTIONS file persistence for a versioned
// file's storage and buffering strategy (spec §6), the way the
// teacher's own internal/options persists RocksDB's DBOptions/CFOptions
// to and from an OPTIONS file: a plain-text, sectioned key=value format
// that survives a process restart so a later Mount can recover the
// strategy a file was originally attached with.
//
// This package is internal and not part of the public API.
package options

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aalhour/vpagestore/vfs"
)

// StorageOptions mirrors the root package's StorageStrategy, kept as an
// independent value type here to avoid an import cycle (the root
// package is this package's caller, not its dependency).
type StorageOptions struct {
	DBID           uint64
	MDFPath        string
	VLFPath        string
	SLFPath        string
	BlockSize      int
	MaxSize        int64
	ExtensionSize  int64
	ChecksumType   string
	MDFCompression string
	NoVersion      bool
	BatchInsert    bool
}

// BufferingOptions mirrors the root package's BufferingStrategy.
type BufferingOptions struct {
	PoolCapacityBytes uint64
}

// Strategy is the round-trippable pair an OPTIONS file persists.
type Strategy struct {
	Storage   StorageOptions
	Buffering BufferingOptions
}

// WriteStrategyFile persists strategy to path as an OPTIONS file,
// overwriting any previous contents.
func WriteStrategyFile(fs vfs.FS, path string, strategy Strategy) error {
	wf, err := fs.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = wf.Close() }()

	var b strings.Builder
	writeStrategy(&b, strategy)
	if _, err := wf.Write([]byte(b.String())); err != nil {
		return err
	}
	return wf.Sync()
}

func writeStrategy(w *strings.Builder, s Strategy) {
	fmt.Fprintln(w, "[Storage]")
	fmt.Fprintf(w, "db_id=%d\n", s.Storage.DBID)
	fmt.Fprintf(w, "mdf_path=%s\n", s.Storage.MDFPath)
	fmt.Fprintf(w, "vlf_path=%s\n", s.Storage.VLFPath)
	fmt.Fprintf(w, "slf_path=%s\n", s.Storage.SLFPath)
	fmt.Fprintf(w, "block_size=%d\n", s.Storage.BlockSize)
	fmt.Fprintf(w, "max_size=%d\n", s.Storage.MaxSize)
	fmt.Fprintf(w, "extension_size=%d\n", s.Storage.ExtensionSize)
	fmt.Fprintf(w, "checksum_type=%s\n", s.Storage.ChecksumType)
	fmt.Fprintf(w, "mdf_compression=%s\n", s.Storage.MDFCompression)
	fmt.Fprintf(w, "no_version=%t\n", s.Storage.NoVersion)
	fmt.Fprintf(w, "batch_insert=%t\n", s.Storage.BatchInsert)
	fmt.Fprintln(w, "[Buffering]")
	fmt.Fprintf(w, "pool_capacity_bytes=%d\n", s.Buffering.PoolCapacityBytes)
}

// ReadStrategyFile reads back a Strategy persisted by WriteStrategyFile.
func ReadStrategyFile(fs vfs.FS, path string) (Strategy, error) {
	rf, err := fs.Open(path)
	if err != nil {
		return Strategy{}, err
	}
	defer func() { _ = rf.Close() }()
	return ParseStrategyFile(rf)
}

// ParseStrategyFile parses a Strategy from r, the format WriteStrategyFile
// produces: a `[Storage]` and a `[Buffering]` section of key=value lines.
func ParseStrategyFile(r io.Reader) (Strategy, error) {
	var s Strategy
	scanner := bufio.NewScanner(r)
	section := ""

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = line[1 : len(line)-1]
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch section {
		case "Storage":
			switch key {
			case "db_id":
				v, _ := strconv.ParseUint(value, 10, 64)
				s.Storage.DBID = v
			case "mdf_path":
				s.Storage.MDFPath = value
			case "vlf_path":
				s.Storage.VLFPath = value
			case "slf_path":
				s.Storage.SLFPath = value
			case "block_size":
				v, _ := strconv.Atoi(value)
				s.Storage.BlockSize = v
			case "max_size":
				v, _ := strconv.ParseInt(value, 10, 64)
				s.Storage.MaxSize = v
			case "extension_size":
				v, _ := strconv.ParseInt(value, 10, 64)
				s.Storage.ExtensionSize = v
			case "checksum_type":
				s.Storage.ChecksumType = value
			case "mdf_compression":
				s.Storage.MDFCompression = value
			case "no_version":
				s.Storage.NoVersion = value == "true"
			case "batch_insert":
				s.Storage.BatchInsert = value == "true"
			}
		case "Buffering":
			if key == "pool_capacity_bytes" {
				v, _ := strconv.ParseUint(value, 10, 64)
				s.Buffering.PoolCapacityBytes = v
			}
		}
	}
	return s, scanner.Err()
}
