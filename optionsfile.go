package vpagestore

import (
	"os"
	"strconv"

	"github.com/aalhour/vpagestore/internal/checksum"
	"github.com/aalhour/vpagestore/internal/compression"
	"github.com/aalhour/vpagestore/internal/options"
)

// optionsFilePath names the OPTIONS file persisted alongside a versioned
// file's master-data file, mirroring the teacher's convention of keeping
// an OPTIONS file next to the data directory it describes.
func (f *File) optionsFilePath() string {
	return f.storage.MDFPath + ".OPTIONS"
}

// saveOptionsFile persists f's current storage/buffering strategy, so a
// later Mount of the same MDF path (in this process or a fresh one) can
// recover it without the caller having to supply it again. Called from
// Create, the way the teacher's DB.Open writes its OPTIONS file once a
// database's configuration is settled.
func (f *File) saveOptionsFile() error {
	strategy := options.Strategy{
		Storage: options.StorageOptions{
			DBID:           f.storage.DBID,
			MDFPath:        f.storage.MDFPath,
			VLFPath:        f.storage.VLFPath,
			SLFPath:        f.storage.SLFPath,
			BlockSize:      f.storage.BlockSize,
			MaxSize:        f.storage.MaxSize,
			ExtensionSize:  f.storage.ExtensionSize,
			ChecksumType:   strconv.Itoa(int(f.storage.ChecksumType)),
			MDFCompression: strconv.Itoa(int(f.storage.MDFCompression)),
			NoVersion:      f.storage.NoVersion,
			BatchInsert:    f.storage.BatchInsert,
		},
		Buffering: options.BufferingOptions{PoolCapacityBytes: f.buffering.PoolCapacityBytes},
	}
	return options.WriteStrategyFile(f.engine.opts.FS, f.optionsFilePath(), strategy)
}

// loadOptionsFileIfNeeded fills in a zero-valued BlockSize (the signal
// that the caller attached with only the path fields of StorageStrategy
// set, expecting Mount to recover the rest) from a previously persisted
// OPTIONS file. A missing OPTIONS file is not an error: a file created
// and mounted within the same process already has its full strategy in
// memory, and never needed one written.
func (f *File) loadOptionsFileIfNeeded() error {
	if f.storage.BlockSize != 0 {
		return nil
	}
	path := f.optionsFilePath()
	if !f.engine.opts.FS.Exists(path) {
		return nil
	}
	strategy, err := options.ReadStrategyFile(f.engine.opts.FS, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	ct, _ := strconv.Atoi(strategy.Storage.ChecksumType)
	mc, _ := strconv.Atoi(strategy.Storage.MDFCompression)

	if f.storage.VLFPath == "" {
		f.storage.VLFPath = strategy.Storage.VLFPath
	}
	if f.storage.SLFPath == "" {
		f.storage.SLFPath = strategy.Storage.SLFPath
	}
	f.storage.BlockSize = strategy.Storage.BlockSize
	f.storage.MaxSize = strategy.Storage.MaxSize
	f.storage.ExtensionSize = strategy.Storage.ExtensionSize
	f.storage.ChecksumType = checksum.Type(ct)
	f.storage.MDFCompression = compression.Type(mc)
	f.storage.NoVersion = strategy.Storage.NoVersion
	f.storage.BatchInsert = strategy.Storage.BatchInsert
	if f.buffering.PoolCapacityBytes == 0 {
		f.buffering.PoolCapacityBytes = strategy.Buffering.PoolCapacityBytes
	}
	return nil
}
