// Package main provides the pgctl CLI tool for inspecting and
// maintaining vpagestore versioned files from outside a running
// process.
//
// Usage:
//
//	pgctl --mdf=<path> [--vlf=<path>] [--slf=<path>] [--block-size=N] <command>
//
// Commands:
//
//	info     Print the file's header and storage strategy
//	verify   Run start-verification and report faults found
//	repair   Run start-verification with repair enabled
//	sync     Run one synchronization pass
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/aalhour/vpagestore"
	"github.com/aalhour/vpagestore/internal/checksum"
	"github.com/aalhour/vpagestore/internal/logging"
	"github.com/aalhour/vpagestore/internal/txctx"
)

var (
	mdfPath   = flag.String("mdf", "", "Path to the master data file (required)")
	vlfPath   = flag.String("vlf", "", "Path to the version log file (defaults to --mdf + \".vlf\")")
	slfPath   = flag.String("slf", "", "Path to the sync log file (defaults to --mdf + \".slf\")")
	blockSize = flag.Int("block-size", 8192, "Block size shared by the MDF/VLF/SLF, for first-time attach")
	verbose   = flag.Bool("v", false, "Verbose logging")
	help      = flag.Bool("help", false, "Print help")
)

// adminTx is a standalone txctx.Tx for driving operator commands
// one at a time against an otherwise-idle file; pgctl is not meant to
// run alongside a live workload on the same file.
type adminTx struct {
	id    txctx.ID
	start txctx.Timestamp
}

func (t adminTx) ID() txctx.ID                    { return t.id }
func (t adminTx) StartTimestamp() txctx.Timestamp { return t.start }
func (t adminTx) Overlaps(other txctx.ID) bool    { return false }
func (t adminTx) IsCanceledStatement() bool       { return false }
func (t adminTx) IsNoVersion() bool               { return false }
func (t adminTx) Category() txctx.Category        { return txctx.CategoryReadWrite }

// idleManager answers as though no other transaction is, or ever was,
// in progress — the correct view for a maintenance tool that expects
// exclusive access to the file it operates on.
type idleManager struct{}

func (idleManager) InProgress(dbID uint64, versionUsingOnly bool) []txctx.ID { return nil }
func (idleManager) Beginning(dbID uint64) txctx.Timestamp                   { return txctx.Illegal }

type idleCheckpointManager struct{}

func (idleCheckpointManager) MostRecent(lockName string) txctx.Timestamp       { return txctx.Illegal }
func (idleCheckpointManager) SecondMostRecent(lockName string) txctx.Timestamp { return txctx.Illegal }

func main() {
	flag.Parse()

	if *help || len(flag.Args()) == 0 {
		printUsage()
		return
	}
	if *mdfPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --mdf flag is required")
		os.Exit(1)
	}

	level := logging.LevelWarn
	if *verbose {
		level = logging.LevelDebug
	}

	opts := vpagestore.DefaultOptions()
	opts.Logger = logging.NewLogger(os.Stderr, level)
	opts.TxManager = idleManager{}
	opts.CheckpointManager = idleCheckpointManager{}

	engine := vpagestore.New(opts)
	defer engine.Close()

	vlf := *vlfPath
	if vlf == "" {
		vlf = *mdfPath + ".vlf"
	}
	slf := *slfPath
	if slf == "" {
		slf = *mdfPath + ".slf"
	}

	storage := vpagestore.StorageStrategy{
		MDFPath:      *mdfPath,
		VLFPath:      vlf,
		SLFPath:      slf,
		BlockSize:    *blockSize,
		ChecksumType: checksum.TypeXXH3,
	}
	file, err := engine.Attach(storage, vpagestore.BufferingStrategy{PoolCapacityBytes: 64 * 1024 * 1024}, *mdfPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: attach: %v\n", err)
		os.Exit(1)
	}

	admin := adminTx{id: 1, start: txctx.Timestamp(1)}
	if !fileExists(*mdfPath) {
		err = file.Create(admin)
	} else {
		err = file.Mount(admin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	command := flag.Arg(0)
	switch command {
	case "info":
		err = cmdInfo(file)
	case "verify":
		err = cmdVerify(file, admin, vpagestore.VerifyReportOnly)
	case "repair":
		err = cmdVerify(file, admin, vpagestore.VerifyRepair)
	case "sync":
		err = cmdSync(file, admin)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func cmdInfo(file *vpagestore.File) error {
	info := file.Info()
	fmt.Printf("mdf_path:                %s\n", info.MDFPath)
	fmt.Printf("vlf_path:                %s\n", info.VLFPath)
	fmt.Printf("slf_path:                %s\n", info.SLFPath)
	fmt.Printf("block_size:              %d\n", info.BlockSize)
	fmt.Printf("page_count:              %d\n", info.PageCount)
	fmt.Printf("pbct_height:             %d\n", info.PBCTHeight)
	fmt.Printf("pbct_root_id:            %s\n", info.PBCTRootID)
	fmt.Printf("free_list_head:          %s\n", info.FreeListHead)
	fmt.Printf("newest_timestamp:        %s\n", info.NewestTimestamp)
	fmt.Printf("oldest_synced_timestamp: %s\n", info.OldestSyncedTimestamp)
	fmt.Printf("in_backup:               %t\n", info.InBackup)
	return nil
}

func cmdVerify(file *vpagestore.File, tx txctx.Tx, treatment vpagestore.VerifyTreatment) error {
	report, err := file.StartVerification(tx, treatment, func(checked, total uint64) {
		fmt.Fprintf(os.Stderr, "\rverifying: %d/%d", checked, total)
	}, true)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	fmt.Printf("blocks checked: %d\n", report.BlocksChecked)
	if len(report.Issues) == 0 {
		fmt.Println("no issues found")
	}
	for _, issue := range report.Issues {
		fmt.Printf("issue: %s\n", issue)
	}
	for _, repaired := range report.Repaired {
		fmt.Printf("repaired: %s\n", repaired)
	}
	return file.EndVerification(tx)
}

func cmdSync(file *vpagestore.File, tx txctx.Tx) error {
	incomplete, migrated, err := file.Sync(tx)
	if err != nil {
		return err
	}
	fmt.Printf("migrated: %d\n", migrated)
	if incomplete {
		fmt.Println("sync pass did not reach the end of the file; run again to continue")
	}
	return nil
}

func printUsage() {
	fmt.Println("pgctl - vpagestore file inspection and maintenance tool")
	fmt.Println()
	fmt.Println("Usage: pgctl --mdf=<path> [options] <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  info     Print the file's header and storage strategy")
	fmt.Println("  verify   Run start-verification and report faults found")
	fmt.Println("  repair   Run start-verification with repair enabled")
	fmt.Println("  sync     Run one synchronization pass")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}
