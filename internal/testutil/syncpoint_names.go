// Package testutil provides test utilities for stress testing and verification.
//
// This file defines sync point names used throughout the codebase.
// These are plain string constants with zero runtime overhead.
//
// Sync points allow tests to inject deterministic behavior into concurrent code.
// In production builds (without -tags synctest), SP() calls are no-ops.
package testutil

// Sync point names used by the versioning engine.
// Naming convention: "Component::Function:Location" (after RocksDB's own).
const (
	// Attach/create/destroy lifecycle
	SPAttachStart  = "VersionedFile::Attach:Start"
	SPCreateMDF    = "VersionedFile::Create:MDF"
	SPCreateVLF    = "VersionedFile::Create:VLF"
	SPDestroyStart = "VersionedFile::Destroy:Start"

	// Fix / allocate-log path
	SPFixBeforeHeaderQuorum = "Page::Fix:BeforeHeaderQuorum"
	SPAllocateLogBeforeCopy = "AllocateLog::BeforeCopy"
	SPAllocateLogAfterCopy  = "AllocateLog::AfterCopy"

	// Synchronization (§4.5) — the crash point exercised by scenario S4 sits
	// between SPSyncSLFFlushed and SPSyncBeforeMDFWrite.
	SPSyncStart          = "Sync::Run:Start"
	SPSyncLeafScanned    = "Sync::ScanLeaves:Complete"
	SPSyncSLFFlushed     = "Sync::PreImagesFlushed"
	SPSyncBeforeMDFWrite = "Sync::BeforeMDFWrite"
	SPSyncAfterMDFWrite  = "Sync::AfterMDFWrite"
	SPSyncBeforeSLFUnlink = "Sync::BeforeSLFUnlink"
	SPSyncComplete       = "Sync::Run:Complete"

	// Backup
	SPBackupStart     = "Backup::Start"
	SPBackupMaterialized = "Backup::VersionsMaterialized"
	SPBackupComplete  = "Backup::Complete"

	// Recovery
	SPRecoverStart        = "Recover::Start"
	SPRecoverVLFRecovered = "Recover::VLFRecovered"
	SPRecoverSLFReplayed  = "Recover::SLFReplayed"
	SPRecoverComplete     = "Recover::Complete"

	// Verification
	SPVerifyStart    = "Verify::Start"
	SPVerifyComplete = "Verify::Complete"

	// Cleanup daemon
	SPCleanupPass = "DetachedPageCleaner::Pass"
)
