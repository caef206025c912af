// Package fs is the file layer under the write-ahead log and the local object
// store.
//
// [FileSystem] covers the handful of operations those need, including
// [FileSystem.SyncDir] so that a rename survives a crash. [ReplaceFile]
// builds the write-temp, sync, rename, sync-directory sequence on top of it.
//
// [FaultyFS] wraps any FileSystem and fails chosen files on open, write, sync
// or close:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("wal.log", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
//
// Operations take no context.Context; local syscalls are not interruptible.
package fs
