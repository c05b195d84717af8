// Package fs provides the small filesystem seam the store package's
// cross-process write lock is built on.
//
// The main types are:
//   - [FS]: interface for the filesystem operations Locker needs
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation using [os] package
package fs

import "os"

// File represents an open file descriptor, trimmed to the operations
// [Locker] performs on a lock file: inspecting its identity and releasing
// it.
type File interface {
	// Fd returns the file descriptor. See [os.File.Fd].
	// Used for low-level operations like [syscall.Flock].
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Close closes the file. See [os.File.Close].
	Close() error
}

// FS defines the filesystem operations [Locker] needs to open a lock file,
// create its parent directory on demand, and verify it hasn't been replaced
// out from under an open descriptor.
type FS interface {
	// OpenFile opens a file with specified flags and permissions. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	// No error if the directory already exists.
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info. See [os.Stat].
	// Returns [os.ErrNotExist] if file doesn't exist.
	Stat(path string) (os.FileInfo, error)
}

// Compile-time interface checks.
var _ File = (*os.File)(nil)
