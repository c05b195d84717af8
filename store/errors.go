package store

import "errors"

// Sentinel errors returned by Store operations. Check with errors.Is;
// messages may be wrapped with additional context.
var (
	// ErrNotFound is returned by Read/Delete when the key is absent.
	ErrNotFound = errors.New("store: key not found")

	// ErrFull is returned by Write when the append would exceed the file's
	// capacity. Growing the file is out of scope for the core engine.
	ErrFull = errors.New("store: capacity exceeded")

	// ErrCorrupt names invalid header or record framing. No Store operation
	// currently returns it: Open treats a bad header as an empty store, and
	// the record-scan rebuild stops at the first invalid record.
	ErrCorrupt = errors.New("store: corrupt header or record framing")

	// ErrClosed is returned by any operation on a closed Store.
	ErrClosed = errors.New("store: store is closed")

	// ErrBusy is returned when another writer already holds the
	// cross-process lock for this file.
	ErrBusy = errors.New("store: locked by another writer")

	// ErrInvalidKey is returned for empty or oversized keys.
	ErrInvalidKey = errors.New("store: invalid key")
)
