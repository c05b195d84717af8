package store

import (
	"errors"
	"fmt"

	fsutil "github.com/memtrap/memtrap/internal/fs"
)

// locker coordinates cross-process writer exclusion via an advisory flock
// on a sidecar "<path>.lock" file, mirroring the teacher's own writer-lock
// pattern. It is package-level since it carries no per-file state itself.
var locker = fsutil.NewLocker(fsutil.NewReal())

// tryAcquireWriteLock acquires a non-blocking exclusive lock for path.
// Returns ErrBusy if another process (or Store instance) already holds it.
func tryAcquireWriteLock(path string) (*fsutil.Lock, error) {
	lock, err := locker.TryLock(path + ".lock")
	if err != nil {
		if errors.Is(err, fsutil.ErrWouldBlock) {
			return nil, ErrBusy
		}

		return nil, fmt.Errorf("store: acquire write lock: %w", err)
	}

	return lock, nil
}
