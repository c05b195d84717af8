package watch

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Alloc returns a page-aligned, anonymously-mapped byte slice of at least
// size bytes, suitable for Watch/WatchExtended. Go heap memory is not
// watchable: the garbage collector can relocate it between a Watch call
// and the write it was meant to catch, and it is rarely page-aligned to
// begin with. Free the returned slice with FreeRegion once no region
// references it.
func Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, ErrInvalidAddr
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("watch: alloc: %w", err)
	}

	return data, nil
}

// FreeRegion unmaps memory obtained from Alloc. Callers must Unwatch any
// region over buf first.
func FreeRegion(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	return unix.Munmap(buf)
}
