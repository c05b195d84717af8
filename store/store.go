// Package store implements FastStorage: a memory-mapped append-log
// key-value store with an in-memory open-addressed hash index, recoverable
// on open via a header check plus a record-scan rebuild.
//
// A Store is a handle to one open file. Reads are safe for concurrent use;
// writes are serialized by an in-process RWMutex and, unless disabled, by
// a cross-process advisory lock acquired for the lifetime of the handle.
package store

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"

	fsutil "github.com/memtrap/memtrap/internal/fs"
	"github.com/memtrap/memtrap/internal/hashindex"
	"golang.org/x/sys/unix"
)

// Store is a handle to an open FastStorage file.
type Store struct {
	mu sync.RWMutex

	fd       int
	data     []byte
	fileSize int64
	path     string

	header fileHeader
	index  *hashindex.Index

	readCount atomic.Uint64

	lock           *fsutil.Lock
	disableLocking bool

	dirty  bool
	closed bool
}

// Open opens or creates the file at opts.Path, maps it, and, if it already
// contains a valid header, rebuilds the in-memory index by scanning
// records from the end of the header.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("store: %w: empty path", ErrInvalidKey)
	}

	var lock *fsutil.Lock

	if !opts.DisableLocking {
		l, err := tryAcquireWriteLock(opts.Path)
		if err != nil {
			return nil, err
		}

		lock = l
	}

	s, err := openLocked(opts, lock)
	if err != nil {
		if lock != nil {
			_ = lock.Close()
		}

		return nil, err
	}

	return s, nil
}

func openLocked(opts Options, lock *fsutil.Lock) (*Store, error) {
	fd, err := syscall.Open(opts.Path, syscall.O_RDWR|syscall.O_CREAT, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", opts.Path, err)
	}

	var stat syscall.Stat_t
	if err := syscall.Fstat(fd, &stat); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("store: fstat %s: %w", opts.Path, err)
	}

	capacity := opts.capacityOrDefault()
	fileSize := capacity

	existingSize := stat.Size
	if existingSize > fileSize {
		fileSize = existingSize
	}

	if existingSize < fileSize {
		// Sparse-allocate the remainder rather than zero-filling.
		if err := syscall.Ftruncate(fd, fileSize); err != nil {
			_ = syscall.Close(fd)
			return nil, fmt.Errorf("store: truncate %s: %w", opts.Path, err)
		}
	}

	data, err := syscall.Mmap(fd, 0, int(fileSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("store: mmap %s: %w", opts.Path, err)
	}

	// Best-effort hints; failures are not fatal.
	_ = unix.Madvise(data, unix.MADV_WILLNEED)
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)
	_ = unix.Mlock(data)

	s := &Store{
		fd:             fd,
		data:           data,
		fileSize:       fileSize,
		path:           opts.Path,
		index:          hashindex.New(hashindex.DefaultInitialCapacity),
		lock:           lock,
		disableLocking: opts.DisableLocking,
	}

	if existingSize >= headerSize {
		hdr := decodeHeader(data[:headerSize])
		if uint32(hdr.Magic) == fileMagic && hdr.NextFreeOffset >= headerSize && hdr.NextFreeOffset <= uint64(fileSize) {
			s.header = hdr
			s.readCount.Store(hdr.ReadCount)

			if err := s.rebuildIndex(); err != nil {
				_ = syscall.Munmap(data)
				_ = syscall.Close(fd)

				return nil, err
			}

			return s, nil
		}
	}

	s.header = fileHeader{Magic: uint64(fileMagic), NextFreeOffset: headerSize}
	copy(data[:headerSize], encodeHeader(s.header))

	return s, nil
}

// Write appends (key, value) as a new record and repoints the index at it.
// Does not fsync; see Flush.
func (s *Store) Write(key, value []byte) error {
	if len(key) == 0 || len(key) > maxKeyLen {
		return ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	need := uint64(recordHeaderSize + len(key) + len(value))
	if s.header.NextFreeOffset+need > uint64(s.fileSize) {
		return ErrFull
	}

	off := s.header.NextFreeOffset

	rh := recordHeader{
		Magic:    recordMagic,
		KeyLen:   uint32(len(key)),
		ValueLen: uint64(len(value)),
		Checksum: recordChecksum(key, value),
	}

	copy(s.data[off:], encodeRecordHeader(rh))
	copy(s.data[off+recordHeaderSize:], key)
	copy(s.data[off+recordHeaderSize+uint64(len(key)):], value)

	s.index.Insert(key, off)
	s.header.EntryCount = uint64(s.index.Len())
	s.header.NextFreeOffset = off + need
	s.header.WriteCount++
	s.dirty = true

	return nil
}

// Read returns a zero-copy slice of value bytes borrowed from the mapping.
// The slice is valid until the next Write/Delete/Compact/Close.
func (s *Store) Read(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	off, ok := s.index.Lookup(key)
	if !ok {
		return nil, ErrNotFound
	}

	s.readCount.Add(1)

	rh := decodeRecordHeader(s.data[off : off+recordHeaderSize])
	valStart := off + recordHeaderSize + uint64(rh.KeyLen)
	valEnd := valStart + rh.ValueLen

	return s.data[valStart:valEnd], nil
}

// Exists reports whether key has a live entry in the index.
func (s *Store) Exists(key []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrClosed
	}

	_, ok := s.index.Lookup(key)

	return ok, nil
}

// Size returns the number of live entries.
func (s *Store) Size() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	return s.index.Len(), nil
}

// Delete logically removes key (tombstones the index entry). The record
// bytes remain in the file until Compact.
func (s *Store) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if !s.index.Delete(key) {
		return ErrNotFound
	}

	s.header.EntryCount = uint64(s.index.Len())
	s.dirty = true

	return nil
}

// Flush persists the header and issues an asynchronous msync if dirty.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if s.closed {
		return ErrClosed
	}

	if !s.dirty {
		return nil
	}

	s.header.ReadCount = s.readCount.Load()
	copy(s.data[:headerSize], encodeHeader(s.header))
	s.dirty = false

	_ = unix.Msync(s.data, unix.MS_ASYNC)

	return nil
}

// Close flushes, unmaps, and closes the file. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	_ = s.flushLocked()

	s.closed = true

	if s.data != nil {
		_ = syscall.Munmap(s.data)
		s.data = nil
	}

	if s.fd >= 0 {
		_ = syscall.Close(s.fd)
		s.fd = -1
	}

	if s.lock != nil {
		_ = s.lock.Close()
		s.lock = nil
	}

	return nil
}
