package store

import (
	"bytes"
	"fmt"
	"syscall"

	"github.com/natefinch/atomic"

	"github.com/memtrap/memtrap/internal/hashindex"
)

// Compact rewrites the file to contain only live records, replacing it
// atomically (temp file + rename), then remaps the new file in place.
// Unlike every other Store mutation, this is the one operation that
// produces a whole new file rather than mutating the live mapping, which
// is exactly the shape natefinch/atomic.WriteFile is for.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	type liveRecord struct {
		key, value []byte
	}

	live := make([]liveRecord, 0, s.index.Len())

	s.index.ForEach(func(key []byte, off uint64) {
		rh := decodeRecordHeader(s.data[off : off+recordHeaderSize])
		valStart := off + recordHeaderSize + uint64(rh.KeyLen)
		valEnd := valStart + rh.ValueLen

		live = append(live, liveRecord{
			key:   append([]byte(nil), key...),
			value: append([]byte(nil), s.data[valStart:valEnd]...),
		})
	})

	buf := make([]byte, headerSize)
	newIndex := hashindex.New(hashindex.DefaultInitialCapacity)
	offset := uint64(headerSize)

	for _, r := range live {
		rh := recordHeader{
			Magic:    recordMagic,
			KeyLen:   uint32(len(r.key)),
			ValueLen: uint64(len(r.value)),
			Checksum: recordChecksum(r.key, r.value),
		}

		buf = append(buf, encodeRecordHeader(rh)...)
		buf = append(buf, r.key...)
		buf = append(buf, r.value...)

		newIndex.Insert(r.key, offset)
		offset += uint64(recordHeaderSize + len(r.key) + len(r.value))
	}

	if uint64(len(buf)) < uint64(s.fileSize) {
		buf = append(buf, make([]byte, uint64(s.fileSize)-uint64(len(buf)))...)
	}

	newHeader := fileHeader{
		Magic:          uint64(fileMagic),
		NextFreeOffset: offset,
		EntryCount:     uint64(len(live)),
		WriteCount:     s.header.WriteCount,
		ReadCount:      s.readCount.Load(),
	}
	copy(buf[:headerSize], encodeHeader(newHeader))

	if err := atomic.WriteFile(s.path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("store: compact: replace file: %w", err)
	}

	if err := s.remapLocked(int64(len(buf))); err != nil {
		return err
	}

	s.index = newIndex
	s.header = newHeader
	s.dirty = false

	return nil
}

func (s *Store) remapLocked(newSize int64) error {
	if s.data != nil {
		_ = syscall.Munmap(s.data)
	}

	if s.fd >= 0 {
		_ = syscall.Close(s.fd)
	}

	fd, err := syscall.Open(s.path, syscall.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("store: reopen after compact: %w", err)
	}

	data, err := syscall.Mmap(fd, 0, int(newSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		_ = syscall.Close(fd)
		return fmt.Errorf("store: remap after compact: %w", err)
	}

	s.fd = fd
	s.data = data
	s.fileSize = newSize

	return nil
}
