package store

// rebuildIndex scans records sequentially from headerSize, validating each
// record's magic and key_len before inserting it into the index. Scanning
// stops at the first invalid record, treating everything from that offset
// onward as free space — this is what makes a dirty (unflushed) shutdown
// recoverable: the file's actual next_free_offset may lag the bytes
// physically written, but recovery never trusts bytes it cannot validate.
func (s *Store) rebuildIndex() error {
	off := uint64(headerSize)
	limit := s.header.NextFreeOffset

	for off+recordHeaderSize <= limit {
		rh := decodeRecordHeader(s.data[off : off+recordHeaderSize])

		if rh.Magic != recordMagic {
			break
		}

		if rh.KeyLen == 0 || rh.KeyLen > maxKeyLen {
			break
		}

		recLen := recordHeaderSize + uint64(rh.KeyLen) + rh.ValueLen
		if off+recLen > limit {
			break
		}

		keyStart := off + recordHeaderSize
		key := s.data[keyStart : keyStart+uint64(rh.KeyLen)]

		s.index.Insert(key, off)

		off += recLen
	}

	s.header.EntryCount = uint64(s.index.Len())

	return nil
}
