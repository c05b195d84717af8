package store

import (
	"encoding/binary"
	"hash/crc32"
)

// On-disk format constants, matching the FastStorage wire contract.
const (
	// fileMagic is stored as the lower 32 bits of the header's 8-byte magic
	// field; the upper 32 bits are always zero.
	fileMagic uint32 = 0xFDB10001

	// recordMagic marks the start of each record; used both to validate
	// writes and, during crash recovery, to recognize record boundaries.
	recordMagic uint32 = 0xFDB10001

	headerSize = 64
	recordHeaderSize = 24

	// maxKeyLen bounds key_len during recovery scanning, per spec.
	maxKeyLen = 10000
)

// Header field offsets within the first 64 bytes of the file.
const (
	offMagic          = 0x00 // u64 (only lower 32 bits meaningful)
	offNextFreeOffset = 0x08 // u64
	offEntryCount     = 0x10 // u64
	offWriteCount     = 0x18 // u64
	offReadCount      = 0x20 // u64
	offReservedStart  = 0x28 // 24 bytes, zero
)

// fileHeader mirrors the 64-byte store header.
type fileHeader struct {
	Magic          uint64
	NextFreeOffset uint64
	EntryCount     uint64
	WriteCount     uint64
	ReadCount      uint64
}

func encodeHeader(h fileHeader) []byte {
	buf := make([]byte, headerSize)

	binary.LittleEndian.PutUint64(buf[offMagic:], h.Magic)
	binary.LittleEndian.PutUint64(buf[offNextFreeOffset:], h.NextFreeOffset)
	binary.LittleEndian.PutUint64(buf[offEntryCount:], h.EntryCount)
	binary.LittleEndian.PutUint64(buf[offWriteCount:], h.WriteCount)
	binary.LittleEndian.PutUint64(buf[offReadCount:], h.ReadCount)

	return buf
}

func decodeHeader(buf []byte) fileHeader {
	return fileHeader{
		Magic:          binary.LittleEndian.Uint64(buf[offMagic:]),
		NextFreeOffset: binary.LittleEndian.Uint64(buf[offNextFreeOffset:]),
		EntryCount:     binary.LittleEndian.Uint64(buf[offEntryCount:]),
		WriteCount:     binary.LittleEndian.Uint64(buf[offWriteCount:]),
		ReadCount:      binary.LittleEndian.Uint64(buf[offReadCount:]),
	}
}

// recordHeader mirrors the 24-byte per-record header.
type recordHeader struct {
	Magic    uint32
	KeyLen   uint32
	ValueLen uint64
	Checksum uint32
	Reserved uint32
}

func encodeRecordHeader(h recordHeader) []byte {
	buf := make([]byte, recordHeaderSize)

	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.KeyLen)
	binary.LittleEndian.PutUint64(buf[8:], h.ValueLen)
	binary.LittleEndian.PutUint32(buf[16:], h.Checksum)
	binary.LittleEndian.PutUint32(buf[20:], h.Reserved)

	return buf
}

func decodeRecordHeader(buf []byte) recordHeader {
	return recordHeader{
		Magic:    binary.LittleEndian.Uint32(buf[0:]),
		KeyLen:   binary.LittleEndian.Uint32(buf[4:]),
		ValueLen: binary.LittleEndian.Uint64(buf[8:]),
		Checksum: binary.LittleEndian.Uint32(buf[16:]),
		Reserved: binary.LittleEndian.Uint32(buf[20:]),
	}
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func recordChecksum(key, value []byte) uint32 {
	c := crc32.New(crc32cTable)
	c.Write(key)
	c.Write(value)

	return c.Sum32()
}
