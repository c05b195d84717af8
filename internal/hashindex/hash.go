package hashindex

import "encoding/binary"

// Hash64 computes a 64-bit xxhash-style avalanche hash: four lanes mixed
// over 32-byte blocks, tail processing for remaining 8/4/1-byte chunks, and
// a final three-step xor-shift-multiply avalanche, per the hash index spec.
func Hash64(data []byte) uint64 {
	const (
		prime1 = 0x9E3779B185EBCA87
		prime2 = 0xC2B2AE3D27D4B4F1
		prime3 = 0x165667B19E3779F9
		prime4 = 0x85EBCA77C2B2AE63
		prime5 = 0x27D4EB2F165667C5
	)

	length := len(data)
	var h uint64

	if length >= 32 {
		v1 := prime1 + prime2
		v2 := uint64(prime2)
		v3 := uint64(0)
		v4 := -uint64(prime1)

		for len(data) >= 32 {
			v1 = round(v1, binary.LittleEndian.Uint64(data[0:8]))
			v2 = round(v2, binary.LittleEndian.Uint64(data[8:16]))
			v3 = round(v3, binary.LittleEndian.Uint64(data[16:24]))
			v4 = round(v4, binary.LittleEndian.Uint64(data[24:32]))
			data = data[32:]
		}

		h = rotl64(v1, 1) + rotl64(v2, 7) + rotl64(v3, 12) + rotl64(v4, 18)
		h = mergeRound(h, v1)
		h = mergeRound(h, v2)
		h = mergeRound(h, v3)
		h = mergeRound(h, v4)
	} else {
		h = prime5
	}

	h += uint64(length)

	for len(data) >= 8 {
		k1 := round(0, binary.LittleEndian.Uint64(data[0:8]))
		h ^= k1
		h = rotl64(h, 27)*prime1 + prime4
		data = data[8:]
	}

	if len(data) >= 4 {
		h ^= uint64(binary.LittleEndian.Uint32(data[0:4])) * prime1
		h = rotl64(h, 23)*prime2 + prime3
		data = data[4:]
	}

	for len(data) > 0 {
		h ^= uint64(data[0]) * prime5
		h = rotl64(h, 11) * prime1
		data = data[1:]
	}

	// Final avalanche: three xor-shift-multiply steps.
	h ^= h >> 33
	h *= prime2
	h ^= h >> 29
	h *= prime3
	h ^= h >> 32

	return h
}

func round(acc, input uint64) uint64 {
	const prime1, prime2 = 0x9E3779B185EBCA87, 0xC2B2AE3D27D4B4F1

	acc += input * prime2
	acc = rotl64(acc, 31)
	acc *= prime1

	return acc
}

func mergeRound(acc, val uint64) uint64 {
	const prime1, prime4 = 0x9E3779B185EBCA87, 0x85EBCA77C2B2AE63

	val = round(0, val)
	acc ^= val
	acc = acc*prime1 + prime4

	return acc
}

func rotl64(x uint64, r uint) uint64 {
	return (x << r) | (x >> (64 - r))
}
