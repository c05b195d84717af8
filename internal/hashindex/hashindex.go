// Package hashindex implements the open-addressed, tombstone-retaining hash
// table the storage engine uses as its in-memory key index (built on Write
// and by the on-open record-scan rebuild).
//
// Capacity is always a power of two. Lookup and insert use linear probing;
// probe chains stop at an empty (never-used) slot, never at a tombstone.
// The table grows (doubles) and rehashes once the live+tombstone load factor
// exceeds 0.7.
package hashindex

import "bytes"

const (
	// DefaultInitialCapacity matches the 2^17 starting size specified for
	// FastStorage's index.
	DefaultInitialCapacity = 1 << 17

	growThreshold = 0.7
)

type slotState uint8

const (
	slotEmpty slotState = iota
	slotUsed
	slotTombstone
)

type entry struct {
	state  slotState
	hash   uint64
	key    []byte
	offset uint64
}

// Index is an open-addressed hash table mapping byte-slice keys to uint64
// offsets. It is not safe for concurrent use; callers serialize access
// (FastStorage does so via its own reader/writer lock).
type Index struct {
	slots      []entry
	mask       uint64
	count      int // live entries
	tombstones int
}

// New creates an index with the given initial capacity, rounded up to the
// next power of two (minimum 2).
func New(initialCapacity int) *Index {
	cap64 := nextPow2(uint64(initialCapacity))
	if cap64 < 2 {
		cap64 = 2
	}

	return &Index{
		slots: make([]entry, cap64),
		mask:  cap64 - 1,
	}
}

// Len returns the number of live (non-tombstone) entries.
func (ix *Index) Len() int { return ix.count }

// Lookup returns the stored offset for key, if present.
func (ix *Index) Lookup(key []byte) (uint64, bool) {
	h := Hash64(key)
	idx := h & ix.mask

	for {
		e := &ix.slots[idx]

		switch e.state {
		case slotEmpty:
			return 0, false
		case slotTombstone:
			// keep probing
		case slotUsed:
			if e.hash == h && bytes.Equal(e.key, key) {
				return e.offset, true
			}
		}

		idx = (idx + 1) & ix.mask
	}
}

// Insert adds or updates the offset for key. Triggers a grow+rehash first
// if the load factor (including tombstones) would exceed the threshold.
func (ix *Index) Insert(key []byte, offset uint64) {
	if float64(ix.count+ix.tombstones+1)/float64(len(ix.slots)) > growThreshold {
		ix.grow()
	}

	ix.insertNoGrow(key, offset)
}

func (ix *Index) insertNoGrow(key []byte, offset uint64) {
	h := Hash64(key)
	idx := h & ix.mask

	var firstTombstone = -1

	for {
		e := &ix.slots[idx]

		switch e.state {
		case slotEmpty:
			target := idx
			if firstTombstone >= 0 {
				target = uint64(firstTombstone)
				ix.tombstones--
			}

			ix.slots[target] = entry{state: slotUsed, hash: h, key: append([]byte(nil), key...), offset: offset}
			ix.count++

			return
		case slotTombstone:
			if firstTombstone < 0 {
				firstTombstone = int(idx)
			}
		case slotUsed:
			if e.hash == h && bytes.Equal(e.key, key) {
				e.offset = offset
				return
			}
		}

		idx = (idx + 1) & ix.mask
	}
}

// Delete marks key's slot as a tombstone. Returns whether the key was present.
func (ix *Index) Delete(key []byte) bool {
	h := Hash64(key)
	idx := h & ix.mask

	for {
		e := &ix.slots[idx]

		switch e.state {
		case slotEmpty:
			return false
		case slotUsed:
			if e.hash == h && bytes.Equal(e.key, key) {
				ix.slots[idx] = entry{state: slotTombstone}
				ix.count--
				ix.tombstones++

				return true
			}
		}

		idx = (idx + 1) & ix.mask
	}
}

// ForEach calls fn for every live entry. fn must not mutate the index.
func (ix *Index) ForEach(fn func(key []byte, offset uint64)) {
	for i := range ix.slots {
		if ix.slots[i].state == slotUsed {
			fn(ix.slots[i].key, ix.slots[i].offset)
		}
	}
}

func (ix *Index) grow() {
	old := ix.slots
	newCap := uint64(len(ix.slots)) * 2

	ix.slots = make([]entry, newCap)
	ix.mask = newCap - 1
	ix.count = 0
	ix.tombstones = 0

	for i := range old {
		if old[i].state == slotUsed {
			ix.insertNoGrow(old[i].key, old[i].offset)
		}
	}
}

func nextPow2(x uint64) uint64 {
	if x == 0 {
		return 1
	}

	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32

	return x + 1
}
