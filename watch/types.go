package watch

import "sync/atomic"

// RegionID identifies a watched region. Allocated monotonically, never
// reused, never zero (zero means "no region" / watch failure).
type RegionID uint64

// AdapterID identifies a registered adapter. Never zero.
type AdapterID uint32

// ScopeTag classifies where a watched variable lives.
type ScopeTag uint8

const (
	ScopeGlobal ScopeTag = iota
	ScopeLocal
	ScopeBoth
)

func (s ScopeTag) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeLocal:
		return "local"
	case ScopeBoth:
		return "both"
	default:
		return "unknown"
	}
}

// LanguageTag identifies the source-language binding that created a watch.
type LanguageTag uint8

const (
	LanguageGenericDynamic LanguageTag = iota
	LanguageNative
	LanguageGenericJS
	LanguageJVM
	LanguageGreenThreadNative
	LanguageOwnershipNative
	LanguageVMNative
	LanguageSQL
	LanguageUnknown LanguageTag = 255
)

func (l LanguageTag) String() string {
	switch l {
	case LanguageGenericDynamic:
		return "generic_dynamic"
	case LanguageNative:
		return "native"
	case LanguageGenericJS:
		return "js"
	case LanguageJVM:
		return "jvm"
	case LanguageGreenThreadNative:
		return "green_thread_native"
	case LanguageOwnershipNative:
		return "ownership_native"
	case LanguageVMNative:
		return "vm_native"
	case LanguageSQL:
		return "sql"
	default:
		return "unknown"
	}
}

// pageRecord tracks every region overlapping one page, its shadow copy, and
// its arm state. Shadow length always equals pageSize while armed, per the
// region-coverage invariant.
type pageRecord struct {
	addr       uintptr
	shadow     []byte
	regions    []RegionID // owned by Registry.mu; trap path never reads this
	armed      atomic.Bool
	needsRearm atomic.Bool
}

// region is the internal representation of a watched byte range.
type region struct {
	id         RegionID
	base, size uintptr
	name       string
	adapterID  AdapterID
	scope      ScopeTag
	language   LanguageTag
	threadID   uint64
	threadName string
	userData   any
	pages      []*pageRecord
}

func (r *region) contains(addr uintptr) bool {
	return addr >= r.base && addr < r.base+r.size
}
