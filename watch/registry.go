package watch

import (
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"
)

// trapController arms and disarms write-protection on individual pages. It
// is satisfied by the platform trap handler (trap_linux.go) or the stub
// (trap_stub.go).
type trapController interface {
	Arm(pageAddr, pageSize uintptr) error
	Disarm(pageAddr, pageSize uintptr) error
	Rearm(pageAddr, pageSize uintptr) error
	Close() error
}

// registry owns every watched region and page. Region bookkeeping (the
// id->region and page->pageRecord maps, and the base-sorted region slice used
// for address lookups) is guarded by mu. The page->pageRecord table the trap
// read-loop consults on every fault is a separate lock-free map: the fault
// path must never block behind a writer doing Watch/Unwatch housekeeping.
type registry struct {
	mu sync.RWMutex

	pageSize uintptr
	nextID   atomic.Uint64

	byID     map[RegionID]*region
	byBase   []*region // sorted by base, for binary-search address lookup
	pages    map[uintptr]*pageRecord

	pageTable sync.Map // uintptr(pageAddr) -> *pageRecord, lock-free read path

	trap trapController

	maxRegions int
}

func newRegistry(pageSize uintptr, maxRegions int, trap trapController) *registry {
	return &registry{
		pageSize:   pageSize,
		byID:       make(map[RegionID]*region),
		pages:      make(map[uintptr]*pageRecord),
		trap:       trap,
		maxRegions: maxRegions,
	}
}

// setTrap wires the trap controller after construction, breaking the
// construction cycle where the trap handler's read loop needs the
// registry's lookupPage but the registry wants to own the same trap for
// Arm/Disarm.
func (r *registry) setTrap(trap trapController) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.trap = trap
}

func pageFloor(addr, pageSize uintptr) uintptr {
	return addr &^ (pageSize - 1)
}

func pageCeil(addr, pageSize uintptr) uintptr {
	return pageFloor(addr+pageSize-1, pageSize)
}

func snapshot(addr uintptr, size uintptr) []byte {
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	dst := make([]byte, size)
	copy(dst, src)

	return dst
}

// watch registers a new region covering [base, base+size) and arms every
// page it newly touches. On any arm failure, pages created for this call
// are rolled back so a failed Watch leaves no residue (the partial-arm
// rollback invariant).
func (r *registry) watch(base, size uintptr, name string, scope ScopeTag, language LanguageTag, threadID uint64, threadName string, adapterID AdapterID, userData any) (RegionID, error) {
	if size == 0 {
		return 0, ErrInvalidAddr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxRegions > 0 && len(r.byID) >= r.maxRegions {
		return 0, ErrFull
	}

	start := pageFloor(base, r.pageSize)
	end := pageCeil(base+size, r.pageSize)

	var (
		pageRecords []*pageRecord
		created     []*pageRecord
	)

	for addr := start; addr < end; addr += r.pageSize {
		pr, ok := r.pages[addr]
		if !ok {
			pr = &pageRecord{addr: addr, shadow: snapshot(addr, r.pageSize)}

			// Publish to the lock-free page table before arming, so a fault
			// that arrives as soon as Arm returns is recognised.
			r.pageTable.Store(addr, pr)

			if err := r.trap.Arm(addr, r.pageSize); err != nil {
				r.pageTable.Delete(addr)
				r.rollbackLocked(created)
				return 0, ErrMprotect
			}

			pr.armed.Store(true)
			r.pages[addr] = pr
			created = append(created, pr)
		}

		pageRecords = append(pageRecords, pr)
	}

	id := RegionID(r.nextID.Add(1))

	reg := &region{
		id:         id,
		base:       base,
		size:       size,
		name:       name,
		adapterID:  adapterID,
		scope:      scope,
		language:   language,
		threadID:   threadID,
		threadName: threadName,
		userData:   userData,
		pages:      pageRecords,
	}

	for _, pr := range pageRecords {
		pr.regions = append(pr.regions, id)
	}

	r.byID[id] = reg
	r.insertSortedLocked(reg)

	return id, nil
}

func (r *registry) rollbackLocked(created []*pageRecord) {
	for _, pr := range created {
		_ = r.trap.Disarm(pr.addr, r.pageSize)
		delete(r.pages, pr.addr)
		r.pageTable.Delete(pr.addr)
	}
}

func (r *registry) insertSortedLocked(reg *region) {
	i := sort.Search(len(r.byBase), func(i int) bool { return r.byBase[i].base >= reg.base })
	r.byBase = append(r.byBase, nil)
	copy(r.byBase[i+1:], r.byBase[i:])
	r.byBase[i] = reg
}

func (r *registry) removeSortedLocked(reg *region) {
	i := sort.Search(len(r.byBase), func(i int) bool { return r.byBase[i].base >= reg.base })
	if i < len(r.byBase) && r.byBase[i] == reg {
		r.byBase = append(r.byBase[:i], r.byBase[i+1:]...)
	}
}

// unwatch removes a region. Pages that no longer belong to any region are
// disarmed and dropped from both the housekeeping map and the lock-free
// page table.
func (r *registry) unwatch(id RegionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byID[id]
	if !ok {
		return false
	}

	delete(r.byID, id)
	r.removeSortedLocked(reg)

	for _, pr := range reg.pages {
		pr.regions = removeRegionID(pr.regions, id)

		if len(pr.regions) == 0 {
			_ = r.trap.Disarm(pr.addr, r.pageSize)
			delete(r.pages, pr.addr)
			r.pageTable.Delete(pr.addr)
		}
	}

	return true
}

func removeRegionID(ids []RegionID, target RegionID) []RegionID {
	out := ids[:0]

	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}

	return out
}

// lookupPage is the lock-free fault-path read: given a faulting page
// address, find its record (or report it is no longer watched).
func (r *registry) lookupPage(addr uintptr) (*pageRecord, bool) {
	v, ok := r.pageTable.Load(addr)
	if !ok {
		return nil, false
	}

	return v.(*pageRecord), true
}

// regionsForPage returns the regions overlapping a page, under the read
// lock, for the worker's diff/callback pass.
func (r *registry) regionsForPage(pr *pageRecord) []*region {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := make([]*region, 0, len(pr.regions))
	for _, id := range pr.regions {
		if reg, ok := r.byID[id]; ok {
			regs = append(regs, reg)
		}
	}

	return regs
}

// regionContaining finds the region owning addr via binary search over the
// base-sorted index, per the O(log n) region-lookup invariant.
func (r *registry) regionContaining(addr uintptr) (*region, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := sort.Search(len(r.byBase), func(i int) bool { return r.byBase[i].base > addr }) - 1
	if i < 0 || i >= len(r.byBase) {
		return nil, false
	}

	reg := r.byBase[i]
	if !reg.contains(addr) {
		return nil, false
	}

	return reg, true
}

func (r *registry) regionByID(id RegionID) (*region, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.byID[id]
	return reg, ok
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byID)
}

func (r *registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for addr := range r.pages {
		_ = r.trap.Disarm(addr, r.pageSize)
	}

	r.byID = make(map[RegionID]*region)
	r.byBase = nil
	r.pages = make(map[uintptr]*pageRecord)
	r.pageTable = sync.Map{}
}
