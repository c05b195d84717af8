package watch

import "sync/atomic"

// maxAdapters bounds the fixed adapter table. Adapter registration is rare
// (one per embedded-language binding) so a small array indexed by ID under
// atomic.Pointer loads is simpler and faster than a map guarded by a mutex.
const maxAdapters = 32

// Adapter receives every ChangeEvent for regions it was associated with via
// its AdapterID at Watch time, in addition to any per-region callback.
type Adapter interface {
	OnChange(ev *ChangeEvent)
}

type adapterEntry struct {
	id      AdapterID
	adapter Adapter
}

// adapterRegistry is an append-only, lock-free-read table: registration
// claims a slot with an atomic fetch-add, lookup is an atomic load with no
// locking.
type adapterRegistry struct {
	slots [maxAdapters]atomic.Pointer[adapterEntry]
	next  atomic.Uint32
}

func newAdapterRegistry() *adapterRegistry {
	return &adapterRegistry{}
}

// register claims the next slot and publishes it, returning the new
// adapter's ID. Returns ErrFull once the table is exhausted.
func (a *adapterRegistry) register(adapter Adapter) (AdapterID, error) {
	idx := a.next.Add(1) - 1
	if idx >= maxAdapters {
		return 0, ErrFull
	}

	id := AdapterID(idx + 1)
	a.slots[idx].Store(&adapterEntry{id: id, adapter: adapter})

	return id, nil
}

func (a *adapterRegistry) unregister(id AdapterID) bool {
	if id == 0 || int(id) > maxAdapters {
		return false
	}

	idx := id - 1
	if a.slots[idx].Load() == nil {
		return false
	}

	a.slots[idx].Store(nil)

	return true
}

func (a *adapterRegistry) lookup(id AdapterID) (Adapter, bool) {
	if id == 0 || int(id) > maxAdapters {
		return nil, false
	}

	entry := a.slots[id-1].Load()
	if entry == nil {
		return nil, false
	}

	return entry.adapter, true
}
