// Package watch implements memory-change watchpoints: register a byte
// range, get a callback (and/or a polled event queue) whenever a write
// lands inside it. Detection is page-granular and asynchronous: a write
// is trapped synchronously by the kernel, but the old/new diff and any
// callback invocation happen on a dedicated worker goroutine shortly
// after, off the faulting thread's critical path.
package watch

import (
	"errors"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/memtrap/memtrap/internal/ring"
	"github.com/memtrap/memtrap/store"
)

// callSite is the watch-time call-site context attached to every event a
// region produces, since there is no fault-time stack to walk under
// userfaultfd.
type callSite struct {
	file     string
	line     int
	function string
}

// caller captures the call site skip frames above itself. skip=0 means the
// direct caller of caller; Watch/WatchExtended pass skip=1 so the reported
// site is their own caller's, not themselves.
func caller(skip int) callSite {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return callSite{}
	}

	var function string
	if fn := runtime.FuncForPC(pc); fn != nil {
		function = fn.Name()
	}

	return callSite{file: file, line: line, function: function}
}

// Config controls Engine construction. Every field has a workable zero
// value: a zero Config gives an in-memory-only engine with default sizing.
type Config struct {
	// RingCapacity bounds the trap-to-worker queue. Rounded up to a power
	// of two; zero uses the ring package's default.
	RingCapacity int

	// MaxRegions bounds concurrently watched regions. Zero means
	// unbounded.
	MaxRegions int

	// Store, if non-nil, backs large-value spilling and optional JSONL
	// event logging. An engine without a Store still works but rejects
	// values over the inline preview limit from being diffed losslessly
	// (the preview is kept; OldValue/NewValue return ErrNotFound).
	Store *store.Store

	// PersistJSONL enables appending a JSONL line to Store for every
	// dispatched event, independent of any callback.
	PersistJSONL bool
}

// Engine is one watchpoint runtime: one trap handler, one ring, one
// registry, one worker goroutine. Most programs use the package-level
// default engine via the flat functions below; constructing an Engine
// directly is for embedding multiple independent watch domains.
type Engine struct {
	registry *registry
	trap     trapController
	ring     *ring.Ring
	adapters *adapterRegistry
	store    *store.Store

	callbackMu sync.RWMutex
	callbacks  map[RegionID]func(*ChangeEvent)

	sitesMu sync.RWMutex
	sites   map[RegionID]callSite

	checkChangesEnabled atomic.Bool
	pendingMu           sync.Mutex
	pending             []*ChangeEvent
	pendingCap          int
	droppedPending      atomic.Uint64

	jsonlEnabled atomic.Bool

	totalEvents    atomic.Uint64
	callbackPanics atomic.Uint64

	stopCh     chan struct{}
	workerDone sync.WaitGroup

	initialized atomic.Bool
}

// NewEngine constructs and starts an Engine: opens the platform trap
// handler and launches its worker goroutine. Callers must Shutdown when
// done.
func NewEngine(cfg Config) (*Engine, error) {
	e := &Engine{
		adapters:   newAdapterRegistry(),
		callbacks:  make(map[RegionID]func(*ChangeEvent)),
		sites:      make(map[RegionID]callSite),
		store:      cfg.Store,
		pendingCap: 4096,
		stopCh:     make(chan struct{}),
	}

	e.ring = ring.New(cfg.RingCapacity)
	e.jsonlEnabled.Store(cfg.PersistJSONL)

	e.registry = newRegistry(pageSizeOf(), cfg.MaxRegions, nil)

	trap, err := newTrap(e.ring, e.registry.lookupPage)
	if err != nil {
		return nil, err
	}

	e.trap = trap
	e.registry.setTrap(trap)

	e.workerDone.Add(1)
	go e.runWorker()

	e.initialized.Store(true)

	return e, nil
}

// Watch registers [addr, addr+size) for write tracking and returns its
// RegionID. addr must be part of a mapping obtained via Alloc (or another
// page-backed, non-moving allocation); watching arbitrary Go heap memory is
// unsafe since the garbage collector may relocate it.
func (e *Engine) Watch(addr uintptr, size uintptr, name string) (RegionID, error) {
	return e.watchExtended(addr, size, name, WatchOptions{}, caller(1))
}

// WatchOptions carries the optional metadata a language binding attaches to
// a watch: which scope it models, which source language/runtime requested
// it, which thread owns it, and which adapter (if any) should also receive
// events.
type WatchOptions struct {
	Scope      ScopeTag
	Language   LanguageTag
	ThreadID   uint64
	ThreadName string
	AdapterID  AdapterID
	UserData   any
}

// WatchExtended is Watch with full metadata control, for language bindings
// that need to tag watches with scope/language/thread/adapter information.
func (e *Engine) WatchExtended(addr uintptr, size uintptr, name string, opts WatchOptions) (RegionID, error) {
	return e.watchExtended(addr, size, name, opts, caller(1))
}

func (e *Engine) watchExtended(addr uintptr, size uintptr, name string, opts WatchOptions, site callSite) (RegionID, error) {
	if !e.initialized.Load() {
		return 0, ErrNotInitialized
	}

	if addr == 0 || size == 0 {
		return 0, ErrInvalidAddr
	}

	id, err := e.registry.watch(addr, size, name, opts.Scope, opts.Language, opts.ThreadID, opts.ThreadName, opts.AdapterID, opts.UserData)
	if err != nil {
		return 0, err
	}

	e.sitesMu.Lock()
	e.sites[id] = site
	e.sitesMu.Unlock()

	return id, nil
}

// siteFor looks up the recorded watch-time call site for a region, or the
// zero value if none was recorded (region created directly against the
// registry, as in tests).
func (e *Engine) siteFor(id RegionID) callSite {
	e.sitesMu.RLock()
	defer e.sitesMu.RUnlock()

	return e.sites[id]
}

// Unwatch removes a region. Returns false if id is unknown.
func (e *Engine) Unwatch(id RegionID) (bool, error) {
	if !e.initialized.Load() {
		return false, ErrNotInitialized
	}

	ok := e.registry.unwatch(id)

	e.callbackMu.Lock()
	delete(e.callbacks, id)
	e.callbackMu.Unlock()

	e.sitesMu.Lock()
	delete(e.sites, id)
	e.sitesMu.Unlock()

	if !ok {
		return false, ErrNotFound
	}

	return true, nil
}

// SetCallback installs (or, with cb nil, removes) a per-region callback,
// invoked on the worker goroutine for every change to that region. The
// callback must not block: it holds up the shared worker, delaying every
// other region's event delivery.
func (e *Engine) SetCallback(id RegionID, cb func(*ChangeEvent)) error {
	if _, ok := e.registry.regionByID(id); !ok {
		return ErrNotFound
	}

	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()

	if cb == nil {
		delete(e.callbacks, id)
	} else {
		e.callbacks[id] = cb
	}

	return nil
}

// EnableCheckChanges turns on accumulation of dispatched events into an
// internal queue drained by CheckChanges, for callers that poll instead of
// registering callbacks.
func (e *Engine) EnableCheckChanges(enabled bool) {
	e.checkChangesEnabled.Store(enabled)
}

// CheckChanges drains and returns every event accumulated since the last
// call. Requires EnableCheckChanges(true).
func (e *Engine) CheckChanges() []*ChangeEvent {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()

	out := e.pending
	e.pending = nil

	return out
}

// FreeEvent releases resources held by an event returned from a callback
// or CheckChanges. Safe to call more than once.
func (e *Engine) FreeEvent(ev *ChangeEvent) {
	if ev != nil {
		ev.Free()
	}
}

// RegisterAdapter adds adapter to the adapter table and returns its ID for
// use in WatchOptions.AdapterID.
func (e *Engine) RegisterAdapter(adapter Adapter) (AdapterID, error) {
	return e.adapters.register(adapter)
}

// UnregisterAdapter removes a previously registered adapter. Existing
// regions referencing it simply stop receiving adapter dispatch; their
// per-region callback, if any, is unaffected.
func (e *Engine) UnregisterAdapter(id AdapterID) bool {
	return e.adapters.unregister(id)
}

// WatchAllInScope is intentionally unimplemented: bulk-watching every
// variable in a language scope requires per-language introspection (stack
// frame walking, symbol tables) that belongs in a language binding, not in
// this engine. Callers needing that must enumerate addresses themselves
// and call Watch/WatchExtended per variable. It always returns
// errAutoWatchUnsupported.
func (e *Engine) WatchAllInScope(ScopeTag) error {
	return errAutoWatchUnsupported
}

var errAutoWatchUnsupported = errors.New("watch: watching all variables in a scope is not supported; watch each address explicitly")

// GetStats reports point-in-time engine counters.
func (e *Engine) GetStats() Stats {
	return Stats{
		ActiveRegions:  uint64(e.registry.count()),
		TotalEvents:    e.totalEvents.Load(),
		RingDropped:    e.ring.Dropped(),
		PendingDropped: e.droppedPending.Load(),
		CallbackPanics: e.callbackPanics.Load(),
	}
}

// Shutdown stops the worker goroutine, closes the trap handler, and
// disarms every page. Idempotent.
func (e *Engine) Shutdown() error {
	if !e.initialized.CompareAndSwap(true, false) {
		return nil
	}

	close(e.stopCh)
	e.workerDone.Wait()

	e.registry.closeAll()

	return e.trap.Close()
}

func pageSizeOf() uintptr {
	return uintptr(os.Getpagesize())
}
