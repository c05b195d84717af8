package watch

import "sync"

var (
	defaultMu     sync.Mutex
	defaultEngine *Engine
)

// Init starts the package-level default engine. Calling it twice without
// an intervening Shutdown returns ErrAlreadyInitialized.
func Init(cfg Config) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultEngine != nil {
		return ErrAlreadyInitialized
	}

	e, err := NewEngine(cfg)
	if err != nil {
		return err
	}

	defaultEngine = e

	return nil
}

// Shutdown stops the default engine. Safe to call when not initialized.
func Shutdown() error {
	defaultMu.Lock()
	e := defaultEngine
	defaultEngine = nil
	defaultMu.Unlock()

	if e == nil {
		return nil
	}

	return e.Shutdown()
}

func current() (*Engine, error) {
	defaultMu.Lock()
	e := defaultEngine
	defaultMu.Unlock()

	if e == nil {
		return nil, ErrNotInitialized
	}

	return e, nil
}

// Watch registers a region on the default engine. See Engine.Watch.
func Watch(addr uintptr, size uintptr, name string) (RegionID, error) {
	e, err := current()
	if err != nil {
		return 0, err
	}

	return e.Watch(addr, size, name)
}

// WatchExtended registers a region with full metadata on the default
// engine. See Engine.WatchExtended.
func WatchExtended(addr uintptr, size uintptr, name string, opts WatchOptions) (RegionID, error) {
	e, err := current()
	if err != nil {
		return 0, err
	}

	return e.WatchExtended(addr, size, name, opts)
}

// Unwatch removes a region from the default engine. See Engine.Unwatch.
func Unwatch(id RegionID) (bool, error) {
	e, err := current()
	if err != nil {
		return false, err
	}

	return e.Unwatch(id)
}

// SetCallback installs a callback on the default engine. See
// Engine.SetCallback.
func SetCallback(id RegionID, cb func(*ChangeEvent)) error {
	e, err := current()
	if err != nil {
		return err
	}

	return e.SetCallback(id, cb)
}

// CheckChanges drains accumulated events from the default engine. See
// Engine.CheckChanges.
func CheckChanges() ([]*ChangeEvent, error) {
	e, err := current()
	if err != nil {
		return nil, err
	}

	return e.CheckChanges(), nil
}

// GetStats reports counters from the default engine. See Engine.GetStats.
func GetStats() (Stats, error) {
	e, err := current()
	if err != nil {
		return Stats{}, err
	}

	return e.GetStats(), nil
}

// RegisterAdapter adds an adapter to the default engine. See
// Engine.RegisterAdapter.
func RegisterAdapter(adapter Adapter) (AdapterID, error) {
	e, err := current()
	if err != nil {
		return 0, err
	}

	return e.RegisterAdapter(adapter)
}

// UnregisterAdapter removes an adapter from the default engine. See
// Engine.UnregisterAdapter.
func UnregisterAdapter(id AdapterID) (bool, error) {
	e, err := current()
	if err != nil {
		return false, err
	}

	return e.UnregisterAdapter(id), nil
}
