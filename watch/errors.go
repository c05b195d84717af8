package watch

import "errors"

// Sentinel errors returned by the public API. Each maps to a stable numeric
// code via Code, for callers bridging into a C-style ABI.
var (
	ErrNotInitialized     = errors.New("watch: engine not initialized")
	ErrAlreadyInitialized = errors.New("watch: engine already initialized")
	ErrInvalidAddr        = errors.New("watch: invalid address or size")
	ErrNoMemory           = errors.New("watch: allocation failed")
	ErrMprotect           = errors.New("watch: trap arm/disarm failed")
	ErrNotFound           = errors.New("watch: region not found")
	ErrFull               = errors.New("watch: registry at capacity")
	ErrCorrupt            = errors.New("watch: internal state corrupt")
	ErrClosed             = errors.New("watch: engine shut down")
	ErrUnsupportedPlatform = errors.New("watch: trap handler unsupported on this platform")
)

// Code returns the spec's stable numeric error code for err, or 0 (OK) if
// err is nil. Unrecognized errors map to -128.
func Code(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotInitialized):
		return -1
	case errors.Is(err, ErrInvalidAddr):
		return -2
	case errors.Is(err, ErrNoMemory):
		return -3
	case errors.Is(err, ErrMprotect):
		return -4
	case errors.Is(err, ErrNotFound):
		return -5
	case errors.Is(err, ErrFull):
		return -6
	case errors.Is(err, ErrCorrupt):
		return -7
	case errors.Is(err, ErrClosed):
		return -8
	case errors.Is(err, ErrUnsupportedPlatform):
		return -9
	case errors.Is(err, ErrAlreadyInitialized):
		return -10
	default:
		return -128
	}
}
