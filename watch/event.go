package watch

import "time"

// inlinePreviewLimit is the largest old/new snapshot kept inline on a
// ChangeEvent. Larger snapshots spill into the backing store and are
// fetched lazily via OldValue/NewValue.
const inlinePreviewLimit = 4096

// previewLimit bounds the Old/NewPreview fields regardless of whether the
// full value is inline or spilled.
const previewLimit = 256

// ChangeEvent describes one observed write to a watched region. Seq is
// monotonically increasing across the whole engine, not per-region.
type ChangeEvent struct {
	Seq        uint64
	Region     RegionID
	Name       string
	Offset     uintptr
	Timestamp  time.Time
	ThreadID   uint64
	ThreadName string

	// File, Function, and Line identify the call site that registered the
	// watch, captured at Watch/WatchExtended time as a stand-in for the
	// distilled record's fault-site context (there is no signal-handler
	// frame to walk under userfaultfd). Empty/zero when unavailable.
	File     string
	Function string
	Line     int

	OldPreview []byte
	NewPreview []byte

	Scope    ScopeTag
	Language LanguageTag
	UserData any

	spilled  bool
	oldKey   []byte
	newKey   []byte
	oldVal   []byte
	newVal   []byte
	fetch    func(key []byte) ([]byte, error)
	freed    bool
}

// OldValue returns the full pre-write value, fetching it from the backing
// store if it was too large to keep inline.
func (e *ChangeEvent) OldValue() ([]byte, error) {
	if !e.spilled {
		return e.oldVal, nil
	}

	return e.fetch(e.oldKey)
}

// NewValue returns the full post-write value, fetching it from the backing
// store if it was too large to keep inline.
func (e *ChangeEvent) NewValue() ([]byte, error) {
	if !e.spilled {
		return e.newVal, nil
	}

	return e.fetch(e.newKey)
}

// Free releases any resources the event holds: it drops the inline old/new
// values, so OldValue/NewValue of an inline event return nil afterwards.
// Idempotent: calls after the first are no-ops.
func (e *ChangeEvent) Free() {
	if e.freed {
		return
	}

	e.freed = true
	e.oldVal = nil
	e.newVal = nil
}

func truncatedPreview(b []byte) []byte {
	if len(b) <= previewLimit {
		return append([]byte(nil), b...)
	}

	return append([]byte(nil), b[:previewLimit]...)
}
