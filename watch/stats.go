package watch

// Stats is a point-in-time snapshot of engine counters, returned by
// GetStats.
type Stats struct {
	ActiveRegions  uint64
	TotalEvents    uint64
	RingDropped    uint64
	PendingDropped uint64
	CallbackPanics uint64
}
