package watch

import (
	"bytes"
	"fmt"
	"time"

	"github.com/memtrap/memtrap/internal/ring"
)

const (
	workerDrainBatch  = 256
	workerMinBackoff  = time.Millisecond
	workerMaxBackoff  = 50 * time.Millisecond
)

// runWorker is the single dedicated goroutine that turns RawFaults into
// ChangeEvents. It is the only reader of the ring (single-consumer, as the
// ring requires) and the only writer of page shadow buffers after the
// initial snapshot taken at Watch time.
func (e *Engine) runWorker() {
	defer e.workerDone.Done()

	backoff := workerMinBackoff

	for {
		select {
		case <-e.stopCh:
			e.drainOnce()
			return
		default:
		}

		n := e.drainOnce()
		if n == 0 {
			time.Sleep(backoff)

			if backoff < workerMaxBackoff {
				backoff *= 2
				if backoff > workerMaxBackoff {
					backoff = workerMaxBackoff
				}
			}

			continue
		}

		backoff = workerMinBackoff
	}
}

func (e *Engine) drainOnce() int {
	faults := e.ring.Drain(workerDrainBatch)

	for _, f := range faults {
		e.handleFault(f)
	}

	return len(faults)
}

func (e *Engine) handleFault(f ring.RawFault) {
	pr, ok := e.registry.lookupPage(f.PageAddr)
	if !ok {
		// Region was unwatched between the fault and this drain; nothing
		// to diff or rearm.
		return
	}

	live := snapshot(pr.addr, e.registry.pageSize)
	old := pr.shadow

	if !bytes.Equal(old, live) {
		for _, reg := range e.registry.regionsForPage(pr) {
			if ev := e.buildEvent(f, reg, pr, old, live); ev != nil {
				e.dispatch(reg, ev)
			}
		}
	}

	pr.shadow = live

	if pr.needsRearm.CompareAndSwap(true, false) {
		_ = e.trap.Rearm(pr.addr, e.registry.pageSize)
	}
}

func diffRange(a, b []byte) (int, int) {
	start := 0
	for start < len(a) && a[start] == b[start] {
		start++
	}

	end := len(a)
	for end > start && a[end-1] == b[end-1] {
		end--
	}

	return start, end
}

func (e *Engine) buildEvent(f ring.RawFault, reg *region, pr *pageRecord, old, live []byte) *ChangeEvent {
	diffStart, diffEnd := diffRange(old, live)

	regionPageStart := 0
	if reg.base > pr.addr {
		regionPageStart = int(reg.base - pr.addr)
	}

	regionPageEnd := len(live)
	if end := int(reg.base+reg.size) - int(pr.addr); end < regionPageEnd {
		regionPageEnd = end
	}

	clipStart := maxInt(diffStart, regionPageStart)
	clipEnd := minInt(diffEnd, regionPageEnd)

	if clipStart >= clipEnd {
		return nil
	}

	oldSlice := append([]byte(nil), old[clipStart:clipEnd]...)
	newSlice := append([]byte(nil), live[clipStart:clipEnd]...)

	site := e.siteFor(reg.id)

	ev := &ChangeEvent{
		Seq:        f.Seq,
		Region:     reg.id,
		Name:       reg.name,
		Offset:     (pr.addr + uintptr(clipStart)) - reg.base,
		Timestamp:  time.Unix(0, f.TimestampNanos),
		ThreadID:   f.ThreadID,
		ThreadName: reg.threadName,
		File:       site.file,
		Function:   site.function,
		Line:       site.line,
		Scope:      reg.scope,
		Language:   reg.language,
		UserData:   reg.userData,
		OldPreview: truncatedPreview(oldSlice),
		NewPreview: truncatedPreview(newSlice),
	}

	if len(newSlice) <= inlinePreviewLimit && len(oldSlice) <= inlinePreviewLimit {
		ev.oldVal = oldSlice
		ev.newVal = newSlice
		return ev
	}

	ev.spilled = true
	ev.oldKey = []byte(fmt.Sprintf("v/%d/%d/old", f.Seq, reg.id))
	ev.newKey = []byte(fmt.Sprintf("v/%d/%d/new", f.Seq, reg.id))
	ev.fetch = e.fetchSpilled

	if e.store != nil {
		_ = e.store.Write(ev.oldKey, oldSlice)
		_ = e.store.Write(ev.newKey, newSlice)
	}

	return ev
}

func (e *Engine) fetchSpilled(key []byte) ([]byte, error) {
	if e.store == nil {
		return nil, ErrNotFound
	}

	v, err := e.store.Read(key)
	if err != nil {
		return nil, err
	}

	return append([]byte(nil), v...), nil
}

func (e *Engine) dispatch(reg *region, ev *ChangeEvent) {
	e.totalEvents.Add(1)

	e.callbackMu.RLock()
	cb := e.callbacks[reg.id]
	e.callbackMu.RUnlock()

	if cb != nil {
		e.invokeCallback(cb, ev)
	}

	if reg.adapterID != 0 {
		if adapter, ok := e.adapters.lookup(reg.adapterID); ok {
			e.invokeAdapter(adapter, ev)
		}
	}

	if e.checkChangesEnabled.Load() {
		e.pendingMu.Lock()
		if len(e.pending) < e.pendingCap {
			e.pending = append(e.pending, ev)
		} else {
			e.droppedPending.Add(1)
		}
		e.pendingMu.Unlock()
	}

	if e.store != nil && e.jsonlEnabled.Load() {
		// Stored-change JSONL record (secondary persistence): one object per
		// line, field set fixed by the wire contract every reader of the
		// secondary namespace depends on.
		type jsonlRecord struct {
			Seq          uint64 `json:"seq"`
			TimestampNs  int64  `json:"ts_ns"`
			ThreadID     uint64 `json:"thread_id"`
			ThreadName   string `json:"thread_name"`
			VariableName string `json:"variable_name"`
			Language     string `json:"language"`
			Scope        string `json:"scope"`
			OldPreview   []byte `json:"old_preview"`
			NewPreview   []byte `json:"new_preview"`
			File         string `json:"file"`
			Function     string `json:"function"`
			Line         int    `json:"line"`
		}

		rec := jsonlRecord{
			Seq:          ev.Seq,
			TimestampNs:  ev.Timestamp.UnixNano(),
			ThreadID:     ev.ThreadID,
			ThreadName:   ev.ThreadName,
			VariableName: ev.Name,
			Language:     ev.Language.String(),
			Scope:        ev.Scope.String(),
			OldPreview:   ev.OldPreview,
			NewPreview:   ev.NewPreview,
			File:         ev.File,
			Function:     ev.Function,
			Line:         ev.Line,
		}

		_ = e.store.AppendJSONL([]byte(fmt.Sprintf("log/%d", ev.Seq)), rec)
	}
}

// invokeCallback runs a user callback with panic recovery: a broken
// callback must not take down the worker goroutine and stall every other
// watched region's delivery. Panics are counted, not logged here, per the
// ambient-layer logging seam the caller owns.
func (e *Engine) invokeCallback(cb func(*ChangeEvent), ev *ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.callbackPanics.Add(1)
		}
	}()

	cb(ev)
}

func (e *Engine) invokeAdapter(adapter Adapter, ev *ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.callbackPanics.Add(1)
		}
	}()

	adapter.OnChange(ev)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}

	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}

	return b
}
