package binder

import "sync"

// ringEntries is how many sends each ring remembers.
const ringEntries = 32

// ringEntry is one send's worth of diagnostic state. An entry is added
// provisionally when the send starts and rewritten with the outcome
// when it settles, so a snapshot can show calls still in flight.
type ringEntry struct {
	debugID          uint64
	callType         int32
	fromProc         uint32
	fromThread       uint32
	toProc           uint32
	toThread         uint32
	toNode           uint64
	targetHandle     uint32
	dataSize         uint64
	offsetsSize      uint64
	returnError      uint32
	returnErrorParam int32
	domain           string
	done             bool
}

// ringLog keeps the last ringEntries sends and, separately, the last
// ringEntries failures, so a burst of traffic cannot push the
// interesting entries out before anyone looks.
type ringLog struct {
	mu         sync.Mutex
	added      uint64
	all        [ringEntries]ringEntry
	failedAdds uint64
	failed     [ringEntries]ringEntry
}

func newRingLog() *ringLog {
	return &ringLog{}
}

// add reserves the next slot and stores the provisional entry. The slot
// is handed back to complete or fail once the send settles.
func (l *ringLog) add(e ringEntry) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot := int(l.added % ringEntries)
	l.added++
	e.done = false
	l.all[slot] = e
	return slot
}

// update rewrites slot with the settled entry unless the ring has
// already wrapped past it.
func (l *ringLog) update(slot int, e ringEntry) {
	if l.all[slot].debugID == e.debugID {
		l.all[slot] = e
	}
}

// complete marks a send settled.
func (l *ringLog) complete(slot int, e ringEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.done = true
	l.update(slot, e)
}

// fail marks a send settled with a failure and copies it into the
// failure ring.
func (l *ringLog) fail(slot int, e ringEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.done = true
	l.update(slot, e)
	fslot := int(l.failedAdds % ringEntries)
	l.failedAdds++
	l.failed[fslot] = e
}

// snapshot returns both rings oldest first.
func (l *ringLog) snapshot() (all, failed []ringEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ringWindow(&l.all, l.added), ringWindow(&l.failed, l.failedAdds)
}

func ringWindow(ring *[ringEntries]ringEntry, added uint64) []ringEntry {
	n := added
	if n > ringEntries {
		n = ringEntries
	}
	out := make([]ringEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, ring[(added-n+i)%ringEntries])
	}
	return out
}
