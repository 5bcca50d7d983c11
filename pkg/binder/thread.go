package binder

import (
	"sync/atomic"

	"github.com/openbinder/openbinder/pkg/wire"
)

// Looper state bits, reported in snapshots.
const (
	looperRegistered = 0x01
	looperEntered    = 0x02
	looperExited     = 0x04
	looperInvalid    = 0x08
	looperWaiting    = 0x10
)

// threadError is a sticky per-thread error slot. The command loop stops
// on the first failure and parks the terminal event here; the read loop
// delivers it and resets the slot. Each thread carries two: one for its
// own command failures and one for replies that died on the way back.
type threadError struct {
	work workItem
	cmd  uint32
}

func newThreadError(kind workKind) *threadError {
	e := &threadError{cmd: wire.BR_OK}
	e.work.kind = kind
	e.work.berr = e
	return e
}

// Thread is one scheduling context of a participant, keyed by caller
// thread id. Threads come into being lazily on their first exchange.
type Thread struct {
	proc *Proc
	tid  uint32

	// tmpRefs pins the thread while another goroutine holds a pointer
	// to it across an unlock.
	tmpRefs atomic.Int32

	// GUARDED_BY(proc.inner)
	looper      uint32
	needReturn  bool
	isDead      bool
	processTodo bool
	stack       []*Transaction
	todo        workList

	// waiter is the thread's parked wait slot, nil while running.
	// waitingForProc marks that it is also enqueued on the
	// participant's wait queue. GUARDED_BY(proc.inner)
	waiter         *waiter
	waitingForProc bool

	returnError *threadError
	replyError  *threadError
}

// getThreadLocked finds the thread for tid, creating it if create is
// set. New threads start with needReturn so their first read completes
// immediately. No thread is minted once teardown has started; the
// thread sweep only runs once, so a late arrival would never be
// released.
func (p *Proc) getThreadLocked(g innerGuard, tid uint32, create bool) *Thread {
	if t, ok := p.threads.Get(tid); ok {
		return t
	}
	if !create || p.isDead {
		return nil
	}
	t := &Thread{
		proc:        p,
		tid:         tid,
		needReturn:  true,
		returnError: newThreadError(workReturnError),
		replyError:  newThreadError(workReturnError),
	}
	p.threads.Put(tid, t)
	p.domain.statsCreated(objThread)
	return t
}

// getThread finds or creates the thread for tid.
func (p *Proc) getThread(tid uint32) *Thread {
	g := p.lockInner()
	t := p.getThreadLocked(g, tid, true)
	p.unlockInner(g)
	return t
}

// enqueueWorkLocked queues work for this thread and marks it runnable.
func (t *Thread) enqueueWorkLocked(g innerGuard, w *workItem) {
	t.todo.enqueue(w)
	t.processTodo = true
}

// enqueueWorkDeferredLocked queues work without marking the thread
// runnable. Used for the completion event a sender picks up on its own
// next read, so the sender is not woken just for it.
func (t *Thread) enqueueWorkDeferredLocked(g innerGuard, w *workItem) {
	t.todo.enqueue(w)
}

// hasWorkLocked reports whether a read on this thread has something to
// deliver.
func (t *Thread) hasWorkLocked(g innerGuard, forProc bool) bool {
	return t.processTodo || t.needReturn ||
		(forProc && !t.proc.todo.empty())
}

// availableForProcWorkLocked reports whether this thread may serve the
// participant-wide queue: no call in progress, nothing targeted at it,
// and registered as a looper.
func (t *Thread) availableForProcWorkLocked(g innerGuard) bool {
	return len(t.stack) == 0 && t.todo.empty() &&
		t.looper&(looperEntered|looperRegistered) != 0
}

// wakeupLocked wakes the thread if it is parked, pulling it off the
// participant's wait queue first so a second wakeup is not wasted on
// it.
func (t *Thread) wakeupLocked(g innerGuard) {
	if t.waiter == nil {
		return
	}
	if t.waitingForProc {
		t.proc.waiting.remove(t.waiter)
		t.waitingForProc = false
	}
	t.waiter.wake()
}

// decTmpref drops a thread pin, freeing a dead thread on the last one.
func (t *Thread) decTmpref() {
	p := t.proc
	g := p.lockInner()
	n := t.tmpRefs.Add(-1)
	if t.isDead && n == 0 {
		p.unlockInner(g)
		t.freeThread()
		return
	}
	p.unlockInner(g)
}

func (t *Thread) freeThread() {
	if !t.todo.empty() {
		panic("binder: freeing thread with queued work")
	}
	t.proc.domain.statsDeleted(objThread)
	t.proc.decTmpref()
}
