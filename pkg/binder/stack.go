package binder

// Call stacks interleave outgoing frames (this thread sent a call and
// is waiting on the reply) with incoming frames (this thread is
// executing a call on someone's behalf). The per-thread slice holds
// both kinds in arrival order; fromParent links snapshot the sender's
// top at send time and thread the recursion chain across processes.

// stackTopLocked returns the newest frame, or nil.
func (th *Thread) stackTopLocked(g innerGuard) *Transaction {
	if n := len(th.stack); n > 0 {
		return th.stack[n-1]
	}
	return nil
}

// pushOutgoingLocked records t as the caller's newest frame before the
// reply comes back.
func (th *Thread) pushOutgoingLocked(g innerGuard, t *Transaction) {
	t.fromParent = th.stackTopLocked(g)
	th.stack = append(th.stack, t)
}

// pushIncomingLocked binds a delivered call to the executing thread.
func (th *Thread) pushIncomingLocked(g innerGuard, t *Transaction) {
	t.lock.Lock()
	t.toThread = th
	t.lock.Unlock()
	th.stack = append(th.stack, t)
}

// popOwnTopLocked discards the thread's newest frame.
func (th *Thread) popOwnTopLocked(g innerGuard) {
	n := len(th.stack)
	th.stack[n-1] = nil
	th.stack = th.stack[:n-1]
}

// popTransactionLocked unwinds the caller's outgoing frame once its
// reply is committed. The caller holds target's inner lock; t must be
// target's top, which the reply path verified under the same lock.
func (p *Proc) popTransactionLocked(g innerGuard, target *Thread, t *Transaction) {
	if target.stackTopLocked(g) != t {
		panic("binder: call stack corrupted")
	}
	if t.from != target {
		panic("binder: unwinding a frame owned by another thread")
	}
	target.popOwnTopLocked(g)
	t.lock.Lock()
	t.from = nil
	t.lock.Unlock()
}

// fromWithPin resolves the sending thread, pinned against free. The
// caller must drop the pin with decTmpref.
func (t *Transaction) fromWithPin() *Thread {
	t.lock.Lock()
	from := t.from
	if from != nil {
		from.tmpRefs.Add(1)
	}
	t.lock.Unlock()
	return from
}

// fromAcqInner resolves the sender and returns with its proc's inner
// lock held, rechecking that the frame was not unwound in between. On
// success the caller owns both the pin and the lock.
func (t *Transaction) fromAcqInner() (*Thread, innerGuard, bool) {
	from := t.fromWithPin()
	if from == nil {
		return nil, innerGuard{}, false
	}
	g := from.proc.lockInner()
	if t.from != nil {
		if t.from != from {
			panic("binder: sender changed under pin")
		}
		return from, g, true
	}
	from.proc.unlockInner(g)
	from.decTmpref()
	return nil, innerGuard{}, false
}

// findTargetThreadLocked walks the caller's recursion chain looking
// for a frame whose sender lives in the target process. Reusing that
// thread keeps a call cycle on one stack instead of deadlocking two
// parked threads against each other. Returns a pinned thread or nil.
func (th *Thread) findTargetThreadLocked(g innerGuard, targetProc *Proc) *Thread {
	for tmp := th.stackTopLocked(g); tmp != nil; tmp = tmp.fromParent {
		tmp.lock.Lock()
		from := tmp.from
		if from != nil && from.proc == targetProc {
			from.tmpRefs.Add(1)
			tmp.lock.Unlock()
			return from
		}
		tmp.lock.Unlock()
	}
	return nil
}
