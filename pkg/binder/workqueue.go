package binder

// workKind discriminates queued work items.
type workKind int

const (
	workTransaction workKind = iota
	workTransactionComplete
	workReturnError
	workNode
	workDeadBinder
	workDeadBinderAndClear
	workClearDeathNotification
)

// workItem is one queued unit of work. An item lives on at most one
// list at a time; queue points at that list. Payload items embed their
// workItem so the drain loop can recover the owner from the item.
//
// All fields are guarded by the inner lock of the participant whose
// list the item is on (or may be put on).
type workItem struct {
	kind  workKind
	queue *workList

	// Exactly one of these is set, matching kind. Plain
	// workTransactionComplete items carry no payload.
	txn   *Transaction
	node  *Node
	death *deathRecord
	berr  *threadError
}

// workList is a FIFO of work items.
type workList struct {
	items []*workItem
}

func (l *workList) empty() bool { return len(l.items) == 0 }

// first returns the oldest item without removing it, or nil.
func (l *workList) first() *workItem {
	if len(l.items) == 0 {
		return nil
	}
	return l.items[0]
}

// enqueue appends w. Panics if w is already queued; callers are
// expected to know an item is off-list before queueing it.
func (l *workList) enqueue(w *workItem) {
	if w.queue != nil {
		panic("binder: work item already queued")
	}
	w.queue = l
	l.items = append(l.items, w)
}

// dequeueHead removes and returns the oldest item, or nil.
func (l *workList) dequeueHead() *workItem {
	if len(l.items) == 0 {
		return nil
	}
	w := l.items[0]
	l.items[0] = nil
	l.items = l.items[1:]
	w.queue = nil
	return w
}

func (l *workList) removeItem(w *workItem) {
	for i, it := range l.items {
		if it == w {
			l.items = append(l.items[:i:i], l.items[i+1:]...)
			w.queue = nil
			return
		}
	}
}

// dequeue removes w from whatever list holds it, if any.
func (w *workItem) dequeue() {
	if w.queue != nil {
		w.queue.removeItem(w)
	}
}

func (w *workItem) queued() bool { return w.queue != nil }

// waiter parks one thread on a wait queue. It is single-use: wake
// closes ch and later queue pops skip it. All fields are guarded by the
// owning participant's inner lock; only the channel receive happens
// outside it.
type waiter struct {
	ch     chan struct{}
	done   bool
	thread *Thread
}

func newWaiter(t *Thread) *waiter {
	return &waiter{ch: make(chan struct{}), thread: t}
}

func (w *waiter) wake() {
	if !w.done {
		w.done = true
		close(w.ch)
	}
}

// waitQueue holds parked waiters in arrival order.
type waitQueue struct {
	ws []*waiter
}

func (q *waitQueue) empty() bool { return len(q.ws) == 0 }

func (q *waitQueue) add(w *waiter) {
	q.ws = append(q.ws, w)
}

func (q *waitQueue) remove(w *waiter) {
	for i, it := range q.ws {
		if it == w {
			q.ws = append(q.ws[:i:i], q.ws[i+1:]...)
			return
		}
	}
}

// popLive removes and returns the oldest waiter that has not been woken
// yet, or nil.
func (q *waitQueue) popLive() *waiter {
	for len(q.ws) > 0 {
		w := q.ws[0]
		q.ws[0] = nil
		q.ws = q.ws[1:]
		if !w.done {
			return w
		}
	}
	return nil
}
