package binder

import (
	"context"

	"go.uber.org/zap"

	"github.com/openbinder/openbinder/pkg/wire"
)

// drainVerdict is the outcome of one drain pass.
type drainVerdict int

const (
	// drainDone ends the read with whatever the stream holds.
	drainDone drainVerdict = iota
	// drainRetry reports that nothing beyond the no-op placeholder was
	// produced; the thread should go back to waiting.
	drainRetry
)

// threadRead drains pending work for t into an event stream of at most
// space bytes. With nothing pending it parks until work arrives, the
// context ends or the participant is flushed; nonblock turns the empty
// case into ErrTryAgain instead.
func (p *Proc) threadRead(ctx context.Context, t *Thread, space, readConsumed uint64, nonblock bool) ([]byte, error) {
	d := p.domain
	ew := wire.NewEventWriter()
	if readConsumed == 0 && space >= 4 {
		ew.Event(wire.BR_NOOP)
	}

	for {
		g := p.lockInner()
		forProc := t.availableForProcWorkLocked(g)
		t.looper |= looperWaiting
		p.unlockInner(g)

		if forProc {
			d.priorities.SetNice(p.pid, t.tid, p.defaultPriority)
		}

		var waitErr error
		if nonblock {
			wg := p.lockInner()
			if !t.hasWorkLocked(wg, forProc) {
				waitErr = ErrTryAgain
			}
			p.unlockInner(wg)
		} else {
			waitErr = t.waitForWork(ctx, forProc)
		}

		g = p.lockInner()
		t.looper &^= looperWaiting
		p.unlockInner(g)
		if waitErr != nil {
			return ew.Bytes(), waitErr
		}

		if p.drainWork(t, ew, space, readConsumed, forProc) == drainDone {
			break
		}
	}

	g := p.lockInner()
	if p.requestedThreads == 0 && p.waiting.empty() &&
		p.startedThreads < p.maxThreads &&
		t.looper&(looperRegistered|looperEntered) != 0 &&
		readConsumed == 0 && ew.Len() >= 4 {
		p.requestedThreads++
		p.unlockInner(g)
		ew.ReplaceCommand(0, wire.BR_SPAWN_LOOPER)
		p.countBR(wire.BR_SPAWN_LOOPER)
		d.log.Debug("spawn requested",
			zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid))
	} else {
		p.unlockInner(g)
	}
	return ew.Bytes(), nil
}

// waitForWork parks the thread until it has something to deliver. With
// forProc set the thread also joins the participant-wide wait queue,
// making it a target for unaddressed work.
func (t *Thread) waitForWork(ctx context.Context, forProc bool) error {
	p := t.proc
	g := p.lockInner()
	for {
		if t.isDead {
			p.unlockInner(g)
			return ErrClosed
		}
		if t.hasWorkLocked(g, forProc) {
			break
		}
		w := newWaiter(t)
		t.waiter = w
		if forProc {
			p.waiting.add(w)
			t.waitingForProc = true
		}
		p.unlockInner(g)

		var err error
		select {
		case <-w.ch:
		case <-ctx.Done():
			err = ctx.Err()
		}

		g = p.lockInner()
		t.waiter = nil
		if t.waitingForProc {
			p.waiting.remove(w)
			t.waitingForProc = false
		}
		if err != nil {
			p.unlockInner(g)
			return err
		}
	}
	p.unlockInner(g)
	return nil
}

// drainWork moves queued work into the event stream. Non-transaction
// items keep the loop going; a transaction ends the pass, as does a
// dead-object notification, which tends to trigger follow-up calls the
// caller should get to first.
func (p *Proc) drainWork(t *Thread, ew *wire.EventWriter, space, readConsumed uint64, forProc bool) drainVerdict {
	d := p.domain
	for {
		g := p.lockInner()
		if t.isDead {
			// Teardown owns whatever is still queued; releaseWork
			// fails it back to the senders.
			p.unlockInner(g)
			return drainDone
		}
		var list *workList
		if !t.todo.empty() {
			list = &t.todo
		} else if forProc && !p.todo.empty() {
			list = &p.todo
		} else {
			needReturn := t.needReturn
			p.unlockInner(g)
			if readConsumed+uint64(ew.Len()) == 4 && !needReturn {
				return drainRetry
			}
			return drainDone
		}
		if space-uint64(ew.Len()) < wire.TransactionDataSize+4 {
			p.unlockInner(g)
			return drainDone
		}
		w := list.dequeueHead()
		if t.todo.empty() {
			t.processTodo = false
		}

		var txn *Transaction
		switch w.kind {
		case workTransaction:
			p.unlockInner(g)
			txn = w.txn

		case workReturnError:
			e := w.berr
			cmd := e.cmd
			if cmd == wire.BR_OK {
				d.log.Warn("empty return error slot delivered",
					zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid))
			}
			e.cmd = wire.BR_OK
			p.unlockInner(g)
			ew.Event(cmd)
			p.countBR(cmd)

		case workTransactionComplete:
			p.unlockInner(g)
			d.statsDeleted(objTransactionComplete)
			ew.Event(wire.BR_TRANSACTION_COMPLETE)
			p.countBR(wire.BR_TRANSACTION_COMPLETE)
			d.log.Debug("transaction complete",
				zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid))

		case workNode:
			p.nodeWorkLocked(g, t, ew, w.node)

		case workDeadBinder, workDeadBinderAndClear, workClearDeathNotification:
			death := w.death
			cookie := death.cookie
			cmd := uint32(wire.BR_DEAD_BINDER)
			if w.kind == workClearDeathNotification {
				cmd = wire.BR_CLEAR_DEATH_NOTIFICATION_DONE
				p.unlockInner(g)
				d.statsDeleted(objDeath)
			} else {
				p.deliveredDeath.enqueue(w)
				p.unlockInner(g)
			}
			ew.CookieEvent(cmd, cookie)
			p.countBR(cmd)
			d.log.Debug("death notification delivered",
				zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
				zap.String("event", wire.EventName(cmd)),
				zap.Uint64("cookie", cookie))
			if cmd == wire.BR_DEAD_BINDER {
				return drainDone
			}

		default:
			p.unlockInner(g)
			d.log.Error("bad work kind on queue",
				zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
				zap.Int("kind", int(w.kind)))
		}

		if txn == nil {
			continue
		}
		p.deliverTransaction(t, ew, txn)
		return drainDone
	}
}

// nodeWorkLocked reconciles what a node's owner has been told with the
// node's current liveness, emitting the refcount events for whatever
// changed. A node that lost both its strong and weak liveness is
// deleted here. Called with the inner lock held; releases it.
func (p *Proc) nodeWorkLocked(g innerGuard, t *Thread, ew *wire.EventWriter, node *Node) {
	d := p.domain
	if node.proc != p {
		panic("binder: node work on a foreign queue")
	}
	strong := node.internalStrong > 0 || node.localStrong > 0
	weak := len(node.refs) > 0 || node.localWeak > 0 || node.tmpRefs > 0 || strong
	hadStrong := node.hasStrong
	hadWeak := node.hasWeak
	ptr := node.ptr
	cookie := node.cookie
	debugID := node.debugID

	if weak && !hadWeak {
		node.hasWeak = true
		node.pendingWeak = true
		node.localWeak++
	}
	if strong && !hadStrong {
		node.hasStrong = true
		node.pendingStrong = true
		node.localStrong++
	}
	if !strong && hadStrong {
		node.hasStrong = false
	}
	if !weak && hadWeak {
		node.hasWeak = false
	}
	if !strong && !weak {
		p.nodes.Remove(ptr)
		p.unlockInner(g)
		// Serialize against a decrement still holding the node lock
		// before freeing.
		ng := node.lockNode()
		node.unlockNode(ng)
		node.freeNode()
		d.log.Debug("node deleted",
			zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
			zap.Uint64("node", debugID), zap.Uint64("ptr", ptr))
	} else {
		p.unlockInner(g)
	}

	before := ew.Len()
	if weak && !hadWeak {
		ew.PtrCookieEvent(wire.BR_INCREFS, ptr, cookie)
		p.countBR(wire.BR_INCREFS)
	}
	if strong && !hadStrong {
		ew.PtrCookieEvent(wire.BR_ACQUIRE, ptr, cookie)
		p.countBR(wire.BR_ACQUIRE)
	}
	if !strong && hadStrong {
		ew.PtrCookieEvent(wire.BR_RELEASE, ptr, cookie)
		p.countBR(wire.BR_RELEASE)
	}
	if !weak && hadWeak {
		ew.PtrCookieEvent(wire.BR_DECREFS, ptr, cookie)
		p.countBR(wire.BR_DECREFS)
	}
	if ew.Len() == before {
		d.log.Debug("node state unchanged",
			zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
			zap.Uint64("node", debugID))
	}
}

// deliverTransaction assembles the delivery event for a dequeued
// transaction and hands its buffer over to the reading thread. A
// synchronous call is pushed onto the thread's stack to await its
// reply; replies and one-way sends are done once delivered.
func (p *Proc) deliverTransaction(t *Thread, ew *wire.EventWriter, txn *Transaction) {
	d := p.domain
	pb := txn.buffer
	if pb == nil {
		panic("binder: delivering a transaction with no buffer")
	}

	var td wire.TransactionData
	var event uint32
	if pb.targetNode != nil {
		node := pb.targetNode
		td.TargetPtr = node.ptr
		td.Cookie = node.cookie
		txn.savedPriority = d.priorities.Nice(p.pid, t.tid)
		if txn.priority < node.minPriority && !txn.oneway() {
			d.priorities.SetNice(p.pid, t.tid, txn.priority)
		} else if !txn.oneway() || txn.savedPriority > node.minPriority {
			d.priorities.SetNice(p.pid, t.tid, node.minPriority)
		}
		event = wire.BR_TRANSACTION
	} else {
		event = wire.BR_REPLY
	}
	td.Code = txn.code
	td.Flags = txn.flags
	td.SenderEUID = txn.senderEUID

	from := txn.fromWithPin()
	if from != nil {
		td.SenderPID = int32(from.proc.pid)
	}

	td.DataSize = pb.buf.DataSize()
	td.OffsetsSize = pb.buf.OffsetsSize()
	td.DataBuffer = pb.buf.Address()
	td.DataOffsets = pb.buf.OffsetsAddress()

	ew.Transaction(event, td)
	p.countBR(event)
	d.log.Debug("transaction delivered",
		zap.Uint64("debug_id", txn.debugID),
		zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
		zap.String("event", wire.EventName(event)),
		zap.Uint64("data_size", td.DataSize),
		zap.Uint64("offsets_size", td.OffsetsSize))

	if from != nil {
		from.decTmpref()
	}

	g := p.lockInner()
	pb.allowFree = true
	if event == wire.BR_TRANSACTION && !txn.oneway() {
		if t.isDead {
			// The thread was released between dequeue and delivery.
			// Its cleared stack would never unwind this frame, so
			// fail the call back instead of pushing it.
			p.unlockInner(g)
			d.sendFailedReply(txn, wire.BR_DEAD_REPLY)
			return
		}
		t.pushIncomingLocked(g, txn)
		p.unlockInner(g)
	} else {
		p.unlockInner(g)
		d.freeTransaction(txn)
	}
}
