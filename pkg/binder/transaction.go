package binder

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	openbinderErrors "github.com/openbinder/openbinder/internal/errors"
	"github.com/openbinder/openbinder/pkg/shm"
	"github.com/openbinder/openbinder/pkg/wire"
)

// Transaction is one in-flight call, reply or one-way message.
type Transaction struct {
	debugID uint64
	work    workItem

	// lock guards from, toProc and toThread against readers outside
	// the owning thread's inner lock. fromParent is immutable once the
	// frame is pushed.
	lock       sync.Mutex
	from       *Thread
	fromParent *Transaction
	toProc     *Proc
	toThread   *Thread

	needReply bool
	code      uint32
	flags     uint32

	priority      int32
	savedPriority int32
	senderEUID    uint32

	buffer *pendingBuffer
}

func (t *Transaction) oneway() bool { return t.flags&wire.TF_ONE_WAY != 0 }

// txnSend carries one send through resolution, copy, translation and
// commit so the failure tail can unwind exactly what was built so far.
type txnSend struct {
	debugID   uint64
	reply     bool
	sender    *Thread
	inReplyTo *Transaction

	target       *Proc
	targetThread *Thread
	targetNode   *Node

	t         *Transaction
	tcomplete *workItem
	pb        *pendingBuffer
	failedAt  uint64

	payload []byte
	entry   ringEntry
	slot    int
}

// Unwind stages for failTransaction, ordered by how much of the send
// had been built when the failure hit.
const (
	txnFailResolve = iota
	txnFailAlloc
	txnFailBuffer
	txnFailCommit
)

func payloadWindow(buf []byte, off, size uint64) ([]byte, bool) {
	if off > uint64(len(buf)) || size > uint64(len(buf))-off {
		return nil, false
	}
	return buf[off : off+size], true
}

// allocFailure classifies an arena reservation error onto the engine
// sentinel it reports as, keeping the shm cause matchable underneath.
func allocFailure(err error) (uint32, int32) {
	switch {
	case errors.Is(err, shm.ErrDetached):
		err = openbinderErrors.With(ErrDeadTarget, err)
	case errors.Is(err, shm.ErrNoSpace):
		err = openbinderErrors.With(ErrNoSpace, err)
	default:
		err = openbinderErrors.With(ErrInvalid, err)
	}
	return FailureEvent(err), Errno(err)
}

// transactionCommand executes BC_TRANSACTION, BC_REPLY and their
// scatter-gather variants. Failures never surface as errors; they are
// logged, recorded and delivered to the sender as return events.
func (p *Proc) transactionCommand(th *Thread, tr wire.TransactionData, extraSize uint64, reply bool, wbuf []byte) {
	d := p.domain

	st := &txnSend{
		debugID: d.nextID(),
		reply:   reply,
		sender:  th,
	}
	callType := int32(0)
	if reply {
		callType = 2
	} else if tr.Flags&wire.TF_ONE_WAY != 0 {
		callType = 1
	}
	st.entry = ringEntry{
		debugID:      st.debugID,
		callType:     callType,
		fromProc:     p.pid,
		fromThread:   th.tid,
		targetHandle: tr.TargetHandle,
		dataSize:     tr.DataSize,
		offsetsSize:  tr.OffsetsSize,
		domain:       d.name,
	}
	st.slot = d.ring.add(st.entry)
	if src, ok := payloadWindow(wbuf, tr.DataBuffer, tr.DataSize); ok {
		st.payload = src
	}

	if reply {
		g := p.lockInner()
		inReplyTo := th.stackTopLocked(g)
		if inReplyTo == nil {
			p.unlockInner(g)
			d.log.Error("reply with no pending call",
				zap.Uint32("proc", p.pid), zap.Uint32("thread", th.tid))
			p.failTransaction(st, txnFailResolve, wire.BR_FAILED_REPLY, Errno(ErrProtocol))
			return
		}
		inReplyTo.lock.Lock()
		toThread := inReplyTo.toThread
		toProc := inReplyTo.toProc
		inReplyTo.lock.Unlock()
		if toThread != th {
			var toPID, toTID uint32
			if toProc != nil {
				toPID = toProc.pid
			}
			if toThread != nil {
				toTID = toThread.tid
			}
			p.unlockInner(g)
			d.log.Error("reply from thread that does not own the call",
				zap.Uint32("proc", p.pid), zap.Uint32("thread", th.tid),
				zap.Uint64("call_id", inReplyTo.debugID),
				zap.Uint32("call_proc", toPID), zap.Uint32("call_thread", toTID))
			p.failTransaction(st, txnFailResolve, wire.BR_FAILED_REPLY, Errno(ErrProtocol))
			return
		}
		th.popOwnTopLocked(g)
		p.unlockInner(g)
		st.inReplyTo = inReplyTo
		d.priorities.SetNice(p.pid, th.tid, inReplyTo.savedPriority)

		from, fg, ok := inReplyTo.fromAcqInner()
		if !ok {
			p.failTransaction(st, txnFailResolve, wire.BR_DEAD_REPLY, Errno(ErrProtocol))
			return
		}
		if from.stackTopLocked(fg) != inReplyTo {
			var topID uint64
			if top := from.stackTopLocked(fg); top != nil {
				topID = top.debugID
			}
			from.proc.unlockInner(fg)
			d.log.Error("reply target call stack changed",
				zap.Uint32("proc", p.pid), zap.Uint32("thread", th.tid),
				zap.Uint64("expected", inReplyTo.debugID), zap.Uint64("found", topID))
			from.decTmpref()
			st.inReplyTo = nil
			p.failTransaction(st, txnFailResolve, wire.BR_FAILED_REPLY, Errno(ErrProtocol))
			return
		}
		st.targetThread = from
		st.target = from.proc
		st.target.tmpRefs++
		st.target.unlockInner(fg)
	} else {
		if tr.TargetHandle != 0 {
			og := p.lockOuter()
			ref := p.getRefLocked(og, tr.TargetHandle, true)
			if ref != nil {
				var code uint32
				st.targetNode, st.target, code = getNodeRefsForTxn(ref.node)
				if st.targetNode == nil {
					p.unlockOuter(og)
					p.failTransaction(st, txnFailResolve, code, -22)
					return
				}
			}
			p.unlockOuter(og)
			if st.targetNode == nil {
				d.log.Warn("transaction to invalid handle",
					zap.Uint32("proc", p.pid), zap.Uint32("thread", th.tid),
					zap.Uint32("handle", tr.TargetHandle))
				p.failTransaction(st, txnFailResolve, wire.BR_FAILED_REPLY, Errno(ErrBadHandle))
				return
			}
		} else {
			node := d.registrar.Load()
			if node != nil {
				var code uint32
				st.targetNode, st.target, code = getNodeRefsForTxn(node)
				if st.targetNode == nil {
					p.failTransaction(st, txnFailResolve, code, -22)
					return
				}
			} else {
				p.failTransaction(st, txnFailResolve, wire.BR_DEAD_REPLY, -22)
				return
			}
			if st.target.pid == p.pid {
				d.log.Error("transaction to registrar from process owning it",
					zap.Uint32("proc", p.pid), zap.Uint32("thread", th.tid))
				p.failTransaction(st, txnFailResolve, wire.BR_FAILED_REPLY, Errno(ErrInvalid))
				return
			}
		}
		st.entry.toNode = st.targetNode.debugID
		if err := d.security.CheckTransaction(p.Identity(), st.target.Identity()); err != nil {
			p.failTransaction(st, txnFailResolve, wire.BR_FAILED_REPLY, Errno(ErrPermission))
			return
		}

		g := p.lockInner()
		if tr.Flags&wire.TF_ONE_WAY == 0 {
			if w := th.todo.first(); w != nil && w.kind == workTransaction {
				p.unlockInner(g)
				d.log.Error("new call with undelivered call on thread queue",
					zap.Uint32("proc", p.pid), zap.Uint32("thread", th.tid))
				p.failTransaction(st, txnFailResolve, wire.BR_FAILED_REPLY, Errno(ErrProtocol))
				return
			}
			if top := th.stackTopLocked(g); top != nil {
				top.lock.Lock()
				topThread := top.toThread
				topProc := top.toProc
				top.lock.Unlock()
				if topThread != th {
					var toPID, toTID uint32
					if topProc != nil {
						toPID = topProc.pid
					}
					if topThread != nil {
						toTID = topThread.tid
					}
					p.unlockInner(g)
					d.log.Error("new call with bad call stack",
						zap.Uint32("proc", p.pid), zap.Uint32("thread", th.tid),
						zap.Uint64("call_id", top.debugID),
						zap.Uint32("call_proc", toPID), zap.Uint32("call_thread", toTID))
					p.failTransaction(st, txnFailResolve, wire.BR_FAILED_REPLY, Errno(ErrProtocol))
					return
				}
				st.targetThread = th.findTargetThreadLocked(g, st.target)
			}
		}
		p.unlockInner(g)
	}
	st.entry.toProc = st.target.pid
	if st.targetThread != nil {
		st.entry.toThread = st.targetThread.tid
	}

	t := &Transaction{
		debugID:    st.debugID,
		code:       tr.Code,
		flags:      tr.Flags,
		priority:   d.priorities.Nice(p.pid, th.tid),
		senderEUID: p.uid,
		toProc:     st.target,
		toThread:   st.targetThread,
	}
	if !reply && tr.Flags&wire.TF_ONE_WAY == 0 {
		t.from = th
	}
	t.work.kind = workTransaction
	t.work.txn = t
	st.t = t
	d.statsCreated(objTransaction)

	st.tcomplete = &workItem{kind: workTransactionComplete}
	d.statsCreated(objTransactionComplete)

	if reply {
		d.log.Debug("reply send",
			zap.Uint64("debug_id", t.debugID),
			zap.Uint32("proc", p.pid), zap.Uint32("thread", th.tid),
			zap.Uint64("in_reply_to", st.inReplyTo.debugID),
			zap.Uint64("data_size", tr.DataSize), zap.Uint64("offsets_size", tr.OffsetsSize))
	} else {
		d.log.Debug("transaction send",
			zap.Uint64("debug_id", t.debugID),
			zap.Uint32("proc", p.pid), zap.Uint32("thread", th.tid),
			zap.Uint64("node", st.targetNode.debugID),
			zap.Uint64("data_size", tr.DataSize), zap.Uint64("offsets_size", tr.OffsetsSize))
	}

	isAsync := !reply && tr.Flags&wire.TF_ONE_WAY != 0
	buf, err := st.target.alloc.Reserve(tr.DataSize, tr.OffsetsSize, extraSize, isAsync)
	if err != nil {
		event, param := allocFailure(err)
		d.log.Warn("transaction buffer reservation failed",
			zap.Uint64("debug_id", t.debugID), zap.Error(err))
		p.failTransaction(st, txnFailAlloc, event, param)
		return
	}
	arenaReservedGauge.WithLabelValues(d.name).Add(float64(buf.Size()))
	pb := &pendingBuffer{
		buf:        buf,
		debugID:    t.debugID,
		txn:        t,
		targetNode: st.targetNode,
		async:      isAsync,
	}
	t.buffer = pb
	st.pb = pb
	tg := st.target.lockInner()
	st.target.registerBufferLocked(tg, pb)
	st.target.unlockInner(tg)

	dataSrc, ok := payloadWindow(wbuf, tr.DataBuffer, tr.DataSize)
	if !ok {
		d.log.Error("transaction data out of range",
			zap.Uint64("debug_id", t.debugID),
			zap.Uint32("proc", p.pid), zap.Uint32("thread", th.tid))
		p.failTransaction(st, txnFailBuffer, wire.BR_FAILED_REPLY, Errno(ErrFault))
		return
	}
	copy(buf.DataRegion(), dataSrc)
	offsSrc, ok := payloadWindow(wbuf, tr.DataOffsets, tr.OffsetsSize)
	if !ok {
		d.log.Error("transaction offsets out of range",
			zap.Uint64("debug_id", t.debugID),
			zap.Uint32("proc", p.pid), zap.Uint32("thread", th.tid))
		p.failTransaction(st, txnFailBuffer, wire.BR_FAILED_REPLY, Errno(ErrFault))
		return
	}
	copy(buf.OffsetsRegion(), offsSrc)
	if tr.OffsetsSize%8 != 0 {
		d.log.Error("invalid offsets size",
			zap.Uint64("debug_id", t.debugID), zap.Uint64("offsets_size", tr.OffsetsSize))
		p.failTransaction(st, txnFailBuffer, wire.BR_FAILED_REPLY, Errno(ErrInvalid))
		return
	}
	if extraSize%8 != 0 {
		d.log.Error("unaligned extra buffers size",
			zap.Uint64("debug_id", t.debugID), zap.Uint64("extra_size", extraSize))
		p.failTransaction(st, txnFailBuffer, wire.BR_FAILED_REPLY, Errno(ErrInvalid))
		return
	}

	x := &translator{
		d:         d,
		sender:    p,
		senderTh:  th,
		target:    st.target,
		t:         t,
		pb:        pb,
		inReplyTo: st.inReplyTo,
		wbuf:      wbuf,
	}
	if err := x.run(); err != nil {
		st.failedAt = x.failedAt
		p.failTransaction(st, txnFailBuffer, wire.BR_FAILED_REPLY, Errno(err))
		return
	}
	st.failedAt = tr.OffsetsSize

	if reply {
		g := p.lockInner()
		th.enqueueWorkLocked(g, st.tcomplete)
		p.unlockInner(g)

		tg := st.target.lockInner()
		if st.targetThread.isDead {
			st.target.unlockInner(tg)
			p.failTransaction(st, txnFailCommit, wire.BR_DEAD_REPLY, 0)
			return
		}
		if pb.async {
			panic("binder: reply on one-way reservation")
		}
		st.target.popTransactionLocked(tg, st.targetThread, st.inReplyTo)
		st.targetThread.enqueueWorkLocked(tg, &t.work)
		st.targetThread.wakeupLocked(tg)
		st.target.unlockInner(tg)
		d.freeTransaction(st.inReplyTo)
	} else if !t.oneway() {
		g := p.lockInner()
		th.enqueueWorkDeferredLocked(g, st.tcomplete)
		t.needReply = true
		th.pushOutgoingLocked(g, t)
		p.unlockInner(g)
		if code := d.procTransaction(t, st.target, st.targetThread); code != 0 {
			g := p.lockInner()
			p.popTransactionLocked(g, th, t)
			p.unlockInner(g)
			p.failTransaction(st, txnFailCommit, code, 0)
			return
		}
	} else {
		g := p.lockInner()
		th.enqueueWorkLocked(g, st.tcomplete)
		p.unlockInner(g)
		if code := d.procTransaction(t, st.target, nil); code != 0 {
			p.failTransaction(st, txnFailCommit, code, 0)
			return
		}
	}

	if st.targetThread != nil {
		st.targetThread.decTmpref()
	}
	st.target.decTmpref()
	if st.targetNode != nil {
		st.targetNode.putTmp()
	}
	d.ring.complete(st.slot, st.entry)
}

// failTransaction unwinds a failed send and delivers the failure to
// the sender as a return event, or down the reply chain for replies.
func (p *Proc) failTransaction(st *txnSend, stage int, event uint32, param int32) {
	d := p.domain

	if stage >= txnFailCommit {
		g := p.lockInner()
		st.tcomplete.dequeue()
		p.unlockInner(g)
	}
	if stage >= txnFailBuffer {
		st.target.releaseBufferObjects(st.pb, st.failedAt, true)
		if st.targetNode != nil {
			st.targetNode.putTmp()
			st.targetNode = nil
		}
		tg := st.target.lockInner()
		st.pb.txn = nil
		st.t.buffer = nil
		st.target.buffers.Remove(st.pb.buf.Address())
		st.target.unlockInner(tg)
		st.target.alloc.Release(st.pb.buf)
		arenaReservedGauge.WithLabelValues(d.name).Sub(float64(st.pb.buf.Size()))
	}
	if stage >= txnFailAlloc {
		d.statsDeleted(objTransactionComplete)
		d.statsDeleted(objTransaction)
	}
	if st.targetThread != nil {
		st.targetThread.decTmpref()
	}
	if st.target != nil {
		st.target.decTmpref()
	}
	if st.targetNode != nil {
		st.targetNode.dec(true, false)
		st.targetNode.putTmp()
	}

	d.log.Warn("transaction failed",
		zap.Uint64("debug_id", st.debugID),
		zap.Uint32("proc", p.pid), zap.Uint32("thread", st.sender.tid),
		zap.String("event", wire.EventName(event)), zap.Int32("errno", param))
	transactionFailuresCounter.WithLabelValues(d.name, wire.EventName(event)).Inc()
	st.entry.returnError = event
	st.entry.returnErrorParam = param
	d.ring.fail(st.slot, st.entry)
	d.recordFailure(st.entry, st.payload)

	g := p.lockInner()
	if st.sender.returnError.cmd != wire.BR_OK {
		panic("binder: return error already pending")
	}
	if st.inReplyTo != nil {
		st.sender.returnError.cmd = wire.BR_TRANSACTION_COMPLETE
		st.sender.enqueueWorkLocked(g, &st.sender.returnError.work)
		p.unlockInner(g)
		d.sendFailedReply(st.inReplyTo, event)
	} else {
		st.sender.returnError.cmd = event
		st.sender.enqueueWorkLocked(g, &st.sender.returnError.work)
		p.unlockInner(g)
	}
}

// getNodeRefsForTxn pins a target node for one send: a local strong
// hold, a node pin and an owner pin, all dropped when the send settles.
// A dead target yields BR_DEAD_REPLY.
func getNodeRefsForTxn(n *Node) (*Node, *Proc, uint32) {
	g := n.lockInner()
	defer n.unlockInner(g)
	if n.proc == nil {
		return nil, nil, wire.BR_DEAD_REPLY
	}
	_ = n.incLocked(g, true, false, nil)
	n.tmpRefs++
	n.proc.tmpRefs++
	return n, n.proc, 0
}

// procTransaction places a committed transaction with the target:
// directly on a thread when one is waiting or reserved, on the
// participant queue otherwise, and parked on the node for one-way
// sends while an earlier one is still unconsumed. Returns a BR_* code
// when the target can no longer take it.
func (d *Domain) procTransaction(t *Transaction, target *Proc, targetThread *Thread) uint32 {
	node := t.buffer.targetNode
	pendingAsync := false

	ng := node.lockNode()
	if t.oneway() {
		if node.hasAsyncTxn {
			pendingAsync = true
		} else {
			node.hasAsyncTxn = true
		}
	}
	g := target.lockInner()
	if target.isDead || (targetThread != nil && targetThread.isDead) {
		dead := target.isDead
		target.unlockInner(g)
		node.unlockNode(ng)
		if dead {
			return wire.BR_DEAD_REPLY
		}
		return wire.BR_FAILED_REPLY
	}
	if targetThread == nil && !pendingAsync {
		targetThread = target.selectThreadLocked(g)
	}
	if targetThread != nil {
		targetThread.enqueueWorkLocked(g, &t.work)
	} else if !pendingAsync {
		target.todo.enqueue(&t.work)
	} else {
		node.asyncTodo.enqueue(&t.work)
	}
	if !pendingAsync {
		if targetThread != nil {
			targetThread.wakeupLocked(g)
		} else {
			target.wakeupLocked(g)
		}
	}
	target.unlockInner(g)
	node.unlockNode(ng)
	return 0
}

// freeTransaction drops a settled transaction, unlinking it from its
// buffer if the buffer is still live.
func (d *Domain) freeTransaction(t *Transaction) {
	t.lock.Lock()
	target := t.toProc
	t.lock.Unlock()
	if target != nil {
		g := target.lockInner()
		if t.buffer != nil {
			t.buffer.txn = nil
		}
		target.unlockInner(g)
	}
	d.statsDeleted(objTransaction)
}
