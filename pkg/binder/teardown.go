package binder

import (
	"go.uber.org/zap"

	"github.com/openbinder/openbinder/pkg/wire"
)

// sendFailedReply unwinds a collapsed call chain, delivering event to
// the nearest caller still alive. Frames whose sender is already gone
// are freed and the walk continues one level down, so a failure deep in
// a chain surfaces at whoever is actually parked on it.
func (d *Domain) sendFailedReply(t *Transaction, event uint32) {
	if t.oneway() {
		panic("binder: failed reply for a one-way transaction")
	}
	for {
		target, g, ok := t.fromAcqInner()
		if ok {
			tp := target.proc
			d.log.Debug("failed reply delivered",
				zap.Uint64("debug_id", t.debugID),
				zap.Uint32("proc", tp.pid), zap.Uint32("thread", target.tid),
				zap.String("event", wire.EventName(event)))
			tp.popTransactionLocked(g, target, t)
			if target.replyError.cmd == wire.BR_OK {
				target.replyError.cmd = event
				target.enqueueWorkLocked(g, &target.replyError.work)
				target.wakeupLocked(g)
			} else {
				// Reachable when a caller queues several calls without
				// reading between them; the first failure is the one
				// it gets.
				d.log.Warn("reply error already pending",
					zap.Uint32("proc", tp.pid), zap.Uint32("thread", target.tid),
					zap.String("pending", wire.EventName(target.replyError.cmd)))
			}
			tp.unlockInner(g)
			target.decTmpref()
			d.freeTransaction(t)
			return
		}
		next := t.fromParent
		d.log.Debug("failed reply with no live sender",
			zap.Uint64("debug_id", t.debugID))
		d.freeTransaction(t)
		if next == nil {
			return
		}
		t = next
	}
}

// releaseWork drains a queue that lost its consumer. Pending calls are
// failed back to their senders; everything else is dropped with its
// accounting settled.
func (p *Proc) releaseWork(list *workList) {
	d := p.domain
	for {
		g := p.lockInner()
		w := list.dequeueHead()
		p.unlockInner(g)
		if w == nil {
			return
		}
		switch w.kind {
		case workTransaction:
			t := w.txn
			if t.buffer.targetNode != nil && !t.oneway() {
				d.sendFailedReply(t, wire.BR_DEAD_REPLY)
			} else {
				d.log.Debug("undelivered transaction dropped",
					zap.Uint64("debug_id", t.debugID))
				d.freeTransaction(t)
			}
		case workReturnError:
			d.log.Debug("undelivered return error dropped",
				zap.String("event", wire.EventName(w.berr.cmd)))
		case workTransactionComplete:
			d.log.Debug("undelivered transaction complete dropped")
			d.statsDeleted(objTransactionComplete)
		case workDeadBinderAndClear, workClearDeathNotification:
			d.log.Debug("undelivered death notification dropped",
				zap.Uint64("cookie", w.death.cookie))
			d.statsDeleted(objDeath)
		case workNode:
		default:
			d.log.Error("unexpected work kind at teardown",
				zap.Uint32("pid", p.pid), zap.Int("kind", int(w.kind)))
		}
	}
}

// releaseThread retires one thread. Its caller, if parked on a call the
// thread was handling, gets a failed reply; outgoing frames lose their
// sender so the reply path fails them when it arrives; queued work is
// returned to its senders. Safe to call twice, second call is a no-op.
func (p *Proc) releaseThread(t *Thread) {
	d := p.domain
	g := p.lockInner()
	if t.isDead {
		p.unlockInner(g)
		return
	}
	// Pin the participant past the map removal and the thread until
	// the release is done; the matching decrements free both.
	p.tmpRefs++
	t.tmpRefs.Add(1)
	if cur, ok := p.threads.Get(t.tid); ok && cur == t {
		p.threads.Remove(t.tid)
	}
	t.isDead = true

	var sendReply *Transaction
	if top := t.stackTopLocked(g); top != nil {
		top.lock.Lock()
		if top.toThread == t {
			sendReply = top
		}
		top.lock.Unlock()
	}

	frames := 0
	for i := len(t.stack) - 1; i >= 0; i-- {
		fr := t.stack[i]
		frames++
		fr.lock.Lock()
		switch {
		case fr.toThread == t:
			d.log.Debug("incoming frame still active at thread release",
				zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
				zap.Uint64("debug_id", fr.debugID))
			fr.toProc = nil
			fr.toThread = nil
			if fr.buffer != nil {
				fr.buffer.txn = nil
				fr.buffer = nil
			}
		case fr.from == t:
			d.log.Debug("outgoing frame still active at thread release",
				zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
				zap.Uint64("debug_id", fr.debugID))
			fr.from = nil
		default:
			fr.lock.Unlock()
			panic("binder: stack frame unlinked from its thread")
		}
		fr.lock.Unlock()
		t.stack[i] = nil
	}
	t.stack = nil
	t.wakeupLocked(g)
	p.unlockInner(g)

	if sendReply != nil {
		d.sendFailedReply(sendReply, wire.BR_DEAD_REPLY)
	}
	p.releaseWork(&t.todo)
	d.log.Debug("thread released",
		zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
		zap.Int("active_frames", frames))
	t.decTmpref()
}

// nodeRelease orphans one node of a dying participant and fires the
// death notifications armed on it. A node nobody references dies with
// its owner; the rest stay reachable through existing refs until the
// last one drops.
func (p *Proc) nodeRelease(node *Node) {
	d := p.domain
	p.releaseWork(&node.asyncTodo)

	ng := node.lockNode()
	ig := p.lockInner()
	node.work.dequeue()
	if node.tmpRefs == 0 {
		panic("binder: releasing an unpinned node")
	}
	if len(node.refs) == 0 && node.tmpRefs == 1 {
		p.unlockInner(ig)
		node.unlockNode(ng)
		node.freeNode()
		d.log.Debug("refless node freed at release",
			zap.Uint32("pid", p.pid), zap.Uint64("node", node.debugID))
		return
	}
	node.proc = nil
	node.localStrong = 0
	node.localWeak = 0
	p.unlockInner(ig)

	d.deadNodesMu.Lock()
	d.deadNodes[node] = struct{}{}
	d.deadNodesMu.Unlock()

	refs, deaths := 0, 0
	for ref := range node.refs {
		refs++
		// The node lock keeps new death requests out; the holder's
		// inner lock orders us against a concurrent delivery.
		rg := ref.proc.lockInner()
		if ref.death == nil {
			ref.proc.unlockInner(rg)
			continue
		}
		deaths++
		if ref.death.work.queued() {
			panic("binder: death record queued before node death")
		}
		ref.death.work.kind = workDeadBinder
		ref.proc.todo.enqueue(&ref.death.work)
		ref.proc.wakeupLocked(rg)
		ref.proc.unlockInner(rg)
	}
	d.log.Debug("node dead",
		zap.Uint32("pid", p.pid), zap.Uint64("node", node.debugID),
		zap.Int("refs", refs), zap.Int("deaths", deaths))
	node.unlockNode(ng)
	node.putTmp()
}

// Close tears the participant down: threads are retired, exported
// nodes orphaned with death notifications fired, held refs dropped,
// and undelivered work failed back to its senders. Close returns once
// the participant is unreachable; the object itself lingers while
// in-flight sends still hold pins on it. Idempotent.
func (p *Proc) Close() {
	p.closeOnce.Do(p.release)
}

func (p *Proc) release() {
	d := p.domain
	p.closed.Store(true)
	d.dropProc(p)

	d.registrarMu.Lock()
	if node := d.registrar.Load(); node != nil {
		ng := node.lockNode()
		owner := node.proc
		node.unlockNode(ng)
		if owner == p {
			d.registrar.Store(nil)
			d.log.Info("registrar gone",
				zap.String("domain", d.name), zap.Uint32("pid", p.pid))
		}
	}
	d.registrarMu.Unlock()

	// Fail reservations from here on; outstanding buffers stay
	// readable for the unwind below.
	p.alloc.Detach()

	g := p.lockInner()
	p.tmpRefs++
	p.isDead = true
	p.unlockInner(g)

	threads := 0
	for {
		g := p.lockInner()
		_, t, ok := p.threads.Min()
		p.unlockInner(g)
		if !ok {
			break
		}
		threads++
		p.releaseThread(t)
	}

	nodes := 0
	for {
		g := p.lockInner()
		_, node, ok := p.nodes.Min()
		if ok {
			node.tmpRefs++
			p.nodes.Remove(node.ptr)
		}
		p.unlockInner(g)
		if !ok {
			break
		}
		nodes++
		p.nodeRelease(node)
	}

	outgoing := 0
	for {
		og := p.lockOuter()
		_, ref, ok := p.refsByDesc.Min()
		if ok {
			outgoing++
			p.cleanupRefLocked(og, ref)
		}
		p.unlockOuter(og)
		if !ok {
			break
		}
	}

	p.releaseWork(&p.todo)
	p.releaseWork(&p.deliveredDeath)

	g = p.lockInner()
	buffers := p.buffers.Len()
	p.unlockInner(g)

	d.log.Info("proc released",
		zap.String("domain", d.name),
		zap.Uint32("pid", p.pid), zap.String("name", p.name),
		zap.Int("threads", threads), zap.Int("nodes", nodes),
		zap.Int("refs", outgoing), zap.Int("buffers_held", buffers))
	p.decTmpref()
}

// decTmpref drops one pin on the participant. The last pin off a dead
// participant with no threads left settles its accounting.
func (p *Proc) decTmpref() {
	g := p.lockInner()
	p.tmpRefs--
	if p.tmpRefs < 0 {
		panic("binder: proc pin underflow")
	}
	if p.isDead && p.threads.Len() == 0 && p.tmpRefs == 0 {
		if !p.todo.empty() || !p.deliveredDeath.empty() {
			p.unlockInner(g)
			panic("binder: freeing participant with queued work")
		}
		// No sender or reader can still hold the participant here, so
		// buffers left in the map will never see a free command. They
		// go down with the arena.
		residual := uint64(0)
		leaked := 0
		for {
			addr, pb, ok := p.buffers.Min()
			if !ok {
				break
			}
			p.buffers.Remove(addr)
			residual += pb.buf.Size()
			leaked++
		}
		p.unlockInner(g)
		if residual != 0 {
			arenaReservedGauge.WithLabelValues(p.domain.name).Sub(float64(residual))
		}
		p.domain.statsDeleted(objProc)
		p.domain.log.Debug("proc freed",
			zap.Uint32("pid", p.pid),
			zap.Int("buffers_leaked", leaked))
		return
	}
	p.unlockInner(g)
}
