package binder

import (
	"go.uber.org/zap"

	"github.com/openbinder/openbinder/pkg/wire"
)

// deathRecord tracks one requested death notification. It hangs off
// the requesting participant's ref until cleared; when the node's
// owner dies the record travels the work queues as a dead-object
// event, then parks on deliveredDeath until the caller confirms it
// with BC_DEAD_BINDER_DONE.
type deathRecord struct {
	work   workItem
	cookie uint64
}

func newDeathRecord(cookie uint64) *deathRecord {
	dr := &deathRecord{cookie: cookie}
	dr.work.death = dr
	return dr
}

// requestDeathNotification arms a death notification on the ref named
// by hc.Handle. A node that is already dead fires immediately.
func (p *Proc) requestDeathNotification(t *Thread, hc wire.HandleCookie) {
	d := p.domain
	g := p.lockOuter()
	defer p.unlockOuter(g)
	ref := p.getRefLocked(g, hc.Handle, false)
	if ref == nil {
		d.log.Error("death notification request on invalid ref",
			zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
			zap.Uint32("desc", hc.Handle))
		return
	}
	d.log.Debug("death notification requested",
		zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
		zap.Uint64("cookie", hc.Cookie),
		zap.Uint64("ref", ref.debugID), zap.Uint32("desc", ref.desc),
		zap.Uint64("node", ref.node.debugID))

	node := ref.node
	ng := node.lockNode()
	defer node.unlockNode(ng)
	if ref.death != nil {
		d.log.Error("death notification already requested",
			zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
			zap.Uint32("desc", hc.Handle))
		return
	}
	d.statsCreated(objDeath)
	death := newDeathRecord(hc.Cookie)
	ref.death = death
	if node.proc == nil {
		death.work.kind = workDeadBinder
		ig := p.lockInner()
		p.todo.enqueue(&death.work)
		p.wakeupLocked(ig)
		p.unlockInner(ig)
	}
}

// clearDeathNotification disarms the death notification on the ref
// named by hc.Handle. The confirmation event is routed back through
// the caller's queue; a notification already fired but undelivered is
// folded into a single dead-then-cleared delivery.
func (p *Proc) clearDeathNotification(t *Thread, hc wire.HandleCookie) {
	d := p.domain
	g := p.lockOuter()
	defer p.unlockOuter(g)
	ref := p.getRefLocked(g, hc.Handle, false)
	if ref == nil {
		d.log.Error("death notification clear on invalid ref",
			zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
			zap.Uint32("desc", hc.Handle))
		return
	}
	d.log.Debug("death notification cleared",
		zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
		zap.Uint64("cookie", hc.Cookie),
		zap.Uint64("ref", ref.debugID), zap.Uint32("desc", ref.desc),
		zap.Uint64("node", ref.node.debugID))

	node := ref.node
	ng := node.lockNode()
	defer node.unlockNode(ng)
	death := ref.death
	if death == nil {
		d.log.Error("death notification clear with none armed",
			zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
			zap.Uint32("desc", hc.Handle))
		return
	}
	if death.cookie != hc.Cookie {
		d.log.Error("death notification clear cookie mismatch",
			zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
			zap.Uint64("cookie", hc.Cookie),
			zap.Uint64("death_cookie", death.cookie))
		return
	}
	ref.death = nil
	ig := p.lockInner()
	if !death.work.queued() {
		death.work.kind = workClearDeathNotification
		if t.looper&(looperRegistered|looperEntered) != 0 {
			t.enqueueWorkLocked(ig, &death.work)
		} else {
			p.todo.enqueue(&death.work)
			p.wakeupLocked(ig)
		}
	} else {
		if death.work.kind != workDeadBinder {
			panic("binder: queued death record in unexpected state")
		}
		death.work.kind = workDeadBinderAndClear
	}
	p.unlockInner(ig)
}

// deadBinderDone retires a delivered dead-object notification. A clear
// that raced with the delivery is released for its own confirmation
// round now.
func (p *Proc) deadBinderDone(t *Thread, cookie uint64) {
	d := p.domain
	g := p.lockInner()
	defer p.unlockInner(g)
	var death *deathRecord
	for _, w := range p.deliveredDeath.items {
		if w.death.cookie == cookie {
			death = w.death
			break
		}
	}
	if death == nil {
		d.log.Error("death confirmation with no delivered notification",
			zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
			zap.Uint64("cookie", cookie))
		return
	}
	d.log.Debug("death confirmation",
		zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
		zap.Uint64("cookie", cookie),
		zap.Bool("clear_pending", death.work.kind == workDeadBinderAndClear))
	death.work.dequeue()
	if death.work.kind == workDeadBinderAndClear {
		death.work.kind = workClearDeathNotification
		if t.looper&(looperRegistered|looperEntered) != 0 {
			t.enqueueWorkLocked(g, &death.work)
		} else {
			p.todo.enqueue(&death.work)
			p.wakeupLocked(g)
		}
	}
}
