package binder

import (
	"go.uber.org/zap"
)

// Ref is one participant's handle to another participant's node. It
// keeps the node weakly alive by its mere existence and strongly alive
// while its strong count is positive.
//
// Fields are guarded by the holding participant's outer lock; death is
// additionally guarded by the node lock.
type Ref struct {
	debugID uint64
	proc    *Proc
	node    *Node
	desc    uint32
	strong  int
	weak    int
	death   *deathRecord
}

// refData is the counters view of a ref, reported back to callers for
// logging and the registrar descriptor check.
type refData struct {
	debugID uint64
	desc    uint32
	strong  int
	weak    int
}

func (r *Ref) data() refData {
	return refData{debugID: r.debugID, desc: r.desc, strong: r.strong, weak: r.weak}
}

// getRefLocked resolves a handle. With needStrong set, a ref holding
// only weak counts does not qualify.
func (p *Proc) getRefLocked(g procGuard, desc uint32, needStrong bool) *Ref {
	r, ok := p.refsByDesc.Get(desc)
	if !ok {
		return nil
	}
	if needStrong && r.strong == 0 {
		p.domain.log.Debug("tried to use weak ref as strong ref",
			zap.Uint32("pid", p.pid), zap.Uint32("desc", desc))
		return nil
	}
	return r
}

// getRefForNodeLocked returns this participant's ref to node, creating
// one if needed. A new ref takes the smallest free descriptor, with 0
// reserved for the registrar node, and joins the node's inbound list.
func (p *Proc) getRefForNodeLocked(g procGuard, node *Node) *Ref {
	if r, ok := p.refsByNode.Get(node.debugID); ok {
		return r
	}
	r := &Ref{
		debugID: p.domain.nextID(),
		proc:    p,
		node:    node,
	}
	if p.domain.registrar.Load() != node {
		r.desc = 1
	}
	p.refsByDesc.Ascend(func(desc uint32, cur *Ref) bool {
		if cur.desc > r.desc {
			return false
		}
		r.desc = cur.desc + 1
		return true
	})
	p.refsByDesc.Put(r.desc, r)
	p.refsByNode.Put(node.debugID, r)
	p.domain.statsCreated(objRef)

	ng := node.lockInner()
	node.refs[r] = struct{}{}
	node.unlockInner(ng)

	p.domain.log.Debug("ref created",
		zap.Uint32("pid", p.pid),
		zap.Uint64("ref", r.debugID),
		zap.Uint32("desc", r.desc),
		zap.Uint64("node", node.debugID))
	return r
}

// incRefLocked increments one counter of r, propagating a node
// increment when the counter leaves zero.
func (p *Proc) incRefLocked(g procGuard, r *Ref, strong bool, target *Thread) error {
	if strong {
		if r.strong == 0 {
			if err := r.node.inc(true, true, target); err != nil {
				return err
			}
		}
		r.strong++
	} else {
		if r.weak == 0 {
			if err := r.node.inc(false, true, target); err != nil {
				return err
			}
		}
		r.weak++
	}
	return nil
}

// decRefLocked decrements one counter of r and reports whether r hit
// zero and was cleaned up. Underflow is a caller bug surfaced by event
// log, not a fatal error.
func (p *Proc) decRefLocked(g procGuard, r *Ref, strong bool) bool {
	if strong {
		if r.strong == 0 {
			p.domain.log.Warn("strong ref decrement on zero",
				zap.Uint32("pid", p.pid), zap.Uint32("desc", r.desc))
			return false
		}
		r.strong--
		if r.strong == 0 {
			r.node.dec(true, true)
		}
	} else {
		if r.weak == 0 {
			p.domain.log.Warn("weak ref decrement on zero",
				zap.Uint32("pid", p.pid), zap.Uint32("desc", r.desc))
			return false
		}
		r.weak--
	}
	if r.strong == 0 && r.weak == 0 {
		p.cleanupRefLocked(g, r)
		return true
	}
	return false
}

// cleanupRefLocked unlinks a dying ref from both handle tables and the
// node, dropping whatever node references it still held. A queued death
// notification is withdrawn with it.
func (p *Proc) cleanupRefLocked(g procGuard, r *Ref) {
	p.refsByDesc.Remove(r.desc)
	p.refsByNode.Remove(r.node.debugID)

	if r.strong > 0 {
		r.node.dec(true, true)
	}

	ng := r.node.lockInner()
	delete(r.node.refs, r)
	r.node.unlockInner(ng)
	r.node.dec(false, true)

	if r.death != nil {
		ig := p.lockInner()
		r.death.work.dequeue()
		p.unlockInner(ig)
		p.domain.statsDeleted(objDeath)
	}
	p.domain.statsDeleted(objRef)
}

// incRefForNode adds one reference to node from this participant,
// minting the ref if none exists. Refcount events for the node owner
// are routed to target's queue.
func (p *Proc) incRefForNode(node *Node, strong bool, target *Thread) (refData, error) {
	g := p.lockOuter()
	r := p.getRefForNodeLocked(g, node)
	fresh := r.strong == 0 && r.weak == 0
	err := p.incRefLocked(g, r, strong, target)
	rd := r.data()
	if err != nil && fresh {
		// The target could be dying; do not leave a dead zero ref
		// behind.
		p.cleanupRefLocked(g, r)
	}
	p.unlockOuter(g)
	return rd, err
}

// updateRefForHandle adjusts one counter of the ref named by desc.
func (p *Proc) updateRefForHandle(desc uint32, increment, strong bool) (refData, error) {
	g := p.lockOuter()
	r := p.getRefLocked(g, desc, strong)
	if r == nil {
		p.unlockOuter(g)
		return refData{}, ErrBadHandle
	}
	var err error
	if increment {
		err = p.incRefLocked(g, r, strong, nil)
	} else {
		p.decRefLocked(g, r, strong)
	}
	rd := r.data()
	p.unlockOuter(g)
	return rd, err
}

// decRefForHandle drops one reference from the ref named by desc.
func (p *Proc) decRefForHandle(desc uint32, strong bool) (refData, error) {
	return p.updateRefForHandle(desc, false, strong)
}

// getNodeFromRef resolves a handle to its node, pinning the node. The
// second return carries the ref counters for logging.
func (p *Proc) getNodeFromRef(desc uint32, needStrong bool) (*Node, refData) {
	g := p.lockOuter()
	defer p.unlockOuter(g)
	r := p.getRefLocked(g, desc, needStrong)
	if r == nil {
		return nil, refData{}
	}
	n := r.node
	n.incTmp()
	return n, r.data()
}
