package binder

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/openbinder/openbinder/pkg/wire"
)

// Node is one exported object. It lives in its owner's node table until
// the owner drops it, and survives the owner's death as an orphan while
// referrers still point at it.
//
// Reference counting distinguishes four sources of liveness: strong
// counts (internalStrong from inbound refs, localStrong from the owner
// and in-flight transactions), the owner's weak count (localWeak),
// temporary pins (tmpRefs) and the inbound ref list itself. hasStrong
// and hasWeak track what the owner has been told; pendingStrong and
// pendingWeak are set while an acquire event awaits its done command.
type Node struct {
	debugID uint64
	domain  *Domain

	mu sync.Mutex // tier 2

	// proc is the owner, nil once orphaned. Both mu and the owner's
	// inner lock are held to clear it, so either is enough to read it.
	proc *Proc

	ptr    uint64
	cookie uint64

	minPriority int32
	acceptFDs   bool

	// work delivers refcount events to the owner.
	// GUARDED_BY(proc.inner)
	work workItem

	// GUARDED_BY(mu and, while proc is set, proc.inner)
	internalStrong int
	localStrong    int
	localWeak      int
	hasStrong      bool
	hasWeak        bool
	pendingStrong  bool
	pendingWeak    bool

	// tmpRefs counts temporary pins. While the node is owned it is
	// guarded by the owner's inner lock; once orphaned, by mu.
	tmpRefs int

	// refs holds every inbound ref.
	// GUARDED_BY(mu and, while proc is set, proc.inner)
	refs map[*Ref]struct{}

	// hasAsyncTxn serializes one-way transactions. GUARDED_BY(mu)
	hasAsyncTxn bool

	// asyncTodo parks one-way transactions beyond the first.
	// GUARDED_BY(proc.inner)
	asyncTodo workList
}

// newNodeLocked returns the node for flat.Binder, creating it if
// needed. The returned node carries a temporary pin; callers must putTmp
// when done. A nil flat describes the registrar's anonymous node. Once
// teardown has started no node is minted; the node sweep only runs
// once, so a late arrival would never be orphaned.
func (p *Proc) newNodeLocked(g innerGuard, flat *wire.FlatObject) *Node {
	var ptr, cookie uint64
	var flags uint32
	if flat != nil {
		ptr, cookie, flags = flat.Binder, flat.Cookie, flat.Flags
	}
	if n, ok := p.nodes.Get(ptr); ok {
		n.tmpRefs++
		return n
	}
	if p.isDead {
		return nil
	}
	n := &Node{
		debugID:     p.domain.nextID(),
		domain:      p.domain,
		proc:        p,
		ptr:         ptr,
		cookie:      cookie,
		minPriority: int32(flags & wire.FLAT_BINDER_FLAG_PRIORITY_MASK),
		acceptFDs:   flags&wire.FLAT_BINDER_FLAG_ACCEPTS_FDS != 0,
		tmpRefs:     1,
		refs:        make(map[*Ref]struct{}),
	}
	n.work.kind = workNode
	n.work.node = n
	p.nodes.Put(ptr, n)
	p.domain.statsCreated(objNode)
	p.domain.log.Debug("node created",
		zap.Uint32("pid", p.pid),
		zap.Uint64("node", n.debugID),
		zap.Uint64("ptr", n.ptr))
	return n
}

// getNodeLocked looks up a node by object address and pins it.
func (p *Proc) getNodeLocked(g innerGuard, ptr uint64) *Node {
	n, ok := p.nodes.Get(ptr)
	if !ok {
		return nil
	}
	n.tmpRefs++
	return n
}

// getNode looks up a node by object address and pins it.
func (p *Proc) getNode(ptr uint64) *Node {
	g := p.lockInner()
	defer p.unlockInner(g)
	return p.getNodeLocked(g, ptr)
}

// incLocked applies one reference increment. A strong internal
// increment with no prior internal refs requires a target thread to
// deliver the acquire event to, except on the registrar node, which is
// born acquired. A weak increment with the acquire event not yet
// queued likewise requires a target.
func (n *Node) incLocked(g nodeInnerGuard, strong, internal bool, target *Thread) error {
	if strong {
		if internal {
			if target == nil && n.internalStrong == 0 &&
				!(n.proc != nil && n.domain.registrar.Load() == n) {
				return fmt.Errorf("%w: invalid strong increment on node %d", ErrInvalid, n.debugID)
			}
			n.internalStrong++
		} else {
			n.localStrong++
		}
		if !n.hasStrong && target != nil {
			n.work.dequeue()
			target.todo.enqueue(&n.work)
		}
	} else {
		if !internal {
			n.localWeak++
		}
		if !n.hasWeak && !n.work.queued() {
			if target == nil {
				return fmt.Errorf("%w: invalid weak increment on node %d", ErrInvalid, n.debugID)
			}
			target.todo.enqueue(&n.work)
		}
	}
	return nil
}

// decLocked applies one reference decrement and reports whether the
// caller must free the node. If the owner still holds an acknowledged
// reference, a refcount event is queued instead of freeing.
func (n *Node) decLocked(g nodeInnerGuard, strong, internal bool) bool {
	if strong {
		if internal {
			n.internalStrong--
		} else {
			n.localStrong--
		}
		if n.localStrong != 0 || n.internalStrong != 0 {
			return false
		}
	} else {
		if !internal {
			n.localWeak--
		}
		if n.localWeak != 0 || n.tmpRefs != 0 || len(n.refs) != 0 {
			return false
		}
	}

	if n.proc != nil && (n.hasStrong || n.hasWeak) {
		if !n.work.queued() {
			n.proc.todo.enqueue(&n.work)
			n.proc.wakeupLocked(g.innerGuard)
		}
		return false
	}

	if len(n.refs) == 0 && n.localStrong == 0 && n.localWeak == 0 && n.tmpRefs == 0 {
		if n.proc != nil {
			n.work.dequeue()
			n.proc.nodes.Remove(n.ptr)
			n.domain.log.Debug("refless node deleted", zap.Uint64("node", n.debugID))
		} else {
			d := n.domain
			d.deadNodesMu.Lock()
			delete(d.deadNodes, n)
			d.deadNodesMu.Unlock()
			d.log.Debug("dead node deleted", zap.Uint64("node", n.debugID))
		}
		return true
	}
	return false
}

// inc is the unlocked form of incLocked.
func (n *Node) inc(strong, internal bool, target *Thread) error {
	g := n.lockInner()
	err := n.incLocked(g, strong, internal, target)
	n.unlockInner(g)
	return err
}

// dec is the unlocked form of decLocked and frees the node when it
// reports so.
func (n *Node) dec(strong, internal bool) {
	g := n.lockInner()
	free := n.decLocked(g, strong, internal)
	n.unlockInner(g)
	if free {
		n.freeNode()
	}
}

// incTmp pins the node against deletion.
func (n *Node) incTmp() {
	g := n.lockInner()
	n.tmpRefs++
	n.unlockInner(g)
}

// putTmp drops a temporary pin. Dropping the last liveness source frees
// the node: the decrement below changes no counter but runs the
// should-it-die check.
func (n *Node) putTmp() {
	g := n.lockInner()
	n.tmpRefs--
	if n.tmpRefs < 0 {
		panic("binder: node tmp refs underflow")
	}
	free := n.decLocked(g, false, true)
	n.unlockInner(g)
	if free {
		n.freeNode()
	}
}

func (n *Node) freeNode() {
	n.domain.statsDeleted(objNode)
}
