package binder

// Lock guards. Functions whose contract requires a caller-held lock
// take one of these as a parameter; the only way to obtain one is the
// corresponding lock method, so a guard in hand is proof the lock is
// held. See the package comment for the tier order.

// procGuard proves the participant's outer lock is held.
type procGuard struct{}

// innerGuard proves the participant's inner lock is held.
type innerGuard struct{}

// nodeGuard proves the node lock is held.
type nodeGuard struct{}

// nodeInnerGuard proves the node lock is held together with the
// owner's inner lock. For an orphaned node there is no owner and the
// inner component is vacuous.
type nodeInnerGuard struct {
	nodeGuard
	innerGuard
}

func (p *Proc) lockOuter() procGuard {
	p.outer.Lock()
	return procGuard{}
}

func (p *Proc) unlockOuter(procGuard) {
	p.outer.Unlock()
}

func (p *Proc) lockInner() innerGuard {
	p.inner.Lock()
	return innerGuard{}
}

func (p *Proc) unlockInner(innerGuard) {
	p.inner.Unlock()
}

func (n *Node) lockNode() nodeGuard {
	n.mu.Lock()
	return nodeGuard{}
}

func (n *Node) unlockNode(nodeGuard) {
	n.mu.Unlock()
}

// lockInner acquires the node lock and, if the node still has an
// owner, the owner's inner lock. The owner pointer is stable once the
// node lock is held: clearing it requires both locks.
func (n *Node) lockInner() nodeInnerGuard {
	ng := n.lockNode()
	if n.proc != nil {
		n.proc.inner.Lock()
	}
	return nodeInnerGuard{nodeGuard: ng}
}

func (n *Node) unlockInner(g nodeInnerGuard) {
	if n.proc != nil {
		n.proc.inner.Unlock()
	}
	n.unlockNode(g.nodeGuard)
}
