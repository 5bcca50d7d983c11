package binder

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/openbinder/openbinder/internal/ordered"
	"github.com/openbinder/openbinder/pkg/shm"
	"github.com/openbinder/openbinder/pkg/wire"
)

// Proc is one participant in a domain. All engine traffic flows
// through WriteRead; the remaining methods mirror the driver's
// session-level control surface.
type Proc struct {
	domain *Domain
	id     uint64
	pid    uint32
	uid    uint32
	name   string

	outer sync.Mutex // tier 1
	inner sync.Mutex // tier 3

	// GUARDED_BY(outer)
	refsByDesc *ordered.Map[uint32, *Ref]
	refsByNode *ordered.Map[uint64, *Ref]

	// GUARDED_BY(inner)
	threads          *ordered.Map[uint32, *Thread]
	nodes            *ordered.Map[uint64, *Node]
	todo             workList
	waiting          waitQueue
	deliveredDeath   workList
	buffers          *ordered.Map[uint64, *pendingBuffer]
	maxThreads       uint32
	requestedThreads uint32
	startedThreads   uint32
	tmpRefs          int
	isDead           bool

	defaultPriority int32

	alloc Allocator
	fds   DescriptorTable
	stats stats

	closed    atomic.Bool
	closeOnce sync.Once
}

// pendingBuffer tracks engine metadata for one reserved transfer
// buffer. GUARDED_BY(owner.inner) except buf and async, which are
// immutable after reservation.
type pendingBuffer struct {
	buf        *shm.Buffer
	debugID    uint64
	txn        *Transaction
	targetNode *Node
	async      bool
	allowFree  bool
}

// ID returns the participant's engine-assigned id.
func (p *Proc) ID() uint64 { return p.id }

// PID returns the participant's process id.
func (p *Proc) PID() uint32 { return p.pid }

// UID returns the participant's user id.
func (p *Proc) UID() uint32 { return p.uid }

// Name returns the participant's display name.
func (p *Proc) Name() string { return p.name }

// Identity returns the participant's identity triple.
func (p *Proc) Identity() Identity {
	return Identity{PID: p.pid, UID: p.uid, Name: p.name}
}

// WriteReadArgs is one exchange request. The write stream is consumed
// from WriteConsumed; events are produced up to ReadSize bytes, with
// ReadConsumed carrying the caller's cursor into its own event buffer
// (a non-zero cursor suppresses the leading no-op).
type WriteReadArgs struct {
	Write         []byte
	WriteConsumed uint64
	ReadSize      uint64
	ReadConsumed  uint64
	NonBlocking   bool
}

// WriteReadResult reports an exchange's outcome. It is meaningful even
// when WriteRead returns an error: consumed counts tell the caller
// where processing stopped, and Read holds events produced before the
// failure.
type WriteReadResult struct {
	WriteConsumed uint64
	Read          []byte
	ReadConsumed  uint64
}

// WriteRead executes the command stream in args.Write on thread tid,
// then fills the read side with pending events, blocking if the read
// side is empty and NonBlocking is unset. A write failure skips the
// read side and reports ReadConsumed zero.
func (p *Proc) WriteRead(ctx context.Context, tid uint32, args WriteReadArgs) (WriteReadResult, error) {
	var res WriteReadResult
	if p.closed.Load() {
		return res, ErrClosed
	}
	t := p.getThread(tid)
	if t == nil {
		return res, ErrClosed
	}

	// Pin the thread for the exchange so a concurrent Close cannot
	// free it under us.
	t.tmpRefs.Add(1)
	defer t.decTmpref()

	defer func() {
		g := p.lockInner()
		t.needReturn = false
		p.unlockInner(g)
	}()

	res.WriteConsumed = args.WriteConsumed
	res.ReadConsumed = args.ReadConsumed
	if uint64(len(args.Write)) > args.WriteConsumed {
		consumed, err := p.threadWrite(t, args.Write, args.WriteConsumed)
		res.WriteConsumed = consumed
		if err != nil {
			res.ReadConsumed = 0
			return res, err
		}
	}
	if args.ReadSize > args.ReadConsumed {
		out, err := p.threadRead(ctx, t, args.ReadSize-args.ReadConsumed, args.ReadConsumed, args.NonBlocking)
		res.Read = out
		res.ReadConsumed = args.ReadConsumed + uint64(len(out))

		g := p.lockInner()
		if !p.todo.empty() {
			p.wakeupLocked(g)
		}
		p.unlockInner(g)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// SetMaxThreads caps how many looper threads the engine may ask this
// participant to spawn. The cap starts at zero, so no spawn request is
// ever issued to a participant that does not opt in.
func (p *Proc) SetMaxThreads(n uint32) {
	g := p.lockInner()
	p.maxThreads = n
	p.unlockInner(g)
}

// Version returns the protocol version spoken by the engine.
func (p *Proc) Version() int32 { return wire.CurrentProtocolVersion }

// BecomeRegistrar claims the domain's registrar seat for this
// participant, minting the anonymous handle-zero node. The first
// successful claim pins the registrar UID for the domain's lifetime.
func (p *Proc) BecomeRegistrar() error {
	d := p.domain
	d.registrarMu.Lock()
	defer d.registrarMu.Unlock()
	if p.closed.Load() {
		return ErrClosed
	}
	if d.registrar.Load() != nil {
		d.log.Warn("registrar already set", zap.Uint32("pid", p.pid))
		return ErrBusy
	}
	if err := d.security.CheckSetRegistrar(p.Identity()); err != nil {
		return ErrPermission
	}
	if d.registrarUIDValid {
		if d.registrarUID != p.uid {
			d.log.Warn("registrar claim with wrong uid",
				zap.Uint32("uid", p.uid),
				zap.Uint32("pinned_uid", d.registrarUID))
			return ErrPermission
		}
	} else {
		d.registrarUID = p.uid
		d.registrarUIDValid = true
	}

	g := p.lockInner()
	node := p.newNodeLocked(g, nil)
	p.unlockInner(g)

	ng := node.lockNode()
	node.localWeak++
	node.localStrong++
	node.hasStrong = true
	node.hasWeak = true
	node.unlockNode(ng)
	d.registrar.Store(node)
	node.putTmp()

	d.log.Info("registrar set",
		zap.String("domain", d.name),
		zap.Uint32("pid", p.pid),
		zap.String("name", p.name))
	return nil
}

// ThreadExit retires thread tid, unwinding whatever calls it was part
// of. The tid may be reused afterwards; a later exchange mints a fresh
// thread.
func (p *Proc) ThreadExit(tid uint32) {
	g := p.lockInner()
	t := p.getThreadLocked(g, tid, false)
	p.unlockInner(g)
	if t != nil {
		p.releaseThread(t)
	}
}

// Flush kicks every parked thread out of its read, each returning to
// its caller with whatever it has.
func (p *Proc) Flush() {
	g := p.lockInner()
	p.threads.Ascend(func(_ uint32, t *Thread) bool {
		t.needReturn = true
		if t.looper&looperWaiting != 0 {
			t.wakeupLocked(g)
		}
		return true
	})
	p.unlockInner(g)
}

// LookupBuffer resolves a delivered buffer address in this
// participant's arena. Transports without a shared view of the arena
// use it to fetch transaction payloads on the receiver's behalf.
func (p *Proc) LookupBuffer(addr uint64) (*shm.Buffer, bool) {
	return p.alloc.Lookup(addr)
}

// Dead reports whether teardown has begun.
func (p *Proc) Dead() bool {
	g := p.lockInner()
	dead := p.isDead
	p.unlockInner(g)
	return dead
}

// selectThreadLocked pulls one thread off the wait queue, not yet
// woken, for targeted work placement.
func (p *Proc) selectThreadLocked(g innerGuard) *Thread {
	w := p.waiting.popLive()
	if w == nil {
		return nil
	}
	w.thread.waitingForProc = false
	return w.thread
}

// wakeupLocked wakes one thread parked on the participant-wide queue.
// With nobody parked the work sits until the next read.
func (p *Proc) wakeupLocked(g innerGuard) {
	if t := p.selectThreadLocked(g); t != nil {
		t.wakeupLocked(g)
	}
}

// registerBufferLocked makes a reservation visible to commands.
func (p *Proc) registerBufferLocked(g innerGuard, pb *pendingBuffer) {
	p.buffers.Put(pb.buf.Address(), pb)
}

// prepareToFreeLocked resolves a buffer address for freeing, detaching
// it so a racing second free cannot match it.
func (p *Proc) prepareToFreeLocked(g innerGuard, addr uint64) (*pendingBuffer, error) {
	pb, ok := p.buffers.Get(addr)
	if !ok {
		return nil, ErrInvalid
	}
	if !pb.allowFree {
		return nil, ErrPermission
	}
	p.buffers.Remove(addr)
	return pb, nil
}
