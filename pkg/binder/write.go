package binder

import (
	"errors"

	"go.uber.org/zap"

	"github.com/openbinder/openbinder/pkg/wire"
)

// threadWrite executes the command stream in buf, starting at consumed
// bytes in. The returned count covers fully executed commands only; a
// command that fails mid-parse leaves the count at the previous
// boundary. Most handler failures are not fatal to the stream: they are
// logged, or parked on the thread as a terminal event that the next
// read delivers, and the loop stops before the following command.
func (p *Proc) threadWrite(t *Thread, buf []byte, consumed uint64) (uint64, error) {
	d := p.domain
	s, err := wire.NewCommandStream(buf, consumed)
	if err != nil {
		return consumed, ErrFault
	}
	for s.More() {
		g := p.lockInner()
		stop := t.returnError.cmd != wire.BR_OK
		p.unlockInner(g)
		if stop {
			break
		}

		cmd, err := s.Command()
		if err != nil {
			return s.Consumed(), ErrFault
		}
		p.countBC(cmd)

		switch cmd {
		case wire.BC_INCREFS, wire.BC_ACQUIRE, wire.BC_RELEASE, wire.BC_DECREFS:
			target, err := s.U32()
			if err != nil {
				return s.Consumed(), ErrFault
			}
			strong := cmd == wire.BC_ACQUIRE || cmd == wire.BC_RELEASE
			increment := cmd == wire.BC_INCREFS || cmd == wire.BC_ACQUIRE

			var rdata refData
			handled := false
			if increment && target == 0 {
				if node := d.registrar.Load(); node != nil {
					ng := node.lockNode()
					owner := node.proc
					node.unlockNode(ng)
					if owner == p {
						d.log.Error("registrar tried to acquire handle 0",
							zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid))
						return s.Consumed(), ErrInvalid
					}
					rdata, err = p.incRefForNode(node, strong, nil)
					handled = true
				}
			}
			if !handled {
				rdata, err = p.updateRefForHandle(target, increment, strong)
			}
			if err == nil && rdata.desc != target {
				d.log.Error("refcount change resolved to a different descriptor",
					zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
					zap.Uint32("desc", target), zap.Uint32("resolved", rdata.desc))
			}
			if err != nil {
				d.log.Error("refcount change on invalid ref",
					zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
					zap.String("op", wire.CommandName(cmd)),
					zap.Uint32("desc", target), zap.Error(err))
				break
			}
			d.log.Debug("refcount change",
				zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
				zap.String("op", wire.CommandName(cmd)),
				zap.Uint64("ref", rdata.debugID), zap.Uint32("desc", rdata.desc),
				zap.Int("strong", rdata.strong), zap.Int("weak", rdata.weak))

		case wire.BC_INCREFS_DONE, wire.BC_ACQUIRE_DONE:
			pc, err := s.PtrCookie()
			if err != nil {
				return s.Consumed(), ErrFault
			}
			p.refIncrementDone(t, cmd, pc)

		case wire.BC_ATTEMPT_ACQUIRE, wire.BC_ACQUIRE_RESULT:
			d.log.Error("unsupported command",
				zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
				zap.String("cmd", wire.CommandName(cmd)))
			return s.Consumed(), ErrInvalid

		case wire.BC_FREE_BUFFER:
			addr, err := s.U64()
			if err != nil {
				return s.Consumed(), ErrFault
			}
			p.freeBuffer(t, addr)

		case wire.BC_TRANSACTION, wire.BC_REPLY:
			tr, err := s.TransactionData()
			if err != nil {
				return s.Consumed(), ErrFault
			}
			p.transactionCommand(t, tr, 0, cmd == wire.BC_REPLY, buf)

		case wire.BC_TRANSACTION_SG, wire.BC_REPLY_SG:
			sg, err := s.TransactionDataSG()
			if err != nil {
				return s.Consumed(), ErrFault
			}
			p.transactionCommand(t, sg.TransactionData, sg.BuffersSize, cmd == wire.BC_REPLY_SG, buf)

		case wire.BC_REGISTER_LOOPER:
			g := p.lockInner()
			if t.looper&looperEntered != 0 {
				t.looper |= looperInvalid
				d.log.Error("looper registered after entering",
					zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid))
			} else if p.requestedThreads == 0 {
				t.looper |= looperInvalid
				d.log.Error("looper registered without a spawn request",
					zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid))
			} else {
				p.requestedThreads--
				p.startedThreads++
			}
			t.looper |= looperRegistered
			p.unlockInner(g)
			d.log.Debug("looper registered",
				zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid))

		case wire.BC_ENTER_LOOPER:
			g := p.lockInner()
			if t.looper&looperRegistered != 0 {
				t.looper |= looperInvalid
				d.log.Error("looper entered after registering",
					zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid))
			}
			t.looper |= looperEntered
			p.unlockInner(g)
			d.log.Debug("looper entered",
				zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid))

		case wire.BC_EXIT_LOOPER:
			g := p.lockInner()
			t.looper |= looperExited
			p.unlockInner(g)
			d.log.Debug("looper exited",
				zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid))

		case wire.BC_REQUEST_DEATH_NOTIFICATION, wire.BC_CLEAR_DEATH_NOTIFICATION:
			hc, err := s.HandleCookie()
			if err != nil {
				return s.Consumed(), ErrFault
			}
			if cmd == wire.BC_REQUEST_DEATH_NOTIFICATION {
				p.requestDeathNotification(t, hc)
			} else {
				p.clearDeathNotification(t, hc)
			}

		case wire.BC_DEAD_BINDER_DONE:
			cookie, err := s.U64()
			if err != nil {
				return s.Consumed(), ErrFault
			}
			p.deadBinderDone(t, cookie)

		default:
			d.log.Error("unknown command",
				zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
				zap.Uint32("cmd", cmd))
			return s.Consumed(), ErrInvalid
		}
		s.Commit()
	}
	return s.Consumed(), nil
}

// refIncrementDone retires the acquire event for a node, dropping the
// count that kept the node pinned while the event awaited this command.
func (p *Proc) refIncrementDone(t *Thread, cmd uint32, pc wire.PtrCookie) {
	d := p.domain
	node := p.getNode(pc.Ptr)
	if node == nil {
		d.log.Error("increment done with no matching node",
			zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
			zap.String("cmd", wire.CommandName(cmd)),
			zap.Uint64("ptr", pc.Ptr))
		return
	}
	defer node.putTmp()
	if pc.Cookie != node.cookie {
		d.log.Error("increment done cookie mismatch",
			zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
			zap.String("cmd", wire.CommandName(cmd)),
			zap.Uint64("node", node.debugID),
			zap.Uint64("cookie", pc.Cookie), zap.Uint64("node_cookie", node.cookie))
		return
	}
	strong := cmd == wire.BC_ACQUIRE_DONE
	g := node.lockInner()
	if strong {
		if !node.pendingStrong {
			d.log.Error("acquire done with no pending acquire",
				zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
				zap.Uint64("node", node.debugID))
			node.unlockInner(g)
			return
		}
		node.pendingStrong = false
	} else {
		if !node.pendingWeak {
			d.log.Error("increment done with no pending increment",
				zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
				zap.Uint64("node", node.debugID))
			node.unlockInner(g)
			return
		}
		node.pendingWeak = false
	}
	free := node.decLocked(g, strong, false)
	if free {
		d.log.Warn("increment done freed its node",
			zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
			zap.Uint64("node", node.debugID))
	}
	d.log.Debug("increment done",
		zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
		zap.String("cmd", wire.CommandName(cmd)),
		zap.Uint64("node", node.debugID),
		zap.Int("local_strong", node.localStrong),
		zap.Int("local_weak", node.localWeak),
		zap.Int("tmp_refs", node.tmpRefs))
	node.unlockInner(g)
}

// freeBuffer returns one received payload buffer to the arena, dropping
// the references its objects carried and releasing the next queued
// one-way transaction aimed at the same node.
func (p *Proc) freeBuffer(t *Thread, addr uint64) {
	d := p.domain
	g := p.lockInner()
	pb, err := p.prepareToFreeLocked(g, addr)
	if err != nil {
		p.unlockInner(g)
		if errors.Is(err, ErrPermission) {
			d.log.Error("free of an unreturned buffer",
				zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
				zap.Uint64("addr", addr))
		} else {
			d.log.Error("free with no matching buffer",
				zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
				zap.Uint64("addr", addr))
		}
		return
	}
	if pb.txn != nil {
		pb.txn.buffer = nil
		pb.txn = nil
	}
	p.unlockInner(g)
	d.log.Debug("buffer freed",
		zap.Uint32("pid", p.pid), zap.Uint32("tid", t.tid),
		zap.Uint64("buffer_id", pb.debugID), zap.Uint64("addr", addr))

	if pb.async && pb.targetNode != nil {
		node := pb.targetNode
		ng := node.lockInner()
		switch {
		case node.proc == nil:
			// Orphaned by a concurrent teardown; the queue behind it
			// was already failed back.
		case node.proc != p:
			panic("binder: one-way buffer aimed at a foreign node")
		default:
			if !node.hasAsyncTxn {
				panic("binder: one-way buffer freed with none in flight")
			}
			if w := node.asyncTodo.dequeueHead(); w != nil {
				p.todo.enqueue(w)
				p.wakeupLocked(ng.innerGuard)
			} else {
				node.hasAsyncTxn = false
			}
		}
		node.unlockInner(ng)
	}
	p.releaseBufferObjects(pb, 0, false)
	p.alloc.Release(pb.buf)
	arenaReservedGauge.WithLabelValues(d.name).Sub(float64(pb.buf.Size()))
}
