package binder

import (
	"sort"

	"github.com/openbinder/openbinder/pkg/shm"
	"github.com/openbinder/openbinder/pkg/wire"
)

// Snapshot types expose engine state for inspection. Each section is
// collected under the locks that guard it, so a section is internally
// consistent; state can move between sections while a snapshot is
// being assembled.

// DomainSnapshot is the full observable state of one domain.
type DomainSnapshot struct {
	Name               string                `json:"name"`
	RegistrarNode      uint64                `json:"registrar_node,omitempty"`
	Procs              []ProcSnapshot        `json:"procs"`
	DeadNodes          []NodeSnapshot        `json:"dead_nodes,omitempty"`
	Stats              statsSnapshot         `json:"stats"`
	Transactions       []TransactionLogEntry `json:"transactions,omitempty"`
	FailedTransactions []TransactionLogEntry `json:"failed_transactions,omitempty"`
}

// ProcSnapshot is one participant's state.
type ProcSnapshot struct {
	ID               uint64           `json:"id"`
	PID              uint32           `json:"pid"`
	UID              uint32           `json:"uid"`
	Name             string           `json:"name"`
	Dead             bool             `json:"dead,omitempty"`
	MaxThreads       uint32           `json:"max_threads"`
	RequestedThreads uint32           `json:"requested_threads"`
	StartedThreads   uint32           `json:"started_threads"`
	PendingWork      int              `json:"pending_work"`
	Threads          []ThreadSnapshot `json:"threads,omitempty"`
	Nodes            []NodeSnapshot   `json:"nodes,omitempty"`
	Refs             []RefSnapshot    `json:"refs,omitempty"`
	Buffers          []BufferSnapshot `json:"buffers,omitempty"`
	Arena            shm.Stats        `json:"arena"`
	Stats            statsSnapshot    `json:"stats"`
}

// ThreadSnapshot is one thread's state. Stack lists the debug ids of
// the call frames the thread sits on, innermost last.
type ThreadSnapshot struct {
	TID         uint32   `json:"tid"`
	Looper      []string `json:"looper,omitempty"`
	NeedReturn  bool     `json:"need_return,omitempty"`
	Parked      bool     `json:"parked,omitempty"`
	PendingWork int      `json:"pending_work,omitempty"`
	Stack       []uint64 `json:"stack,omitempty"`
}

// NodeSnapshot is one exported object's state.
type NodeSnapshot struct {
	DebugID        uint64 `json:"debug_id"`
	Ptr            uint64 `json:"ptr"`
	Cookie         uint64 `json:"cookie,omitempty"`
	InternalStrong int    `json:"internal_strong"`
	LocalStrong    int    `json:"local_strong"`
	LocalWeak      int    `json:"local_weak"`
	TmpRefs        int    `json:"tmp_refs"`
	Refs           int    `json:"refs"`
	HasStrong      bool   `json:"has_strong,omitempty"`
	HasWeak        bool   `json:"has_weak,omitempty"`
	PendingStrong  bool   `json:"pending_strong,omitempty"`
	PendingWeak    bool   `json:"pending_weak,omitempty"`
	AsyncActive    bool   `json:"async_active,omitempty"`
	AsyncQueued    int    `json:"async_queued,omitempty"`
}

// RefSnapshot is one held reference.
type RefSnapshot struct {
	DebugID    uint64 `json:"debug_id"`
	Desc       uint32 `json:"desc"`
	Node       uint64 `json:"node"`
	Strong     int    `json:"strong"`
	Weak       int    `json:"weak"`
	DeathArmed bool   `json:"death_armed,omitempty"`
}

// BufferSnapshot is one outstanding transfer buffer.
type BufferSnapshot struct {
	DebugID     uint64 `json:"debug_id"`
	Address     uint64 `json:"address"`
	DataSize    uint64 `json:"data_size"`
	OffsetsSize uint64 `json:"offsets_size"`
	ExtraSize   uint64 `json:"extra_size,omitempty"`
	Async       bool   `json:"async,omitempty"`
	AllowFree   bool   `json:"allow_free,omitempty"`
	Transaction uint64 `json:"transaction,omitempty"`
}

// TransactionLogEntry is one send from the domain's transaction ring.
type TransactionLogEntry struct {
	DebugID      uint64 `json:"debug_id"`
	CallType     string `json:"call_type"`
	FromPID      uint32 `json:"from_pid"`
	FromTID      uint32 `json:"from_tid"`
	ToPID        uint32 `json:"to_pid,omitempty"`
	ToTID        uint32 `json:"to_tid,omitempty"`
	ToNode       uint64 `json:"to_node,omitempty"`
	TargetHandle uint32 `json:"target_handle,omitempty"`
	DataSize     uint64 `json:"data_size"`
	OffsetsSize  uint64 `json:"offsets_size"`
	ReturnCode   string `json:"return_code,omitempty"`
	ReturnParam  int32  `json:"return_param,omitempty"`
	Pending      bool   `json:"pending,omitempty"`
}

func looperNames(l uint32) []string {
	var out []string
	if l&looperRegistered != 0 {
		out = append(out, "registered")
	}
	if l&looperEntered != 0 {
		out = append(out, "entered")
	}
	if l&looperExited != 0 {
		out = append(out, "exited")
	}
	if l&looperInvalid != 0 {
		out = append(out, "invalid")
	}
	if l&looperWaiting != 0 {
		out = append(out, "waiting")
	}
	return out
}

func logEntry(e ringEntry) TransactionLogEntry {
	out := TransactionLogEntry{
		DebugID:      e.debugID,
		CallType:     callTypeName(e.callType),
		FromPID:      e.fromProc,
		FromTID:      e.fromThread,
		ToPID:        e.toProc,
		ToTID:        e.toThread,
		ToNode:       e.toNode,
		TargetHandle: e.targetHandle,
		DataSize:     e.dataSize,
		OffsetsSize:  e.offsetsSize,
		Pending:      !e.done,
	}
	if e.returnError != 0 {
		out.ReturnCode = wire.EventName(e.returnError)
		out.ReturnParam = e.returnErrorParam
	}
	return out
}

func (n *Node) snapshotLocked(g nodeInnerGuard) NodeSnapshot {
	return NodeSnapshot{
		DebugID:        n.debugID,
		Ptr:            n.ptr,
		Cookie:         n.cookie,
		InternalStrong: n.internalStrong,
		LocalStrong:    n.localStrong,
		LocalWeak:      n.localWeak,
		TmpRefs:        n.tmpRefs,
		Refs:           len(n.refs),
		HasStrong:      n.hasStrong,
		HasWeak:        n.hasWeak,
		PendingStrong:  n.pendingStrong,
		PendingWeak:    n.pendingWeak,
		AsyncActive:    n.hasAsyncTxn,
		AsyncQueued:    len(n.asyncTodo.items),
	}
}

// Snapshot captures the participant's state.
func (p *Proc) Snapshot() ProcSnapshot {
	out := ProcSnapshot{
		ID:   p.id,
		PID:  p.pid,
		UID:  p.uid,
		Name: p.name,
	}

	og := p.lockOuter()
	p.refsByDesc.Ascend(func(_ uint32, r *Ref) bool {
		out.Refs = append(out.Refs, RefSnapshot{
			DebugID:    r.debugID,
			Desc:       r.desc,
			Node:       r.node.debugID,
			Strong:     r.strong,
			Weak:       r.weak,
			DeathArmed: r.death != nil,
		})
		return true
	})

	var nodes []*Node
	ig := p.lockInner()
	out.Dead = p.isDead
	out.MaxThreads = p.maxThreads
	out.RequestedThreads = p.requestedThreads
	out.StartedThreads = p.startedThreads
	out.PendingWork = len(p.todo.items)
	p.threads.Ascend(func(_ uint32, t *Thread) bool {
		ts := ThreadSnapshot{
			TID:         t.tid,
			Looper:      looperNames(t.looper),
			NeedReturn:  t.needReturn,
			Parked:      t.waiter != nil,
			PendingWork: len(t.todo.items),
		}
		for _, fr := range t.stack {
			ts.Stack = append(ts.Stack, fr.debugID)
		}
		out.Threads = append(out.Threads, ts)
		return true
	})
	p.nodes.Ascend(func(_ uint64, n *Node) bool {
		nodes = append(nodes, n)
		return true
	})
	p.buffers.Ascend(func(_ uint64, pb *pendingBuffer) bool {
		bs := BufferSnapshot{
			DebugID:     pb.debugID,
			Address:     pb.buf.Address(),
			DataSize:    pb.buf.DataSize(),
			OffsetsSize: pb.buf.OffsetsSize(),
			ExtraSize:   pb.buf.ExtraSize(),
			Async:       pb.async,
			AllowFree:   pb.allowFree,
		}
		if pb.txn != nil {
			bs.Transaction = pb.txn.debugID
		}
		out.Buffers = append(out.Buffers, bs)
		return true
	})
	p.unlockInner(ig)
	p.unlockOuter(og)

	for _, n := range nodes {
		g := n.lockInner()
		out.Nodes = append(out.Nodes, n.snapshotLocked(g))
		n.unlockInner(g)
	}

	out.Arena = p.alloc.Stats()
	out.Stats = p.stats.snapshot()
	return out
}

// Snapshot captures the domain's state: every participant, the orphaned
// nodes still kept alive by references, domain counters and the
// transaction rings.
func (d *Domain) Snapshot() DomainSnapshot {
	out := DomainSnapshot{Name: d.name}

	if node := d.registrar.Load(); node != nil {
		out.RegistrarNode = node.debugID
	}

	d.mu.Lock()
	procs := make([]*Proc, 0, len(d.procs))
	for _, p := range d.procs {
		procs = append(procs, p)
	}
	d.mu.Unlock()
	sort.Slice(procs, func(i, j int) bool { return procs[i].id < procs[j].id })
	out.Procs = make([]ProcSnapshot, 0, len(procs))
	for _, p := range procs {
		out.Procs = append(out.Procs, p.Snapshot())
	}

	d.deadNodesMu.Lock()
	dead := make([]*Node, 0, len(d.deadNodes))
	for n := range d.deadNodes {
		dead = append(dead, n)
	}
	d.deadNodesMu.Unlock()
	sort.Slice(dead, func(i, j int) bool { return dead[i].debugID < dead[j].debugID })
	for _, n := range dead {
		g := n.lockInner()
		out.DeadNodes = append(out.DeadNodes, n.snapshotLocked(g))
		n.unlockInner(g)
	}

	out.Stats = d.stats.snapshot()
	all, failed := d.ring.snapshot()
	for _, e := range all {
		out.Transactions = append(out.Transactions, logEntry(e))
	}
	for _, e := range failed {
		out.FailedTransactions = append(out.FailedTransactions, logEntry(e))
	}
	return out
}
