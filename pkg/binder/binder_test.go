package binder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openbinder/openbinder/pkg/shm"
	"github.com/openbinder/openbinder/pkg/wire"
)

// testPeer drives one participant through the exchange API with
// non-blocking reads, so multi-party flows run on a single goroutine
// in a deterministic order.
type testPeer struct {
	t    *testing.T
	proc *Proc
	tid  uint32
}

func newTestDomain(t *testing.T, opts ...Option) *Domain {
	t.Helper()
	d := New(t.Name(), opts...)
	t.Cleanup(d.Close)
	return d
}

func openPeer(t *testing.T, d *Domain, pid uint32, name string) *testPeer {
	t.Helper()
	p, err := d.Open(Identity{PID: pid, UID: pid, Name: name})
	require.NoError(t, err)
	return &testPeer{t: t, proc: p, tid: pid}
}

// setupRegistrar opens a peer, claims the registrar slot and enters the
// looper so work queued to the participant reaches its thread.
func setupRegistrar(t *testing.T, d *Domain, pid uint32) *testPeer {
	t.Helper()
	c := openPeer(t, d, pid, "registrar")
	require.NoError(t, c.proc.BecomeRegistrar())
	c.enterLooper()
	return c
}

// at returns a view of the same participant on a different thread id.
func (c *testPeer) at(tid uint32) *testPeer {
	return &testPeer{t: c.t, proc: c.proc, tid: tid}
}

// exchange runs one non-blocking write/read and decodes the produced
// events. An empty read queue surfaces as ErrTryAgain from the engine;
// both that and a clean read are fine here.
func (c *testPeer) exchange(w *wire.Writer) []wire.Event {
	c.t.Helper()
	events, err := c.exchangeErr(w)
	if err != nil {
		require.ErrorIs(c.t, err, ErrTryAgain)
	}
	return events
}

func (c *testPeer) exchangeErr(w *wire.Writer) ([]wire.Event, error) {
	c.t.Helper()
	args := WriteReadArgs{ReadSize: 4096, NonBlocking: true}
	if w != nil {
		args.Write = w.Bytes()
	}
	res, err := c.proc.WriteRead(context.Background(), c.tid, args)
	return decodeEvents(c.t, res.Read), err
}

func (c *testPeer) writeRead(args WriteReadArgs) (WriteReadResult, error) {
	return c.proc.WriteRead(context.Background(), c.tid, args)
}

// drain reads until the engine reports an empty queue, collecting
// everything delivered along the way.
func (c *testPeer) drain() []wire.Event {
	c.t.Helper()
	var out []wire.Event
	for {
		events, err := c.exchangeErr(nil)
		out = append(out, events...)
		if err != nil {
			return out
		}
	}
}

func (c *testPeer) enterLooper() {
	c.t.Helper()
	w := wire.NewWriter()
	w.EnterLooper()
	c.exchange(w)
}

// payload reads a delivered transaction's data section straight out of
// the receiver's arena.
func (c *testPeer) payload(td wire.TransactionData) []byte {
	c.t.Helper()
	buf := c.arenaBuffer(td.DataBuffer)
	out := make([]byte, len(buf.DataRegion()))
	copy(out, buf.DataRegion())
	return out
}

func (c *testPeer) arenaBuffer(addr uint64) *shm.Buffer {
	c.t.Helper()
	buf, ok := c.proc.alloc.Lookup(addr)
	require.True(c.t, ok, "no arena buffer at %#x", addr)
	return buf
}

// free returns a delivered buffer to the engine.
func (c *testPeer) free(addr uint64) {
	c.t.Helper()
	w := wire.NewWriter()
	w.FreeBuffer(addr)
	c.exchange(w)
}

func decodeEvents(t *testing.T, buf []byte) []wire.Event {
	t.Helper()
	var out []wire.Event
	r := wire.NewEventReader(buf)
	for r.More() {
		ev, err := r.Next()
		require.NoError(t, err)
		if ev.Cmd == wire.BR_NOOP {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// requireEvents asserts the exact command sequence of events, compared
// by name so a mismatch reads as protocol words.
func requireEvents(t *testing.T, events []wire.Event, want ...uint32) {
	t.Helper()
	got := make([]string, 0, len(events))
	for _, ev := range events {
		got = append(got, wire.EventName(ev.Cmd))
	}
	wantNames := make([]string, 0, len(want))
	for _, cmd := range want {
		wantNames = append(wantNames, wire.EventName(cmd))
	}
	require.Equal(t, wantNames, got)
}

// ackWriter answers node refcount events the way a proxy runtime
// would, confirming each increment the owner was told about. Returns
// nil when events carries nothing to confirm.
func ackWriter(events []wire.Event) *wire.Writer {
	w := wire.NewWriter()
	n := 0
	for _, ev := range events {
		switch ev.Cmd {
		case wire.BR_INCREFS:
			w.IncRefsDone(ev.Ptr, ev.Cookie)
			n++
		case wire.BR_ACQUIRE:
			w.AcquireDone(ev.Ptr, ev.Cookie)
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return w
}

// roundTrip drives one full synchronous call: send, deliver, reply and
// reply pickup, with both payload buffers freed. It returns the request
// as the callee saw it and the reply as the caller saw it.
//
// The sender's completion event is deferred, so the send itself reads
// empty and the completion arrives in one batch with the reply.
func roundTrip(t *testing.T, from, to *testPeer, handle, code uint32, data, replyData []byte) (wire.TransactionData, wire.TransactionData) {
	t.Helper()

	w := wire.NewWriter()
	w.Transaction(wire.TxnArgs{TargetHandle: handle, Code: code, Data: data})
	require.Empty(t, from.exchange(w))

	events := to.exchange(nil)
	require.NotEmpty(t, events)
	deliver := events[len(events)-1]
	require.Equal(t, wire.EventName(wire.BR_TRANSACTION), wire.EventName(deliver.Cmd))

	w = wire.NewWriter()
	w.FreeBuffer(deliver.Txn.DataBuffer)
	w.Reply(wire.TxnArgs{Code: code, Data: replyData})
	requireEvents(t, to.exchange(w), wire.BR_TRANSACTION_COMPLETE)

	events = from.exchange(nil)
	requireEvents(t, events, wire.BR_TRANSACTION_COMPLETE, wire.BR_REPLY)
	reply := events[1]
	from.free(reply.Txn.DataBuffer)
	return deliver.Txn, reply.Txn
}

// exportObject sends a one-way transaction from owner to the peer
// holding handle, carrying one strong object with the given ptr,
// cookie and object flags. The owner's refcount events are confirmed
// and the receiver's payload buffer freed, leaving the receiver with a
// live strong handle to the object. Returns the receiver-side
// descriptor.
func exportObject(t *testing.T, owner, to *testPeer, handle uint32, ptr, cookie uint64, flags uint32) uint32 {
	t.Helper()

	data := make([]byte, wire.FlatObjectSize)
	wire.PutFlatObject(data, wire.FlatObject{
		Type:   wire.BINDER_TYPE_BINDER,
		Flags:  flags,
		Binder: ptr,
		Cookie: cookie,
	})
	w := wire.NewWriter()
	w.Transaction(wire.TxnArgs{
		TargetHandle: handle,
		Flags:        wire.TF_ONE_WAY,
		Data:         data,
		Offsets:      []uint64{0},
	})
	events := owner.exchange(w)
	requireEvents(t, events, wire.BR_INCREFS, wire.BR_ACQUIRE, wire.BR_TRANSACTION_COMPLETE)
	owner.exchange(ackWriter(events))

	events = to.exchange(nil)
	require.Len(t, events, 1)
	require.Equal(t, wire.EventName(wire.BR_TRANSACTION), wire.EventName(events[0].Cmd))
	td := events[0].Txn

	fp := wire.GetFlatObject(to.payload(td))
	require.Equal(t, uint32(wire.BINDER_TYPE_HANDLE), fp.Type)

	// Take an own strong count before the buffer's goes away with the
	// free.
	w = wire.NewWriter()
	w.Acquire(fp.Handle)
	w.FreeBuffer(td.DataBuffer)
	to.exchange(w)
	return fp.Handle
}

func findProc(t *testing.T, snap DomainSnapshot, pid uint32) ProcSnapshot {
	t.Helper()
	for _, ps := range snap.Procs {
		if ps.PID == pid {
			return ps
		}
	}
	t.Fatalf("no participant with pid %d in snapshot", pid)
	return ProcSnapshot{}
}
