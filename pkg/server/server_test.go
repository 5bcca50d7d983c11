package server_test

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"github.com/openbinder/openbinder/internal/build"
	"github.com/openbinder/openbinder/pkg/binder"
	"github.com/openbinder/openbinder/pkg/server"
	"github.com/openbinder/openbinder/pkg/storage"
	"github.com/openbinder/openbinder/pkg/storage/memory"
	"github.com/openbinder/openbinder/pkg/wire"
)

// startServer runs a server on a unix socket in a test directory and
// returns the socket path.
func startServer(t *testing.T, opts ...server.ServerOption) string {
	t.Helper()

	srv := server.MustNewServerWithOpts(opts...)
	path := filepath.Join(t.TempDir(), "daemon.sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), l) }()
	t.Cleanup(func() {
		_ = l.Close()
		srv.Close()
		require.NoError(t, <-done)
	})

	return path
}

// testClient speaks the session protocol over one connection. Calls
// are sequential; send and recv are split so a test can hold an
// exchange open while driving another connection.
type testClient struct {
	t    *testing.T
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
	seq  uint64
}

func dialServer(t *testing.T, path string) *testClient {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, enc: json.NewEncoder(conn), dec: json.NewDecoder(conn)}
}

func (c *testClient) send(op string, body any) uint64 {
	c.t.Helper()
	c.seq++
	f := server.Frame{Op: op, Seq: c.seq}
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		f.Body = raw
	}
	require.NoError(c.t, c.enc.Encode(&f))
	return c.seq
}

func (c *testClient) recv() server.Frame {
	c.t.Helper()
	var f server.Frame
	require.NoError(c.t, c.dec.Decode(&f))
	return f
}

// call sends one frame and waits for its response.
func (c *testClient) call(op string, body any) server.Frame {
	c.t.Helper()
	seq := c.send(op, body)
	f := c.recv()
	require.Equal(c.t, op, f.Op)
	require.Equal(c.t, seq, f.Seq)
	return f
}

// callOK is call plus an assertion that the response is not an error.
func (c *testClient) callOK(op string, body any) server.Frame {
	c.t.Helper()
	f := c.call(op, body)
	require.Empty(c.t, f.Error)
	return f
}

func (c *testClient) hello(domain string, pid uint32, name string) server.HelloResponse {
	c.t.Helper()
	f := c.callOK(server.OpHello, server.HelloRequest{Domain: domain, PID: pid, UID: pid, Name: name})
	var resp server.HelloResponse
	require.NoError(c.t, json.Unmarshal(f.Body, &resp))
	return resp
}

func (c *testClient) writeRead(req server.WriteReadRequest) (server.WriteReadResponse, server.Frame) {
	c.t.Helper()
	f := c.call(server.OpWriteRead, req)
	var resp server.WriteReadResponse
	if len(f.Body) > 0 {
		require.NoError(c.t, json.Unmarshal(f.Body, &resp))
	}
	return resp, f
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

func payloadOf(t *testing.T, resp server.WriteReadResponse, td wire.TransactionData) []byte {
	t.Helper()
	p, ok := resp.Buffers[strconv.FormatUint(td.DataBuffer, 10)]
	require.True(t, ok, "no payload for buffer %#x", td.DataBuffer)
	return p.Data
}

func TestServerEndToEndTransaction(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	path := startServer(t, server.WithDomains("binder"))

	reg := dialServer(t, path)
	joined := reg.hello("", 100, "registrar")
	require.Equal(t, "binder", joined.Domain)
	require.Equal(t, int32(wire.CurrentProtocolVersion), joined.Protocol)
	_, err := uuid.Parse(joined.SessionID)
	require.NoError(t, err)

	reg.callOK(server.OpBecomeRegistrar, nil)

	w := wire.NewWriter()
	w.EnterLooper()
	_, f := reg.writeRead(server.WriteReadRequest{TID: 100, Write: w.Bytes()})
	require.Empty(t, f.Error)

	// Park the registrar in a blocking read, then drive the client's
	// call from this goroutine.
	regSeq := reg.send(server.OpWriteRead, server.WriteReadRequest{TID: 100, ReadSize: 4096})

	cli := dialServer(t, path)
	cli.hello("binder", 200, "client")

	w = wire.NewWriter()
	w.Transaction(wire.TxnArgs{TargetHandle: 0, Code: 7, Data: []byte("ping")})
	cliSeq := cli.send(server.OpWriteRead, server.WriteReadRequest{TID: 200, Write: w.Bytes(), ReadSize: 4096})

	// The registrar's parked read wakes with the delivered call and its
	// payload, fetched out of the arena on the receiver's behalf.
	in := reg.recv()
	require.Equal(t, regSeq, in.Seq)
	require.Empty(t, in.Error)
	var inResp server.WriteReadResponse
	require.NoError(t, json.Unmarshal(in.Body, &inResp))
	events := decodeEvents(t, inResp.Read)
	requireEvents(t, events, wire.BR_TRANSACTION)
	td := events[0].Txn
	require.Equal(t, uint32(7), td.Code)
	require.Equal(t, int32(200), td.SenderPID)
	require.Equal(t, []byte("ping"), payloadOf(t, inResp, td))

	w = wire.NewWriter()
	w.FreeBuffer(td.DataBuffer)
	w.Reply(wire.TxnArgs{Code: 7, Data: []byte("pong")})
	regResp, regFrame := reg.writeRead(server.WriteReadRequest{TID: 100, Write: w.Bytes(), ReadSize: 4096})
	require.Empty(t, regFrame.Error)
	requireEvents(t, decodeEvents(t, regResp.Read), wire.BR_TRANSACTION_COMPLETE)

	// The client's one outstanding exchange completes with the reply.
	out := cli.recv()
	require.Equal(t, cliSeq, out.Seq)
	require.Empty(t, out.Error)
	var outResp server.WriteReadResponse
	require.NoError(t, json.Unmarshal(out.Body, &outResp))
	events = decodeEvents(t, outResp.Read)
	requireEvents(t, events, wire.BR_TRANSACTION_COMPLETE, wire.BR_REPLY)
	reply := events[1].Txn
	require.Equal(t, []byte("pong"), payloadOf(t, outResp, reply))

	w = wire.NewWriter()
	w.FreeBuffer(reply.DataBuffer)
	_, f = cli.writeRead(server.WriteReadRequest{TID: 200, Write: w.Bytes()})
	require.Empty(t, f.Error)

	snap := cli.callOK(server.OpSnapshot, server.SnapshotRequest{Scope: server.SnapshotScopeDomain})
	require.Equal(t, "binder", gjson.GetBytes(snap.Body, "name").String())
	require.EqualValues(t, 2, gjson.GetBytes(snap.Body, "procs.#").Int())
	require.EqualValues(t, 2, gjson.GetBytes(snap.Body, "stats.proc").Int())
	require.EqualValues(t, 1, gjson.GetBytes(snap.Body, "stats.node").Int())
}

func TestVersionBeforeHello(t *testing.T) {
	path := startServer(t)

	c := dialServer(t, path)
	f := c.callOK(server.OpVersion, nil)
	require.EqualValues(t, wire.CurrentProtocolVersion, gjson.GetBytes(f.Body, "protocol").Int())
	require.Equal(t, build.Version, gjson.GetBytes(f.Body, "server").String())

	c.hello("", 1, "late")
}

func TestOpsRequireHello(t *testing.T) {
	path := startServer(t)

	c := dialServer(t, path)
	f := c.call(server.OpSnapshot, nil)
	require.Equal(t, "session has not joined a domain", f.Error)
	require.Equal(t, int32(-22), f.Errno)
}

func TestDoubleHelloFails(t *testing.T) {
	path := startServer(t)

	c := dialServer(t, path)
	c.hello("", 1, "first")

	f := c.call(server.OpHello, server.HelloRequest{PID: 1})
	require.Contains(t, f.Error, "already joined")
}

func TestUnknownDomain(t *testing.T) {
	path := startServer(t, server.WithDomains("binder", "hwbinder"))

	c := dialServer(t, path)
	f := c.call(server.OpHello, server.HelloRequest{Domain: "vndbinder", PID: 1})
	require.Equal(t, "unknown domain 'vndbinder'", f.Error)

	resp := c.hello("hwbinder", 1, "hw")
	require.Equal(t, "hwbinder", resp.Domain)
}

func TestUnknownOp(t *testing.T) {
	path := startServer(t)

	c := dialServer(t, path)
	f := c.call("bogus", nil)
	require.Equal(t, "unknown op 'bogus'", f.Error)
	require.Equal(t, int32(-22), f.Errno)
}

func TestNonBlockingReadReportsNoWork(t *testing.T) {
	path := startServer(t)

	c := dialServer(t, path)
	c.hello("", 5, "poller")

	_, f := c.writeRead(server.WriteReadRequest{TID: 5, ReadSize: 4096, NonBlocking: true})
	require.NotEmpty(t, f.Error)
	require.Equal(t, int32(-11), f.Errno)
}

func TestSnapshotScopes(t *testing.T) {
	path := startServer(t, server.WithArenaCapacity(8192))

	c := dialServer(t, path)
	c.hello("", 42, "worker")
	c.callOK(server.OpSetMaxThreads, server.SetMaxThreadsRequest{Max: 4})

	// An exchange on a thread id brings the thread into existence.
	_, f := c.writeRead(server.WriteReadRequest{TID: 7})
	require.Empty(t, f.Error)

	snap := c.callOK(server.OpSnapshot, nil)
	require.EqualValues(t, 42, gjson.GetBytes(snap.Body, "pid").Int())
	require.Equal(t, "worker", gjson.GetBytes(snap.Body, "name").String())
	require.EqualValues(t, 4, gjson.GetBytes(snap.Body, "max_threads").Int())
	require.EqualValues(t, 1, gjson.GetBytes(snap.Body, "threads.#").Int())
	require.EqualValues(t, 8192, gjson.GetBytes(snap.Body, "arena.capacity").Int())

	c.callOK(server.OpThreadExit, server.ThreadExitRequest{TID: 7})
	snap = c.callOK(server.OpSnapshot, server.SnapshotRequest{Scope: server.SnapshotScopeProc})
	require.EqualValues(t, 0, gjson.GetBytes(snap.Body, "threads.#").Int())

	f = c.call(server.OpSnapshot, server.SnapshotRequest{Scope: "galaxy"})
	require.Equal(t, "unknown snapshot scope 'galaxy'", f.Error)
}

func TestFlushUnparksABlockedRead(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	path := startServer(t)

	c := dialServer(t, path)
	c.hello("", 9, "sleeper")

	// Prime the thread so the flush has something to kick.
	_, f := c.writeRead(server.WriteReadRequest{TID: 9})
	require.Empty(t, f.Error)

	readSeq := c.send(server.OpWriteRead, server.WriteReadRequest{TID: 9, ReadSize: 4096})
	flushSeq := c.send(server.OpFlush, nil)

	byOp := map[string]server.Frame{}
	for range 2 {
		f := c.recv()
		byOp[f.Op] = f
	}

	require.Equal(t, flushSeq, byOp[server.OpFlush].Seq)
	require.Empty(t, byOp[server.OpFlush].Error)

	read := byOp[server.OpWriteRead]
	require.Equal(t, readSeq, read.Seq)
	require.Empty(t, read.Error)
	var resp server.WriteReadResponse
	require.NoError(t, json.Unmarshal(read.Body, &resp))
	require.Empty(t, decodeEvents(t, resp.Read))
}

func TestRegistrarUIDPolicy(t *testing.T) {
	path := startServer(t, server.WithSecurityPolicy(binder.RegistrarUIDPolicy{UID: 1000}))

	denied := dialServer(t, path)
	denied.hello("", 42, "pretender")
	f := denied.call(server.OpBecomeRegistrar, nil)
	require.Equal(t, int32(-1), f.Errno)

	allowed := dialServer(t, path)
	allowed.hello("", 1000, "system")
	allowed.callOK(server.OpBecomeRegistrar, nil)
}

func TestDisconnectTearsDownParticipant(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	path := startServer(t)

	a := dialServer(t, path)
	a.hello("", 1, "ephemeral")
	b := dialServer(t, path)
	b.hello("", 2, "watcher")

	require.NoError(t, a.conn.Close())

	// Teardown runs on the server once the broken session unwinds, so
	// poll the domain through the surviving one.
	require.Eventually(t, func() bool {
		seq := b.send(server.OpSnapshot, server.SnapshotRequest{Scope: server.SnapshotScopeDomain})
		f := b.recv()
		if f.Seq != seq || f.Error != "" {
			return false
		}
		return gjson.GetBytes(f.Body, "procs.#").Int() == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFailedTransactionReachesDatastore(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	store := memory.New()
	path := startServer(t, server.WithDatastore(store), server.WithDomains("binder"))

	c := dialServer(t, path)
	c.hello("", 200, "client")

	w := wire.NewWriter()
	w.Transaction(wire.TxnArgs{TargetHandle: 42, Code: 1})
	resp, f := c.writeRead(server.WriteReadRequest{TID: 200, Write: w.Bytes(), ReadSize: 4096})
	require.Empty(t, f.Error)
	requireEvents(t, decodeEvents(t, resp.Read), wire.BR_FAILED_REPLY)

	var rec storage.TransactionRecord
	require.Eventually(t, func() bool {
		recs, err := store.Last(context.Background(), 1)
		if err != nil || len(recs) == 0 {
			return false
		}
		rec = recs[0]
		return true
	}, 2*time.Second, 20*time.Millisecond)

	require.Equal(t, "binder", rec.Domain)
	require.Equal(t, storage.CallTypeCall, rec.CallType)
	require.Equal(t, uint32(200), rec.FromPID)
	require.Equal(t, uint32(wire.BR_FAILED_REPLY), rec.ReturnCode)
	require.Equal(t, int32(-22), rec.ReturnParam)
}

func TestCloseUnblocksParkedSessions(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	srv := server.MustNewServerWithOpts()
	path := filepath.Join(t.TempDir(), "daemon.sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), l) }()

	c := dialServer(t, path)
	c.hello("", 3, "parked")
	c.send(server.OpWriteRead, server.WriteReadRequest{TID: 3, ReadSize: 4096})

	_ = l.Close()
	srv.Close()
	require.NoError(t, <-done)

	var f server.Frame
	require.Error(t, c.dec.Decode(&f))
}

func TestServerConstruction(t *testing.T) {
	t.Run("rejects_duplicate_domains", func(t *testing.T) {
		_, err := server.NewServerWithOpts(server.WithDomains("binder", "binder"))
		require.ErrorContains(t, err, "more than once")
	})

	t.Run("rejects_empty_domain_names", func(t *testing.T) {
		_, err := server.NewServerWithOpts(server.WithDomains(""))
		require.ErrorContains(t, err, "cannot be empty")
	})

	t.Run("rejects_zero_workers", func(t *testing.T) {
		_, err := server.NewServerWithOpts(server.WithMaxWorkers(-1))
		require.Error(t, err)
	})

	t.Run("must_variant_panics", func(t *testing.T) {
		require.Panics(t, func() {
			server.MustNewServerWithOpts(server.WithDomains("binder", "binder"))
		})
	})

	t.Run("is_ready_without_a_datastore", func(t *testing.T) {
		srv := server.MustNewServerWithOpts()
		defer srv.Close()
		ready, err := srv.IsReady(context.Background())
		require.NoError(t, err)
		require.True(t, ready)
	})
}
