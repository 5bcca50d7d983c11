package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openbinder/openbinder/internal/build"
	"github.com/openbinder/openbinder/internal/concurrency"
	"github.com/openbinder/openbinder/pkg/binder"
	"github.com/openbinder/openbinder/pkg/telemetry"
	"github.com/openbinder/openbinder/pkg/wire"
)

// session is one connection's participant. Frames are decoded and
// dispatched by run's read loop; write-read exchanges execute on a
// bounded worker pool so a parked read never stalls the loop, and all
// responses funnel through the out channel to a single encoder.
type session struct {
	srv  *Server
	conn net.Conn
	id   string

	// domain and proc are set by the hello frame. Only the read loop
	// writes them, and workers are spawned only afterwards.
	domain *binder.Domain
	proc   *binder.Proc

	out chan *Frame
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		srv:  srv,
		conn: conn,
		id:   uuid.Must(uuid.NewRandom()).String(),
		out:  make(chan *Frame, srv.maxWorkers),
	}
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A canceled context must unblock the decoder too.
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	activeSessionsGauge.Inc()
	defer activeSessionsGauge.Dec()

	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		s.writeLoop(cancel)
	}()

	workers := concurrency.NewPool(ctx, s.srv.maxWorkers)

	dec := json.NewDecoder(s.conn)
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				s.srv.logger.Debug("session read failed",
					zap.String("session_id", s.id),
					zap.Error(err))
			}
			break
		}
		s.dispatch(ctx, workers, &f)
	}

	// Wake anything parked in a blocking read, wait the workers out,
	// then tear the participant down so its objects die and death
	// notifications fire.
	cancel()
	_ = workers.Wait()
	if s.proc != nil {
		s.proc.Close()
	}
	close(s.out)
	writers.Wait()
	_ = s.conn.Close()

	s.srv.logger.Debug("session closed", zap.String("session_id", s.id))
}

// writeLoop drains out until it closes. An encode failure means the
// peer is gone, so the session is canceled to unpark its workers.
func (s *session) writeLoop(cancel context.CancelFunc) {
	enc := json.NewEncoder(s.conn)
	for f := range s.out {
		if err := enc.Encode(f); err != nil {
			cancel()
		}
	}
}

func (s *session) dispatch(ctx context.Context, workers *pool.ContextPool, f *Frame) {
	switch f.Op {
	case OpHello, OpWriteRead, OpSetMaxThreads, OpBecomeRegistrar, OpThreadExit, OpVersion, OpSnapshot, OpFlush:
		framesTotalCounter.WithLabelValues(f.Op).Inc()
	default:
		framesTotalCounter.WithLabelValues("unknown").Inc()
		s.replyError(ctx, f, fmt.Errorf("unknown op '%s'", f.Op))
		return
	}

	if s.proc == nil && f.Op != OpHello && f.Op != OpVersion {
		s.replyError(ctx, f, fmt.Errorf("session has not joined a domain"))
		return
	}

	switch f.Op {
	case OpHello:
		s.hello(ctx, f)

	case OpVersion:
		s.reply(ctx, okFrame(f, mustMarshal(VersionResponse{
			Protocol: wire.CurrentProtocolVersion,
			Server:   build.Version,
		})))

	case OpWriteRead:
		var req WriteReadRequest
		if err := decodeBody(f, &req); err != nil {
			s.replyError(ctx, f, err)
			return
		}
		seq := f.Seq
		workers.Go(func(ctx context.Context) error {
			s.writeRead(ctx, seq, req)
			return nil
		})

	case OpSetMaxThreads:
		var req SetMaxThreadsRequest
		if err := decodeBody(f, &req); err != nil {
			s.replyError(ctx, f, err)
			return
		}
		s.proc.SetMaxThreads(req.Max)
		s.reply(ctx, okFrame(f, nil))

	case OpBecomeRegistrar:
		_, span := tracer.Start(ctx, "BecomeRegistrar", trace.WithAttributes(
			attribute.String("session_id", s.id),
			attribute.String("domain", s.domain.Name()),
		))
		err := s.proc.BecomeRegistrar()
		if err != nil {
			telemetry.TraceError(span, err)
			span.End()
			s.replyError(ctx, f, err)
			return
		}
		span.End()
		s.srv.logger.Info("registrar claimed",
			zap.String("domain", s.domain.Name()),
			zap.Uint32("pid", s.proc.PID()),
			zap.Uint32("uid", s.proc.UID()))
		s.reply(ctx, okFrame(f, nil))

	case OpThreadExit:
		var req ThreadExitRequest
		if err := decodeBody(f, &req); err != nil {
			s.replyError(ctx, f, err)
			return
		}
		s.proc.ThreadExit(req.TID)
		s.reply(ctx, okFrame(f, nil))

	case OpSnapshot:
		s.snapshot(ctx, f)

	case OpFlush:
		s.proc.Flush()
		s.reply(ctx, okFrame(f, nil))
	}
}

func (s *session) hello(ctx context.Context, f *Frame) {
	_, span := tracer.Start(ctx, "Hello", trace.WithAttributes(
		attribute.String("session_id", s.id),
	))
	defer span.End()

	if s.proc != nil {
		err := fmt.Errorf("session already joined domain '%s'", s.domain.Name())
		telemetry.TraceError(span, err)
		s.replyError(ctx, f, err)
		return
	}

	var req HelloRequest
	if err := decodeBody(f, &req); err != nil {
		telemetry.TraceError(span, err)
		s.replyError(ctx, f, err)
		return
	}

	name := req.Domain
	if name == "" {
		name = s.srv.defaultDomain
	}
	d, ok := s.srv.domains[name]
	if !ok {
		err := fmt.Errorf("unknown domain '%s'", name)
		telemetry.TraceError(span, err)
		s.replyError(ctx, f, err)
		return
	}

	proc, err := d.Open(binder.Identity{PID: req.PID, UID: req.UID, Name: req.Name})
	if err != nil {
		telemetry.TraceError(span, err)
		s.replyError(ctx, f, err)
		return
	}
	s.domain = d
	s.proc = proc

	span.SetAttributes(attribute.String("domain", name), attribute.Int("pid", int(req.PID)))
	s.srv.logger.Info("session joined",
		zap.String("session_id", s.id),
		zap.String("domain", name),
		zap.Uint32("pid", req.PID),
		zap.Uint32("uid", req.UID),
		zap.String("name", req.Name))

	s.reply(ctx, okFrame(f, mustMarshal(HelloResponse{
		SessionID: s.id,
		Domain:    name,
		Protocol:  wire.CurrentProtocolVersion,
	})))
}

func (s *session) writeRead(ctx context.Context, seq uint64, req WriteReadRequest) {
	ctx, span := tracer.Start(ctx, "WriteRead", trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.Int("tid", int(req.TID)),
		attribute.Int("write_bytes", len(req.Write)),
		attribute.Int64("read_size", int64(req.ReadSize)),
	))
	defer span.End()

	res, err := s.proc.WriteRead(ctx, req.TID, binder.WriteReadArgs{
		Write:         req.Write,
		WriteConsumed: req.WriteConsumed,
		ReadSize:      req.ReadSize,
		ReadConsumed:  req.ReadConsumed,
		NonBlocking:   req.NonBlocking,
	})

	// Consumed counts are reported even on failure so the caller can
	// tell where processing stopped.
	resp := WriteReadResponse{
		WriteConsumed: res.WriteConsumed,
		Read:          res.Read,
		ReadConsumed:  res.ReadConsumed,
	}
	if len(res.Read) > 0 {
		resp.Buffers = s.collectBuffers(res.Read)
	}
	out := &Frame{Op: OpWriteRead, Seq: seq, Body: mustMarshal(resp)}
	if err != nil {
		telemetry.TraceError(span, err)
		out.Error = err.Error()
		out.Errno = binder.Errno(err)
	}
	s.reply(ctx, out)
}

// collectBuffers copies delivered transaction payloads out of the
// participant's arena. The buffer stays reserved until the client
// frees it, so the copy cannot race a reuse.
func (s *session) collectBuffers(read []byte) map[string]BufferPayload {
	var out map[string]BufferPayload
	r := wire.NewEventReader(read)
	for r.More() {
		ev, err := r.Next()
		if err != nil {
			return out
		}
		if ev.Cmd != wire.BR_TRANSACTION && ev.Cmd != wire.BR_REPLY {
			continue
		}
		buf, ok := s.proc.LookupBuffer(ev.Txn.DataBuffer)
		if !ok {
			continue
		}
		if out == nil {
			out = map[string]BufferPayload{}
		}
		var p BufferPayload
		if data := buf.DataRegion(); len(data) > 0 {
			p.Data = append([]byte(nil), data...)
		}
		if offs := buf.OffsetsRegion(); len(offs) > 0 {
			p.Offsets = append([]byte(nil), offs...)
		}
		out[strconv.FormatUint(ev.Txn.DataBuffer, 10)] = p
	}
	return out
}

func (s *session) snapshot(ctx context.Context, f *Frame) {
	_, span := tracer.Start(ctx, "Snapshot", trace.WithAttributes(
		attribute.String("session_id", s.id),
	))
	defer span.End()

	var req SnapshotRequest
	if err := decodeBody(f, &req); err != nil {
		telemetry.TraceError(span, err)
		s.replyError(ctx, f, err)
		return
	}

	scope := req.Scope
	if scope == "" {
		scope = SnapshotScopeProc
	}

	var snap any
	switch scope {
	case SnapshotScopeProc:
		snap = s.proc.Snapshot()
	case SnapshotScopeDomain:
		snap = s.domain.Snapshot()
	default:
		err := fmt.Errorf("unknown snapshot scope '%s'", scope)
		telemetry.TraceError(span, err)
		s.replyError(ctx, f, err)
		return
	}
	span.SetAttributes(attribute.String("scope", scope))

	s.reply(ctx, okFrame(f, mustMarshal(snap)))
}

// decodeBody parses a frame body. A missing body decodes as the zero
// request.
func decodeBody[T any](f *Frame, dst *T) error {
	if len(f.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Body, dst); err != nil {
		return fmt.Errorf("malformed %s body: %w", f.Op, err)
	}
	return nil
}

func okFrame(req *Frame, body json.RawMessage) *Frame {
	return &Frame{Op: req.Op, Seq: req.Seq, Body: body}
}

func (s *session) reply(ctx context.Context, f *Frame) {
	if !concurrency.TrySendThroughChannel(ctx, f, s.out) {
		s.srv.logger.Debug("dropping session response",
			zap.String("session_id", s.id),
			zap.String("op", f.Op))
	}
}

func (s *session) replyError(ctx context.Context, req *Frame, err error) {
	s.reply(ctx, &Frame{Op: req.Op, Seq: req.Seq, Error: err.Error(), Errno: binder.Errno(err)})
}
