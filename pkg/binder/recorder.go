package binder

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/openbinder/openbinder/pkg/storage"
)

const (
	recorderQueueSize     = 256
	recorderAppendTimeout = 5 * time.Second
)

// recorder moves failure records from the engine to the configured
// store on its own goroutine. The failure path never waits on the
// store; with the queue full the record is dropped and counted.
type recorder struct {
	d     *Domain
	store storage.RecordStore

	ch     chan storage.TransactionRecord
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newRecorder(d *Domain, store storage.RecordStore) *recorder {
	ctx, cancel := context.WithCancel(context.Background())
	r := &recorder{
		d:      d,
		store:  store,
		ch:     make(chan storage.TransactionRecord, recorderQueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// close stops the recorder after persisting whatever is already
// queued. The store itself belongs to whoever constructed it.
func (r *recorder) close() {
	r.cancel()
	<-r.done
}

func (r *recorder) run() {
	defer close(r.done)
	for {
		select {
		case rec := <-r.ch:
			r.append(rec)
		case <-r.ctx.Done():
			for {
				select {
				case rec := <-r.ch:
					r.append(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *recorder) append(rec storage.TransactionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), recorderAppendTimeout)
	defer cancel()
	if err := r.store.Append(ctx, rec); err != nil {
		r.d.log.Warn("failure record append failed",
			zap.String("record_id", rec.ID),
			zap.Uint64("debug_id", rec.DebugID),
			zap.Error(err))
	}
}

func (r *recorder) record(entry ringEntry, payload []byte) {
	rec := storage.TransactionRecord{
		ID:           storage.NewRecordID(),
		DebugID:      entry.debugID,
		Domain:       entry.domain,
		CallType:     callTypeName(entry.callType),
		FromPID:      entry.fromProc,
		FromTID:      entry.fromThread,
		ToPID:        entry.toProc,
		ToTID:        entry.toThread,
		TargetHandle: entry.targetHandle,
		ToNode:       entry.toNode,
		DataSize:     entry.dataSize,
		OffsetsSize:  entry.offsetsSize,
		ReturnCode:   entry.returnError,
		ReturnParam:  entry.returnErrorParam,
		CreatedAt:    time.Now().UTC(),
	}
	if len(payload) > 0 {
		rec.PayloadDigest = xxhash.Sum64(payload)
	}
	select {
	case r.ch <- rec:
	default:
		recordDropsCounter.WithLabelValues(r.d.name).Inc()
		r.d.log.Warn("failure record dropped",
			zap.Uint64("debug_id", entry.debugID))
	}
}

func callTypeName(ct int32) string {
	switch ct {
	case 1:
		return storage.CallTypeAsync
	case 2:
		return storage.CallTypeReply
	default:
		return storage.CallTypeCall
	}
}

// recordFailure hands one failed send to the recorder, if one is
// configured.
func (d *Domain) recordFailure(entry ringEntry, payload []byte) {
	if d.recorder == nil {
		return
	}
	d.recorder.record(entry, payload)
}
