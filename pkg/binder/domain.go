package binder

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/openbinder/openbinder/internal/ordered"
	"github.com/openbinder/openbinder/pkg/logger"
	"github.com/openbinder/openbinder/pkg/storage"
)

// Identity names a participant: the caller-asserted process and user
// ids plus a display name for logs and snapshots.
type Identity struct {
	PID  uint32 `json:"pid"`
	UID  uint32 `json:"uid"`
	Name string `json:"name"`
}

// Domain is one isolated object-reference universe. Participants in
// the same domain exchange transactions and references; participants
// in different domains never see each other.
type Domain struct {
	name string
	log  logger.Logger

	security   SecurityPolicy
	priorities PriorityController

	allocFactory func(domain string, id Identity) Allocator
	fdFactory    func(id Identity) DescriptorTable

	mu     sync.Mutex
	procs  map[uint64]*Proc
	closed bool

	lastID atomic.Uint64

	// registrar is read lock-free on refcount hot paths; writes and
	// the UID pin are serialized by registrarMu, which is taken ahead
	// of every tiered lock.
	registrarMu       sync.Mutex
	registrar         atomic.Pointer[Node]
	registrarUID      uint32
	registrarUIDValid bool

	// deadNodesMu guards membership only; an orphaned node's counters
	// stay behind its own lock.
	deadNodesMu sync.Mutex
	deadNodes   map[*Node]struct{}

	stats stats

	ring        *ringLog
	recordStore storage.RecordStore
	recorder    *recorder
}

// New creates a domain. The zero configuration runs with a no-op
// logger, an allow-all security policy, in-memory descriptor tables
// and a default-capacity arena per participant.
func New(name string, opts ...Option) *Domain {
	d := &Domain{
		name:      name,
		log:       logger.NewNoopLogger(),
		security:  AllowAllPolicy{},
		procs:     map[uint64]*Proc{},
		deadNodes: map[*Node]struct{}{},
		ring:      newRingLog(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.priorities == nil {
		d.priorities = NewPriorityController()
	}
	if d.allocFactory == nil {
		d.allocFactory = defaultAllocatorFactory(0)
	}
	if d.fdFactory == nil {
		d.fdFactory = func(Identity) DescriptorTable { return NewDescriptorTable(0) }
	}
	if d.recordStore != nil {
		d.recorder = newRecorder(d, d.recordStore)
	}
	return d
}

// Name returns the domain name.
func (d *Domain) Name() string { return d.name }

// nextID mints a debug id. Ids are unique across every object kind in
// the domain so log lines correlate without a kind column.
func (d *Domain) nextID() uint64 { return d.lastID.Add(1) }

// Open admits a participant. A process may open a domain more than
// once; each session gets its own reference table, arena and threads.
func (d *Domain) Open(id Identity) (*Proc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	p := &Proc{
		domain:          d,
		id:              d.nextID(),
		pid:             id.PID,
		uid:             id.UID,
		name:            id.Name,
		refsByDesc:      ordered.NewMap[uint32, *Ref](),
		refsByNode:      ordered.NewMap[uint64, *Ref](),
		threads:         ordered.NewMap[uint32, *Thread](),
		nodes:           ordered.NewMap[uint64, *Node](),
		buffers:         ordered.NewMap[uint64, *pendingBuffer](),
		defaultPriority: d.priorities.Nice(id.PID, 0),
		alloc:           d.allocFactory(d.name, id),
		fds:             d.fdFactory(id),
	}
	d.procs[p.id] = p
	d.statsCreated(objProc)
	d.log.Info("proc opened",
		zap.String("domain", d.name),
		zap.Uint64("id", p.id),
		zap.Uint32("pid", id.PID),
		zap.Uint32("uid", id.UID),
		zap.String("name", id.Name))
	return p, nil
}

// dropProc removes a participant from the registry during teardown.
func (d *Domain) dropProc(p *Proc) {
	d.mu.Lock()
	delete(d.procs, p.id)
	d.mu.Unlock()
}

// Close tears down every participant still open and stops the failure
// recorder. Further Open calls fail with ErrClosed.
func (d *Domain) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	procs := make([]*Proc, 0, len(d.procs))
	for _, p := range d.procs {
		procs = append(procs, p)
	}
	d.mu.Unlock()

	for _, p := range procs {
		p.Close()
	}
	if d.recorder != nil {
		d.recorder.close()
	}
	d.log.Info("domain closed", zap.String("domain", d.name))
}
