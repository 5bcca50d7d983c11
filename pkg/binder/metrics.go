package binder

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openbinder/openbinder/internal/build"
	"github.com/openbinder/openbinder/pkg/wire"
)

var (
	commandsTotalCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "engine_commands_total",
		Help:      "The total number of protocol commands consumed, labeled by domain and command.",
	}, []string{"domain", "command"})

	eventsTotalCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "engine_events_total",
		Help:      "The total number of protocol events produced, labeled by domain and event.",
	}, []string{"domain", "event"})

	objectsCreatedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "engine_objects_created_total",
		Help:      "The total number of engine objects created, labeled by domain and kind.",
	}, []string{"domain", "kind"})

	objectsDeletedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "engine_objects_deleted_total",
		Help:      "The total number of engine objects destroyed, labeled by domain and kind.",
	}, []string{"domain", "kind"})

	transactionFailuresCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "engine_transaction_failures_total",
		Help:      "The total number of failed transactions, labeled by domain and terminal event.",
	}, []string{"domain", "event"})

	recordDropsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "engine_failure_records_dropped_total",
		Help:      "The total number of failure records dropped because the recorder queue was full.",
	}, []string{"domain"})

	arenaReservedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "engine_arena_reserved_bytes",
		Help:      "Bytes currently reserved across all transfer arenas of a domain.",
	}, []string{"domain"})
)

// objKind enumerates engine object kinds for create/delete accounting.
type objKind int

const (
	objProc objKind = iota
	objThread
	objNode
	objRef
	objDeath
	objTransaction
	objTransactionComplete
	numObjKinds
)

var objKindNames = [numObjKinds]string{
	"proc",
	"thread",
	"node",
	"ref",
	"death",
	"transaction",
	"transaction_complete",
}

func (k objKind) String() string { return objKindNames[k] }

// stats counts commands, events and object churn. One instance lives on
// the Domain and one on every Proc.
type stats struct {
	bc         [wire.NumCommands]atomic.Uint64
	br         [wire.NumEvents]atomic.Uint64
	objCreated [numObjKinds]atomic.Uint64
	objDeleted [numObjKinds]atomic.Uint64
}

// statsSnapshot is the exported view of a stats instance.
type statsSnapshot struct {
	Commands       map[string]uint64 `json:"commands,omitempty"`
	Events         map[string]uint64 `json:"events,omitempty"`
	ObjectsCreated map[string]uint64 `json:"objects_created,omitempty"`
	ObjectsDeleted map[string]uint64 `json:"objects_deleted,omitempty"`
}

func (s *stats) snapshot() statsSnapshot {
	out := statsSnapshot{
		Commands:       make(map[string]uint64),
		Events:         make(map[string]uint64),
		ObjectsCreated: make(map[string]uint64),
		ObjectsDeleted: make(map[string]uint64),
	}
	for i := range s.bc {
		if n := s.bc[i].Load(); n != 0 {
			out.Commands[wire.CommandNameAt(i)] = n
		}
	}
	for i := range s.br {
		if n := s.br[i].Load(); n != 0 {
			out.Events[wire.EventNameAt(i)] = n
		}
	}
	for k := objKind(0); k < numObjKinds; k++ {
		if n := s.objCreated[k].Load(); n != 0 {
			out.ObjectsCreated[k.String()] = n
		}
		if n := s.objDeleted[k].Load(); n != 0 {
			out.ObjectsDeleted[k.String()] = n
		}
	}
	return out
}

// countBC records one consumed command against the domain, the
// participant and the Prometheus counters.
func (p *Proc) countBC(cmd uint32) {
	idx, ok := wire.CommandIndex(cmd)
	if !ok {
		return
	}
	p.stats.bc[idx].Add(1)
	p.domain.stats.bc[idx].Add(1)
	commandsTotalCounter.WithLabelValues(p.domain.name, wire.CommandNameAt(idx)).Inc()
}

// countBR records one produced event.
func (p *Proc) countBR(cmd uint32) {
	idx, ok := wire.EventIndex(cmd)
	if !ok {
		return
	}
	p.stats.br[idx].Add(1)
	p.domain.stats.br[idx].Add(1)
	eventsTotalCounter.WithLabelValues(p.domain.name, wire.EventNameAt(idx)).Inc()
}

func (d *Domain) statsCreated(k objKind) {
	d.stats.objCreated[k].Add(1)
	objectsCreatedCounter.WithLabelValues(d.name, k.String()).Inc()
}

func (d *Domain) statsDeleted(k objKind) {
	d.stats.objDeleted[k].Add(1)
	objectsDeletedCounter.WithLabelValues(d.name, k.String()).Inc()
}
