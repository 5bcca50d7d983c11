// Package server hosts binder domains behind a unix socket. Every
// connection is one participant session: a hello frame joins a domain
// and admits the caller as a Proc, then write-read frames drive
// command/event exchanges until the connection closes and the
// participant is torn down.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/openbinder/openbinder/internal/build"
	"github.com/openbinder/openbinder/pkg/binder"
	"github.com/openbinder/openbinder/pkg/logger"
	serverconfig "github.com/openbinder/openbinder/pkg/server/config"
	"github.com/openbinder/openbinder/pkg/storage"
)

var tracer = otel.Tracer("openbinder/pkg/server")

var (
	activeSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "server_active_sessions",
		Help:      "The number of participant sessions currently open.",
	})

	framesTotalCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "server_frames_total",
		Help:      "The total number of session frames handled, labeled by op.",
	}, []string{"op"})
)

// Server hosts one or more binder domains and speaks the session
// protocol with participants.
type Server struct {
	logger    logger.Logger
	datastore storage.RecordStore

	domainNames     []string
	arenaCapacity   uint64
	descriptorLimit int
	maxWorkers      int
	policy          binder.SecurityPolicy

	domains       map[string]*binder.Domain
	defaultDomain string

	mu          sync.Mutex
	conns       map[net.Conn]struct{}
	cancelServe context.CancelFunc
	wg          sync.WaitGroup
	closed      atomic.Bool
}

type ServerOption func(s *Server)

// WithLogger sets the session and lifecycle logger.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithDatastore sets the record store failed transactions are appended
// to. The server does not close it; the caller owns its lifetime.
func WithDatastore(ds storage.RecordStore) ServerOption {
	return func(s *Server) {
		s.datastore = ds
	}
}

// WithDomains names the object universes the server hosts. The first
// name is the default that a hello frame with no domain joins.
func WithDomains(names ...string) ServerOption {
	return func(s *Server) {
		s.domainNames = names
	}
}

// WithArenaCapacity sets the per-participant transfer arena size in
// bytes. Zero selects the engine default.
func WithArenaCapacity(capacity uint64) ServerOption {
	return func(s *Server) {
		s.arenaCapacity = capacity
	}
}

// WithDescriptorLimit caps how many descriptors a participant may
// hold. Zero selects the engine default.
func WithDescriptorLimit(limit int) ServerOption {
	return func(s *Server) {
		s.descriptorLimit = limit
	}
}

// WithMaxWorkers caps how many exchanges one session may run
// concurrently.
func WithMaxWorkers(n int) ServerOption {
	return func(s *Server) {
		s.maxWorkers = n
	}
}

// WithSecurityPolicy installs the policy consulted on transactions,
// reference transfers and registrar claims in every hosted domain.
func WithSecurityPolicy(p binder.SecurityPolicy) ServerOption {
	return func(s *Server) {
		s.policy = p
	}
}

// MustNewServerWithOpts is like NewServerWithOpts but panics on
// construction errors.
func MustNewServerWithOpts(opts ...ServerOption) *Server {
	s, err := NewServerWithOpts(opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to construct the openbinder server: %v", err))
	}
	return s
}

// NewServerWithOpts builds a server and its domains.
func NewServerWithOpts(opts ...ServerOption) (*Server, error) {
	s := &Server{
		logger:     logger.NewNoopLogger(),
		maxWorkers: serverconfig.DefaultMaxWorkers,
		conns:      map[net.Conn]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.maxWorkers <= 0 {
		return nil, fmt.Errorf("server requires at least one worker per session")
	}
	if len(s.domainNames) == 0 {
		s.domainNames = []string{serverconfig.DefaultDomainName}
	}

	s.domains = make(map[string]*binder.Domain, len(s.domainNames))
	for _, name := range s.domainNames {
		if name == "" {
			return nil, fmt.Errorf("domain names cannot be empty")
		}
		if _, ok := s.domains[name]; ok {
			return nil, fmt.Errorf("domain '%s' configured more than once", name)
		}

		domainOpts := []binder.Option{binder.WithLogger(s.logger)}
		if s.arenaCapacity > 0 {
			domainOpts = append(domainOpts, binder.WithArenaCapacity(s.arenaCapacity))
		}
		if s.descriptorLimit > 0 {
			limit := s.descriptorLimit
			domainOpts = append(domainOpts, binder.WithDescriptorTableFactory(func(binder.Identity) binder.DescriptorTable {
				return binder.NewDescriptorTable(limit)
			}))
		}
		if s.policy != nil {
			domainOpts = append(domainOpts, binder.WithSecurityPolicy(s.policy))
		}
		if s.datastore != nil {
			domainOpts = append(domainOpts, binder.WithRecordStore(s.datastore))
		}

		s.domains[name] = binder.New(name, domainOpts...)
	}
	s.defaultDomain = s.domainNames[0]

	return s, nil
}

// Serve accepts sessions on l until the listener is closed or the
// context is canceled. Closing the listener stops the accept loop;
// Close then tears down whatever sessions are still open.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancelServe = cancel
	s.mu.Unlock()

	s.logger.Info("🚀 accepting participant sessions", zap.String("addr", l.Addr().String()))

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.closed.Load() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept session: %w", err)
		}

		if !s.trackConn(conn) {
			_ = conn.Close()
			return nil
		}

		sess := newSession(s, conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrackConn(conn)
			sess.run(ctx)
		}()
	}
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// IsReady reports whether the backing record store can accept
// appends. Servers without a datastore are always ready.
func (s *Server) IsReady(ctx context.Context) (bool, error) {
	if s.datastore == nil {
		return true, nil
	}
	status, err := s.datastore.IsReady(ctx)
	if err != nil {
		return false, err
	}
	return status.IsReady, nil
}

// Close tears down every open session and then the domains. The
// datastore is left open; the caller that injected it closes it.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	if s.cancelServe != nil {
		s.cancelServe()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	for _, d := range s.domains {
		d.Close()
	}

	s.logger.Info("server closed")
}
