package proxy

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/Spreetail/amqproxy/errors"
	"github.com/Spreetail/amqproxy/internal/metrics"
	"github.com/Spreetail/amqproxy/log"
)

// Server accepts downstream client connections and runs a ClientSession
// for each one, pooling upstream broker connections per credentials
// tuple behind the scenes. Its lifecycle follows Reset/Setup/Start/Stop:
// a Server can be reused across a Setup/Start/Stop cycle once Reset has
// returned it to a clean state.
type Server struct {
	cfg  Config
	log  log.Logger
	mets metrics.Sink

	mu        sync.Mutex
	listener  net.Listener
	pools     map[Credentials]*UpstreamPool
	sessions  map[string]*ClientSession
	stopOnce  sync.Once
	halt      chan struct{}
	accepting bool
	eg        *errgroup.Group
}

// NewServer builds a Server for cfg. Call Setup then Start to begin
// accepting connections.
func NewServer(cfg Config, logger log.Logger, mets metrics.Sink) *Server {
	if logger == nil {
		logger = log.Discard()
	}
	if mets == nil {
		mets = metrics.Noop()
	}
	return &Server{
		cfg:  cfg,
		log:  logger.Sub("server"),
		mets: mets,
	}
}

// Reset returns the server to a pristine, not-yet-listening state,
// discarding every pool and session. It is safe to call before the
// first Setup, and is always safe to call after Stop.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = nil
	s.pools = make(map[Credentials]*UpstreamPool)
	s.sessions = make(map[string]*ClientSession)
	s.halt = make(chan struct{})
	s.accepting = false
	s.stopOnce = sync.Once{}
	s.eg = &errgroup.Group{}
}

// Setup binds the listening socket without yet accepting connections
// on it, so that callers can observe bind failures (port already in
// use, permission denied) before committing to Start.
func (s *Server) Setup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pools == nil {
		s.pools = make(map[Credentials]*UpstreamPool)
		s.sessions = make(map[string]*ClientSession)
		s.halt = make(chan struct{})
		s.eg = &errgroup.Group{}
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddress, s.cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	s.listener = ln
	s.log.Infof("listening on %s, upstream %s", addr, s.cfg.upstreamAddr())
	return nil
}

// Start begins accepting connections and blocks until the listener is
// closed by Stop. It must be called after a successful Setup.
func (s *Server) Start() error {
	s.mu.Lock()
	ln := s.listener
	s.accepting = true
	s.mu.Unlock()

	if ln == nil {
		return errors.New("server not set up: call Setup before Start")
	}

	var nextID uint64
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.halt:
				return nil
			default:
				return errors.Wrap(err, "accept")
			}
		}

		s.mu.Lock()
		accepting := s.accepting
		s.mu.Unlock()
		if !accepting {
			_ = conn.Close()
			continue
		}

		nextID++
		id := sessionID(nextID)
		s.eg.Go(func() error {
			s.serve(id, conn)
			return nil
		})
	}
}

// StopAccepting closes the listening socket so no new connections are
// admitted, without touching sessions or pools already in flight. This
// is the behavior triggered by the first SIGINT/SIGTERM: existing
// clients keep running, nothing new gets in.
func (s *Server) StopAccepting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting {
		return
	}
	s.accepting = false
	close(s.halt)
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// Stop sends a Connection.Close to every active session (best-effort;
// the socket is closed right after regardless of whether the client
// answers), then closes every upstream pool and waits for all session
// goroutines to exit. This is the behavior triggered by a second
// SIGINT/SIGTERM, or by a direct call for tests: a full, unconditional
// teardown.
func (s *Server) Stop() {
	s.StopAccepting()

	s.mu.Lock()
	sessions := make([]*ClientSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	pools := make([]*UpstreamPool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.sendConnectionClose(uint16(amqp.ConnectionForced), "proxy shutting down")
		_ = sess.conn.Close()
	}
	_ = s.eg.Wait()

	for _, p := range pools {
		p.Close()
	}
}

// serve runs one ClientSession to completion and removes it from the
// server's bookkeeping once it ends.
func (s *Server) serve(id string, conn net.Conn) {
	sess := newClientSession(id, conn, s.cfg, nil, s.log, s.mets)
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
	}()

	// Credentials are not known until the handshake completes, so the
	// session negotiates first and only then is handed the pool for
	// its (vhost, user, password) tuple.
	sess.serve(s)
}

// poolFor returns the UpstreamPool for creds, creating one if this is
// the first session to present those credentials. A pool is an
// explicit per-credentials object, never a shared singleton.
func (s *Server) poolFor(creds Credentials) *UpstreamPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[creds]
	if ok {
		return p
	}
	p = NewUpstreamPool(s.cfg, creds, s.log, s.mets)
	s.pools[creds] = p
	return p
}

// sessionID produces a short, human-distinguishable identifier for log
// correlation. The numeric prefix keeps sessions ordered by arrival in
// a log stream; the uuid suffix keeps concurrent sessions started in
// the same process tick unambiguous.
func sessionID(n uint64) string {
	return fmt.Sprintf("%d-%s", n, uuid.New().String()[:8])
}
