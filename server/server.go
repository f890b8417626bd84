// Package server implements component H of spec.md §4.H: it wires the
// listen socket, optional TLS, the readiness dispatcher (component F),
// the two worker pools (component G), the handshake negotiator
// (component C), the session state machine (component D), and the
// session registry (component E) into one running gateway, and owns
// orderly shutdown.
//
// Grounded on the teacher's websocket/handshake.go Upgrade wiring for
// the overall "accept, negotiate, hand off" shape, adapted from a
// net/http.Hijacker-based single entry point into the dispatcher-driven
// accept/read/write split spec.md §2's data-flow table describes.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sys/unix"

	"github.com/rs/zerolog"

	"github.com/coregx/wsgateway/dispatcher"
	"github.com/coregx/wsgateway/handshake"
	"github.com/coregx/wsgateway/internal/wslog"
	"github.com/coregx/wsgateway/registry"
	"github.com/coregx/wsgateway/session"
	"github.com/coregx/wsgateway/workerpool"
)

// Options configures a Server. Addr and Negotiator are required (New
// rejects a nil Negotiator); everything else has a usable zero value or
// default.
type Options struct {
	Addr string // host:port to listen on

	TLSCert, TLSKey string // both set or both empty

	Negotiator *handshake.Negotiator

	PoolConnectSize int
	PoolIOSize      int
	PoolCapacity    int
	MaxInFlight     int // netutil.LimitListener cap; 0 disables the limit

	MaxMessageBytes int
	CloseTimeout    time.Duration
	PollTimeout     time.Duration

	Log zerolog.Logger
}

// pendingConn is a connection that has been accepted but has not yet
// completed the handshake — spec §3 calls this CONNECTING. It is
// tracked outside the registry (which only ever holds OPEN-and-later
// sessions) because it has no session id yet.
type pendingConn struct {
	fd       int
	tcp      *net.TCPConn
	peerAddr net.Addr
	buf      []byte // accumulated handshake bytes
}

// estConn is an established, post-handshake connection: the raw fd plus
// the *session.Session the registry also holds. Kept here too so I/O
// workers can reach the fd (the registry only stores session logic, not
// transport details — spec §9's fix for the cyclic-reference design
// note keeps Session itself transport-ignorant).
type estConn struct {
	fd  int
	tcp *net.TCPConn
	sess *session.Session

	// closeTimer forces teardown if the session lingers in CLOSING past
	// Options.CloseTimeout waiting for its outbound queue to drain (spec
	// §4.D's "bounded close timeout"); guarded by Server.mu rather than
	// a field of its own since it is only ever touched alongside the
	// conns map. nil until the session first enters CLOSING with
	// writes still pending.
	closeTimer *time.Timer
}

// Server is the running gateway. Construct with New, then call
// ListenAndServe.
type Server struct {
	opts Options
	log  zerolog.Logger

	negotiator *handshake.Negotiator
	registry   *registry.Registry
	disp       dispatcher.Dispatcher

	connectPool *workerpool.Pool
	ioPool      *workerpool.Pool

	ln       net.Listener // unwrapped, for raw fd extraction
	accept   net.Listener // netutil.LimitListener-wrapped, for Accept()
	listenFd int

	tlsConfig *tls.Config

	mu      sync.Mutex
	pending map[int]*pendingConn
	conns   map[int]*estConn

	nextID   atomic.Uint64
	closing  atomic.Bool
	loopDone chan struct{}
	ready    chan struct{}
	wg       sync.WaitGroup
}

// New validates opts and wires every component together; it does not
// open a socket yet (that happens in ListenAndServe).
func New(opts Options) (*Server, error) {
	if opts.Negotiator == nil {
		return nil, fmt.Errorf("server: Options.Negotiator is required")
	}
	if opts.PoolConnectSize <= 0 {
		opts.PoolConnectSize = 4
	}
	if opts.PoolIOSize <= 0 {
		opts.PoolIOSize = 16
	}
	if opts.PoolCapacity <= 0 {
		opts.PoolCapacity = 1024
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = session.DefaultMaxMessage
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 5 * time.Second
	}

	s := &Server{
		opts:       opts,
		log:        wslog.Component(opts.Log, "server"),
		negotiator: opts.Negotiator,
		registry:   registry.New(),
		pending:    make(map[int]*pendingConn),
		conns:      make(map[int]*estConn),
		ready:      make(chan struct{}),
	}

	if opts.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(opts.TLSCert, opts.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("server: loading TLS key pair: %w", err)
		}
		s.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	return s, nil
}

// ListenAndServe opens the listen socket (TLS-wrapped if configured),
// registers it with the dispatcher, starts the worker pools, and runs
// the dispatcher loop until ctx is canceled. It returns once shutdown
// has drained every in-flight worker.
func (s *Server) ListenAndServe(ctx context.Context) error {
	tcpLn, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.opts.Addr, err)
	}
	s.ln = tcpLn

	fd, err := tcpFd(tcpLn.(*net.TCPListener))
	if err != nil {
		_ = tcpLn.Close()
		return fmt.Errorf("server: extracting listener fd: %w", err)
	}
	s.listenFd = fd

	var wrapped net.Listener = tcpLn
	if s.tlsConfig != nil {
		wrapped = tls.NewListener(tcpLn, s.tlsConfig)
	}
	if s.opts.MaxInFlight > 0 {
		wrapped = netutil.LimitListener(wrapped, s.opts.MaxInFlight)
	}
	s.accept = wrapped

	disp, err := dispatcher.New(fd, s.opts.PollTimeout)
	if err != nil {
		_ = tcpLn.Close()
		return fmt.Errorf("server: %w", err)
	}
	s.disp = disp

	s.connectPool = workerpool.New(s.opts.PoolConnectSize, s.opts.PoolCapacity, s.handleConnectTask)
	s.ioPool = workerpool.New(s.opts.PoolIOSize, s.opts.PoolCapacity, s.handleIOTask)
	s.loopDone = make(chan struct{})
	close(s.ready)

	s.log.Info().Str("addr", s.opts.Addr).Bool("tls", s.tlsConfig != nil).Msg("listening")

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	return s.runLoop()
}

// runLoop is the single dispatcher goroutine spec §5 describes: it
// never does I/O itself, only classifies readiness and submits
// WorkerArgs to the appropriate pool. It closes loopDone on exit so
// Shutdown can be certain no further Submit calls will race the pools'
// Close (Pool.Submit on a closed task channel panics).
func (s *Server) runLoop() error {
	defer close(s.loopDone)
	for {
		if s.closing.Load() {
			return nil
		}

		events, err := s.disp.Wait()
		if err != nil {
			return fmt.Errorf("server: dispatcher wait: %w", err)
		}
		for _, ev := range events {
			s.handleEvent(ev)
		}
	}
}

func (s *Server) handleEvent(ev dispatcher.Event) {
	if ev.Fd == s.listenFd {
		s.submitConnect(ev.Fd, 0, workerpool.Connecting)
		return
	}

	s.mu.Lock()
	_, isPending := s.pending[ev.Fd]
	est, isEst := s.conns[ev.Fd]
	s.mu.Unlock()

	transition := eventTransition(ev.Kind)

	switch {
	case isPending:
		s.submitConnect(ev.Fd, 0, transition)
	case isEst:
		s.submitIO(est.fd, est.sess.ID, transition)
	default:
		// The descriptor was already torn down between the dispatcher
		// observing it ready and us looking it up; nothing to do.
	}
}

func eventTransition(k dispatcher.EventKind) workerpool.Transition {
	switch k {
	case dispatcher.EventWriting:
		return workerpool.Writing
	case dispatcher.EventClosing:
		return workerpool.Closing
	default:
		return workerpool.Reading
	}
}

func (s *Server) submitConnect(fd int, sessionID uint64, t workerpool.Transition) {
	if err := s.connectPool.Submit(fd, sessionID, t); err != nil {
		s.log.Warn().Err(err).Int("fd", fd).Msg("connect pool exhausted, closing descriptor")
		s.closePending(fd)
	}
}

func (s *Server) submitIO(fd int, sessionID uint64, t workerpool.Transition) {
	if err := s.ioPool.Submit(fd, sessionID, t); err != nil {
		s.log.Warn().Err(err).Int("fd", fd).Msg("io pool exhausted, closing session")
		s.closeEstablished(fd, session.CloseUnexpected)
	}
}

// Shutdown initiates orderly termination (spec §5's "shutdown is
// initiated by writing to the wakeup pipe"): every open session is sent
// a CLOSE frame, the dispatcher is woken so runLoop observes the
// closing flag, and both pools drain in-flight work before returning.
//
// runLoop must have actually returned before the pools or dispatcher
// are closed: it is the only Submit caller, and Submit on a pool whose
// task channel Close already closed would panic.
func (s *Server) Shutdown() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	s.registry.CloseAll(session.CloseGoingAway)
	_ = s.disp.Wakeup()
	if s.loopDone != nil {
		<-s.loopDone
	}
	if s.accept != nil {
		_ = s.accept.Close()
	}
	if s.connectPool != nil {
		s.connectPool.Close()
	}
	if s.ioPool != nil {
		s.ioPool.Close()
	}
	// No worker is left to write the CLOSE frames CloseAll queued.
	s.mu.Lock()
	open := make([]*estConn, 0, len(s.conns))
	for _, c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()
	for _, c := range open {
		for _, framed := range c.sess.DrainOutbound() {
			if _, err := writeAll(c.fd, framed); err != nil {
				break
			}
		}
		s.closeEstablished(c.fd, session.CloseGoingAway)
	}
	if s.disp != nil {
		_ = s.disp.Close()
	}
	s.wg.Wait()
}

// Registry exposes the session directory for the REPL (spec §9's "REPL
// holds a weak handle" design note — it is handed this same pointer,
// never a package-level global).
func (s *Server) Registry() *registry.Registry { return s.registry }

// Addr blocks until ListenAndServe has bound its socket, then returns
// its address. Used by tests that start ListenAndServe on a background
// goroutine with Addr ":0" and need the kernel-assigned port.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.ln.Addr()
}

// syscallConner is satisfied by both *net.TCPListener and *net.TCPConn,
// letting tcpFd extract a raw, non-blocking, independently-owned
// (duplicated) fd from either.
type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

func tcpFd(c syscallConner) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	var ctlErr error
	err = raw.Control(func(p uintptr) {
		dupFd, dupErr := unix.Dup(int(p))
		if dupErr != nil {
			ctlErr = dupErr
			return
		}
		fd = dupFd
	})
	if err != nil {
		return 0, err
	}
	if ctlErr != nil {
		return 0, ctlErr
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return 0, err
	}
	return fd, nil
}
