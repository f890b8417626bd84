package server

import (
	"errors"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/coregx/wsgateway/frame"
	"github.com/coregx/wsgateway/handshake"
	"github.com/coregx/wsgateway/session"
	"github.com/coregx/wsgateway/workerpool"
)

// handleConnectTask is the connect pool's Handler (spec §4.G, §2's data
// flow: "the connect worker runs the handshake (C), installs a session
// record into the registry (E), and re-arms the descriptor for read").
// It is reused for both the listener's accept events and a pending
// connection's subsequent handshake-continuation reads, distinguished
// by whether arg.Fd is the listen socket.
func (s *Server) handleConnectTask(arg *workerpool.WorkerArg) {
	s.log.Debug().Str("correlation_id", arg.CorrelationID).Int("fd", arg.Fd).
		Str("transition", arg.Transition.String()).Msg("connect task")

	if arg.Fd == s.listenFd {
		s.acceptLoop()
		return
	}

	if arg.Transition == workerpool.Closing {
		s.closePending(arg.Fd)
		return
	}

	s.continueHandshake(arg.Fd)
}

// acceptLoop drains every pending connection off the listener (required
// under edge-triggered readiness: a single edge only fires once even if
// multiple connections queued up), then re-arms the listener for the
// next edge.
func (s *Server) acceptLoop() {
	for {
		conn, err := s.accept.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if isTemporary(err) {
				break
			}
			s.log.Warn().Err(err).Msg("accept failed")
			break
		}
		s.admit(conn)
	}

	if err := s.disp.Add(s.listenFd); err != nil {
		s.log.Error().Err(err).Msg("re-arming listener failed")
	}
}

// admit takes a freshly accepted connection and either hands it to the
// dedicated TLS goroutine path (tls.Conn needs blocking record-layer
// I/O, incompatible with the non-blocking dispatcher without
// reimplementing TLS framing — see DESIGN.md) or registers it as a
// pending plaintext handshake.
func (s *Server) admit(conn net.Conn) {
	if s.tlsConfig != nil {
		s.wg.Add(1)
		go s.handleTLSConn(conn)
		return
	}

	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return
	}

	fd, err := tcpFd(tcp)
	if err != nil {
		s.log.Warn().Err(err).Msg("extracting accepted conn fd")
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	s.pending[fd] = &pendingConn{fd: fd, tcp: tcp, peerAddr: conn.RemoteAddr()}
	s.mu.Unlock()

	if err := s.disp.Add(fd); err != nil {
		s.log.Warn().Err(err).Msg("arming accepted conn")
		s.closePending(fd)
	}
}

// continueHandshake reads whatever is available on fd and feeds it to
// the negotiator, looping internally (edge-triggered: must drain to
// EAGAIN) until either a Result is produced or more data is required.
func (s *Server) continueHandshake(fd int) {
	s.mu.Lock()
	pc := s.pending[fd]
	s.mu.Unlock()
	if pc == nil {
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			pc.buf = append(pc.buf, buf[:n]...)
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil || n == 0 {
			s.closePending(fd)
			return
		}
		if n < len(buf) {
			break
		}
	}

	result, consumed, needMore := s.negotiator.Negotiate(pc.buf)
	if needMore {
		if err := s.disp.ArmRead(fd); err != nil {
			s.closePending(fd)
		}
		return
	}
	pc.buf = pc.buf[consumed:]

	if _, err := unix.Write(fd, result.Response); err != nil {
		s.closePending(fd)
		return
	}

	if result.Err != nil || result.Draft == frame.Hixie75 {
		// Hixie75 has no data framing worth entering OPEN for (spec §9,
		// "untested in the source" path implemented as closed rather
		// than silently wired to a broken data path).
		s.closePending(fd)
		return
	}

	s.promote(pc, result)
}

// promote finishes a successful handshake: builds the Session, installs
// it in the registry, and re-arms the descriptor for ordinary read
// events — now routed to the I/O pool instead of the connect pool.
func (s *Server) promote(pc *pendingConn, result *handshake.Result) {
	s.mu.Lock()
	delete(s.pending, pc.fd)
	s.mu.Unlock()

	id := s.nextID.Add(1)
	sess := session.New(id, pc.peerAddr, result.Draft, result.Subprotocol, s.opts.MaxMessageBytes)
	sess.PublicID = strconv.Itoa(pc.fd)
	sess.Open()

	s.mu.Lock()
	s.conns[pc.fd] = &estConn{fd: pc.fd, tcp: pc.tcp, sess: sess}
	s.mu.Unlock()

	s.registry.Insert(sess)

	s.log.Info().
		Uint64("session_id", id).
		Str("public_id", sess.PublicID).
		Str("draft", result.Draft.String()).
		Str("subprotocol", result.Subprotocol.String()).
		Str("peer", pc.peerAddr.String()).
		Msg("session open")

	if len(pc.buf) > 0 {
		// Bytes belonging to the first application frame arrived in the
		// same read as the trailing part of the handshake (common when
		// a client pipelines eagerly); feed them immediately rather
		// than waiting for the next readiness edge.
		s.feedAndRoute(sess, pc.fd, pc.buf)
	}

	if err := s.disp.ArmRead(pc.fd); err != nil {
		s.closeEstablished(pc.fd, session.CloseUnexpected)
	}
}

// closePending tears down a connection that never completed its
// handshake.
func (s *Server) closePending(fd int) {
	s.mu.Lock()
	pc := s.pending[fd]
	delete(s.pending, fd)
	s.mu.Unlock()
	if pc == nil {
		return
	}
	s.disp.Remove(fd)
	_ = pc.tcp.Close()
}

func isTemporary(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
