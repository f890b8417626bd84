package server

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/coregx/wsgateway/frame"
	"github.com/coregx/wsgateway/handshake"
	"github.com/coregx/wsgateway/session"
	"github.com/coregx/wsgateway/workerpool"
)

// handleIOTask is the I/O pool's Handler (spec §4.G): it drives reads,
// writes, and close teardown for an established session, exactly the
// "READING"/"WRITING"/"CLOSING" task kinds spec §4.F's dispatch table
// names.
func (s *Server) handleIOTask(arg *workerpool.WorkerArg) {
	s.log.Debug().Str("correlation_id", arg.CorrelationID).Uint64("session_id", arg.SessionID).
		Str("transition", arg.Transition.String()).Msg("io task")

	s.mu.Lock()
	conn := s.conns[arg.Fd]
	s.mu.Unlock()
	if conn == nil {
		return
	}

	switch arg.Transition {
	case workerpool.Reading:
		s.handleRead(conn)
	case workerpool.Writing:
		s.handleWrite(conn)
	case workerpool.Closing:
		s.closeEstablished(conn.fd, session.CloseUnexpected)
	}
}

// handleRead drains fd (edge-triggered: must read to EAGAIN), feeds the
// bytes through the session state machine, routes any reassembled
// messages, and re-arms the descriptor for whichever direction the
// session now needs.
func (s *Server) handleRead(conn *estConn) {
	buf := make([]byte, 4096)
	var data []byte
	for {
		n, err := unix.Read(conn.fd, buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil || n == 0 {
			s.closeEstablished(conn.fd, session.CloseUnexpected)
			return
		}
		if n < len(buf) {
			break
		}
	}

	if len(data) > 0 {
		s.feedAndRoute(conn.sess, conn.fd, data)
	}

	s.rearm(conn)
}

// feedAndRoute runs sess.Feed over data and fans the resulting messages
// out through the registry per spec §4.D's subprotocol routing rule:
// CHAT broadcasts to every other session, ECHO loops back to the
// sender, and NONE defaults to loopback too.
func (s *Server) feedAndRoute(sess *session.Session, fd int, data []byte) {
	messages, err := sess.Feed(data)
	for _, msg := range messages {
		s.route(sess, msg)
	}
	if err != nil {
		s.log.Debug().Uint64("session_id", sess.ID).Err(err).Msg("session closing on protocol error")
	}
}

func (s *Server) route(sess *session.Session, msg session.Message) {
	framed := frame.Encode(msg.Opcode, msg.Payload, true)
	switch sess.Subprotocol {
	case handshake.SubprotocolChat:
		s.registry.Broadcast(sess.ID, framed)
	default: // SubprotocolEcho and SubprotocolNone both loop back (spec §4.D)
		s.registry.Unicast(sess.ID, framed)
	}
}

// rearm re-registers conn's descriptor based on what the session needs
// next: a pending write takes priority (so a CLOSE reply or routed
// message isn't starved), otherwise a read while still OPEN, otherwise
// the session has nothing left to do and can be torn down if CLOSING.
// A session that enters CLOSING with writes still queued gets a close
// timeout armed, so a peer that never drains its receive buffer cannot
// pin the descriptor in CLOSING forever (spec §4.D).
func (s *Server) rearm(conn *estConn) {
	if conn.sess.HasPendingWrites() {
		if conn.sess.State() == session.Closing {
			s.scheduleCloseTimeout(conn)
		}
		if err := s.disp.ArmWrite(conn.fd); err != nil {
			s.closeEstablished(conn.fd, session.CloseUnexpected)
		}
		return
	}

	switch conn.sess.State() {
	case session.Open:
		if err := s.disp.ArmRead(conn.fd); err != nil {
			s.closeEstablished(conn.fd, session.CloseUnexpected)
		}
	case session.Closing:
		s.closeEstablished(conn.fd, session.CloseNoStatus)
	}
}

// scheduleCloseTimeout arms a one-shot forced teardown for conn if one
// isn't already running. Cancelled by closeEstablished if the session
// reaches CLOSED normally first.
func (s *Server) scheduleCloseTimeout(conn *estConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn.closeTimer != nil {
		return
	}
	conn.closeTimer = time.AfterFunc(s.opts.CloseTimeout, func() {
		s.log.Warn().Uint64("session_id", conn.sess.ID).Msg("close timeout exceeded, forcing teardown")
		s.closeEstablished(conn.fd, session.CloseUnexpected)
	})
}

// handleWrite drains the session's outbound queue onto the wire. A
// short write — the kernel socket buffer fills before a frame finishes —
// requeues the unwritten remainder, plus anything still waiting behind
// it in this drained batch, at the front of the session's outbound
// queue and re-arms for the next writable event, so FIFO per-session
// ordering (spec §5) holds even across partial writes without spinning
// this worker until the peer drains its receive buffer.
func (s *Server) handleWrite(conn *estConn) {
	pending := conn.sess.DrainOutbound()
	for i, framed := range pending {
		remaining, err := writeAll(conn.fd, framed)
		if errors.Is(err, errWouldBlock) {
			conn.sess.RequeueFront(append([][]byte{remaining}, pending[i+1:]...))
			s.rearm(conn)
			return
		}
		if err != nil {
			s.closeEstablished(conn.fd, session.CloseUnexpected)
			return
		}
	}
	s.rearm(conn)
}

// errWouldBlock is writeAll's sentinel for "the kernel socket buffer is
// full"; remaining holds whatever of b was not yet written so the
// caller can requeue it instead of busy-looping on EAGAIN.
var errWouldBlock = errors.New("server: write would block")

func writeAll(fd int, b []byte) (remaining []byte, err error) {
	for len(b) > 0 {
		n, werr := unix.Write(fd, b)
		if werr == unix.EAGAIN {
			return b, errWouldBlock
		}
		if werr != nil {
			return b, werr
		}
		b = b[n:]
	}
	return nil, nil
}

// closeEstablished tears down an OPEN/CLOSING session: removes it from
// the registry and the fd table, closes the socket, and marks the
// session CLOSED. Per spec §7, an I/O-error path never sends a close
// frame; a clean CLOSING drain (code passed as CloseNoStatus from
// rearm) also skips it since the close frame, if any, already went out.
func (s *Server) closeEstablished(fd int, code session.CloseCode) {
	s.mu.Lock()
	conn := s.conns[fd]
	delete(s.conns, fd)
	var timer *time.Timer
	if conn != nil {
		timer = conn.closeTimer
	}
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if timer != nil {
		timer.Stop()
	}

	s.disp.Remove(fd)
	s.registry.Remove(conn.sess.ID)
	conn.sess.MarkClosed()
	_ = conn.tcp.Close()

	logEvent := s.log.Debug()
	if code == session.CloseUnexpected {
		logEvent = s.log.Warn()
	}
	logEvent.Uint64("session_id", conn.sess.ID).Str("close_code", codeName(code)).Msg("session closed")
}

func codeName(c session.CloseCode) string {
	switch c {
	case session.CloseNoStatus:
		return "drained"
	case session.CloseUnexpected:
		return "io-error"
	default:
		return "closed"
	}
}
