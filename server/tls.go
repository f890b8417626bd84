package server

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/coregx/wsgateway/frame"
	"github.com/coregx/wsgateway/session"
)

// handleTLSConn runs the full connection lifecycle for a TLS-wrapped
// peer on a dedicated goroutine rather than through the non-blocking
// dispatcher. crypto/tls.Conn performs its own record-layer buffering
// and assumes blocking Read/Write semantics on the underlying
// connection; driving it from a one-shot edge-triggered readiness loop
// would require reimplementing TLS record framing on top of raw
// ciphertext bytes, which is out of scope (see DESIGN.md). The frame,
// handshake, and session packages — the actual protocol engine — are
// reused identically; only the I/O driving loop differs from the
// plaintext path in connect.go/io.go.
func (s *Server) handleTLSConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	r := bufio.NewReaderSize(conn, 4096)

	buf, err := readHandshake(r)
	if err != nil {
		return
	}

	result, consumed, needMore := s.negotiator.Negotiate(buf)
	for needMore {
		more, err := readHandshake(r)
		if err != nil {
			return
		}
		buf = append(buf, more...)
		result, consumed, needMore = s.negotiator.Negotiate(buf)
	}

	if _, err := conn.Write(result.Response); err != nil {
		return
	}
	if result.Err != nil || result.Draft == frame.Hixie75 {
		return
	}

	id := s.nextID.Add(1)
	sess := session.New(id, conn.RemoteAddr(), result.Draft, result.Subprotocol, s.opts.MaxMessageBytes)
	// The TLS path never extracts a raw dispatcher fd for this
	// connection (crypto/tls.Conn owns it via blocking I/O instead),
	// so there is no descriptor number to use as the public id.
	sess.PublicID = shortuuid.New()
	sess.Open()
	s.registry.Insert(sess)
	defer func() {
		s.registry.Remove(id)
		sess.MarkClosed()
	}()

	s.log.Info().Uint64("session_id", id).Str("public_id", sess.PublicID).
		Str("draft", result.Draft.String()).Bool("tls", true).Msg("session open")

	leftover := buf[consumed:]
	s.runTLSSession(conn, r, sess, leftover)
}

// runTLSSession blocks reading application data and synchronously
// flushes whatever the session queues after each read — the blocking
// counterpart of io.go's handleRead/handleWrite split, collapsed into
// one loop since there is no separate writable-readiness event on this
// path. Once the session leaves OPEN, r.Read is bounded by
// Options.CloseTimeout (spec §4.D's "bounded close timeout") so a peer
// that stops sending entirely — including after a locally-initiated
// close (REPL kick, shutdown's CloseAll) that races a blocked Read and
// so never reaches feedTLS — cannot pin this goroutine open forever.
// The deferred flush covers that same race: InitiateClose may have
// queued a close frame after the last feedTLS call returned, and this
// is the only other place that ever drains this session's queue on the
// TLS path.
func (s *Server) runTLSSession(conn net.Conn, r *bufio.Reader, sess *session.Session, leftover []byte) {
	defer s.flushTLSOutbound(conn, sess)

	if len(leftover) > 0 {
		if !s.feedTLS(conn, sess, leftover) {
			return
		}
	}

	buf := make([]byte, 4096)
	for {
		if sess.State() != session.Open {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.CloseTimeout))
		}
		n, err := r.Read(buf)
		if n > 0 {
			if !s.feedTLS(conn, sess, buf[:n]) {
				return
			}
		}
		if err != nil {
			return
		}
		if sess.State() != session.Open {
			return
		}
	}
}

// flushTLSOutbound makes a best-effort attempt to write anything still
// queued on sess before the caller tears the connection down. Errors
// are ignored: the connection is already on its way out either way.
func (s *Server) flushTLSOutbound(conn net.Conn, sess *session.Session) {
	for _, framed := range sess.DrainOutbound() {
		if _, err := conn.Write(framed); err != nil {
			return
		}
	}
}

// feedTLS reports whether the caller should keep reading: false once
// Feed errors or the session has left OPEN (CLOSING or CLOSED), per
// spec §4.D's "cease reading" requirement on that transition. It never
// inspects sess.State() for Closed specifically — MarkClosed only runs
// after this function's caller returns, in handleTLSConn's deferred
// cleanup, so that comparison would always be false here.
func (s *Server) feedTLS(conn net.Conn, sess *session.Session, data []byte) bool {
	messages, err := sess.Feed(data)
	for _, msg := range messages {
		s.route(sess, msg)
	}

	for _, framed := range sess.DrainOutbound() {
		if _, werr := conn.Write(framed); werr != nil {
			return false
		}
	}

	return err == nil && sess.State() == session.Open
}

// readHandshake pulls whatever is immediately bufferable off r without
// requiring a full frame's worth of data, matching Negotiate's
// incremental buffer-in contract.
func readHandshake(r *bufio.Reader) ([]byte, error) {
	buf := make([]byte, 0, 512)
	chunk := make([]byte, 512)
	n, err := r.Read(chunk)
	if n > 0 {
		buf = append(buf, chunk[:n]...)
	}
	if err != nil && err != io.EOF {
		return nil, err
	}
	if n == 0 && err == io.EOF {
		return nil, io.EOF
	}
	return buf, nil
}
