// Package handshake implements the HTTP Upgrade negotiation of spec
// §4.C: parsing a raw request buffer accumulated off a non-blocking
// socket, classifying it against one of five historical WebSocket
// drafts, computing the matching accept value, applying the Host/Origin
// ACLs, and producing the exact response preamble bytes for the caller
// to write back.
//
// Negotiator never performs I/O itself — a connect-pool worker (see
// server.Server) owns the socket and calls Negotiate with whatever bytes
// have accumulated so far, looping on NeedMore until a Result or error
// comes back. This mirrors frame.Decode's buffer-in, frames-plus-rest
// shape (component A) rather than coregx-stream's net/http.Hijacker
// style, because the dispatcher (component F) never blocks a worker
// inside a single read.
package handshake

import (
	"fmt"
	"strings"

	"github.com/coregx/wsgateway/frame"
)

// Subprotocol is the handful of application-level routing policies spec
// §3 names; the session layer maps a negotiated string onto this type.
type Subprotocol int

const (
	SubprotocolNone Subprotocol = iota
	SubprotocolChat
	SubprotocolEcho
)

func (s Subprotocol) String() string {
	switch s {
	case SubprotocolChat:
		return "chat"
	case SubprotocolEcho:
		return "echo"
	default:
		return ""
	}
}

// Options configures a Negotiator. All fields are optional; a zero
// Options denies every ACL check (spec §6's "missing file denies all")
// and offers no subprotocols.
type Options struct {
	Hosts           *ACL
	Origins         *ACL
	ServerPort      int
	Subprotocols    []Subprotocol // offered, in preference order
	SkipHostACL     bool          // true disables Host enforcement entirely
	SkipOriginACL   bool          // true disables Origin enforcement entirely
	Scheme          string        // "ws" (default) or "wss"
}

// Negotiator runs the handshake state machine described above.
type Negotiator struct {
	opts Options
}

// New builds a Negotiator from opts.
func New(opts Options) *Negotiator {
	if opts.Scheme == "" {
		opts.Scheme = "ws"
	}
	return &Negotiator{opts: opts}
}

// Result is a completed negotiation: either Err is nil and Draft/
// Subprotocol/Response describe a successful upgrade, or Err is one of
// the sentinel errors in errors.go and Response is the matching HTTP
// error preamble.
type Result struct {
	Draft       frame.Draft
	Subprotocol Subprotocol
	Response    []byte
	Err         error
}

// Negotiate consumes as much of buf as one handshake attempt needs.
//
//   - needMore=true: no sentinel found yet (and the header budget has
//     not been exceeded, or the draft is Hybi00 and its trailing Key3
//     hasn't fully arrived); the caller should read more and call again
//     with the same buf extended.
//   - needMore=false, consumed>0: one full request was consumed, whether
//     or not it negotiated successfully (check result.Err).
func (n *Negotiator) Negotiate(buf []byte) (result *Result, consumed int, needMore bool) {
	headerEnd, found := findSentinel(buf)
	if !found {
		if len(buf) > HeaderBudget {
			return n.errorResult(400, "Bad Request", ErrBad), len(buf), false
		}
		return nil, 0, true
	}

	req, err := parseRequest(buf[:headerEnd])
	if err != nil {
		return n.errorResult(400, "Bad Request", err), headerEnd, false
	}

	switch req.Header.Get("Sec-WebSocket-Version") {
	case "", "13", "8", "7":
	default:
		return n.errorResult(426, "Upgrade Required", ErrVersion), headerEnd, false
	}

	draft, err := classify(req.Header)
	if err != nil {
		status, reason := 400, "Bad Request"
		if err == ErrNotImplemented {
			status, reason = 501, "Not Implemented"
		}
		return n.errorResult(status, reason, err), headerEnd, false
	}

	var key3 [8]byte
	consumed = headerEnd
	if draft == frame.Hybi00 {
		if len(buf)-headerEnd < 8 {
			return nil, 0, true
		}
		copy(key3[:], buf[headerEnd:headerEnd+8])
		consumed = headerEnd + 8
	}

	if !n.opts.SkipHostACL {
		if !n.opts.Hosts.AllowHost(req.Header.Get("Host"), n.opts.ServerPort) {
			return n.errorResult(403, "Forbidden", ErrForbidden), consumed, false
		}
	}
	if !n.opts.SkipOriginACL {
		origin := req.Header.Get("Origin")
		if origin == "" {
			origin = req.Header.Get("Sec-WebSocket-Origin")
		}
		if !n.opts.Origins.AllowOrigin(origin) {
			return n.errorResult(403, "Forbidden", ErrForbidden), consumed, false
		}
	}

	subprotocol := n.negotiateSubprotocol(req.Header.Get("Sec-WebSocket-Protocol"))
	location := n.opts.Scheme + "://" + req.Header.Get("Host") + req.Target

	switch draft {
	case frame.RFC6455, frame.Hybi10, frame.Hybi07:
		accept := acceptRFC6455(req.Header.Get("Sec-WebSocket-Key"))
		upgradeEcho := req.Header.Get("Upgrade")
		if upgradeEcho == "" {
			upgradeEcho = "websocket"
		}
		resp := buildRFC6455Response(upgradeEcho, accept, subprotocol.String())
		return &Result{Draft: draft, Subprotocol: subprotocol, Response: resp}, consumed, false

	case frame.Hybi00:
		acceptBytes, err := acceptHybi00(req.Header.Get("Sec-WebSocket-Key1"), req.Header.Get("Sec-WebSocket-Key2"), key3)
		if err != nil {
			return n.errorResult(400, "Bad Request", err), consumed, false
		}
		origin := req.Header.Get("Origin")
		resp := buildHybi00Response(origin, location, subprotocol.String(), acceptBytes)
		return &Result{Draft: draft, Subprotocol: subprotocol, Response: resp}, consumed, false

	case frame.Hixie75:
		origin := req.Header.Get("Origin")
		resp := buildHixie75Response(origin, location)
		return &Result{Draft: draft, Subprotocol: subprotocol, Response: resp}, consumed, false

	default:
		return n.errorResult(500, "Internal Server Error", fmt.Errorf("handshake: unreachable draft %v", draft)), consumed, false
	}
}

func (n *Negotiator) negotiateSubprotocol(requested string) Subprotocol {
	if requested == "" || len(n.opts.Subprotocols) == 0 {
		return SubprotocolNone
	}
	for _, tok := range strings.Split(requested, ",") {
		tok = strings.TrimSpace(tok)
		for _, s := range n.opts.Subprotocols {
			if strings.EqualFold(tok, s.String()) {
				return s
			}
		}
	}
	return SubprotocolNone
}

func (n *Negotiator) errorResult(status int, reason string, err error) *Result {
	return &Result{Response: buildErrorResponse(status, reason), Err: err}
}
