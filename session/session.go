// Package session implements the per-connection state machine of spec
// §4.D: it turns decoded frames (component A) and the UTF-8 validator
// (component B) into application messages and outbound control/close
// replies, while enforcing fragmentation, opcode continuity, and the
// cumulative MAX_MESSAGE bound. It owns no socket and does no I/O —
// an I/O worker feeds it bytes read off a non-blocking socket and drains
// whatever it queues for write, which is what lets the dispatcher
// (component F) multiplex many sessions over a small worker pool.
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/coregx/wsgateway/frame"
	"github.com/coregx/wsgateway/handshake"
	"github.com/coregx/wsgateway/utf8valid"
)

// DefaultMaxMessage is spec §3's default cumulative message bound.
const DefaultMaxMessage = 1 << 20

// Message is a fully reassembled application message (spec §3): a
// single non-control frame with FIN=1, or a CONT*...FIN sequence.
type Message struct {
	Opcode  byte
	Payload []byte
}

// Session is one WebSocket connection from handshake completion onward.
// Exactly one worker may hold its token at a time (TryAcquire/Release).
// Once a session has left OPEN its descriptor is never re-armed for read;
// a CLOSING session is re-armed only for write while its queue drains.
type Session struct {
	ID          uint64
	PeerAddr    net.Addr
	Draft       frame.Draft
	Subprotocol handshake.Subprotocol

	// PublicID is the session's externally-visible identity: the
	// owning server sets it to the raw file descriptor's decimal form
	// when one exists, or a lithammer/shortuuid value for transports
	// that never expose one (the TLS path's per-connection goroutine
	// never extracts a dispatcher fd — see server/tls.go).
	PublicID string

	Stats Stats

	maxMessage int

	mu          sync.Mutex
	state       State
	inbound     []byte // carry-over from the previous Feed call
	accumOpcode byte
	accum       []byte
	accumulating bool
	outbound    [][]byte

	token atomic.Uint32 // 0 = free, 1 = held by a worker
}

// New creates a session in CONNECTING state. maxMessage<=0 selects
// DefaultMaxMessage.
func New(id uint64, peer net.Addr, draft frame.Draft, subprotocol handshake.Subprotocol, maxMessage int) *Session {
	if maxMessage <= 0 {
		maxMessage = DefaultMaxMessage
	}
	return &Session{
		ID:          id,
		PeerAddr:    peer,
		Draft:       draft,
		Subprotocol: subprotocol,
		maxMessage:  maxMessage,
		state:       Connecting,
	}
}

// TryAcquire attempts to take the session's single worker token. It is
// the concrete enforcement of spec §3's "at most one worker holds the
// session's token at any time" invariant.
func (s *Session) TryAcquire() bool {
	return s.token.CompareAndSwap(0, 1)
}

// Release gives the token back so another readiness event can pick the
// session up.
func (s *Session) Release() {
	s.token.Store(0)
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open transitions CONNECTING -> OPEN after a successful handshake.
func (s *Session) Open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Connecting {
		s.state = Open
	}
}

// markClosing moves the session to CLOSING if it isn't already past it.
// Callers hold s.mu.
func (s *Session) markClosing() {
	if s.state == Open || s.state == Connecting {
		s.state = Closing
	}
}

// MarkClosed forces the terminal state, used on I/O error or once the
// outbound queue drains during CLOSING.
func (s *Session) MarkClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Closed
}

// Feed appends newData to the session's inbound carry-over, decodes as
// many frames as are available, and drives the state machine: control
// frames are answered in place (queued via outbound), data frames are
// reassembled into Messages for the caller to route. Any codec,
// fragmentation, or UTF-8 violation queues a CLOSE frame with the
// mapped status code, transitions to CLOSING, and is returned as err —
// the caller should stop reading but must still let the close frame
// drain via DrainOutbound.
func (s *Session) Feed(newData []byte) (messages []Message, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Open {
		return nil, fmt.Errorf("session: Feed called while state=%s", s.state)
	}

	buf := append(s.inbound, newData...)

	var frames []*frame.Frame
	var rest []byte
	if s.Draft.UsesBitFraming() {
		frames, rest, err = frame.Decode(buf, s.maxMessage)
	} else {
		frames, rest, err = frame.DecodeHybi00(buf, s.maxMessage)
	}
	if err != nil {
		s.failLocked(mapCodecError(err))
		return nil, err
	}
	s.inbound = rest

	for _, f := range frames {
		s.Stats.framesIn.Add(1)
		s.Stats.bytesIn.Add(int64(len(f.Payload)))

		if s.Draft.UsesBitFraming() && !f.Masked {
			closeErr := newCloseError(CloseProtocolError, "session: client frame missing mask bit")
			s.failLocked(closeErr.(*closeError).code)
			return messages, closeErr
		}

		msg, closeErr := s.consumeFrame(f)
		if closeErr != nil {
			s.failLocked(closeErr.(*closeError).code)
			return messages, closeErr
		}
		if msg != nil {
			messages = append(messages, *msg)
			s.Stats.messagesIn.Add(1)
		}
	}

	return messages, nil
}

// closeError carries the close code a consumeFrame failure should be
// reported with; it is never compared by identity, only type-asserted in
// Feed to pass its code to failLocked, so it stays unexported.
type closeError struct {
	code CloseCode
	msg  string
}

func (e *closeError) Error() string { return e.msg }

func newCloseError(code CloseCode, msg string) error {
	return &closeError{code: code, msg: msg}
}

// consumeFrame applies one decoded frame to the fragmentation/control
// state machine. Caller holds s.mu.
func (s *Session) consumeFrame(f *frame.Frame) (*Message, error) {
	if frame.IsControl(f.Opcode) {
		switch f.Opcode {
		case frame.OpPing:
			s.Stats.pingsIn.Add(1)
			s.enqueueLocked(frame.Encode(frame.OpPong, f.Payload, true))
		case frame.OpPong:
			s.Stats.pongsIn.Add(1)
		case frame.OpClose:
			code := CloseNormal
			if len(f.Payload) >= 2 {
				code = CloseCode(uint16(f.Payload[0])<<8 | uint16(f.Payload[1]))
			}
			s.markClosing()
			s.enqueueLocked(frame.Encode(frame.OpClose, closePayload(code), true))
		}
		return nil, nil
	}

	switch f.Opcode {
	case frame.OpText, frame.OpBinary:
		if s.accumulating {
			return nil, newCloseError(CloseProtocolError, "session: new data frame before prior fragment finished")
		}
		if f.Fin {
			if f.Opcode == frame.OpText && !utf8valid.Valid(f.Payload) {
				return nil, newCloseError(CloseInvalidPayload, "session: invalid UTF-8 in text message")
			}
			return &Message{Opcode: f.Opcode, Payload: f.Payload}, nil
		}
		s.accumulating = true
		s.accumOpcode = f.Opcode
		s.accum = append(s.accum[:0], f.Payload...)
		return nil, nil

	case frame.OpContinuation:
		if !s.accumulating {
			return nil, newCloseError(CloseProtocolError, "session: continuation frame with no prior fragment")
		}
		if len(s.accum)+len(f.Payload) > s.maxMessage {
			return nil, newCloseError(CloseTooBig, "session: accumulated message exceeds max size")
		}
		s.accum = append(s.accum, f.Payload...)
		if f.Fin {
			s.accumulating = false
			payload := s.accum
			s.accum = nil
			if s.accumOpcode == frame.OpText && !utf8valid.Valid(payload) {
				return nil, newCloseError(CloseInvalidPayload, "session: invalid UTF-8 in reassembled text message")
			}
			return &Message{Opcode: s.accumOpcode, Payload: payload}, nil
		}
		return nil, nil

	default:
		return nil, newCloseError(CloseProtocolError, "session: unexpected opcode")
	}
}

// failLocked queues a CLOSE frame with code and transitions to CLOSING.
// Caller holds s.mu.
func (s *Session) failLocked(code CloseCode) {
	s.Stats.protocolErrs.Add(1)
	s.markClosing()
	s.enqueueLocked(frame.Encode(frame.OpClose, closePayload(code), true))
}

func closePayload(code CloseCode) []byte {
	return []byte{byte(code >> 8), byte(code & 0xFF)}
}

func mapCodecError(err error) CloseCode {
	if errors.Is(err, frame.ErrTooBig) {
		return CloseTooBig
	}
	return CloseProtocolError
}

// enqueueLocked appends an already-framed byte slice to the outbound
// queue. Caller holds s.mu.
func (s *Session) enqueueLocked(framed []byte) {
	s.outbound = append(s.outbound, framed)
	s.Stats.framesOut.Add(1)
	s.Stats.bytesOut.Add(int64(len(framed)))
}

// Enqueue queues an already-encoded frame for the writer, used by the
// registry when routing a message to this session (spec §4.E). Each
// call here is one complete outbound application message — the
// counterpart to messagesIn's per-reassembled-message count in Feed —
// so messagesOut is bumped here rather than in enqueueLocked, which also
// carries control-frame replies (PONG, CLOSE) that aren't messages.
func (s *Session) Enqueue(framed []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return
	}
	s.enqueueLocked(framed)
	s.Stats.messagesOut.Add(1)
}

// InitiateClose queues a CLOSE frame and moves the session to CLOSING,
// used for locally-initiated shutdown (registry CloseAll, or the REPL
// kick command).
func (s *Session) InitiateClose(code CloseCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Open {
		return
	}
	s.markClosing()
	s.enqueueLocked(frame.Encode(frame.OpClose, closePayload(code), true))
}

// RequeueFront pushes frames back onto the front of the outbound queue,
// ahead of anything enqueued since the matching DrainOutbound. Used by
// the I/O writer when a partial write leaves a frame's remainder (and
// whatever else DrainOutbound had handed it) unsent, so a later
// writable event resumes exactly where the socket buffer cut it off
// without disturbing spec §5's per-session FIFO ordering. Does not bump
// framesOut/bytesOut/messagesOut — those were already counted when each
// frame was first enqueued.
func (s *Session) RequeueFront(frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound = append(frames, s.outbound...)
}

// DrainOutbound returns and clears everything queued for write. The
// writer worker calls this once per writable event; an empty result
// with state CLOSING means the close handshake has nothing left to send
// and the socket may be torn down.
func (s *Session) DrainOutbound() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outbound
	s.outbound = nil
	return out
}

// HasPendingWrites reports whether DrainOutbound would return anything.
func (s *Session) HasPendingWrites() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbound) > 0
}
