package frame

import "errors"

// Errors returned by Decode and Encode. These map directly onto the error
// kinds in spec §7: ErrProtocol surfaces as a CLOSE(1002), ErrTooBig as a
// CLOSE(1009); ErrNeedMoreData is not an application error at all — it
// tells the caller to keep the carry-over and wait for more bytes.
var (
	// ErrNeedMoreData indicates the buffered prefix is shorter than the
	// frame it starts to describe. Not a protocol violation.
	ErrNeedMoreData = errors.New("frame: need more data")

	// ErrProtocol indicates a frame-level invariant violation: reserved
	// bits set, invalid opcode, a fragmented control frame, a control
	// frame over 125 bytes, or a client→server frame missing its mask.
	ErrProtocol = errors.New("frame: protocol error")

	// ErrTooBig indicates the frame (or, at the session layer, the
	// accumulated message) would exceed the configured maximum.
	ErrTooBig = errors.New("frame: message too big")
)
