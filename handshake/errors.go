package handshake

import "errors"

// Sentinel errors map one-to-one onto the HANDSHAKE_* error kinds of
// spec §7; Negotiate reports a failure as one of these (some returned
// as is, some wrapped with context, so compare with errors.Is) alongside
// a ready-to-write response, so a caller never has to build an error
// response itself.
var (
	// ErrBad covers a malformed request line, a header block that never
	// terminates within the header budget, or an unparseable Hybi-00
	// key. Surfaced as HTTP 400.
	ErrBad = errors.New("handshake: bad request")

	// ErrForbidden is an ACL rejection on Host or Origin. Surfaced as
	// HTTP 403.
	ErrForbidden = errors.New("handshake: forbidden")

	// ErrVersion is a Sec-WebSocket-Version the negotiator does not
	// recognize as 13, 8, or 7 while otherwise looking like an RFC
	// 6455-family request. Surfaced as HTTP 426.
	ErrVersion = errors.New("handshake: upgrade required")

	// ErrNotImplemented is a request that matches no draft and carries
	// no Upgrade header (a plain HTTP request). Surfaced as HTTP 501.
	ErrNotImplemented = errors.New("handshake: not implemented")
)
