package handshake

import (
	"net/textproto"

	"github.com/coregx/wsgateway/frame"
)

// classify applies spec §4.C's fixed classification order: an explicit
// Sec-WebSocket-Version wins outright; failing that, the Hybi-00 legacy
// key pair; failing that, a Hixie-75-shaped request; anything else is
// either a plain HTTP request (no Upgrade header at all, NOT_IMPLEMENTED)
// or a malformed upgrade attempt (BAD).
func classify(h textproto.MIMEHeader) (frame.Draft, error) {
	switch h.Get("Sec-WebSocket-Version") {
	case "13":
		return frame.RFC6455, nil
	case "8":
		return frame.Hybi10, nil
	case "7":
		return frame.Hybi07, nil
	}

	if h.Get("Sec-WebSocket-Key1") != "" && h.Get("Sec-WebSocket-Key2") != "" {
		return frame.Hybi00, nil
	}

	if h.Get("Upgrade") != "" && h.Get("Connection") != "" && h.Get("Host") != "" && h.Get("Origin") != "" {
		return frame.Hixie75, nil
	}

	if h.Get("Upgrade") == "" {
		return frame.Unknown, ErrNotImplemented
	}
	return frame.Unknown, ErrBad
}
