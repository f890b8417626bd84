package frame

// Draft identifies one of the historical WebSocket protocol revisions the
// gateway negotiates and frames for. Decode and Encode do not take a
// Draft: they implement RFC 6455 bit framing only, and DecodeHybi00/
// EncodeHybi00 implement Hybi-00 byte-stuffed framing. Callers pick the
// pair from the session's Draft (see UsesBitFraming).
type Draft int

const (
	// Unknown is the zero value; never a valid negotiated draft.
	Unknown Draft = iota

	// Hixie75 predates any binary framing: it is a raw byte stream with
	// no frame boundaries at all. Decode/Encode are not meaningful for
	// Hixie75; the handshake negotiator reports it so that the server
	// writes the Hixie-75 response and then closes the connection
	// instead of creating an OPEN session for it.
	Hixie75

	// Hybi00 uses 0x00 <payload> 0xFF byte-stuffed framing.
	Hybi00

	// Hybi07 and Hybi10 share RFC 6455's base framing verbatim; they are
	// kept as distinct Draft values because the handshake negotiator
	// reports them independently (Sec-WebSocket-Version: 7 vs 8).
	Hybi07
	Hybi10

	// RFC6455 is the final, standardized draft (Sec-WebSocket-Version: 13).
	RFC6455
)

// String returns a short human-readable label, used in log fields.
func (d Draft) String() string {
	switch d {
	case Hixie75:
		return "hixie75"
	case Hybi00:
		return "hybi00"
	case Hybi07:
		return "hybi07"
	case Hybi10:
		return "hybi10"
	case RFC6455:
		return "rfc6455"
	default:
		return "unknown"
	}
}

// UsesBitFraming reports whether d is framed with RFC 6455's base framing
// (Hybi07, Hybi10, RFC6455) as opposed to Hybi-00's byte-stuffed framing.
func (d Draft) UsesBitFraming() bool {
	return d == Hybi07 || d == Hybi10 || d == RFC6455
}
