package handshake

import (
	"bufio"
	"bytes"
	"fmt"
	"net/textproto"
	"strings"
)

// HeaderBudget bounds how many bytes of a handshake request the
// negotiator will buffer while looking for the terminating blank line,
// per spec §4.C. A request whose header block never terminates within
// this budget is rejected as ErrBad rather than buffered indefinitely.
const HeaderBudget = 8192

var (
	crlfSentinel = []byte("\r\n\r\n")
	lfSentinel   = []byte("\n\n")
)

// findSentinel looks for the end of the header block: the standards
// "\r\n\r\n", or — in lenient mode, for legacy clients observed in the
// wild that send bare LFs — "\n\n". It reports the offset of the first
// byte after the sentinel (where any trailing body, e.g. a Hybi-00 Key3,
// begins) and whether a sentinel was found at all.
func findSentinel(buf []byte) (headerEnd int, found bool) {
	if idx := bytes.Index(buf, crlfSentinel); idx >= 0 {
		return idx + len(crlfSentinel), true
	}
	if idx := bytes.Index(buf, lfSentinel); idx >= 0 {
		return idx + len(lfSentinel), true
	}
	return 0, false
}

// Request is the parsed request-line-plus-headers block of spec §3's
// "Header block", before version classification.
type Request struct {
	Method string
	Target string
	Proto  string
	Header textproto.MIMEHeader
}

// parseRequest parses the request line and header fields out of raw,
// which must already include the trailing blank-line terminator
// (findSentinel's headerEnd). Header lookups are case-insensitive by
// construction (textproto.MIMEHeader canonicalizes keys on insert).
func parseRequest(raw []byte) (*Request, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))

	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("%w: reading request line: %v", ErrBad, err)
	}
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: malformed request line %q", ErrBad, line)
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return nil, fmt.Errorf("%w: reading headers: %v", ErrBad, err)
	}

	return &Request{Method: parts[0], Target: parts[1], Proto: parts[2], Header: header}, nil
}
