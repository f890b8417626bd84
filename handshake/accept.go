package handshake

import (
	"crypto/md5" //nolint:gosec // MD5 is the scheme Hybi-00 specifies, not a security choice
	"crypto/sha1" //nolint:gosec // SHA-1 is the scheme RFC 6455 Section 1.3 specifies
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// websocketGUID is the magic string RFC 6455 Section 1.3 concatenates
// onto the client key before hashing.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// acceptRFC6455 computes Sec-WebSocket-Accept for RFC6455, Hybi07, and
// Hybi10 alike — all three share this scheme; only the negotiated
// Sec-WebSocket-Version differs.
func acceptRFC6455(key string) string {
	h := sha1.New() //nolint:gosec
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// keyNumber implements spec §4.C's Hybi-00 Key1/Key2 decoding: the
// numeric value is every ASCII digit in the field read as a decimal
// integer, divided by the count of U+0020 spaces in the same field. The
// division must be exact and there must be at least one space, or the
// request is malformed.
func keyNumber(field string) (uint32, error) {
	var digits strings.Builder
	spaces := 0
	for _, r := range field {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == ' ':
			spaces++
		}
	}
	if spaces == 0 || digits.Len() == 0 {
		return 0, fmt.Errorf("%w: key field %q has no digits or no spaces", ErrBad, field)
	}
	n, err := strconv.ParseUint(digits.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: key field %q: %v", ErrBad, field, err)
	}
	if n%uint64(spaces) != 0 {
		return 0, fmt.Errorf("%w: key field %q: %d does not divide evenly by %d spaces", ErrBad, field, n, spaces)
	}
	return uint32(n / uint64(spaces)), nil
}

// acceptHybi00 implements spec §4.C's Hybi-00 accept value: the two key
// numbers in network byte order concatenated with the raw 8-byte Key3,
// MD5'd into 16 raw bytes (not hex, not base64).
func acceptHybi00(key1, key2 string, key3 [8]byte) ([16]byte, error) {
	n1, err := keyNumber(key1)
	if err != nil {
		return [16]byte{}, err
	}
	n2, err := keyNumber(key2)
	if err != nil {
		return [16]byte{}, err
	}

	var buf [16]byte
	binary.BigEndian.PutUint32(buf[0:4], n1)
	binary.BigEndian.PutUint32(buf[4:8], n2)
	copy(buf[8:16], key3[:])

	return md5.Sum(buf[:]), nil //nolint:gosec
}
