package frame

import "fmt"

// DecodeHybi00 walks buf extracting Hybi-00 byte-stuffed frames: a text
// frame is `0x00 <utf8-payload> 0xFF`; a close frame is the two-byte
// sentinel `0xFF 0x00`. Unlike bit framing there is no length prefix, so
// a frame is only complete once its trailing sentinel byte has arrived —
// the remainder of buf (including a frame still missing its 0xFF) is
// returned as rest.
func DecodeHybi00(buf []byte, maxPayload int) (frames []*Frame, rest []byte, err error) {
	offset := 0

	for offset < len(buf) {
		switch buf[offset] {
		case 0x00:
			end := -1
			for i := offset + 1; i < len(buf); i++ {
				if buf[i] == 0xFF {
					end = i
					break
				}
			}
			if end == -1 {
				return frames, buf[offset:], nil
			}
			payload := buf[offset+1 : end]
			if len(payload) > maxPayload {
				return nil, nil, fmt.Errorf("%w: hybi00 frame payload %d exceeds %d", ErrTooBig, len(payload), maxPayload)
			}
			p := make([]byte, len(payload))
			copy(p, payload)
			frames = append(frames, &Frame{Fin: true, Opcode: OpText, Payload: p})
			offset = end + 1

		case 0xFF:
			if len(buf)-offset < 2 {
				return frames, buf[offset:], nil
			}
			if buf[offset+1] != 0x00 {
				return nil, nil, fmt.Errorf("%w: malformed hybi00 close frame", ErrProtocol)
			}
			frames = append(frames, &Frame{Fin: true, Opcode: OpClose})
			offset += 2

		default:
			return nil, nil, fmt.Errorf("%w: unexpected hybi00 frame start 0x%X", ErrProtocol, buf[offset])
		}
	}

	return frames, buf[offset:], nil
}

// EncodeHybi00 builds a single Hybi-00 frame. opcode must be OpText or
// OpClose; OpClose ignores payload and emits the fixed two-byte sentinel.
func EncodeHybi00(opcode byte, payload []byte) []byte {
	if opcode == OpClose {
		return []byte{0xFF, 0x00}
	}
	out := make([]byte, 0, len(payload)+2)
	out = append(out, 0x00)
	out = append(out, payload...)
	out = append(out, 0xFF)
	return out
}
