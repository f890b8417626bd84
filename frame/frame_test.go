package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// TestDecode_SingleMaskedText is the RFC 6455 §8 scenario from spec.md:
// bytes 81 85 37 fa 21 3d 7f 9f 4d 51 58 decode to TEXT/FIN=1/"Hello".
func TestDecode_SingleMaskedText(t *testing.T) {
	data := []byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58}

	frames, rest, err := Decode(data, 1<<20)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no leftover bytes, got %d", len(rest))
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}

	f := frames[0]
	if !f.Fin || f.Opcode != OpText || string(f.Payload) != "Hello" {
		t.Errorf("got fin=%v opcode=0x%X payload=%q, want fin=true opcode=0x1 payload=Hello", f.Fin, f.Opcode, f.Payload)
	}
}

// TestDecode_TwoFragmentText is the scenario from spec.md: two unmasked
// frames (01 03 "Hel" then 80 02 "lo") decode to a single logical message
// once reassembled by the caller; frame.Decode itself just yields both
// frames in order.
func TestDecode_TwoFragmentText(t *testing.T) {
	data := []byte{0x01, 0x03, 'H', 'e', 'l', 0x80, 0x02, 'l', 'o'}

	frames, rest, err := Decode(data, 1<<20)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no leftover, got %d bytes", len(rest))
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Fin || frames[0].Opcode != OpText || string(frames[0].Payload) != "Hel" {
		t.Errorf("frame 0 = %+v, want fin=false opcode=text payload=Hel", frames[0])
	}
	if !frames[1].Fin || frames[1].Opcode != OpContinuation || string(frames[1].Payload) != "lo" {
		t.Errorf("frame 1 = %+v, want fin=true opcode=continuation payload=lo", frames[1])
	}
}

// TestDecode_CloseFrame is the close-frame scenario from spec.md: a
// masked CLOSE(1000) decodes with the status code intact once unmasked.
func TestDecode_CloseFrame(t *testing.T) {
	mask := [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
	payload := []byte{0x03, 0xE8} // status 1000
	encoded := EncodeMasked(OpClose, payload, true, mask)

	frames, rest, err := Decode(encoded, 1<<20)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("leftover = %d bytes, want 0", len(rest))
	}
	if len(frames) != 1 || frames[0].Opcode != OpClose || !bytes.Equal(frames[0].Payload, payload) {
		t.Fatalf("got %+v, want close frame with payload %v", frames, payload)
	}
}

func TestDecode_NeedMoreData(t *testing.T) {
	// A complete 2-byte header claiming a 16-bit extended length, but the
	// length bytes themselves haven't arrived yet.
	data := []byte{0x81, 126}

	frames, rest, err := Decode(data, 1<<20)
	if err != nil {
		t.Fatalf("Decode returned error for a partial frame: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected 0 complete frames, got %d", len(frames))
	}
	if !bytes.Equal(rest, data) {
		t.Fatalf("rest = %v, want the whole partial prefix %v", rest, data)
	}
}

func TestDecode_SplitAcrossReads(t *testing.T) {
	mask := [4]byte{1, 2, 3, 4}
	whole := EncodeMasked(OpText, []byte("split payload"), true, mask)

	for cut := 1; cut < len(whole); cut++ {
		first, second := whole[:cut], whole[cut:]

		frames1, rest1, err := Decode(first, 1<<20)
		if err != nil {
			t.Fatalf("cut=%d: first Decode errored: %v", cut, err)
		}
		combined := append(append([]byte{}, rest1...), second...)
		frames2, rest2, err := Decode(combined, 1<<20)
		if err != nil {
			t.Fatalf("cut=%d: second Decode errored: %v", cut, err)
		}
		if len(rest2) != 0 {
			t.Fatalf("cut=%d: leftover after full payload arrived: %d bytes", cut, len(rest2))
		}

		all := append(frames1, frames2...)
		if len(all) != 1 || string(all[0].Payload) != "split payload" {
			t.Fatalf("cut=%d: got %+v, want single frame with payload 'split payload'", cut, all)
		}
	}
}

func TestDecode_ReservedBitsRejected(t *testing.T) {
	data := []byte{0x81 | 0x40, 0x00} // RSV1 set
	if _, _, err := Decode(data, 1<<20); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestDecode_ReservedOpcodeRejected(t *testing.T) {
	data := []byte{0x83, 0x00} // opcode 0x3 is reserved
	if _, _, err := Decode(data, 1<<20); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestDecode_FragmentedControlFrameRejected(t *testing.T) {
	data := []byte{0x09, 0x00} // PING with FIN=0
	if _, _, err := Decode(data, 1<<20); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestDecode_ControlFrameTooLargeRejected(t *testing.T) {
	data := append([]byte{0x89, 126, 0, 200}, make([]byte, 200)...)
	if _, _, err := Decode(data, 1<<20); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestDecode_TooBig(t *testing.T) {
	data := []byte{0x82, 126, 0, 10} // declares 10 bytes, max is 4
	if _, _, err := Decode(data, 4); !errors.Is(err, ErrTooBig) {
		t.Fatalf("err = %v, want ErrTooBig", err)
	}
}

// TestRoundTrip_PayloadBoundaries checks the minimum-width encoding
// invariant (spec.md §8): encode always picks the narrowest length field,
// and decode(encode(m)) == m at each documented size boundary.
func TestRoundTrip_PayloadBoundaries(t *testing.T) {
	sizes := []int{0, 1, 125, 126, 65535, 65536}

	for _, n := range sizes {
		payload := bytes.Repeat([]byte{'x'}, n)
		encoded := Encode(OpBinary, payload, true)

		switch {
		case n <= 125:
			if encoded[1] != byte(n) {
				t.Errorf("size %d: want 7-bit length field, got 0x%X", n, encoded[1])
			}
		case n <= 0xFFFF:
			if encoded[1] != 126 {
				t.Errorf("size %d: want 126 length field, got 0x%X", n, encoded[1])
			}
		default:
			if encoded[1] != 127 {
				t.Errorf("size %d: want 127 length field, got 0x%X", n, encoded[1])
			}
		}

		frames, rest, err := Decode(encoded, 1<<21)
		if err != nil {
			t.Fatalf("size %d: Decode failed: %v", n, err)
		}
		if len(rest) != 0 {
			t.Fatalf("size %d: leftover %d bytes", n, len(rest))
		}
		if len(frames) != 1 {
			t.Fatalf("size %d: got %d frames, want 1", n, len(frames))
		}
		if diff := cmp.Diff(payload, frames[0].Payload, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("size %d: payload mismatch (-want +got):\n%s", n, diff)
		}
	}
}

func TestDecode_NonMinimalLengthTolerated(t *testing.T) {
	// RFC 6455 permits a decoder to accept a 126-length frame whose
	// extended field encodes a value <=125; only the encoder must be
	// minimal.
	data := []byte{0x82, 126, 0, 10}
	data = append(data, bytes.Repeat([]byte{'y'}, 10)...)

	frames, _, err := Decode(data, 1<<20)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(frames) != 1 || len(frames[0].Payload) != 10 {
		t.Fatalf("got %+v, want 1 frame with 10-byte payload", frames)
	}
}

func TestHybi00_RoundTrip(t *testing.T) {
	encoded := EncodeHybi00(OpText, []byte("hello hybi00"))
	frames, rest, err := DecodeHybi00(encoded, 1<<20)
	if err != nil {
		t.Fatalf("DecodeHybi00 failed: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("leftover = %d bytes", len(rest))
	}
	if len(frames) != 1 || string(frames[0].Payload) != "hello hybi00" {
		t.Fatalf("got %+v", frames)
	}
}

func TestHybi00_CloseSentinel(t *testing.T) {
	frames, rest, err := DecodeHybi00(EncodeHybi00(OpClose, nil), 1<<20)
	if err != nil {
		t.Fatalf("DecodeHybi00 failed: %v", err)
	}
	if len(rest) != 0 || len(frames) != 1 || frames[0].Opcode != OpClose {
		t.Fatalf("got frames=%+v rest=%v", frames, rest)
	}
}

func TestHybi00_PartialFrameKeptAsRest(t *testing.T) {
	full := EncodeHybi00(OpText, []byte("partial"))
	frames, rest, err := DecodeHybi00(full[:len(full)-2], 1<<20)
	if err != nil {
		t.Fatalf("DecodeHybi00 failed: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected 0 complete frames, got %d", len(frames))
	}
	if len(rest) != len(full)-2 {
		t.Fatalf("rest = %d bytes, want %d", len(rest), len(full)-2)
	}
}
