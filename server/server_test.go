package server_test

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/coregx/wsgateway/frame"
	"github.com/coregx/wsgateway/handshake"
	"github.com/coregx/wsgateway/server"
)

// startEchoServer boots a Server on an ephemeral loopback port with ACL
// enforcement disabled, grounded on the teacher pack's
// httptest.NewUnstartedServer pattern in websocket/integration_test.go
// (there via net/http, here via a direct ListenAndServe since the
// gateway speaks to raw sockets rather than net/http.Hijacker).
func startEchoServer(t *testing.T) (addr string, shutdown func()) {
	t.Helper()

	negotiator := handshake.New(handshake.Options{
		SkipHostACL:   true,
		SkipOriginACL: true,
		Subprotocols:  []handshake.Subprotocol{handshake.SubprotocolEcho},
	})

	srv, err := server.New(server.Options{
		Addr:       "127.0.0.1:0",
		Negotiator: negotiator,
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	addr = srv.Addr().String()

	return addr, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("server did not shut down in time")
		}
	}
}

func dialAndHandshake(t *testing.T, addr string) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	req := "GET / HTTP/1.1\r\n" +
		"Host: " + addr + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	r := bufio.NewReader(conn)
	statusLine, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if statusLine != "HTTP/1.1 101 Switching Protocols\r\n" {
		t.Fatalf("status line = %q, want 101 Switching Protocols", statusLine)
	}

	wantAccept := acceptFor("dGhlIHNhbXBsZSBub25jZQ==")
	foundAccept := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read handshake headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
		if line == "Sec-WebSocket-Accept: "+wantAccept+"\r\n" {
			foundAccept = true
		}
	}
	if !foundAccept {
		t.Fatal("response missing expected Sec-WebSocket-Accept header")
	}

	return &bufferedConn{Conn: conn, r: r}
}

// bufferedConn lets a caller keep using net.Conn's Read after this test
// helper already buffered past the handshake response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

func acceptFor(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11"))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func TestServerEchoRoundTrip(t *testing.T) {
	addr, shutdown := startEchoServer(t)
	defer shutdown()

	conn := dialAndHandshake(t, addr)
	defer conn.Close()

	payload := []byte("hello gateway")
	masked := frame.EncodeMasked(frame.OpText, payload, true, [4]byte{0x12, 0x34, 0x56, 0x78})
	if _, err := conn.Write(masked); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}

	frames, _, err := frame.Decode(buf[:n], 1<<20)
	if err != nil {
		t.Fatalf("decode echo: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Opcode != frame.OpText {
		t.Errorf("opcode = %d, want OpText", frames[0].Opcode)
	}
	if frames[0].Masked {
		t.Error("server frame should not be masked")
	}
	if string(frames[0].Payload) != string(payload) {
		t.Errorf("echo payload = %q, want %q", frames[0].Payload, payload)
	}
}

func TestServerCloseHandshake(t *testing.T) {
	addr, shutdown := startEchoServer(t)
	defer shutdown()

	conn := dialAndHandshake(t, addr)
	defer conn.Close()

	closeFrame := frame.EncodeMasked(frame.OpClose, nil, true, [4]byte{0xAA, 0xBB, 0xCC, 0xDD})
	if _, err := conn.Write(closeFrame); err != nil {
		t.Fatalf("write close frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read close reply: %v", err)
	}

	frames, _, err := frame.Decode(buf[:n], 1<<20)
	if err != nil {
		t.Fatalf("decode close reply: %v", err)
	}
	if len(frames) != 1 || frames[0].Opcode != frame.OpClose {
		t.Fatalf("expected a single close frame reply, got %+v", frames)
	}
}
