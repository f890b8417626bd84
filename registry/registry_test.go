package registry

import (
	"net"
	"testing"

	"github.com/coregx/wsgateway/frame"
	"github.com/coregx/wsgateway/handshake"
	"github.com/coregx/wsgateway/session"
)

func newSession(id uint64) *session.Session {
	s := session.New(id, &net.TCPAddr{}, frame.RFC6455, handshake.SubprotocolNone, 0)
	s.Open()
	return s
}

func TestInsertLookupRemove(t *testing.T) {
	r := New()
	s := newSession(1)
	r.Insert(s)

	if got := r.Lookup(1); got != s {
		t.Fatalf("Lookup(1) = %v, want %v", got, s)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}

	r.Remove(1)
	if got := r.Lookup(1); got != nil {
		t.Fatalf("Lookup(1) after Remove = %v, want nil", got)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() after Remove = %d, want 0", r.Len())
	}
}

func TestUnicast(t *testing.T) {
	r := New()
	s1, s2 := newSession(1), newSession(2)
	r.Insert(s1)
	r.Insert(s2)

	if !r.Unicast(1, []byte("hi")) {
		t.Fatal("Unicast(1) = false, want true")
	}
	if !s1.HasPendingWrites() {
		t.Fatal("s1 has no pending writes after Unicast")
	}
	if s2.HasPendingWrites() {
		t.Fatal("s2 has pending writes, want none")
	}
	if r.Unicast(99, []byte("hi")) {
		t.Fatal("Unicast(99) = true, want false for absent session")
	}
}

func TestBroadcastExcludes(t *testing.T) {
	r := New()
	s1, s2, s3 := newSession(1), newSession(2), newSession(3)
	r.Insert(s1)
	r.Insert(s2)
	r.Insert(s3)

	r.Broadcast(2, []byte("hello"))

	if !s1.HasPendingWrites() || !s3.HasPendingWrites() {
		t.Fatal("excluded-broadcast should reach s1 and s3")
	}
	if s2.HasPendingWrites() {
		t.Fatal("excluded session s2 received a broadcast frame, want none")
	}
}

func TestBroadcastAll(t *testing.T) {
	r := New()
	s1, s2 := newSession(1), newSession(2)
	r.Insert(s1)
	r.Insert(s2)

	r.BroadcastAll([]byte("hello"))

	if !s1.HasPendingWrites() || !s2.HasPendingWrites() {
		t.Fatal("BroadcastAll should reach every registered session")
	}
}

func TestCloseAll(t *testing.T) {
	r := New()
	s1, s2 := newSession(1), newSession(2)
	r.Insert(s1)
	r.Insert(s2)

	r.CloseAll(session.CloseGoingAway)

	for _, s := range []*session.Session{s1, s2} {
		if s.State() != session.Closing {
			t.Fatalf("session %d state = %v, want CLOSING", s.ID, s.State())
		}
		if !s.HasPendingWrites() {
			t.Fatalf("session %d has no queued close frame", s.ID)
		}
	}
}
