package dispatcher

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// socketpair returns two connected, non-blocking unix-domain socket fds
// standing in for a listener and a peer connection — real kernel fds so
// the selected backend (epoll/kqueue/poll) exercises its actual syscalls
// rather than a fake.
func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func waitFor(t *testing.T, d Dispatcher) []Event {
	t.Helper()
	type result struct {
		events []Event
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		ev, err := d.Wait()
		ch <- result{ev, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("Wait: %v", r.err)
		}
		return r.events
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return in time")
		return nil
	}
}

func TestListenerReadableIsConnecting(t *testing.T) {
	listenFd, peerEnd := socketpair(t)

	d, err := New(listenFd, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if _, err := unix.Write(peerEnd, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	events := waitFor(t, d)
	if len(events) != 1 || events[0].Fd != listenFd || events[0].Kind != EventConnecting {
		t.Fatalf("events = %+v, want one EventConnecting on %d", events, listenFd)
	}
}

func TestPeerReadThenWrite(t *testing.T) {
	listenFd, _ := socketpair(t)
	peerA, peerB := socketpair(t)

	d, err := New(listenFd, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if err := d.Add(peerA); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := unix.Write(peerB, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	events := waitFor(t, d)
	if len(events) != 1 || events[0].Fd != peerA || events[0].Kind != EventReading {
		t.Fatalf("events = %+v, want one EventReading on %d", events, peerA)
	}

	// One-shot: a second write must not produce another event until
	// re-armed.
	if _, err := unix.Write(peerB, []byte("again")); err != nil {
		t.Fatalf("write: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_, _ = d.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Wait returned before re-arm; one-shot semantics violated")
	case <-time.After(150 * time.Millisecond):
	}
	_ = d.Wakeup()
	<-done

	if err := d.ArmRead(peerA); err != nil {
		t.Fatalf("ArmRead: %v", err)
	}
	events = waitFor(t, d)
	if len(events) != 1 || events[0].Fd != peerA || events[0].Kind != EventReading {
		t.Fatalf("events after re-arm = %+v, want one EventReading on %d", events, peerA)
	}

	if err := d.ArmWrite(peerA); err != nil {
		t.Fatalf("ArmWrite: %v", err)
	}
	events = waitFor(t, d)
	if len(events) != 1 || events[0].Fd != peerA || events[0].Kind != EventWriting {
		t.Fatalf("events after ArmWrite = %+v, want one EventWriting on %d", events, peerA)
	}
}

func TestPeerCloseIsClosing(t *testing.T) {
	listenFd, _ := socketpair(t)
	peerA, peerB := socketpair(t)

	d, err := New(listenFd, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if err := d.Add(peerA); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := unix.Close(peerB); err != nil {
		t.Fatalf("close: %v", err)
	}

	events := waitFor(t, d)
	if len(events) != 1 || events[0].Fd != peerA {
		t.Fatalf("events = %+v, want one event on %d", events, peerA)
	}
	if events[0].Kind != EventClosing && events[0].Kind != EventReading {
		t.Fatalf("events[0].Kind = %v, want EventClosing or EventReading (EOF-as-readable)", events[0].Kind)
	}
}

func TestWakeupInterruptsWait(t *testing.T) {
	listenFd, _ := socketpair(t)

	d, err := New(listenFd, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	done := make(chan struct{})
	go func() {
		_, _ = d.Wait()
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if err := d.Wakeup(); err != nil {
		t.Fatalf("Wakeup: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wakeup did not interrupt Wait")
	}
}
