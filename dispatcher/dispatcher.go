// Package dispatcher implements the edge-triggered, one-shot readiness
// loop of spec §4.F: a single goroutine blocks on the OS's readiness
// primitive (epoll on Linux, kqueue on BSD/Darwin, poll(2) as the
// portable fallback), classifies each ready descriptor, and hands the
// classification back to the caller as a batch of Events — it never
// does I/O on a peer socket itself. Re-arming a descriptor after a
// worker finishes with it is the worker's job (server.Server), which is
// what keeps "one task per descriptor outstanding at a time" true
// without the dispatcher needing to track per-session ownership.
package dispatcher

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// EventKind classifies a ready descriptor the way spec §4.F's dispatch
// table does.
type EventKind int

const (
	// EventConnecting is the listen socket becoming readable.
	EventConnecting EventKind = iota
	// EventReading is a peer socket with data to read.
	EventReading
	// EventWriting is a peer socket ready to accept more writes.
	EventWriting
	// EventClosing is a peer socket reporting HUP/ERR/RDHUP.
	EventClosing
)

func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "CONNECTING"
	case EventReading:
		return "READING"
	case EventWriting:
		return "WRITING"
	case EventClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Event is one classified readiness notification.
type Event struct {
	Fd   int
	Kind EventKind
}

// Dispatcher is the backend-independent readiness interface. Every
// method except Wait and Wakeup is expected to be called from worker
// goroutines, never the dispatcher's own Wait loop; implementations
// must be safe for that concurrent use.
type Dispatcher interface {
	// RegisterListener arms the listen socket for one-shot read events
	// and remembers its fd so Wait can classify it as EventConnecting
	// rather than EventReading.
	RegisterListener(fd int) error
	// Add arms fd for a one-shot read event. Used the first time a
	// session's descriptor (post-handshake) is handed to the dispatcher.
	Add(fd int) error
	// ArmRead re-arms fd for exactly one more read event.
	ArmRead(fd int) error
	// ArmWrite re-arms fd for exactly one more write event, used once a
	// session has bytes queued in its outbound buffer.
	ArmWrite(fd int) error
	// Remove drops fd from the readiness set. Safe to call more than
	// once; safe to call on an fd already closed by the caller.
	Remove(fd int)
	// Wait blocks until at least one descriptor is ready or the wakeup
	// pipe is signalled, returning the batch of classified events. A
	// wakeup-only wait returns a nil, nil result so the caller's loop
	// can check its own shutdown flag.
	Wait() ([]Event, error)
	// Wakeup interrupts a blocked Wait from another goroutine, used by
	// server.Server during shutdown.
	Wakeup() error
	// Close releases the backend's kernel resources and the wakeup pipe.
	Close() error
}

// New builds the platform-selected Dispatcher (one of epoll, kqueue, or
// poll, chosen at compile time via build tags) and registers listenFd
// for one-shot read events, matching spec §4.F's "registers the listen
// socket and one end of an internal pipe on startup." timeout bounds
// how long a single Wait call blocks when nothing is ready and no
// wakeup arrives, letting the caller's loop notice external state (a
// closing flag flipped without a wakeup write, say) on a bounded cadence
// rather than indefinitely; timeout<=0 blocks forever, the historical
// and still-default behavior.
func New(listenFd int, timeout time.Duration) (Dispatcher, error) {
	wakeR, wakeW, err := newWakeupPipe()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: wakeup pipe: %w", err)
	}

	d, err := newBackend(wakeR, wakeW, timeout)
	if err != nil {
		_ = unix.Close(wakeR)
		_ = unix.Close(wakeW)
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	if err := d.RegisterListener(listenFd); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("dispatcher: registering listener: %w", err)
	}

	return d, nil
}

// newWakeupPipe creates the non-blocking pipe spec §4.F and §5 describe:
// one end is armed for read alongside the listener, the other is
// written to on shutdown to interrupt a blocked Wait. Shared across all
// three backends since pipe(2) itself is not backend-specific.
func newWakeupPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return 0, 0, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

// drainWakeup reads and discards whatever is pending on the wakeup
// pipe's read end, used by every backend after it reports the wakeup fd
// ready. EAGAIN just means another goroutine already drained it.
func drainWakeup(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}
