//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package dispatcher

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollDispatcher is the portable fallback spec.md §4.F names for POSIX
// targets without epoll or kqueue. poll(2) is level-triggered by
// nature, so one-shot semantics are emulated here: once a descriptor's
// interest bit fires it is cleared from the interest set until ArmRead/
// ArmWrite puts it back, giving the same "at most one outstanding event
// per descriptor" contract the session layer depends on.
type pollDispatcher struct {
	wakeR     int
	wakeW     int
	listenFd  int
	timeoutMS int

	mu       sync.Mutex
	interest map[int]int16 // fd -> POLLIN/POLLOUT bitmask
}

func newBackend(wakeR, wakeW int, timeout time.Duration) (Dispatcher, error) {
	timeoutMS := -1
	if timeout > 0 {
		timeoutMS = int(timeout.Milliseconds())
	}
	d := &pollDispatcher{
		wakeR:     wakeR,
		wakeW:     wakeW,
		timeoutMS: timeoutMS,
		interest:  make(map[int]int16),
	}
	d.interest[wakeR] = unix.POLLIN
	return d, nil
}

func (d *pollDispatcher) RegisterListener(fd int) error {
	d.listenFd = fd
	return d.Add(fd)
}

func (d *pollDispatcher) Add(fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interest[fd] = unix.POLLIN
	return nil
}

func (d *pollDispatcher) ArmRead(fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interest[fd] = unix.POLLIN
	return nil
}

func (d *pollDispatcher) ArmWrite(fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interest[fd] = unix.POLLOUT
	return nil
}

func (d *pollDispatcher) Remove(fd int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.interest, fd)
}

func (d *pollDispatcher) Wait() ([]Event, error) {
	d.mu.Lock()
	fds := make([]unix.PollFd, 0, len(d.interest))
	for fd, events := range d.interest {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
	}
	d.mu.Unlock()

	n, err := unix.Poll(fds, d.timeoutMS)
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	var out []Event
	d.mu.Lock()
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)

		if fd == d.wakeR {
			drainWakeup(d.wakeR)
			continue
		}

		// One-shot: clear interest until the caller re-arms.
		delete(d.interest, fd)

		switch {
		case pfd.Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0:
			out = append(out, Event{Fd: fd, Kind: EventClosing})
		case fd == d.listenFd:
			out = append(out, Event{Fd: fd, Kind: EventConnecting})
		case pfd.Revents&unix.POLLOUT != 0:
			out = append(out, Event{Fd: fd, Kind: EventWriting})
		case pfd.Revents&unix.POLLIN != 0:
			out = append(out, Event{Fd: fd, Kind: EventReading})
		}
	}
	d.mu.Unlock()

	return out, nil
}

func (d *pollDispatcher) Wakeup() error {
	_, err := unix.Write(d.wakeW, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (d *pollDispatcher) Close() error {
	_ = unix.Close(d.wakeR)
	_ = unix.Close(d.wakeW)
	return nil
}
