//go:build linux

package dispatcher

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epollDispatcher is the Linux backend named in spec.md §4.F, grounded
// on original_source/src/event_epoll.c: EPOLLONESHOT|EPOLLET gives the
// edge-triggered, one-shot semantics the session state machine relies
// on (at most one outstanding task per descriptor until the worker
// re-arms it).
type epollDispatcher struct {
	epfd      int
	wakeR     int
	wakeW     int
	listenFd  int
	events    []unix.EpollEvent
	timeoutMS int

	mu sync.Mutex // serializes epoll_ctl calls from worker goroutines
}

func newBackend(wakeR, wakeW int, timeout time.Duration) (Dispatcher, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	timeoutMS := -1
	if timeout > 0 {
		timeoutMS = int(timeout.Milliseconds())
	}

	d := &epollDispatcher{
		epfd:      epfd,
		wakeR:     wakeR,
		wakeW:     wakeW,
		events:    make([]unix.EpollEvent, 256),
		timeoutMS: timeoutMS,
	}

	if err := d.ctl(wakeR, unix.EPOLLIN|unix.EPOLLET); err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("arming wakeup pipe: %w", err)
	}

	return d, nil
}

// ctl adds fd if absent, or modifies it if already registered — ENOENT
// on MOD means this is the first arm, mirroring WSS_poll_add's
// try-MOD-then-ADD shape in event_epoll.c.
func (d *epollDispatcher) ctl(fd int, events uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	if err == unix.ENOENT {
		err = unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	return err
}

func (d *epollDispatcher) RegisterListener(fd int) error {
	d.listenFd = fd
	return d.Add(fd)
}

func (d *epollDispatcher) Add(fd int) error {
	return d.ctl(fd, unix.EPOLLIN|unix.EPOLLET|unix.EPOLLONESHOT|unix.EPOLLRDHUP)
}

func (d *epollDispatcher) ArmRead(fd int) error {
	return d.ctl(fd, unix.EPOLLIN|unix.EPOLLET|unix.EPOLLONESHOT|unix.EPOLLRDHUP)
}

func (d *epollDispatcher) ArmWrite(fd int) error {
	return d.ctl(fd, unix.EPOLLOUT|unix.EPOLLET|unix.EPOLLONESHOT)
}

func (d *epollDispatcher) Remove(fd int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (d *epollDispatcher) Wait() ([]Event, error) {
	n, err := unix.EpollWait(d.epfd, d.events, d.timeoutMS)
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	var out []Event
	for i := 0; i < n; i++ {
		ev := d.events[i]
		fd := int(ev.Fd)

		if fd == d.wakeR {
			drainWakeup(d.wakeR)
			continue
		}

		switch {
		case ev.Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0:
			out = append(out, Event{Fd: fd, Kind: EventClosing})
		case fd == d.listenFd:
			out = append(out, Event{Fd: fd, Kind: EventConnecting})
		case ev.Events&unix.EPOLLOUT != 0:
			out = append(out, Event{Fd: fd, Kind: EventWriting})
		case ev.Events&unix.EPOLLIN != 0:
			out = append(out, Event{Fd: fd, Kind: EventReading})
		}
	}
	return out, nil
}

func (d *epollDispatcher) Wakeup() error {
	_, err := unix.Write(d.wakeW, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (d *epollDispatcher) Close() error {
	_ = unix.Close(d.wakeR)
	_ = unix.Close(d.wakeW)
	return unix.Close(d.epfd)
}
