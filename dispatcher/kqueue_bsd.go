//go:build darwin || freebsd || netbsd || openbsd

package dispatcher

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// kqueueDispatcher is the BSD/Darwin backend named in spec.md §4.F,
// grounded on original_source/src/event_kqueue.c: EV_CLEAR gives
// edge-triggering and EV_ONESHOT gives the one-event-per-arm semantics;
// EV_EOF on a read filter is kqueue's equivalent of EPOLLRDHUP.
type kqueueDispatcher struct {
	kq       int
	wakeR    int
	wakeW    int
	listenFd int
	timeout  *unix.Timespec // nil blocks forever

	mu sync.Mutex // serializes kevent registration calls
}

func newBackend(wakeR, wakeW int, timeout time.Duration) (Dispatcher, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}

	d := &kqueueDispatcher{kq: kq, wakeR: wakeR, wakeW: wakeW}
	if timeout > 0 {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		d.timeout = &ts
	}

	change := unix.Kevent_t{}
	unix.SetKevent(&change, wakeR, unix.EVFILT_READ, unix.EV_ADD|unix.EV_CLEAR)
	if _, err := unix.Kevent(kq, []unix.Kevent_t{change}, nil, nil); err != nil {
		_ = unix.Close(kq)
		return nil, fmt.Errorf("arming wakeup pipe: %w", err)
	}

	return d, nil
}

func (d *kqueueDispatcher) register(fd int, filter int16, flags uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	change := unix.Kevent_t{}
	unix.SetKevent(&change, fd, filter, flags)
	_, err := unix.Kevent(d.kq, []unix.Kevent_t{change}, nil, nil)
	return err
}

func (d *kqueueDispatcher) RegisterListener(fd int) error {
	d.listenFd = fd
	return d.Add(fd)
}

func (d *kqueueDispatcher) Add(fd int) error {
	return d.register(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ONESHOT|unix.EV_CLEAR)
}

func (d *kqueueDispatcher) ArmRead(fd int) error {
	return d.register(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ONESHOT|unix.EV_CLEAR)
}

func (d *kqueueDispatcher) ArmWrite(fd int) error {
	return d.register(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ONESHOT|unix.EV_CLEAR)
}

func (d *kqueueDispatcher) Remove(fd int) {
	_ = d.register(fd, unix.EVFILT_READ, unix.EV_DELETE)
	_ = d.register(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
}

func (d *kqueueDispatcher) Wait() ([]Event, error) {
	events := make([]unix.Kevent_t, 256)
	n, err := unix.Kevent(d.kq, nil, events, d.timeout)
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kevent: %w", err)
	}

	var out []Event
	for i := 0; i < n; i++ {
		ev := events[i]
		fd := int(ev.Ident)

		if fd == d.wakeR {
			drainWakeup(d.wakeR)
			continue
		}

		switch {
		case ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0:
			out = append(out, Event{Fd: fd, Kind: EventClosing})
		case fd == d.listenFd:
			out = append(out, Event{Fd: fd, Kind: EventConnecting})
		case ev.Filter == unix.EVFILT_WRITE:
			out = append(out, Event{Fd: fd, Kind: EventWriting})
		case ev.Filter == unix.EVFILT_READ:
			out = append(out, Event{Fd: fd, Kind: EventReading})
		}
	}
	return out, nil
}

func (d *kqueueDispatcher) Wakeup() error {
	_, err := unix.Write(d.wakeW, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (d *kqueueDispatcher) Close() error {
	_ = unix.Close(d.wakeR)
	_ = unix.Close(d.wakeW)
	return unix.Close(d.kq)
}
