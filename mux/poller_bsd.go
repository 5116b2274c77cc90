//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package mux

import (
	"golang.org/x/sys/unix"
)

// kqueuePoller is the wait primitive on macOS and the BSDs, backed by
// kqueue(2) with a self-pipe for cross-goroutine wakeups.
type kqueuePoller struct {
	kq        int
	wakeRead  int
	wakeWrite int
}

func newPoller() (poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		unix.Close(kq)
		return nil, err
	}
	for _, fd := range fds {
		unix.SetNonblock(fd, true)
		unix.CloseOnExec(fd)
	}
	p := &kqueuePoller{kq: kq, wakeRead: fds[0], wakeWrite: fds[1]}
	ev := unix.Kevent_t{Ident: uint64(fds[0]), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *kqueuePoller) changes(fd int, mask EventMask, flags uint16) []unix.Kevent_t {
	var evs []unix.Kevent_t
	if mask&EventRead != 0 {
		evs = append(evs, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if mask&EventWrite != 0 {
		evs = append(evs, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return evs
}

func (p *kqueuePoller) Add(fd int, mask EventMask) error {
	_, err := unix.Kevent(p.kq, p.changes(fd, mask, unix.EV_ADD), nil, nil)
	return err
}

func (p *kqueuePoller) Mod(fd int, mask EventMask) error {
	// kqueue has no atomic modify: clear both filters, then add the new set.
	p.Del(fd)
	return p.Add(fd, mask)
}

func (p *kqueuePoller) Del(fd int) error {
	// Deleting a filter that was never added reports ENOENT; ignore it so
	// Del stays symmetric with the epoll implementation.
	evs := p.changes(fd, EventRead|EventWrite, unix.EV_DELETE)
	for _, ev := range evs {
		unix.Kevent(p.kq, []unix.Kevent_t{ev}, nil, nil)
	}
	return nil
}

func (p *kqueuePoller) Wait(events []event) (int, error) {
	raw := make([]unix.Kevent_t, len(events))
	n, err := unix.Kevent(p.kq, nil, raw, nil)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	out := 0
	for i := 0; i < n; i++ {
		fd := int(raw[i].Ident)
		if fd == p.wakeRead {
			p.drainWake()
			continue
		}
		var mask EventMask
		switch raw[i].Filter {
		case unix.EVFILT_READ:
			mask |= EventRead
		case unix.EVFILT_WRITE:
			mask |= EventWrite
		}
		if raw[i].Flags&unix.EV_EOF != 0 {
			mask |= EventError
		}
		// Coalesce read/write reports for the same fd into one event.
		merged := false
		for j := 0; j < out; j++ {
			if events[j].fd == fd {
				events[j].mask |= mask
				merged = true
				break
			}
		}
		if !merged {
			events[out] = event{fd: fd, mask: mask}
			out++
		}
	}
	return out, nil
}

func (p *kqueuePoller) drainWake() {
	var buf [64]byte
	for {
		if n, err := unix.Read(p.wakeRead, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

func (p *kqueuePoller) Wake() error {
	_, err := unix.Write(p.wakeWrite, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *kqueuePoller) Close() error {
	unix.Close(p.wakeRead)
	unix.Close(p.wakeWrite)
	return unix.Close(p.kq)
}
