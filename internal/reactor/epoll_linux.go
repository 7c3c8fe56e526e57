//go:build linux

package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller implements poller over a Linux epoll instance plus an eventfd
// used as the wakeup descriptor, so a task-inbox Post() can interrupt an
// in-progress EpollWait the same way I/O readiness would.
//
// Grounded on the EpollManager sketch in the fastpostgres connection-pool
// reference (fd + events slice, one instance per multiplexer/core), adapted
// into a single-purpose epoll wrapper with the eventfd wakeup this core's
// task inbox needs.
type epollPoller struct {
	epfd     int
	wakeupFD int
	nextTok  uint64
	fdByTok  map[uint64]int
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakeupFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	p := &epollPoller{epfd: epfd, wakeupFD: wakeupFD, fdByTok: make(map[uint64]int)}
	ev := unix.EpollEvent{Events: unix.EPOLLIN}
	setEventToken(&ev, 0) // token 0 is reserved for the wakeup fd
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeupFD, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(wakeupFD)
		return nil, fmt.Errorf("epoll_ctl(wakeup): %w", err)
	}
	return p, nil
}

func (p *epollPoller) Add(fd int, edgeTriggered, wantWrite bool) (uint64, error) {
	p.nextTok++
	tok := p.nextTok
	events := unix.EPOLLIN
	if wantWrite {
		events |= unix.EPOLLOUT
	}
	if edgeTriggered {
		events |= unix.EPOLLET
	}
	ev := unix.EpollEvent{Events: uint32(events)}
	setEventToken(&ev, tok)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return 0, fmt.Errorf("epoll_ctl(add, fd=%d): %w", fd, err)
	}
	p.fdByTok[tok] = fd
	return tok, nil
}

func (p *epollPoller) AddShared(fd int) (uint64, error) {
	p.nextTok++
	tok := p.nextTok
	events := uint32(unix.EPOLLIN | unix.EPOLLEXCLUSIVE)
	ev := unix.EpollEvent{Events: events}
	setEventToken(&ev, tok)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		// EPOLLEXCLUSIVE is unavailable on older kernels; fall back to a
		// plain level-triggered registration (every worker wakes, the
		// accept call itself is still exactly-once per connection thanks
		// to the OS-level accept queue, just without the fairness
		// guarantee of waking only one waiter).
		ev.Events = unix.EPOLLIN
		if err2 := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err2 != nil {
			return 0, fmt.Errorf("epoll_ctl(add shared, fd=%d): %w", fd, err)
		}
	}
	p.fdByTok[tok] = fd
	return tok, nil
}

func (p *epollPoller) Modify(token uint64, wantWrite bool) error {
	fd, ok := p.fdByTok[token]
	if !ok {
		return fmt.Errorf("epoll: unknown token %d", token)
	}
	events := unix.EPOLLIN | unix.EPOLLET
	if wantWrite {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: uint32(events)}
	setEventToken(&ev, token)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) Remove(token uint64) error {
	fd, ok := p.fdByTok[token]
	if !ok {
		return nil
	}
	delete(p.fdByTok, token)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait(dst []readyEvent, timeout time.Duration) ([]readyEvent, error) {
	var raw [256]unix.EpollEvent
	ms := int(timeout / time.Millisecond)
	if ms <= 0 && timeout > 0 {
		ms = 1
	}
	n, err := unix.EpollWait(p.epfd, raw[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, fmt.Errorf("epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := raw[i]
		tok := eventToken(&ev)
		if tok == 0 {
			p.drainWakeup()
			continue
		}
		dst = append(dst, readyEvent{
			token:    tok,
			readable: ev.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			writable: ev.Events&unix.EPOLLOUT != 0,
			hungup:   ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			errored:  ev.Events&unix.EPOLLERR != 0,
		})
	}
	return dst, nil
}

func (p *epollPoller) drainWakeup() {
	var buf [8]byte
	for {
		_, err := unix.Read(p.wakeupFD, buf[:])
		if err != nil {
			return
		}
	}
}

func (p *epollPoller) Wake() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wakeupFD, buf[:])
	return err
}

func (p *epollPoller) Close() error {
	unix.Close(p.wakeupFD)
	return unix.Close(p.epfd)
}

func closeFD(fd int) error {
	return unix.Close(fd)
}

func setNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

func readFD(fd int, b []byte) (int, error) {
	return unix.Read(fd, b)
}

func writeFD(fd int, b []byte) (int, error) {
	return unix.Write(fd, b)
}

func acceptFD(listenFD int) (int, error) {
	nfd, _, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	return nfd, err
}

var errEAGAIN error = unix.EAGAIN
