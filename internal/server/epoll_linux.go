package server

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Poller is one edge-triggered readiness set. Each shard owns two: one for
// its UDP listeners and one for the TCP listeners plus established
// connections, so a storm on one surface cannot starve event slots on the
// other.
//
// The event's data slot carries the socket fd; the shard resolves fd to
// connection through its own map, single-threaded and lock-free. Polls are
// zero-timeout: readiness is just another queue the vectorloop drains.
type Poller struct {
	epfd   int
	events []unix.EpollEvent
}

// NewPoller creates a readiness set draining up to maxEvents per poll.
func NewPoller(maxEvents int) (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Poller{epfd: epfd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

// Add registers fd edge-triggered. writable also subscribes EPOLLOUT
// (established TCP connections and UDP listeners; TCP listeners only read).
func (p *Poller) Add(fd int, writable bool) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if writable {
		ev.Events |= unix.EPOLLOUT
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add: %w", err)
	}
	return nil
}

// Del deregisters fd. Errors are ignored: the fd is being closed anyway.
func (p *Poller) Del(fd int) {
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Poll drains ready events without blocking. EINTR yields an empty batch.
func (p *Poller) Poll() []unix.EpollEvent {
	n, err := unix.EpollWait(p.epfd, p.events, 0)
	if err != nil || n <= 0 {
		return nil
	}
	return p.events[:n]
}

// Close releases the epoll instance.
func (p *Poller) Close() {
	_ = unix.Close(p.epfd)
}
