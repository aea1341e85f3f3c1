//go:build linux

package ipc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Reactor is the Manager's single epoll set. Unlike the teacher's
// EpollServer in go-server/pkg/websocket/netpoll.go — which registers
// edge-triggered (EPOLLET) TCP listener fds and returns only a flat list of
// ready fds for the caller to Accept() — this reactor registers arbitrary
// fds (the listening socket and every accepted client link) level-triggered,
// because the Manager performs one read per readiness notification
// (dispatching every complete frame that read finished and buffering any
// partial tail): level-triggered reports the fd ready again while unread
// bytes remain, with no risk of a missed wakeup the way edge-triggered
// would require an explicit re-arm loop to avoid.
type Reactor struct {
	epfd   int
	events []unix.EpollEvent
}

// NewReactor creates an empty epoll set sized for maxEvents ready
// descriptors per Wait call.
func NewReactor(maxEvents int) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ipc: epoll_create1: %w", err)
	}
	return &Reactor{
		epfd:   epfd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

// Close releases the epoll set.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}

// Add registers fd for read readiness.
func (r *Reactor) Add(fd int) error {
	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("ipc: epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Remove deregisters fd. Called when a client link is torn down.
func (r *Reactor) Remove(fd int) error {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("ipc: epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one registered fd is read-ready (or the call is
// interrupted), and returns the ready fds. timeoutMillis of -1 blocks
// indefinitely, matching the Manager's steady-state reactor loop.
func (r *Reactor) Wait(timeoutMillis int) ([]int, error) {
	n, err := unix.EpollWait(r.epfd, r.events, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("ipc: epoll_wait: %w", err)
	}

	ready := make([]int, n)
	for i := 0; i < n; i++ {
		ready[i] = int(r.events[i].Fd)
	}
	return ready, nil
}
