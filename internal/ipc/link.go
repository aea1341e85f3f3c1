//go:build linux

package ipc

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Link wraps one accepted client connection: framed byte read/write, FD
// passing, and peer credential lookup, grounded on the raw socket-option
// handling the teacher uses in go-server/pkg/websocket/netpoll.go, adapted
// from TCP tuning options to Unix-domain ancillary data.
type Link struct {
	conn *net.UnixConn
}

// NewLink wraps an accepted *net.UnixConn.
func NewLink(conn *net.UnixConn) *Link {
	return &Link{conn: conn}
}

// Close closes the underlying connection.
func (l *Link) Close() error {
	return l.conn.Close()
}

// FD returns the raw file descriptor backing this link, for registration
// with the reactor's epoll set.
func (l *Link) FD() (int, error) {
	raw, err := l.conn.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("ipc: link syscall conn: %w", err)
	}
	var fd int
	ctrlErr := raw.Control(func(s uintptr) { fd = int(s) })
	if ctrlErr != nil {
		return -1, fmt.Errorf("ipc: link control: %w", ctrlErr)
	}
	return fd, nil
}

// Credentials is the authenticated peer identity retrieved from the kernel
// at accept time via SO_PEERCRED, never trusted from anything the client
// sends on the wire (spec.md §4.G).
type Credentials struct {
	PID int32
	UID uint32
	GID uint32
}

// PeerCredentials reads the kernel-verified credentials of the process on
// the other end of the connection.
func (l *Link) PeerCredentials() (Credentials, error) {
	raw, err := l.conn.SyscallConn()
	if err != nil {
		return Credentials{}, fmt.Errorf("ipc: link syscall conn: %w", err)
	}

	var ucred *unix.Ucred
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return Credentials{}, fmt.Errorf("ipc: link control: %w", ctrlErr)
	}
	if sockErr != nil {
		return Credentials{}, fmt.Errorf("ipc: getsockopt SO_PEERCRED: %w", sockErr)
	}

	return Credentials{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}, nil
}

// readChunkSize bounds a single ReadOnce call. It does not need to hold a
// whole frame — FrameReader accumulates across calls — it only needs to be
// large enough that a normally-sized datagram drains in one reactor wakeup.
const readChunkSize = 64 * 1024

// ReadOnce performs exactly one Read from the underlying connection. Callers
// on the reactor loop only invoke this after epoll has reported the fd
// read-ready, so this never blocks in practice; it never loops internally,
// which is what makes it safe to call from a single-threaded dispatch loop
// that must not stall on a slow or silent peer (spec.md §5's "non-blocking
// via readiness" invariant for reads).
func (l *Link) ReadOnce(buf []byte) (int, error) {
	n, err := l.conn.Read(buf)
	if err != nil {
		return n, fmt.Errorf("ipc: read: %w", err)
	}
	if n == 0 {
		return 0, errors.New("ipc: read: connection closed")
	}
	return n, nil
}

// FrameReader accumulates bytes fed to it across successive reactor
// wakeups and extracts complete wire frames as they become available. A
// client that sends a partial frame and then falls silent simply leaves its
// bytes buffered here — Feed returns no frames and no error, and the
// dispatch loop moves on to the next ready fd rather than blocking on this
// one. This replaces a loop-until-declared-size read, which could stall the
// single-threaded reactor indefinitely on exactly that client.
type FrameReader struct {
	headerSize int
	decodeSize func(header []byte) (total int, err error)
	buf        []byte
}

// NewFrameReader builds a FrameReader for frames with the given fixed
// header size, using decodeSize to read the total declared frame length out
// of the header once it has fully arrived.
func NewFrameReader(headerSize int, decodeSize func(header []byte) (total int, err error)) *FrameReader {
	return &FrameReader{headerSize: headerSize, decodeSize: decodeSize}
}

// Feed performs one ReadOnce against link, appends the bytes read to the
// internal accumulator, and returns every frame now fully present. Any
// partial trailing bytes remain buffered for the next call.
func (r *FrameReader) Feed(link *Link) ([][]byte, error) {
	chunk := make([]byte, readChunkSize)
	n, err := link.ReadOnce(chunk)
	if err != nil {
		return nil, err
	}
	r.buf = append(r.buf, chunk[:n]...)

	var frames [][]byte
	for {
		if len(r.buf) < r.headerSize {
			break
		}

		total, err := r.decodeSize(r.buf[:r.headerSize])
		if err != nil {
			return frames, err
		}
		if total < r.headerSize {
			return frames, fmt.Errorf("ipc: declared frame size %d shorter than header %d", total, r.headerSize)
		}
		if len(r.buf) < total {
			break
		}

		frame := make([]byte, total)
		copy(frame, r.buf[:total])
		frames = append(frames, frame)

		remaining := len(r.buf) - total
		rest := make([]byte, remaining)
		copy(rest, r.buf[total:])
		r.buf = rest
	}
	return frames, nil
}

// Write sends buf in full, looping short writes.
func (l *Link) Write(buf []byte) error {
	for written := 0; written < len(buf); {
		n, err := l.conn.Write(buf[written:])
		if err != nil {
			return fmt.Errorf("ipc: write: %w", err)
		}
		written += n
	}
	return nil
}

// SendFD writes buf as the message payload with fd attached as ancillary
// SCM_RIGHTS data, handing off the shared buffer's descriptor to the client.
// The session calls it after the approval reply has been written, as a
// separate message of its own.
func (l *Link) SendFD(buf []byte, fd int) error {
	oob := unix.UnixRights(fd)
	_, _, err := l.conn.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return fmt.Errorf("ipc: send fd: %w", err)
	}
	return nil
}
