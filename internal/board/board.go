//go:build linux

// Package board provisions the kernel-backed shared datagram buffers that
// back each channel. It is a thin, Manager-side stand-in for the datagram
// ring itself (out of scope per spec.md §1): the Manager only ever asks for
// an FD and a size, hands the FD to clients, and closes it again on channel
// destruction. It never maps the region.
package board

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MinimumDefaultSize is one datagram envelope (64 KiB), per spec.md §4.C.
// Create does not check it, and internal/config validates --buffer_size
// against its own MinimumBufferSize (65535) rather than this constant.
const MinimumDefaultSize = 64 * 1024

// Create provisions a new shared datagram buffer of at least requestedSize
// bytes and returns its file descriptor and the actual (page-rounded) size.
// requestedSize must already be resolved by the caller — Create does not
// know the registry's configured default and performs no zero-substitution.
// The caller owns the returned fd and must Close it to release the buffer.
func Create(requestedSize uint64) (fd int, actualSize uint64, err error) {
	memFd, err := unix.MemfdCreate("shmembroker-channel", unix.MFD_CLOEXEC)
	if err != nil {
		return -1, 0, fmt.Errorf("board: memfd_create: %w", err)
	}

	actualSize = roundUpToPage(requestedSize)
	if err := unix.Ftruncate(memFd, int64(actualSize)); err != nil {
		unix.Close(memFd)
		return -1, 0, fmt.Errorf("board: ftruncate: %w", err)
	}

	return memFd, actualSize, nil
}

// Close releases a buffer previously returned by Create. It is called when
// a channel's last subscriber leaves.
func Close(fd int) error {
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("board: close fd %d: %w", fd, err)
	}
	return nil
}

func roundUpToPage(size uint64) uint64 {
	pageSize := uint64(os.Getpagesize())
	if size == 0 {
		return pageSize
	}
	if rem := size % pageSize; rem != 0 {
		size += pageSize - rem
	}
	return size
}
