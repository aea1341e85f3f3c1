//go:build linux

// Package ipc implements the rendezvous transport: the Unix-domain listening
// socket, per-client link (framed read/write, SCM_RIGHTS FD passing,
// SO_PEERCRED credential lookup), and the epoll-based reactor that
// multiplexes them all on one goroutine.
package ipc

import (
	"fmt"
	"net"
	"os"
)

// Listen creates the rendezvous Unix-domain socket at path, removing any
// stale socket file left behind by a previous run, and applies mode to the
// socket's filesystem entry so eligible client processes can connect
// (spec.md §4.I's listening-socket creation step).
func Listen(path string, mode os.FileMode) (*net.UnixListener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("ipc: remove stale socket %q: %w", path, err)
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: resolve socket address %q: %w", path, err)
	}

	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen on %q: %w", path, err)
	}

	if err := os.Chmod(path, mode); err != nil {
		listener.Close()
		os.Remove(path)
		return nil, fmt.Errorf("ipc: chmod %q: %w", path, err)
	}

	return listener, nil
}
