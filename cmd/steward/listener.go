package main

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenBacklog is the socket-level TCP backlog required by §6. The
// standard library's net.Listen has no portable way to pass a custom
// backlog, so the listener is built directly from the raw socket syscalls
// instead, the same way the original prototype drives socket2.
const listenBacklog = 128

// newListener opens an IPv4 TCP listener with SO_REUSEADDR and
// SO_REUSEPORT set, non-blocking, bound to addr:port with the fixed
// backlog above.
func newListener(addr string, port int) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot create socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("cannot set SO_REUSEADDR: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("cannot set SO_REUSEPORT: %w", err)
	}

	ip := net.ParseIP(addr)
	if ip == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("invalid listen address %q", addr)
	}

	var ip4 [4]byte
	copy(ip4[:], ip.To4())

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port, Addr: ip4}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("cannot bind %s:%d: %w", addr, port, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("cannot set socket non-blocking: %w", err)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("cannot listen on %s:%d: %w", addr, port, err)
	}

	// net.FileListener dup()s fd internally, so the original descriptor
	// must still be closed once the *os.File wrapper is done with it.
	file := os.NewFile(uintptr(fd), fmt.Sprintf("steward-listener-%s:%d", addr, port))
	defer file.Close()

	listener, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("cannot wrap listener fd: %w", err)
	}

	return listener, nil
}
