// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mq

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// Link is the thin nonblocking stream-socket primitive Connection is built
// on (spec §4.1). It owns exactly one nonblocking file descriptor. Only
// Connect and Accept called with noWait false block the calling goroutine,
// waiting in ppoll until the socket is ready.
type Link struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

func sockaddr(addr string, port int) (unix.Sockaddr, int, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		ips, err := net.LookupIP(addr)
		if err != nil || len(ips) == 0 {
			return nil, 0, fmt.Errorf("mq: resolve %q: %w", addr, err)
		}
		ip = ips[0]
	}
	if v4 := ip.To4(); v4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = port
		copy(sa.Addr[:], v4)
		return &sa, unix.AF_INET, nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return nil, 0, fmt.Errorf("mq: unsupported address %q", addr)
	}
	var sa unix.SockaddrInet6
	sa.Port = port
	copy(sa.Addr[:], v6)
	return &sa, unix.AF_INET6, nil
}

// newSocket creates a nonblocking, close-on-exec stream socket of the given
// family.
func newSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// Serve creates a listening socket bound to addr:port. The backlog and
// socket options (SO_REUSEADDR, nonblocking mode) are chosen by Link. The
// noWait argument of the returned Link's Accept controls whether Accept
// returns nil immediately when no connection is pending or blocks in ppoll
// until one arrives.
func Serve(addr string, port int) (*Link, error) {
	sa, family, err := sockaddr(addr, port)
	if err != nil {
		return nil, err
	}
	fd, err := newSocket(family)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	const backlog = 128
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Link{fd: fd}, nil
}

// Connect initiates a connection to addr:port. In no-wait mode, the socket
// is left nonblocking and the call returns as soon as the connect syscall
// has been issued; the returned Link may still be completing the TCP
// handshake (Connection tracks this as INPROGRESS and resolves it via
// SO_ERROR on the first writable event, per spec §4.5). When noWait is
// false, Connect blocks the calling goroutine until the handshake resolves.
func Connect(addr string, port int, noWait bool) (*Link, error) {
	sa, family, err := sockaddr(addr, port)
	if err != nil {
		return nil, err
	}
	fd, err := newSocket(family)
	if err != nil {
		return nil, err
	}
	err = unix.Connect(fd, sa)
	if err == nil {
		return &Link{fd: fd}, nil
	}
	if err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, err
	}
	if noWait {
		return &Link{fd: fd}, nil
	}

	// Blocking mode: wait for the socket to become writable, then inspect
	// SO_ERROR exactly the way Connection's INPROGRESS handling does.
	for {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, perr := unix.Ppoll(pfd, nil, nil)
		if perr == unix.EINTR {
			continue
		}
		if perr != nil {
			unix.Close(fd)
			return nil, perr
		}
		if n == 0 {
			continue
		}
		break
	}
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if soerr != 0 {
		unix.Close(fd)
		return nil, unix.Errno(soerr)
	}
	return &Link{fd: fd}, nil
}

// Accept accepts one pending connection. In no-wait mode it returns
// (nil, nil) immediately if no connection is pending; otherwise it blocks
// the calling goroutine until one arrives.
func (l *Link) Accept(noWait bool) (*Link, error) {
	for {
		nfd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == nil {
			return &Link{fd: nfd}, nil
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return nil, err
		}
		if noWait {
			return nil, nil
		}
		pfd := []unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN}}
		n, perr := unix.Ppoll(pfd, nil, nil)
		if perr != nil && perr != unix.EINTR {
			return nil, perr
		}
		_ = n
	}
}

// FD returns the underlying file descriptor, for poll integration.
func (l *Link) FD() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fd
}

// Close releases the link. Safe to call more than once.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return unix.Close(l.fd)
}
