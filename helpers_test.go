// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mq

import "golang.org/x/sys/unix"

// mkpipe returns a fresh [read, write] pipe fd pair for tests that need a
// real streamable file descriptor.
func mkpipe() ([2]int, error) {
	var fds [2]int
	err := unix.Pipe2(fds[:], 0)
	return fds, err
}

// closeQuiet closes fd, discarding any error. Test cleanup helper only.
func closeQuiet(fd int) {
	_ = unix.Close(fd)
}

// writeAll writes the whole of buf to fd, retrying on partial writes. Test
// helper only; production code never assumes a pipe write is atomic.
func writeAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// newLinkPair returns two connected, nonblocking AF_UNIX stream socket fds
// wrapped as Links, standing in for a real TCP connection in tests that
// exercise Connection's send/recv state machine without a network listener.
func newLinkPair() (*Link, *Link, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, err
	}
	return &Link{fd: fds[0]}, &Link{fd: fds[1]}, nil
}
