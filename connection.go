// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mq

import (
	"errors"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/mq/internal/list"
)

// connState mirrors spec §4.5.
type connState uint8

const (
	stateServer connState = iota
	stateInProgress
	stateConnected
	stateError
)

// Connection owns one Link, one inbound message slot, one outbound message
// queue, a current in-flight send and in-flight receive, socket-level state,
// and an error code (spec §2, §3).
type Connection struct {
	link  *Link
	state connState
	err   *ConnError

	sendQ   list.List[*message]
	sending *message

	recving *message // installed sink, awaiting a completed frame sequence
	recv    *message // completed inbound message, deliverable via Recv

	acc *Connection // accepted child, server connections only

	group *PollGroup // back-reference; non-owning (spec §9 "cyclic references")
	tag   any

	opts connOptions

	// revents observed for this connection's send/recv pollfd on the
	// previous turn. wait()/PollGroup.Wait() apply these before
	// recomputing the next turn's wishes (spec §4.7).
	lastSendRevents int16
	lastRecvRevents int16
}

// pollRole distinguishes the two independent readiness channels a
// connection may need watched in a single turn (spec §4.6: "up to two
// pollfd entries per connection").
type pollRole uint8

const (
	roleSend pollRole = iota
	roleRecv
)

// wish is one desired pollfd entry for one connection/role pair.
type wish struct {
	conn  *Connection
	role  pollRole
	fd    int
	event int16
}

func newConnection(state connState, link *Link, opts connOptions) *Connection {
	return &Connection{state: state, link: link, opts: opts, tag: opts.tag}
}

// Listen creates a Connection bound to addr:port in the SERVER state.
func Listen(addr string, port int, opts ...ConnOption) (*Connection, error) {
	o := defaultConnOptions
	for _, fn := range opts {
		fn(&o)
	}
	l, err := Serve(addr, port)
	if err != nil {
		return nil, err
	}
	return newConnection(stateServer, l, o), nil
}

// Dial initiates a connection to addr:port. The returned Connection starts
// in the INPROGRESS state (spec §4.5); its handshake completes inside a
// later Wait or PollGroup.Wait call once the underlying socket becomes
// writable.
func Dial(addr string, port int, opts ...ConnOption) (*Connection, error) {
	o := defaultConnOptions
	for _, fn := range opts {
		fn(&o)
	}
	l, err := Connect(addr, port, true)
	if err != nil {
		return nil, err
	}
	return newConnection(stateInProgress, l, o), nil
}

// Accept retrieves the one accepted child connection held by a server
// Connection, if any. MQ does not arm another accept until the previous one
// is retrieved (spec §4.5).
func (c *Connection) Accept() (*Connection, bool) {
	child := c.acc
	c.acc = nil
	if c.group != nil {
		c.group.acceptable.Remove(c)
	}
	if child == nil {
		return nil, false
	}
	return child, true
}

// Err returns the latched error, or nil if the connection is healthy.
func (c *Connection) Err() error {
	if c.state != stateError || c.err == nil {
		return nil
	}
	return c.err
}

// Tag returns the caller-opaque tag.
func (c *Connection) Tag() any { return c.tag }

// SetTag sets the caller-opaque tag.
func (c *Connection) SetTag(tag any) { c.tag = tag }

// SendBuffer enqueues buf for delivery as one SINGLE frame. MQ takes
// ownership of buf until the message completes or the connection fails.
func (c *Connection) SendBuffer(buf []byte) error {
	if err := c.Err(); err != nil {
		return err
	}
	m := newBufferMessage(buf)
	encodeHeader(&m.hdr, m.flags, uint64(m.length))
	c.sendQ.PushBack(m)
	return nil
}

// SendFD enqueues fd for delivery as a sequence of START/CONT/END frames,
// each carrying at most the connection's chunk size. MQ adopts fd: it is
// set nonblocking and closed on message disposal.
func (c *Connection) SendFD(fd int) error {
	if err := c.Err(); err != nil {
		return err
	}
	if fd < 0 {
		return ErrInvalidArgument
	}
	m, err := newFDMessage(fd, c.opts.chunkSize)
	if err != nil {
		return err
	}
	c.sendQ.PushBack(m)
	return nil
}

// StoreBuffer installs a buffer sink for the next inbound logical message.
// Only one sink may be installed at a time; installing a second before the
// first completes is a programmer error.
func (c *Connection) StoreBuffer() error {
	if err := c.Err(); err != nil {
		return err
	}
	if c.recving != nil {
		return ErrInvalidArgument
	}
	c.recving = newRecvSink(StorageBuffer, nil, -1)
	return nil
}

// StoreFD installs an fd sink for the next inbound logical message. MQ
// adopts fd: it is set nonblocking on adoption and closed on disposal.
func (c *Connection) StoreFD(fd int) error {
	if err := c.Err(); err != nil {
		return err
	}
	if c.recving != nil {
		return ErrInvalidArgument
	}
	if fd < 0 {
		return ErrInvalidArgument
	}
	origFlags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, origFlags|unix.O_NONBLOCK); err != nil {
		return err
	}
	m := newRecvSink(StorageFD, nil, fd)
	m.origFlags = origFlags
	c.recving = m
	return nil
}

// Recv returns the most recently completed inbound message, if any.
// StorageNone means no completed message is available yet.
func (c *Connection) Recv() (storage StorageKind, data []byte, length int64, err error) {
	m := c.recv
	if m == nil {
		return StorageNone, nil, 0, nil
	}
	c.recv = nil
	if c.group != nil {
		c.group.readable.Remove(c)
	}
	storage = m.storage
	length = m.totalLen
	if storage == StorageBuffer {
		data = m.buffer
	}
	// Normal completion only releases MQ's internal chunk buffer and
	// restores the pipe's original flags; the caller supplied the fd to
	// StoreFD and keeps owning it (spec §6: "On FD completion MQ releases
	// its internal chunk buffer").
	m.releaseBuffer()
	return storage, data, length, nil
}

// fail latches err on the connection and releases every resource owned by
// every queued and in-flight message (spec §7, §9 first Open Question: the
// original's mq_die leaks here; MQ always uses the full disposal path).
func (c *Connection) fail(errno syscall.Errno) {
	if c.state == stateError {
		return
	}
	c.state = stateError
	c.err = connError(errno)

	if c.acc != nil {
		_ = c.acc.Close()
		c.acc = nil
	}
	c.sendQ.Drain(func(m *message) { m.release() })
	if c.sending != nil {
		c.sending.release()
		c.sending = nil
	}
	if c.recving != nil {
		c.recving.release()
		c.recving = nil
	}
	if c.recv != nil {
		c.recv.release()
		c.recv = nil
	}
	if c.group != nil {
		c.group.acceptable.Remove(c)
		c.group.readable.Remove(c)
		c.group.errored.Add(c)
	}
}

// Close forces the connection through ERROR cleanup with err=0, removes it
// from its poll group, and closes the underlying Link.
func (c *Connection) Close() error {
	c.state = stateError
	c.err = nil

	if c.acc != nil {
		_ = c.acc.Close()
		c.acc = nil
	}
	c.sendQ.Drain(func(m *message) { m.release() })
	if c.sending != nil {
		c.sending.release()
		c.sending = nil
	}
	if c.recving != nil {
		c.recving.release()
		c.recving = nil
	}
	if c.recv != nil {
		c.recv.release()
		c.recv = nil
	}
	if c.group != nil {
		c.group.members.Remove(c)
		c.group.acceptable.Remove(c)
		c.group.readable.Remove(c)
		c.group.errored.Remove(c)
		c.group = nil
	}
	if c.link != nil {
		return c.link.Close()
	}
	return nil
}

// wishes reports the pollfd entries this connection currently wants
// watched, per the table in spec §4.6.
func (c *Connection) wishes() []wish {
	var out []wish
	switch c.state {
	case stateInProgress:
		out = append(out, wish{conn: c, role: roleSend, fd: c.link.FD(), event: unix.POLLOUT})
	case stateConnected:
		if c.sending != nil && c.sending.buffering && !c.sending.hungUp {
			out = append(out, wish{conn: c, role: roleSend, fd: c.sending.pipefd, event: unix.POLLIN})
		} else if c.sending != nil || c.sendQ.Len() > 0 {
			out = append(out, wish{conn: c, role: roleSend, fd: c.link.FD(), event: unix.POLLOUT})
		}
		if c.recving != nil && c.recving.buffering {
			out = append(out, wish{conn: c, role: roleRecv, fd: c.recving.pipefd, event: unix.POLLOUT})
		} else if c.recv == nil {
			out = append(out, wish{conn: c, role: roleRecv, fd: c.link.FD(), event: unix.POLLIN})
		}
	case stateServer:
		if c.acc == nil {
			out = append(out, wish{conn: c, role: roleRecv, fd: c.link.FD(), event: unix.POLLIN})
		}
	case stateError:
	}
	return out
}

// handleRevents applies the revents observed for this connection's pollfd
// wishes on the *previous* turn (spec §4.7: "uses the revents from the
// previous iteration before recomputing for the next").
func (c *Connection) handleRevents() error {
	sendRevents, recvRevents := c.lastSendRevents, c.lastRecvRevents

	switch c.state {
	case stateError:
		return nil
	case stateInProgress:
		if sendRevents&unix.POLLOUT != 0 {
			soerr, err := unix.GetsockoptInt(c.link.FD(), unix.SOL_SOCKET, unix.SO_ERROR)
			if err != nil {
				c.fail(errnoOf(err))
				return nil
			}
			if soerr == 0 {
				c.state = stateConnected
			} else {
				c.fail(syscall.Errno(soerr))
			}
		}
	case stateConnected:
		if sendRevents&(unix.POLLERR|unix.POLLHUP) != 0 {
			if c.sending != nil && c.sending.buffering {
				c.sending.hungUp = true
			} else {
				c.fail(syscall.ECONNRESET)
				return nil
			}
		}
		if recvRevents&(unix.POLLERR|unix.POLLHUP) != 0 {
			c.fail(syscall.ECONNRESET)
			return nil
		}
		if sendRevents&(unix.POLLOUT|unix.POLLIN) != 0 {
			if err := c.flushSend(); err != nil {
				c.fail(errnoOf(err))
				return nil
			}
		}
		if recvRevents&(unix.POLLOUT|unix.POLLIN) != 0 {
			if err := c.flushRecv(); err != nil {
				c.fail(errnoOf(err))
				return nil
			}
		}
	case stateServer:
		if recvRevents&unix.POLLIN != 0 && c.acc == nil {
			child, err := c.link.Accept(true)
			if err != nil {
				c.fail(errnoOf(err))
				return nil
			}
			if child != nil {
				c.acc = newConnection(stateConnected, child, c.opts)
			}
		}
	}

	if c.group != nil {
		if c.state == stateError {
			c.group.errored.Add(c)
		}
		if c.recv != nil {
			c.group.readable.Add(c)
		}
		if c.acc != nil {
			c.group.acceptable.Add(c)
		}
	}
	return nil
}

func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if e, ok := err.(*ConnError); ok {
		return e.Errno
	}
	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}
	if err == ErrTooLong {
		return syscall.EFBIG
	}
	return syscall.EIO
}

// flushSend drains as much of the send queue as can progress without
// blocking, mirroring flush_send's "while (true) ... return 0 on EAGAIN"
// loop in the original implementation.
func (c *Connection) flushSend() error {
	socket := c.link.FD()
	for {
		if c.sending == nil {
			m, ok := c.sendQ.PopFront()
			if !ok {
				return nil
			}
			c.sending = m
		}
		snd := c.sending

		if snd.buffering {
			if snd.hungUp {
				snd.length = int64(snd.bufPos)
				snd.flags |= flagEnd
			}
			if int64(snd.bufPos) < snd.length {
				n, err := syscallRead(snd.pipefd, snd.buffer[snd.bufPos:snd.length])
				if err != nil {
					if isTemporary(err) {
						return nil
					}
					return err
				}
				if n == 0 {
					snd.length = int64(snd.bufPos)
					continue
				}
				snd.bufPos += n
				continue
			}
			snd.buffering = false
			snd.bufPos = 0
			snd.hdrPos = 0
			if snd.length < int64(snd.chunkSize) {
				snd.flags |= flagEnd
			}
			encodeHeader(&snd.hdr, snd.flags, uint64(snd.length))
			continue
		}

		if snd.hdrPos < headerLen {
			n, err := syscallWrite(socket, snd.hdr[snd.hdrPos:headerLen])
			if err != nil {
				if isTemporary(err) {
					return nil
				}
				return err
			}
			if n <= 0 {
				return syscall.ECONNRESET
			}
			snd.hdrPos += n
			continue
		}
		if int64(snd.bufPos) < snd.length {
			n, err := syscallWrite(socket, snd.buffer[snd.bufPos:snd.length])
			if err != nil {
				if isTemporary(err) {
					return nil
				}
				return err
			}
			if n <= 0 {
				return syscall.ECONNRESET
			}
			snd.bufPos += n
			continue
		}

		if snd.flags&flagEnd != 0 {
			snd.release()
			c.sending = nil
		} else {
			snd.buffering = true
			snd.bufPos = 0
			snd.flags = flagCont
		}
	}
}

// flushRecv drains as much of the inbound stream as can progress without
// blocking, mirroring flush_recv.
func (c *Connection) flushRecv() error {
	socket := c.link.FD()
	for c.recv == nil {
		rcv := c.recving
		if rcv == nil {
			return nil
		}

		if !rcv.buffering {
			if rcv.hdrPos < headerLen {
				n, err := syscallRead(socket, rcv.hdr[rcv.hdrPos:headerLen])
				if err != nil {
					if isTemporary(err) {
						return nil
					}
					return err
				}
				if n <= 0 {
					return syscall.ECONNRESET
				}
				rcv.hdrPos += n
				continue
			} else if !rcv.parsedHeader {
				flags, frameLen, err := decodeHeader(&rcv.hdr, rcv.seenInitial)
				if err != nil {
					return err
				}
				rcv.bufPos = int(rcv.length)
				newLen := rcv.length + int64(frameLen)
				if newLen < rcv.length {
					return syscall.ENOMEM
				}
				if c.opts.readLimit > 0 && rcv.totalLen+int64(frameLen) > c.opts.readLimit {
					return ErrTooLong
				}
				rcv.length = newLen
				rcv.totalLen += int64(frameLen)
				rcv.flags = flags
				if err := rcv.growBuffer(rcv.length); err != nil {
					return err
				}
				rcv.parsedHeader = true
				continue
			} else if int64(rcv.bufPos) < rcv.length {
				n, err := syscallRead(socket, rcv.buffer[rcv.bufPos:rcv.length])
				if err != nil {
					if isTemporary(err) {
						return nil
					}
					return err
				}
				if n <= 0 {
					return syscall.ECONNRESET
				}
				rcv.bufPos += n
				continue
			} else {
				rcv.seenInitial = true
				rcv.buffering = true
				rcv.bufPos = 0
				rcv.hdrPos = 0
				rcv.parsedHeader = false
				continue
			}
		}

		if rcv.storage == StorageFD {
			if int64(rcv.bufPos) < rcv.length {
				n, err := syscallWrite(rcv.pipefd, rcv.buffer[rcv.bufPos:rcv.length])
				if err != nil {
					if isTemporary(err) {
						return nil
					}
					return err
				}
				if n <= 0 {
					return syscall.EPIPE
				}
				rcv.bufPos += n
				continue
			}
			rcv.length = 0
		}
		rcv.buffering = false
		if rcv.flags&flagEnd != 0 {
			c.recv = rcv
			c.recving = nil
		}
	}
	return nil
}

// syscallRead wraps unix.Read, translating EAGAIN/EWOULDBLOCK/EINTR into
// iox.ErrWouldBlock so flushSend/flushRecv share the teacher's
// ErrWouldBlock-based control-flow idiom (internal.go's readOnce/writeOnce)
// instead of matching raw errno values inline.
func syscallRead(fd int, p []byte) (int, error) {
	n, err := unix.Read(fd, p)
	return n, translateWouldBlock(err)
}

// syscallWrite wraps unix.Write, translating EAGAIN/EWOULDBLOCK/EINTR into
// iox.ErrWouldBlock; see syscallRead.
func syscallWrite(fd int, p []byte) (int, error) {
	n, err := unix.Write(fd, p)
	return n, translateWouldBlock(err)
}

func translateWouldBlock(err error) error {
	errno, ok := err.(syscall.Errno)
	if !ok {
		return err
	}
	if errno == syscall.EAGAIN || errno == syscall.EWOULDBLOCK || errno == syscall.EINTR {
		return iox.ErrWouldBlock
	}
	return err
}

func isTemporary(err error) bool {
	return errors.Is(err, iox.ErrWouldBlock)
}

// Wait runs turns on this connection alone until a completed receive or
// accepted child is available, the deadline passes, or the connection fails
// fatally. Returns true as soon as progress is observable, false on
// timeout/EINTR, and an error on fatal connection failure (spec §4.7).
func (c *Connection) Wait(deadline time.Time) (bool, error) {
	c.lastSendRevents, c.lastRecvRevents = 0, 0
	for {
		if err := c.handleRevents(); err != nil {
			return false, err
		}
		if c.state == stateError {
			return false, c.err
		}
		ws := c.wishes()
		if c.recv != nil || c.acc != nil {
			return true, nil
		}
		if len(ws) == 0 {
			return false, nil
		}

		pfds := make([]unix.PollFd, len(ws))
		for i, w := range ws {
			pfds[i] = unix.PollFd{Fd: int32(w.fd), Events: w.event}
		}
		n, err := ppollUntil(pfds, deadline)
		c.lastSendRevents, c.lastRecvRevents = 0, 0
		for i, w := range ws {
			if w.role == roleSend {
				c.lastSendRevents = pfds[i].Revents
			} else {
				c.lastRecvRevents = pfds[i].Revents
			}
		}
		if err != nil {
			if err == unix.EINTR {
				return false, nil
			}
			return false, err
		}
		if n == 0 {
			return false, nil
		}
	}
}

// ppollUntil calls ppoll with a timeout derived from an absolute deadline.
// A zero deadline means wait forever.
func ppollUntil(pfds []unix.PollFd, deadline time.Time) (int, error) {
	var ts *unix.Timespec
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d < 0 {
			d = 0
		}
		spec := unix.NsecToTimespec(d.Nanoseconds())
		ts = &spec
	}
	return unix.Ppoll(pfds, ts, nil)
}
