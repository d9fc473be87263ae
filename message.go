// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mq

import (
	"encoding/binary"
	"syscall"

	"golang.org/x/sys/unix"
)

// Wire format (spec §3): a fixed 16-byte header followed by length bytes of
// payload.
//
//	offset 0..4   5-byte magic "MQmsg"
//	offset 5..6   2 bytes reserved, must be zero
//	offset 7      type byte: bit0=START, bit1=END, bits2-7 must be zero
//	offset 8..15  unsigned 64-bit payload length, network byte order
//
// Design note: the original C implementation overlays this layout directly
// onto adjacent struct fields so that a partial read/write can land straight
// into the wire representation. That trick relies on struct layout and
// alignment guarantees Go does not make. Instead, message.hdr is a plain
// [headerLen]byte with an explicit cursor (hdrPos); encode/decode below do
// the translation explicitly. Resumability after a partial syscall is
// preserved, the alignment hazard is not.
const (
	headerLen  = 16
	magicLen   = 5
	reservedAt = 5
	typeAt     = 7
	lengthAt   = 8
)

var magic = [magicLen]byte{'M', 'Q', 'm', 's', 'g'}

// frameFlags is the type byte of a frame header.
type frameFlags uint8

const (
	flagStart frameFlags = 1 << 0
	flagEnd   frameFlags = 1 << 1
	flagCont  frameFlags = 0
	flagSngl             = flagStart | flagEnd
)

func encodeHeader(hdr *[headerLen]byte, flags frameFlags, length uint64) {
	copy(hdr[0:magicLen], magic[:])
	hdr[5] = 0
	hdr[6] = 0
	hdr[typeAt] = byte(flags)
	binary.BigEndian.PutUint64(hdr[lengthAt:lengthAt+8], length)
}

// decodeHeader validates and extracts a header. seenInitial is the
// receiver's current "have we accepted a START frame yet" state (spec
// invariant 7); decodeHeader enforces that exactly one frame in a logical
// message carries START.
func decodeHeader(hdr *[headerLen]byte, seenInitial bool) (flags frameFlags, length uint64, err error) {
	if string(hdr[0:magicLen]) != string(magic[:]) {
		return 0, 0, connError(syscall.EBADF)
	}
	if hdr[5] != 0 || hdr[6] != 0 {
		return 0, 0, connError(syscall.EBADF)
	}
	t := hdr[typeAt]
	if t&^byte(flagStart|flagEnd) != 0 {
		return 0, 0, connError(syscall.EBADF)
	}
	flags = frameFlags(t)
	start := flags&flagStart != 0
	if start == seenInitial {
		// START while already seen, or non-START while not yet seen.
		return 0, 0, connError(syscall.EBADF)
	}
	length = binary.BigEndian.Uint64(hdr[lengthAt : lengthAt+8])
	return flags, length, nil
}

// StorageKind is the payload source/sink tag for a message (spec §3).
type StorageKind uint8

const (
	// StorageNone indicates no completed message is available.
	StorageNone StorageKind = iota
	// StorageBuffer indicates the payload lives in an in-memory buffer.
	StorageBuffer
	// StorageFD indicates the payload was streamed through a pipe file
	// descriptor.
	StorageFD
)

// message carries framing state for one logical send or receive: header
// bytes transferred, payload bytes transferred, flags, a payload
// source/sink, and the cursors needed to resume after a partial syscall.
type message struct {
	storage StorageKind

	// buffer is the owned byte container for StorageBuffer, or the rolling
	// chunk buffer for StorageFD.
	buffer []byte

	// pipefd is the open descriptor for StorageFD, -1 otherwise.
	pipefd int
	// origFlags are the pipe's file-status flags before MQ set O_NONBLOCK,
	// restored on release.
	origFlags int

	hdr    [headerLen]byte
	hdrPos int
	bufPos int // cursor into buffer/payload for the current frame

	length   int64 // current frame's payload length
	totalLen int64 // accumulated payload across all frames so far

	flags        frameFlags
	parsedHeader bool // receive-side: header of current frame is parsed
	buffering    bool // moving bytes between pipe and chunk buffer
	seenInitial  bool // receive-side: a START frame has been accepted
	hungUp       bool // send-side FD storage: source pipe hung up

	chunkSize int
}

func newBufferMessage(buf []byte) *message {
	return &message{
		storage: StorageBuffer,
		buffer:  buf,
		pipefd:  -1,
		length:  int64(len(buf)),
		flags:   flagSngl,
	}
}

// newFDMessage adopts pipefd for an FD-backed send (SendFD). MQ takes
// ownership: it sets the descriptor nonblocking, saving the original flags
// so release() can restore them. The receive side is built by newRecvSink.
func newFDMessage(pipefd int, chunkSize int) (*message, error) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	origFlags, err := unix.FcntlInt(uintptr(pipefd), unix.F_GETFL, 0)
	if err != nil {
		return nil, err
	}
	if _, err := unix.FcntlInt(uintptr(pipefd), unix.F_SETFL, origFlags|unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	return &message{
		storage:   StorageFD,
		pipefd:    pipefd,
		origFlags: origFlags,
		buffer:    make([]byte, chunkSize),
		chunkSize: chunkSize,
		buffering: true,
		flags:     flagStart,
		length:    int64(chunkSize),
	}, nil
}

// newRecvSink builds the message installed by StoreBuffer/StoreFD: it has no
// payload yet, just a sink to drain into once frames arrive.
func newRecvSink(storage StorageKind, buf []byte, pipefd int) *message {
	return &message{
		storage: storage,
		buffer:  buf,
		pipefd:  pipefd,
	}
}

// growBuffer ensures buffer has room for at least n bytes, preserving any
// bytes already written for the in-progress frame. Used on the receive side
// once a frame header has been parsed.
func (m *message) growBuffer(n int64) error {
	if int64(cap(m.buffer)) >= n {
		m.buffer = m.buffer[:n]
		return nil
	}
	// Allocator failure is not observable in Go the way malloc failure is in
	// C; an oversized request instead panics. Guard explicitly so it surfaces
	// as the spec's ENOMEM rather than crashing the process.
	if n > (1 << 40) {
		return connError(syscall.ENOMEM)
	}
	fresh := make([]byte, n)
	copy(fresh, m.buffer)
	m.buffer = fresh
	return nil
}

// release disposes of every resource the message owns: closes the pipe fd
// (restoring its original flags first) exactly once, and drops the buffer.
// This is the full disposal routine the spec's first Open Question calls
// for in place of the original's bare free(), and is only correct on the
// error/discard path (fail, Close, a dropped send-queue entry) where the
// caller never gets the fd back.
func (m *message) release() {
	if m == nil {
		return
	}
	m.releaseBuffer()
	if m.pipefd >= 0 {
		_ = unix.Close(m.pipefd)
		m.pipefd = -1
	}
}

// releaseBuffer restores the pipe fd's original blocking flags and drops
// MQ's internal chunk buffer, but leaves the fd itself open. This is what a
// normal Recv completion does (mq.c's mq_recv: unset_nonblocking then free
// the buffer, never close(pipefd)) — the caller supplied the fd to StoreFD
// and still owns it after the payload has been written to it.
func (m *message) releaseBuffer() {
	if m == nil {
		return
	}
	if m.pipefd >= 0 {
		_, _ = unix.FcntlInt(uintptr(m.pipefd), unix.F_SETFL, m.origFlags)
	}
	m.buffer = nil
}
