// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mq provides a framed, length-delimited message-queue transport
// built directly over nonblocking stream sockets.
//
// MQ is reliable, ordered, and message-oriented: a sender enqueues whole
// messages, either from an in-memory buffer or from a streaming file
// descriptor (typically a pipe), the transport fragments them into on-wire
// chunks, and a receiver reassembles them into a buffer or writes them to a
// file descriptor. A single Connection multiplexes at most one send and one
// receive in flight at a time; a PollGroup multiplexes many Connections via
// one ppoll call per turn.
//
// Semantics and design:
//   - Single-threaded, cooperative: all progress happens inside Wait or
//     PollGroup.Wait on the caller's goroutine. There is no internal
//     goroutine and no callback dispatch. Connections and PollGroups are not
//     safe for concurrent use from multiple goroutines; distinct Connections
//     in distinct PollGroups may be driven from distinct goroutines.
//   - Resumable partial I/O: every syscall that could block is nonblocking,
//     and every state machine step can resume after an arbitrary partial
//     read/write/send/recv, using explicit byte cursors rather than relying
//     on struct layout (spec design note: the header is decoded from a
//     plain byte array with an explicit cursor, never overlaid onto struct
//     fields).
//   - Errors are latched on the Connection once it enters the terminal
//     error state; callers discover failure via Err(), or by seeing a
//     Connection appear in a PollGroup's error set.
//
// Wire format: a fixed 16-byte header followed by length bytes of payload.
//
//	offset 0..4   5-byte magic "MQmsg"
//	offset 5..6   2 bytes reserved, must be zero
//	offset 7      type byte: bit0=START, bit1=END, bits2-7 must be zero
//	offset 8..15  unsigned 64-bit payload length, network byte order
//
// A message sent from a buffer travels as one SINGLE frame (START|END). A
// message streamed from a file descriptor travels as START · CONT* · END,
// each frame carrying at most the connection's chunk size (65536 bytes by
// default) of payload; an END frame may carry zero bytes.
package mq
