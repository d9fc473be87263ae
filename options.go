// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mq

// defaultChunkSize is MQ_PIPEBUF_SIZE: the maximum payload bytes per
// FD-streamed frame, and the chunk buffer size shared between a pipe and
// the socket for the lifetime of one logical message.
const defaultChunkSize = 1 << 16

// connOptions configures a single Connection.
type connOptions struct {
	tag       any
	chunkSize int
	readLimit int64
}

var defaultConnOptions = connOptions{
	chunkSize: defaultChunkSize,
}

// ConnOption configures a Connection at construction time (Listen or Dial);
// a server Connection's accepted children inherit its options.
type ConnOption func(*connOptions)

// WithTag seeds the connection's caller-opaque tag (see SetTag/Tag).
func WithTag(tag any) ConnOption {
	return func(o *connOptions) { o.tag = tag }
}

// WithChunkSize overrides the maximum payload bytes per FD-streamed frame.
// The default is 65536 (MQ_PIPEBUF_SIZE). Buffer-backed sends are unaffected:
// they always travel as a single SINGLE frame regardless of this setting.
func WithChunkSize(n int) ConnOption {
	return func(o *connOptions) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithReadLimit caps the maximum payload length (bytes) this connection will
// accept across the lifetime of one logical inbound message. Zero (the
// default) means unlimited. Frames whose declared length would push the
// running total past the limit fail the connection; its Err then reports a
// *ConnError carrying syscall.EFBIG.
func WithReadLimit(limit int64) ConnOption {
	return func(o *connOptions) { o.readLimit = limit }
}

// pollOptions configures a PollGroup.
type pollOptions struct{}

// PollOption configures a PollGroup at construction time. Reserved for
// future tuning knobs; no options are defined yet.
type PollOption func(*pollOptions)
