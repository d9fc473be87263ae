// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mq

import (
	"errors"
	"fmt"
	"syscall"

	"code.hybscloud.com/iox"
)

var (
	// ErrInvalidArgument reports a misused argument, such as a negative fd,
	// installing a second sink via StoreBuffer/StoreFD before the first
	// completes, or removing a connection from a poll group it is not in.
	ErrInvalidArgument = errors.New("mq: invalid argument")

	// ErrTooLong reports that an inbound message would exceed the
	// connection's read limit (WithReadLimit). The connection latches it as
	// a *ConnError carrying syscall.EFBIG.
	ErrTooLong = errors.New("mq: message too long")

	// ErrExist is returned by PollGroup.Add when the connection already
	// belongs to this group.
	ErrExist = errors.New("mq: connection already a member of this poll group")

	// ErrAlreadyMember is returned by PollGroup.Add when the connection
	// belongs to a different poll group.
	ErrAlreadyMember = errors.New("mq: connection already belongs to a poll group")
)

// These are provided as package-level aliases so callers can reference the
// semantic control-flow errors without importing iox directly.
var (
	// ErrWouldBlock means "no further progress without waiting".
	//
	// It is an expected, non-failure control-flow signal for non-blocking I/O.
	ErrWouldBlock = iox.ErrWouldBlock

	// ErrMore means "this completion is usable and more completions will follow".
	ErrMore = iox.ErrMore
)

// ConnError is the latched, terminal error recorded on a Connection that has
// entered the ERROR state (§7). It wraps a syscall errno so geterror-style
// callers can compare against syscall.ECONNRESET, syscall.EBADF, and so on.
type ConnError struct {
	Errno syscall.Errno
}

func (e *ConnError) Error() string {
	if e == nil || e.Errno == 0 {
		return "mq: no error"
	}
	return fmt.Sprintf("mq: connection failed: %s", e.Errno.Error())
}

// Temporary reports whether the underlying errno is considered transient.
// A ConnError is only ever latched for fatal conditions, so this is always
// false; it exists to satisfy callers that type-switch on net.Error-shaped
// interfaces.
func (e *ConnError) Temporary() bool { return false }

func (e *ConnError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Errno
}

func connError(errno syscall.Errno) *ConnError {
	return &ConnError{Errno: errno}
}
