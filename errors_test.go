// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mq_test

import (
	"errors"
	"syscall"
	"testing"

	"code.hybscloud.com/iox"

	"code.hybscloud.com/mq"
)

func TestSentinelsAreReExportedFromIox(t *testing.T) {
	if !errors.Is(mq.ErrWouldBlock, iox.ErrWouldBlock) {
		t.Fatalf("mq.ErrWouldBlock does not match iox.ErrWouldBlock")
	}
	if !errors.Is(mq.ErrMore, iox.ErrMore) {
		t.Fatalf("mq.ErrMore does not match iox.ErrMore")
	}
}

func TestConnErrorMessageAndUnwrap(t *testing.T) {
	err := &mq.ConnError{Errno: syscall.ECONNRESET}
	if err.Error() == "" {
		t.Fatalf("Error() is empty")
	}
	if !errors.Is(err, syscall.ECONNRESET) {
		t.Fatalf("errors.Is(err, ECONNRESET) = false")
	}
	if err.Temporary() {
		t.Fatalf("Temporary() = true, want false: ConnError is always terminal")
	}
}

func TestConnErrorNilReceiverMessage(t *testing.T) {
	var err *mq.ConnError
	if got := err.Error(); got == "" {
		t.Fatalf("Error() on nil *ConnError is empty")
	}
}
