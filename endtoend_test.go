// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mq_test

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"code.hybscloud.com/mq"
)

// acceptWithin blocks on srv's poll group until a child connection is
// accepted or the deadline passes.
func acceptWithin(t *testing.T, srv *mq.Connection, deadline time.Time) *mq.Connection {
	t.Helper()
	for {
		require.False(t, time.Now().After(deadline), "timed out waiting to accept")
		_, err := srv.Wait(time.Now().Add(200 * time.Millisecond))
		require.NoError(t, err)
		if child, ok := srv.Accept(); ok {
			return child
		}
	}
}

func waitReadable(t *testing.T, c *mq.Connection, deadline time.Time) {
	t.Helper()
	for {
		require.False(t, time.Now().After(deadline), "timed out waiting for a readable message")
		ready, err := c.Wait(time.Now().Add(200 * time.Millisecond))
		require.NoError(t, err)
		if ready {
			return
		}
	}
}

// pumpUntil repeatedly drives c's send-side state machine until stop is
// closed. Since MQ is cooperative, a pure sender never becomes acceptable or
// readable on its own Wait, so this must run concurrently with whatever the
// test is waiting on the peer for.
func pumpUntil(c *mq.Connection, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		_, _ = c.Wait(time.Now().Add(50 * time.Millisecond))
		if c.Err() != nil {
			return
		}
	}
}

// TestScenario1LargeBufferThenShortMessage mirrors the original C
// self-test (dttools/src/mq_poll_test.c) and spec §8 scenario 1: a poll
// group drives a server and client through accept, a 10 MiB buffer send,
// and a short trailing message, checking that the second Recv on an
// exhausted connection reports StorageNone before the next frame arrives.
func TestScenario1LargeBufferThenShortMessage(t *testing.T) {
	const port = 65100
	const bigSize = 10 * 1024 * 1024
	big := bytes.Repeat([]byte{'a'}, bigSize)
	short := []byte("test message")

	srv, err := mq.Listen("127.0.0.1", port)
	require.NoError(t, err)
	defer srv.Close()

	g := mq.NewPollGroup()
	defer g.Delete()
	require.NoError(t, g.Add(srv))

	n, err := g.Wait(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 0, n)

	client, err := mq.Dial("127.0.0.1", port)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, g.Add(client))

	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err = g.Wait(time.Now().Add(time.Second))
		require.NoError(t, err)
		if n > 0 {
			break
		}
		require.False(t, time.Now().After(deadline), "timed out waiting to accept")
	}

	conn, ok := srv.Accept()
	require.True(t, ok)
	require.NoError(t, g.Add(conn))
	defer conn.Close()

	require.NoError(t, client.SendBuffer(big))
	require.NoError(t, client.SendBuffer(short))

	// client, conn, and srv are all members of the same poll group, so a
	// single shared g.Wait loop drives client's sends and conn's receives
	// together — exactly how the original C self-test progresses every
	// connection from one mq_poll_wait loop on one thread.
	require.NoError(t, conn.StoreBuffer())
	for {
		n, err = g.Wait(time.Now().Add(5 * time.Second))
		require.NoError(t, err)
		if n > 0 {
			break
		}
		require.False(t, time.Now().After(deadline), "timed out waiting for the first message")
	}

	storage, data, length, err := conn.Recv()
	require.NoError(t, err)
	require.Equal(t, mq.StorageBuffer, storage)
	require.EqualValues(t, bigSize, length)
	require.Equal(t, big, data)

	storage, _, _, err = conn.Recv()
	require.NoError(t, err)
	require.Equal(t, mq.StorageNone, storage)

	require.NoError(t, conn.StoreBuffer())
	for {
		n, err = g.Wait(time.Now().Add(time.Second))
		require.NoError(t, err)
		if n > 0 {
			break
		}
		require.False(t, time.Now().After(deadline), "timed out waiting for the second message")
	}

	storage, data, length, err = conn.Recv()
	require.NoError(t, err)
	require.Equal(t, mq.StorageBuffer, storage)
	require.EqualValues(t, len(short), length)
	require.Equal(t, short, data)
}

func TestEndToEndBufferRoundTripOverLoopbackTCP(t *testing.T) {
	const port = 65101
	srv, err := mq.Listen("127.0.0.1", port)
	require.NoError(t, err)
	defer srv.Close()

	client, err := mq.Dial("127.0.0.1", port)
	require.NoError(t, err)
	defer client.Close()

	deadline := time.Now().Add(5 * time.Second)
	child := acceptWithin(t, srv, deadline)
	defer child.Close()

	require.NoError(t, child.StoreBuffer())

	payload := bytes.Repeat([]byte("mq-end-to-end-"), 4096) // exercises multi-syscall buffered writes
	require.NoError(t, client.SendBuffer(payload))

	stop := make(chan struct{})
	go pumpUntil(client, stop)
	defer close(stop)

	waitReadable(t, child, deadline)
	require.Nil(t, client.Err())

	storage, data, length, err := child.Recv()
	require.NoError(t, err)
	require.Equal(t, mq.StorageBuffer, storage)
	require.EqualValues(t, len(payload), length)
	require.Equal(t, payload, data)
}

func TestEndToEndFDStreamingOverLoopbackTCP(t *testing.T) {
	const port = 65102
	srv, err := mq.Listen("127.0.0.1", port, mq.WithChunkSize(1024))
	require.NoError(t, err)
	defer srv.Close()

	client, err := mq.Dial("127.0.0.1", port, mq.WithChunkSize(1024))
	require.NoError(t, err)
	defer client.Close()

	deadline := time.Now().Add(5 * time.Second)
	child := acceptWithin(t, srv, deadline)
	defer child.Close()
	require.NoError(t, child.StoreBuffer())

	r, w, err := os.Pipe()
	require.NoError(t, err)
	payload := bytes.Repeat([]byte("x"), 5000) // several chunks, final one partial
	go func() {
		defer w.Close()
		_, _ = w.Write(payload)
	}()

	require.NoError(t, client.SendFD(int(r.Fd())))

	stop := make(chan struct{})
	go pumpUntil(client, stop)
	defer close(stop)

	waitReadable(t, child, deadline)
	require.Nil(t, client.Err())

	storage, data, length, err := child.Recv()
	require.NoError(t, err)
	require.Equal(t, mq.StorageBuffer, storage)
	require.EqualValues(t, len(payload), length)
	require.Equal(t, payload, data)
}

func TestEndToEndPeerCloseSurfacesAsError(t *testing.T) {
	const port = 65103
	srv, err := mq.Listen("127.0.0.1", port)
	require.NoError(t, err)
	defer srv.Close()

	client, err := mq.Dial("127.0.0.1", port)
	require.NoError(t, err)
	defer client.Close()

	deadline := time.Now().Add(5 * time.Second)
	child := acceptWithin(t, srv, deadline)
	require.NoError(t, child.Close())

	require.NoError(t, client.SendBuffer([]byte("anyone there?")))
	for client.Err() == nil {
		require.False(t, time.Now().After(deadline), "timed out waiting for peer-close failure")
		_, _ = client.Wait(time.Now().Add(200 * time.Millisecond))
	}
	require.Error(t, client.Err())
}

func TestEndToEndWithTagSeedsRealConnections(t *testing.T) {
	const port = 65105
	srv, err := mq.Listen("127.0.0.1", port, mq.WithTag("server"))
	require.NoError(t, err)
	defer srv.Close()
	require.Equal(t, "server", srv.Tag())

	client, err := mq.Dial("127.0.0.1", port, mq.WithTag("client"))
	require.NoError(t, err)
	defer client.Close()
	require.Equal(t, "client", client.Tag())

	deadline := time.Now().Add(5 * time.Second)
	child := acceptWithin(t, srv, deadline)
	defer child.Close()
	// Accepted children inherit the server Connection's options, including tag.
	require.Equal(t, "server", child.Tag())
}

func TestEndToEndDoublePollGroupMembershipRejected(t *testing.T) {
	const port = 65104
	srv, err := mq.Listen("127.0.0.1", port)
	require.NoError(t, err)
	defer srv.Close()

	g1 := mq.NewPollGroup()
	defer g1.Delete()
	g2 := mq.NewPollGroup()
	defer g2.Delete()

	require.NoError(t, g1.Add(srv))
	require.ErrorIs(t, g1.Add(srv), mq.ErrExist)
	require.ErrorIs(t, g2.Add(srv), mq.ErrAlreadyMember)
}
