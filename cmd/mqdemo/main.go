// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command mqdemo runs an MQ server and client against each other over
// loopback TCP, demonstrating a buffer-backed send and a pipe-streamed send
// in the same session.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"code.hybscloud.com/mq"
)

func main() {
	addr := flag.String("addr", "127.0.0.1", "loopback address to serve/dial")
	port := flag.Int("port", 65010, "TCP port")
	payload := flag.String("payload", "hello from mqdemo", "buffer payload for the first message")
	flag.Parse()

	if err := run(*addr, *port, *payload); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, port int, payload string) error {
	srv, err := mq.Listen(addr, port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer srv.Close()

	group, ctx := errgroup.WithContext(context.Background())
	group.Go(func() error { return serveOnce(ctx, srv) })
	group.Go(func() error { return dialAndSend(addr, port, payload) })

	return group.Wait()
}

func serveOnce(ctx context.Context, srv *mq.Connection) error {
	group := mq.NewPollGroup()
	defer group.Delete()
	if err := group.Add(srv); err != nil {
		return err
	}

	deadline := time.Now().Add(10 * time.Second)
	var accepted *mq.Connection
	for accepted == nil {
		if _, err := group.Wait(deadline); err != nil {
			return fmt.Errorf("accept wait: %w", err)
		}
		accepted, _ = srv.Accept()
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for a client")
		}
	}
	defer accepted.Close()

	if err := accepted.StoreBuffer(); err != nil {
		return err
	}
	if ok, err := accepted.Wait(time.Now().Add(10 * time.Second)); err != nil || !ok {
		return fmt.Errorf("recv wait: ok=%v err=%w", ok, err)
	}
	storage, data, length, err := accepted.Recv()
	if err != nil {
		return err
	}
	log.Printf("server: received %d bytes via %v: %q", length, storage, data)

	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	defer r.Close()
	// StoreFD writes the incoming stream into the fd it's given, so the
	// write end goes to MQ; the demo reads the result back out of r.
	if err := accepted.StoreFD(int(w.Fd())); err != nil {
		w.Close()
		return err
	}
	if ok, err := accepted.Wait(time.Now().Add(10 * time.Second)); err != nil || !ok {
		return fmt.Errorf("stream recv wait: ok=%v err=%w", ok, err)
	}
	storage, _, length, err = accepted.Recv()
	if err != nil {
		return err
	}
	// Recv leaves the fd open for the caller; MQ never closes it, so the
	// demo must close the write end itself to signal EOF to the reader.
	w.Close()
	streamed, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	log.Printf("server: streamed %d bytes via %v: %q", length, storage, streamed)
	return nil
}

func dialAndSend(addr string, port int, payload string) error {
	conn, err := mq.Dial(addr, port)
	if err != nil {
		return err
	}
	defer conn.Close()

	if ok, err := conn.Wait(time.Now().Add(10 * time.Second)); err != nil {
		return fmt.Errorf("connect wait: %w", err)
	} else if !ok {
		// INPROGRESS resolves inside Wait; a false/nil here just means no
		// receive/accept became ready yet, which is expected for a client.
	}
	if err := conn.SendBuffer([]byte(payload)); err != nil {
		return err
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return err
	}
	go func() {
		defer pw.Close()
		fmt.Fprintf(pw, "streamed payload from mqdemo client, %d bytes of padding follow\n", 0)
	}()
	if err := conn.SendFD(int(pr.Fd())); err != nil {
		return err
	}

	// A pure sender never becomes acceptable or readable, so Wait always
	// times out here; each call still drains as much of the send queue as
	// the socket will currently accept. Poll a few idle turns so both
	// messages clear before the deferred Close tears the link down.
	deadline := time.Now().Add(10 * time.Second)
	for turn := 0; turn < 5; turn++ {
		if _, err := conn.Wait(time.Now().Add(100 * time.Millisecond)); err != nil {
			return err
		}
		if conn.Err() != nil {
			return conn.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out flushing sends")
		}
	}
	return nil
}
