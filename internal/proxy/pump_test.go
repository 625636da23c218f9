package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func TestPumpRelaysBothDirections(t *testing.T) {
	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer targetLn.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := targetLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		io.ReadFull(conn, buf)
		conn.Write([]byte("world"))
	}()

	clientLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer clientLn.Close()

	pumpDone := make(chan error, 1)
	go func() {
		conn, err := clientLn.Accept()
		if err != nil {
			pumpDone <- err
			return
		}
		pumpDone <- Pump(context.Background(), conn, targetLn.Addr().String())
	}()

	client, err := net.Dial("tcp", clientLn.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := make([]byte, 5)
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(client, out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out, []byte("world")) {
		t.Fatalf("expected %q, got %q", "world", out)
	}

	<-serverDone
}

func TestDialWithRetrySucceedsAfterDelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	go func() {
		time.Sleep(200 * time.Millisecond)
		ln2, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		defer ln2.Close()
		conn, err := ln2.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := dialWithRetry(ctx, addr)
	if err != nil {
		t.Fatalf("dialWithRetry: %v", err)
	}
	conn.Close()
}

func TestDialWithRetryGivesUpOnNonRefusedError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := dialWithRetry(ctx, "256.256.256.256:1")
	if err == nil {
		t.Fatal("expected error dialing an invalid address")
	}
}
