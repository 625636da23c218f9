package readiness

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestWaitForPortAlreadyListening(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := WaitForPort(ctx, l.Addr().String()); err != nil {
		t.Fatalf("WaitForPort: %v", err)
	}
}

func TestWaitForPortBecomesReady(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close() // now nothing is listening: connection refused until we re-listen

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- WaitForPort(ctx, addr)
	}()

	time.Sleep(250 * time.Millisecond)
	l2, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("re-listen on %s: %v", addr, err)
	}
	defer l2.Close()

	if err := <-done; err != nil {
		t.Fatalf("WaitForPort: %v", err)
	}
}

func TestWaitForPortContextCanceled(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := WaitForPort(ctx, addr); err == nil {
		t.Fatalf("expected error when nothing ever starts listening")
	}
}
