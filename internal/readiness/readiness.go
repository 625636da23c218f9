// Package readiness polls a freshly-launched backing service until it
// accepts TCP connections, or gives up: a plain connect-refused retry
// loop rather than a health-check protocol, since the backing
// services are arbitrary executables with no agreed-upon readiness
// signal beyond "the socket is up".
package readiness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// pollInterval matches the original's 0.1 second retry cadence.
const pollInterval = 100 * time.Millisecond

// WaitForPort blocks until a TCP connection to addr succeeds, ctx is
// canceled, or ctx's deadline passes. It treats connection-refused as
// "not ready yet" and retries; any other dial error is returned
// immediately since it does not indicate a merely-still-starting
// process.
func WaitForPort(ctx context.Context, addr string) error {
	dialer := net.Dialer{}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn.Close()
		}
		if !isConnRefused(err) {
			return fmt.Errorf("readiness: dial %s: %w", addr, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("readiness: waiting for %s: %w", addr, ctx.Err())
		case <-ticker.C:
		}
	}
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
