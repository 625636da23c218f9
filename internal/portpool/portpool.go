// Package portpool allocates ephemeral TCP ports for backing services
// to bind to. It never reserves a port: it finds one the kernel
// currently considers free and hands the number back, accepting the
// inherent race with anything else probing the same range.
package portpool

import (
	"fmt"
	"net"
	"sync"
)

// AllocateEphemeralPort asks the kernel for a free TCP port by binding
// to port 0 on the IPv6 loopback address and immediately releasing it.
// IPv6 loopback is used deliberately: backing services bind ::1 at
// the injected port, so probing the same address keeps the allocation
// consistent with where the Connection Pump will actually dial.
func AllocateEphemeralPort() (int, error) {
	l, err := net.Listen("tcp", "[::1]:0")
	if err != nil {
		return 0, fmt.Errorf("portpool: allocate ephemeral port: %w", err)
	}
	defer l.Close()

	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("portpool: unexpected listener address type %T", l.Addr())
	}
	return addr.Port, nil
}

// AllocatePortMap allocates one ephemeral port per entry in publicPorts
// and returns a map from public port to allocated (local) port. The
// allocations run concurrently, same as the original's per-port
// nursery.start_soon(get_port) fan-out, since each call binds and
// releases an independent socket.
func AllocatePortMap(publicPorts []int) (map[int]int, error) {
	type result struct {
		public    int
		allocated int
		err       error
	}

	results := make(chan result, len(publicPorts))
	var wg sync.WaitGroup
	for _, p := range publicPorts {
		wg.Add(1)
		go func(public int) {
			defer wg.Done()
			allocated, err := AllocateEphemeralPort()
			results <- result{public: public, allocated: allocated, err: err}
		}(p)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	portMap := make(map[int]int, len(publicPorts))
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		portMap[r.public] = r.allocated
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return portMap, nil
}
