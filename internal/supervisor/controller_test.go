package supervisor

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wakeproxy/wakeproxy/internal/descriptor"
)

func hasPython3(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func httpEchoDescriptor(name string, port int) *descriptor.Service {
	return &descriptor.Service{
		Name: name,
		Command: []string{
			"python3", "-c",
			`import http.server,os,sys
port=int(os.environ["PORT_` + itoa(port) + `"])
http.server.HTTPServer(("127.0.0.1",port),http.server.BaseHTTPRequestHandler).serve_forever()
`,
		},
		Ports: []int{port},
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestControllerUseStartsAndCancelStops(t *testing.T) {
	hasPython3(t)

	desc := httpEchoDescriptor("echo", 9001)
	if err := desc.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	c := NewController(desc, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	useCtx, useCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer useCancel()

	portMap, release, err := c.Use(useCtx)
	if err != nil {
		t.Fatalf("Use: %v", err)
	}
	if _, ok := portMap[9001]; !ok {
		t.Fatalf("expected allocation for port 9001, got %v", portMap)
	}
	if got := c.Status().State; got != "serving" {
		t.Fatalf("expected state serving, got %s", got)
	}

	release()

	cancel()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestControllerStopOnIdleIsNoop(t *testing.T) {
	desc := &descriptor.Service{
		Name:    "never-started",
		Command: []string{"true"},
		Ports:   []int{9002},
	}
	if err := desc.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	c := NewController(desc, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := c.Stop(stopCtx); err != nil {
		t.Fatalf("Stop on idle controller: %v", err)
	}
}
