package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/wakeproxy/wakeproxy/internal/descriptor"
)

// flapWindow is the minimum spacing between successive launches of the
// same service, so a backend that crashes immediately on start doesn't
// get relaunched in a tight loop.
const flapWindow = 10 * time.Second

// runningProcess wraps an exec.Cmd together with whatever plumbing was
// needed to give it a controlling terminal, and a broadcast channel
// for its exit so both the stop() caller and an independent watcher
// goroutine can observe it.
type runningProcess struct {
	cmd     *exec.Cmd
	ptyFile *os.File // non-nil only when the descriptor requests a PTY
	done    chan struct{}
	exitErr error // valid only after done is closed
}

// wait blocks until the process has exited and returns its exit
// error, if any. Safe to call from multiple goroutines.
func (rp *runningProcess) wait() error {
	<-rp.done
	return rp.exitErr
}

// pgid returns the process group id the child was started under
// (equal to its pid, since it was launched with Setsid).
func (rp *runningProcess) pgid() int {
	return rp.cmd.Process.Pid
}

// launch starts the backing service described by desc, with portMap
// supplying the PORT_<public> environment entries. It does not wait
// for readiness; a backend that is slow to bind is absorbed by the
// Connection Pump's own connect-refused retry.
func launch(desc *descriptor.Service, portMap map[int]int) (*runningProcess, error) {
	name := desc.Command[0]
	args := desc.Command[1:]
	cmd := exec.Command(name, args...)
	cmd.Dir = desc.Workdir

	env := os.Environ()
	for k, v := range desc.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	for public, allocated := range portMap {
		env = append(env, fmt.Sprintf("PORT_%d=%d", public, allocated))
	}
	cmd.Env = env

	// New session so the stop signal can be delivered to the whole
	// process group the child may spawn, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	rp := &runningProcess{cmd: cmd, done: make(chan struct{})}

	if desc.PTY {
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("supervisor: start %s under pty: %w", desc.Name, err)
		}
		rp.ptyFile = f
	} else {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("supervisor: start %s: %w", desc.Name, err)
		}
	}

	go func() {
		rp.exitErr = cmd.Wait()
		if rp.ptyFile != nil {
			rp.ptyFile.Close()
		}
		close(rp.done)
	}()

	return rp, nil
}

// stop asks the process to exit gracefully via signal, escalating to
// SIGKILL if it has not exited within grace. It returns once the
// process has actually exited (or immediately if it already had).
func (rp *runningProcess) stop(signal syscall.Signal, grace time.Duration) {
	select {
	case <-rp.done:
		return
	default:
	}

	// Negative pid targets the whole process group created by Setsid.
	pgid := -rp.cmd.Process.Pid
	_ = syscall.Kill(pgid, signal)

	select {
	case <-rp.done:
		return
	case <-time.After(grace):
	}

	_ = syscall.Kill(pgid, syscall.SIGKILL)
	<-rp.done
}
