// Package supervisor owns the on-demand lifecycle of a single backing
// service: starting it the first time somebody needs it, keeping it
// alive while it has users, and stopping it again after it has sat
// idle for a while. All mutable state lives in one goroutine (the one
// running Controller.Run); every other goroutine talks to it over
// channels instead of taking a lock.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wakeproxy/wakeproxy/internal/descriptor"
	"github.com/wakeproxy/wakeproxy/internal/platform"
	"github.com/wakeproxy/wakeproxy/internal/portpool"
)

// stopGraceWindow is how long a graceful stop signal is given to work
// before escalating to SIGKILL.
const stopGraceWindow = 5 * time.Second

// Status is a point-in-time snapshot of a Controller, safe to read
// concurrently and cheap to copy; used by the admin status endpoint.
type Status struct {
	Name   string
	State  string
	Users  int
	Ports  []int
	Wanted bool
}

type acquireReq struct {
	reply chan acquireReply
}

type acquireReply struct {
	portMap map[int]int
	err     error
}

type stopReq struct {
	reply chan error
}

type launchResult struct {
	portMap map[int]int
	proc    *runningProcess
	err     error
}

type exitedEvent struct {
	proc *runningProcess
	err  error
}

// Controller runs the lifecycle state machine for one
// descriptor.Service: Idle -> Starting -> Serving -> Draining ->
// Stopping -> Idle.
type Controller struct {
	desc  *descriptor.Service
	log   zerolog.Logger
	audit AuditSink

	acquireCh       chan *acquireReq
	releaseCh       chan struct{}
	stopCh          chan *stopReq
	launchResultCh  chan launchResult
	idleCh          chan idleTimeoutEvent
	exitedCh        chan exitedEvent
	doneCh          chan struct{}

	// Fields below are owned exclusively by the goroutine running Run;
	// nothing else may read or write them directly.
	state      State
	users      int
	portMap    map[int]int
	proc       *runningProcess
	pending    []*acquireReq
	pendingStop []*stopReq
	generation uint64
	lastLaunch time.Time
	wanted     *latch
	started    *latch

	statusMu sync.RWMutex
	status   Status
}

// NewController builds a Controller for desc. audit may be nil, in
// which case launch/stop events are simply not recorded anywhere.
func NewController(desc *descriptor.Service, log zerolog.Logger, audit AuditSink) *Controller {
	if audit == nil {
		audit = noopAudit{}
	}
	c := &Controller{
		desc:           desc,
		log:            log.With().Str("service", desc.Name).Logger(),
		audit:          audit,
		acquireCh:      make(chan *acquireReq),
		releaseCh:      make(chan struct{}),
		stopCh:         make(chan *stopReq),
		launchResultCh: make(chan launchResult),
		idleCh:         make(chan idleTimeoutEvent),
		exitedCh:       make(chan exitedEvent),
		doneCh:         make(chan struct{}),
		wanted:         newLatch(),
		started:        newLatch(),
	}
	c.status = Status{Name: desc.Name, State: StateIdle.String(), Ports: desc.Ports}
	return c
}

// Use asks for the service to be running and reachable, blocking
// until it is (or until ctx is canceled, or launching it fails). The
// returned release func must be called exactly once, when the caller
// is done with the service; it is safe to call from any goroutine.
func (c *Controller) Use(ctx context.Context) (map[int]int, func(), error) {
	reply := make(chan acquireReply, 1)
	req := &acquireReq{reply: reply}

	select {
	case c.acquireCh <- req:
	case <-c.doneCh:
		return nil, nil, ErrControllerStopped
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	select {
	case res := <-reply:
		return c.finishAcquire(res)
	case <-ctx.Done():
		go c.abandonAcquire(reply)
		return nil, nil, ctx.Err()
	case <-c.doneCh:
		go c.abandonAcquire(reply)
		return nil, nil, ErrControllerStopped
	}
}

// abandonAcquire waits for a reply that arrived too late for a
// canceled Use call and releases it immediately, so a request that
// wins the race after its caller gave up does not leak a permanent
// user count.
func (c *Controller) abandonAcquire(reply chan acquireReply) {
	res := <-reply
	if res.err == nil {
		c.release()
	}
}

func (c *Controller) finishAcquire(res acquireReply) (map[int]int, func(), error) {
	if res.err != nil {
		return nil, nil, res.err
	}
	var once sync.Once
	release := func() {
		once.Do(c.release)
	}
	return res.portMap, release, nil
}

func (c *Controller) release() {
	select {
	case c.releaseCh <- struct{}{}:
	case <-c.doneCh:
	}
}

// Stop forces the service down regardless of current user count, and
// waits for it to have fully exited. Calling Stop on an already-idle
// service is a harmless no-op.
func (c *Controller) Stop(ctx context.Context) error {
	reply := make(chan error, 1)
	req := &stopReq{reply: reply}

	select {
	case c.stopCh <- req:
	case <-c.doneCh:
		return ErrControllerStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.doneCh:
		return ErrControllerStopped
	}
}

// Status returns the most recently published snapshot of the
// controller's state. Safe for concurrent use.
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Run drives the controller's state machine until ctx is canceled, at
// which point it tears down any running process (using the same
// graceful-then-kill sequence as a normal stop) before returning.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.doneCh)
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case req := <-c.acquireCh:
			c.handleAcquire(req)
		case <-c.releaseCh:
			c.handleRelease()
		case req := <-c.stopCh:
			c.handleStopRequest(req)
		case lr := <-c.launchResultCh:
			c.handleLaunchResult(lr)
		case ev := <-c.idleCh:
			c.handleIdleTimeout(ev)
		case ev := <-c.exitedCh:
			c.handleExited(ev)
		}
		c.publishStatus()
	}
}

func (c *Controller) setState(s State) {
	if c.state != s {
		c.log.Info().Str("from", c.state.String()).Str("to", s.String()).Msg("state transition")
	}
	c.state = s
}

func (c *Controller) publishStatus() {
	c.statusMu.Lock()
	c.status = Status{
		Name:   c.desc.Name,
		State:  c.state.String(),
		Users:  c.users,
		Ports:  c.desc.Ports,
		Wanted: c.wanted.fired(),
	}
	c.statusMu.Unlock()
}

func (c *Controller) handleAcquire(req *acquireReq) {
	switch c.state {
	case StateIdle:
		c.wanted.fire()
		c.setState(StateStarting)
		c.pending = append(c.pending, req)
		c.beginLaunch()
	case StateStarting:
		c.pending = append(c.pending, req)
	case StateServing:
		c.users++
		req.reply <- acquireReply{portMap: c.portMap}
	case StateDraining:
		c.wanted.fire()
		c.generation++ // invalidate the in-flight idle timer
		c.setState(StateServing)
		c.users++
		req.reply <- acquireReply{portMap: c.portMap}
	case StateStopping:
		c.wanted.fire()
		c.pending = append(c.pending, req)
	}
}

func (c *Controller) handleRelease() {
	if c.users > 0 {
		c.users--
	}
	if c.users == 0 && c.state == StateServing {
		c.wanted.reset()
		c.generation++
		c.setState(StateDraining)
		armIdleTimer(c.idleCh, c.generation)
	}
}

func (c *Controller) handleStopRequest(req *stopReq) {
	switch c.state {
	case StateIdle:
		req.reply <- nil
	case StateStarting, StateServing, StateDraining:
		c.wanted.reset()
		c.generation++
		c.setState(StateStopping)
		c.pendingStop = append(c.pendingStop, req)
		if c.proc != nil {
			proc := c.proc
			signal := c.desc.StopSignal
			go proc.stop(signal, stopGraceWindow)
		}
	case StateStopping:
		c.pendingStop = append(c.pendingStop, req)
	}
}

func (c *Controller) handleLaunchResult(lr launchResult) {
	if lr.err != nil {
		c.log.Error().Err(lr.err).Msg("launch failed")
		for _, req := range c.pending {
			req.reply <- acquireReply{err: lr.err}
		}
		c.pending = nil
		c.wanted.reset()
		c.setState(StateIdle)
		c.replyPendingStops(nil)
		return
	}

	c.proc = lr.proc
	c.portMap = lr.portMap
	c.started.fire()
	c.audit.RecordLaunch(c.desc.Name, time.Now())

	proc := lr.proc
	go func() {
		err := proc.wait()
		c.exitedCh <- exitedEvent{proc: proc, err: err}
	}()

	if c.state == StateStopping || !c.wanted.fired() {
		signal := c.desc.StopSignal
		go proc.stop(signal, stopGraceWindow)
		return
	}

	c.setState(StateServing)
	c.users += len(c.pending)
	// Publish before replying so a caller whose Use has returned
	// already sees the serving state in Status.
	c.publishStatus()
	for _, req := range c.pending {
		req.reply <- acquireReply{portMap: c.portMap}
	}
	c.pending = nil
}

func (c *Controller) handleIdleTimeout(ev idleTimeoutEvent) {
	if ev.generation != c.generation || c.state != StateDraining {
		return // superseded by a later acquire or stop
	}
	c.setState(StateStopping)
	if c.proc != nil {
		proc := c.proc
		signal := c.desc.StopSignal
		go proc.stop(signal, stopGraceWindow)
	}
}

func (c *Controller) handleExited(ev exitedEvent) {
	if ev.proc != c.proc {
		return // stale event from an already-superseded process
	}
	cause := "stopped"
	if ev.err != nil {
		cause = fmt.Sprintf("exited: %v", ev.err)
	}
	c.audit.RecordStop(c.desc.Name, time.Now(), cause)
	if err := platform.ReapProcessGroup(ev.proc.pgid()); err != nil {
		c.log.Warn().Err(err).Msg("failed to reap leftover process group members")
	}
	c.proc = nil
	c.portMap = nil
	c.started.reset()
	c.users = 0

	if c.wanted.fired() || len(c.pending) > 0 {
		c.wanted.fire()
		c.setState(StateStarting)
		c.beginLaunch()
	} else {
		c.setState(StateIdle)
	}

	c.replyPendingStops(nil)
}

func (c *Controller) replyPendingStops(err error) {
	for _, req := range c.pendingStop {
		req.reply <- err
	}
	c.pendingStop = nil
}

// beginLaunch spawns the async launch attempt. It captures the values
// the launch goroutine needs by value so that goroutine never touches
// Controller fields directly. lastLaunch is stamped with the moment the
// launch goroutine's flap wait ends, so consecutive launches stay at
// least flapWindow apart.
func (c *Controller) beginLaunch() {
	desc := c.desc
	lastLaunch := c.lastLaunch
	launchAt := time.Now()
	if !lastLaunch.IsZero() {
		if earliest := lastLaunch.Add(flapWindow); earliest.After(launchAt) {
			launchAt = earliest
		}
	}
	c.lastLaunch = launchAt
	resultCh := c.launchResultCh
	go runLaunch(desc, lastLaunch, resultCh)
}

func runLaunch(desc *descriptor.Service, lastLaunch time.Time, resultCh chan<- launchResult) {
	if !lastLaunch.IsZero() {
		if wait := flapWindow - time.Since(lastLaunch); wait > 0 {
			time.Sleep(wait)
		}
	}

	portMap, err := portpool.AllocatePortMap(desc.Ports)
	if err != nil {
		resultCh <- launchResult{err: fmt.Errorf("supervisor: allocate ports for %s: %w", desc.Name, err)}
		return
	}

	proc, err := launch(desc, portMap)
	if err != nil {
		resultCh <- launchResult{err: err}
		return
	}

	// No readiness gate here: the subprocess may still be starting up
	// when started fires, and that's fine. The Connection Pump absorbs
	// that delay itself with its own bounded connect-refused retry, so
	// a slow-to-bind backend never fails a Use() call or bounces the
	// controller back to Idle.
	resultCh <- launchResult{portMap: portMap, proc: proc}
}

func (c *Controller) shutdown() {
	if c.proc != nil {
		pgid := c.proc.pgid()
		c.proc.stop(c.desc.StopSignal, stopGraceWindow)
		c.audit.RecordStop(c.desc.Name, time.Now(), "shutdown")
		if err := platform.ReapProcessGroup(pgid); err != nil {
			c.log.Warn().Err(err).Msg("failed to reap leftover process group members")
		}
	}
	for _, req := range c.pending {
		req.reply <- acquireReply{err: ErrControllerStopped}
	}
	c.replyPendingStops(ErrControllerStopped)
}
