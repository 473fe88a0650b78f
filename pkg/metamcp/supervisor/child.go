package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/client"
)

// procHandle abstracts a spawned child process so the lifecycle loop
// can be exercised in tests without real processes.
type procHandle struct {
	pid       int
	client    *client.Client
	wait      <-chan error
	probe     func(ctx context.Context) error
	terminate func(grace time.Duration)
}

// spawnFunc starts a child process and completes the MCP handshake.
type spawnFunc func(ctx context.Context, cfg ServerConfig, clientName, clientVersion string) (*procHandle, error)

// superviseOutcome says why the inner health loop returned.
type superviseOutcome int

const (
	outcomeStop superviseOutcome = iota
	outcomeManualRestart
	outcomeUnhealthy
	outcomeExited
)

type childServer struct {
	config ServerConfig
	sup    *Supervisor
	spawn  spawnFunc

	mu                  sync.Mutex
	state               metamcp.ServerState
	client              *client.Client
	pid                 int
	consecutiveFailures int
	restartCount        int
	lastHealthCheck     time.Time
	lastErr             error
	startedAt           time.Time
	toolCount           int

	running   bool
	stopCh    chan struct{}
	stopOnce  *sync.Once
	restartCh chan struct{}
	doneCh    chan struct{}
}

func newChildServer(cfg ServerConfig, sup *Supervisor) *childServer {
	done := make(chan struct{})
	close(done)
	return &childServer{
		config: cfg,
		sup:    sup,
		spawn:  sup.spawn,
		state:  metamcp.ServerStopped,
		doneCh: done,
	}
}

// arm marks the lifecycle goroutine as starting. Returns false when
// one is already running.
func (c *childServer) arm() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return false
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.stopOnce = &sync.Once{}
	c.restartCh = make(chan struct{}, 1)
	c.doneCh = make(chan struct{})
	return true
}

func (c *childServer) disarm() {
	c.mu.Lock()
	c.running = false
	done := c.doneCh
	c.mu.Unlock()
	close(done)
}

// awaitDone blocks until the lifecycle goroutine has fully exited,
// meaning the child process is detached and terminated. Returns
// immediately when no goroutine ever ran.
func (c *childServer) awaitDone(ctx context.Context) {
	c.mu.Lock()
	done := c.doneCh
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// run is the lifecycle loop. It is the single writer of this child's
// state for as long as it runs.
func (c *childServer) run(ctx context.Context) {
	defer c.disarm()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.RestartBackoff
	bo.MaxInterval = 30 * time.Second

	for {
		c.transition(metamcp.ServerStarting)

		handle, err := c.spawn(ctx, c.config, c.sup.config.ClientName, c.sup.config.ClientVersion)
		if err != nil {
			c.recordError(fmt.Errorf("%w: %w", metamcp.ErrProcessSpawn, err))
			if !c.scheduleRestart(ctx, bo) {
				return
			}
			continue
		}
		c.attach(handle)

		if err := c.firstHealthCheck(ctx, handle); err != nil {
			c.recordError(err)
			c.detach(handle)
			if !c.scheduleRestart(ctx, bo) {
				return
			}
			continue
		}

		c.markHealthy()
		bo.Reset()

		switch c.supervise(ctx, handle) {
		case outcomeStop:
			c.detach(handle)
			c.transition(metamcp.ServerStopped)
			return

		case outcomeManualRestart:
			logger.Infow("manual restart requested", "server", c.config.Name)
			c.detach(handle)
			c.clearFailures()
			bo.Reset()
			c.transition(metamcp.ServerRestarting)

		case outcomeUnhealthy, outcomeExited:
			c.detach(handle)
			if !c.scheduleRestart(ctx, bo) {
				return
			}
		}
	}
}

// firstHealthCheck gates the Starting -> Running transition.
func (c *childServer) firstHealthCheck(ctx context.Context, handle *procHandle) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.config.HealthTimeout)
	defer cancel()

	if err := handle.probe(probeCtx); err != nil {
		return fmt.Errorf("initial health check failed for %s: %w", c.config.Name, err)
	}
	c.mu.Lock()
	c.lastHealthCheck = time.Now()
	c.mu.Unlock()
	return nil
}

// supervise runs the steady-state health loop until something ends it.
func (c *childServer) supervise(ctx context.Context, handle *procHandle) superviseOutcome {
	ticker := time.NewTicker(c.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return outcomeStop

		case <-c.stopCh:
			return outcomeStop

		case <-c.restartCh:
			return outcomeManualRestart

		case err := <-handle.wait:
			c.recordError(fmt.Errorf("process exited unexpectedly: %w", err))
			logger.Warnw("child server exited", "server", c.config.Name, "error", err)
			return outcomeExited

		case <-ticker.C:
			if c.checkHealth(ctx, handle) {
				continue
			}
			if c.failureCount() >= c.config.FailureThreshold {
				logger.Warnw("failure threshold reached, restarting",
					"server", c.config.Name,
					"consecutive_failures", c.failureCount())
				return outcomeUnhealthy
			}
		}
	}
}

// checkHealth runs one probe and updates counters. Returns true on a
// passing probe.
func (c *childServer) checkHealth(ctx context.Context, handle *procHandle) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.config.HealthTimeout)
	err := handle.probe(probeCtx)
	cancel()

	c.mu.Lock()
	c.lastHealthCheck = time.Now()
	c.mu.Unlock()

	if err != nil {
		c.mu.Lock()
		c.consecutiveFailures++
		c.lastErr = err
		failures := c.consecutiveFailures
		c.mu.Unlock()

		logger.Debugw("health check failed",
			"server", c.config.Name,
			"consecutive_failures", failures,
			"error", err)
		if c.currentState() == metamcp.ServerRunning {
			c.transition(metamcp.ServerUnhealthy)
		}
		return false
	}

	c.clearFailures()
	if st := c.currentState(); st == metamcp.ServerUnhealthy || st == metamcp.ServerStarting {
		c.transition(metamcp.ServerRunning)
	}
	return true
}

// scheduleRestart counts a restart attempt against the budget and
// sleeps the backoff delay. Returns false when the budget is exhausted
// and the server has been marked Failed, or when stopped while
// waiting.
func (c *childServer) scheduleRestart(ctx context.Context, bo *backoff.ExponentialBackOff) bool {
	c.mu.Lock()
	c.restartCount++
	count := c.restartCount
	c.mu.Unlock()

	if count > c.config.MaxRestarts {
		c.recordError(fmt.Errorf("%w: %d restarts attempted for %s",
			metamcp.ErrRestartExhausted, count-1, c.config.Name))
		logger.Errorw("restart budget exhausted, marking failed",
			"server", c.config.Name, "restarts", count-1)
		c.transition(metamcp.ServerFailed)
		return false
	}

	delay := bo.NextBackOff()
	c.transition(metamcp.ServerRestarting)
	logger.Infow("restarting child server",
		"server", c.config.Name, "attempt", count, "delay", delay)

	select {
	case <-time.After(delay):
		return true
	case <-c.stopCh:
		c.transition(metamcp.ServerStopped)
		return false
	case <-ctx.Done():
		c.transition(metamcp.ServerStopped)
		return false
	}
}

func (c *childServer) attach(handle *procHandle) {
	c.mu.Lock()
	c.client = handle.client
	c.pid = handle.pid
	c.startedAt = time.Now()
	c.mu.Unlock()
}

// detach tears the process down and clears the connection.
func (c *childServer) detach(handle *procHandle) {
	c.mu.Lock()
	c.client = nil
	c.pid = 0
	c.toolCount = 0
	c.mu.Unlock()

	if handle.client != nil {
		_ = handle.client.Close()
	}
	handle.terminate(c.config.ShutdownGrace)
}

func (c *childServer) markHealthy() {
	c.mu.Lock()
	c.consecutiveFailures = 0
	c.lastErr = nil
	c.mu.Unlock()
	c.transition(metamcp.ServerRunning)
}

func (c *childServer) clearFailures() {
	c.mu.Lock()
	c.consecutiveFailures = 0
	c.mu.Unlock()
}

func (c *childServer) failureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveFailures
}

func (c *childServer) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// reset clears counters. Only meaningful while not running.
func (c *childServer) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.restartCount = 0
	c.consecutiveFailures = 0
	c.lastErr = nil
	c.state = metamcp.ServerStopped
}

// signalStop asks the lifecycle goroutine to stop. Safe to call
// multiple times and when not running.
func (c *childServer) signalStop() {
	c.mu.Lock()
	running := c.running
	once := c.stopOnce
	stopCh := c.stopCh
	c.mu.Unlock()

	if !running || once == nil {
		return
	}
	once.Do(func() { close(stopCh) })
}

// forceStopped moves a child with no lifecycle goroutine to Stopped.
// A Failed child qualifies even if its goroutine has not finished
// unwinding: Failed is never transitioned out of by the loop itself.
func (c *childServer) forceStopped() {
	c.mu.Lock()
	if c.running && c.state != metamcp.ServerFailed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.transition(metamcp.ServerStopped)
}

// signalRestart requests a manual restart. Returns false when no
// lifecycle goroutine is running.
func (c *childServer) signalRestart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return false
	}
	select {
	case c.restartCh <- struct{}{}:
	default:
	}
	return true
}

func (c *childServer) transition(to metamcp.ServerState) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	logger.Infow("server state changed",
		"server", c.config.Name, "from", from, "to", to)
	c.sup.notify(StateChange{Server: c.config.Name, From: from, To: to})
}

func (c *childServer) currentState() metamcp.ServerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// currentClient returns the client when the server can take requests.
func (c *childServer) currentClient() (*client.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, false
	}
	if c.state != metamcp.ServerRunning && c.state != metamcp.ServerUnhealthy {
		return nil, false
	}
	return c.client, true
}

func (c *childServer) setToolCount(n int) {
	c.mu.Lock()
	c.toolCount = n
	c.mu.Unlock()
}

func (c *childServer) status() metamcp.ChildServerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := metamcp.ChildServerStatus{
		Name:                c.config.Name,
		State:               c.state,
		PID:                 c.pid,
		ConsecutiveFailures: c.consecutiveFailures,
		RestartCount:        c.restartCount,
		LastHealthCheckAt:   c.lastHealthCheck,
		ToolCount:           c.toolCount,
		StartedAt:           c.startedAt,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// realSpawn starts the configured command with its own process group,
// wires an MCP client over its pipes, and completes the handshake.
func realSpawn(ctx context.Context, cfg ServerConfig, clientName, clientVersion string) (*procHandle, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = append(os.Environ(), cfg.Env...)
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cfg.Command, err)
	}
	pid := cmd.Process.Pid

	wait := make(chan error, 1)
	go func() { wait <- cmd.Wait() }()

	cl := client.NewIOClient(client.Config{
		ServerName:     cfg.Name,
		RequestTimeout: cfg.RequestTimeout,
		ClientName:     clientName,
		ClientVersion:  clientVersion,
	}, stdout, stdin, stderr)

	handle := &procHandle{
		pid:    pid,
		client: cl,
		wait:   wait,
		probe: func(ctx context.Context) error {
			// A dead pid fails fast without waiting out an MCP timeout.
			if alive, perr := process.PidExists(int32(pid)); perr == nil && !alive {
				return fmt.Errorf("process %d is gone", pid)
			}
			return cl.Ping(ctx)
		},
		terminate: func(grace time.Duration) {
			terminateProcess(pid, wait, grace, cfg.Name)
		},
	}

	if err := cl.Initialize(ctx); err != nil {
		_ = cl.Close()
		handle.terminate(cfg.ShutdownGrace)
		return nil, fmt.Errorf("mcp handshake with %s: %w", cfg.Name, err)
	}

	logger.Infow("spawned child server",
		"server", cfg.Name, "command", cfg.Command, "pid", pid)
	return handle, nil
}

// terminateProcess sends SIGTERM to the process group, waits out the
// grace period, then SIGKILLs whatever is left.
func terminateProcess(pid int, wait <-chan error, grace time.Duration, name string) {
	if pid == 0 {
		return
	}
	if err := signalTerm(pid); err != nil {
		// Likely already gone.
		logger.Debugw("SIGTERM failed", "server", name, "pid", pid, "error", err)
	}

	select {
	case <-wait:
		return
	case <-time.After(grace):
	}

	logger.Warnw("grace period expired, killing process group",
		"server", name, "pid", pid)
	if err := signalKill(pid); err != nil {
		logger.Debugw("SIGKILL failed", "server", name, "pid", pid, "error", err)
	}

	select {
	case <-wait:
	case <-time.After(2 * time.Second):
		logger.Errorw("process did not exit after SIGKILL", "server", name, "pid", pid)
	}
}
