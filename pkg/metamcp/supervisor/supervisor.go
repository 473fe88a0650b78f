// Package supervisor manages the lifecycle of child MCP server
// processes: spawning, health monitoring, restart with backoff, and
// graceful termination.
//
// Each child runs under a dedicated goroutine that owns every state
// transition for that server. External operations (stop, restart,
// reset) signal that goroutine rather than mutating state directly,
// which keeps the state machine single-writer.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/client"
)

// Defaults applied to zero-valued ServerConfig fields.
const (
	DefaultHealthInterval   = 30 * time.Second
	DefaultHealthTimeout    = 5 * time.Second
	DefaultFailureThreshold = 3
	DefaultMaxRestarts      = 5
	DefaultRestartBackoff   = 1 * time.Second
	DefaultShutdownGrace    = 5 * time.Second
)

// ServerConfig describes one child MCP server.
type ServerConfig struct {
	// Name is the unique server name used as the tool namespace prefix.
	Name string

	// Command and Args form the child's command line.
	Command string
	Args    []string

	// Env holds extra environment variables, KEY=VALUE.
	Env []string

	// WorkDir is the child's working directory. Empty inherits ours.
	WorkDir string

	// DocsPath optionally points at a markdown file with tool
	// documentation to index for retrieval-based selection.
	DocsPath string

	// HealthInterval is the time between health probes.
	HealthInterval time.Duration

	// HealthTimeout bounds a single probe.
	HealthTimeout time.Duration

	// FailureThreshold is the number of consecutive probe failures
	// before the server is restarted.
	FailureThreshold int

	// MaxRestarts bounds automatic restarts before the server is
	// marked failed. Manual restarts do not count.
	MaxRestarts int

	// RestartBackoff is the initial delay between restart attempts;
	// subsequent attempts back off exponentially.
	RestartBackoff time.Duration

	// ShutdownGrace is how long to wait after SIGTERM before SIGKILL.
	ShutdownGrace time.Duration

	// RequestTimeout bounds individual MCP requests to this child.
	RequestTimeout time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.HealthInterval == 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = DefaultHealthTimeout
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.RestartBackoff == 0 {
		c.RestartBackoff = DefaultRestartBackoff
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
}

// Config holds supervisor-wide settings.
type Config struct {
	Servers []ServerConfig

	// ClientName and ClientVersion identify the router to children
	// during the MCP handshake.
	ClientName    string
	ClientVersion string
}

// StateChange describes one server state transition.
type StateChange struct {
	Server string
	From   metamcp.ServerState
	To     metamcp.ServerState
}

// Listener receives state change notifications. Listeners are called
// synchronously from the owning child goroutine and must not block.
type Listener func(StateChange)

// Supervisor owns all child server processes.
type Supervisor struct {
	mu              sync.RWMutex
	config          Config
	children        map[string]*childServer
	listeners       []Listener
	removeListeners []func(name string)
	wg              sync.WaitGroup
	closed          bool

	// spawn is inherited by every child, including ones created by a
	// config reload. Tests replace it.
	spawn spawnFunc
}

// New creates a supervisor for the configured servers. No processes
// are started until Start.
func New(config Config) *Supervisor {
	s := &Supervisor{
		config:   config,
		children: make(map[string]*childServer, len(config.Servers)),
		spawn:    realSpawn,
	}
	for _, sc := range config.Servers {
		sc.applyDefaults()
		s.children[sc.Name] = newChildServer(sc, s)
	}
	return s
}

// OnStateChange registers a listener for server state transitions.
// Must be called before Start.
func (s *Supervisor) OnStateChange(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// OnRemove registers a listener for servers dropped by a config
// reload, so downstream caches can forget their tools. Must be called
// before Start.
func (s *Supervisor) OnRemove(l func(name string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeListeners = append(s.removeListeners, l)
}

func (s *Supervisor) notifyRemoved(name string) {
	s.mu.RLock()
	listeners := make([]func(string), len(s.removeListeners))
	copy(listeners, s.removeListeners)
	s.mu.RUnlock()

	for _, l := range listeners {
		l(name)
	}
}

func (s *Supervisor) notify(change StateChange) {
	s.mu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, l := range listeners {
		l(change)
	}
}

// Start launches every configured server. Individual spawn failures do
// not abort the others; a server that cannot start enters its restart
// path like any other failure.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.RLock()
	children := make([]*childServer, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.mu.RUnlock()

	for _, c := range children {
		s.launch(ctx, c)
	}
	logger.Infow("supervisor started", "servers", len(children))
	return nil
}

// launch starts the child's lifecycle goroutine if it is not running.
func (s *Supervisor) launch(ctx context.Context, c *childServer) {
	if !c.arm() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.run(ctx)
	}()
}

// StartServer starts one server by name.
func (s *Supervisor) StartServer(ctx context.Context, name string) error {
	c, err := s.child(name)
	if err != nil {
		return err
	}
	s.launch(ctx, c)
	return nil
}

// StopServer gracefully stops one server. The server stays Stopped and
// is not restarted until StartServer or a config reload.
func (s *Supervisor) StopServer(_ context.Context, name string) error {
	c, err := s.child(name)
	if err != nil {
		return err
	}
	c.signalStop()
	// A Failed server has no goroutine to signal; move it directly.
	c.forceStopped()
	return nil
}

// RestartServer forces an immediate restart. Manual restarts reset the
// failure counters and do not count against the restart budget.
func (s *Supervisor) RestartServer(ctx context.Context, name string) error {
	c, err := s.child(name)
	if err != nil {
		return err
	}
	if c.signalRestart() {
		return nil
	}
	// Not running (Stopped or Failed): reset and start fresh.
	c.reset()
	s.launch(ctx, c)
	return nil
}

// Reset clears a Failed server's counters and starts it again.
func (s *Supervisor) Reset(ctx context.Context, name string) error {
	c, err := s.child(name)
	if err != nil {
		return err
	}
	if state, _ := s.ServerState(name); state != metamcp.ServerFailed && state != metamcp.ServerStopped {
		return fmt.Errorf("cannot reset server %q in state %s", name, state)
	}
	c.reset()
	s.launch(ctx, c)
	return nil
}

// ServerState implements metamcp.StateProvider.
func (s *Supervisor) ServerState(name string) (metamcp.ServerState, bool) {
	c, err := s.child(name)
	if err != nil {
		return "", false
	}
	return c.currentState(), true
}

// Client returns the MCP client for a server, or false when the server
// is not in a state that can serve requests.
func (s *Supervisor) Client(name string) (*client.Client, bool) {
	c, err := s.child(name)
	if err != nil {
		return nil, false
	}
	return c.currentClient()
}

// Tools lists the server's tools through its client, recording the
// count for status reporting.
func (s *Supervisor) Tools(ctx context.Context, name string) ([]metamcp.Tool, error) {
	cl, ok := s.Client(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", metamcp.ErrServerUnavailable, name)
	}
	tools, err := cl.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	if c, cerr := s.child(name); cerr == nil {
		c.setToolCount(len(tools))
	}
	return tools, nil
}

// ServerNames returns the configured server names.
func (s *Supervisor) ServerNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.children))
	for name := range s.children {
		names = append(names, name)
	}
	return names
}

// ServerConfigFor returns the config for a named server.
func (s *Supervisor) ServerConfigFor(name string) (ServerConfig, bool) {
	c, err := s.child(name)
	if err != nil {
		return ServerConfig{}, false
	}
	return c.config, true
}

// Status returns a snapshot of every server.
func (s *Supervisor) Status() []metamcp.ChildServerStatus {
	s.mu.RLock()
	children := make([]*childServer, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.mu.RUnlock()

	statuses := make([]metamcp.ChildServerStatus, 0, len(children))
	for _, c := range children {
		statuses = append(statuses, c.status())
	}
	return statuses
}

// ReloadConfig applies a new server set: removed servers are stopped,
// new servers are started, and servers whose config changed are
// restarted with fresh counters. Unchanged servers are untouched.
func (s *Supervisor) ReloadConfig(ctx context.Context, config Config) error {
	next := make(map[string]ServerConfig, len(config.Servers))
	for _, sc := range config.Servers {
		sc.applyDefaults()
		next[sc.Name] = sc
	}

	type swap struct {
		old, replacement *childServer
	}

	s.mu.Lock()
	var removed []*childServer
	var removedNames []string
	var swaps []swap
	var added []*childServer
	for name, c := range s.children {
		nc, keep := next[name]
		if !keep {
			removed = append(removed, c)
			removedNames = append(removedNames, name)
			delete(s.children, name)
			continue
		}
		if !configEqual(c.config, nc) {
			replacement := newChildServer(nc, s)
			s.children[name] = replacement
			swaps = append(swaps, swap{old: c, replacement: replacement})
		}
		delete(next, name)
	}
	for _, nc := range next {
		c := newChildServer(nc, s)
		s.children[nc.Name] = c
		added = append(added, c)
	}
	s.config = config
	s.mu.Unlock()

	for _, c := range removed {
		c.signalStop()
	}
	for _, name := range removedNames {
		s.notifyRemoved(name)
	}
	// The old process must be fully torn down before its replacement
	// spawns: at most one live process per server name.
	for _, sw := range swaps {
		sw.old.signalStop()
		sw.old.awaitDone(ctx)
		s.launch(ctx, sw.replacement)
	}
	for _, c := range added {
		s.launch(ctx, c)
	}
	logger.Infow("configuration reloaded",
		"stopped", len(removed)+len(swaps), "started", len(swaps)+len(added))
	return nil
}

// Shutdown stops all servers and waits for their goroutines to exit.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	children := make([]*childServer, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()

	for _, c := range children {
		c.signalStop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("supervisor shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor shutdown interrupted: %w", ctx.Err())
	}
}

func (s *Supervisor) child(name string) (*childServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.children[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", metamcp.ErrServerNotFound, name)
	}
	return c, nil
}

func configEqual(a, b ServerConfig) bool {
	if a.Command != b.Command || a.WorkDir != b.WorkDir || a.DocsPath != b.DocsPath {
		return false
	}
	if len(a.Args) != len(b.Args) || len(a.Env) != len(b.Env) {
		return false
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	for i := range a.Env {
		if a.Env[i] != b.Env[i] {
			return false
		}
	}
	return a.HealthInterval == b.HealthInterval &&
		a.HealthTimeout == b.HealthTimeout &&
		a.FailureThreshold == b.FailureThreshold &&
		a.MaxRestarts == b.MaxRestarts &&
		a.RestartBackoff == b.RestartBackoff &&
		a.ShutdownGrace == b.ShutdownGrace &&
		a.RequestTimeout == b.RequestTimeout
}
