package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/go-mcp-agent/pkg/mcp"
)

const (
	clientName    = "go-mcp-agent"
	clientVersion = "0.1.0"

	toolRefreshTimeout = 30 * time.Second
	healthCheckTimeout = 30 * time.Second
)

// Host manages connections to a set of MCP servers and aggregates what they
// offer behind one surface: a merged tool index, prompt and resource access
// per server, and a resource cache with subscription tracking.
//
// All methods are safe for concurrent use.
type Host struct {
	configs  []ServerConfig
	logger   *slog.Logger
	observer chan<- PhaseEvent

	resources *resourceManager

	mu          sync.Mutex
	connections map[string]*Connection
	toolIndex   map[string]string
	closed      bool
	healthStop  chan struct{}

	// keepAlive tracks in-flight tool executions so Shutdown can drain
	// them before tearing connections down.
	keepAlive sync.WaitGroup
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithHostLogger sets the logger used by the host and every connection it
// manages.
func WithHostLogger(logger *slog.Logger) HostOption {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithPhaseObserver delivers every connection phase transition to ch. Sends
// are best-effort: events are dropped when ch is full rather than blocking
// the connection sequence.
func WithPhaseObserver(ch chan<- PhaseEvent) HostOption {
	return func(h *Host) {
		h.observer = ch
	}
}

// NewHost validates the server configs and returns a Host ready to connect.
func NewHost(configs []ServerConfig, options ...HostOption) (*Host, error) {
	seen := make(map[string]struct{}, len(configs))
	for _, cfg := range configs {
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[cfg.Name]; ok {
			return nil, fmt.Errorf("duplicate server name %s", cfg.Name)
		}
		seen[cfg.Name] = struct{}{}
	}

	h := &Host{
		configs:     configs,
		logger:      slog.Default(),
		resources:   newResourceManager(time.Now),
		connections: make(map[string]*Connection),
		toolIndex:   make(map[string]string),
	}
	for _, opt := range options {
		opt(h)
	}
	return h, nil
}

// Connect establishes connections to all configured servers in parallel. A
// previous set of connections, if any, is torn down first. Individual
// failures are logged and leave the rest of the set connected; Connect only
// returns an error when servers are configured and none of them connected.
func (h *Host) Connect(ctx context.Context) error {
	h.Shutdown()

	conns := make([]*Connection, len(h.configs))
	errs := make([]error, len(h.configs))

	var wg sync.WaitGroup
	for i, cfg := range h.configs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := newConnection(cfg, h.logger, h.observer)
			watcher := &connectionWatcher{host: h, server: cfg.Name}
			if err := conn.connect(ctx, watcher); err != nil {
				errs[i] = fmt.Errorf("%s: %w", cfg.Name, err)
				return
			}
			conns[i] = conn
		}()
	}
	wg.Wait()

	h.mu.Lock()
	h.closed = false
	h.connections = make(map[string]*Connection)
	for _, conn := range conns {
		if conn != nil {
			h.connections[conn.Name()] = conn
		}
	}
	h.rebuildToolIndexLocked()
	connected := len(h.connections)
	h.mu.Unlock()

	var failures []error
	for _, err := range errs {
		if err != nil {
			h.logger.Warn("server connection failed", "err", err)
			failures = append(failures, err)
		}
	}
	if len(h.configs) > 0 && connected == 0 {
		return fmt.Errorf("failed to connect to any server: %w", errors.Join(failures...))
	}
	return nil
}

// Shutdown drains in-flight tool executions, disconnects every server, and
// clears the aggregated state. It is safe to call more than once and on a
// host that never connected.
func (h *Host) Shutdown() {
	h.mu.Lock()
	h.closed = true
	if h.healthStop != nil {
		close(h.healthStop)
		h.healthStop = nil
	}
	conns := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	h.keepAlive.Wait()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.disconnect()
		}()
	}
	wg.Wait()

	h.mu.Lock()
	h.connections = make(map[string]*Connection)
	h.toolIndex = make(map[string]string)
	h.mu.Unlock()

	h.resources.clear()
}

// Acquire registers an external operation that must complete before
// Shutdown tears connections down. Callers pair it with Release.
func (h *Host) Acquire() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("host is shut down")
	}
	h.keepAlive.Add(1)
	return nil
}

// Release ends an operation registered with Acquire.
func (h *Host) Release() {
	h.keepAlive.Done()
}

// ServerNames returns the names of currently connected servers in config
// order.
func (h *Host) ServerNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.connections))
	for _, cfg := range h.configs {
		if _, ok := h.connections[cfg.Name]; ok {
			names = append(names, cfg.Name)
		}
	}
	return names
}

// Connection returns the live connection for the named server.
func (h *Host) Connection(server string) (*Connection, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.connections[server]
	return conn, ok
}

func (h *Host) connection(server string) (*Connection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.connections[server]
	if !ok {
		return nil, fmt.Errorf("server %s is not connected", server)
	}
	return conn, nil
}

func (h *Host) configFor(server string) (ServerConfig, bool) {
	for _, cfg := range h.configs {
		if cfg.Name == server {
			return cfg, true
		}
	}
	return ServerConfig{}, false
}

// ListPrompts returns every prompt the named server advertises.
func (h *Host) ListPrompts(ctx context.Context, server string) ([]mcp.Prompt, error) {
	conn, err := h.connection(server)
	if err != nil {
		return nil, err
	}
	return conn.client.ListAllPrompts(ctx), nil
}

// GetPrompt renders the named prompt with the given arguments.
func (h *Host) GetPrompt(ctx context.Context, server string, params mcp.GetPromptParams) (mcp.GetPromptResult, error) {
	conn, err := h.connection(server)
	if err != nil {
		return mcp.GetPromptResult{}, err
	}
	return conn.client.GetPrompt(ctx, params)
}

// Complete asks the named server for argument completion suggestions. A
// missing server degrades to an empty result, the same way servers without
// completion support do.
func (h *Host) Complete(ctx context.Context, server string, params mcp.CompleteParams) mcp.CompletionResult {
	conn, err := h.connection(server)
	if err != nil {
		return mcp.CompletionResult{}
	}
	return conn.client.Complete(ctx, params)
}

// refreshServerTools re-lists one server's tools and rebuilds the merged
// index. Runs on its own goroutine when triggered by a list_changed
// notification so the client's listener is never blocked on its own reply.
func (h *Host) refreshServerTools(server string) {
	conn, err := h.connection(server)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), toolRefreshTimeout)
	defer cancel()
	tools := conn.client.ListAllTools(ctx)
	conn.setTools(tools)

	h.mu.Lock()
	h.rebuildToolIndexLocked()
	h.mu.Unlock()

	h.logger.Info("refreshed server tools", "server", server, "tools", len(tools))
}

func (h *Host) handleResourceUpdated(server, uri string) {
	h.resources.invalidate(uri)
	h.resources.markUpdated(uri, time.Now())
	h.logger.Debug("resource updated", "server", server, "uri", uri)
}

// connectionWatcher routes one server's notifications back into the host.
type connectionWatcher struct {
	host   *Host
	server string
}

func (w *connectionWatcher) OnToolListChanged() {
	// The refresh issues a request whose reply arrives on the listener
	// goroutine delivering this notification, so it cannot run inline.
	go w.host.refreshServerTools(w.server)
}

func (w *connectionWatcher) OnResourceSubscribedChanged(uri string) {
	w.host.handleResourceUpdated(w.server, uri)
}

func (w *connectionWatcher) OnResourceListChanged() {
	w.host.logger.Debug("resource list changed", "server", w.server)
}

func (w *connectionWatcher) OnPromptListChanged() {
	w.host.logger.Debug("prompt list changed", "server", w.server)
}

func (w *connectionWatcher) OnLog(params mcp.LogParams) {
	w.host.logger.Log(context.Background(), slogLevel(params.Level), "server log",
		"server", w.server, "logger", params.Logger, "data", string(params.Data))
}

func slogLevel(level mcp.LogLevel) slog.Level {
	switch level {
	case mcp.LogLevelDebug:
		return slog.LevelDebug
	case mcp.LogLevelInfo, mcp.LogLevelNotice:
		return slog.LevelInfo
	case mcp.LogLevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
