package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/go-mcp-agent/pkg/mcp"
)

// Phase is a stage in a connection's lifecycle. Phases only move forward
// within one connection attempt: Error is reachable from anywhere, and
// Disconnected only follows Connected. A reconnect starts a fresh attempt
// from Idle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseTransportCreating
	PhaseTransportReady
	PhaseInitializing
	PhaseCapabilitiesExchanged
	PhaseListingTools
	PhaseConnected
	PhaseError
	PhaseDisconnected
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseTransportCreating:
		return "transport_creating"
	case PhaseTransportReady:
		return "transport_ready"
	case PhaseInitializing:
		return "initializing"
	case PhaseCapabilitiesExchanged:
		return "capabilities_exchanged"
	case PhaseListingTools:
		return "listing_tools"
	case PhaseConnected:
		return "connected"
	case PhaseError:
		return "error"
	case PhaseDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func canTransition(from, to Phase) bool {
	if to == PhaseError {
		return true
	}
	if to == PhaseDisconnected {
		return from == PhaseConnected
	}
	return to > from
}

// PhaseEvent records one phase transition of one server connection.
type PhaseEvent struct {
	Server   string
	Time     time.Time
	Phase    Phase
	Message  string
	Severity slog.Level
	Details  map[string]any
}

// Connection manages the lifecycle of a single server connection: building
// the transport, the initialize handshake, the initial tool listing, and
// teardown. It records a trace of every phase transition for diagnostics.
type Connection struct {
	config   ServerConfig
	logger   *slog.Logger
	observer chan<- PhaseEvent

	client *mcp.Client

	mu       sync.Mutex
	phase    Phase
	trace    []PhaseEvent
	failure  error
	duration time.Duration
	tools    []mcp.Tool
}

func newConnection(cfg ServerConfig, logger *slog.Logger, observer chan<- PhaseEvent) *Connection {
	return &Connection{
		config:   cfg,
		logger:   logger.With("server", cfg.Name),
		observer: observer,
		phase:    PhaseIdle,
	}
}

// connect runs the full connection sequence. The watcher, when non-nil,
// receives server-initiated notifications for the lifetime of the client.
func (c *Connection) connect(ctx context.Context, watcher *connectionWatcher) error {
	start := time.Now()

	c.setPhase(PhaseTransportCreating, "creating transport", slog.LevelInfo, nil)
	transport, err := c.config.buildTransport(c.logger)
	if err != nil {
		return c.fail(start, fmt.Errorf("build transport: %w", err))
	}
	c.setPhase(PhaseTransportReady, "transport ready", slog.LevelInfo, nil)

	options := []mcp.ClientOption{
		mcp.WithClientLogger(c.logger),
	}
	if c.config.RequestTimeout > 0 {
		options = append(options, mcp.WithClientRequestTimeout(c.config.RequestTimeout))
	}
	if c.config.Capabilities != nil {
		options = append(options, mcp.WithClientCapabilities(*c.config.Capabilities))
	}
	if watcher != nil {
		options = append(options,
			mcp.WithPromptListWatcher(watcher),
			mcp.WithResourceListWatcher(watcher),
			mcp.WithResourceSubscribedWatcher(watcher),
			mcp.WithToolListWatcher(watcher),
			mcp.WithLogReceiver(watcher),
		)
	}
	c.client = mcp.NewClient(mcp.Info{Name: clientName, Version: clientVersion}, transport, options...)

	c.setPhase(PhaseInitializing, "initializing session", slog.LevelInfo, nil)
	connectCtx := ctx
	if c.config.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, c.config.HandshakeTimeout)
		defer cancel()
	}
	if err := c.client.Connect(connectCtx); err != nil {
		return c.fail(start, fmt.Errorf("initialize: %w", err))
	}

	info := c.client.ServerInfo()
	c.setPhase(PhaseCapabilitiesExchanged, "capabilities exchanged", slog.LevelInfo, map[string]any{
		"serverName":      info.Name,
		"serverVersion":   info.Version,
		"protocolVersion": c.client.ProtocolVersion(),
	})

	c.setPhase(PhaseListingTools, "listing tools", slog.LevelInfo, nil)
	tools := c.client.ListAllTools(ctx)
	c.setTools(tools)

	c.mu.Lock()
	c.duration = time.Since(start)
	c.mu.Unlock()
	c.setPhase(PhaseConnected, "connected", slog.LevelInfo, map[string]any{
		"tools": len(tools),
	})
	return nil
}

func (c *Connection) fail(start time.Time, err error) error {
	c.mu.Lock()
	c.failure = err
	c.duration = time.Since(start)
	c.mu.Unlock()
	c.setPhase(PhaseError, err.Error(), slog.LevelError, nil)
	return err
}

// disconnect tears the connection down. Tool listings do not survive a
// disconnect; a later reconnect starts from an empty slate.
func (c *Connection) disconnect() {
	c.setTools(nil)
	if c.client != nil {
		c.client.Close()
	}
	c.setPhase(PhaseDisconnected, "disconnected", slog.LevelInfo, nil)
}

func (c *Connection) setPhase(phase Phase, message string, severity slog.Level, details map[string]any) {
	c.mu.Lock()
	if !canTransition(c.phase, phase) {
		from := c.phase
		c.mu.Unlock()
		c.logger.Debug("ignoring phase transition", "from", from, "to", phase)
		return
	}
	c.phase = phase
	event := PhaseEvent{
		Server:   c.config.Name,
		Time:     time.Now(),
		Phase:    phase,
		Message:  message,
		Severity: severity,
		Details:  details,
	}
	c.trace = append(c.trace, event)
	c.mu.Unlock()

	c.logger.Log(context.Background(), severity, message, "phase", phase)
	if c.observer != nil {
		select {
		case c.observer <- event:
		default:
		}
	}
}

func (c *Connection) setTools(tools []mcp.Tool) {
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
}

// Name returns the configured server name.
func (c *Connection) Name() string {
	return c.config.Name
}

// Phase returns the connection's current lifecycle phase.
func (c *Connection) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Trace returns a copy of the phase transitions recorded so far.
func (c *Connection) Trace() []PhaseEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	trace := make([]PhaseEvent, len(c.trace))
	copy(trace, c.trace)
	return trace
}

// Tools returns a copy of the server's tool listing from the current
// connection epoch.
func (c *Connection) Tools() []mcp.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tools := make([]mcp.Tool, len(c.tools))
	copy(tools, c.tools)
	return tools
}

// Failure returns the error that moved the connection into PhaseError.
func (c *Connection) Failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// ConnectDuration returns how long the connection attempt took.
func (c *Connection) ConnectDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

// ServerInfo returns the server's self-reported identity.
func (c *Connection) ServerInfo() mcp.Info {
	if c.client == nil {
		return mcp.Info{}
	}
	return c.client.ServerInfo()
}

// Instructions returns the usage instructions the server supplied during
// the initialize handshake.
func (c *Connection) Instructions() string {
	if c.client == nil {
		return ""
	}
	return c.client.Instructions()
}
