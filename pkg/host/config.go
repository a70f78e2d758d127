package host

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/MegaGrindStone/go-mcp-agent/pkg/mcp"
)

// TransportKind selects the transport used to reach a server.
type TransportKind string

const (
	TransportWebSocket      TransportKind = "websocket"
	TransportStreamableHTTP TransportKind = "streamable_http"
	TransportSSE            TransportKind = "sse"
	TransportStdIO          TransportKind = "stdio"
)

// ServerConfig describes one MCP server a Host should connect to. The zero
// transport kind is derived from the rest of the config: a command means
// stdio, a ws:// or wss:// URL means WebSocket, and any other URL means
// streamable HTTP with a fallback to the legacy SSE endpoint layout.
//
// A config is treated as immutable once its connection is established;
// changing it requires tearing the connection down and reconnecting.
type ServerConfig struct {
	Name string

	Transport TransportKind
	URL       string

	// Command starts the server as a subprocess speaking the stdio
	// transport. Args and Env only apply to subprocess servers.
	Command string
	Args    []string
	Env     []string

	// Headers are sent on every HTTP request and WebSocket handshake.
	Headers map[string]string

	// Protocols are the WebSocket subprotocols offered during the handshake.
	Protocols []string

	// ProxyURL routes HTTP-family requests through a CORS proxy endpoint
	// that receives the real target in a query parameter. Incompatible with
	// the WebSocket transport.
	ProxyURL string

	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration

	// Capabilities overrides the client capabilities advertised during the
	// initialize handshake.
	Capabilities *mcp.ClientCapabilities
}

// resolveTransport returns the effective transport kind for the config.
func (c ServerConfig) resolveTransport() (TransportKind, error) {
	switch c.Transport {
	case TransportWebSocket, TransportStreamableHTTP, TransportSSE, TransportStdIO:
		return c.Transport, nil
	case "":
	default:
		return "", fmt.Errorf("unknown transport kind %q", c.Transport)
	}

	if c.Command != "" {
		return TransportStdIO, nil
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return TransportWebSocket, nil
	default:
		return TransportStreamableHTTP, nil
	}
}

func (c ServerConfig) validate() error {
	if c.Name == "" {
		return errors.New("server name is required")
	}

	kind, err := c.resolveTransport()
	if err != nil {
		return fmt.Errorf("server %s: %w", c.Name, err)
	}

	if kind == TransportStdIO {
		if c.Command == "" {
			return fmt.Errorf("server %s: stdio transport requires a command", c.Name)
		}
		return nil
	}
	if c.URL == "" {
		return fmt.Errorf("server %s: a URL or command is required", c.Name)
	}
	if kind == TransportWebSocket && c.ProxyURL != "" {
		return fmt.Errorf("server %s: websocket transport cannot be proxied", c.Name)
	}
	return nil
}

// buildTransport constructs the transport the config calls for.
func (c ServerConfig) buildTransport(logger *slog.Logger) (mcp.Transport, error) {
	kind, err := c.resolveTransport()
	if err != nil {
		return nil, err
	}

	switch kind {
	case TransportWebSocket:
		if c.ProxyURL != "" {
			return nil, errors.New("websocket transport cannot be proxied")
		}
		options := []mcp.WebSocketClientOption{
			mcp.WithWebSocketClientLogger(logger),
		}
		if len(c.Protocols) > 0 {
			options = append(options, mcp.WithWebSocketClientProtocols(c.Protocols))
		}
		if len(c.Headers) > 0 {
			options = append(options, mcp.WithWebSocketClientHeaders(c.Headers))
		}
		if c.HandshakeTimeout > 0 {
			options = append(options, mcp.WithWebSocketClientHandshakeTimeout(c.HandshakeTimeout))
		}
		return mcp.NewWebSocketClient(c.URL, options...), nil

	case TransportStreamableHTTP:
		// The default HTTP behavior: try streamable HTTP first, fall back
		// to the legacy SSE endpoint layout on the same URL.
		return mcp.FallbackTransport{
			Primary:   c.streamableTransport(logger),
			Secondary: c.sseTransport(logger),
		}, nil

	case TransportSSE:
		return c.sseTransport(logger), nil

	case TransportStdIO:
		if c.Command == "" {
			return nil, errors.New("stdio transport requires a command")
		}
		options := []mcp.StdIOClientOption{
			mcp.WithStdIOClientLogger(logger),
		}
		if len(c.Env) > 0 {
			options = append(options, mcp.WithStdIOClientEnv(c.Env))
		}
		return mcp.NewStdIOClient(c.Command, c.Args, options...), nil

	default:
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}

func (c ServerConfig) streamableTransport(logger *slog.Logger) *mcp.StreamableHTTPClient {
	options := []mcp.StreamableHTTPClientOption{
		mcp.WithStreamableHTTPClientLogger(logger),
	}
	if len(c.Headers) > 0 {
		options = append(options, mcp.WithStreamableHTTPClientHeaders(c.Headers))
	}
	if c.ProxyURL != "" {
		options = append(options, mcp.WithStreamableHTTPClientProxy(c.ProxyURL))
	}
	return mcp.NewStreamableHTTPClient(c.URL, nil, options...)
}

func (c ServerConfig) sseTransport(logger *slog.Logger) *mcp.SSEClient {
	options := []mcp.SSEClientOption{
		mcp.WithSSEClientLogger(logger),
	}
	if len(c.Headers) > 0 {
		options = append(options, mcp.WithSSEClientHeaders(c.Headers))
	}
	return mcp.NewSSEClient(c.URL, nil, options...)
}
