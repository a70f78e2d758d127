package mcp

import (
	"context"
	"fmt"
	"iter"
)

// Transport provides the client-side communication layer for one MCP server.
type Transport interface {
	// StartSession establishes the channel and returns a session carrying
	// server messages. Operations are canceled when the context is canceled,
	// and appropriate errors are returned for connection or protocol
	// failures. Refer to the returned session's documentation for details on
	// message handling.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional communication channel between client and server.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the server.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the
	// server. The implementations should exit the iteration when the session
	// is stopped.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. The implementation should not call this, as
	// the caller is guaranteed to call this method once.
	Stop()
}

// PromptListWatcher provides an interface for receiving notifications when the server's prompt list changes.
// Implementations can use these notifications to update their internal state or trigger UI updates when
// available prompts are added, removed, or modified.
type PromptListWatcher interface {
	// OnPromptListChanged is called when the server notifies that its prompt list has changed.
	OnPromptListChanged()
}

// ResourceListWatcher provides an interface for receiving notifications when the server's resource list changes.
// Implementations can use these notifications to update their internal state or trigger UI updates when
// available resources are added, removed, or modified.
type ResourceListWatcher interface {
	// OnResourceListChanged is called when the server notifies that its resource list has changed.
	OnResourceListChanged()
}

// ResourceSubscribedWatcher provides an interface for receiving notifications when a subscribed resource changes.
// Implementations can use these notifications to invalidate caches or trigger UI updates when
// specific resources they are interested in are modified.
type ResourceSubscribedWatcher interface {
	// OnResourceSubscribedChanged is called when the server notifies that a subscribed resource has changed.
	OnResourceSubscribedChanged(uri string)
}

// ToolListWatcher provides an interface for receiving notifications when the server's tool list changes.
// Implementations can use these notifications to update their internal state or trigger UI updates when
// available tools are added, removed, or modified.
type ToolListWatcher interface {
	// OnToolListChanged is called when the server notifies that its tool list has changed.
	OnToolListChanged()
}

// LogReceiver provides an interface for receiving log messages from the server.
// Implementations can use these notifications to display logs in a UI, write them to a file,
// or forward them to a logging service.
type LogReceiver interface {
	// OnLog is called when a log message is received from the server.
	OnLog(params LogParams)
}

// FallbackTransport chains a primary and a secondary transport. StartSession
// tries the primary first and falls back to the secondary when the primary
// fails to establish a session; when both fail, the returned error names both
// causes. This backs the default HTTP behavior of trying streamable HTTP
// before the legacy SSE endpoint layout.
type FallbackTransport struct {
	Primary   Transport
	Secondary Transport
}

// StartSession implements Transport.
func (f FallbackTransport) StartSession(ctx context.Context) (Session, error) {
	sess, primaryErr := f.Primary.StartSession(ctx)
	if primaryErr == nil {
		return sess, nil
	}
	sess, secondaryErr := f.Secondary.StartSession(ctx)
	if secondaryErr == nil {
		return sess, nil
	}
	return nil, fmt.Errorf("primary transport: %v; fallback transport: %w", primaryErr, secondaryErr)
}
