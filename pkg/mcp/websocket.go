package mcp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsDefaultHandshakeTimeout = 30 * time.Second

	maxReconnectAttempts = 5
	maxReconnectDelay    = 30 * time.Second
)

// WebSocketClient implements the WebSocket transport. The connection is a
// true duplex channel, so unlike the HTTP-family transports there is no
// response pairing at this layer; messages flow freely in both directions.
//
// When the connection closes unexpectedly while the session is still wanted,
// the session reconnects on its own with capped exponential backoff and gives
// up silently after a bounded number of attempts. Requests pending across a
// reconnect fail individually through their own timeouts.
// Instances should be created using NewWebSocketClient.
type WebSocketClient struct {
	url              string
	protocols        []string
	headers          map[string]string
	handshakeTimeout time.Duration
	maxPayloadSize   int64
	logger           *slog.Logger
}

// WebSocketClientOption represents the options for the WebSocketClient.
type WebSocketClientOption func(*WebSocketClient)

type wsSession struct {
	id     string
	dial   func(ctx context.Context) (*websocket.Conn, error)
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	reconnectMu sync.Mutex
	reconnectOn bool

	messages chan JSONRPCMessage
	done     chan struct{}
	stopOnce sync.Once
}

// NewWebSocketClient creates a WebSocket client for the given ws:// or wss://
// URL. The client must call StartSession to begin communication.
func NewWebSocketClient(wsURL string, options ...WebSocketClientOption) *WebSocketClient {
	s := &WebSocketClient{
		url:              wsURL,
		handshakeTimeout: wsDefaultHandshakeTimeout,
		logger:           slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithWebSocketClientProtocols sets the subprotocols offered during the
// WebSocket handshake.
func WithWebSocketClientProtocols(protocols []string) WebSocketClientOption {
	return func(s *WebSocketClient) {
		s.protocols = protocols
	}
}

// WithWebSocketClientHeaders sets additional headers, such as credentials,
// sent with the handshake request.
func WithWebSocketClientHeaders(headers map[string]string) WebSocketClientOption {
	return func(s *WebSocketClient) {
		s.headers = headers
	}
}

// WithWebSocketClientHandshakeTimeout bounds how long the handshake may take
// before the dial fails.
func WithWebSocketClientHandshakeTimeout(timeout time.Duration) WebSocketClientOption {
	return func(s *WebSocketClient) {
		if timeout > 0 {
			s.handshakeTimeout = timeout
		}
	}
}

// WithWebSocketClientMaxPayloadSize sets the maximum size of a single
// message accepted from the server.
func WithWebSocketClientMaxPayloadSize(size int64) WebSocketClientOption {
	return func(s *WebSocketClient) {
		s.maxPayloadSize = size
	}
}

// WithWebSocketClientLogger sets the logger used by the client and its
// sessions.
func WithWebSocketClientLogger(logger *slog.Logger) WebSocketClientOption {
	return func(s *WebSocketClient) {
		s.logger = logger
	}
}

// StartSession dials the server and returns the session once the handshake
// completes. The handshake is bounded by the configured handshake timeout in
// addition to the given context.
func (s *WebSocketClient) StartSession(ctx context.Context) (Session, error) {
	dial := func(ctx context.Context) (*websocket.Conn, error) {
		dialer := &websocket.Dialer{
			HandshakeTimeout: s.handshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			Subprotocols:     s.protocols,
		}

		header := http.Header{}
		for k, v := range s.headers {
			header.Set(k, v)
		}

		conn, resp, err := dialer.DialContext(ctx, s.url, header)
		if resp != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", s.url, err)
		}
		if s.maxPayloadSize > 0 {
			conn.SetReadLimit(s.maxPayloadSize)
		}
		return conn, nil
	}

	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}

	sess := &wsSession{
		id:       uuid.New().String(),
		dial:     dial,
		logger:   s.logger,
		conn:     conn,
		messages: make(chan JSONRPCMessage),
		done:     make(chan struct{}),
	}
	go sess.readLoop(conn)

	return sess, nil
}

// reconnectDelay returns how long to wait before the given reconnect
// attempt: one second doubled per attempt, capped at thirty seconds.
func reconnectDelay(attempt int) time.Duration {
	d := time.Second << attempt
	if d > maxReconnectDelay || d <= 0 {
		d = maxReconnectDelay
	}
	return d
}

func (s *wsSession) ID() string { return s.id }

// Send writes one message to the socket. Writes are serialized; the context
// deadline, when present, bounds the write.
func (s *wsSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return errors.New("connection is down")
	}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (s *wsSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg := <-s.messages:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *wsSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conn != nil {
			// Best effort close handshake before tearing the socket down.
			_ = s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			s.conn.Close()
			s.conn = nil
		}
	})
}

func (s *wsSession) readLoop(conn *websocket.Conn) {
	for {
		var msg JSONRPCMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-s.done:
				return
			default:
			}

			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()

			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.logger.Debug("connection closed", "err", err)
				return
			}

			s.logger.Warn("connection closed unexpectedly", "err", err)
			go s.reconnect()
			return
		}

		select {
		case s.messages <- msg:
		case <-s.done:
			return
		}
	}
}

// reconnect re-dials the server with capped exponential backoff. Only one
// reconnect runs at a time, and the whole effort is abandoned silently once
// the attempts are exhausted or the session is stopped.
func (s *wsSession) reconnect() {
	s.reconnectMu.Lock()
	if s.reconnectOn {
		s.reconnectMu.Unlock()
		return
	}
	s.reconnectOn = true
	s.reconnectMu.Unlock()

	defer func() {
		s.reconnectMu.Lock()
		s.reconnectOn = false
		s.reconnectMu.Unlock()
	}()

	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		delay := reconnectDelay(attempt)

		select {
		case <-s.done:
			return
		case <-time.After(delay):
		}

		conn, err := s.dial(context.Background())
		if err != nil {
			s.logger.Warn("reconnect attempt failed",
				"attempt", attempt+1, "delay", delay, "err", err)
			continue
		}

		s.mu.Lock()
		select {
		case <-s.done:
			s.mu.Unlock()
			conn.Close()
			return
		default:
		}
		s.conn = conn
		s.mu.Unlock()

		s.logger.Info("reconnected", "attempt", attempt+1)
		go s.readLoop(conn)
		return
	}

	s.logger.Warn("giving up on reconnecting", "attempts", maxReconnectAttempts)
}
