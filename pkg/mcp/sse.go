package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEClient implements the legacy HTTP+SSE transport: a GET request opens a
// unidirectional event stream carrying server messages, and the server's
// first "endpoint" event announces the URL that client messages must be
// POSTed to. Instances should be created using NewSSEClient.
type SSEClient struct {
	connectURL string
	httpClient *http.Client
	headers    map[string]string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseClientSession struct {
	id         string
	httpClient *http.Client
	headers    map[string]string
	messageURL string
	body       io.ReadCloser
	logger     *slog.Logger

	maxPayloadSize int

	messages chan JSONRPCMessage
	done     chan struct{}
	stopOnce sync.Once
}

// NewSSEClient creates an SSE client that connects to the specified
// connectURL. The optional httpClient parameter allows custom HTTP client
// configuration; if nil, the default HTTP client is used. The client must
// call StartSession to begin communication.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of a single event payload
// accepted from the server. Oversized events terminate the stream.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientHeaders sets additional headers, such as credentials, sent on
// the connect request and on every message POST.
func WithSSEClientHeaders(headers map[string]string) SSEClientOption {
	return func(s *SSEClient) {
		s.headers = headers
	}
}

// WithSSEClientLogger sets the logger used by the client and its sessions.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger
	}
}

// StartSession establishes the SSE connection and blocks until the server has
// announced the message endpoint, so the returned session is immediately
// usable for sending. The stream remains active until the context given to
// the connect request is canceled, the server closes it, or Stop is called.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sess := &sseClientSession{
		id:             uuid.New().String(),
		httpClient:     s.httpClient,
		headers:        s.headers,
		body:           resp.Body,
		logger:         s.logger,
		maxPayloadSize: s.maxPayloadSize,
		messages:       make(chan JSONRPCMessage),
		done:           make(chan struct{}),
	}

	ready := make(chan error, 1)
	go sess.listen(s.connectURL, ready)

	select {
	case <-ctx.Done():
		sess.Stop()
		return nil, ctx.Err()
	case err := <-ready:
		if err != nil {
			sess.Stop()
			return nil, err
		}
	}

	return sess, nil
}

func (s *sseClientSession) ID() string { return s.id }

// Send transmits a JSON-encoded message to the announced endpoint through an
// HTTP POST request. Returns an error if message encoding fails, the request
// cannot be created, or the server responds with a non-2xx status code.
func (s *sseClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func (s *sseClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for msg := range s.messages {
			if !yield(msg) {
				return
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		// Closing the body unblocks the stream reader.
		s.body.Close()
	})
}

func (s *sseClientSession) listen(connectURL string, ready chan<- error) {
	defer close(s.messages)
	defer func() {
		// Unblock a caller still waiting for the endpoint announcement when
		// the stream ends without one.
		select {
		case ready <- errors.New("stream closed before endpoint announcement"):
		default:
		}
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(s.body, config) {
		if err != nil {
			select {
			case <-s.done:
			default:
				if !errors.Is(err, context.Canceled) {
					s.logger.Error("failed to read SSE message", "err", err)
				}
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			// Validate and parse the endpoint URL to ensure secure and correct
			// message routing. Relative endpoints are resolved against the
			// connect URL.
			base, err := url.Parse(connectURL)
			if err != nil {
				ready <- fmt.Errorf("parse connect URL: %w", err)
				return
			}
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("parse endpoint URL: %w", err)
				return
			}
			resolved := base.ResolveReference(u).String()
			if resolved == "" {
				ready <- errors.New("empty endpoint URL")
				return
			}
			s.messageURL = resolved
			ready <- nil
		case "message":
			// Require an endpoint URL to be set before processing any
			// messages; this prevents processing messages before the
			// connection is fully established.
			if s.messageURL == "" {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			select {
			case s.messages <- msg:
			case <-s.done:
				return
			}
		default:
			s.logger.Warn("unhandled event type", "type", ev.Type)
		}
	}
}
