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
	"mime"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

const sessionIDHeader = "Mcp-Session-Id"

// StreamableHTTPClient implements the streamable HTTP transport: every
// outbound message is one POST request, and the response is either a single
// JSON message or a text/event-stream body that is decoded incrementally. A
// session identifier returned by the server through the Mcp-Session-Id header
// is captured once and replayed on every subsequent request.
//
// The client can optionally route all requests through a same-origin CORS
// proxy endpoint that receives the real target in a query parameter; this is
// required whenever the target server disallows cross-origin requests.
// Instances should be created using NewStreamableHTTPClient.
type StreamableHTTPClient struct {
	url        string
	httpClient *http.Client
	headers    map[string]string
	proxyURL   string
	logger     *slog.Logger

	maxPayloadSize int
}

// StreamableHTTPClientOption represents the options for the StreamableHTTPClient.
type StreamableHTTPClientOption func(*StreamableHTTPClient)

type streamableSession struct {
	id         string
	target     string
	httpClient *http.Client
	headers    map[string]string
	logger     *slog.Logger

	maxPayloadSize int

	mu            sync.Mutex
	mcpSessionID  string
	streamStarted bool
	bodies        map[io.Closer]struct{}

	streamCtx    context.Context
	streamCancel context.CancelFunc

	messages chan JSONRPCMessage
	done     chan struct{}
	stopOnce sync.Once
}

// NewStreamableHTTPClient creates a streamable HTTP client targeting the
// given URL. The optional httpClient parameter allows custom HTTP client
// configuration; if nil, the default HTTP client is used.
func NewStreamableHTTPClient(
	targetURL string, httpClient *http.Client, options ...StreamableHTTPClientOption,
) *StreamableHTTPClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &StreamableHTTPClient{
		url:        targetURL,
		httpClient: cli,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithStreamableHTTPClientHeaders sets additional headers, such as
// credentials, sent on every request.
func WithStreamableHTTPClientHeaders(headers map[string]string) StreamableHTTPClientOption {
	return func(s *StreamableHTTPClient) {
		s.headers = headers
	}
}

// WithStreamableHTTPClientProxy routes every request through the given CORS
// proxy endpoint, passing the real target in the "url" query parameter.
func WithStreamableHTTPClientProxy(proxyURL string) StreamableHTTPClientOption {
	return func(s *StreamableHTTPClient) {
		s.proxyURL = proxyURL
	}
}

// WithStreamableHTTPClientMaxPayloadSize sets the maximum size of a single
// event payload accepted from stream responses.
func WithStreamableHTTPClientMaxPayloadSize(size int) StreamableHTTPClientOption {
	return func(s *StreamableHTTPClient) {
		s.maxPayloadSize = size
	}
}

// WithStreamableHTTPClientLogger sets the logger used by the client and its
// sessions.
func WithStreamableHTTPClientLogger(logger *slog.Logger) StreamableHTTPClientOption {
	return func(s *StreamableHTTPClient) {
		s.logger = logger
	}
}

// StartSession probes the server with a ping request to verify it speaks the
// streamable HTTP transport, then returns the session. Servers that reject
// the probe with a missing-session error still qualify; servers that do not
// answer the endpoint at all cause an error so callers can fall back to the
// legacy SSE transport.
func (s *StreamableHTTPClient) StartSession(ctx context.Context) (Session, error) {
	target := s.url
	if s.proxyURL != "" {
		u, err := url.Parse(s.proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy URL: %w", err)
		}
		q := u.Query()
		q.Set("url", s.url)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	streamCtx, streamCancel := context.WithCancel(context.Background())
	sess := &streamableSession{
		id:             uuid.New().String(),
		target:         target,
		httpClient:     s.httpClient,
		headers:        s.headers,
		logger:         s.logger,
		maxPayloadSize: s.maxPayloadSize,
		bodies:         make(map[io.Closer]struct{}),
		streamCtx:      streamCtx,
		streamCancel:   streamCancel,
		messages:       make(chan JSONRPCMessage),
		done:           make(chan struct{}),
	}

	probe := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  methodPing,
	}
	resp, err := sess.post(ctx, probe)
	if err != nil {
		sess.Stop()
		return nil, fmt.Errorf("failed to reach streamable endpoint: %w", err)
	}
	resp.Body.Close()

	// 2xx means the server answered the ping. A 400 is accepted as well: a
	// server that demands a session identifier before anything else still
	// speaks this transport, it just wants initialize first.
	ok := (resp.StatusCode >= 200 && resp.StatusCode <= 299) || resp.StatusCode == http.StatusBadRequest
	if !ok {
		sess.Stop()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return sess, nil
}

func (s *streamableSession) ID() string { return s.id }

// Send transmits one message as an HTTP POST request. Notification-style
// acknowledgements (202/204) complete immediately; JSON responses are routed
// to the message stream; event-stream responses are decoded incrementally in
// the background.
func (s *streamableSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	resp, err := s.post(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		s.trackBody(resp.Body)
		go s.decodeStream(resp.Body)
		return nil
	default:
		defer resp.Body.Close()

		var res JSONRPCMessage
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		select {
		case s.messages <- res:
		case <-s.done:
		}
		return nil
	}
}

func (s *streamableSession) Messages() iter.Seq[JSONRPCMessage] {
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

func (s *streamableSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.streamCancel()

		s.mu.Lock()
		for body := range s.bodies {
			body.Close()
		}
		s.bodies = nil
		s.mu.Unlock()
	})
}

// post sends one message, replaying the captured session identifier and
// capturing a fresh one from the response when the server returns it.
func (s *streamableSession) post(ctx context.Context, msg JSONRPCMessage) (*http.Response, error) {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.target, bytes.NewReader(msgBs))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	s.mu.Lock()
	if s.mcpSessionID != "" {
		req.Header.Set(sessionIDHeader, s.mcpSessionID)
	}
	s.mu.Unlock()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if id := resp.Header.Get(sessionIDHeader); id != "" {
		s.mu.Lock()
		s.mcpSessionID = id
		s.mu.Unlock()
		s.maybeStartStandaloneStream()
	}

	return resp, nil
}

// maybeStartStandaloneStream opens the optional server-initiated message
// stream once a session identifier is known. Servers without one reject the
// GET request, which is fine; notifications then only arrive inside POST
// response streams.
func (s *streamableSession) maybeStartStandaloneStream() {
	s.mu.Lock()
	if s.streamStarted || s.mcpSessionID == "" {
		s.mu.Unlock()
		return
	}
	s.streamStarted = true
	sessionID := s.mcpSessionID
	s.mu.Unlock()

	go func() {
		req, err := http.NewRequestWithContext(s.streamCtx, http.MethodGet, s.target, nil)
		if err != nil {
			s.logger.Warn("failed to create stream request", "err", err)
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set(sessionIDHeader, sessionID)
		for k, v := range s.headers {
			req.Header.Set(k, v)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Debug("standalone stream unavailable", "err", err)
			}
			return
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			s.logger.Debug("standalone stream rejected", "status", resp.StatusCode)
			return
		}

		s.trackBody(resp.Body)
		s.decodeStream(resp.Body)
	}()
}

// decodeStream reads one text/event-stream body, routing each data frame to
// the message stream. A "[DONE]" frame is a sentinel some servers emit to
// terminate a stream and is ignored.
func (s *streamableSession) decodeStream(body io.ReadCloser) {
	defer s.untrackBody(body)

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			select {
			case <-s.done:
			default:
				if !errors.Is(err, context.Canceled) {
					s.logger.Error("failed to read stream event", "err", err)
				}
			}
			return
		}

		if ev.Type != "" && ev.Type != "message" {
			s.logger.Debug("ignoring event", "type", ev.Type)
			continue
		}
		if ev.Data == "[DONE]" {
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
	}
}

func (s *streamableSession) trackBody(body io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bodies == nil {
		body.Close()
		return
	}
	s.bodies[body] = struct{}{}
}

func (s *streamableSession) untrackBody(body io.Closer) {
	body.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bodies, body)
}
