package mcp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-agent/pkg/mcp"
)

func TestStreamableHTTPStartSession(t *testing.T) {
	testCases := []struct {
		name        string
		status      int
		wantSuccess bool
	}{
		{
			name:        "probe answered",
			status:      http.StatusOK,
			wantSuccess: true,
		},
		{
			name:        "probe accepted",
			status:      http.StatusAccepted,
			wantSuccess: true,
		},
		{
			name:        "probe rejected for missing session",
			status:      http.StatusBadRequest,
			wantSuccess: true,
		},
		{
			name:        "endpoint not found",
			status:      http.StatusNotFound,
			wantSuccess: false,
		},
		{
			name:        "server error",
			status:      http.StatusInternalServerError,
			wantSuccess: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			cli := mcp.NewStreamableHTTPClient(srv.URL, srv.Client())

			sess, err := cli.StartSession(context.Background())
			if !tc.wantSuccess {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer sess.Stop()

			if sess.ID() == "" {
				t.Error("expected session ID, got empty string")
			}
		})
	}
}

func TestStreamableHTTPSendReceivesJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); !strings.Contains(accept, "text/event-stream") {
			t.Errorf("got accept header %q, want it to offer text/event-stream", accept)
		}

		var msg mcp.JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("failed to decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"result":{"tools":[]}}`, string(msg.ID))
	}))
	defer srv.Close()

	cli := mcp.NewStreamableHTTPClient(srv.URL, srv.Client())

	sess, err := cli.StartSession(context.Background())
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	defer sess.Stop()

	received := make(chan mcp.JSONRPCMessage, 1)
	go func() {
		for msg := range sess.Messages() {
			received <- msg
		}
	}()

	err = sess.Send(context.Background(), mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("42"),
		Method:  "tools/list",
	})
	if err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	select {
	case msg := <-received:
		if msg.ID != mcp.MustString("42") {
			t.Errorf("got response ID %q, want %q", msg.ID, "42")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for response")
	}
}

func TestStreamableHTTPSendDecodesEventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg mcp.JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("failed to decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if msg.Method == "ping" {
			w.WriteHeader(http.StatusOK)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
		fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":%q,\"result\":{\"value\":1}}\n\n", string(msg.ID))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	cli := mcp.NewStreamableHTTPClient(srv.URL, srv.Client())

	sess, err := cli.StartSession(context.Background())
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	defer sess.Stop()

	received := make(chan mcp.JSONRPCMessage, 2)
	go func() {
		for msg := range sess.Messages() {
			received <- msg
		}
	}()

	err = sess.Send(context.Background(), mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("7"),
		Method:  "resources/read",
	})
	if err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	select {
	case msg := <-received:
		if msg.ID != mcp.MustString("7") {
			t.Errorf("got response ID %q, want %q", msg.ID, "7")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for response")
	}

	// The heartbeat event and the [DONE] sentinel must not surface as messages.
	select {
	case msg := <-received:
		t.Errorf("unexpected extra message: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStreamableHTTPSessionIDReplay(t *testing.T) {
	var mu sync.Mutex
	var replayed []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			// The standalone notification stream is optional.
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		mu.Lock()
		replayed = append(replayed, r.Header.Get("Mcp-Session-Id"))
		mu.Unlock()

		w.Header().Set("Mcp-Session-Id", "sess-123")

		var msg mcp.JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("failed to decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if msg.ID == "" {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cli := mcp.NewStreamableHTTPClient(srv.URL, srv.Client())

	sess, err := cli.StartSession(context.Background())
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	defer sess.Stop()

	err = sess.Send(context.Background(), mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/initialized",
	})
	if err != nil {
		t.Fatalf("failed to send notification: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(replayed) < 2 {
		t.Fatalf("got %d requests, want at least 2", len(replayed))
	}
	if replayed[0] != "" {
		t.Errorf("probe carried session ID %q before the server assigned one", replayed[0])
	}
	if replayed[1] != "sess-123" {
		t.Errorf("got session ID %q, want %q", replayed[1], "sess-123")
	}
}

func TestStreamableHTTPProxy(t *testing.T) {
	const target = "https://upstream.example/mcp"

	seen := make(chan string, 1)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.URL.Query().Get("url")
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	cli := mcp.NewStreamableHTTPClient(target, proxy.Client(),
		mcp.WithStreamableHTTPClientProxy(proxy.URL))

	sess, err := cli.StartSession(context.Background())
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	defer sess.Stop()

	select {
	case got := <-seen:
		if got != target {
			t.Errorf("proxy got target %q, want %q", got, target)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("proxy never saw the request")
	}
}

func TestStreamableHTTPHeaders(t *testing.T) {
	seen := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cli := mcp.NewStreamableHTTPClient(srv.URL, srv.Client(),
		mcp.WithStreamableHTTPClientHeaders(map[string]string{"Authorization": "Bearer abc"}))

	sess, err := cli.StartSession(context.Background())
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	defer sess.Stop()

	select {
	case got := <-seen:
		if got != "Bearer abc" {
			t.Errorf("got authorization header %q, want %q", got, "Bearer abc")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the request")
	}
}
