package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-agent/pkg/agent"
	"github.com/MegaGrindStone/go-mcp-agent/pkg/host"
	"github.com/MegaGrindStone/go-mcp-agent/pkg/mcp"
)

// fakeLLM is an OpenAI-compatible chat completions endpoint that replays
// scripted responses in order, one per request, and records every request
// body it receives.
type fakeLLM struct {
	srv *httptest.Server

	mu        sync.Mutex
	responses []scriptedResponse
	requests  []llmRequest
}

type scriptedResponse struct {
	status int
	body   string
	chunks []string
}

type llmRequest struct {
	Model    string           `json:"model"`
	Messages []map[string]any `json:"messages"`
	Tools    []map[string]any `json:"tools"`
}

func newFakeLLM(t *testing.T) *fakeLLM {
	t.Helper()
	f := &fakeLLM{}
	f.srv = httptest.NewServer(f)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeLLM) stream(chunks ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, scriptedResponse{chunks: chunks})
}

func (f *fakeLLM) failWith(status int, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, scriptedResponse{
		status: status,
		body:   fmt.Sprintf(`{"error":{"message":%q,"type":"invalid_request_error"}}`, message),
	})
}

func (f *fakeLLM) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeLLM) request(i int) llmRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func (f *fakeLLM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req llmRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	var res scriptedResponse
	if len(f.responses) > 0 {
		res = f.responses[0]
		f.responses = f.responses[1:]
	}
	f.mu.Unlock()

	if res.status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(res.status)
		fmt.Fprint(w, res.body)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	for _, chunk := range res.chunks {
		fmt.Fprintf(w, "data: %s\n\n", chunk)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func chunk(delta map[string]any, finishReason string) string {
	choice := map[string]any{"index": 0, "delta": delta}
	if finishReason != "" {
		choice["finish_reason"] = finishReason
	}
	payload := map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion.chunk",
		"created": 1,
		"model":   "test-model",
		"choices": []any{choice},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func contentChunk(text string) string {
	return chunk(map[string]any{"content": text}, "")
}

func reasoningChunk(text string) string {
	return chunk(map[string]any{"reasoning_content": text}, "")
}

func finishChunk(reason string) string {
	return chunk(map[string]any{}, reason)
}

func toolCallChunk(index int, id, name, arguments string) string {
	call := map[string]any{
		"index":    index,
		"function": map[string]any{"name": name, "arguments": arguments},
	}
	if id != "" {
		call["id"] = id
		call["type"] = "function"
	}
	return chunk(map[string]any{"tool_calls": []any{call}}, "")
}

// fakeBackend records executed tool calls and answers them through an
// optional execute hook.
type fakeBackend struct {
	mu      sync.Mutex
	defs    []host.ToolDefinition
	calls   []host.ToolCall
	execute func(ctx context.Context, call host.ToolCall) (mcp.ToolResult, error)
}

func (b *fakeBackend) ToolDefinitionsForLLM() []host.ToolDefinition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]host.ToolDefinition(nil), b.defs...)
}

func (b *fakeBackend) ExecuteTool(ctx context.Context, call host.ToolCall) (mcp.ToolResult, error) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	execute := b.execute
	b.mu.Unlock()

	if execute == nil {
		return mcp.ToolResult{Content: "ok"}, nil
	}
	return execute(ctx, call)
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *fakeBackend) call(i int) host.ToolCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[i]
}

func calcBackend() *fakeBackend {
	return &fakeBackend{
		defs: []host.ToolDefinition{{
			Name:        "calc",
			Description: "Evaluates arithmetic expressions.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"expr": map[string]any{"type": "string"},
				},
			},
		}},
	}
}

// runRecorder captures everything the callbacks deliver.
type runRecorder struct {
	mu        sync.Mutex
	content   strings.Builder
	reasoning strings.Builder
	toolCalls []string
	results   []toolResultEvent
	errs      []error
	completes int
}

type toolResultEvent struct {
	callID  string
	preview string
}

func (r *runRecorder) callbacks() agent.Callbacks {
	return agent.Callbacks{
		OnContent: func(delta string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.content.WriteString(delta)
		},
		OnReasoning: func(delta string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.reasoning.WriteString(delta)
		},
		OnToolCalls: func(callsJSON string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.toolCalls = append(r.toolCalls, callsJSON)
		},
		OnToolResult: func(callID, preview string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.results = append(r.results, toolResultEvent{callID: callID, preview: preview})
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnComplete: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completes++
		},
	}
}

func (r *runRecorder) contentText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.content.String()
}

func (r *runRecorder) reasoningText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reasoning.String()
}

func (r *runRecorder) toolCallsList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.toolCalls...)
}

func (r *runRecorder) resultsList() []toolResultEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]toolResultEvent(nil), r.results...)
}

func (r *runRecorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *runRecorder) completeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completes
}

func newTestAgent(backend agent.ToolBackend, llm *fakeLLM, options ...agent.Option) *agent.Agent {
	base := []agent.Option{
		agent.WithBaseURL(llm.srv.URL),
		agent.WithAPIKey("test-key"),
		agent.WithModel("test-model"),
	}
	return agent.New(backend, append(base, options...)...)
}

func runContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var basicHistory = []agent.Message{
	{Role: agent.RoleSystem, Content: "You are a helpful assistant."},
	{Role: agent.RoleUser, Content: "Say hello."},
}

func TestAgentRunSingleTurn(t *testing.T) {
	llm := newFakeLLM(t)
	llm.stream(
		reasoningChunk("Thinking."),
		contentChunk("Hello"),
		contentChunk(" there!"),
		finishChunk("stop"),
	)

	backend := calcBackend()
	rec := &runRecorder{}
	a := newTestAgent(backend, llm)

	produced, err := a.Run(runContext(t), basicHistory, rec.callbacks())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(produced) != 1 {
		t.Fatalf("produced %d messages, want 1: %#v", len(produced), produced)
	}
	msg := produced[0]
	if msg.Role != agent.RoleAssistant {
		t.Errorf("message role = %q, want %q", msg.Role, agent.RoleAssistant)
	}
	if msg.Content != "Hello there!" {
		t.Errorf("message content = %q, want %q", msg.Content, "Hello there!")
	}
	if msg.Reasoning != "Thinking." {
		t.Errorf("message reasoning = %q, want %q", msg.Reasoning, "Thinking.")
	}
	if len(msg.ToolCalls) != 0 {
		t.Errorf("message carries %d tool calls, want none", len(msg.ToolCalls))
	}

	if got := rec.contentText(); got != "Hello there!" {
		t.Errorf("streamed content = %q, want %q", got, "Hello there!")
	}
	if got := rec.reasoningText(); got != "Thinking." {
		t.Errorf("streamed reasoning = %q, want %q", got, "Thinking.")
	}
	if rec.completeCount() != 1 {
		t.Errorf("OnComplete fired %d times, want 1", rec.completeCount())
	}
	if rec.errorCount() != 0 {
		t.Errorf("OnError fired %d times, want 0", rec.errorCount())
	}
	if backend.callCount() != 0 {
		t.Errorf("executed %d tools on a plain answer, want 0", backend.callCount())
	}

	if llm.requestCount() != 1 {
		t.Fatalf("made %d completion calls, want 1", llm.requestCount())
	}
	req := llm.request(0)
	if req.Model != "test-model" {
		t.Errorf("requested model = %q, want %q", req.Model, "test-model")
	}
	if len(req.Messages) != 2 {
		t.Fatalf("request carried %d messages, want 2", len(req.Messages))
	}
	if req.Messages[0]["role"] != "system" || req.Messages[1]["role"] != "user" {
		t.Errorf("request roles = %v, %v, want system, user", req.Messages[0]["role"], req.Messages[1]["role"])
	}
	if len(req.Tools) != 1 {
		t.Fatalf("request carried %d tools, want 1", len(req.Tools))
	}
	fn, ok := req.Tools[0]["function"].(map[string]any)
	if !ok || fn["name"] != "calc" {
		t.Errorf("request tool = %v, want function calc", req.Tools[0])
	}
}

func TestAgentRunToolLoop(t *testing.T) {
	llm := newFakeLLM(t)
	llm.stream(
		contentChunk("Let me check."),
		toolCallChunk(0, "call_1", "calc", ""),
		toolCallChunk(0, "", "", `{"expr":`),
		toolCallChunk(0, "", "", `"2+2"}`),
		finishChunk("tool_calls"),
	)
	llm.stream(
		contentChunk("The answer is 4."),
		finishChunk("stop"),
	)

	backend := calcBackend()
	backend.execute = func(_ context.Context, _ host.ToolCall) (mcp.ToolResult, error) {
		return mcp.ToolResult{Content: "result: 4"}, nil
	}
	rec := &runRecorder{}
	a := newTestAgent(backend, llm)

	produced, err := a.Run(runContext(t), basicHistory, rec.callbacks())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(produced) != 3 {
		t.Fatalf("produced %d messages, want 3: %#v", len(produced), produced)
	}
	if produced[0].Role != agent.RoleAssistant || produced[0].Content != "Let me check." {
		t.Errorf("first message = %+v, want assistant asking for the tool", produced[0])
	}
	if len(produced[0].ToolCalls) != 1 {
		t.Fatalf("first message carries %d tool calls, want 1", len(produced[0].ToolCalls))
	}
	call := produced[0].ToolCalls[0]
	if call.ID != "call_1" || call.Function.Name != "calc" {
		t.Errorf("tool call = %+v, want call_1 calc", call)
	}
	if call.Function.Arguments != `{"expr":"2+2"}` {
		t.Errorf("tool call arguments = %q, want stitched %q", call.Function.Arguments, `{"expr":"2+2"}`)
	}
	if produced[1].Role != agent.RoleTool || produced[1].ToolCallID != "call_1" || produced[1].Content != "result: 4" {
		t.Errorf("second message = %+v, want tool result for call_1", produced[1])
	}
	if produced[2].Role != agent.RoleAssistant || produced[2].Content != "The answer is 4." {
		t.Errorf("third message = %+v, want final answer", produced[2])
	}

	if backend.callCount() != 1 {
		t.Fatalf("executed %d tools, want 1", backend.callCount())
	}
	if got := backend.call(0); got.ID != "call_1" || got.Function.Name != "calc" {
		t.Errorf("backend received call %+v, want call_1 calc", got)
	}

	callsList := rec.toolCallsList()
	if len(callsList) != 1 {
		t.Fatalf("OnToolCalls fired %d times, want 1", len(callsList))
	}
	var cumulative []host.ToolCall
	if err := json.Unmarshal([]byte(callsList[0]), &cumulative); err != nil {
		t.Fatalf("OnToolCalls payload is not valid JSON: %v", err)
	}
	if len(cumulative) != 1 || cumulative[0].Function.Name != "calc" {
		t.Errorf("cumulative calls = %+v, want one calc call", cumulative)
	}

	results := rec.resultsList()
	if len(results) != 1 {
		t.Fatalf("OnToolResult fired %d times, want 1", len(results))
	}
	if results[0].callID != "call_1" {
		t.Errorf("result call id = %q, want call_1", results[0].callID)
	}
	if results[0].preview != "```\nresult: 4\n```" {
		t.Errorf("result preview = %q, want fenced result", results[0].preview)
	}

	if llm.requestCount() != 2 {
		t.Fatalf("made %d completion calls, want 2", llm.requestCount())
	}
	second := llm.request(1)
	if len(second.Messages) != 4 {
		t.Fatalf("second request carried %d messages, want 4", len(second.Messages))
	}
	am := second.Messages[2]
	if am["role"] != "assistant" || am["content"] != "Let me check." {
		t.Errorf("second request assistant message = %v", am)
	}
	wireCalls, ok := am["tool_calls"].([]any)
	if !ok || len(wireCalls) != 1 {
		t.Fatalf("second request assistant tool_calls = %v, want 1 call", am["tool_calls"])
	}
	wireCall, ok := wireCalls[0].(map[string]any)
	if !ok {
		t.Fatalf("tool call on the wire = %v", wireCalls[0])
	}
	if wireCall["id"] != "call_1" || wireCall["type"] != "function" {
		t.Errorf("tool call on the wire = %v, want id call_1 type function", wireCall)
	}
	wireFn, ok := wireCall["function"].(map[string]any)
	if !ok || wireFn["name"] != "calc" || wireFn["arguments"] != `{"expr":"2+2"}` {
		t.Errorf("tool call function on the wire = %v", wireCall["function"])
	}
	tm := second.Messages[3]
	if tm["role"] != "tool" || tm["tool_call_id"] != "call_1" || tm["content"] != "result: 4" {
		t.Errorf("second request tool message = %v", tm)
	}
}

func TestAgentRunMaxTurns(t *testing.T) {
	llm := newFakeLLM(t)
	for i := 1; i <= 3; i++ {
		llm.stream(
			toolCallChunk(0, fmt.Sprintf("call_%d", i), "calc", "{}"),
			finishChunk("tool_calls"),
		)
	}

	backend := calcBackend()
	rec := &runRecorder{}
	a := newTestAgent(backend, llm, agent.WithMaxTurns(3))

	produced, err := a.Run(runContext(t), basicHistory, rec.callbacks())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if llm.requestCount() != 3 {
		t.Errorf("made %d completion calls, want exactly 3", llm.requestCount())
	}
	if backend.callCount() != 3 {
		t.Errorf("executed %d tools, want 3", backend.callCount())
	}

	if len(produced) != 7 {
		t.Fatalf("produced %d messages, want 7: %#v", len(produced), produced)
	}
	last := produced[len(produced)-1]
	if last.Role != agent.RoleAssistant || last.Content != "Turn limit reached." {
		t.Errorf("last message = %+v, want the turn limit notice", last)
	}
	if !strings.HasSuffix(rec.contentText(), "Turn limit reached.") {
		t.Errorf("streamed content %q does not end with the turn limit notice", rec.contentText())
	}

	callsList := rec.toolCallsList()
	if len(callsList) != 3 {
		t.Fatalf("OnToolCalls fired %d times, want 3", len(callsList))
	}
	var cumulative []host.ToolCall
	if err := json.Unmarshal([]byte(callsList[2]), &cumulative); err != nil {
		t.Fatalf("OnToolCalls payload is not valid JSON: %v", err)
	}
	if len(cumulative) != 3 {
		t.Errorf("final cumulative list holds %d calls, want 3", len(cumulative))
	}
}

func TestAgentRunToolFailureContinues(t *testing.T) {
	llm := newFakeLLM(t)
	llm.stream(
		toolCallChunk(0, "call_1", "calc", "{}"),
		finishChunk("tool_calls"),
	)
	llm.stream(
		contentChunk("Recovered."),
		finishChunk("stop"),
	)

	backend := calcBackend()
	backend.execute = func(_ context.Context, _ host.ToolCall) (mcp.ToolResult, error) {
		return mcp.ToolResult{}, errors.New("tool exploded")
	}
	rec := &runRecorder{}
	a := newTestAgent(backend, llm)

	produced, err := a.Run(runContext(t), basicHistory, rec.callbacks())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(produced) != 3 {
		t.Fatalf("produced %d messages, want 3: %#v", len(produced), produced)
	}
	if produced[1].Role != agent.RoleTool || produced[1].Content != "Error: tool exploded" {
		t.Errorf("tool message = %+v, want the textual error", produced[1])
	}
	if produced[2].Content != "Recovered." {
		t.Errorf("final message = %+v, want the recovery answer", produced[2])
	}

	if rec.errorCount() != 1 {
		t.Errorf("OnError fired %d times, want 1", rec.errorCount())
	}
	results := rec.resultsList()
	if len(results) != 1 || !strings.Contains(results[0].preview, "Error: tool exploded") {
		t.Errorf("result previews = %+v, want the error text", results)
	}

	second := llm.request(1)
	tm := second.Messages[len(second.Messages)-1]
	if tm["role"] != "tool" || tm["content"] != "Error: tool exploded" {
		t.Errorf("model saw tool message %v, want the textual error", tm)
	}
}

func TestAgentRunImageResult(t *testing.T) {
	imageURL := "data:image/png;base64,QQ=="

	llm := newFakeLLM(t)
	llm.stream(
		toolCallChunk(0, "call_1", "calc", "{}"),
		finishChunk("tool_calls"),
	)
	llm.stream(
		contentChunk("Here is the chart."),
		finishChunk("stop"),
	)

	backend := calcBackend()
	backend.execute = func(_ context.Context, _ host.ToolCall) (mcp.ToolResult, error) {
		return mcp.ToolResult{Content: imageURL}, nil
	}
	rec := &runRecorder{}
	a := newTestAgent(backend, llm)

	produced, err := a.Run(runContext(t), basicHistory, rec.callbacks())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(produced) != 3 {
		t.Fatalf("produced %d messages, want 3: %#v", len(produced), produced)
	}
	if produced[1].Content != "[Image displayed to user]" {
		t.Errorf("model-facing tool content = %q, want the image placeholder", produced[1].Content)
	}

	results := rec.resultsList()
	if len(results) != 1 {
		t.Fatalf("OnToolResult fired %d times, want 1", len(results))
	}
	if results[0].preview != imageURL {
		t.Errorf("image preview = %q, want the raw data URL", results[0].preview)
	}
}

func TestAgentRunStreamError(t *testing.T) {
	llm := newFakeLLM(t)
	llm.failWith(http.StatusBadRequest, "boom")

	backend := calcBackend()
	rec := &runRecorder{}
	a := newTestAgent(backend, llm)

	produced, err := a.Run(runContext(t), basicHistory, rec.callbacks())
	if err == nil {
		t.Fatal("Run() returned nil error for a failed stream")
	}
	if !strings.Contains(err.Error(), "stream completion") {
		t.Errorf("Run() error = %v, want a stream completion failure", err)
	}

	if len(produced) != 1 {
		t.Fatalf("produced %d messages, want 1: %#v", len(produced), produced)
	}
	if produced[0].Role != agent.RoleAssistant || !strings.HasPrefix(produced[0].Content, "Error: ") {
		t.Errorf("message = %+v, want a visible error block", produced[0])
	}

	if rec.errorCount() != 1 {
		t.Errorf("OnError fired %d times, want 1", rec.errorCount())
	}
	if rec.completeCount() != 1 {
		t.Errorf("OnComplete fired %d times, want 1", rec.completeCount())
	}
	if llm.requestCount() != 1 {
		t.Errorf("made %d completion calls, want 1", llm.requestCount())
	}
}

func TestAgentRunReasoningFilter(t *testing.T) {
	llm := newFakeLLM(t)
	llm.stream(
		reasoningChunk("First."),
		toolCallChunk(0, "call_1", "calc", "{}"),
		finishChunk("tool_calls"),
	)
	llm.stream(
		reasoningChunk("Second."),
		contentChunk("Done."),
		finishChunk("stop"),
	)

	backend := calcBackend()
	rec := &runRecorder{}
	a := newTestAgent(backend, llm, agent.WithReasoningFilter(true))

	produced, err := a.Run(runContext(t), basicHistory, rec.callbacks())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := rec.reasoningText(); got != "First." {
		t.Errorf("streamed reasoning = %q, want only the first turn's", got)
	}
	if len(produced) != 3 {
		t.Fatalf("produced %d messages, want 3: %#v", len(produced), produced)
	}
	if produced[2].Reasoning != "Second." {
		t.Errorf("final message reasoning = %q, want it recorded despite filtering", produced[2].Reasoning)
	}
	if produced[2].Content != "Done." {
		t.Errorf("final message content = %q, want %q", produced[2].Content, "Done.")
	}
}

func TestAgentRunCancelDuringTool(t *testing.T) {
	llm := newFakeLLM(t)
	llm.stream(
		toolCallChunk(0, "call_1", "calc", "{}"),
		finishChunk("tool_calls"),
	)

	started := make(chan struct{})
	backend := calcBackend()
	backend.execute = func(ctx context.Context, _ host.ToolCall) (mcp.ToolResult, error) {
		close(started)
		<-ctx.Done()
		return mcp.ToolResult{}, ctx.Err()
	}
	rec := &runRecorder{}
	a := newTestAgent(backend, llm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type runOutcome struct {
		messages []agent.Message
		err      error
	}
	done := make(chan runOutcome, 1)
	go func() {
		messages, err := a.Run(ctx, basicHistory, rec.callbacks())
		done <- runOutcome{messages: messages, err: err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool execution never started")
	}
	cancel()

	var outcome runOutcome
	select {
	case outcome = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	if outcome.err != nil {
		t.Fatalf("Run() error = %v, want nil after cancellation", outcome.err)
	}
	if len(outcome.messages) != 1 {
		t.Fatalf("produced %d messages, want just the assistant request: %#v", len(outcome.messages), outcome.messages)
	}
	if outcome.messages[0].Role != agent.RoleAssistant || len(outcome.messages[0].ToolCalls) != 1 {
		t.Errorf("message = %+v, want the assistant tool request", outcome.messages[0])
	}

	if rec.completeCount() != 1 {
		t.Errorf("OnComplete fired %d times, want 1", rec.completeCount())
	}
	if rec.errorCount() != 0 {
		t.Errorf("OnError fired %d times, want 0 after cancellation", rec.errorCount())
	}
	if len(rec.resultsList()) != 0 {
		t.Errorf("tool result delivered for a cancelled call: %+v", rec.resultsList())
	}
}

func TestAgentRunCancelBeforeStart(t *testing.T) {
	llm := newFakeLLM(t)

	backend := calcBackend()
	rec := &runRecorder{}
	a := newTestAgent(backend, llm)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	produced, err := a.Run(ctx, basicHistory, rec.callbacks())
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if len(produced) != 0 {
		t.Errorf("produced %d messages, want 0", len(produced))
	}
	if rec.completeCount() != 1 {
		t.Errorf("OnComplete fired %d times, want 1", rec.completeCount())
	}
	if llm.requestCount() != 0 {
		t.Errorf("made %d completion calls, want 0", llm.requestCount())
	}
}
