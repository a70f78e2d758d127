// Package agent drives an LLM conversation loop that can call tools exposed
// by connected MCP servers.
//
// An Agent streams chat completions from an OpenAI-compatible endpoint and,
// whenever the model requests tool calls, executes them one at a time through
// a ToolBackend and feeds the results back into the conversation. The loop
// runs until the model stops asking for tools, the turn limit is reached, or
// the caller cancels the context. Cancellation is cooperative and is never
// reported as an error.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MegaGrindStone/go-mcp-agent/pkg/host"
	"github.com/MegaGrindStone/go-mcp-agent/pkg/mcp"
)

// Role identifies the author of a conversation message.
type Role string

// Role values.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation history. Reasoning holds the
// model's reasoning trace when the provider emits one; it is shown to users
// but never sent back to the model. ToolCallID links a tool message to the
// assistant tool call it answers.
type Message struct {
	Role       Role            `json:"role"`
	Content    string          `json:"content"`
	Reasoning  string          `json:"reasoning,omitempty"`
	ToolCalls  []host.ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
}

// ToolBackend supplies tool definitions and executes tool calls on behalf of
// the agent. *host.Host implements it.
type ToolBackend interface {
	ToolDefinitionsForLLM() []host.ToolDefinition
	ExecuteTool(ctx context.Context, call host.ToolCall) (mcp.ToolResult, error)
}

var _ ToolBackend = (*host.Host)(nil)

// Callbacks deliver run progress to the caller as it happens. Any field may
// be nil.
type Callbacks struct {
	// OnContent receives assistant text deltas as they stream.
	OnContent func(delta string)
	// OnReasoning receives reasoning deltas as they stream.
	OnReasoning func(delta string)
	// OnToolCalls receives the cumulative list of tool calls made during the
	// run, JSON-serialized, each time the model requests more.
	OnToolCalls func(callsJSON string)
	// OnToolResult receives a display-ready preview of each tool result,
	// keyed by the call id it answers.
	OnToolResult func(callID, preview string)
	// OnError reports stream and tool failures. Cancellation is never
	// reported here.
	OnError func(err error)
	// OnComplete fires exactly once when the run stops, whatever the reason.
	OnComplete func()
}

func (c Callbacks) content(delta string) {
	if c.OnContent != nil {
		c.OnContent(delta)
	}
}

func (c Callbacks) toolCalls(calls []host.ToolCall) {
	if c.OnToolCalls == nil {
		return
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return
	}
	c.OnToolCalls(string(data))
}

func (c Callbacks) toolResult(callID, preview string) {
	if c.OnToolResult != nil {
		c.OnToolResult(callID, preview)
	}
}

func (c Callbacks) reportError(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

func (c Callbacks) complete() {
	if c.OnComplete != nil {
		c.OnComplete()
	}
}

const (
	defaultModel        = "gpt-4o"
	defaultMaxTurns     = 100
	defaultPreviewLines = 25
)

// Agent runs conversations against an OpenAI-compatible chat completions
// endpoint, executing requested tool calls through its backend.
type Agent struct {
	backend ToolBackend
	client  openai.Client
	logger  *slog.Logger

	model           string
	baseURL         string
	apiKey          string
	maxTurns        int
	previewLines    int
	filterReasoning bool
}

// Option configures an Agent.
type Option func(*Agent)

// WithModel sets the model name requested from the endpoint.
func WithModel(model string) Option {
	return func(a *Agent) {
		a.model = model
	}
}

// WithAPIKey sets the API key used to authenticate with the endpoint.
func WithAPIKey(key string) Option {
	return func(a *Agent) {
		a.apiKey = key
	}
}

// WithBaseURL points the agent at an alternative OpenAI-compatible endpoint.
func WithBaseURL(baseURL string) Option {
	return func(a *Agent) {
		a.baseURL = baseURL
	}
}

// WithMaxTurns caps how many completion calls a single run may make.
// Values below one are ignored.
func WithMaxTurns(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxTurns = n
		}
	}
}

// WithPreviewLines caps how many trailing lines of a tool result appear in
// its preview. Values below one are ignored.
func WithPreviewLines(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.previewLines = n
		}
	}
}

// WithReasoningFilter, when enabled, forwards reasoning deltas only on the
// first turn of a run. Later turns still record reasoning on their messages.
func WithReasoningFilter(enabled bool) Option {
	return func(a *Agent) {
		a.filterReasoning = enabled
	}
}

// WithAgentLogger sets the logger used by the agent.
func WithAgentLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// New creates an Agent that executes tool calls through backend.
func New(backend ToolBackend, options ...Option) *Agent {
	a := &Agent{
		backend:      backend,
		logger:       slog.Default(),
		model:        defaultModel,
		maxTurns:     defaultMaxTurns,
		previewLines: defaultPreviewLines,
	}
	for _, opt := range options {
		opt(a)
	}

	var clientOptions []option.RequestOption
	if a.apiKey != "" {
		clientOptions = append(clientOptions, option.WithAPIKey(a.apiKey))
	}
	if a.baseURL != "" {
		clientOptions = append(clientOptions, option.WithBaseURL(a.baseURL))
	}
	a.client = openai.NewClient(clientOptions...)

	return a
}

// Run drives the conversation built from history until the model stops
// requesting tools, the turn limit is reached, or ctx is cancelled. It
// returns the messages produced during the run, in order; persisting them is
// the caller's business.
//
// Cancellation is not an error: the run stops at the next safe point and
// returns whatever was produced so far with a nil error. A mid-run tool
// result whose call was cancelled is discarded. Every run ends with exactly
// one OnComplete, including cancelled and failed ones.
func (a *Agent) Run(ctx context.Context, history []Message, callbacks Callbacks) ([]Message, error) {
	defer callbacks.complete()

	base := len(history)
	conversation := make([]Message, base, base+8)
	copy(conversation, history)

	var allCalls []host.ToolCall

	for turn := 0; ; turn++ {
		if ctx.Err() != nil {
			return conversation[base:], nil
		}
		if turn >= a.maxTurns {
			a.logger.Warn("turn limit reached", "turns", turn)
			notice := "Turn limit reached."
			callbacks.content(notice)
			conversation = append(conversation, Message{Role: RoleAssistant, Content: notice})
			return conversation[base:], nil
		}

		onReasoning := callbacks.OnReasoning
		if a.filterReasoning && turn > 0 {
			onReasoning = nil
		}

		a.logger.Debug("starting turn", "turn", turn, "messages", len(conversation))

		res, err := a.streamCompletion(ctx, chatMessages(conversation),
			chatTools(a.backend.ToolDefinitionsForLLM()), callbacks.OnContent, onReasoning)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return conversation[base:], nil
			}
			callbacks.reportError(err)
			text := res.content
			if text != "" {
				text += "\n\n"
			}
			text += "Error: " + err.Error()
			conversation = append(conversation, Message{Role: RoleAssistant, Content: text, Reasoning: res.reasoning})
			return conversation[base:], fmt.Errorf("stream completion: %w", err)
		}

		assistant := Message{Role: RoleAssistant, Content: res.content, Reasoning: res.reasoning}

		calls := normalizeToolCalls(res.toolCalls)
		if len(calls) == 0 || res.finishReason != "tool_calls" {
			conversation = append(conversation, assistant)
			return conversation[base:], nil
		}

		assistant.ToolCalls = calls
		conversation = append(conversation, assistant)
		allCalls = append(allCalls, calls...)
		callbacks.toolCalls(allCalls)

		for _, call := range calls {
			if ctx.Err() != nil {
				return conversation[base:], nil
			}

			result, err := a.backend.ExecuteTool(ctx, call)
			if ctx.Err() != nil {
				return conversation[base:], nil
			}

			text := result.Content
			if err != nil {
				a.logger.Warn("tool execution failed", "tool", call.Function.Name, "err", err)
				callbacks.reportError(err)
				text = "Error: " + err.Error()
			}

			callbacks.toolResult(call.ID, toolResultPreview(text, a.previewLines))

			// The model only needs to know an image was shown; the data URL
			// itself stays with the preview.
			if isImageDataURL(text) {
				text = "[Image displayed to user]"
			}
			conversation = append(conversation, Message{Role: RoleTool, Content: text, ToolCallID: call.ID})
		}
	}
}

// normalizeToolCalls fills in the fields some providers omit: a missing id
// becomes tool_<index> and a missing type becomes "function".
func normalizeToolCalls(calls []host.ToolCall) []host.ToolCall {
	normalized := make([]host.ToolCall, len(calls))
	for i, call := range calls {
		if call.ID == "" {
			call.ID = fmt.Sprintf("tool_%d", i)
		}
		if call.Type == "" {
			call.Type = "function"
		}
		normalized[i] = call
	}
	return normalized
}
