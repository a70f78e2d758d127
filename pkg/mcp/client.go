package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements a Model Context Protocol (MCP) client bound to a single
// server. It manages the session lifecycle, correlates request/response
// pairs, dispatches server notifications to registered watchers, and exposes
// typed protocol operations for prompts, resources, tools and completions.
//
// A Client must be created using NewClient() and requires Connect() to be
// called before any operations can be performed. The client should be
// properly closed using Close() when it's no longer needed.
type Client struct {
	capabilities ClientCapabilities
	info         Info
	transport    Transport

	promptListWatcher         PromptListWatcher
	resourceListWatcher       ResourceListWatcher
	resourceSubscribedWatcher ResourceSubscribedWatcher
	toolListWatcher           ToolListWatcher
	logReceiver               LogReceiver

	requestTimeout time.Duration
	logger         *slog.Logger

	session            Session
	protocolVer        string
	instructions       string
	serverInfo         Info
	serverCapabilities ServerCapabilities
	initialized        bool

	// pendingRequests maps request ID to chan JSONRPCMessage, routing each
	// response back to its caller.
	pendingRequests sync.Map
	closed          chan struct{}
	closeOnce       sync.Once
}

// ToolResult is the display-ready outcome of a tool invocation: all content
// parts rendered and joined into a single string. IsError reports a failure
// the server chose to express as content rather than a protocol error.
type ToolResult struct {
	Content string
	IsError bool
}

var defaultClientRequestTimeout = 30 * time.Second

// WithClientCapabilities overrides the capabilities advertised during the
// initialize handshake.
func WithClientCapabilities(capabilities ClientCapabilities) ClientOption {
	return func(c *Client) {
		c.capabilities = capabilities
	}
}

// WithPromptListWatcher sets the prompt list watcher for the client.
func WithPromptListWatcher(watcher PromptListWatcher) ClientOption {
	return func(c *Client) {
		c.promptListWatcher = watcher
	}
}

// WithResourceListWatcher sets the resource list watcher for the client.
func WithResourceListWatcher(watcher ResourceListWatcher) ClientOption {
	return func(c *Client) {
		c.resourceListWatcher = watcher
	}
}

// WithResourceSubscribedWatcher sets the resource subscribe watcher for the client.
func WithResourceSubscribedWatcher(watcher ResourceSubscribedWatcher) ClientOption {
	return func(c *Client) {
		c.resourceSubscribedWatcher = watcher
	}
}

// WithToolListWatcher sets the tool list watcher for the client.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithLogReceiver sets the log receiver for the client.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithClientRequestTimeout sets the timeout applied to every protocol
// request, covering both the write and the wait for the response.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new Model Context Protocol (MCP) client with the
// specified configuration. The info parameter provides client identification
// and version information. The transport parameter defines how the client
// communicates with the server.
//
// Optional behaviors are configured through ClientOption functions: watchers
// for server-pushed list changes and logs, the per-request timeout, and the
// logger.
//
// The client will not be connected until Connect() is called.
func NewClient(info Info, transport Transport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		closed:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.requestTimeout == 0 {
		c.requestTimeout = defaultClientRequestTimeout
	}

	return c
}

// Connect establishes a session with the MCP server and performs the
// initialize handshake, exchanging capabilities and verifying the protocol
// version. It must complete before any other client method is called.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.session = sess

	go c.listenMessages()

	if err := c.initialize(ctx); err != nil {
		sess.Stop()
		return fmt.Errorf("failed to initialize client: %w", err)
	}

	return nil
}

// ListPrompts retrieves one page of prompts from the server. An empty cursor
// requests the first page; use the NextCursor from the result for subsequent
// pages.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error) {
	if !c.initialized {
		return ListPromptsResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Prompts == nil {
		return ListPromptsResult{}, errors.New("prompts not supported by server")
	}

	res, err := c.sendRequestParams(ctx, MethodPromptsList, params)
	if err != nil {
		return ListPromptsResult{}, err
	}

	var result ListPromptsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListPromptsResult{}, err
	}

	return result, nil
}

// ListAllPrompts walks every page of the server's prompt list and returns
// the concatenation. Discovery is non-fatal: a server without prompt support
// yields nil, and a failing page logs a warning and returns whatever was
// gathered so far.
func (c *Client) ListAllPrompts(ctx context.Context) []Prompt {
	if !c.initialized || c.serverCapabilities.Prompts == nil {
		return nil
	}

	var prompts []Prompt
	var cursor string
	for {
		res, err := c.ListPrompts(ctx, ListPromptsParams{Cursor: cursor})
		if err != nil {
			c.logger.Warn("failed to list prompts", "cursor", cursor, "err", err)
			return prompts
		}
		prompts = append(prompts, res.Prompts...)
		if res.NextCursor == "" {
			return prompts
		}
		cursor = res.NextCursor
	}
}

// GetPrompt retrieves a specific prompt by name with the given arguments,
// returning its rendered messages. Errors propagate to the caller.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if !c.initialized {
		return GetPromptResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Prompts == nil {
		return GetPromptResult{}, errors.New("prompts not supported by server")
	}

	res, err := c.sendRequestParams(ctx, MethodPromptsGet, params)
	if err != nil {
		return GetPromptResult{}, err
	}

	var result GetPromptResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return GetPromptResult{}, err
	}

	return result, nil
}

// ListResources retrieves one page of resources from the server.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	if !c.initialized {
		return ListResourcesResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Resources == nil {
		return ListResourcesResult{}, errors.New("resources not supported by server")
	}

	res, err := c.sendRequestParams(ctx, MethodResourcesList, params)
	if err != nil {
		return ListResourcesResult{}, err
	}

	var result ListResourcesResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListResourcesResult{}, err
	}

	return result, nil
}

// ListAllResources walks every page of the server's resource list and
// returns the concatenation, with the same non-fatal semantics as
// ListAllPrompts.
func (c *Client) ListAllResources(ctx context.Context) []Resource {
	if !c.initialized || c.serverCapabilities.Resources == nil {
		return nil
	}

	var resources []Resource
	var cursor string
	for {
		res, err := c.ListResources(ctx, ListResourcesParams{Cursor: cursor})
		if err != nil {
			c.logger.Warn("failed to list resources", "cursor", cursor, "err", err)
			return resources
		}
		resources = append(resources, res.Resources...)
		if res.NextCursor == "" {
			return resources
		}
		cursor = res.NextCursor
	}
}

// ListResourceTemplates retrieves one page of resource templates from the
// server. Resource templates expose parameterized resources using URI
// templates whose arguments may be auto-completed through Complete.
func (c *Client) ListResourceTemplates(
	ctx context.Context,
	params ListResourceTemplatesParams,
) (ListResourceTemplatesResult, error) {
	if !c.initialized {
		return ListResourceTemplatesResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Resources == nil {
		return ListResourceTemplatesResult{}, errors.New("resources not supported by server")
	}

	res, err := c.sendRequestParams(ctx, MethodResourcesTemplatesList, params)
	if err != nil {
		return ListResourceTemplatesResult{}, err
	}

	var result ListResourceTemplatesResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListResourceTemplatesResult{}, err
	}

	return result, nil
}

// ListAllResourceTemplates walks every page of the server's resource
// template list and returns the concatenation, with the same non-fatal
// semantics as ListAllPrompts.
func (c *Client) ListAllResourceTemplates(ctx context.Context) []ResourceTemplate {
	if !c.initialized || c.serverCapabilities.Resources == nil {
		return nil
	}

	var templates []ResourceTemplate
	var cursor string
	for {
		res, err := c.ListResourceTemplates(ctx, ListResourceTemplatesParams{Cursor: cursor})
		if err != nil {
			c.logger.Warn("failed to list resource templates", "cursor", cursor, "err", err)
			return templates
		}
		templates = append(templates, res.Templates...)
		if res.NextCursor == "" {
			return templates
		}
		cursor = res.NextCursor
	}
}

// ReadResource retrieves the content parts of a specific resource. Errors
// propagate to the caller.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if !c.initialized {
		return ReadResourceResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Resources == nil {
		return ReadResourceResult{}, errors.New("resources not supported by server")
	}

	res, err := c.sendRequestParams(ctx, MethodResourcesRead, params)
	if err != nil {
		return ReadResourceResult{}, err
	}

	var result ReadResourceResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ReadResourceResult{}, err
	}

	return result, nil
}

// SubscribeResource registers the client for change notifications about a
// specific resource. Updates arrive through the ResourceSubscribedWatcher
// if one was set using WithResourceSubscribedWatcher.
func (c *Client) SubscribeResource(ctx context.Context, params SubscribeResourceParams) error {
	if !c.initialized {
		return errors.New("client not initialized")
	}
	if c.serverCapabilities.Resources == nil || !c.serverCapabilities.Resources.Subscribe {
		return errors.New("resource subscription not supported by server")
	}

	_, err := c.sendRequestParams(ctx, MethodResourcesSubscribe, params)
	return err
}

// UnsubscribeResource cancels an existing resource subscription.
func (c *Client) UnsubscribeResource(ctx context.Context, params UnsubscribeResourceParams) error {
	if !c.initialized {
		return errors.New("client not initialized")
	}
	if c.serverCapabilities.Resources == nil || !c.serverCapabilities.Resources.Subscribe {
		return errors.New("resource subscription not supported by server")
	}

	_, err := c.sendRequestParams(ctx, MethodResourcesUnsubscribe, params)
	return err
}

// ListTools retrieves one page of tools from the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if !c.initialized {
		return ListToolsResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Tools == nil {
		return ListToolsResult{}, errors.New("tools not supported by server")
	}

	res, err := c.sendRequestParams(ctx, MethodToolsList, params)
	if err != nil {
		return ListToolsResult{}, err
	}

	var result ListToolsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListToolsResult{}, err
	}

	return result, nil
}

// ListAllTools walks every page of the server's tool list and returns the
// concatenation, with the same non-fatal semantics as ListAllPrompts. A
// server with zero discoverable tools is valid.
func (c *Client) ListAllTools(ctx context.Context) []Tool {
	if !c.initialized || c.serverCapabilities.Tools == nil {
		return nil
	}

	var tools []Tool
	var cursor string
	for {
		res, err := c.ListTools(ctx, ListToolsParams{Cursor: cursor})
		if err != nil {
			c.logger.Warn("failed to list tools", "cursor", cursor, "err", err)
			return tools
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools
		}
		cursor = res.NextCursor
	}
}

// CallTool executes a tool and renders its result into a ToolResult, with
// the content parts joined by newlines.
//
// The context is checked before dispatch, and a context cancellation at any
// point is returned as-is so callers can tell a user-initiated stop from a
// real failure; on cancellation a notifications/cancelled message is also
// sent so the server can stop processing. Every other failure is returned
// wrapped with a "Tool execution failed:" prefix.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return ToolResult{}, err
	}
	if !c.initialized {
		return ToolResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Tools == nil {
		return ToolResult{}, errors.New("tools not supported by server")
	}

	res, err := c.sendRequestParams(ctx, MethodToolsCall, params)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return ToolResult{}, err
		}
		return ToolResult{}, fmt.Errorf("Tool execution failed: %w", err)
	}

	var result CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ToolResult{}, fmt.Errorf("Tool execution failed: %w", err)
	}

	parts := make([]string, len(result.Content))
	for i, content := range result.Content {
		parts[i] = content.DisplayText()
	}

	return ToolResult{
		Content: strings.Join(parts, "\n"),
		IsError: result.IsError,
	}, nil
}

// Complete requests completion suggestions for a prompt argument or a
// resource template variable. Failures degrade to no suggestions rather
// than propagating.
func (c *Client) Complete(ctx context.Context, params CompleteParams) CompletionResult {
	if !c.initialized {
		return CompletionResult{}
	}

	res, err := c.sendRequestParams(ctx, MethodCompletionComplete, params)
	if err != nil {
		c.logger.Warn("completion request failed", "err", err)
		return CompletionResult{}
	}

	var result CompletionResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		c.logger.Warn("failed to unmarshal completion result", "err", err)
		return CompletionResult{}
	}

	return result
}

// SetLogLevel configures the minimum severity of log messages the server
// pushes to the client's LogReceiver.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	if !c.initialized {
		return errors.New("client not initialized")
	}
	if c.serverCapabilities.Logging == nil {
		return errors.New("logging not supported by server")
	}

	_, err := c.sendRequestParams(ctx, methodLoggingSetLevel, LogParams{Level: level})
	return err
}

// Ping verifies the server is still responsive.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodPing,
	})
	if err != nil {
		return fmt.Errorf("failed to send ping: %w", err)
	}
	if res.Error != nil {
		return fmt.Errorf("error response: %w", res.Error)
	}

	return nil
}

// ServerInfo returns the server's identification from the initialize
// handshake.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// ServerCapabilities returns the capability set the server advertised.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return c.serverCapabilities
}

// Capabilities returns the capability set this client advertised.
func (c *Client) Capabilities() ClientCapabilities {
	return c.capabilities
}

// ProtocolVersion returns the negotiated protocol version, empty before
// Connect succeeds.
func (c *Client) ProtocolVersion() string {
	return c.protocolVer
}

// Instructions returns the optional usage instructions the server provided
// during the handshake.
func (c *Client) Instructions() string {
	return c.instructions
}

// PromptServerSupported returns true if the server supports prompt management.
func (c *Client) PromptServerSupported() bool {
	return c.serverCapabilities.Prompts != nil
}

// ResourceServerSupported returns true if the server supports resource management.
func (c *Client) ResourceServerSupported() bool {
	return c.serverCapabilities.Resources != nil
}

// ResourceSubscriptionSupported returns true if the server supports resource
// update subscriptions.
func (c *Client) ResourceSubscriptionSupported() bool {
	return c.serverCapabilities.Resources != nil && c.serverCapabilities.Resources.Subscribe
}

// ToolServerSupported returns true if the server supports tool management.
func (c *Client) ToolServerSupported() bool {
	return c.serverCapabilities.Tools != nil
}

// LoggingServerSupported returns true if the server supports logging.
func (c *Client) LoggingServerSupported() bool {
	return c.serverCapabilities.Logging != nil
}

// Close terminates the session and releases all associated resources. In
// flight requests fail with a closed-client error. Close is idempotent;
// after it returns the client cannot be reused.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.session != nil {
			c.session.Stop()
		}
	})
}

func (c *Client) initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}

	res, err := c.sendRequestParams(ctx, methodInitialize, params)
	if err != nil {
		return err
	}

	var result InitializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}

	if result.ProtocolVersion != protocolVersion {
		nErr := fmt.Errorf("protocol version mismatch: %s != %s", result.ProtocolVersion, protocolVersion)
		if err := c.sendError(res.ID, JSONRPCError{
			Code:    ErrCodeInvalidParams,
			Message: "unsupported protocol version",
			Data: map[string]any{
				"supported": []string{protocolVersion},
				"requested": result.ProtocolVersion,
			},
		}); err != nil {
			nErr = fmt.Errorf("%w: failed to send error on initialize: %w", nErr, err)
		}
		return nErr
	}

	c.protocolVer = result.ProtocolVersion
	c.instructions = result.Instructions
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.initialized = true

	return c.sendNotification(context.Background(), methodNotificationsInitialized, nil)
}

func (c *Client) listenMessages() {
	for msg := range c.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Error("invalid jsonrpc version", "version", msg.JSONRPC)
			continue
		}

		switch msg.Method {
		case methodPing:
			if err := c.sendResult(msg.ID, nil); err != nil {
				c.logger.Error("failed to handle ping", "err", err)
			}
		case methodNotificationsPromptsListChanged:
			if c.promptListWatcher != nil {
				c.promptListWatcher.OnPromptListChanged()
			}
		case methodNotificationsResourcesListChanged:
			if c.resourceListWatcher != nil {
				c.resourceListWatcher.OnResourceListChanged()
			}
		case methodNotificationsResourcesUpdated:
			if c.resourceSubscribedWatcher != nil {
				var params notificationsResourcesUpdatedParams
				if err := json.Unmarshal(msg.Params, &params); err != nil {
					c.logger.Error("failed to unmarshal resources updated params", "err", err)
					continue
				}
				c.resourceSubscribedWatcher.OnResourceSubscribedChanged(params.URI)
			}
		case methodNotificationsToolsListChanged:
			if c.toolListWatcher != nil {
				c.toolListWatcher.OnToolListChanged()
			}
		case methodNotificationsMessage:
			if c.logReceiver == nil {
				continue
			}

			var params LogParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal log params", "err", err)
				continue
			}
			c.logReceiver.OnLog(params)
		case "":
			rc, ok := c.pendingRequests.Load(string(msg.ID))
			if !ok {
				c.logger.Debug("dropping response with unknown id", "id", string(msg.ID))
				continue
			}
			resChan, _ := rc.(chan JSONRPCMessage)
			resChan <- msg
		default:
			// Requests the client does not implement are rejected; unknown
			// notifications are dropped.
			if msg.ID == "" {
				c.logger.Debug("ignoring notification", "method", msg.Method)
				continue
			}
			if err := c.sendError(msg.ID, JSONRPCError{
				Code:    ErrCodeMethodNotFound,
				Message: "method not found",
			}); err != nil {
				c.logger.Error("failed to reject unknown method", "method", msg.Method, "err", err)
			}
		}
	}
}

func (c *Client) sendRequestParams(ctx context.Context, method string, params any) (JSONRPCMessage, error) {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
	}

	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
	if err != nil {
		return JSONRPCMessage{}, err
	}
	if res.Error != nil {
		return JSONRPCMessage{}, fmt.Errorf("result error: %w", res.Error)
	}

	return res, nil
}

func (c *Client) sendRequest(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	reqID := uuid.New().String()
	msg.ID = MustString(reqID)

	// Buffered so a response that loses the race against a timed-out caller
	// never blocks the listener.
	resChan := make(chan JSONRPCMessage, 1)
	c.pendingRequests.Store(reqID, resChan)
	defer c.pendingRequests.Delete(reqID)

	sCtx, sCancel := context.WithTimeout(ctx, c.requestTimeout)
	defer sCancel()

	if err := c.session.Send(sCtx, msg); err != nil {
		return JSONRPCMessage{}, err
	}

	select {
	case <-c.closed:
		return JSONRPCMessage{}, errors.New("client closed")
	case <-sCtx.Done():
		err := sCtx.Err()
		if !errors.Is(err, context.Canceled) {
			return JSONRPCMessage{}, err
		}
		nErr := c.sendNotification(context.Background(), methodNotificationsCancelled, notificationsCancelledParams{
			RequestID: reqID,
			Reason:    userCancelledReason,
		})
		if nErr != nil {
			err = fmt.Errorf("%w: failed to send notification: %w", err, nErr)
		}
		return JSONRPCMessage{}, err
	case resMsg := <-resChan:
		return resMsg, nil
	}
}

func (c *Client) sendNotification(ctx context.Context, method string, params any) error {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	notif := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.requestTimeout)
	defer sCancel()

	if err := c.session.Send(sCtx, notif); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}

	return nil
}

func (c *Client) sendResult(id MustString, result any) error {
	resBs, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}

	sCtx, sCancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer sCancel()

	if err := c.session.Send(sCtx, msg); err != nil {
		return fmt.Errorf("failed to send result: %w", err)
	}

	return nil
}

func (c *Client) sendError(id MustString, rpcErr JSONRPCError) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &rpcErr,
	}

	sCtx, sCancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer sCancel()

	if err := c.session.Send(sCtx, msg); err != nil {
		return fmt.Errorf("failed to send error: %w", err)
	}

	return nil
}
