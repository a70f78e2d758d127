package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/MegaGrindStone/go-mcp-agent/pkg/mcp"
)

// ToolCall is a tool invocation request in the shape LLM providers emit.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its raw JSON argument string.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition is one tool in the merged index, with its input schema
// normalized for LLM consumption.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ServerTool pairs a tool with the server that advertises it.
type ServerTool struct {
	Server string
	Tool   mcp.Tool
}

// ExecuteTool routes a tool call to the server that owns the tool name and
// returns the server's result. The execution holds a keep-alive on the host
// so Shutdown waits for it.
func (h *Host) ExecuteTool(ctx context.Context, call ToolCall) (mcp.ToolResult, error) {
	args, err := parseToolArguments(call.Function.Arguments)
	if err != nil {
		return mcp.ToolResult{}, fmt.Errorf("tool %s: %w", call.Function.Name, err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return mcp.ToolResult{}, errors.New("host is shut down")
	}
	server, ok := h.toolIndex[call.Function.Name]
	if !ok {
		h.mu.Unlock()
		return mcp.ToolResult{}, fmt.Errorf("unknown tool: %s", call.Function.Name)
	}
	conn, ok := h.connections[server]
	if !ok {
		h.mu.Unlock()
		return mcp.ToolResult{}, fmt.Errorf("server %s is not connected", server)
	}
	h.keepAlive.Add(1)
	h.mu.Unlock()
	defer h.keepAlive.Done()

	return conn.client.CallTool(ctx, mcp.CallToolParams{
		Name:      call.Function.Name,
		Arguments: args,
	})
}

// parseToolArguments normalizes an LLM-provided argument string into a JSON
// object. Empty strings become the empty object, and arguments that arrive
// double-encoded (a JSON string containing JSON) are unwrapped once.
func parseToolArguments(raw string) (json.RawMessage, error) {
	if raw == "" {
		return json.RawMessage("{}"), nil
	}

	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if inner, ok := decoded.(string); ok {
		if err := json.Unmarshal([]byte(inner), &decoded); err != nil {
			return nil, fmt.Errorf("invalid tool arguments: %w", err)
		}
		raw = inner
	}
	if _, ok := decoded.(map[string]any); !ok {
		return nil, errors.New("tool arguments must be a JSON object")
	}
	return json.RawMessage(raw), nil
}

// ToolDefinitionsForLLM returns the merged tool index in config order,
// containing only the winning entry for each tool name.
func (h *Host) ToolDefinitionsForLLM() []ToolDefinition {
	h.mu.Lock()
	defer h.mu.Unlock()

	var defs []ToolDefinition
	for _, cfg := range h.configs {
		conn, ok := h.connections[cfg.Name]
		if !ok {
			continue
		}
		for _, tool := range conn.Tools() {
			if h.toolIndex[tool.Name] != cfg.Name {
				continue
			}
			defs = append(defs, ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  normalizeSchema(tool.InputSchema),
			})
		}
	}
	return defs
}

// AllTools returns every advertised tool, including ones shadowed by a name
// collision, paired with the advertising server.
func (h *Host) AllTools() []ServerTool {
	h.mu.Lock()
	defer h.mu.Unlock()

	var tools []ServerTool
	for _, cfg := range h.configs {
		conn, ok := h.connections[cfg.Name]
		if !ok {
			continue
		}
		for _, tool := range conn.Tools() {
			tools = append(tools, ServerTool{Server: cfg.Name, Tool: tool})
		}
	}
	return tools
}

// ToolServer reports which server a tool name currently routes to.
func (h *Host) ToolServer(name string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	server, ok := h.toolIndex[name]
	return server, ok
}

// rebuildToolIndexLocked rebuilds the name-to-server index from connected
// servers in config order. Later servers win name collisions.
func (h *Host) rebuildToolIndexLocked() {
	h.toolIndex = make(map[string]string)
	for _, cfg := range h.configs {
		conn, ok := h.connections[cfg.Name]
		if !ok {
			continue
		}
		for _, tool := range conn.Tools() {
			if previous, ok := h.toolIndex[tool.Name]; ok && previous != cfg.Name {
				h.logger.Warn("tool name collision",
					"tool", tool.Name, "server", cfg.Name, "previous", previous)
			}
			h.toolIndex[tool.Name] = cfg.Name
		}
	}
}

// normalizeSchema prepares a tool's input schema for LLM providers that
// require every property to carry an explicit type. Properties lacking one
// get a type inferred from their default value. Unparseable schemas are
// replaced by an empty object schema.
func normalizeSchema(raw json.RawMessage) map[string]any {
	schema := make(map[string]any)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &schema); err != nil {
			schema = nil
		}
	}
	if len(schema) == 0 {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	return normalizeSchemaMap(schema)
}

func normalizeSchemaMap(schema map[string]any) map[string]any {
	if properties, ok := schema["properties"].(map[string]any); ok {
		for name, value := range properties {
			if prop, ok := value.(map[string]any); ok {
				properties[name] = normalizeProperty(prop)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		schema["items"] = normalizeProperty(items)
	}
	return schema
}

func normalizeProperty(prop map[string]any) map[string]any {
	prop = normalizeSchemaMap(prop)
	if _, ok := prop["type"]; ok {
		return prop
	}
	if def, ok := prop["default"]; ok {
		prop["type"] = inferType(def)
	}
	return prop
}

func inferType(value any) string {
	switch v := value.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		if math.Trunc(v) == v {
			return "integer"
		}
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "string"
	}
}
