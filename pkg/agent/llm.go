package agent

import (
	"context"
	"encoding/json"

	"github.com/openai/openai-go"

	"github.com/MegaGrindStone/go-mcp-agent/pkg/host"
)

// completion accumulates one streamed chat completion: the full assistant
// text, the reasoning trace when the provider emits one, the tool calls
// stitched together from their fragments, and the finish reason of the
// first choice.
type completion struct {
	content      string
	reasoning    string
	toolCalls    []host.ToolCall
	finishReason string
}

// streamCompletion runs a single streaming chat completion over the given
// messages and tool definitions. Content and reasoning deltas are passed to
// onContent and onReasoning as they arrive; either callback may be nil.
func (a *Agent) streamCompletion(
	ctx context.Context,
	messages []openai.ChatCompletionMessageParamUnion,
	tools []openai.ChatCompletionToolParam,
	onContent, onReasoning func(string),
) (completion, error) {
	params := openai.ChatCompletionNewParams{
		Model:    a.model,
		Messages: messages,
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var res completion
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			res.content += choice.Delta.Content
			if onContent != nil {
				onContent(choice.Delta.Content)
			}
		}

		// Reasoning models surface their traces as a nonstandard delta
		// field, so it has to be dug out of the raw JSON.
		if field, ok := choice.Delta.JSON.ExtraFields["reasoning_content"]; ok {
			var reasoning string
			if err := json.Unmarshal([]byte(field.Raw()), &reasoning); err == nil && reasoning != "" {
				res.reasoning += reasoning
				if onReasoning != nil {
					onReasoning(reasoning)
				}
			}
		}

		for _, delta := range choice.Delta.ToolCalls {
			res.mergeToolCallDelta(delta)
		}

		if choice.FinishReason != "" {
			res.finishReason = choice.FinishReason
		}
	}
	if err := stream.Err(); err != nil {
		return res, err
	}

	return res, nil
}

// mergeToolCallDelta folds one streamed tool call fragment into the
// accumulated calls. Fragments for a call share a stream index; the id and
// function name arrive on the first fragment and the argument text trickles
// in across the rest.
func (c *completion) mergeToolCallDelta(delta openai.ChatCompletionChunkChoiceDeltaToolCall) {
	idx := int(delta.Index)
	if idx < 0 {
		return
	}
	for len(c.toolCalls) <= idx {
		c.toolCalls = append(c.toolCalls, host.ToolCall{})
	}

	call := &c.toolCalls[idx]
	if delta.ID != "" {
		call.ID = delta.ID
	}
	if delta.Type != "" {
		call.Type = string(delta.Type)
	}
	if delta.Function.Name != "" {
		call.Function.Name = delta.Function.Name
	}
	call.Function.Arguments += delta.Function.Arguments
}

// chatMessages converts a conversation history into the wire form the chat
// completions API expects. Reasoning is a display-only field and is never
// sent back to the model.
func chatMessages(history []Message) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case RoleAssistant:
			messages = append(messages, assistantMessage(msg))
		case RoleTool:
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfTool: &openai.ChatCompletionToolMessageParam{
					ToolCallID: msg.ToolCallID,
					Content: openai.ChatCompletionToolMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		}
	}

	return messages
}

func assistantMessage(msg Message) openai.ChatCompletionMessageParamUnion {
	assistant := openai.ChatCompletionAssistantMessageParam{}
	if msg.Content != "" {
		assistant.Content.OfString = openai.String(msg.Content)
	}
	for _, call := range msg.ToolCalls {
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   call.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			},
		})
	}

	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

// chatTools converts aggregated tool definitions into chat completion
// function declarations.
func chatTools(defs []host.ToolDefinition) []openai.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}

	tools := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		fn := openai.FunctionDefinitionParam{
			Name:       def.Name,
			Parameters: def.Parameters,
		}
		if def.Description != "" {
			fn.Description = openai.String(def.Description)
		}
		tools = append(tools, openai.ChatCompletionToolParam{
			Type:     "function",
			Function: fn,
		})
	}

	return tools
}
