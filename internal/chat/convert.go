package chat

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/modelgate/pkg/models"
)

// toWireMessages converts transcript messages to the gateway wire format.
func toWireMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		wire := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.TextContent(),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		if len(m.ToolCalls) > 0 {
			wire.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				wire.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				}
			}
		}
		out = append(out, wire)
	}
	return out
}

// fromWireMessage converts a gateway response message back into the
// transcript shape, preserving null content for tool-call-only messages.
func fromWireMessage(wire openai.ChatCompletionMessage) models.Message {
	msg := models.Message{
		Role:       models.Role(wire.Role),
		Name:       wire.Name,
		ToolCallID: wire.ToolCallID,
	}
	if wire.Content != "" || len(wire.ToolCalls) == 0 {
		msg.Content = models.Text(wire.Content)
	}
	for _, tc := range wire.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:   tc.ID,
			Type: string(tc.Type),
			Function: models.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return msg
}

// toWireTools converts registered tools into gateway tool definitions.
func toWireTools(tools []*models.Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params any
		if len(t.ParametersSchema) > 0 {
			params = json.RawMessage(t.ParametersSchema)
		} else {
			// The gateway rejects tools without a parameters object.
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// fromWireUsage converts a gateway usage block.
func fromWireUsage(u openai.Usage) models.Usage {
	return models.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
