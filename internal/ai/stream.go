package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flitsinc/go-llms/content"
	"github.com/flitsinc/go-llms/llms"
	llmtools "github.com/flitsinc/go-llms/tools"

	"github.com/flitsinc/go-tracks/internal/assemble"
	"github.com/flitsinc/go-tracks/internal/timeline"
)

// ToolRequest is one tool call the model wants executed.
type ToolRequest struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// ToolHandler runs a requested tool and returns the text fed back to the
// model. A returned error is also fed back, as a tool error.
type ToolHandler func(ctx context.Context, req ToolRequest) (string, error)

// ToolDef advertises one tool to the model.
type ToolDef struct {
	Name        string
	Description string
}

type StreamRequest struct {
	Model        string
	SystemPrompt string
	Messages     []assemble.Message
	Tools        []ToolDef
}

type StreamResult struct {
	Text  string
	Usage timeline.TokenUsage
}

// Streamer is the provider surface the turn loop depends on. onText receives
// cumulative text snapshots; onTool runs once per tool call, inline, before
// the model continues.
type Streamer interface {
	Stream(ctx context.Context, req StreamRequest, onText func(string), onTool ToolHandler) (StreamResult, error)
}

// Stream runs one conversational exchange, including any tool rounds the
// model chooses to take. Each call gets a fresh session so concurrent tracks
// never share mutable provider state.
func (c *Client) Stream(ctx context.Context, req StreamRequest, onText func(string), onTool ToolHandler) (StreamResult, error) {
	llmClient, err := c.NewSessionWithModel(req.Model)
	if err != nil {
		return StreamResult{}, err
	}

	if req.SystemPrompt != "" {
		systemPrompt := req.SystemPrompt
		llmClient.SystemPrompt = func() content.Content {
			return content.FromText(systemPrompt)
		}
	}

	if len(req.Tools) > 0 && onTool != nil {
		schemas := make([]llmtools.FunctionSchema, 0, len(req.Tools))
		for _, def := range req.Tools {
			schemas = append(schemas, llmtools.FunctionSchema{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  llmtools.ValueSchema{Type: "object"},
			})
		}
		llmClient.AddExternalTools(schemas, func(r llmtools.Runner, params json.RawMessage) llmtools.Result {
			toolCall, ok := llms.GetToolCall(r.Context())
			if !ok {
				return llmtools.Errorf("missing tool call")
			}
			result, err := onTool(r.Context(), ToolRequest{
				CallID:    toolCall.ID,
				Name:      toolCall.Name,
				Arguments: params,
			})
			if err != nil {
				return llmtools.Error(err)
			}
			return llmtools.Success(result)
		})
	}

	messages := toProviderMessages(req.Messages)
	updates := llmClient.ChatUsingMessages(ctx, messages)

	var sb strings.Builder
	for update := range updates {
		if textUpdate, ok := update.(llms.TextUpdate); ok {
			sb.WriteString(textUpdate.Text)
			if onText != nil {
				onText(sb.String())
			}
		}
	}
	if err := llmClient.Err(); err != nil {
		return StreamResult{}, err
	}

	text := strings.TrimSpace(sb.String())
	return StreamResult{
		Text:  text,
		Usage: estimateUsage(req, text),
	}, nil
}

// toProviderMessages flattens the neutral request messages to the text-only
// shapes every provider accepts. Historical tool calls and results become
// marked text; live tool rounds go through the external tool path instead.
func toProviderMessages(msgs []assemble.Message) []llms.Message {
	out := make([]llms.Message, 0, len(msgs))
	for _, msg := range msgs {
		switch {
		case msg.Role == assemble.RoleSystem:
			// Delivered via the session system prompt.
		case msg.ToolCall != nil:
			out = append(out, llms.Message{
				Role: "assistant",
				Content: content.FromText(fmt.Sprintf("[called %s with %s]",
					msg.ToolCall.Name, string(msg.ToolCall.Arguments))),
			})
		case msg.Role == assemble.RoleTool:
			out = append(out, llms.Message{
				Role:    "user",
				Content: content.FromText(fmt.Sprintf("[tool result %s]\n%s", msg.ToolCallID, msg.Text)),
			})
		case msg.Role == assemble.RoleAssistant:
			out = append(out, llms.Message{Role: "assistant", Content: content.FromText(msg.Text)})
		default:
			out = append(out, llms.Message{Role: "user", Content: content.FromText(msg.Text)})
		}
	}
	return out
}

// estimateUsage approximates token accounting from text sizes. The streaming
// path does not expose provider-reported counts, so these are heuristic but
// uniform across providers.
func estimateUsage(req StreamRequest, output string) timeline.TokenUsage {
	return timeline.TokenUsage{
		Input:  assemble.EstimateTokens(req.SystemPrompt) + assemble.EstimateMessageTokens(req.Messages),
		Output: assemble.EstimateTokens(output),
	}
}
