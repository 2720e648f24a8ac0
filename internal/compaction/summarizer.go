package compaction

import (
	"context"
	"strings"

	"github.com/flitsinc/go-llms/content"
	"github.com/flitsinc/go-llms/llms"

	"github.com/flitsinc/go-tracks/internal/ai"
)

// Summarizer produces a cumulative summary from a rendered transcript.
type Summarizer interface {
	Summarize(ctx context.Context, input string) (string, error)
}

// summaryPrompt biases the model toward the details a resumed session
// actually needs. Long tool output is the bulk of what compaction discards.
const summaryPrompt = `You summarize a technical research session so it can continue with the original transcript removed.

Write a dense factual summary with these sections:
1. Objective: what the session is trying to accomplish.
2. Findings: concrete facts discovered so far. Preserve exact hostnames, IP addresses, ports, URLs, file paths, identifiers and partial credentials verbatim.
3. Actions taken: which tools ran and their outcomes, one line each. Omit raw tool output.
4. Decisions: choices made and the stated reasons.
5. Open threads: unresolved questions and planned next steps.

Do not add commentary or advice. Output only the summary.`

// LLMSummarizer runs the summarization call through the shared provider
// client, swapping the system prompt for the duration of the call.
type LLMSummarizer struct {
	Client *ai.Client
}

func NewLLMSummarizer(client *ai.Client) *LLMSummarizer {
	return &LLMSummarizer{Client: client}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, input string) (string, error) {
	if s == nil || s.Client == nil || s.Client.LLM == nil {
		return "", nil
	}

	llmClient := s.Client.LLM
	prev := llmClient.SystemPrompt
	llmClient.SystemPrompt = func() content.Content {
		return content.FromText(summaryPrompt)
	}
	defer func() {
		llmClient.SystemPrompt = prev
	}()

	updates := llmClient.ChatUsingMessages(ctx, []llms.Message{
		{Role: "user", Content: content.FromText(input)},
	})

	var sb strings.Builder
	for update := range updates {
		if textUpdate, ok := update.(llms.TextUpdate); ok {
			sb.WriteString(textUpdate.Text)
		}
	}
	if err := llmClient.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(sb.String()), nil
}
