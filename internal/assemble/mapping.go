package assemble

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flitsinc/go-tracks/internal/timeline"
)

// Message is the provider-neutral request message shape. The provider
// adapter converts it to wire form; the core never sees provider types.
type Message struct {
	Role       string
	Text       string
	ToolCall   *ToolCall
	ToolCallID string
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

const (
	consoleOpenMarker  = "[observed console activity from %s]"
	consoleCloseMarker = "[end console activity]"
	summaryOpenMarker  = "[conversation summary: earlier context was compacted]"
	summaryCloseMarker = "[end conversation summary]"
)

// MapEntry converts one timeline entry into zero, one or two request
// messages. Tool invocations contribute the call half always and the result
// half only once terminal.
func MapEntry(entry timeline.Entry) []Message {
	switch entry.Kind {
	case timeline.EntryMessage:
		if entry.Message == nil {
			return nil
		}
		role := RoleUser
		if entry.Message.Role == timeline.RoleAssistant {
			role = RoleAssistant
		}
		return []Message{{Role: role, Text: entry.Message.Text}}

	case timeline.EntryToolInvocation:
		if entry.Tool == nil {
			return nil
		}
		inv := entry.Tool
		call := Message{
			Role: RoleAssistant,
			ToolCall: &ToolCall{
				ID:        inv.CallID,
				Name:      inv.Name,
				Arguments: inv.Arguments,
			},
		}
		result, ok := toolResultText(inv)
		if !ok {
			return []Message{call}
		}
		return []Message{call, {Role: RoleTool, ToolCallID: inv.CallID, Text: result}}

	case timeline.EntryConsoleContext:
		if entry.Console == nil {
			return nil
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, consoleOpenMarker, entry.Console.Source)
		sb.WriteString("\n")
		sb.WriteString(entry.Console.Content)
		sb.WriteString("\n")
		sb.WriteString(consoleCloseMarker)
		return []Message{{Role: RoleUser, Text: sb.String()}}
	}
	return nil
}

func toolResultText(inv *timeline.ToolInvocation) (string, bool) {
	switch inv.Status {
	case timeline.ToolSuccess:
		return inv.Result, true
	case timeline.ToolError:
		return fmt.Sprintf("Error: %s", inv.Error), true
	case timeline.ToolTimeout:
		return "Error: timed out", true
	case timeline.ToolDenied:
		return fmt.Sprintf("denied: %s", inv.DenialReason), true
	default:
		return "", false
	}
}

// MapCompaction renders the latest compaction summary as a single marked
// user message, placed before all active entries.
func MapCompaction(comp timeline.Compaction, maxTokens int) Message {
	summary := comp.Summary
	if maxTokens > 0 && EstimateTokens(summary) > maxTokens {
		// Character-level cut; the summary is prose and loses little.
		summary = summary[:maxTokens*4]
	}
	var sb strings.Builder
	sb.WriteString(summaryOpenMarker)
	sb.WriteString("\n")
	sb.WriteString(summary)
	sb.WriteString("\n")
	sb.WriteString(summaryCloseMarker)
	return Message{Role: RoleUser, Text: sb.String()}
}
