// Package timeline defines the append-only conversation log model: tracks,
// turns, entries, LLM responses and compactions, plus the state machines
// that govern turn and tool-invocation lifecycles.
package timeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type ApprovalMode string

const (
	ApprovalRequired ApprovalMode = "approval_required"
	Autonomous       ApprovalMode = "autonomous"
)

// Track is a persistent research session and the sole owner of a
// conversation timeline.
type Track struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	ApprovalMode ApprovalMode `json:"approval_mode"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

type TurnTrigger string

const (
	TriggerUserPrompt TurnTrigger = "user_prompt"
	TriggerScheduled  TurnTrigger = "scheduled"
	TriggerScript     TurnTrigger = "script"
)

type TurnStatus string

const (
	TurnPending         TurnStatus = "pending"
	TurnStreaming       TurnStatus = "streaming"
	TurnPendingApproval TurnStatus = "pending_approval"
	TurnExecutingTools  TurnStatus = "executing_tools"
	TurnFinished        TurnStatus = "finished"
	TurnError           TurnStatus = "error"
	TurnInterrupted     TurnStatus = "interrupted"
)

// Turn is one agentic cycle: a user input through zero or more tool rounds
// to an idle state. It snapshots the model and approval mode active when it
// started.
type Turn struct {
	ID           string       `json:"id"`
	TrackID      string       `json:"track_id"`
	Seq          int64        `json:"seq"`
	Trigger      TurnTrigger  `json:"trigger"`
	Status       TurnStatus   `json:"status"`
	Model        string       `json:"model"`
	ApprovalMode ApprovalMode `json:"approval_mode"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError reports a rejected state-machine transition.
type TransitionError struct {
	Subject string
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Subject, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// turnTransitions is the allowed-transition table for the cyclic turn state
// machine. error and interrupted are reachable from every non-terminal state
// and handled in CanTurnTransition directly.
var turnTransitions = map[TurnStatus][]TurnStatus{
	TurnPending:         {TurnStreaming},
	TurnStreaming:       {TurnPendingApproval, TurnExecutingTools, TurnFinished},
	TurnPendingApproval: {TurnExecutingTools, TurnStreaming},
	TurnExecutingTools:  {TurnStreaming},
}

func IsTerminalTurnStatus(s TurnStatus) bool {
	switch s {
	case TurnFinished, TurnError, TurnInterrupted:
		return true
	default:
		return false
	}
}

func CanTurnTransition(from, to TurnStatus) bool {
	if from == to {
		return false
	}
	if IsTerminalTurnStatus(from) {
		return false
	}
	if to == TurnError || to == TurnInterrupted {
		return true
	}
	for _, next := range turnTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTurnTransition returns a TransitionError for moves not in the table.
func CheckTurnTransition(from, to TurnStatus) error {
	if !CanTurnTransition(from, to) {
		return &TransitionError{Subject: "turn", From: string(from), To: string(to)}
	}
	return nil
}

type EntryKind string

const (
	EntryMessage        EntryKind = "message"
	EntryToolInvocation EntryKind = "tool_invocation"
	EntryConsoleContext EntryKind = "console_context"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type MessageKind string

const (
	MessagePrompt   MessageKind = "prompt"
	MessageThinking MessageKind = "thinking"
	MessageResponse MessageKind = "response"
)

// Message is the content variant for message entries. Only user/prompt and
// assistant/{thinking,response} combinations are valid.
type Message struct {
	Role Role        `json:"role"`
	Kind MessageKind `json:"kind"`
	Text string      `json:"text"`
}

func (m Message) Validate() error {
	switch {
	case m.Role == RoleUser && m.Kind == MessagePrompt:
		return nil
	case m.Role == RoleAssistant && (m.Kind == MessageThinking || m.Kind == MessageResponse):
		return nil
	default:
		return fmt.Errorf("invalid message variant %s/%s", m.Role, m.Kind)
	}
}

type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolApproved  ToolStatus = "approved"
	ToolDenied    ToolStatus = "denied"
	ToolExecuting ToolStatus = "executing"
	ToolSuccess   ToolStatus = "success"
	ToolError     ToolStatus = "error"
	ToolTimeout   ToolStatus = "timeout"
)

// toolTransitions is the linear, monotonic tool-invocation table.
var toolTransitions = map[ToolStatus][]ToolStatus{
	ToolPending:   {ToolApproved, ToolDenied},
	ToolApproved:  {ToolExecuting},
	ToolExecuting: {ToolSuccess, ToolError, ToolTimeout},
}

func IsTerminalToolStatus(s ToolStatus) bool {
	switch s {
	case ToolDenied, ToolSuccess, ToolError, ToolTimeout:
		return true
	default:
		return false
	}
}

func CanToolTransition(from, to ToolStatus) bool {
	for _, next := range toolTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func CheckToolTransition(from, to ToolStatus) error {
	if !CanToolTransition(from, to) {
		return &TransitionError{Subject: "tool invocation", From: string(from), To: string(to)}
	}
	return nil
}

// ToolInvocation spans the full call+result lifecycle of one tool call.
type ToolInvocation struct {
	CallID       string          `json:"call_id"`
	Name         string          `json:"name"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	Status       ToolStatus      `json:"status"`
	Result       string          `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	DenialReason string          `json:"denial_reason,omitempty"`
	Duration     time.Duration   `json:"duration_ns,omitempty"`
}

// ConsoleContext is externally observed console activity, recorded outside
// any turn.
type ConsoleContext struct {
	Content string `json:"content"`
	Source  string `json:"source"`
}

// Entry is one immutable, positioned slot in the conversation timeline.
// Position is the only ordering field; it is assigned exclusively by the
// track's coordination actor and never changes.
type Entry struct {
	ID         string    `json:"id"`
	TrackID    string    `json:"track_id"`
	Position   int64     `json:"position"`
	Kind       EntryKind `json:"kind"`
	TurnID     string    `json:"turn_id,omitempty"`
	ResponseID string    `json:"response_id,omitempty"`
	Synced     bool      `json:"ai_synced"`

	Message *Message        `json:"message,omitempty"`
	Tool    *ToolInvocation `json:"tool,omitempty"`
	Console *ConsoleContext `json:"console,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (e Entry) Validate() error {
	switch e.Kind {
	case EntryMessage:
		if e.Message == nil {
			return fmt.Errorf("message entry without message content")
		}
		return e.Message.Validate()
	case EntryToolInvocation:
		if e.Tool == nil {
			return fmt.Errorf("tool entry without tool content")
		}
		return nil
	case EntryConsoleContext:
		if e.Console == nil {
			return fmt.Errorf("console entry without console content")
		}
		if e.TurnID != "" {
			return fmt.Errorf("console entry must not belong to a turn")
		}
		return nil
	default:
		return fmt.Errorf("unknown entry kind %q", e.Kind)
	}
}

// TokenUsage is the canonical, provider-neutral token accounting for one
// provider call. Adapters normalize provider-specific field names into it;
// the core never branches on provider identity.
type TokenUsage struct {
	Input         int `json:"input"`
	Output        int `json:"output"`
	CacheRead     int `json:"cache_read,omitempty"`
	CacheCreation int `json:"cache_creation,omitempty"`
}

// LLMResponse is one provider call within a turn. CacheContext is an opaque
// provider-specific blob.
type LLMResponse struct {
	ID           string     `json:"id"`
	TurnID       string     `json:"turn_id"`
	Model        string     `json:"model"`
	Usage        TokenUsage `json:"usage"`
	CacheContext []byte     `json:"cache_context,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Compaction is a cumulative summary replacing a prefix of the timeline for
// LLM-context purposes only. Covered entries are never deleted.
type Compaction struct {
	ID              string        `json:"id"`
	TrackID         string        `json:"track_id"`
	PreviousID      string        `json:"previous_id,omitempty"`
	Summary         string        `json:"summary"`
	UpToPosition    int64         `json:"summarized_up_to_position"`
	EntriesCovered  int           `json:"entries_covered"`
	TokensBefore    int           `json:"tokens_before"`
	TokensAfter     int           `json:"tokens_after"`
	SummarizerModel string        `json:"summarizer_model"`
	Duration        time.Duration `json:"duration_ns"`
	CreatedAt       time.Time     `json:"created_at"`
}
