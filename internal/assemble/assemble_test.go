package assemble

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/flitsinc/go-tracks/internal/timeline"
)

func messageEntry(pos int64, role timeline.Role, kind timeline.MessageKind, text string, synced bool) timeline.Entry {
	return timeline.Entry{
		ID:       "e",
		Position: pos,
		Kind:     timeline.EntryMessage,
		Synced:   synced,
		Message:  &timeline.Message{Role: role, Kind: kind, Text: text},
	}
}

func TestAllocateBudget(t *testing.T) {
	b := AllocateBudget(200_000)
	if b.System != 3000 || b.WorkingState != 2000 {
		t.Fatalf("unexpected fixed allocations: %+v", b)
	}
	if b.Compaction != 12000 {
		t.Fatalf("expected compaction capped at 12000, got %d", b.Compaction)
	}
	if b.Recent != 100_000 || b.Retrieval != 20_000 || b.ResponseReserve != 40_000 {
		t.Fatalf("unexpected scaled allocations: %+v", b)
	}

	small := AllocateBudget(1000)
	if small.ContextWindow != 8192 {
		t.Fatalf("expected window clamp to 8192, got %d", small.ContextWindow)
	}
	if small.Compaction != 8192*15/100 {
		t.Fatalf("expected uncapped compaction share, got %d", small.Compaction)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("empty text = %d tokens", got)
	}
	if got := EstimateTokens("abcd"); got != 2 {
		t.Fatalf("4 chars = %d tokens", got)
	}
	if got := EstimateTokens(strings.Repeat("x", 400)); got != 101 {
		t.Fatalf("400 chars = %d tokens", got)
	}
}

func TestMapEntryToolPair(t *testing.T) {
	args := json.RawMessage(`{"target":"10.0.0.0/24"}`)
	entry := timeline.Entry{
		Position: 4,
		Kind:     timeline.EntryToolInvocation,
		Tool: &timeline.ToolInvocation{
			CallID:    "call-9",
			Name:      "port_scan",
			Arguments: args,
			Status:    timeline.ToolSuccess,
			Result:    "5 hosts found",
		},
	}
	msgs := MapEntry(entry)
	if len(msgs) != 2 {
		t.Fatalf("expected call and result halves, got %d messages", len(msgs))
	}
	if msgs[0].Role != RoleAssistant || msgs[0].ToolCall == nil || msgs[0].ToolCall.Name != "port_scan" {
		t.Fatalf("unexpected call half: %+v", msgs[0])
	}
	if msgs[1].Role != RoleTool || msgs[1].ToolCallID != "call-9" || msgs[1].Text != "5 hosts found" {
		t.Fatalf("unexpected result half: %+v", msgs[1])
	}
}

func TestMapEntryToolNonTerminal(t *testing.T) {
	entry := timeline.Entry{
		Kind: timeline.EntryToolInvocation,
		Tool: &timeline.ToolInvocation{CallID: "c", Name: "x", Status: timeline.ToolExecuting},
	}
	msgs := MapEntry(entry)
	if len(msgs) != 1 {
		t.Fatalf("expected only the call half while executing, got %d", len(msgs))
	}
}

func TestMapEntryDeniedTool(t *testing.T) {
	entry := timeline.Entry{
		Kind: timeline.EntryToolInvocation,
		Tool: &timeline.ToolInvocation{
			CallID:       "c",
			Name:         "rm_rf",
			Status:       timeline.ToolDenied,
			DenialReason: "too destructive",
		},
	}
	msgs := MapEntry(entry)
	if len(msgs) != 2 {
		t.Fatalf("expected denied call to include a result half")
	}
	if !strings.Contains(msgs[1].Text, "too destructive") {
		t.Fatalf("expected denial reason in result, got %q", msgs[1].Text)
	}
}

func TestMapEntryConsole(t *testing.T) {
	entry := timeline.Entry{
		Kind:    timeline.EntryConsoleContext,
		Console: &timeline.ConsoleContext{Content: "uid=0(root)", Source: "ssh:target-1"},
	}
	msgs := MapEntry(entry)
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Fatalf("unexpected console mapping: %+v", msgs)
	}
	if !strings.Contains(msgs[0].Text, "ssh:target-1") || !strings.Contains(msgs[0].Text, "uid=0(root)") {
		t.Fatalf("expected marked console block, got %q", msgs[0].Text)
	}
}

func TestBuildPrefixOrder(t *testing.T) {
	comp := &timeline.Compaction{Summary: "earlier work summarized", UpToPosition: 3}
	active := []timeline.Entry{
		messageEntry(4, timeline.RoleUser, timeline.MessagePrompt, "scan the subnet", true),
		messageEntry(5, timeline.RoleAssistant, timeline.MessageResponse, "scanning now", true),
		messageEntry(6, timeline.RoleUser, timeline.MessagePrompt, "what did you find", false),
	}
	result := Build(Input{
		ContextWindow: 200_000,
		SystemPrompt:  "you are an operator",
		Compaction:    comp,
		Active:        active,
	})

	if len(result.Prefix) != 4 {
		t.Fatalf("expected system + summary + 2 synced entries, got %d", len(result.Prefix))
	}
	if result.Prefix[0].Role != RoleSystem {
		t.Fatalf("expected system first, got %+v", result.Prefix[0])
	}
	if !strings.Contains(result.Prefix[1].Text, "earlier work summarized") {
		t.Fatalf("expected summary second, got %q", result.Prefix[1].Text)
	}
	if result.Prefix[2].Text != "scan the subnet" || result.Prefix[3].Text != "scanning now" {
		t.Fatalf("unexpected prefix entries: %+v", result.Prefix[2:])
	}

	if len(result.Suffix) != 1 || result.Suffix[0].Text != "what did you find" {
		t.Fatalf("expected unsynced entry in suffix: %+v", result.Suffix)
	}
	if !reflect.DeepEqual(result.SuffixPositions, []int64{6}) {
		t.Fatalf("unexpected suffix positions: %v", result.SuffixPositions)
	}
	if result.CachePrefixTokens <= 0 || result.TokenEstimate < result.CachePrefixTokens {
		t.Fatalf("unexpected token accounting: %+v", result)
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	input := Input{
		ContextWindow: 100_000,
		SystemPrompt:  "sys",
		Active: []timeline.Entry{
			messageEntry(1, timeline.RoleUser, timeline.MessagePrompt, "a", true),
			messageEntry(2, timeline.RoleUser, timeline.MessagePrompt, "b", false),
		},
		UserInput: "next step",
	}
	first := Build(input)
	second := Build(input)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("expected identical results for identical input")
	}
}

func TestBuildUserInputLast(t *testing.T) {
	result := Build(Input{
		ContextWindow: 100_000,
		SystemPrompt:  "sys",
		Active: []timeline.Entry{
			messageEntry(1, timeline.RoleUser, timeline.MessagePrompt, "old", false),
		},
		UserInput: "fresh input",
	})
	if len(result.Suffix) != 2 {
		t.Fatalf("expected unsynced entry then user input, got %d", len(result.Suffix))
	}
	last := result.Suffix[len(result.Suffix)-1]
	if last.Role != RoleUser || last.Text != "fresh input" {
		t.Fatalf("expected user input last, got %+v", last)
	}
}

func TestBuildRetrievalGating(t *testing.T) {
	hit := ScoredEntry{
		Entry: messageEntry(2, timeline.RoleUser, timeline.MessagePrompt, "admin panel found at 10.1.2.3:8443", true),
		Score: 0.9,
	}

	// Small conversation: retrieval stays out.
	small := Build(Input{
		ContextWindow: 200_000,
		SystemPrompt:  "sys",
		Active: []timeline.Entry{
			messageEntry(10, timeline.RoleUser, timeline.MessagePrompt, "short", true),
		},
		Retrieved: []ScoredEntry{hit},
	})
	for _, msg := range small.Suffix {
		if strings.Contains(msg.Text, "admin panel") {
			t.Fatal("expected no retrieval block below the recent budget")
		}
	}

	// Blow past the recent budget with a huge entry; retrieval comes in.
	big := Build(Input{
		ContextWindow: 10_000,
		SystemPrompt:  "sys",
		Active: []timeline.Entry{
			messageEntry(10, timeline.RoleUser, timeline.MessagePrompt, strings.Repeat("data ", 6000), true),
		},
		Retrieved: []ScoredEntry{hit},
	})
	found := false
	for _, msg := range big.Suffix {
		if strings.Contains(msg.Text, "admin panel") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected retrieval block once the recent budget is exceeded")
	}
}

func TestMapCompactionTruncates(t *testing.T) {
	comp := timeline.Compaction{Summary: strings.Repeat("s", 1000)}
	msg := MapCompaction(comp, 10)
	if len(msg.Text) >= 1000 {
		t.Fatalf("expected truncated summary, got %d chars", len(msg.Text))
	}
}

func TestActiveEntries(t *testing.T) {
	entries := []timeline.Entry{
		messageEntry(1, timeline.RoleUser, timeline.MessagePrompt, "a", true),
		messageEntry(2, timeline.RoleUser, timeline.MessagePrompt, "b", true),
		messageEntry(3, timeline.RoleUser, timeline.MessagePrompt, "c", true),
	}
	active := ActiveEntries(entries, &timeline.Compaction{UpToPosition: 2})
	if len(active) != 1 || active[0].Position != 3 {
		t.Fatalf("unexpected active entries: %+v", active)
	}
	if got := ActiveEntries(entries, nil); len(got) != 3 {
		t.Fatalf("expected all entries without compaction, got %d", len(got))
	}
}
