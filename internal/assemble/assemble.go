// Package assemble builds the exact ordered message list for a provider
// call, split into a cache-stable prefix and a dynamic suffix so that
// provider-side prompt caching survives across requests.
package assemble

import (
	"fmt"
	"strings"

	"github.com/flitsinc/go-tracks/internal/timeline"
)

// ScoredEntry is a retrieval hit over historical blocks, produced by an
// external scorer.
type ScoredEntry struct {
	Entry timeline.Entry
	Score float64
}

// Input is a consistent snapshot of track state plus the new user input.
// Build has no side effects and may run from any goroutine.
type Input struct {
	Track         timeline.Track
	ContextWindow int
	SystemPrompt  string
	Compaction    *timeline.Compaction
	// Active holds all entries beyond the latest compaction, position order.
	Active    []timeline.Entry
	Retrieved []ScoredEntry
	UserInput string
}

type Result struct {
	Prefix []Message
	Suffix []Message
	// SuffixPositions lists the unsynced entry positions included in the
	// suffix; the caller marks them synced once the provider accepts the
	// request, moving them into the prefix of the next call.
	SuffixPositions   []int64
	TokenEstimate     int
	CachePrefixTokens int
	Budget            Budget
}

func (r Result) Messages() []Message {
	out := make([]Message, 0, len(r.Prefix)+len(r.Suffix))
	out = append(out, r.Prefix...)
	out = append(out, r.Suffix...)
	return out
}

// Build assembles the request. Prefix order is fixed: system message, latest
// compaction summary, then synced active entries in position order. The
// suffix carries retrieval results, unsynced entries and the new user input,
// in that order, so nothing in it can invalidate the cached prefix.
func Build(in Input) Result {
	budget := AllocateBudget(in.ContextWindow)

	prefix := make([]Message, 0, len(in.Active)+2)
	prefix = append(prefix, Message{Role: RoleSystem, Text: in.SystemPrompt})
	if in.Compaction != nil {
		prefix = append(prefix, MapCompaction(*in.Compaction, budget.Compaction))
	}

	var unsynced []timeline.Entry
	activeTokens := 0
	for _, entry := range in.Active {
		mapped := MapEntry(entry)
		activeTokens += EstimateMessageTokens(mapped)
		if entry.Synced {
			prefix = append(prefix, mapped...)
		} else {
			unsynced = append(unsynced, entry)
		}
	}

	var suffix []Message
	if block, ok := retrievalBlock(in, budget, activeTokens); ok {
		suffix = append(suffix, block)
	}

	var suffixPositions []int64
	for _, entry := range unsynced {
		suffix = append(suffix, MapEntry(entry)...)
		suffixPositions = append(suffixPositions, entry.Position)
	}

	if in.UserInput != "" {
		suffix = append(suffix, Message{Role: RoleUser, Text: in.UserInput})
	}

	prefixTokens := EstimateMessageTokens(prefix)
	return Result{
		Prefix:            prefix,
		Suffix:            suffix,
		SuffixPositions:   suffixPositions,
		TokenEstimate:     prefixTokens + EstimateMessageTokens(suffix),
		CachePrefixTokens: prefixTokens,
		Budget:            budget,
	}
}

// retrievalBlock injects retrieval hits only when the conversation has grown
// past the recent-window budget, i.e. when useful history would otherwise be
// out of reach. Hits are rendered as one marked user message capped to the
// retrieval budget.
func retrievalBlock(in Input, budget Budget, activeTokens int) (Message, bool) {
	if len(in.Retrieved) == 0 {
		return Message{}, false
	}
	if activeTokens <= budget.Recent {
		return Message{}, false
	}
	var sb strings.Builder
	sb.WriteString("[recalled from earlier in this session]\n")
	used := EstimateTokens(sb.String())
	included := 0
	for _, hit := range in.Retrieved {
		for _, msg := range MapEntry(hit.Entry) {
			if msg.Text == "" {
				continue
			}
			cost := EstimateTokens(msg.Text)
			if used+cost > budget.Retrieval {
				break
			}
			fmt.Fprintf(&sb, "(%s) %s\n", msg.Role, msg.Text)
			used += cost
			included++
		}
	}
	if included == 0 {
		return Message{}, false
	}
	sb.WriteString("[end recall]")
	return Message{Role: RoleUser, Text: sb.String()}, true
}

// ActiveEntries filters a full read of the log down to entries beyond the
// latest compaction coverage.
func ActiveEntries(entries []timeline.Entry, comp *timeline.Compaction) []timeline.Entry {
	if comp == nil {
		return entries
	}
	out := make([]timeline.Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.Position > comp.UpToPosition {
			out = append(out, entry)
		}
	}
	return out
}
