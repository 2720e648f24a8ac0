package assemble

// Budget is the numeric allocation of a model's context window across the
// sections of a request. System and working-state shares are fixed token
// counts; the rest scale with the window, which varies by two orders of
// magnitude across models.
type Budget struct {
	ContextWindow   int
	System          int
	WorkingState    int
	Compaction      int
	Recent          int
	Retrieval       int
	ResponseReserve int
}

const (
	systemReserveTokens  = 3000
	workingStateTokens   = 2000
	compactionPct        = 15
	compactionCapTokens  = 12000
	recentPct            = 50
	retrievalPct         = 10
	responseReservePct   = 20
	minimumContextWindow = 8192
)

// AllocateBudget computes the per-section token budget for a context window.
// Windows below the minimum are clamped so the fixed allocations never
// exceed the window.
func AllocateBudget(contextWindow int) Budget {
	if contextWindow < minimumContextWindow {
		contextWindow = minimumContextWindow
	}
	compaction := contextWindow * compactionPct / 100
	if compaction > compactionCapTokens {
		compaction = compactionCapTokens
	}
	return Budget{
		ContextWindow:   contextWindow,
		System:          systemReserveTokens,
		WorkingState:    workingStateTokens,
		Compaction:      compaction,
		Recent:          contextWindow * recentPct / 100,
		Retrieval:       contextWindow * retrievalPct / 100,
		ResponseReserve: contextWindow * responseReservePct / 100,
	}
}

// EstimateTokens is the shared heuristic token estimate: roughly four
// characters per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}

// messageOverheadTokens accounts for per-message framing the provider adds.
const messageOverheadTokens = 4

func EstimateMessageTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += messageOverheadTokens + EstimateTokens(m.Text)
		if m.ToolCall != nil {
			total += EstimateTokens(m.ToolCall.Name) + EstimateTokens(string(m.ToolCall.Arguments))
		}
	}
	return total
}
