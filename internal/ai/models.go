package ai

import "strings"

// contextWindows holds advertised context windows by model id prefix.
// Longest prefix wins. The default covers unknown models conservatively.
var contextWindows = []struct {
	prefix string
	tokens int
}{
	{"claude-3-opus", 200_000},
	{"claude-3-5", 200_000},
	{"claude-", 200_000},
	{"gpt-4o-mini", 128_000},
	{"gpt-4o", 128_000},
	{"gpt-4.1", 1_000_000},
	{"gpt-4-turbo", 128_000},
	{"gpt-4", 32_768},
	{"o1", 200_000},
	{"o3", 200_000},
	{"gemini-1.5-flash", 1_000_000},
	{"gemini-1.5-pro", 2_000_000},
	{"gemini-2", 1_000_000},
}

const defaultContextWindow = 128_000

// ContextWindowFor returns the context window for a model id or alias.
func ContextWindowFor(provider, model string) int {
	resolved := strings.ToLower(ResolveModelAlias(provider, model))
	best := 0
	tokens := defaultContextWindow
	for _, entry := range contextWindows {
		if strings.HasPrefix(resolved, entry.prefix) && len(entry.prefix) > best {
			best = len(entry.prefix)
			tokens = entry.tokens
		}
	}
	return tokens
}
