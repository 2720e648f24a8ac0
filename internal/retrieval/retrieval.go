// Package retrieval surfaces relevant historical entries that have scrolled
// out of the assembled context. Scoring is plain keyword overlap; entries
// already in the active window are excluded by the caller.
package retrieval

import (
	"context"
	"sort"
	"strings"

	"github.com/flitsinc/go-tracks/internal/assemble"
	"github.com/flitsinc/go-tracks/internal/state"
	"github.com/flitsinc/go-tracks/internal/timeline"
)

const (
	minTermLength = 3
	minScore      = 0.2
)

type Scorer struct {
	store *state.Store
}

func NewScorer(store *state.Store) *Scorer {
	return &Scorer{store: store}
}

// Retrieve returns up to limit historical entries ranked by term overlap
// with the query. Results below the score floor are dropped.
func (s *Scorer) Retrieve(ctx context.Context, trackID, query string, exclude map[int64]bool, limit int) ([]assemble.ScoredEntry, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	entries, err := s.store.ReadEntriesFrom(ctx, trackID, 0)
	if err != nil {
		return nil, err
	}

	var hits []assemble.ScoredEntry
	for _, entry := range entries {
		if exclude[entry.Position] {
			continue
		}
		score := Score(terms, entryText(entry))
		if score < minScore {
			continue
		}
		hits = append(hits, assemble.ScoredEntry{Entry: entry, Score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		// Newer first among equals.
		return hits[i].Entry.Position > hits[j].Entry.Position
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Score is the fraction of query terms present in the text.
func Score(terms map[string]bool, text string) float64 {
	if len(terms) == 0 || text == "" {
		return 0
	}
	present := map[string]bool{}
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,;:!?()[]{}\"'`")
		if terms[word] {
			present[word] = true
		}
	}
	return float64(len(present)) / float64(len(terms))
}

func tokenize(query string) map[string]bool {
	terms := map[string]bool{}
	for _, word := range strings.Fields(strings.ToLower(query)) {
		word = strings.Trim(word, ".,;:!?()[]{}\"'`")
		if len(word) >= minTermLength {
			terms[word] = true
		}
	}
	return terms
}

func entryText(entry timeline.Entry) string {
	switch entry.Kind {
	case timeline.EntryMessage:
		if entry.Message != nil {
			return entry.Message.Text
		}
	case timeline.EntryToolInvocation:
		if entry.Tool != nil {
			return entry.Tool.Name + " " + string(entry.Tool.Arguments) + " " + entry.Tool.Result
		}
	case timeline.EntryConsoleContext:
		if entry.Console != nil {
			return entry.Console.Content
		}
	}
	return ""
}
