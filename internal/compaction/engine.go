// Package compaction shrinks long conversation timelines by replacing a
// prefix of entries with a cumulative summary. Covered entries stay in the
// log; only context assembly stops sending them to the provider.
package compaction

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/flitsinc/go-tracks/internal/assemble"
	"github.com/flitsinc/go-tracks/internal/notify"
	"github.com/flitsinc/go-tracks/internal/state"
	"github.com/flitsinc/go-tracks/internal/timeline"
)

// Thresholds are token counts derived from a model's context window.
// Crossing Trigger schedules a compaction; HardLimit is where assembly can
// no longer fit a request and quality degrades, so Trigger sits well below
// it. RecentWindow is the tail that is never summarized.
type Thresholds struct {
	Prepare      int
	Trigger      int
	HardLimit    int
	RecentWindow int
}

const (
	preparePct      = 60
	triggerPct      = 70
	hardLimitPct    = 80
	recentWindowPct = 30

	// minCandidateEntries keeps the engine from churning out summaries of
	// near-empty prefixes when a track is young but verbose.
	minCandidateEntries = 10
)

func ThresholdsFor(contextWindow int) Thresholds {
	return Thresholds{
		Prepare:      contextWindow * preparePct / 100,
		Trigger:      contextWindow * triggerPct / 100,
		HardLimit:    contextWindow * hardLimitPct / 100,
		RecentWindow: contextWindow * recentWindowPct / 100,
	}
}

// SelectCandidates splits active entries into a summarizable prefix and a
// protected recent tail. It walks backward from the newest entry until the
// tail holds recentWindowTokens, then returns everything older. The newest
// entry is always part of the tail, even when it alone exceeds the window.
// The second return is the highest candidate position, 0 when there are no
// candidates.
func SelectCandidates(entries []timeline.Entry, recentWindowTokens int) ([]timeline.Entry, int64) {
	if len(entries) == 0 {
		return nil, 0
	}
	tailTokens := 0
	cut := len(entries) - 1
	for i := len(entries) - 1; i >= 0; i-- {
		tailTokens += assemble.EstimateMessageTokens(assemble.MapEntry(entries[i]))
		if tailTokens > recentWindowTokens {
			break
		}
		cut = i
	}
	if cut == 0 {
		return nil, 0
	}
	candidates := entries[:cut]
	if len(candidates) < minCandidateEntries {
		return nil, 0
	}
	return candidates, candidates[len(candidates)-1].Position
}

type trackPhase string

const (
	phaseIdle       trackPhase = "idle"
	phaseScheduled  trackPhase = "scheduled"
	phaseInProgress trackPhase = "in_progress"
)

// Engine runs at most one compaction per track at a time. Triggers arriving
// while one is scheduled or running are dropped; the next turn's check
// re-evaluates pressure against the newest compaction anyway.
type Engine struct {
	store      *state.Store
	bus        *notify.Bus
	summarizer Summarizer
	model      string
	logger     *log.Logger

	mu     sync.Mutex
	phases map[string]trackPhase
}

func NewEngine(store *state.Store, bus *notify.Bus, summarizer Summarizer, model string, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		store:      store,
		bus:        bus,
		summarizer: summarizer,
		model:      model,
		logger:     logger,
		phases:     map[string]trackPhase{},
	}
}

func (e *Engine) Phase(trackID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	phase, ok := e.phases[trackID]
	if !ok {
		return string(phaseIdle)
	}
	return string(phase)
}

// Check measures context pressure for a track and schedules an async
// compaction when the estimated context size crosses the trigger threshold.
// It returns true when a run was scheduled.
func (e *Engine) Check(ctx context.Context, trackID string, contextWindow int) bool {
	if e.summarizer == nil {
		return false
	}
	thresholds := ThresholdsFor(contextWindow)

	latest, err := e.store.LatestCompaction(ctx, trackID)
	if err != nil {
		e.logger.Printf("compaction check %s: %v", trackID, err)
		return false
	}
	var fromPos int64
	summaryTokens := 0
	if latest != nil {
		fromPos = latest.UpToPosition
		summaryTokens = assemble.EstimateTokens(latest.Summary)
	}
	entries, err := e.store.ReadEntriesFrom(ctx, trackID, fromPos)
	if err != nil {
		e.logger.Printf("compaction check %s: %v", trackID, err)
		return false
	}
	total := summaryTokens
	for _, entry := range entries {
		total += assemble.EstimateMessageTokens(assemble.MapEntry(entry))
	}
	if total < thresholds.Trigger {
		return false
	}

	e.mu.Lock()
	if phase, ok := e.phases[trackID]; ok && phase != phaseIdle {
		e.mu.Unlock()
		return false
	}
	e.phases[trackID] = phaseScheduled
	e.mu.Unlock()

	go e.run(context.WithoutCancel(ctx), trackID, latest, entries, thresholds)
	return true
}

func (e *Engine) run(ctx context.Context, trackID string, previous *timeline.Compaction, entries []timeline.Entry, thresholds Thresholds) {
	e.setPhase(trackID, phaseInProgress)
	defer e.setPhase(trackID, phaseIdle)

	comp, err := e.compact(ctx, trackID, previous, entries, thresholds)
	if err != nil {
		e.logger.Printf("compaction %s failed: %v", trackID, err)
		return
	}
	if comp == nil {
		return
	}
	e.logger.Printf("compaction %s: %d entries up to position %d, ~%d -> ~%d tokens",
		trackID, comp.EntriesCovered, comp.UpToPosition, comp.TokensBefore, comp.TokensAfter)
	if e.bus != nil {
		e.bus.Publish(notify.Notification{
			Kind:     notify.KindCompaction,
			TrackID:  trackID,
			Position: comp.UpToPosition,
		})
	}
}

func (e *Engine) compact(ctx context.Context, trackID string, previous *timeline.Compaction, entries []timeline.Entry, thresholds Thresholds) (*timeline.Compaction, error) {
	candidates, upTo := SelectCandidates(entries, thresholds.RecentWindow)
	if len(candidates) == 0 {
		return nil, nil
	}

	input := renderTranscript(previous, candidates)
	tokensBefore := assemble.EstimateTokens(input)

	started := time.Now()
	summary, err := e.summarizer.Summarize(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	if strings.TrimSpace(summary) == "" {
		return nil, fmt.Errorf("summarizer returned empty summary")
	}

	comp := timeline.Compaction{
		TrackID:         trackID,
		Summary:         summary,
		UpToPosition:    upTo,
		EntriesCovered:  len(candidates),
		TokensBefore:    tokensBefore,
		TokensAfter:     assemble.EstimateTokens(summary),
		SummarizerModel: e.model,
		Duration:        time.Since(started),
	}
	saved, err := e.store.AppendCompaction(ctx, comp)
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (e *Engine) setPhase(trackID string, phase trackPhase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if phase == phaseIdle {
		delete(e.phases, trackID)
		return
	}
	e.phases[trackID] = phase
}

// renderTranscript flattens the previous summary plus candidate entries into
// the summarizer input. The previous summary leads so each compaction is
// cumulative over the whole covered history.
func renderTranscript(previous *timeline.Compaction, candidates []timeline.Entry) string {
	var sb strings.Builder
	if previous != nil {
		sb.WriteString("Summary of earlier conversation:\n")
		sb.WriteString(previous.Summary)
		sb.WriteString("\n\nTranscript since then:\n")
	} else {
		sb.WriteString("Transcript:\n")
	}
	for _, entry := range candidates {
		for _, msg := range assemble.MapEntry(entry) {
			if msg.ToolCall != nil {
				fmt.Fprintf(&sb, "[assistant called %s(%s)]\n", msg.ToolCall.Name, string(msg.ToolCall.Arguments))
				continue
			}
			if msg.Text == "" {
				continue
			}
			fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Text)
		}
	}
	return sb.String()
}
