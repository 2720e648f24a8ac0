// Package actor serializes all timeline writes for a track. Exactly one
// actor exists per track; it owns position assignment, the turn lifecycle
// and console-activity buffering, so readers never observe gaps or
// out-of-order positions.
package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/flitsinc/go-tracks/internal/ai"
	"github.com/flitsinc/go-tracks/internal/assemble"
	"github.com/flitsinc/go-tracks/internal/notify"
	"github.com/flitsinc/go-tracks/internal/state"
	"github.com/flitsinc/go-tracks/internal/timeline"
)

// Tools is the executable tool surface advertised to the model.
type Tools interface {
	Defs() []ai.ToolDef
	Execute(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Retriever scores historical entries against the current input.
type Retriever interface {
	Retrieve(ctx context.Context, trackID, query string, exclude map[int64]bool, limit int) ([]assemble.ScoredEntry, error)
}

// CompactionChecker is notified after each finished turn so it can measure
// context pressure and summarize in the background.
type CompactionChecker interface {
	Check(ctx context.Context, trackID string, contextWindow int) bool
}

type approvalDecision struct {
	approved bool
	reason   string
}

type bufferedConsole struct {
	content string
	source  string
}

// Actor is the single writer for one track. All mutations take mu; the
// position counter is loaded once from storage and then advanced only in
// memory, after each durable append succeeds.
type Actor struct {
	trackID       string
	store         *state.Store
	bus           *notify.Bus
	streamer      ai.Streamer
	tools         Tools
	retriever     Retriever
	compactor     CompactionChecker
	systemPrompt  string
	provider      string
	contextWindow int
	toolTimeout   time.Duration
	logger        *log.Logger

	mu         sync.Mutex
	nextPos    int64
	activeTurn string
	cancelTurn context.CancelFunc
	consoleBuf []bufferedConsole
	approvals  map[string]chan approvalDecision
}

type Options struct {
	Store         *state.Store
	Bus           *notify.Bus
	Streamer      ai.Streamer
	Tools         Tools
	Retriever     Retriever
	Compactor     CompactionChecker
	SystemPrompt  string
	Provider      string
	ContextWindow int
	ToolTimeout   time.Duration
	Logger        *log.Logger
}

func New(trackID string, opts Options) *Actor {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	toolTimeout := opts.ToolTimeout
	if toolTimeout <= 0 {
		toolTimeout = 2 * time.Minute
	}
	contextWindow := opts.ContextWindow
	if contextWindow <= 0 {
		contextWindow = 128_000
	}
	return &Actor{
		trackID:       trackID,
		store:         opts.Store,
		bus:           opts.Bus,
		streamer:      opts.Streamer,
		tools:         opts.Tools,
		retriever:     opts.Retriever,
		compactor:     opts.Compactor,
		systemPrompt:  opts.SystemPrompt,
		provider:      opts.Provider,
		contextWindow: contextWindow,
		toolTimeout:   toolTimeout,
		logger:        logger,
		approvals:     map[string]chan approvalDecision{},
	}
}

// Recover marks a turn left non-terminal by a previous process as
// interrupted and loads the position counter. Call once before first use.
func (a *Actor) Recover(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.loadPositionsLocked(ctx); err != nil {
		return err
	}
	turn, ok, err := a.store.LatestNonTerminalTurn(ctx, a.trackID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := a.store.UpdateTurnStatus(ctx, turn.ID, timeline.TurnInterrupted); err != nil {
		return fmt.Errorf("interrupt stale turn %s: %w", turn.ID, err)
	}
	a.logger.Printf("track %s: marked stale turn %s interrupted", a.trackID, turn.ID)
	a.publishTurnStatus(turn.ID, timeline.TurnInterrupted)
	return nil
}

func (a *Actor) loadPositionsLocked(ctx context.Context) error {
	if a.nextPos > 0 {
		return nil
	}
	maxPos, err := a.store.MaxPosition(ctx, a.trackID)
	if err != nil {
		return err
	}
	a.nextPos = maxPos + 1
	return nil
}

// appendLocked assigns the next position and durably writes the entry.
// The counter advances only after the write succeeds, so a storage failure
// leaves no gap.
func (a *Actor) appendLocked(ctx context.Context, entry timeline.Entry) (timeline.Entry, error) {
	if err := a.loadPositionsLocked(ctx); err != nil {
		return timeline.Entry{}, err
	}
	entry.TrackID = a.trackID
	entry.Position = a.nextPos
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if err := a.store.AppendEntry(ctx, entry); err != nil {
		return timeline.Entry{}, err
	}
	a.nextPos++
	a.publishEntry(entry)
	return entry, nil
}

// Append writes a caller-built entry outside any turn.
func (a *Actor) Append(ctx context.Context, entry timeline.Entry) (timeline.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.appendLocked(ctx, entry)
}

// RecordConsoleActivity records externally observed console output. While a
// turn is in flight the observation is buffered and flushed after the turn
// reaches a terminal state, so its position lands strictly after every entry
// the turn produced.
func (a *Actor) RecordConsoleActivity(ctx context.Context, content, source string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.activeTurn != "" {
		a.consoleBuf = append(a.consoleBuf, bufferedConsole{content: content, source: source})
		return nil
	}
	_, err := a.appendLocked(ctx, timeline.Entry{
		Kind:    timeline.EntryConsoleContext,
		Console: &timeline.ConsoleContext{Content: content, Source: source},
	})
	return err
}

// flushConsole drains buffered observations in arrival order. Runs after the
// owning turn is terminal.
func (a *Actor) flushConsole(ctx context.Context) {
	a.mu.Lock()
	buffered := a.consoleBuf
	a.consoleBuf = nil
	for _, obs := range buffered {
		if _, err := a.appendLocked(ctx, timeline.Entry{
			Kind:    timeline.EntryConsoleContext,
			Console: &timeline.ConsoleContext{Content: obs.content, Source: obs.source},
		}); err != nil {
			a.logger.Printf("track %s: flush console entry: %v", a.trackID, err)
		}
	}
	a.mu.Unlock()
}

// Approve resolves a pending tool approval.
func (a *Actor) Approve(callID string) error {
	return a.decide(callID, approvalDecision{approved: true})
}

// Deny resolves a pending tool approval negatively. The reason is fed back
// to the model, which continues the turn.
func (a *Actor) Deny(callID, reason string) error {
	return a.decide(callID, approvalDecision{approved: false, reason: reason})
}

func (a *Actor) decide(callID string, decision approvalDecision) error {
	a.mu.Lock()
	ch, ok := a.approvals[callID]
	if ok {
		delete(a.approvals, callID)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval for call %s", callID)
	}
	ch <- decision
	return nil
}

// Cancel interrupts the in-flight turn, if any. Streamed partial content is
// discarded; nothing from the aborted provider call reaches the timeline.
func (a *Actor) Cancel() bool {
	a.mu.Lock()
	cancel := a.cancelTurn
	a.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (a *Actor) ActiveTurn() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeTurn
}

func (a *Actor) publishEntry(entry timeline.Entry) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(notify.Notification{
		Kind:     notify.KindEntryCreated,
		TrackID:  a.trackID,
		TurnID:   entry.TurnID,
		EntryID:  entry.ID,
		Position: entry.Position,
	})
}

func (a *Actor) publishTurnStatus(turnID string, status timeline.TurnStatus) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(notify.Notification{
		Kind:    notify.KindTurnStatus,
		TrackID: a.trackID,
		TurnID:  turnID,
		Status:  string(status),
	})
}

func (a *Actor) publishToolStatus(turnID, callID string, status timeline.ToolStatus) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(notify.Notification{
		Kind:    notify.KindToolStatus,
		TrackID: a.trackID,
		TurnID:  turnID,
		CallID:  callID,
		Status:  string(status),
	})
}
