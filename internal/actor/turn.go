package actor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flitsinc/go-tracks/internal/ai"
	"github.com/flitsinc/go-tracks/internal/assemble"
	"github.com/flitsinc/go-tracks/internal/compaction"
	"github.com/flitsinc/go-tracks/internal/notify"
	"github.com/flitsinc/go-tracks/internal/timeline"
)

// ErrTurnInFlight is returned when a prompt arrives while the track already
// has a non-terminal turn.
var ErrTurnInFlight = errors.New("turn already in flight")

const retrievalLimit = 5

// turnRun carries the per-turn mutable state shared between the stream loop
// and the tool handler. Tool calls arrive sequentially within one stream, so
// plain fields suffice.
type turnRun struct {
	turn       timeline.Turn
	responseID string
	appended   []int64
	status     timeline.TurnStatus
}

// Prompt starts a new turn from user input. It returns once the turn record
// and the prompt entry are durable; streaming continues in the background.
func (a *Actor) Prompt(ctx context.Context, input string, trigger timeline.TurnTrigger) (timeline.Turn, error) {
	if strings.TrimSpace(input) == "" {
		return timeline.Turn{}, fmt.Errorf("prompt is required")
	}
	if trigger == "" {
		trigger = timeline.TriggerUserPrompt
	}

	track, err := a.store.GetTrack(ctx, a.trackID)
	if err != nil {
		return timeline.Turn{}, err
	}

	a.mu.Lock()
	if a.activeTurn != "" {
		a.mu.Unlock()
		return timeline.Turn{}, ErrTurnInFlight
	}
	turn, err := a.store.CreateTurn(ctx, a.trackID, trigger, track.Model, track.ApprovalMode)
	if err != nil {
		a.mu.Unlock()
		return timeline.Turn{}, err
	}
	if _, err := a.appendLocked(ctx, timeline.Entry{
		Kind:    timeline.EntryMessage,
		TurnID:  turn.ID,
		Message: &timeline.Message{Role: timeline.RoleUser, Kind: timeline.MessagePrompt, Text: input},
	}); err != nil {
		a.mu.Unlock()
		return timeline.Turn{}, err
	}

	// The turn outlives the request; cancellation happens through Cancel.
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.activeTurn = turn.ID
	a.cancelTurn = cancel
	a.mu.Unlock()

	go a.runTurn(turnCtx, turn, input)
	return turn, nil
}

func (a *Actor) runTurn(ctx context.Context, turn timeline.Turn, input string) {
	defer func() {
		a.mu.Lock()
		a.activeTurn = ""
		if a.cancelTurn != nil {
			a.cancelTurn()
			a.cancelTurn = nil
		}
		a.mu.Unlock()
		a.flushConsole(context.WithoutCancel(ctx))
		if a.compactor != nil {
			a.compactor.Check(context.WithoutCancel(ctx), a.trackID, a.contextWindow)
		}
	}()

	run := &turnRun{turn: turn, status: timeline.TurnPending}
	if err := a.advanceTurn(ctx, run, timeline.TurnStreaming); err != nil {
		a.failTurn(ctx, run, err)
		return
	}

	build, err := a.buildContext(ctx, input)
	if err != nil {
		a.failTurn(ctx, run, err)
		return
	}
	if limit := compaction.ThresholdsFor(a.contextWindow).HardLimit; build.TokenEstimate >= limit && a.compactor != nil {
		// Past the point where assembly quality degrades; get a summary
		// going now instead of waiting for the post-turn check.
		a.logger.Printf("track %s: context estimate %d over hard limit %d", a.trackID, build.TokenEstimate, limit)
		a.compactor.Check(ctx, a.trackID, a.contextWindow)
	}

	resp, err := a.store.CreateResponse(ctx, turn.ID, turn.Model)
	if err != nil {
		a.failTurn(ctx, run, err)
		return
	}
	run.responseID = resp.ID

	req := ai.StreamRequest{
		Model:        turn.Model,
		SystemPrompt: a.systemPrompt,
		Messages:     build.Messages(),
	}
	if a.tools != nil {
		req.Tools = a.tools.Defs()
	}

	onText := func(snapshot string) {
		if a.bus == nil {
			return
		}
		a.bus.Publish(notify.Notification{
			Kind:    notify.KindStreamContent,
			TrackID: a.trackID,
			TurnID:  turn.ID,
			Content: snapshot,
		})
	}
	onTool := func(toolCtx context.Context, req ai.ToolRequest) (string, error) {
		return a.handleToolCall(toolCtx, run, req)
	}

	result, err := a.streamer.Stream(ctx, req, onText, onTool)
	if err != nil {
		// A cancelled stream leaves nothing behind; streamed partial text
		// was never persisted.
		a.failTurn(ctx, run, err)
		return
	}

	if result.Text != "" {
		a.mu.Lock()
		entry, appendErr := a.appendLocked(ctx, timeline.Entry{
			Kind:       timeline.EntryMessage,
			TurnID:     turn.ID,
			ResponseID: run.responseID,
			Message:    &timeline.Message{Role: timeline.RoleAssistant, Kind: timeline.MessageResponse, Text: result.Text},
		})
		a.mu.Unlock()
		if appendErr != nil {
			a.failTurn(ctx, run, appendErr)
			return
		}
		run.appended = append(run.appended, entry.Position)
	}

	if err := a.store.FinalizeResponseUsage(ctx, run.responseID, result.Usage, nil); err != nil {
		a.logger.Printf("track %s: finalize usage: %v", a.trackID, err)
	}

	// The provider accepted everything we sent plus what the turn produced;
	// all of it belongs to the cache-stable prefix of the next request.
	synced := append(append([]int64{}, build.SuffixPositions...), run.appended...)
	if err := a.store.MarkEntriesSynced(ctx, a.trackID, synced); err != nil {
		a.logger.Printf("track %s: mark synced: %v", a.trackID, err)
	}

	if err := a.advanceTurn(ctx, run, timeline.TurnFinished); err != nil {
		a.logger.Printf("track %s: finish turn %s: %v", a.trackID, turn.ID, err)
	}
}

// buildContext assembles the provider request from a consistent snapshot.
// The prompt entry is already appended unsynced, so it rides in the suffix.
func (a *Actor) buildContext(ctx context.Context, input string) (assemble.Result, error) {
	comp, err := a.store.LatestCompaction(ctx, a.trackID)
	if err != nil {
		return assemble.Result{}, err
	}
	var fromPos int64
	if comp != nil {
		fromPos = comp.UpToPosition
	}
	active, err := a.store.ReadEntriesFrom(ctx, a.trackID, fromPos)
	if err != nil {
		return assemble.Result{}, err
	}

	var retrieved []assemble.ScoredEntry
	if a.retriever != nil {
		exclude := make(map[int64]bool, len(active))
		for _, entry := range active {
			exclude[entry.Position] = true
		}
		retrieved, err = a.retriever.Retrieve(ctx, a.trackID, input, exclude, retrievalLimit)
		if err != nil {
			a.logger.Printf("track %s: retrieval: %v", a.trackID, err)
			retrieved = nil
		}
	}

	return assemble.Build(assemble.Input{
		ContextWindow: a.contextWindow,
		SystemPrompt:  a.systemPrompt,
		Compaction:    comp,
		Active:        active,
		Retrieved:     retrieved,
	}), nil
}

// handleToolCall runs inside the stream, between two provider calls. It
// records the invocation, gates it on approval when required, executes it
// and swaps in a fresh response row for the segment that follows.
func (a *Actor) handleToolCall(ctx context.Context, run *turnRun, req ai.ToolRequest) (string, error) {
	a.mu.Lock()
	entry, err := a.appendLocked(ctx, timeline.Entry{
		Kind:       timeline.EntryToolInvocation,
		TurnID:     run.turn.ID,
		ResponseID: run.responseID,
		Tool: &timeline.ToolInvocation{
			CallID:    req.CallID,
			Name:      req.Name,
			Arguments: req.Arguments,
			Status:    timeline.ToolPending,
		},
	})
	a.mu.Unlock()
	if err != nil {
		return "", err
	}
	run.appended = append(run.appended, entry.Position)
	a.publishToolStatus(run.turn.ID, req.CallID, timeline.ToolPending)

	inv := *entry.Tool
	if run.turn.ApprovalMode == timeline.ApprovalRequired {
		decision, err := a.awaitApproval(ctx, run, req.CallID)
		if err != nil {
			return "", err
		}
		if !decision.approved {
			inv.Status = timeline.ToolDenied
			inv.DenialReason = decision.reason
			if err := a.store.UpdateToolInvocation(ctx, entry.ID, inv); err != nil {
				return "", err
			}
			a.publishToolStatus(run.turn.ID, req.CallID, timeline.ToolDenied)
			if err := a.advanceTurn(ctx, run, timeline.TurnStreaming); err != nil {
				return "", err
			}
			// The continuation after a denial is a new provider call too.
			resp, err := a.store.CreateResponse(ctx, run.turn.ID, run.turn.Model)
			if err != nil {
				return "", err
			}
			run.responseID = resp.ID
			reason := decision.reason
			if reason == "" {
				reason = "denied by operator"
			}
			return fmt.Sprintf("Tool call denied: %s", reason), nil
		}
	}

	inv.Status = timeline.ToolApproved
	if err := a.store.UpdateToolInvocation(ctx, entry.ID, inv); err != nil {
		return "", err
	}
	a.publishToolStatus(run.turn.ID, req.CallID, timeline.ToolApproved)
	if err := a.advanceTurn(ctx, run, timeline.TurnExecutingTools); err != nil {
		return "", err
	}

	inv.Status = timeline.ToolExecuting
	if err := a.store.UpdateToolInvocation(ctx, entry.ID, inv); err != nil {
		return "", err
	}
	a.publishToolStatus(run.turn.ID, req.CallID, timeline.ToolExecuting)

	result, inv := a.executeTool(ctx, inv, req)
	if err := a.store.UpdateToolInvocation(ctx, entry.ID, inv); err != nil {
		return "", err
	}
	a.publishToolStatus(run.turn.ID, req.CallID, inv.Status)

	if err := a.advanceTurn(ctx, run, timeline.TurnStreaming); err != nil {
		return "", err
	}
	resp, err := a.store.CreateResponse(ctx, run.turn.ID, run.turn.Model)
	if err != nil {
		return "", err
	}
	run.responseID = resp.ID

	switch inv.Status {
	case timeline.ToolSuccess:
		return result, nil
	case timeline.ToolTimeout:
		return "Error: timed out", nil
	}
	return fmt.Sprintf("Error: %s", inv.Error), nil
}

func (a *Actor) awaitApproval(ctx context.Context, run *turnRun, callID string) (approvalDecision, error) {
	ch := make(chan approvalDecision, 1)
	a.mu.Lock()
	a.approvals[callID] = ch
	a.mu.Unlock()

	if err := a.advanceTurn(ctx, run, timeline.TurnPendingApproval); err != nil {
		a.dropApproval(callID)
		return approvalDecision{}, err
	}

	select {
	case decision := <-ch:
		return decision, nil
	case <-ctx.Done():
		a.dropApproval(callID)
		return approvalDecision{}, ctx.Err()
	}
}

func (a *Actor) dropApproval(callID string) {
	a.mu.Lock()
	delete(a.approvals, callID)
	a.mu.Unlock()
}

func (a *Actor) executeTool(ctx context.Context, inv timeline.ToolInvocation, req ai.ToolRequest) (string, timeline.ToolInvocation) {
	execCtx, cancel := context.WithTimeout(ctx, a.toolTimeout)
	defer cancel()

	started := time.Now()
	var result string
	var err error
	if a.tools == nil {
		err = fmt.Errorf("no tools registered")
	} else {
		result, err = a.tools.Execute(execCtx, req.Name, req.Arguments)
	}
	inv.Duration = time.Since(started)

	switch {
	case err == nil:
		inv.Status = timeline.ToolSuccess
		inv.Result = result
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		// A timeout carries only its duration; the mapping layer renders it.
		inv.Status = timeline.ToolTimeout
	default:
		inv.Status = timeline.ToolError
		inv.Error = err.Error()
	}
	return result, inv
}

// advanceTurn persists a turn status change and broadcasts it.
func (a *Actor) advanceTurn(ctx context.Context, run *turnRun, to timeline.TurnStatus) error {
	if err := a.store.UpdateTurnStatus(ctx, run.turn.ID, to); err != nil {
		return err
	}
	run.status = to
	a.publishTurnStatus(run.turn.ID, to)
	return nil
}

// failTurn closes out a turn that cannot continue. Cancellation maps to
// interrupted, everything else to error.
func (a *Actor) failTurn(ctx context.Context, run *turnRun, cause error) {
	status := timeline.TurnError
	if errors.Is(cause, context.Canceled) || ctx.Err() != nil {
		status = timeline.TurnInterrupted
	}
	a.logger.Printf("track %s: turn %s -> %s: %v", a.trackID, run.turn.ID, status, cause)
	closeCtx := context.WithoutCancel(ctx)
	if err := a.store.UpdateTurnStatus(closeCtx, run.turn.ID, status); err != nil {
		a.logger.Printf("track %s: close turn %s: %v", a.trackID, run.turn.ID, err)
		return
	}
	a.publishTurnStatus(run.turn.ID, status)
}
