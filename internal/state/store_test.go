package state_test

import (
	"context"
	"errors"
	"testing"

	"github.com/flitsinc/go-tracks/internal/state"
	"github.com/flitsinc/go-tracks/internal/testutil"
	"github.com/flitsinc/go-tracks/internal/timeline"
)

func newStore(t *testing.T) (*state.Store, func()) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	return state.NewStore(db), closeFn
}

func TestStoreTracks(t *testing.T) {
	store, closeFn := newStore(t)
	defer closeFn()
	ctx := context.Background()

	track, err := store.CreateTrack(ctx, "fast", "")
	if err != nil {
		t.Fatalf("create track: %v", err)
	}
	if track.ApprovalMode != timeline.ApprovalRequired {
		t.Fatalf("expected approval_required default, got %s", track.ApprovalMode)
	}

	if err := store.SetApprovalMode(ctx, track.ID, timeline.Autonomous); err != nil {
		t.Fatalf("set approval mode: %v", err)
	}
	if err := store.SetTrackModel(ctx, track.ID, "smart"); err != nil {
		t.Fatalf("set model: %v", err)
	}

	loaded, err := store.GetTrack(ctx, track.ID)
	if err != nil {
		t.Fatalf("get track: %v", err)
	}
	if loaded.Model != "smart" || loaded.ApprovalMode != timeline.Autonomous {
		t.Fatalf("unexpected track: %+v", loaded)
	}

	tracks, err := store.ListTracks(ctx)
	if err != nil {
		t.Fatalf("list tracks: %v", err)
	}
	if len(tracks) != 1 || tracks[0].ID != track.ID {
		t.Fatalf("expected track in list")
	}

	if err := store.SetApprovalMode(ctx, track.ID, "yolo"); err == nil {
		t.Fatal("expected unknown approval mode to be rejected")
	}
}

func TestAppendEntryPositions(t *testing.T) {
	store, closeFn := newStore(t)
	defer closeFn()
	ctx := context.Background()

	track, err := store.CreateTrack(ctx, "fast", timeline.Autonomous)
	if err != nil {
		t.Fatalf("create track: %v", err)
	}

	maxPos, err := store.MaxPosition(ctx, track.ID)
	if err != nil {
		t.Fatalf("max position: %v", err)
	}
	if maxPos != 0 {
		t.Fatalf("expected empty timeline, got max position %d", maxPos)
	}

	for i := int64(1); i <= 3; i++ {
		err := store.AppendEntry(ctx, timeline.Entry{
			TrackID:  track.ID,
			Position: i,
			Kind:     timeline.EntryMessage,
			Message:  &timeline.Message{Role: timeline.RoleUser, Kind: timeline.MessagePrompt, Text: "hello"},
		})
		if err != nil {
			t.Fatalf("append entry %d: %v", i, err)
		}
	}

	// A second write at an assigned position must fail on the unique index.
	err = store.AppendEntry(ctx, timeline.Entry{
		TrackID:  track.ID,
		Position: 2,
		Kind:     timeline.EntryMessage,
		Message:  &timeline.Message{Role: timeline.RoleUser, Kind: timeline.MessagePrompt, Text: "dup"},
	})
	if err == nil {
		t.Fatal("expected duplicate position to be rejected")
	}
	if !errors.Is(err, state.ErrStorageFailure) {
		t.Fatalf("expected storage failure, got %v", err)
	}

	entries, err := store.ReadEntriesFrom(ctx, track.ID, 1)
	if err != nil {
		t.Fatalf("read entries: %v", err)
	}
	if len(entries) != 2 || entries[0].Position != 2 || entries[1].Position != 3 {
		t.Fatalf("unexpected entries after position 1: %+v", entries)
	}
}

func TestTurnStatusGuard(t *testing.T) {
	store, closeFn := newStore(t)
	defer closeFn()
	ctx := context.Background()

	track, err := store.CreateTrack(ctx, "fast", timeline.Autonomous)
	if err != nil {
		t.Fatalf("create track: %v", err)
	}
	turn, err := store.CreateTurn(ctx, track.ID, timeline.TriggerUserPrompt, track.Model, track.ApprovalMode)
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	if turn.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", turn.Seq)
	}

	if err := store.UpdateTurnStatus(ctx, turn.ID, timeline.TurnFinished); err == nil {
		t.Fatal("expected pending -> finished to be rejected")
	}
	if err := store.UpdateTurnStatus(ctx, turn.ID, timeline.TurnStreaming); err != nil {
		t.Fatalf("pending -> streaming: %v", err)
	}
	if err := store.UpdateTurnStatus(ctx, turn.ID, timeline.TurnFinished); err != nil {
		t.Fatalf("streaming -> finished: %v", err)
	}
	if err := store.UpdateTurnStatus(ctx, turn.ID, timeline.TurnStreaming); err == nil {
		t.Fatal("expected terminal turn to reject transitions")
	}

	second, err := store.CreateTurn(ctx, track.ID, timeline.TriggerScheduled, track.Model, track.ApprovalMode)
	if err != nil {
		t.Fatalf("create second turn: %v", err)
	}
	if second.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", second.Seq)
	}

	inflight, ok, err := store.LatestNonTerminalTurn(ctx, track.ID)
	if err != nil {
		t.Fatalf("latest non-terminal: %v", err)
	}
	if !ok || inflight.ID != second.ID {
		t.Fatalf("expected second turn in flight")
	}
}

func TestUpdateToolInvocation(t *testing.T) {
	store, closeFn := newStore(t)
	defer closeFn()
	ctx := context.Background()

	track, err := store.CreateTrack(ctx, "fast", timeline.Autonomous)
	if err != nil {
		t.Fatalf("create track: %v", err)
	}
	entry := timeline.Entry{
		ID:       "tool-entry",
		TrackID:  track.ID,
		Position: 1,
		Kind:     timeline.EntryToolInvocation,
		Tool: &timeline.ToolInvocation{
			CallID: "call-1",
			Name:   "port_scan",
			Status: timeline.ToolPending,
		},
	}
	if err := store.AppendEntry(ctx, entry); err != nil {
		t.Fatalf("append entry: %v", err)
	}

	inv := *entry.Tool
	inv.Status = timeline.ToolExecuting
	if err := store.UpdateToolInvocation(ctx, entry.ID, inv); err == nil {
		t.Fatal("expected pending -> executing to be rejected")
	}

	inv.Status = timeline.ToolApproved
	if err := store.UpdateToolInvocation(ctx, entry.ID, inv); err != nil {
		t.Fatalf("approve: %v", err)
	}
	inv.Status = timeline.ToolExecuting
	if err := store.UpdateToolInvocation(ctx, entry.ID, inv); err != nil {
		t.Fatalf("execute: %v", err)
	}
	inv.Status = timeline.ToolSuccess
	inv.Result = "5 hosts found"
	if err := store.UpdateToolInvocation(ctx, entry.ID, inv); err != nil {
		t.Fatalf("succeed: %v", err)
	}

	loaded, err := store.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if loaded.Tool.Status != timeline.ToolSuccess || loaded.Tool.Result != "5 hosts found" {
		t.Fatalf("unexpected invocation: %+v", loaded.Tool)
	}
}

func TestMarkEntriesSynced(t *testing.T) {
	store, closeFn := newStore(t)
	defer closeFn()
	ctx := context.Background()

	track, err := store.CreateTrack(ctx, "fast", timeline.Autonomous)
	if err != nil {
		t.Fatalf("create track: %v", err)
	}
	for i := int64(1); i <= 3; i++ {
		err := store.AppendEntry(ctx, timeline.Entry{
			TrackID:  track.ID,
			Position: i,
			Kind:     timeline.EntryMessage,
			Message:  &timeline.Message{Role: timeline.RoleUser, Kind: timeline.MessagePrompt, Text: "x"},
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := store.MarkEntriesSynced(ctx, track.ID, []int64{1, 3}); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	entries, err := store.ReadEntriesFrom(ctx, track.ID, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []bool{true, false, true}
	for i, entry := range entries {
		if entry.Synced != want[i] {
			t.Fatalf("entry %d synced = %v, want %v", entry.Position, entry.Synced, want[i])
		}
	}
}

func TestCompactionChain(t *testing.T) {
	store, closeFn := newStore(t)
	defer closeFn()
	ctx := context.Background()

	track, err := store.CreateTrack(ctx, "fast", timeline.Autonomous)
	if err != nil {
		t.Fatalf("create track: %v", err)
	}

	latest, err := store.LatestCompaction(ctx, track.ID)
	if err != nil {
		t.Fatalf("latest compaction: %v", err)
	}
	if latest != nil {
		t.Fatal("expected no compaction yet")
	}

	first, err := store.AppendCompaction(ctx, timeline.Compaction{
		TrackID:      track.ID,
		Summary:      "first summary",
		UpToPosition: 10,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.PreviousID != "" {
		t.Fatalf("expected no previous id on first compaction")
	}

	_, err = store.AppendCompaction(ctx, timeline.Compaction{
		TrackID:      track.ID,
		Summary:      "regressed",
		UpToPosition: 5,
	})
	if err == nil {
		t.Fatal("expected coverage regression to be rejected")
	}

	second, err := store.AppendCompaction(ctx, timeline.Compaction{
		TrackID:      track.ID,
		Summary:      "second summary",
		UpToPosition: 20,
	})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.PreviousID != first.ID {
		t.Fatalf("expected chain to first compaction, got %q", second.PreviousID)
	}

	latest, err = store.LatestCompaction(ctx, track.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.ID != second.ID {
		t.Fatal("expected second compaction to be latest")
	}

	all, err := store.ListCompactions(ctx, track.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 compactions, got %d", len(all))
	}
}

func TestResponseUsage(t *testing.T) {
	store, closeFn := newStore(t)
	defer closeFn()
	ctx := context.Background()

	track, err := store.CreateTrack(ctx, "fast", timeline.Autonomous)
	if err != nil {
		t.Fatalf("create track: %v", err)
	}
	turn, err := store.CreateTurn(ctx, track.ID, timeline.TriggerUserPrompt, track.Model, track.ApprovalMode)
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	resp, err := store.CreateResponse(ctx, turn.ID, "claude-3-5-haiku-latest")
	if err != nil {
		t.Fatalf("create response: %v", err)
	}
	usage := timeline.TokenUsage{Input: 1200, Output: 300, CacheRead: 900}
	if err := store.FinalizeResponseUsage(ctx, resp.ID, usage, []byte(`{"k":"v"}`)); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	responses, err := store.ListResponses(ctx, turn.ID)
	if err != nil {
		t.Fatalf("list responses: %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(responses))
	}
	if responses[0].Usage != usage {
		t.Fatalf("unexpected usage: %+v", responses[0].Usage)
	}
	if string(responses[0].CacheContext) != `{"k":"v"}` {
		t.Fatalf("unexpected cache context: %q", responses[0].CacheContext)
	}
}
