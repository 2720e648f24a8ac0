package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/flitsinc/go-tracks/internal/idgen"
	"github.com/flitsinc/go-tracks/internal/timeline"
)

// ErrStorageFailure marks durable read/write failures. Callers that hit it
// must abort the in-flight operation without advancing any in-memory
// counters.
var ErrStorageFailure = errors.New("storage failure")

type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageFailure }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// Store persists the conversation timeline. It provides read-your-writes
// consistency per track; ordering semantics live in the coordination actor,
// which is the only caller allowed to choose entry positions.
type Store struct {
	db    *sql.DB
	nowFn func() time.Time
}

type Option func(*Store)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) now() time.Time { return s.nowFn().UTC() }

func (s *Store) CreateTrack(ctx context.Context, model string, mode timeline.ApprovalMode) (timeline.Track, error) {
	if strings.TrimSpace(model) == "" {
		return timeline.Track{}, fmt.Errorf("model is required")
	}
	if mode == "" {
		mode = timeline.ApprovalRequired
	}
	id := idgen.New()
	now := s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO tracks (id, model, approval_mode, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, model, string(mode), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return timeline.Track{}, storageErr("insert track", err)
	}
	return timeline.Track{ID: id, Model: model, ApprovalMode: mode, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Store) GetTrack(ctx context.Context, trackID string) (timeline.Track, error) {
	var track timeline.Track
	var mode, createdAtStr, updatedAtStr string
	row := s.db.QueryRowContext(ctx, `SELECT id, model, approval_mode, created_at, updated_at FROM tracks WHERE id = ?`, trackID)
	if err := row.Scan(&track.ID, &track.Model, &mode, &createdAtStr, &updatedAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return timeline.Track{}, fmt.Errorf("track not found")
		}
		return timeline.Track{}, storageErr("load track", err)
	}
	track.ApprovalMode = timeline.ApprovalMode(mode)
	track.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	track.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return track, nil
}

func (s *Store) ListTracks(ctx context.Context) ([]timeline.Track, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, model, approval_mode, created_at, updated_at FROM tracks ORDER BY created_at ASC`)
	if err != nil {
		return nil, storageErr("list tracks", err)
	}
	defer rows.Close()

	var out []timeline.Track
	for rows.Next() {
		var track timeline.Track
		var mode, createdAtStr, updatedAtStr string
		if err := rows.Scan(&track.ID, &track.Model, &mode, &createdAtStr, &updatedAtStr); err != nil {
			return nil, storageErr("scan track", err)
		}
		track.ApprovalMode = timeline.ApprovalMode(mode)
		track.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		track.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
		out = append(out, track)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate tracks", err)
	}
	return out, nil
}

func (s *Store) SetTrackModel(ctx context.Context, trackID, model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model is required")
	}
	return s.updateTrack(ctx, trackID, "model", model)
}

func (s *Store) SetApprovalMode(ctx context.Context, trackID string, mode timeline.ApprovalMode) error {
	if mode != timeline.ApprovalRequired && mode != timeline.Autonomous {
		return fmt.Errorf("unknown approval mode %q", mode)
	}
	return s.updateTrack(ctx, trackID, "approval_mode", string(mode))
}

func (s *Store) updateTrack(ctx context.Context, trackID, column, value string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE tracks SET %s = ?, updated_at = ? WHERE id = ?`, column),
		value, s.now().Format(time.RFC3339Nano), trackID)
	if err != nil {
		return storageErr("update track", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("update track rows affected", err)
	}
	if affected == 0 {
		return fmt.Errorf("track not found")
	}
	return nil
}

func (s *Store) CreateTurn(ctx context.Context, trackID string, trigger timeline.TurnTrigger, model string, mode timeline.ApprovalMode) (timeline.Turn, error) {
	var maxSeq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM turns WHERE track_id = ?`, trackID).Scan(&maxSeq); err != nil {
		return timeline.Turn{}, storageErr("load max turn seq", err)
	}
	turn := timeline.Turn{
		ID:           idgen.New(),
		TrackID:      trackID,
		Seq:          maxSeq.Int64 + 1,
		Trigger:      trigger,
		Status:       timeline.TurnPending,
		Model:        model,
		ApprovalMode: mode,
		CreatedAt:    s.now(),
	}
	turn.UpdatedAt = turn.CreatedAt
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (id, track_id, seq, trigger_kind, status, model, approval_mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, turn.ID, turn.TrackID, turn.Seq, string(turn.Trigger), string(turn.Status), turn.Model, string(turn.ApprovalMode),
		turn.CreatedAt.Format(time.RFC3339Nano), turn.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return timeline.Turn{}, storageErr("insert turn", err)
	}
	return turn, nil
}

func (s *Store) GetTurn(ctx context.Context, turnID string) (timeline.Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, track_id, seq, trigger_kind, status, model, approval_mode, created_at, updated_at
		FROM turns WHERE id = ?
	`, turnID)
	turn, err := scanTurn(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return timeline.Turn{}, fmt.Errorf("turn not found")
		}
		return timeline.Turn{}, storageErr("load turn", err)
	}
	return turn, nil
}

// UpdateTurnStatus advances a turn through the state machine, rejecting
// transitions not in the allowed table. The guarded UPDATE keeps concurrent
// writers from racing past the check.
func (s *Store) UpdateTurnStatus(ctx context.Context, turnID string, to timeline.TurnStatus) error {
	turn, err := s.GetTurn(ctx, turnID)
	if err != nil {
		return err
	}
	if turn.Status == to {
		return nil
	}
	if err := timeline.CheckTurnTransition(turn.Status, to); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE turns SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), s.now().Format(time.RFC3339Nano), turnID, string(turn.Status))
	if err != nil {
		return storageErr("update turn status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("update turn status rows affected", err)
	}
	if affected == 0 {
		latest, err := s.GetTurn(ctx, turnID)
		if err != nil {
			return err
		}
		if latest.Status == to {
			return nil
		}
		return &timeline.TransitionError{Subject: "turn", From: string(latest.Status), To: string(to)}
	}
	return nil
}

// LatestNonTerminalTurn returns the most recent turn still in flight, if
// any. Used by actor restart recovery.
func (s *Store) LatestNonTerminalTurn(ctx context.Context, trackID string) (timeline.Turn, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, track_id, seq, trigger_kind, status, model, approval_mode, created_at, updated_at
		FROM turns
		WHERE track_id = ? AND status NOT IN (?, ?, ?)
		ORDER BY seq DESC LIMIT 1
	`, trackID, string(timeline.TurnFinished), string(timeline.TurnError), string(timeline.TurnInterrupted))
	turn, err := scanTurn(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return timeline.Turn{}, false, nil
		}
		return timeline.Turn{}, false, storageErr("load non-terminal turn", err)
	}
	return turn, true, nil
}

func (s *Store) CreateResponse(ctx context.Context, turnID, model string) (timeline.LLMResponse, error) {
	resp := timeline.LLMResponse{
		ID:        idgen.New(),
		TurnID:    turnID,
		Model:     model,
		CreatedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_responses (id, turn_id, model, created_at) VALUES (?, ?, ?, ?)
	`, resp.ID, resp.TurnID, resp.Model, resp.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return timeline.LLMResponse{}, storageErr("insert llm response", err)
	}
	return resp, nil
}

// FinalizeResponseUsage records the normalized token counts and the opaque
// provider cache blob once the call completes. The only permitted mutation
// of a response row.
func (s *Store) FinalizeResponseUsage(ctx context.Context, responseID string, usage timeline.TokenUsage, cacheContext []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE llm_responses
		SET input_tokens = ?, output_tokens = ?, cache_read_tokens = ?, cache_creation_tokens = ?, cache_context = ?
		WHERE id = ?
	`, usage.Input, usage.Output, usage.CacheRead, usage.CacheCreation, cacheContext, responseID)
	if err != nil {
		return storageErr("finalize response usage", err)
	}
	return nil
}

func (s *Store) ListResponses(ctx context.Context, turnID string) ([]timeline.LLMResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, turn_id, model, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, cache_context, created_at
		FROM llm_responses WHERE turn_id = ? ORDER BY created_at ASC, id ASC
	`, turnID)
	if err != nil {
		return nil, storageErr("list responses", err)
	}
	defer rows.Close()

	var out []timeline.LLMResponse
	for rows.Next() {
		var resp timeline.LLMResponse
		var createdAtStr string
		if err := rows.Scan(&resp.ID, &resp.TurnID, &resp.Model, &resp.Usage.Input, &resp.Usage.Output,
			&resp.Usage.CacheRead, &resp.Usage.CacheCreation, &resp.CacheContext, &createdAtStr); err != nil {
			return nil, storageErr("scan response", err)
		}
		resp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, resp)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate responses", err)
	}
	return out, nil
}

// MaxPosition returns the highest assigned entry position for a track, or 0
// when the timeline is empty.
func (s *Store) MaxPosition(ctx context.Context, trackID string) (int64, error) {
	var maxPos sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(position) FROM entries WHERE track_id = ?`, trackID).Scan(&maxPos); err != nil {
		return 0, storageErr("load max position", err)
	}
	return maxPos.Int64, nil
}

// AppendEntry durably writes an entry at the position already chosen by the
// caller. The unique (track_id, position) index is the last line of defense
// against a second writer.
func (s *Store) AppendEntry(ctx context.Context, entry timeline.Entry) error {
	if entry.Position <= 0 {
		return fmt.Errorf("entry position must be positive")
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	contentJSON, err := encodeContent(entry)
	if err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entries (id, track_id, position, kind, turn_id, response_id, synced, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.TrackID, entry.Position, string(entry.Kind), nullString(entry.TurnID), nullString(entry.ResponseID),
		boolInt(entry.Synced), contentJSON, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("append entry", err)
	}
	return nil
}

// ReadEntriesFrom returns all entries with position strictly greater than
// fromPosition, in position order.
func (s *Store) ReadEntriesFrom(ctx context.Context, trackID string, fromPosition int64) ([]timeline.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, track_id, position, kind, turn_id, response_id, synced, content, created_at
		FROM entries
		WHERE track_id = ? AND position > ?
		ORDER BY position ASC
	`, trackID, fromPosition)
	if err != nil {
		return nil, storageErr("read entries", err)
	}
	defer rows.Close()

	var out []timeline.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate entries", err)
	}
	return out, nil
}

func (s *Store) GetEntry(ctx context.Context, entryID string) (timeline.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, track_id, position, kind, turn_id, response_id, synced, content, created_at
		FROM entries WHERE id = ?
	`, entryID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return timeline.Entry{}, fmt.Errorf("entry not found")
		}
		return timeline.Entry{}, err
	}
	return entry, nil
}

// UpdateToolInvocation replaces the tool content of an entry after checking
// the status transition is monotonic. Entries themselves stay immutable;
// only the attached invocation record may advance.
func (s *Store) UpdateToolInvocation(ctx context.Context, entryID string, inv timeline.ToolInvocation) error {
	entry, err := s.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.Kind != timeline.EntryToolInvocation || entry.Tool == nil {
		return fmt.Errorf("entry %s is not a tool invocation", entryID)
	}
	if entry.Tool.Status != inv.Status {
		if err := timeline.CheckToolTransition(entry.Tool.Status, inv.Status); err != nil {
			return err
		}
	}
	entry.Tool = &inv
	contentJSON, err := encodeContent(entry)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE entries SET content = ? WHERE id = ?`, contentJSON, entryID); err != nil {
		return storageErr("update tool invocation", err)
	}
	return nil
}

// MarkEntriesSynced flags entries as included in an accepted provider
// request, so future context builds place them in the cache-stable prefix.
func (s *Store) MarkEntriesSynced(ctx context.Context, trackID string, positions []int64) error {
	if len(positions) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(positions)), ",")
	args := []any{trackID}
	for _, pos := range positions {
		args = append(args, pos)
	}
	query := fmt.Sprintf(`UPDATE entries SET synced = 1 WHERE track_id = ? AND position IN (%s)`, placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return storageErr("mark entries synced", err)
	}
	return nil
}

func (s *Store) LatestCompaction(ctx context.Context, trackID string) (*timeline.Compaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, track_id, previous_id, summary, up_to_position, entries_covered, tokens_before, tokens_after, summarizer_model, duration_ns, created_at
		FROM compactions WHERE track_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, trackID)
	comp, err := scanCompaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("load latest compaction", err)
	}
	return &comp, nil
}

// AppendCompaction records a new compaction chained to the latest one.
// The cumulative coverage position must never move backward.
func (s *Store) AppendCompaction(ctx context.Context, comp timeline.Compaction) (timeline.Compaction, error) {
	if strings.TrimSpace(comp.Summary) == "" {
		return timeline.Compaction{}, fmt.Errorf("compaction summary is required")
	}
	latest, err := s.LatestCompaction(ctx, comp.TrackID)
	if err != nil {
		return timeline.Compaction{}, err
	}
	if latest != nil {
		if comp.UpToPosition < latest.UpToPosition {
			return timeline.Compaction{}, fmt.Errorf("compaction coverage regressed: %d < %d", comp.UpToPosition, latest.UpToPosition)
		}
		comp.PreviousID = latest.ID
	}
	if comp.ID == "" {
		comp.ID = ulid.Make().String()
	}
	if comp.CreatedAt.IsZero() {
		comp.CreatedAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO compactions (id, track_id, previous_id, summary, up_to_position, entries_covered, tokens_before, tokens_after, summarizer_model, duration_ns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, comp.ID, comp.TrackID, nullString(comp.PreviousID), comp.Summary, comp.UpToPosition, comp.EntriesCovered,
		comp.TokensBefore, comp.TokensAfter, comp.SummarizerModel, int64(comp.Duration), comp.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return timeline.Compaction{}, storageErr("insert compaction", err)
	}
	return comp, nil
}

func (s *Store) ListCompactions(ctx context.Context, trackID string) ([]timeline.Compaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, track_id, previous_id, summary, up_to_position, entries_covered, tokens_before, tokens_after, summarizer_model, duration_ns, created_at
		FROM compactions WHERE track_id = ?
		ORDER BY created_at ASC, id ASC
	`, trackID)
	if err != nil {
		return nil, storageErr("list compactions", err)
	}
	defer rows.Close()

	var out []timeline.Compaction
	for rows.Next() {
		comp, err := scanCompaction(rows)
		if err != nil {
			return nil, storageErr("scan compaction", err)
		}
		out = append(out, comp)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate compactions", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (timeline.Turn, error) {
	var turn timeline.Turn
	var trigger, status, mode, createdAtStr, updatedAtStr string
	if err := row.Scan(&turn.ID, &turn.TrackID, &turn.Seq, &trigger, &status, &turn.Model, &mode, &createdAtStr, &updatedAtStr); err != nil {
		return timeline.Turn{}, err
	}
	turn.Trigger = timeline.TurnTrigger(trigger)
	turn.Status = timeline.TurnStatus(status)
	turn.ApprovalMode = timeline.ApprovalMode(mode)
	turn.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	turn.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return turn, nil
}

func scanEntry(row rowScanner) (timeline.Entry, error) {
	var entry timeline.Entry
	var kind, contentStr, createdAtStr string
	var turnID, responseID sql.NullString
	var synced int
	if err := row.Scan(&entry.ID, &entry.TrackID, &entry.Position, &kind, &turnID, &responseID, &synced, &contentStr, &createdAtStr); err != nil {
		return timeline.Entry{}, err
	}
	entry.Kind = timeline.EntryKind(kind)
	entry.TurnID = turnID.String
	entry.ResponseID = responseID.String
	entry.Synced = synced != 0
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	if err := decodeContent(&entry, contentStr); err != nil {
		return timeline.Entry{}, err
	}
	return entry, nil
}

func scanCompaction(row rowScanner) (timeline.Compaction, error) {
	var comp timeline.Compaction
	var previousID sql.NullString
	var durationNS int64
	var createdAtStr string
	if err := row.Scan(&comp.ID, &comp.TrackID, &previousID, &comp.Summary, &comp.UpToPosition, &comp.EntriesCovered,
		&comp.TokensBefore, &comp.TokensAfter, &comp.SummarizerModel, &durationNS, &createdAtStr); err != nil {
		return timeline.Compaction{}, err
	}
	comp.PreviousID = previousID.String
	comp.Duration = time.Duration(durationNS)
	comp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	return comp, nil
}

func encodeContent(entry timeline.Entry) (string, error) {
	var v any
	switch entry.Kind {
	case timeline.EntryMessage:
		v = entry.Message
	case timeline.EntryToolInvocation:
		v = entry.Tool
	case timeline.EntryConsoleContext:
		v = entry.Console
	default:
		return "", fmt.Errorf("unknown entry kind %q", entry.Kind)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode entry content: %w", err)
	}
	return string(data), nil
}

func decodeContent(entry *timeline.Entry, contentStr string) error {
	switch entry.Kind {
	case timeline.EntryMessage:
		var msg timeline.Message
		if err := json.Unmarshal([]byte(contentStr), &msg); err != nil {
			return fmt.Errorf("decode message content: %w", err)
		}
		entry.Message = &msg
	case timeline.EntryToolInvocation:
		var inv timeline.ToolInvocation
		if err := json.Unmarshal([]byte(contentStr), &inv); err != nil {
			return fmt.Errorf("decode tool content: %w", err)
		}
		entry.Tool = &inv
	case timeline.EntryConsoleContext:
		var console timeline.ConsoleContext
		if err := json.Unmarshal([]byte(contentStr), &console); err != nil {
			return fmt.Errorf("decode console content: %w", err)
		}
		entry.Console = &console
	default:
		return fmt.Errorf("unknown entry kind %q", entry.Kind)
	}
	return nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
