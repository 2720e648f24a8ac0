// Package api exposes the track service over HTTP: track CRUD, prompting,
// console capture, tool approvals and live notification streams.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/go-tracks/internal/actor"
	"github.com/flitsinc/go-tracks/internal/notify"
	"github.com/flitsinc/go-tracks/internal/state"
	"github.com/flitsinc/go-tracks/internal/timeline"
)

type Server struct {
	Store     *state.Store
	Registry  *actor.Registry
	Bus       *notify.Bus
	StartedAt time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/tracks", s.handleTracks)
	mux.HandleFunc("/api/tracks/", s.handleTrackItem)
	mux.HandleFunc("/api/stream/subscribe", s.handleStreamSubscribe)
	mux.HandleFunc("/api/stream/ws", s.handleStreamWS)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.StartedAt).Round(time.Second).String(),
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tracks, err := s.Store.ListTracks(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, tracks)
	case http.MethodPost:
		var payload struct {
			Model        string `json:"model"`
			ApprovalMode string `json:"approval_mode"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		track, err := s.Store.CreateTrack(r.Context(), payload.Model, timeline.ApprovalMode(payload.ApprovalMode))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, track)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleTrackItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tracks/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("track"))
		return
	}
	trackID := segments[0]
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		track, err := s.Store.GetTrack(r.Context(), trackID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, track)
		return
	}

	switch segments[1] {
	case "prompt":
		s.handlePrompt(w, r, trackID)
	case "console":
		s.handleConsole(w, r, trackID)
	case "cancel":
		s.handleCancel(w, r, trackID)
	case "entries":
		s.handleEntries(w, r, trackID)
	case "compactions":
		s.handleCompactions(w, r, trackID)
	case "model":
		s.handleSetModel(w, r, trackID)
	case "approval":
		s.handleSetApproval(w, r, trackID)
	case "tools":
		if len(segments) < 4 {
			writeError(w, http.StatusNotFound, errNotFound("tool action"))
			return
		}
		s.handleToolDecision(w, r, trackID, segments[2], segments[3])
	default:
		writeError(w, http.StatusNotFound, errNotFound("track action"))
	}
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request, trackID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Input   string `json:"input"`
		Trigger string `json:"trigger"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a, err := s.Registry.Get(r.Context(), trackID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	turn, err := a.Prompt(r.Context(), payload.Input, timeline.TurnTrigger(payload.Trigger))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, actor.ErrTurnInFlight) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, turn)
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request, trackID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Content string `json:"content"`
		Source  string `json:"source"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.Content) == "" {
		writeError(w, http.StatusBadRequest, errNotFound("console content"))
		return
	}
	a, err := s.Registry.Get(r.Context(), trackID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err := a.RecordConsoleActivity(r.Context(), payload.Content, payload.Source); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, trackID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	a, err := s.Registry.Get(r.Context(), trackID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": a.Cancel()})
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request, trackID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	from := int64(parseInt(r.URL.Query().Get("from"), 0))
	entries, err := s.Store.ReadEntriesFrom(r.Context(), trackID, from)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCompactions(w http.ResponseWriter, r *http.Request, trackID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	compactions, err := s.Store.ListCompactions(r.Context(), trackID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, compactions)
}

func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request, trackID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Model string `json:"model"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Store.SetTrackModel(r.Context(), trackID, payload.Model); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSetApproval(w http.ResponseWriter, r *http.Request, trackID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Mode string `json:"mode"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Store.SetApprovalMode(r.Context(), trackID, timeline.ApprovalMode(payload.Mode)); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleToolDecision(w http.ResponseWriter, r *http.Request, trackID, callID, action string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	a, err := s.Registry.Get(r.Context(), trackID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	switch action {
	case "approve":
		err = a.Approve(callID)
	case "deny":
		var payload struct {
			Reason string `json:"reason"`
		}
		_ = decodeJSON(r.Body, &payload)
		err = a.Deny(callID, payload.Reason)
	default:
		writeError(w, http.StatusNotFound, errNotFound("tool action"))
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStreamSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}

	trackID := r.URL.Query().Get("track_id")
	kinds := parseKinds(r.URL.Query().Get("kinds"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	ctx := r.Context()
	sub := s.Bus.Subscribe(ctx, kinds)

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub:
			if !ok {
				return
			}
			if trackID != "" && n.TrackID != trackID {
				continue
			}
			payload, _ := json.Marshal(n)
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func parseKinds(value string) []notify.Kind {
	var out []notify.Kind
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, notify.Kind(part))
	}
	return out
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
