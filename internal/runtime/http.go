package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-meditation/internal/control"
	"github.com/loqalabs/loqa-meditation/internal/protocol"
	"github.com/loqalabs/loqa-meditation/internal/session"
)

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}
	mux.HandleFunc("GET /session", r.handleSession)
	mux.HandleFunc("GET /history", r.handleHistory)
	mux.HandleFunc("POST /session/{action}", r.handleSessionAction)
	return mux
}

type sessionResponse struct {
	OK       bool              `json:"ok"`
	Error    string            `json:"error,omitempty"`
	Progress *session.Progress `json:"progress,omitempty"`
}

func (r *Runtime) handleSession(w http.ResponseWriter, req *http.Request) {
	progress, err := r.control.Apply(req.URL.Query().Get("id"), protocol.ActionProgress)
	if err != nil {
		writeJSON(w, statusFor(err), sessionResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{OK: true, Progress: &progress})
}

// handleSessionAction applies start, pause, resume or stop. Start with no
// running session launches a new one, optionally with ?identity=, that
// begins as soon as its first step is playable.
func (r *Runtime) handleSessionAction(w http.ResponseWriter, req *http.Request) {
	action := req.PathValue("action")
	switch action {
	case protocol.ActionStart, protocol.ActionPause, protocol.ActionResume, protocol.ActionStop:
	default:
		writeJSON(w, http.StatusNotFound, sessionResponse{Error: "unknown action " + action})
		return
	}
	id := req.URL.Query().Get("id")
	if action == protocol.ActionStart && id == "" && len(r.control.Sessions()) == 0 {
		s, err := r.launch(r.ctx, req.URL.Query().Get("identity"), true)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, sessionResponse{Error: err.Error()})
			return
		}
		progress := s.Progress()
		writeJSON(w, http.StatusAccepted, sessionResponse{OK: true, Progress: &progress})
		return
	}
	progress, err := r.control.Apply(id, action)
	if err != nil {
		r.logger.Info("session action rejected", slog.String("action", action), slog.String("error", err.Error()))
		resp := sessionResponse{Error: err.Error()}
		if progress.SessionID != "" {
			resp.Progress = &progress
		}
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{OK: true, Progress: &progress})
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	stats, err := r.history.Stats(req.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	recent, err := r.history.Completions(req.Context(), 20)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats, "recent": recent})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, control.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, control.ErrAmbiguous), errors.Is(err, control.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
