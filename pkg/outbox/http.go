package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter exposes the Manager over HTTP for operational tooling:
//
//	GET  /outbox/topics/{topic}/publishers/{publisher}/status
//	GET  /outbox/topics/{topic}/publishers/{publisher}/lag
//	POST /outbox/topics/{topic}/publishers/{publisher}/pause
//	POST /outbox/topics/{topic}/publishers/{publisher}/resume
//	POST /outbox/topics/{topic}/publishers/{publisher}/reset
//
// Unknown (topic, publisher) pairs return 404. The router carries no
// authentication; mount it behind whatever the embedding service uses.
func NewRouter(m *Manager) http.Handler {
	r := chi.NewRouter()
	r.Route("/outbox/topics/{topic}/publishers/{publisher}", func(r chi.Router) {
		r.Get("/status", handleStatus(m))
		r.Get("/lag", handleLag(m))
		r.Post("/pause", handleTransition(m.Pause))
		r.Post("/resume", handleTransition(m.Resume))
		r.Post("/reset", handleTransition(m.Reset))
	})
	return r
}

func handleStatus(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic, publisher := pairParams(r)
		row, err := m.Status(r.Context(), topic, publisher)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, row)
	}
}

func handleLag(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic, publisher := pairParams(r)
		lag, err := m.Lag(r.Context(), topic, publisher)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"topic":     topic,
			"publisher": publisher,
			"lag":       lag,
		})
	}
}

func handleTransition(op func(ctx context.Context, topic, publisher string) (Progress, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic, publisher := pairParams(r)
		row, err := op(r.Context(), topic, publisher)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, row)
	}
}

func pairParams(r *http.Request) (string, string) {
	return chi.URLParam(r, "topic"), chi.URLParam(r, "publisher")
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrProgressNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// helper JSON writer
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
