// Package api implements the agent's status HTTP surface: a single health
// endpoint reporting whether the session client holds a hub-assigned agent
// ID. The ID is kept after a disconnect, so it does not by itself show that
// the hub session is live at the moment of the request. This
// surface sits alongside the WebSocket session, not inside it — its
// internals are an out-of-scope external collaborator for this agent.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// SessionStatus reports the agent ID from the session client's most recent
// successful registration, if any.
type SessionStatus interface {
	AgentID() (string, bool)
}

// NewRouter builds the agent's status HTTP router.
func NewRouter(session SessionStatus, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		agentID, registered := session.AgentID()
		writeHealth(w, agentID, registered)
	})

	return r
}

func writeHealth(w http.ResponseWriter, agentID string, registered bool) {
	w.Header().Set("Content-Type", "application/json")
	if !registered {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"connecting"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"registered","agent_id":"` + agentID + `"}`))
}
