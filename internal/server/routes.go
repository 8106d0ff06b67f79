package server

import (
	"net/http"

	"github.com/broq/broq/internal/common"
)

// registerRoutes sets up every HTTP endpoint described in the broker's
// external interface on mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)

	mux.HandleFunc("/queues", s.handleQueues)

	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/counts", s.handleTaskCounts)
	mux.HandleFunc("/tasks/reset", s.handleTaskReset)
	mux.HandleFunc("/tasks/unstale", s.handleTaskUnstale)
	mux.HandleFunc("/tasks/priority", s.handleTaskPriority)

	mux.HandleFunc("/publish", s.handlePublish)
	mux.HandleFunc("/subscribe_one", s.handleSubscribeOne)
	mux.HandleFunc("/subscribe_stream", s.handleSubscribeStream)

	mux.HandleFunc("/static/", s.handleStatic)

	mux.HandleFunc("/ws/jobs", s.handleJobEventsWS)
}

// --- System handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}
