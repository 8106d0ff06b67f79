package server

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The admin job-event feed is a debug/observability side channel, not a
	// browser-facing API; it carries no credentials, so any origin may open it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStatic handles GET /static/{path}: a sandboxed file server rooted at
// the configured static directory.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	dir := s.app.Config.Server.StaticDir
	if dir == "" {
		WriteError(w, http.StatusNotFound, "static file serving is not configured")
		return
	}
	http.StripPrefix("/static/", http.FileServer(http.Dir(dir))).ServeHTTP(w, r)
}

// handleJobEventsWS upgrades GET /ws/jobs to a WebSocket connection and
// registers it on the admin job-event feed (queued/started/completed/failed),
// a read-only side channel outside the JE/PSE contract.
func (s *Server) handleJobEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.app.WSHub.ServeClient(conn)
}
