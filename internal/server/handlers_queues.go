package server

import "net/http"

// queueRequest is the body of PUT /queues.
type queueRequest struct {
	Name string `json:"name"`
}

// handleQueues handles PUT /queues: create_queue(name). Idempotent.
func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPut) {
		return
	}

	var req queueRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		w.Write([]byte("ERROR: name is required"))
		return
	}

	if err := s.app.StartQueue(r.Context(), req.Name); err != nil {
		s.logger.Error().Str("queue", req.Name).Err(err).Msg("create_queue failed")
		w.Write([]byte("ERROR: " + err.Error()))
		return
	}

	w.Write([]byte("OK"))
}
