package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/broq/broq/internal/jobengine"
	"github.com/broq/broq/internal/pubsub"
)

// addTaskRequest is the msgpack body of PUT /tasks.
type addTaskRequest struct {
	Queue    string `msgpack:"queue"`
	JobID    string `msgpack:"job_id,omitempty"`
	Payload  []byte `msgpack:"payload,omitempty"`
	Priority int    `msgpack:"priority,omitempty"`
}

type addTaskResponse struct {
	JobID string `msgpack:"job_id"`
}

// takeTaskRequest is the JSON body of POST /tasks.
type takeTaskRequest struct {
	Queue string `json:"queue"`
}

type takeTaskResponse struct {
	JobID   string `msgpack:"job_id"`
	Payload []byte `msgpack:"payload"`
}

// removeTaskRequest is the JSON body of DELETE /tasks. JobID == "*" removes
// every job in the queue.
type removeTaskRequest struct {
	Queue string `json:"queue"`
	JobID string `json:"job_id"`
}

// handleTasks dispatches PUT (add), POST (take), and DELETE (remove) on the
// shared /tasks path.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		s.handleAddTask(w, r)
	case http.MethodPost:
		s.handleTakeTask(w, r)
	case http.MethodDelete:
		s.handleRemoveTask(w, r)
	default:
		RequireMethod(w, r, http.MethodPut, http.MethodPost, http.MethodDelete)
	}
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var req addTaskRequest
	if !DecodeMsgpack(w, r, &req) {
		return
	}
	if req.Queue == "" {
		WriteError(w, http.StatusBadRequest, "queue is required")
		return
	}

	jobID, err := s.app.JobEngine.Add(r.Context(), req.Queue, req.JobID, req.Payload, req.Priority)
	if err != nil {
		s.logger.Error().Str("queue", req.Queue).Err(err).Msg("add failed")
		WriteError(w, http.StatusInternalServerError, "store error")
		return
	}

	s.app.WSHub.BroadcastEvent(pubsub.JobEvent{
		Queue: req.Queue, JobID: jobID, Type: "queued", Timestamp: time.Now().Unix(),
	})
	WriteMsgpack(w, http.StatusOK, addTaskResponse{JobID: jobID})
}

func (s *Server) handleTakeTask(w http.ResponseWriter, r *http.Request) {
	var req takeTaskRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Queue == "" {
		WriteError(w, http.StatusBadRequest, "queue is required")
		return
	}

	job, err := s.app.JobEngine.Take(r.Context(), req.Queue)
	if err != nil {
		s.logger.Error().Str("queue", req.Queue).Err(err).Msg("take failed")
		WriteError(w, http.StatusInternalServerError, "store error")
		return
	}
	if job == nil {
		// Empty queue or not-yet-created queue: empty 200, not an error.
		w.WriteHeader(http.StatusOK)
		return
	}

	s.app.WSHub.BroadcastEvent(pubsub.JobEvent{
		Queue: req.Queue, JobID: job.JobID, Type: "started", Timestamp: time.Now().Unix(),
	})
	WriteMsgpack(w, http.StatusOK, takeTaskResponse{JobID: job.JobID, Payload: job.Payload})
}

func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	var req removeTaskRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Queue == "" || req.JobID == "" {
		WriteError(w, http.StatusBadRequest, "queue and job_id are required")
		return
	}

	if err := s.app.JobEngine.Remove(r.Context(), req.Queue, req.JobID); err != nil {
		s.logger.Error().Str("queue", req.Queue).Str("job_id", req.JobID).Err(err).Msg("remove failed")
		WriteError(w, http.StatusInternalServerError, "store error")
		return
	}

	if req.JobID != "*" {
		s.app.WSHub.BroadcastEvent(pubsub.JobEvent{
			Queue: req.Queue, JobID: req.JobID, Type: "completed", Timestamp: time.Now().Unix(),
		})
	}
	w.Write([]byte("OK"))
}

// countsRequest is the JSON body of GET /tasks/counts.
type countsRequest struct {
	Queue string `json:"queue"`
}

type countsResponse struct {
	Counts int64 `msgpack:"counts"`
}

// handleTaskCounts handles GET /tasks/counts: count(queue). An absent index
// is an empty 200, not an error, so polling clients degrade gracefully.
func (s *Server) handleTaskCounts(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	var req countsRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Queue == "" {
		WriteError(w, http.StatusBadRequest, "queue is required")
		return
	}

	n, ok, err := s.app.JobEngine.Count(r.Context(), req.Queue)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "store error")
		return
	}
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	WriteMsgpack(w, http.StatusOK, countsResponse{Counts: n})
}

// resetTaskRequest is the JSON body of POST /tasks/reset.
type resetTaskRequest struct {
	Queue string `json:"queue"`
	JobID string `json:"job_id"`
}

// handleTaskReset handles POST /tasks/reset: reset(queue, job_id).
func (s *Server) handleTaskReset(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var req resetTaskRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Queue == "" || req.JobID == "" {
		WriteError(w, http.StatusBadRequest, "queue and job_id are required")
		return
	}

	if err := s.app.JobEngine.Reset(r.Context(), req.Queue, req.JobID); err != nil {
		s.logger.Error().Str("queue", req.Queue).Str("job_id", req.JobID).Err(err).Msg("reset failed")
		WriteError(w, http.StatusInternalServerError, "store error")
		return
	}

	s.app.WSHub.BroadcastEvent(pubsub.JobEvent{
		Queue: req.Queue, JobID: req.JobID, Type: "failed", Timestamp: time.Now().Unix(),
	})
	w.Write([]byte("OK"))
}

// unstaleTaskRequest is the JSON body of PUT /tasks/unstale. TTL is in
// seconds; absent or zero means "reset every in_progress job".
type unstaleTaskRequest struct {
	Queue string  `json:"queue"`
	TTL   float64 `json:"ttl"`
}

// handleTaskUnstale handles PUT /tasks/unstale: unstale(queue, ttl?).
func (s *Server) handleTaskUnstale(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPut) {
		return
	}
	var req unstaleTaskRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Queue == "" {
		WriteError(w, http.StatusBadRequest, "queue is required")
		return
	}

	ttl := time.Duration(req.TTL * float64(time.Second))
	n, err := s.app.JobEngine.Unstale(r.Context(), req.Queue, ttl)
	if err != nil {
		s.logger.Error().Str("queue", req.Queue).Err(err).Msg("unstale failed")
		WriteError(w, http.StatusInternalServerError, "store error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"recovered": n})
}

// priorityTaskRequest is the JSON body of PUT /tasks/priority, the
// admin endpoint for reordering still-queued jobs.
type priorityTaskRequest struct {
	Queue    string `json:"queue"`
	JobID    string `json:"job_id"`
	Priority int    `json:"priority"`
}

// handleTaskPriority handles PUT /tasks/priority: re-scores a still-created
// job's position in its queue. Leased jobs cannot be reprioritized.
func (s *Server) handleTaskPriority(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPut) {
		return
	}
	var req priorityTaskRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Queue == "" || req.JobID == "" {
		WriteError(w, http.StatusBadRequest, "queue and job_id are required")
		return
	}

	err := s.app.JobEngine.SetPriority(r.Context(), req.Queue, req.JobID, req.Priority)
	switch {
	case errors.Is(err, jobengine.ErrJobNotFound):
		WriteError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobengine.ErrJobLeased):
		WriteError(w, http.StatusConflict, "job is leased and cannot be reprioritized")
	case err != nil:
		s.logger.Error().Str("queue", req.Queue).Str("job_id", req.JobID).Err(err).Msg("set priority failed")
		WriteError(w, http.StatusInternalServerError, "store error")
	default:
		w.Write([]byte("OK"))
	}
}
