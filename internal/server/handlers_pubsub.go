package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/broq/broq/internal/pubsubengine"
)

// defaultSubscribeTimeout bounds subscribe_one/subscribe_stream when the
// caller omits (or sends a non-positive) timeout.
const defaultSubscribeTimeout = 30 * time.Second

// publishRequest is the msgpack body of PUT /publish.
type publishRequest struct {
	Queue   string `msgpack:"queue"`
	TopicID string `msgpack:"topic_id"`
	Payload []byte `msgpack:"payload"`
}

// handlePublish handles PUT /publish: publish(queue, topic_id, payload).
// The response body is the subscriber count as plain text.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPut) {
		return
	}
	var req publishRequest
	if !DecodeMsgpack(w, r, &req) {
		return
	}
	if req.Queue == "" || req.TopicID == "" {
		WriteError(w, http.StatusBadRequest, "queue and topic_id are required")
		return
	}

	n, err := s.app.PubSubEngine.Publish(r.Context(), req.Queue, req.TopicID, req.Payload)
	if err != nil {
		s.logger.Error().Str("queue", req.Queue).Str("topic_id", req.TopicID).Err(err).Msg("publish failed")
		WriteError(w, http.StatusInternalServerError, "store error")
		return
	}
	w.Write([]byte(strconv.Itoa(n)))
}

// subscribeRequest is the JSON body shared by /subscribe_one and
// /subscribe_stream. Timeout is in seconds.
type subscribeRequest struct {
	Queue   string  `json:"queue"`
	TopicID string  `json:"topic_id"`
	Timeout float64 `json:"timeout"`
}

func (r subscribeRequest) timeout() time.Duration {
	if r.Timeout <= 0 {
		return defaultSubscribeTimeout
	}
	return time.Duration(r.Timeout * float64(time.Second))
}

// handleSubscribeOne handles POST /subscribe_one: subscribe_one(queue,
// topic_id, timeout). A deadline with nothing received is an empty 200, not
// an error; a missed delivery is an expected outcome.
func (s *Server) handleSubscribeOne(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var req subscribeRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Queue == "" || req.TopicID == "" {
		WriteError(w, http.StatusBadRequest, "queue and topic_id are required")
		return
	}

	payload, err := s.app.PubSubEngine.SubscribeOne(r.Context(), req.Queue, req.TopicID, req.timeout())
	if err != nil {
		s.logger.Error().Str("queue", req.Queue).Str("topic_id", req.TopicID).Err(err).Msg("subscribe_one failed")
		WriteError(w, http.StatusInternalServerError, "store error")
		return
	}
	if payload == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(payload)
}

// handleSubscribeStream handles POST /subscribe_stream: subscribe_stream(
// queue, topic_id, timeout). Each received message is written as a
// self-delimiting msgpack frame so the client's incremental decoder can
// split them without a length-prefix wrapper of our own.
func (s *Server) handleSubscribeStream(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var req subscribeRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Queue == "" || req.TopicID == "" {
		WriteError(w, http.StatusBadRequest, "queue and topic_id are required")
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/msgpack")
	w.WriteHeader(http.StatusOK)
	if canFlush {
		flusher.Flush()
	}

	enc := msgpack.NewEncoder(w)
	err := s.app.PubSubEngine.SubscribeStream(r.Context(), req.Queue, req.TopicID, req.timeout(), func(f pubsubengine.Frame) error {
		if err := enc.Encode(f.Payload); err != nil {
			return err
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		s.logger.Warn().Str("queue", req.Queue).Str("topic_id", req.TopicID).Err(err).
			Msg("subscribe_stream ended early, client likely disconnected")
	}
}
