package broqclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// fakeBroker is a minimal stand-in for the broker HTTP API, enough to
// exercise the client's request/response shapes without importing
// internal/server and its storage backends.
func fakeBroker(t *testing.T) *httptest.Server {
	t.Helper()
	var queued [][]byte

	mux := http.NewServeMux()
	mux.HandleFunc("/queues", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			var req struct {
				Queue   string `msgpack:"queue"`
				JobID   string `msgpack:"job_id"`
				Payload []byte `msgpack:"payload"`
			}
			require.NoError(t, msgpack.NewDecoder(r.Body).Decode(&req))
			queued = append(queued, req.Payload)
			w.Header().Set("Content-Type", "application/msgpack")
			msgpack.NewEncoder(w).Encode(map[string]string{"job_id": "j1"})
		case http.MethodPost:
			if len(queued) == 0 {
				w.WriteHeader(http.StatusOK)
				return
			}
			payload := queued[0]
			queued = queued[1:]
			w.Header().Set("Content-Type", "application/msgpack")
			msgpack.NewEncoder(w).Encode(map[string]interface{}{"job_id": "j1", "payload": payload})
		case http.MethodDelete:
			w.Write([]byte("OK"))
		}
	})
	return httptest.NewServer(mux)
}

func TestClient_AddTakeRoundTrip(t *testing.T) {
	srv := fakeBroker(t)
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	require.NoError(t, c.CreateQueue(ctx, "Q"))

	jobID, err := c.Add(ctx, "Q", "", []byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, "j1", jobID)

	job, err := c.Take(ctx, "Q")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, []byte("hello"), job.Payload)

	job, err = c.Take(ctx, "Q")
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestClient_Pop(t *testing.T) {
	srv := fakeBroker(t)
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	_, err := c.Add(ctx, "Q", "", []byte("x"), 0)
	require.NoError(t, err)

	job, rel, err := c.Pop(ctx, "Q")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, rel.Done(ctx))

	job, rel, err = c.Pop(ctx, "Q")
	require.NoError(t, err)
	require.Nil(t, job)
	require.Nil(t, rel)
}

// gatherBroker simulates workers echoing each enqueued job's gather token
// to the reply queue. When held is true, acknowledgements are withheld so
// a non-blocking IsDone poll observes an unfinished batch.
type gatherBroker struct {
	mu         sync.Mutex
	mainQueue  [][]byte
	replyQueue [][]byte
	held       bool
}

func (g *gatherBroker) setHeld(held bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = held
}

func (g *gatherBroker) mainQueueLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.mainQueue)
}

func (g *gatherBroker) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/queues", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("OK")) })
	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Queue   string `msgpack:"queue"`
			Payload []byte `msgpack:"payload"`
			JobID   string `msgpack:"job_id"`
		}
		switch r.Method {
		case http.MethodPut:
			require.NoError(t, msgpack.NewDecoder(r.Body).Decode(&req))
			var env gatherEnvelope
			require.NoError(t, msgpack.Unmarshal(req.Payload, &env))

			g.mu.Lock()
			g.mainQueue = append(g.mainQueue, req.Payload)
			g.replyQueue = append(g.replyQueue, []byte(env.Token))
			g.mu.Unlock()

			w.Header().Set("Content-Type", "application/msgpack")
			msgpack.NewEncoder(w).Encode(map[string]string{"job_id": "mj"})
		case http.MethodPost:
			g.mu.Lock()
			if g.held || len(g.replyQueue) == 0 {
				g.mu.Unlock()
				w.WriteHeader(http.StatusOK)
				return
			}
			tok := g.replyQueue[0]
			g.replyQueue = g.replyQueue[1:]
			g.mu.Unlock()
			w.Header().Set("Content-Type", "application/msgpack")
			msgpack.NewEncoder(w).Encode(map[string]interface{}{"job_id": "rj", "payload": tok})
		case http.MethodDelete:
			w.Write([]byte("OK"))
		}
	})
	return httptest.NewServer(mux)
}

func TestClient_GatherWaitBlocksUntilAllTokensEchoed(t *testing.T) {
	g := &gatherBroker{}
	srv := g.server(t)
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	payloads := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	h, err := c.Gather(ctx, "work", payloads)
	require.NoError(t, err)
	require.Len(t, h.Tokens(), 3)
	require.Equal(t, 3, g.mainQueueLen())

	require.NoError(t, h.Wait(ctx, 2*time.Second))
	require.NoError(t, h.Close(ctx))
}

func TestClient_GatherIsDoneNonBlockingPoll(t *testing.T) {
	g := &gatherBroker{held: true}
	srv := g.server(t)
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	h, err := c.Gather(ctx, "work", [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)

	// No worker has echoed anything yet: the poll must report false
	// immediately, not block.
	start := time.Now()
	done, err := h.IsDone(ctx)
	require.NoError(t, err)
	require.False(t, done)
	require.Less(t, time.Since(start), time.Second)

	// Workers finish; a later poll drains the acknowledgements and flips.
	g.setHeld(false)
	done, err = h.IsDone(ctx)
	require.NoError(t, err)
	require.True(t, done)
	require.NoError(t, h.Close(ctx))
}
