package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func doRequest(t *testing.T, handler http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func mustPack(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := msgpack.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestHandleQueues(t *testing.T) {
	s := newTestServer()
	handler := s.Handler()

	rr := doRequest(t, handler, http.MethodPut, "/queues", []byte(`{"name":"Q"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "OK", rr.Body.String())
}

func TestHandleTasks_BasicLease(t *testing.T) {
	s := newTestServer()
	handler := s.Handler()

	doRequest(t, handler, http.MethodPut, "/queues", []byte(`{"name":"Q"}`))

	addBody := mustPack(t, addTaskRequest{Queue: "Q", JobID: "j1", Payload: []byte("hello")})
	rr := doRequest(t, handler, http.MethodPut, "/tasks", addBody)
	require.Equal(t, http.StatusOK, rr.Code)
	var addResp addTaskResponse
	require.NoError(t, msgpack.Unmarshal(rr.Body.Bytes(), &addResp))
	require.Equal(t, "j1", addResp.JobID)

	rr = doRequest(t, handler, http.MethodPost, "/tasks", []byte(`{"queue":"Q"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	var takeResp takeTaskResponse
	require.NoError(t, msgpack.Unmarshal(rr.Body.Bytes(), &takeResp))
	require.Equal(t, "j1", takeResp.JobID)
	require.Equal(t, []byte("hello"), takeResp.Payload)

	rr = doRequest(t, handler, http.MethodGet, "/tasks/counts", []byte(`{"queue":"Q"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	var counts countsResponse
	require.NoError(t, msgpack.Unmarshal(rr.Body.Bytes(), &counts))
	require.EqualValues(t, 0, counts.Counts)

	rr = doRequest(t, handler, http.MethodDelete, "/tasks", []byte(`{"queue":"Q","job_id":"j1"}`))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, handler, http.MethodPost, "/tasks", []byte(`{"queue":"Q"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, rr.Body.Bytes())
}

func TestHandleTasks_TakeOnEmptyQueueIsEmpty200(t *testing.T) {
	s := newTestServer()
	handler := s.Handler()
	doRequest(t, handler, http.MethodPut, "/queues", []byte(`{"name":"Q"}`))

	rr := doRequest(t, handler, http.MethodPost, "/tasks", []byte(`{"queue":"Q"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, rr.Body.Bytes())
}

func TestHandleTasks_TakeOnMissingQueueIsEmpty200(t *testing.T) {
	s := newTestServer()
	handler := s.Handler()

	rr := doRequest(t, handler, http.MethodPost, "/tasks", []byte(`{"queue":"never-created"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, rr.Body.Bytes())
}

func TestHandleTaskReset(t *testing.T) {
	s := newTestServer()
	handler := s.Handler()
	doRequest(t, handler, http.MethodPut, "/queues", []byte(`{"name":"Q"}`))
	doRequest(t, handler, http.MethodPut, "/tasks", mustPack(t, addTaskRequest{Queue: "Q", JobID: "j", Payload: []byte("x")}))
	doRequest(t, handler, http.MethodPost, "/tasks", []byte(`{"queue":"Q"}`))

	rr := doRequest(t, handler, http.MethodPost, "/tasks/reset", []byte(`{"queue":"Q","job_id":"j"}`))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, handler, http.MethodPost, "/tasks", []byte(`{"queue":"Q"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	var takeResp takeTaskResponse
	require.NoError(t, msgpack.Unmarshal(rr.Body.Bytes(), &takeResp))
	require.Equal(t, "j", takeResp.JobID)
}

func TestHandleTaskUnstale(t *testing.T) {
	s := newTestServer()
	handler := s.Handler()
	doRequest(t, handler, http.MethodPut, "/queues", []byte(`{"name":"Q"}`))
	doRequest(t, handler, http.MethodPut, "/tasks", mustPack(t, addTaskRequest{Queue: "Q", JobID: "j", Payload: []byte("x")}))
	doRequest(t, handler, http.MethodPost, "/tasks", []byte(`{"queue":"Q"}`))

	rr := doRequest(t, handler, http.MethodPut, "/tasks/unstale", []byte(`{"queue":"Q","ttl":0}`))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, handler, http.MethodPost, "/tasks", []byte(`{"queue":"Q"}`))
	var takeResp takeTaskResponse
	require.NoError(t, msgpack.Unmarshal(rr.Body.Bytes(), &takeResp))
	require.Equal(t, "j", takeResp.JobID)
}

func TestHandleTaskPriority(t *testing.T) {
	s := newTestServer()
	handler := s.Handler()
	doRequest(t, handler, http.MethodPut, "/queues", []byte(`{"name":"Q"}`))
	doRequest(t, handler, http.MethodPut, "/tasks", mustPack(t, addTaskRequest{Queue: "Q", JobID: "first", Payload: []byte("f")}))
	doRequest(t, handler, http.MethodPut, "/tasks", mustPack(t, addTaskRequest{Queue: "Q", JobID: "second", Payload: []byte("s")}))

	rr := doRequest(t, handler, http.MethodPut, "/tasks/priority", []byte(`{"queue":"Q","job_id":"second","priority":10}`))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, handler, http.MethodPost, "/tasks", []byte(`{"queue":"Q"}`))
	var takeResp takeTaskResponse
	require.NoError(t, msgpack.Unmarshal(rr.Body.Bytes(), &takeResp))
	require.Equal(t, "second", takeResp.JobID)
}

func TestHandleTaskPriority_LeasedJobConflict(t *testing.T) {
	s := newTestServer()
	handler := s.Handler()
	doRequest(t, handler, http.MethodPut, "/queues", []byte(`{"name":"Q"}`))
	doRequest(t, handler, http.MethodPut, "/tasks", mustPack(t, addTaskRequest{Queue: "Q", JobID: "j", Payload: []byte("x")}))
	doRequest(t, handler, http.MethodPost, "/tasks", []byte(`{"queue":"Q"}`))

	rr := doRequest(t, handler, http.MethodPut, "/tasks/priority", []byte(`{"queue":"Q","job_id":"j","priority":1}`))
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestHandleTasks_RemoveAll(t *testing.T) {
	s := newTestServer()
	handler := s.Handler()
	doRequest(t, handler, http.MethodPut, "/queues", []byte(`{"name":"Q"}`))
	for i := 0; i < 5; i++ {
		doRequest(t, handler, http.MethodPut, "/tasks", mustPack(t, addTaskRequest{Queue: "Q", Payload: []byte("x")}))
	}

	rr := doRequest(t, handler, http.MethodDelete, "/tasks", []byte(`{"queue":"Q","job_id":"*"}`))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, handler, http.MethodGet, "/tasks/counts", []byte(`{"queue":"Q"}`))
	var counts countsResponse
	require.NoError(t, msgpack.Unmarshal(rr.Body.Bytes(), &counts))
	require.EqualValues(t, 0, counts.Counts)
}
