// Package broqclient is a thin Go client over the broker's HTTP API. It
// mirrors the wire protocol in internal/server exactly: JSON for
// control-plane bodies, msgpack for payload-bearing bodies, and an empty
// 200 response wherever the broker treats "nothing available" as a
// first-class outcome rather than an error.
package broqclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Client is a connection to one broker instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client against the broker at baseURL (e.g.
// "http://127.0.0.1:8080").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 0},
	}
}

// WithHTTPClient overrides the underlying http.Client, e.g. to add TLS
// config or a custom transport.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

func (c *Client) do(ctx context.Context, method, path string, contentType string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broqclient: %s %s: %w", method, path, err)
	}
	return resp, nil
}

func readBodyErr(resp *http.Response) error {
	defer resp.Body.Close()
	var e struct {
		Error string `json:"error"`
	}
	b, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return fmt.Errorf("broqclient: %s: %s", resp.Status, e.Error)
	}
	return fmt.Errorf("broqclient: %s", resp.Status)
}

// CreateQueue ensures a queue exists. Idempotent.
func (c *Client) CreateQueue(ctx context.Context, queue string) error {
	body, _ := json.Marshal(map[string]string{"name": queue})
	resp, err := c.do(ctx, http.MethodPut, "/queues", "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readBodyErr(resp)
	}
	return nil
}

// Add enqueues a job. jobID == "" lets the broker mint one. priority
// defaults to 0, reproducing plain FIFO-by-created_ts ordering.
func (c *Client) Add(ctx context.Context, queue, jobID string, payload []byte, priority int) (string, error) {
	body, err := msgpack.Marshal(map[string]interface{}{
		"queue": queue, "job_id": jobID, "payload": payload, "priority": priority,
	})
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, http.MethodPut, "/tasks", "application/msgpack", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", readBodyErr(resp)
	}
	var out struct {
		JobID string `msgpack:"job_id"`
	}
	if err := msgpack.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// Job is a leased unit of work: its id and payload bytes.
type Job struct {
	JobID   string
	Payload []byte
}

// Take leases the oldest available job in queue, or (nil, nil) if the
// queue is empty or not yet created.
func (c *Client) Take(ctx context.Context, queue string) (*Job, error) {
	body, _ := json.Marshal(map[string]string{"queue": queue})
	resp, err := c.do(ctx, http.MethodPost, "/tasks", "application/json", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readBodyErr(resp)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	var out struct {
		JobID   string `msgpack:"job_id"`
		Payload []byte `msgpack:"payload"`
	}
	if err := msgpack.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &Job{JobID: out.JobID, Payload: out.Payload}, nil
}

// Done acknowledges successful completion of a job, removing it.
func (c *Client) Done(ctx context.Context, queue, jobID string) error {
	return c.Remove(ctx, queue, jobID)
}

// Remove deletes a job (or, with jobID == "*", every job in queue).
func (c *Client) Remove(ctx context.Context, queue, jobID string) error {
	body, _ := json.Marshal(map[string]string{"queue": queue, "job_id": jobID})
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("broqclient: DELETE /tasks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readBodyErr(resp)
	}
	return nil
}

// Reset releases a leased job back to created, for a worker that cannot
// finish processing it.
func (c *Client) Reset(ctx context.Context, queue, jobID string) error {
	body, _ := json.Marshal(map[string]string{"queue": queue, "job_id": jobID})
	resp, err := c.do(ctx, http.MethodPost, "/tasks/reset", "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readBodyErr(resp)
	}
	return nil
}

// Count returns the number of created (available) jobs in queue, and
// whether the queue index exists yet.
func (c *Client) Count(ctx context.Context, queue string) (int64, bool, error) {
	body, _ := json.Marshal(map[string]string{"queue": queue})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tasks/counts", bytes.NewReader(body))
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("broqclient: GET /tasks/counts: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, false, readBodyErr(resp)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, false, err
	}
	if len(b) == 0 {
		return 0, false, nil
	}
	var out struct {
		Counts int64 `msgpack:"counts"`
	}
	if err := msgpack.Unmarshal(b, &out); err != nil {
		return 0, false, err
	}
	return out.Counts, true, nil
}

// Unstale resets every in_progress job in queue whose lease exceeds ttl
// (or every leased job, with ttl <= 0) back to created, and reports how
// many were recovered.
func (c *Client) Unstale(ctx context.Context, queue string, ttl time.Duration) (int, error) {
	body, _ := json.Marshal(map[string]interface{}{"queue": queue, "ttl": ttl.Seconds()})
	resp, err := c.do(ctx, http.MethodPut, "/tasks/unstale", "application/json", body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, readBodyErr(resp)
	}
	var out struct {
		Recovered int `json:"recovered"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.Recovered, nil
}

// SetPriority re-scores a still-created job's position in its queue.
func (c *Client) SetPriority(ctx context.Context, queue, jobID string, priority int) error {
	body, _ := json.Marshal(map[string]interface{}{"queue": queue, "job_id": jobID, "priority": priority})
	resp, err := c.do(ctx, http.MethodPut, "/tasks/priority", "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readBodyErr(resp)
	}
	return nil
}

// Publish sends payload to every current subscriber of (queue, topicID)
// and returns how many subscribers received it.
func (c *Client) Publish(ctx context.Context, queue, topicID string, payload []byte) (int, error) {
	body, err := msgpack.Marshal(map[string]interface{}{
		"queue": queue, "topic_id": topicID, "payload": payload,
	})
	if err != nil {
		return 0, err
	}
	resp, err := c.do(ctx, http.MethodPut, "/publish", "application/msgpack", body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, readBodyErr(resp)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(b))
}

// SubscribeOne waits up to timeout for one message on (queue, topicID),
// returning (nil, nil) on a timed-out wait.
func (c *Client) SubscribeOne(ctx context.Context, queue, topicID string, timeout time.Duration) ([]byte, error) {
	body, _ := json.Marshal(map[string]interface{}{"queue": queue, "topic_id": topicID, "timeout": timeout.Seconds()})
	resp, err := c.do(ctx, http.MethodPost, "/subscribe_one", "application/json", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readBodyErr(resp)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	return b, nil
}

// SubscribeStream subscribes to (queue, topicID) and calls onMessage for
// every frame received until timeout elapses, ctx is cancelled, or
// onMessage returns an error (which stops the stream and is returned).
// Frames are self-delimiting msgpack values concatenated on the wire; no
// length prefix is needed.
func (c *Client) SubscribeStream(ctx context.Context, queue, topicID string, timeout time.Duration, onMessage func([]byte) error) error {
	body, _ := json.Marshal(map[string]interface{}{"queue": queue, "topic_id": topicID, "timeout": timeout.Seconds()})
	resp, err := c.do(ctx, http.MethodPost, "/subscribe_stream", "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readBodyErr(resp)
	}

	dec := msgpack.NewDecoder(resp.Body)
	for {
		var frame []byte
		if err := dec.Decode(&frame); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := onMessage(frame); err != nil {
			return err
		}
	}
}

// Releaser is returned by Pop; calling Done acknowledges the job,
// calling Reset releases it back to created. Exactly one must be called.
type Releaser struct {
	client *Client
	queue  string
	jobID  string
}

// Done acknowledges the popped job.
func (r *Releaser) Done(ctx context.Context) error { return r.client.Done(ctx, r.queue, r.jobID) }

// Reset releases the popped job back to created.
func (r *Releaser) Reset(ctx context.Context) error { return r.client.Reset(ctx, r.queue, r.jobID) }

// Pop leases a job and returns it together with a Releaser scoping its
// acknowledgement, so callers can write:
//
//	job, rel, err := client.Pop(ctx, "work")
//	if job == nil { ... nothing available ... }
//	defer rel.Reset(ctx)    // released unless Done is called
//	... process job ...
//	rel.Done(ctx)
//
// Pop returns (nil, nil, nil) when nothing is available.
func (c *Client) Pop(ctx context.Context, queue string) (*Job, *Releaser, error) {
	job, err := c.Take(ctx, queue)
	if err != nil || job == nil {
		return nil, nil, err
	}
	return job, &Releaser{client: c, queue: queue, jobID: job.JobID}, nil
}

// gatherEnvelope wraps a gather batch member's payload with the
// bookkeeping a worker is expected to echo back to the reply queue:
// the gather batch id and this job's unique token.
type gatherEnvelope struct {
	GatherID string `msgpack:"_gather_id"`
	Token    string `msgpack:"_gather_token"`
	Payload  []byte `msgpack:"payload"`
}

// GatherHandle tracks an in-flight gather batch: the reply queue it
// drains and the per-job tokens not yet echoed back by a worker. Poll it
// with IsDone or block on Wait; call Close when finished with it either
// way.
type GatherHandle struct {
	client     *Client
	replyQueue string
	tokens     []string
	pending    map[string]struct{}
}

// Gather submits payloads as a batch to queue, each wrapped with a fresh
// reply-queue id and a unique per-job token, and returns a handle for
// tracking completion. Workers are expected to echo each envelope's token
// back via Add on the reply queue. It is built entirely from
// Add/Take/CreateQueue — no broker-side state exists for it.
func (c *Client) Gather(ctx context.Context, queue string, payloads [][]byte) (*GatherHandle, error) {
	gatherID := uuid.New().String()
	h := &GatherHandle{
		client:     c,
		replyQueue: queue + ".gather." + gatherID,
		pending:    make(map[string]struct{}, len(payloads)),
	}

	if err := c.CreateQueue(ctx, h.replyQueue); err != nil {
		return nil, fmt.Errorf("broqclient: gather: creating reply queue: %w", err)
	}

	for _, payload := range payloads {
		token := uuid.New().String()
		h.tokens = append(h.tokens, token)
		h.pending[token] = struct{}{}

		envelope, err := msgpack.Marshal(gatherEnvelope{GatherID: gatherID, Token: token, Payload: payload})
		if err != nil {
			return nil, fmt.Errorf("broqclient: gather: encoding envelope: %w", err)
		}
		if _, err := c.Add(ctx, queue, "", envelope, 0); err != nil {
			return nil, fmt.Errorf("broqclient: gather: enqueueing job: %w", err)
		}
	}

	return h, nil
}

// Tokens returns the per-job tokens minted for the batch, in enqueue
// order.
func (h *GatherHandle) Tokens() []string {
	return append([]string(nil), h.tokens...)
}

// IsDone drains whatever acknowledgements are currently waiting on the
// reply queue, without blocking, and reports whether every token has now
// been observed. A batch still being worked on simply reports false.
func (h *GatherHandle) IsDone(ctx context.Context) (bool, error) {
	for len(h.pending) > 0 {
		job, err := h.client.Take(ctx, h.replyQueue)
		if err != nil {
			return false, fmt.Errorf("broqclient: gather: draining reply queue: %w", err)
		}
		if job == nil {
			return false, nil
		}
		delete(h.pending, string(job.Payload))
		if err := h.client.Done(ctx, h.replyQueue, job.JobID); err != nil {
			return false, fmt.Errorf("broqclient: gather: acking reply job: %w", err)
		}
	}
	return true, nil
}

// Wait blocks until every token has been observed on the reply queue,
// polling every 100ms, or until timeout elapses (timeout <= 0 means no
// limit) or ctx is cancelled.
func (h *GatherHandle) Wait(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		done, err := h.IsDone(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return fmt.Errorf("broqclient: gather: timed out with %d of %d jobs unacknowledged", len(h.pending), len(h.tokens))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Close removes any leftover acknowledgement jobs on the batch's reply
// queue.
func (h *GatherHandle) Close(ctx context.Context) error {
	return h.client.Remove(ctx, h.replyQueue, "*")
}
