// Package jobengine implements the Job Engine (JE): the pure logic layer
// over the Metadata Index and Payload Store — create_queue, add, take,
// done, reset, remove, count, unstale.
package jobengine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/broq/broq/internal/common"
	"github.com/broq/broq/internal/interfaces"
	"github.com/broq/broq/internal/models"
)

// Engine implements the job lifecycle described in the broker's data model:
// created → in_progress → (none), via done/remove, or back to created via
// reset/unstale.
type Engine struct {
	mi     interfaces.MetadataIndex
	ps     interfaces.PayloadStore
	logger *common.Logger
}

// New constructs a Job Engine over the given Metadata Index and Payload
// Store adapters.
func New(mi interfaces.MetadataIndex, ps interfaces.PayloadStore, logger *common.Logger) *Engine {
	return &Engine{mi: mi, ps: ps, logger: logger}
}

// CreateQueue ensures the queue's index exists. Idempotent: calling it
// twice with the same name succeeds silently both times.
func (e *Engine) CreateQueue(ctx context.Context, name string) error {
	return e.mi.CreateQueueIndex(ctx, name)
}

// Add mints a job_id if absent, writes the job's created-state metadata,
// and — if a payload was supplied — writes it to the Payload Store. The MI
// and PS writes are not transactional; a payload-without-metadata or
// metadata-without-payload window is tolerated transiently (see the
// PayloadOrphan error kind).
func (e *Engine) Add(ctx context.Context, queue, jobID string, payload []byte, priority int) (string, error) {
	if jobID == "" {
		jobID = uuid.New().String()
	}

	meta := &models.JobMeta{
		JobID:     jobID,
		Queue:     queue,
		CreatedTS: float64(time.Now().Unix()),
		Status:    models.StatusCreated,
		Priority:  priority,
	}
	if err := e.mi.Add(ctx, meta); err != nil {
		return "", err
	}

	if len(payload) > 0 {
		if err := e.ps.PutJobPayload(ctx, queue, jobID, payload, nil); err != nil {
			e.logger.Error().Str("queue", queue).Str("job_id", jobID).Err(err).
				Msg("payload write failed after metadata write; job is a transient orphan")
			return jobID, err
		}
	}

	return jobID, nil
}

// Take atomically claims the oldest available job in queue and fetches its
// payload. Returns (nil, nil) when the queue is empty or hasn't been
// created yet — NotReady and empty-queue are both represented the same way
// at this layer, matching the "empty 200" contract at the HTTP boundary.
func (e *Engine) Take(ctx context.Context, queue string) (*models.Job, error) {
	meta, err := e.mi.Take(ctx, queue)
	if errors.Is(err, interfaces.ErrNotReady) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	payload, found, err := e.ps.GetJobPayload(ctx, queue, meta.JobID)
	if err != nil {
		// PS is allowed to degrade; the claim already happened at MI and is
		// durable, so we still return the job with whatever payload we have.
		e.logger.Warn().Str("queue", queue).Str("job_id", meta.JobID).Err(err).
			Msg("payload store read failed for a just-taken job")
		return &models.Job{JobID: meta.JobID}, nil
	}
	if !found {
		return &models.Job{JobID: meta.JobID}, nil
	}
	return &models.Job{JobID: meta.JobID, Payload: payload}, nil
}

// Done deletes the job's metadata and payload. Best-effort: if the MI
// delete succeeds but the PS delete fails, the orphan payload is left for
// the Expiration Watcher.
func (e *Engine) Done(ctx context.Context, queue, jobID string) error {
	if err := e.mi.Delete(ctx, queue, jobID); err != nil {
		return err
	}
	if err := e.ps.DeleteJobPayload(ctx, queue, jobID); err != nil {
		e.logger.Warn().Str("queue", queue).Str("job_id", jobID).Err(err).
			Msg("payload delete failed after metadata delete; orphan left for EW")
	}
	return nil
}

// Reset returns a leased job to created, clearing its grab_ts. Used by
// workers that cannot finish processing.
func (e *Engine) Reset(ctx context.Context, queue, jobID string) error {
	return e.mi.Reset(ctx, queue, jobID)
}

// Remove unconditionally deletes a job (or, when jobID == "*", every job
// in the queue). Semantically equivalent to Done for a single job_id; for
// "*" the payload cleanup is deliberately deferred to the Expiration
// Watcher rather than attempted inline.
func (e *Engine) Remove(ctx context.Context, queue, jobID string) error {
	if jobID == "*" {
		return e.mi.Delete(ctx, queue, "*")
	}
	return e.Done(ctx, queue, jobID)
}

// Count returns the number of created (not in_progress) jobs in queue, and
// whether the count is meaningful at all — false means the queue's index
// doesn't exist yet, which callers surface as an empty response rather
// than an error.
func (e *Engine) Count(ctx context.Context, queue string) (int64, bool, error) {
	n, err := e.mi.Count(ctx, queue)
	if errors.Is(err, interfaces.ErrNotReady) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Unstale resets every in_progress job in queue whose lease has exceeded
// ttl (or every leased job, if ttl <= 0) back to created. This is the
// worker-death recovery path, invoked on demand rather than on a timer
// owned by the broker.
func (e *Engine) Unstale(ctx context.Context, queue string, ttl time.Duration) (int, error) {
	return e.mi.Unstale(ctx, queue, ttl)
}

// ErrJobNotFound is returned by SetPriority when the job_id has no metadata
// (already done/removed, or never existed).
var ErrJobNotFound = errors.New("jobengine: job not found")

// ErrJobLeased is returned by SetPriority when the job has already been
// taken; priority only governs ordering among created jobs.
var ErrJobLeased = errors.New("jobengine: job is leased and cannot be reprioritized")

// SetPriority re-scores a still-created job's position in the queue index.
// It is built entirely from the existing Get/Add contract: Add's index
// write is an idempotent upsert keyed by job_id and scored from
// (priority, created_ts), so
// re-running it with the job's original created_ts and a new priority moves
// it without disturbing its payload.
func (e *Engine) SetPriority(ctx context.Context, queue, jobID string, priority int) error {
	meta, err := e.mi.Get(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if meta == nil {
		return ErrJobNotFound
	}
	if meta.Status != models.StatusCreated {
		return ErrJobLeased
	}
	meta.Priority = priority
	return e.mi.Add(ctx, meta)
}
