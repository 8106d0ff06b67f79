// Package interfaces defines the contracts the job engine and pub/sub engine
// depend on, so they can be exercised against either a live backend or a
// fake in unit tests without importing the concrete adapters.
package interfaces

import (
	"context"
	"time"

	"github.com/broq/broq/internal/models"
)

// ErrNotReady is returned by MetadataIndex operations when the queue's index
// has not been created yet. JE/PSE treat this as an empty result, not a
// failure — see the NotReady error kind.
var ErrNotReady = &StoreError{Kind: "not_ready", Message: "queue index does not exist"}

// StoreError classifies a storage failure so the HTTP layer can map it to
// the right status code without string-matching.
type StoreError struct {
	Kind    string // "not_ready", "transient", "fatal"
	Message string
}

func (e *StoreError) Error() string { return e.Message }

// IsFatal reports whether the error kind represents a non-retryable failure.
func (e *StoreError) IsFatal() bool { return e.Kind == "fatal" }

// MetadataIndex is the Metadata Index (MI) contract: an indexed key-value
// store holding one small document per job, supporting atomic
// scripted read-modify-write for the take transition.
type MetadataIndex interface {
	// CreateQueueIndex ensures a secondary index exists over the queue's key
	// prefix. Idempotent.
	CreateQueueIndex(ctx context.Context, queue string) error

	// Add writes the job's created-state metadata. Returns the queue index's
	// presence state implicitly via err (ErrNotReady is never returned here —
	// Add creates state, it is only take/count that observe index absence).
	Add(ctx context.Context, meta *models.JobMeta) error

	// Take atomically claims the next created job in the queue (highest
	// priority first, then oldest created_ts) and flips it to
	// in_progress. Returns (nil, nil) if none is available, or ErrNotReady
	// if the queue index doesn't exist.
	Take(ctx context.Context, queue string) (*models.JobMeta, error)

	// Get fetches a single job's metadata, or (nil, nil) if absent.
	Get(ctx context.Context, queue, jobID string) (*models.JobMeta, error)

	// Delete removes a job's metadata. jobID == "*" deletes every key under
	// the queue's prefix.
	Delete(ctx context.Context, queue, jobID string) error

	// Reset restores a job to created, clearing grab_ts.
	Reset(ctx context.Context, queue, jobID string) error

	// Count returns the number of created (not in_progress) jobs in the
	// queue, or ErrNotReady if the queue index doesn't exist.
	Count(ctx context.Context, queue string) (int64, error)

	// Unstale resets every in_progress job in the queue whose grab_ts is
	// older than ttl back to created. ttl <= 0 means "all of them".
	Unstale(ctx context.Context, queue string, ttl time.Duration) (int, error)

	// Ping validates connectivity at startup.
	Ping(ctx context.Context) error

	// WatchExpirations subscribes to key-expiration notifications and
	// returns a channel of expired key names. Used by the Expiration
	// Watcher. The channel is closed when ctx is cancelled.
	WatchExpirations(ctx context.Context) (<-chan string, error)

	// SetEphemeralMarker sets a short-lived marker key that carries no
	// application data of its own; its only purpose is to expire after ttl
	// and drive the Expiration Watcher's GC of the corresponding topic
	// message in the Payload Store.
	SetEphemeralMarker(ctx context.Context, queue, messageID string, ttl time.Duration) error
}

// PayloadStore is the Payload Store (PS) contract: a document store holding
// opaque payload bytes keyed by (queue, job_id), and ephemeral topic
// messages keyed by message_id.
type PayloadStore interface {
	// PutJobPayload writes a job's payload document in collection
	// {prefix}_{queue}.
	PutJobPayload(ctx context.Context, queue, jobID string, payload []byte, metadata map[string]interface{}) error

	// GetJobPayload fetches a job's payload, or (nil, false, nil) if absent.
	GetJobPayload(ctx context.Context, queue, jobID string) ([]byte, bool, error)

	// DeleteJobPayload removes a single job's payload document.
	DeleteJobPayload(ctx context.Context, queue, jobID string) error

	// DeleteAllJobPayloads removes every payload document in the queue's
	// collection. remove(queue, "*") does not call it.
	DeleteAllJobPayloads(ctx context.Context, queue string) error

	// PutTopicMessage writes an ephemeral topic message document in
	// collection {prefix}_{queue}_topics, keyed by messageID.
	PutTopicMessage(ctx context.Context, queue, messageID string, payload []byte) error

	// GetTopicMessage fetches a topic message payload by its message_id.
	GetTopicMessage(ctx context.Context, queue, messageID string) ([]byte, bool, error)

	// BulkDelete removes the given document IDs from the named collection,
	// used by the Expiration Watcher's batched GC sweep.
	BulkDelete(ctx context.Context, collection string, ids []string) error

	// Ping validates connectivity at startup. A failure here is non-fatal:
	// the broker degrades to PSB pass-through for payloads.
	Ping(ctx context.Context) error
}

// PubSubBus is the PSB contract: topic-based ephemeral fan-out with no
// backlog for late subscribers.
type PubSubBus interface {
	// Publish sends data to every active subscriber of channel and returns
	// the number of subscribers it was delivered to.
	Publish(ctx context.Context, channel string, data []byte) (int, error)

	// Subscribe returns a receive-only channel of messages published to
	// channel, and an unsubscribe function the caller must call exactly
	// once when done.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}
