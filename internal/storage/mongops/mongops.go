// Package mongops implements the Payload Store (PS) over MongoDB: a
// collection per queue for job payloads, and a collection per queue for
// ephemeral topic messages.
package mongops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/broq/broq/internal/models"
	"github.com/broq/broq/internal/storage"
)

// Store implements interfaces.PayloadStore over a mongo.Client.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	prefix string
}

// New wraps an already-connected mongo.Client against the named database.
// prefix is the global namespace prefix for collection names.
func New(client *mongo.Client, database, prefix string) *Store {
	return &Store{client: client, db: client.Database(database), prefix: prefix}
}

func (s *Store) jobCollection(queue string) *mongo.Collection {
	return s.db.Collection(fmt.Sprintf("%s_%s", s.prefix, queue))
}

func (s *Store) topicCollection(queue string) *mongo.Collection {
	return s.db.Collection(fmt.Sprintf("%s_%s_topics", s.prefix, queue))
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.HasErrorLabel("TransientTransactionError") || cmdErr.HasErrorLabel("RetryableWriteError")
	}
	return mongo.IsTimeout(err) || mongo.IsNetworkError(err)
}

// PutJobPayload writes a job's payload document, replacing any existing
// document with the same job_id (duplicate-key-on-insert → replace, per the
// adapter's retry policy).
func (s *Store) PutJobPayload(ctx context.Context, queue, jobID string, payload []byte, metadata map[string]interface{}) error {
	doc := models.PayloadDoc{
		ID:        jobID,
		Payload:   payload,
		CreatedAt: float64(time.Now().Unix()),
		Metadata:  metadata,
	}
	return storage.WithRetry(ctx, isTransient, func() error {
		_, err := s.jobCollection(queue).ReplaceOne(ctx,
			bson.M{"_id": jobID}, doc, options.Replace().SetUpsert(true))
		return err
	})
}

// GetJobPayload fetches a job's payload bytes, or (nil, false, nil) if absent.
func (s *Store) GetJobPayload(ctx context.Context, queue, jobID string) ([]byte, bool, error) {
	var doc models.PayloadDoc
	err := storage.WithRetry(ctx, isTransient, func() error {
		err := s.jobCollection(queue).FindOne(ctx, bson.M{"_id": jobID}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if doc.ID == "" {
		return nil, false, nil
	}
	return doc.Payload, true, nil
}

// DeleteJobPayload removes a single job's payload document. Absence is not
// an error — done/remove are best-effort against PS.
func (s *Store) DeleteJobPayload(ctx context.Context, queue, jobID string) error {
	return storage.WithRetry(ctx, isTransient, func() error {
		_, err := s.jobCollection(queue).DeleteOne(ctx, bson.M{"_id": jobID})
		return err
	})
}

// DeleteAllJobPayloads removes every payload document in the queue's
// collection. remove(queue, "*") does not call it.
func (s *Store) DeleteAllJobPayloads(ctx context.Context, queue string) error {
	return storage.WithRetry(ctx, isTransient, func() error {
		_, err := s.jobCollection(queue).DeleteMany(ctx, bson.M{})
		return err
	})
}

// PutTopicMessage writes an ephemeral topic message document.
func (s *Store) PutTopicMessage(ctx context.Context, queue, messageID string, payload []byte) error {
	doc := models.TopicMessage{ID: messageID, Payload: payload, CreatedAt: float64(time.Now().Unix())}
	return storage.WithRetry(ctx, isTransient, func() error {
		_, err := s.topicCollection(queue).ReplaceOne(ctx,
			bson.M{"_id": messageID}, doc, options.Replace().SetUpsert(true))
		return err
	})
}

// GetTopicMessage fetches a topic message payload by its message_id.
func (s *Store) GetTopicMessage(ctx context.Context, queue, messageID string) ([]byte, bool, error) {
	var doc models.TopicMessage
	err := storage.WithRetry(ctx, isTransient, func() error {
		err := s.topicCollection(queue).FindOne(ctx, bson.M{"_id": messageID}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if doc.ID == "" {
		return nil, false, nil
	}
	return doc.Payload, true, nil
}

// BulkDelete removes the given document IDs from the named collection,
// used by the Expiration Watcher's batched GC sweep.
func (s *Store) BulkDelete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	idIntf := make([]interface{}, len(ids))
	for i, id := range ids {
		idIntf[i] = id
	}
	return storage.WithRetry(ctx, isTransient, func() error {
		_, err := s.db.Collection(collection).DeleteMany(ctx, bson.M{"_id": bson.M{"$in": idIntf}})
		return err
	})
}

// Ping validates PS connectivity. A failure here is non-fatal to the
// broker: payload storage degrades to PSB pass-through.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}
