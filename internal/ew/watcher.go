// Package ew implements the Expiration Watcher: it listens for Metadata
// Index key-expiration events and batch-deletes the corresponding Payload
// Store documents, reclaiming orphaned job and topic-message payloads.
package ew

import (
	"context"
	"strings"
	"time"

	"github.com/broq/broq/internal/common"
	"github.com/broq/broq/internal/interfaces"
)

// flushInterval and maxBatch implement the "every ~1s or every 1,000 keys,
// whichever first" batching rule.
const (
	flushInterval = time.Second
	maxBatch      = 1000
	bufferLimit   = 10000
)

// Watcher drains MI expiration events into per-collection buckets and
// issues one bulk delete per collection on each flush.
type Watcher struct {
	mi     interfaces.MetadataIndex
	ps     interfaces.PayloadStore
	prefix string
	logger *common.Logger

	buffer chan string
}

// New constructs an Expiration Watcher. prefix must match the global
// prefix used by the Metadata Index and Payload Store adapters, since it
// is needed to parse a bare expired key back into (collection, id).
func New(mi interfaces.MetadataIndex, ps interfaces.PayloadStore, prefix string, logger *common.Logger) *Watcher {
	return &Watcher{mi: mi, ps: ps, prefix: prefix, logger: logger, buffer: make(chan string, bufferLimit)}
}

// Run subscribes to MI expirations and drains them until ctx is cancelled.
// EW is crash-safe but not restart-consistent: events emitted while it is
// down are lost; the recovery path is an explicit remove(queue, "*").
func (w *Watcher) Run(ctx context.Context) error {
	expired, err := w.mi.WatchExpirations(ctx)
	if err != nil {
		return err
	}

	go w.feed(ctx, expired)
	w.drain(ctx)
	return nil
}

// feed forwards expiration events into the bounded internal buffer,
// dropping the oldest entry and logging a warning on overflow.
func (w *Watcher) feed(ctx context.Context, expired <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case key, ok := <-expired:
			if !ok {
				return
			}
			select {
			case w.buffer <- key:
			default:
				select {
				case <-w.buffer:
				default:
				}
				select {
				case w.buffer <- key:
				default:
				}
				w.logger.Warn().Msg("expiration watcher buffer overflow, dropping oldest entry")
			}
		}
	}
}

// drain batches buffered keys and flushes on a ~1s ticker or once maxBatch
// keys have accumulated, whichever comes first.
func (w *Watcher) drain(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	pending := make([]string, 0, maxBatch)
	for {
		select {
		case <-ctx.Done():
			if len(pending) > 0 {
				w.flush(context.Background(), pending)
			}
			return
		case key := <-w.buffer:
			pending = append(pending, key)
			if len(pending) >= maxBatch {
				w.flush(ctx, pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				w.flush(ctx, pending)
				pending = pending[:0]
			}
		}
	}
}

// flush groups keys by their target collection and issues one bulk delete
// per collection against the Payload Store.
func (w *Watcher) flush(ctx context.Context, keys []string) {
	byCollection := make(map[string][]string)
	for _, key := range keys {
		collection, id, ok := w.resolve(key)
		if !ok {
			continue
		}
		byCollection[collection] = append(byCollection[collection], id)
	}

	for collection, ids := range byCollection {
		if err := w.ps.BulkDelete(ctx, collection, ids); err != nil {
			w.logger.Error().Str("collection", collection).Int("count", len(ids)).Err(err).
				Msg("expiration watcher bulk delete failed")
		}
	}
}

// resolve maps an expired MI key back to (PS collection, document id).
// Two key shapes are recognised:
//   {prefix}:ephemeral:{queue}:{message_id} -> {prefix}_{queue}_topics, message_id
//   {prefix}:{queue}:{job_id}               -> {prefix}_{queue}, job_id
func (w *Watcher) resolve(key string) (collection, id string, ok bool) {
	if !strings.HasPrefix(key, w.prefix+":") {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, w.prefix+":")
	parts := strings.SplitN(rest, ":", 3)

	if len(parts) == 3 && parts[0] == "ephemeral" {
		return w.prefix + "_" + parts[1] + "_topics", parts[2], true
	}
	if len(parts) == 2 {
		return w.prefix + "_" + parts[0], parts[1], true
	}
	return "", "", false
}
