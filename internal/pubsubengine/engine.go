// Package pubsubengine implements the Pub/Sub Engine (PSE): publish,
// subscribe_one, and subscribe_stream, built on the Pub/Sub Bus and the
// Payload Store's message_id indirection.
package pubsubengine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/broq/broq/internal/common"
	"github.com/broq/broq/internal/interfaces"
)

// topicMessageTTL bounds how long a published topic message's payload
// survives in the Payload Store before the Expiration Watcher reclaims it.
const topicMessageTTL = 60 * time.Second

// pollSlice bounds how long subscribe_one/subscribe_stream wait on each
// PSB receive before re-checking the deadline and cancellation.
const pollSlice = 100 * time.Millisecond

// Engine implements the pub/sub plane's request/reply and streaming
// semantics atop the Pub/Sub Bus.
type Engine struct {
	psb    interfaces.PubSubBus
	ps     interfaces.PayloadStore
	mi     interfaces.MetadataIndex
	prefix string
	logger *common.Logger
}

// New constructs a Pub/Sub Engine. mi is used only to arm the ephemeral TTL
// marker that drives topic-message GC; ps may be nil-tolerant in the sense
// that publish degrades to a PSB-only fallback when it errors.
func New(psb interfaces.PubSubBus, ps interfaces.PayloadStore, mi interfaces.MetadataIndex, prefix string, logger *common.Logger) *Engine {
	return &Engine{psb: psb, ps: ps, mi: mi, prefix: prefix, logger: logger}
}

func (e *Engine) channel(queue, topicID string) string {
	return e.prefix + ":" + queue + ".topics:" + topicID
}

// Publish stores the payload in the Payload Store under a fresh message_id
// and publishes that id on the topic's PSB channel. If the Payload Store is
// unavailable, it falls back to publishing the payload bytes directly;
// subscribers must handle both shapes.
func (e *Engine) Publish(ctx context.Context, queue, topicID string, payload []byte) (int, error) {
	messageID := uuid.New().String()

	if err := e.ps.PutTopicMessage(ctx, queue, messageID, payload); err != nil {
		e.logger.Warn().Str("queue", queue).Str("topic_id", topicID).Err(err).
			Msg("payload store unavailable for publish, falling back to direct PSB payload")
		return e.psb.Publish(ctx, e.channel(queue, topicID), payload)
	}

	if err := e.mi.SetEphemeralMarker(ctx, queue, messageID, topicMessageTTL); err != nil {
		e.logger.Warn().Str("queue", queue).Str("message_id", messageID).Err(err).
			Msg("failed to arm expiration marker for topic message; it will not be GC'd automatically")
	}

	return e.psb.Publish(ctx, e.channel(queue, topicID), []byte(messageID))
}

// SubscribeOne subscribes to the topic channel and waits up to timeout for
// the first message, resolving message_id indirection transparently.
// Returns (nil, nil) on deadline with nothing received — DeliveryMiss is
// not an error.
func (e *Engine) SubscribeOne(ctx context.Context, queue, topicID string, timeout time.Duration) ([]byte, error) {
	subCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch, unsubscribe, err := e.psb.Subscribe(subCtx, e.channel(queue, topicID))
	if err != nil {
		return nil, err
	}
	defer unsubscribe()

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		slice := pollSlice
		if remaining < slice {
			slice = remaining
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case msg, ok := <-ch:
			if !ok {
				return nil, nil
			}
			return e.resolve(ctx, queue, msg), nil
		case <-time.After(slice):
			// loop back to re-check the deadline/cancellation
		}
	}
}

// Frame is one message yielded by SubscribeStream: its resolved payload
// bytes, in publication order.
type Frame struct {
	Payload []byte
}

// SubscribeStream subscribes to the topic channel and yields every message
// received until timeout elapses or ctx is cancelled, calling emit for
// each. emit returning an error (e.g. a write failure on a disconnected
// client) stops the stream early.
func (e *Engine) SubscribeStream(ctx context.Context, queue, topicID string, timeout time.Duration, emit func(Frame) error) error {
	subCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch, unsubscribe, err := e.psb.Subscribe(subCtx, e.channel(queue, topicID))
	if err != nil {
		return err
	}
	defer unsubscribe()

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		slice := pollSlice
		if remaining < slice {
			slice = remaining
		}

		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := emit(Frame{Payload: e.resolve(ctx, queue, msg)}); err != nil {
				return err
			}
		case <-time.After(slice):
		}
	}
}

// resolve treats msg as a message_id reference when it parses as a UUID,
// fetching the real payload from the Payload Store; any other bytes are
// returned as-is, covering the direct-payload PSB fallback path.
func (e *Engine) resolve(ctx context.Context, queue string, msg []byte) []byte {
	if id, err := uuid.ParseBytes(msg); err == nil {
		payload, found, err := e.ps.GetTopicMessage(ctx, queue, id.String())
		if err == nil && found {
			return payload
		}
		if err != nil {
			e.logger.Warn().Str("queue", queue).Str("message_id", id.String()).Err(err).
				Msg("payload store read failed resolving topic message reference")
		}
	}
	return msg
}
