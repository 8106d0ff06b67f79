// Package redismi implements the Metadata Index (MI) over Redis: one hash
// per job plus a per-queue sorted-set/set index, with the take transition
// executed as a server-side Lua script for atomicity.
package redismi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/broq/broq/internal/interfaces"
	"github.com/broq/broq/internal/models"
	"github.com/broq/broq/internal/storage"
)

// priorityScale is large enough that created_ts (epoch seconds, ~1.8e9
// today) never overflows into the priority band of the combined score.
const priorityScale = 1e13

// takeScript atomically pops the highest-priority, oldest created job in a
// queue and flips it to in_progress. KEYS[1]=by_created zset,
// KEYS[2]=created set, KEYS[3]=in_progress zset. ARGV[1]=job hash key
// prefix, ARGV[2]=now.
var takeScript = redis.NewScript(`
local job_id = redis.call('ZRANGE', KEYS[1], 0, 0)[1]
if not job_id then
	return false
end
redis.call('ZREM', KEYS[1], job_id)
redis.call('SREM', KEYS[2], job_id)
local hkey = ARGV[1] .. job_id
redis.call('HSET', hkey, 'status', 'in_progress', 'grab_ts', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[2], job_id)
local created_ts = redis.call('HGET', hkey, 'created_ts')
local priority = redis.call('HGET', hkey, 'priority')
return {job_id, created_ts, priority}
`)

// resetScript restores one job to created, reinstating its queue-index
// membership from the hash's own created_ts/priority fields. KEYS[1]=job
// hash, KEYS[2]=by_created zset, KEYS[3]=created set, KEYS[4]=in_progress
// zset. ARGV[1]=job_id.
var resetScript = redis.NewScript(fmt.Sprintf(`
local exists = redis.call('EXISTS', KEYS[1])
if exists == 0 then
	return false
end
local created_ts = tonumber(redis.call('HGET', KEYS[1], 'created_ts'))
local priority = tonumber(redis.call('HGET', KEYS[1], 'priority')) or 0
redis.call('HSET', KEYS[1], 'status', 'created')
redis.call('HDEL', KEYS[1], 'grab_ts')
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[2], (priority * -%s) + created_ts, ARGV[1])
return true
`, priorityScaleLiteral))

// unstaleScript resets every job in the in_progress zset whose grab_ts is
// older than the cutoff. KEYS[1]=in_progress zset, KEYS[2]=by_created zset,
// KEYS[3]=created set. ARGV[1]=job hash key prefix, ARGV[2]=cutoff.
var unstaleScript = redis.NewScript(fmt.Sprintf(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local n = 0
for _, job_id in ipairs(stale) do
	local hkey = ARGV[1] .. job_id
	if redis.call('EXISTS', hkey) == 1 then
		local created_ts = tonumber(redis.call('HGET', hkey, 'created_ts'))
		local priority = tonumber(redis.call('HGET', hkey, 'priority')) or 0
		redis.call('HSET', hkey, 'status', 'created')
		redis.call('HDEL', hkey, 'grab_ts')
		redis.call('SADD', KEYS[3], job_id)
		redis.call('ZADD', KEYS[2], (priority * -%s) + created_ts, job_id)
		n = n + 1
	end
	redis.call('ZREM', KEYS[1], job_id)
end
return n
`, priorityScaleLiteral))

var priorityScaleLiteral = strconv.FormatFloat(priorityScale, 'f', -1, 64)

// Store implements interfaces.MetadataIndex over a Redis UniversalClient,
// which transparently covers both standalone and Sentinel topologies.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New wraps an already-connected Redis client. prefix is the global
// namespace prefix under which every key is written.
func New(client redis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) jobKey(queue, jobID string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, queue, jobID)
}

func (s *Store) jobKeyPrefix(queue string) string {
	return fmt.Sprintf("%s:%s:", s.prefix, queue)
}

func (s *Store) byCreatedKey(queue string) string {
	return fmt.Sprintf("%s:%s:__by_created", s.prefix, queue)
}

func (s *Store) createdSetKey(queue string) string {
	return fmt.Sprintf("%s:%s:__created", s.prefix, queue)
}

func (s *Store) inProgressKey(queue string) string {
	return fmt.Sprintf("%s:%s:__in_progress", s.prefix, queue)
}

func (s *Store) indexMarkerKey(queue string) string {
	return fmt.Sprintf("%s:%s:__index", s.prefix, queue)
}

func (s *Store) ephemeralMarkerKey(queue, messageID string) string {
	return fmt.Sprintf("%s:ephemeral:%s:%s", s.prefix, queue, messageID)
}

// SetEphemeralMarker sets a TTL-only key used to trigger the Expiration
// Watcher's GC of a topic message once ttl elapses.
func (s *Store) SetEphemeralMarker(ctx context.Context, queue, messageID string, ttl time.Duration) error {
	return storage.WithRetry(ctx, isTransient, func() error {
		return s.client.Set(ctx, s.ephemeralMarkerKey(queue, messageID), "1", ttl).Err()
	})
}

// isTransient classifies Redis errors worth retrying: network errors and
// timeouts, but not redis.Nil (a legitimate empty result).
func isTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// CreateQueueIndex ensures the queue's index marker exists. Idempotent.
func (s *Store) CreateQueueIndex(ctx context.Context, queue string) error {
	return storage.WithRetry(ctx, isTransient, func() error {
		return s.client.Set(ctx, s.indexMarkerKey(queue), "1", 0).Err()
	})
}

func (s *Store) indexExists(ctx context.Context, queue string) (bool, error) {
	var exists int64
	err := storage.WithRetry(ctx, isTransient, func() error {
		var err error
		exists, err = s.client.Exists(ctx, s.indexMarkerKey(queue)).Result()
		return err
	})
	return exists > 0, err
}

// Add writes a job's created-state metadata and queue-index membership.
// Duplicate job_ids overwrite the prior document (replace-on-insert), per
// the adapter's retry/replace policy.
func (s *Store) Add(ctx context.Context, meta *models.JobMeta) error {
	if err := s.CreateQueueIndex(ctx, meta.Queue); err != nil {
		return err
	}
	hkey := s.jobKey(meta.Queue, meta.JobID)
	score := float64(meta.Priority)*(-priorityScale) + meta.CreatedTS
	return storage.WithRetry(ctx, isTransient, func() error {
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, hkey, map[string]interface{}{
			"created_ts": meta.CreatedTS,
			"status":     models.StatusCreated,
			"priority":   meta.Priority,
		})
		pipe.SAdd(ctx, s.createdSetKey(meta.Queue), meta.JobID)
		pipe.ZAdd(ctx, s.byCreatedKey(meta.Queue), redis.Z{Score: score, Member: meta.JobID})
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Take atomically claims the oldest, highest-priority created job.
func (s *Store) Take(ctx context.Context, queue string) (*models.JobMeta, error) {
	exists, err := s.indexExists(ctx, queue)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, interfaces.ErrNotReady
	}

	now := float64(time.Now().Unix())
	var res interface{}
	err = storage.WithRetry(ctx, isTransient, func() error {
		var err error
		res, err = takeScript.Run(ctx, s.client,
			[]string{s.byCreatedKey(queue), s.createdSetKey(queue), s.inProgressKey(queue)},
			s.jobKeyPrefix(queue), now,
		).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		// The script returned false: nothing available to claim.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	fields, ok := res.([]interface{})
	if !ok || len(fields) == 0 {
		return nil, nil
	}

	jobID, _ := fields[0].(string)
	if jobID == "" {
		return nil, nil
	}
	createdTS, _ := strconv.ParseFloat(fmt.Sprintf("%v", fields[1]), 64)
	priority := 0
	if fields[2] != nil {
		priority, _ = strconv.Atoi(fmt.Sprintf("%v", fields[2]))
	}

	return &models.JobMeta{
		JobID:     jobID,
		Queue:     queue,
		CreatedTS: createdTS,
		Status:    models.StatusInProgress,
		GrabTS:    now,
		Priority:  priority,
	}, nil
}

// Get fetches a single job's metadata.
func (s *Store) Get(ctx context.Context, queue, jobID string) (*models.JobMeta, error) {
	var m map[string]string
	err := storage.WithRetry(ctx, isTransient, func() error {
		var err error
		m, err = s.client.HGetAll(ctx, s.jobKey(queue, jobID)).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	meta := &models.JobMeta{JobID: jobID, Queue: queue, Status: m["status"]}
	if v, ok := m["created_ts"]; ok {
		meta.CreatedTS, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["grab_ts"]; ok {
		meta.GrabTS, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["priority"]; ok {
		p, _ := strconv.Atoi(v)
		meta.Priority = p
	}
	return meta, nil
}

// Delete removes a job's metadata, or every key under the queue prefix when
// jobID == "*".
func (s *Store) Delete(ctx context.Context, queue, jobID string) error {
	if jobID == "*" {
		return s.deleteAll(ctx, queue)
	}
	return storage.WithRetry(ctx, isTransient, func() error {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, s.jobKey(queue, jobID))
		pipe.SRem(ctx, s.createdSetKey(queue), jobID)
		pipe.ZRem(ctx, s.byCreatedKey(queue), jobID)
		pipe.ZRem(ctx, s.inProgressKey(queue), jobID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (s *Store) deleteAll(ctx context.Context, queue string) error {
	return storage.WithRetry(ctx, isTransient, func() error {
		var cursor uint64
		pattern := s.jobKeyPrefix(queue) + "*"
		for {
			keys, next, err := s.client.Scan(ctx, cursor, pattern, 1000).Result()
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				if err := s.client.Del(ctx, keys...).Err(); err != nil {
					return err
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, s.createdSetKey(queue))
		pipe.Del(ctx, s.byCreatedKey(queue))
		pipe.Del(ctx, s.inProgressKey(queue))
		pipe.Set(ctx, s.indexMarkerKey(queue), "1", 0)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Reset restores a job to created, clearing grab_ts. A no-op if the job no
// longer exists (already done/removed).
func (s *Store) Reset(ctx context.Context, queue, jobID string) error {
	return storage.WithRetry(ctx, isTransient, func() error {
		_, err := resetScript.Run(ctx, s.client,
			[]string{s.jobKey(queue, jobID), s.byCreatedKey(queue), s.createdSetKey(queue), s.inProgressKey(queue)},
			jobID,
		).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	})
}

// Count returns the number of created jobs in the queue.
func (s *Store) Count(ctx context.Context, queue string) (int64, error) {
	exists, err := s.indexExists(ctx, queue)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, interfaces.ErrNotReady
	}
	var n int64
	err = storage.WithRetry(ctx, isTransient, func() error {
		var err error
		n, err = s.client.SCard(ctx, s.createdSetKey(queue)).Result()
		return err
	})
	return n, err
}

// Unstale resets every in_progress job whose lease is older than ttl.
func (s *Store) Unstale(ctx context.Context, queue string, ttl time.Duration) (int, error) {
	cutoff := float64(time.Now().Unix())
	if ttl > 0 {
		cutoff -= ttl.Seconds()
	}
	var n int64
	err := storage.WithRetry(ctx, isTransient, func() error {
		res, err := unstaleScript.Run(ctx, s.client,
			[]string{s.inProgressKey(queue), s.byCreatedKey(queue), s.createdSetKey(queue)},
			s.jobKeyPrefix(queue), cutoff,
		).Result()
		if err != nil {
			return err
		}
		n, _ = res.(int64)
		return nil
	})
	return int(n), err
}

// Ping validates MI connectivity. Failure here is fatal to the broker.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// WatchExpirations subscribes to the MI key-expiration event channel and
// forwards expired key names until ctx is cancelled.
func (s *Store) WatchExpirations(ctx context.Context) (<-chan string, error) {
	db := 0
	if opts, ok := s.client.(*redis.Client); ok {
		db = opts.Options().DB
	}
	pattern := fmt.Sprintf("__keyevent@%d__:expired", db)
	sub := s.client.PSubscribe(ctx, pattern)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan string, 1024)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
