package ew

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/broq/broq/internal/common"
	"github.com/broq/broq/internal/models"
)

type fakeMI struct {
	expired chan string
}

func (f *fakeMI) CreateQueueIndex(context.Context, string) error { return nil }
func (f *fakeMI) Add(context.Context, *models.JobMeta) error { return nil }
func (f *fakeMI) Take(context.Context, string) (*models.JobMeta, error) { return nil, nil }
func (f *fakeMI) Get(context.Context, string, string) (*models.JobMeta, error) { return nil, nil }
func (f *fakeMI) Delete(context.Context, string, string) error { return nil }
func (f *fakeMI) Reset(context.Context, string, string) error { return nil }
func (f *fakeMI) Count(context.Context, string) (int64, error) { return 0, nil }
func (f *fakeMI) Unstale(context.Context, string, time.Duration) (int, error) { return 0, nil }
func (f *fakeMI) Ping(context.Context) error { return nil }
func (f *fakeMI) SetEphemeralMarker(context.Context, string, string, time.Duration) error {
	return nil
}
func (f *fakeMI) WatchExpirations(ctx context.Context) (<-chan string, error) {
	return f.expired, nil
}

type fakePS struct {
	mu      sync.Mutex
	deleted map[string][]string
}

func newFakePS() *fakePS { return &fakePS{deleted: map[string][]string{}} }

func (f *fakePS) PutJobPayload(context.Context, string, string, []byte, map[string]interface{}) error {
	return nil
}
func (f *fakePS) GetJobPayload(context.Context, string, string) ([]byte, bool, error) {
	return nil, false, nil
}
func (f *fakePS) DeleteJobPayload(context.Context, string, string) error { return nil }
func (f *fakePS) DeleteAllJobPayloads(context.Context, string) error { return nil }
func (f *fakePS) PutTopicMessage(context.Context, string, string, []byte) error {
	return nil
}
func (f *fakePS) GetTopicMessage(context.Context, string, string) ([]byte, bool, error) {
	return nil, false, nil
}
func (f *fakePS) Ping(context.Context) error { return nil }

func (f *fakePS) BulkDelete(_ context.Context, collection string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[collection] = append(f.deleted[collection], ids...)
	return nil
}

func TestWatcher_BatchesAndResolvesJobKey(t *testing.T) {
	mi := &fakeMI{expired: make(chan string, 10)}
	ps := newFakePS()
	w := New(mi, ps, "broq", common.NewSilentLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()

	mi.expired <- "broq:Q:job-1"
	mi.expired <- "broq:Q:job-2"

	require.Eventually(t, func() bool {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		return len(ps.deleted["broq_Q"]) == 2
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
}

func TestWatcher_ResolvesEphemeralTopicKey(t *testing.T) {
	mi := &fakeMI{expired: make(chan string, 10)}
	ps := newFakePS()
	w := New(mi, ps, "broq", common.NewSilentLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()

	mi.expired <- "broq:ephemeral:Q:msg-1"

	require.Eventually(t, func() bool {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		return len(ps.deleted["broq_Q_topics"]) == 1
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
}

func TestWatcher_IgnoresForeignPrefix(t *testing.T) {
	mi := &fakeMI{expired: make(chan string, 10)}
	ps := newFakePS()
	w := New(mi, ps, "broq", common.NewSilentLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	mi.expired <- "other-service:Q:job-1"
	time.Sleep(200 * time.Millisecond)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	require.Empty(t, ps.deleted)
}
