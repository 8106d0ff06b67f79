package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/broq/broq/internal/app"
	"github.com/broq/broq/internal/common"
	"github.com/broq/broq/internal/interfaces"
	"github.com/broq/broq/internal/jobengine"
	"github.com/broq/broq/internal/models"
	"github.com/broq/broq/internal/pubsub"
	"github.com/broq/broq/internal/pubsubengine"
)

// fakeMI is an in-memory interfaces.MetadataIndex, mirroring the one used
// to unit-test the Job Engine itself, so the HTTP layer can be exercised
// without a live Redis instance.
type fakeMI struct {
	mu      sync.Mutex
	indexed map[string]bool
	jobs    map[string]map[string]*models.JobMeta
}

func newFakeMI() *fakeMI {
	return &fakeMI{indexed: map[string]bool{}, jobs: map[string]map[string]*models.JobMeta{}}
}

func (f *fakeMI) CreateQueueIndex(_ context.Context, queue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed[queue] = true
	if f.jobs[queue] == nil {
		f.jobs[queue] = map[string]*models.JobMeta{}
	}
	return nil
}

func (f *fakeMI) Add(_ context.Context, meta *models.JobMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed[meta.Queue] = true
	if f.jobs[meta.Queue] == nil {
		f.jobs[meta.Queue] = map[string]*models.JobMeta{}
	}
	cp := *meta
	f.jobs[meta.Queue][meta.JobID] = &cp
	return nil
}

func (f *fakeMI) Take(_ context.Context, queue string) (*models.JobMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.indexed[queue] {
		return nil, interfaces.ErrNotReady
	}
	var candidates []*models.JobMeta
	for _, m := range f.jobs[queue] {
		if m.Status == models.StatusCreated {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedTS < candidates[j].CreatedTS
	})
	chosen := candidates[0]
	chosen.Status = models.StatusInProgress
	chosen.GrabTS = float64(time.Now().Unix())
	cp := *chosen
	return &cp, nil
}

func (f *fakeMI) Get(_ context.Context, queue, jobID string) (*models.JobMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.jobs[queue][jobID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMI) Delete(_ context.Context, queue, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if jobID == "*" {
		f.jobs[queue] = map[string]*models.JobMeta{}
		return nil
	}
	delete(f.jobs[queue], jobID)
	return nil
}

func (f *fakeMI) Reset(_ context.Context, queue, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.jobs[queue][jobID]
	if !ok {
		return nil
	}
	m.Status = models.StatusCreated
	m.GrabTS = 0
	return nil
}

func (f *fakeMI) Count(_ context.Context, queue string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.indexed[queue] {
		return 0, interfaces.ErrNotReady
	}
	var n int64
	for _, m := range f.jobs[queue] {
		if m.Status == models.StatusCreated {
			n++
		}
	}
	return n, nil
}

func (f *fakeMI) Unstale(_ context.Context, queue string, ttl time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := float64(time.Now().Unix()) - ttl.Seconds()
	n := 0
	for _, m := range f.jobs[queue] {
		if m.Status == models.StatusInProgress && (ttl <= 0 || m.GrabTS < cutoff) {
			m.Status = models.StatusCreated
			m.GrabTS = 0
			n++
		}
	}
	return n, nil
}

func (f *fakeMI) Ping(_ context.Context) error { return nil }

func (f *fakeMI) WatchExpirations(ctx context.Context) (<-chan string, error) {
	ch := make(chan string)
	go func() { <-ctx.Done(); close(ch) }()
	return ch, nil
}

func (f *fakeMI) SetEphemeralMarker(_ context.Context, _, _ string, _ time.Duration) error {
	return nil
}

// fakePS is an in-memory interfaces.PayloadStore.
type fakePS struct {
	mu       sync.Mutex
	payloads map[string]map[string][]byte
}

func newFakePS() *fakePS {
	return &fakePS{payloads: map[string]map[string][]byte{}}
}

func (f *fakePS) PutJobPayload(_ context.Context, queue, jobID string, payload []byte, _ map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payloads[queue] == nil {
		f.payloads[queue] = map[string][]byte{}
	}
	f.payloads[queue][jobID] = payload
	return nil
}

func (f *fakePS) GetJobPayload(_ context.Context, queue, jobID string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payloads[queue][jobID]
	return p, ok, nil
}

func (f *fakePS) DeleteJobPayload(_ context.Context, queue, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.payloads[queue], jobID)
	return nil
}

func (f *fakePS) DeleteAllJobPayloads(_ context.Context, queue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[queue] = map[string][]byte{}
	return nil
}

func (f *fakePS) PutTopicMessage(_ context.Context, queue, messageID string, payload []byte) error {
	return f.PutJobPayload(context.Background(), queue+"_topics", messageID, payload, nil)
}

func (f *fakePS) GetTopicMessage(_ context.Context, queue, messageID string) ([]byte, bool, error) {
	return f.GetJobPayload(context.Background(), queue+"_topics", messageID)
}

func (f *fakePS) BulkDelete(_ context.Context, _ string, _ []string) error { return nil }

func (f *fakePS) Ping(_ context.Context) error { return nil }

// newTestServer wires a Server against fake MI/PS and an in-process PSB, so
// every handler can be exercised without a live Redis/Mongo instance.
func newTestServer() *Server {
	logger := common.NewSilentLogger()
	mi := newFakeMI()
	ps := newFakePS()
	psb := pubsub.NewBus()

	cfg := common.NewDefaultConfig()
	cfg.Server.Port = 0
	a := &app.App{
		Config:       cfg,
		Logger:       logger,
		MI:           mi,
		PS:           ps,
		PSB:          psb,
		JobEngine:    jobengine.New(mi, ps, logger),
		PubSubEngine: pubsubengine.New(psb, ps, mi, cfg.Prefix, logger),
		WSHub:        pubsub.NewWSHub(logger),
	}

	return NewServer(a)
}
