package mongops

import (
	"context"
	"testing"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcmongo.Run(ctx, "mongo:7")
	if err != nil {
		t.Skipf("mongo container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(ctx) })

	return New(client, "broq_test", "broq")
}

func TestStore_JobPayloadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutJobPayload(ctx, "Q", "j1", []byte("hello"), nil))

	payload, found, err := s.GetJobPayload(ctx, "Q", "j1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("hello"), payload)

	require.NoError(t, s.DeleteJobPayload(ctx, "Q", "j1"))

	_, found, err = s.GetJobPayload(ctx, "Q", "j1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestStore_JobPayloadReplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutJobPayload(ctx, "Q", "j1", []byte("v1"), nil))
	require.NoError(t, s.PutJobPayload(ctx, "Q", "j1", []byte("v2"), nil))

	payload, found, err := s.GetJobPayload(ctx, "Q", "j1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), payload)
}

func TestStore_DeleteAllJobPayloads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.PutJobPayload(ctx, "Q", id, []byte(id), nil))
	}

	require.NoError(t, s.DeleteAllJobPayloads(ctx, "Q"))

	for _, id := range []string{"a", "b", "c"} {
		_, found, err := s.GetJobPayload(ctx, "Q", id)
		require.NoError(t, err)
		require.False(t, found)
	}
}

func TestStore_TopicMessageRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutTopicMessage(ctx, "Q", "msg-1", []byte("step0")))

	payload, found, err := s.GetTopicMessage(ctx, "Q", "msg-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("step0"), payload)

	_, found, err = s.GetTopicMessage(ctx, "Q", "nonexistent")
	require.NoError(t, err)
	require.False(t, found)
}

func TestStore_BulkDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"x", "y"} {
		require.NoError(t, s.PutTopicMessage(ctx, "Q", id, []byte(id)))
	}

	require.NoError(t, s.BulkDelete(ctx, "broq_Q_topics", []string{"x", "y"}))

	_, found, err := s.GetTopicMessage(ctx, "Q", "x")
	require.NoError(t, err)
	require.False(t, found)
}
