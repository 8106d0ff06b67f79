package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsubscribe, err := b.Subscribe(ctx, "topic-a")
	require.NoError(t, err)
	defer unsubscribe()

	n, err := b.Publish(ctx, "topic-a", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	select {
	case msg := <-ch:
		require.Equal(t, []byte("hello"), msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestBus_LateSubscriberMissesEarlierPublish(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := b.Publish(ctx, "topic-b", []byte("missed"))
	require.NoError(t, err)
	require.Equal(t, 0, n)

	ch, unsubscribe, err := b.Subscribe(ctx, "topic-b")
	require.NoError(t, err)
	defer unsubscribe()

	select {
	case <-ch:
		t.Fatal("should not have received a message published before subscribing")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_MultipleSubscribersAllReceive(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1, unsub1, err := b.Subscribe(ctx, "topic-c")
	require.NoError(t, err)
	defer unsub1()
	ch2, unsub2, err := b.Subscribe(ctx, "topic-c")
	require.NoError(t, err)
	defer unsub2()

	n, err := b.Publish(ctx, "topic-c", []byte("x"))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, ch := range []<-chan []byte{ch1, ch2} {
		select {
		case msg := <-ch:
			require.Equal(t, []byte("x"), msg)
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, unsubscribe, err := b.Subscribe(ctx, "topic-d")
	require.NoError(t, err)
	require.Equal(t, 1, b.SubscriberCount("topic-d"))

	unsubscribe()
	require.Equal(t, 0, b.SubscriberCount("topic-d"))
}
