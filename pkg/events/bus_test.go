package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type uploaded struct {
	VideoID string `json:"videoId"`
}

func setupBus(t *testing.T) (*miniredis.Miniredis, *redis.Client, *Bus) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewBus(client, Options{Block: 50 * time.Millisecond, Concurrency: 2}, zap.NewNop())
	return mr, client, bus
}

// runSubscription starts Subscribe in the background and returns a stop func that waits for it.
func runSubscription(t *testing.T, bus *Bus, topic string, h Handler) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Subscribe(ctx, topic, "workers", "w1", h) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("subscription did not stop")
		}
	}
}

func TestPublishSubscribe(t *testing.T) {
	mr, client, bus := setupBus(t)
	defer mr.Close()
	defer client.Close()

	var mu sync.Mutex
	var got []string
	received := make(chan struct{}, 2)
	stop := runSubscription(t, bus, "video.uploaded", func(ctx context.Context, msg Message) error {
		var p uploaded
		if err := msg.Decode(&p); err != nil {
			return err
		}
		mu.Lock()
		got = append(got, p.VideoID)
		mu.Unlock()
		received <- struct{}{}
		return nil
	})

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "video.uploaded", uploaded{VideoID: "v1"}))
	require.NoError(t, bus.Publish(ctx, "video.uploaded", uploaded{VideoID: "v2"}))

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(3 * time.Second):
			t.Fatal("message not delivered")
		}
	}
	stop()

	mu.Lock()
	assert.ElementsMatch(t, []string{"v1", "v2"}, got)
	mu.Unlock()

	pending, err := client.XPending(ctx, bus.StreamKey("video.uploaded"), "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestHandlerErrorLeavesMessagePending(t *testing.T) {
	mr, client, bus := setupBus(t)
	defer mr.Close()
	defer client.Close()

	attempted := make(chan struct{}, 1)
	stop := runSubscription(t, bus, "video.uploaded", func(ctx context.Context, msg Message) error {
		select {
		case attempted <- struct{}{}:
		default:
		}
		return errors.New("transient")
	})

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "video.uploaded", uploaded{VideoID: "v1"}))
	select {
	case <-attempted:
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
	stop()

	pending, err := client.XPending(ctx, bus.StreamKey("video.uploaded"), "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}

func TestPermanentErrorDeadLetters(t *testing.T) {
	mr, client, bus := setupBus(t)
	defer mr.Close()
	defer client.Close()

	attempted := make(chan struct{}, 1)
	stop := runSubscription(t, bus, "video.uploaded", func(ctx context.Context, msg Message) error {
		defer func() { attempted <- struct{}{} }()
		return Permanent(errors.New("video not found"))
	})

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "video.uploaded", uploaded{VideoID: "v1"}))
	select {
	case <-attempted:
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}

	require.Eventually(t, func() bool {
		msgs, err := client.XRange(ctx, bus.StreamKey("video.uploaded"+DLQSuffix), "-", "+").Result()
		return err == nil && len(msgs) == 1
	}, 3*time.Second, 20*time.Millisecond)
	stop()

	msgs, err := client.XRange(ctx, bus.StreamKey("video.uploaded"+DLQSuffix), "-", "+").Result()
	require.NoError(t, err)
	assert.Equal(t, "video not found", msgs[0].Values[fieldError])
	assert.JSONEq(t, `{"videoId":"v1"}`, msgs[0].Values[fieldPayload].(string))

	pending, err := client.XPending(ctx, bus.StreamKey("video.uploaded"), "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("boom")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}

func TestSubscribeStopsWithoutLeaks(t *testing.T) {
	mr, client, bus := setupBus(t)
	ignore := goleak.IgnoreCurrent()

	stop := runSubscription(t, bus, "video.uploaded", func(ctx context.Context, msg Message) error { return nil })
	require.NoError(t, bus.Publish(context.Background(), "video.uploaded", uploaded{VideoID: "v1"}))
	stop()

	require.NoError(t, client.Close())
	mr.Close()
	goleak.VerifyNone(t, ignore)
}

func TestLongHandlerIsNotRedelivered(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	bus := NewBus(client, Options{ClaimIdle: 200 * time.Millisecond, Block: 50 * time.Millisecond, Concurrency: 2}, zap.NewNop())

	var calls atomic.Int32
	finished := make(chan struct{}, 4)
	stop := runSubscription(t, bus, "video.uploaded", func(ctx context.Context, msg Message) error {
		calls.Add(1)
		defer func() { finished <- struct{}{} }()
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return nil
	})

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "video.uploaded", uploaded{VideoID: "v1"}))
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not finish")
	}
	// Leave room for a reclaim pass after the ack.
	time.Sleep(400 * time.Millisecond)
	stop()

	assert.Equal(t, int32(1), calls.Load())
	pending, err := client.XPending(ctx, bus.StreamKey("video.uploaded"), "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
	dlq, err := client.XLen(ctx, bus.StreamKey("video.uploaded"+DLQSuffix)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), dlq)
}

func TestSuccessIsCommittedDuringShutdown(t *testing.T) {
	mr, client, bus := setupBus(t)
	defer mr.Close()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- bus.Subscribe(ctx, "video.uploaded", "workers", "w1", func(context.Context, Message) error {
			cancel()
			return nil
		})
	}()

	require.NoError(t, bus.Publish(context.Background(), "video.uploaded", uploaded{VideoID: "v1"}))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not stop")
	}

	pending, err := client.XPending(context.Background(), bus.StreamKey("video.uploaded"), "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestBusyConsumerDoesNotHoldUnstartedMessages(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	bus := NewBus(client, Options{ClaimIdle: 200 * time.Millisecond, Block: 50 * time.Millisecond, Concurrency: 1}, zap.NewNop())

	var mu sync.Mutex
	calls := map[string]int{}
	finished := make(chan struct{}, 16)
	h := func(ctx context.Context, msg Message) error {
		var p uploaded
		assert.NoError(t, msg.Decode(&p))
		mu.Lock()
		calls[p.VideoID]++
		mu.Unlock()
		defer func() { finished <- struct{}{} }()
		select {
		case <-time.After(600 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	}

	ctx := context.Background()
	for _, id := range []string{"v1", "v2", "v3"} {
		require.NoError(t, bus.Publish(ctx, "video.uploaded", uploaded{VideoID: id}))
	}

	subCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, consumer := range []string{"w1", "w2"} {
		consumer := consumer
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, bus.Subscribe(subCtx, "video.uploaded", "workers", consumer, h))
		}()
	}

	for i := 0; i < 3; i++ {
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
			t.Fatal("messages not handled")
		}
	}
	time.Sleep(400 * time.Millisecond)
	cancel()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"v1": 1, "v2": 1, "v3": 1}, calls)
}
