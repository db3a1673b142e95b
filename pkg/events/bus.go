package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPrefix is prepended to every topic to form the Redis stream key.
	DefaultPrefix = "events:"
	// DLQSuffix is appended to a topic to form its dead-letter stream.
	DLQSuffix = ".dlq"
	// MaxDeliveries is the number of deliveries after which a pending message is dead-lettered.
	MaxDeliveries = 5
	// RetryBackoff is the delay after a failed read from Redis.
	RetryBackoff = 2 * time.Second
	// CommitTimeout bounds acks and dead-letter writes, which run even after shutdown starts.
	CommitTimeout = 5 * time.Second

	fieldPayload     = "payload"
	fieldPublishedAt = "published_at"
	fieldError       = "error"
)

// Message is one delivery of a published event.
type Message struct {
	ID          string
	Topic       string
	Payload     json.RawMessage
	PublishedAt time.Time
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Topic, err)
	}
	return nil
}

// Handler processes one message. Returning nil commits the message; returning an
// error leaves it pending for redelivery unless the error is Permanent.
type Handler func(ctx context.Context, msg Message) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: the message is committed and dead-lettered.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Options tunes the bus.
type Options struct {
	Prefix      string
	ClaimIdle   time.Duration // pending messages idle this long are reclaimed by another consumer
	Concurrency int           // handlers running at once per subscription
	Block       time.Duration // XREADGROUP block timeout
	BatchSize   int64
}

func (o *Options) setDefaults() {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.ClaimIdle <= 0 {
		o.ClaimIdle = 5 * time.Minute
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Block <= 0 {
		o.Block = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
}

// inflight tracks the messages a subscription is currently handling.
type inflight struct {
	mu       sync.Mutex
	ids      map[string]struct{}
	released chan struct{} // signalled when a handler finishes
}

func newInflight() *inflight {
	return &inflight{ids: make(map[string]struct{}), released: make(chan struct{}, 1)}
}

// add reports false if id is already being handled.
func (f *inflight) add(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ids[id]; ok {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

func (f *inflight) done(id string) {
	f.mu.Lock()
	delete(f.ids, id)
	f.mu.Unlock()
	select {
	case f.released <- struct{}{}:
	default:
	}
}

func (f *inflight) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

func (f *inflight) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ids[id]
	return ok
}

// Bus publishes and consumes events over Redis Streams consumer groups.
type Bus struct {
	client *redis.Client
	opts   Options
	logger *zap.Logger
}

// NewBus creates a Redis Streams event bus.
func NewBus(client *redis.Client, opts Options, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.setDefaults()
	return &Bus{client: client, opts: opts, logger: logger}
}

// StreamKey returns the Redis key backing topic.
func (b *Bus) StreamKey(topic string) string {
	return b.opts.Prefix + topic
}

// Publish appends payload (JSON-encoded) to topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.StreamKey(topic),
		Values: map[string]interface{}{
			fieldPayload:     string(body),
			fieldPublishedAt: time.Now().UnixMilli(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", topic, err)
	}
	b.logger.Debug("published event", zap.String("topic", topic), zap.String("message_id", id))
	return nil
}

// Subscribe consumes topic as member consumer of group until ctx is done.
// Each message runs on its own goroutine, bounded by Options.Concurrency.
// While a handler runs, its message is kept claimed so no consumer redelivers it.
func (b *Bus) Subscribe(ctx context.Context, topic, group, consumer string, h Handler) error {
	stream := b.StreamKey(topic)
	if err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	logger := b.logger.With(zap.String("topic", topic), zap.String("group", group), zap.String("consumer", consumer))
	logger.Info("subscribed")

	busy := newInflight()
	var g errgroup.Group
	g.SetLimit(b.opts.Concurrency)
	dispatch := func(msgs []redis.XMessage) int {
		n := 0
		for _, xm := range msgs {
			if !busy.add(xm.ID) {
				continue
			}
			n++
			xm := xm
			g.Go(func() error {
				defer busy.done(xm.ID)
				b.handle(ctx, topic, group, consumer, xm, h, logger)
				return nil
			})
		}
		return n
	}

	lastClaim := time.Time{}
	for {
		if ctx.Err() != nil {
			break
		}
		// Only take as many messages as can start now; a message waiting for a
		// slot is not kept claimed and would be reclaimed elsewhere.
		free := b.opts.Concurrency - busy.size()
		if free <= 0 {
			select {
			case <-ctx.Done():
			case <-busy.released:
			}
			continue
		}
		count := min(int64(free), b.opts.BatchSize)

		if time.Since(lastClaim) >= b.opts.ClaimIdle/2 {
			lastClaim = time.Now()
			if dispatch(b.reclaim(ctx, topic, group, consumer, count, busy, logger)) > 0 {
				continue
			}
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    count,
			Block:    b.opts.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			logger.Warn("read group error", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(RetryBackoff):
			}
			continue
		}
		for _, s := range res {
			dispatch(s.Messages)
		}
	}

	_ = g.Wait()
	logger.Info("subscription stopped")
	return nil
}

// reclaim dead-letters messages delivered too often and claims the remaining idle ones for consumer.
// Messages this subscription is still handling are left alone.
func (b *Bus) reclaim(ctx context.Context, topic, group, consumer string, count int64, busy *inflight, logger *zap.Logger) []redis.XMessage {
	stream := b.StreamKey(topic)
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   b.opts.ClaimIdle,
		Start:  "-",
		End:    "+",
		Count:  b.opts.BatchSize,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		logger.Debug("xpending failed", zap.Error(err))
	}
	for _, p := range pending {
		if p.RetryCount < MaxDeliveries || busy.has(p.ID) {
			continue
		}
		msgs, err := b.client.XRangeN(ctx, stream, p.ID, p.ID, 1).Result()
		if err != nil || len(msgs) == 0 {
			continue
		}
		b.deadLetter(ctx, topic, group, msgs[0], fmt.Errorf("exceeded %d deliveries", MaxDeliveries), logger)
	}

	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		MinIdle:  b.opts.ClaimIdle,
		Start:    "0-0",
		Count:    count,
		Consumer: consumer,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			logger.Warn("xautoclaim failed", zap.Error(err))
		}
		return nil
	}
	if len(msgs) > 0 {
		logger.Info("reclaimed pending messages", zap.Int("count", len(msgs)))
	}
	return msgs
}

func (b *Bus) handle(ctx context.Context, topic, group, consumer string, xm redis.XMessage, h Handler, logger *zap.Logger) {
	msg, err := toMessage(topic, xm)
	if err != nil {
		b.deadLetter(ctx, topic, group, xm, err, logger)
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		b.keepClaimed(hbCtx, topic, group, consumer, xm.ID, logger)
	}()
	err = h(ctx, msg)
	stopHeartbeat()
	<-hbDone

	switch {
	case err == nil:
		commitCtx, cancel := b.commitContext(ctx)
		defer cancel()
		if ackErr := b.client.XAck(commitCtx, b.StreamKey(topic), group, xm.ID).Err(); ackErr != nil {
			logger.Error("ack failed", zap.String("message_id", xm.ID), zap.Error(ackErr))
		}
	case IsPermanent(err):
		b.deadLetter(ctx, topic, group, xm, err, logger)
	default:
		logger.Warn("handler failed, message left pending", zap.String("message_id", xm.ID), zap.Error(err))
	}
}

// keepClaimed resets the idle time of a message under handling well before
// ClaimIdle, so XAUTOCLAIM in any consumer skips it. JUSTID leaves the delivery count alone.
func (b *Bus) keepClaimed(ctx context.Context, topic, group, consumer, id string, logger *zap.Logger) {
	ticker := time.NewTicker(max(b.opts.ClaimIdle/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := b.client.XClaimJustID(ctx, &redis.XClaimArgs{
				Stream:   b.StreamKey(topic),
				Group:    group,
				Consumer: consumer,
				MinIdle:  0,
				Messages: []string{id},
			}).Err()
			if err != nil && ctx.Err() == nil {
				logger.Warn("refresh claim failed", zap.String("message_id", id), zap.Error(err))
			}
		}
	}
}

// commitContext detaches acks from subscription shutdown: a handler that finished
// must still be committed after ctx is cancelled.
func (b *Bus) commitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), CommitTimeout)
}

// deadLetter copies the message to the topic's DLQ stream and commits it.
func (b *Bus) deadLetter(ctx context.Context, topic, group string, xm redis.XMessage, cause error, logger *zap.Logger) {
	ctx, cancel := b.commitContext(ctx)
	defer cancel()
	values := map[string]interface{}{
		fieldError: cause.Error(),
		"source_id": xm.ID,
	}
	if p, ok := xm.Values[fieldPayload]; ok {
		values[fieldPayload] = p
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: b.StreamKey(topic + DLQSuffix), Values: values}).Err(); err != nil {
		logger.Error("dlq push failed", zap.String("message_id", xm.ID), zap.Error(err))
		return
	}
	if err := b.client.XAck(ctx, b.StreamKey(topic), group, xm.ID).Err(); err != nil {
		logger.Error("ack failed", zap.String("message_id", xm.ID), zap.Error(err))
	}
	logger.Warn("message moved to DLQ", zap.String("message_id", xm.ID), zap.Error(cause))
}

func toMessage(topic string, xm redis.XMessage) (Message, error) {
	raw, ok := xm.Values[fieldPayload].(string)
	if !ok {
		return Message{}, fmt.Errorf("message %s has no payload", xm.ID)
	}
	msg := Message{ID: xm.ID, Topic: topic, Payload: json.RawMessage(raw)}
	if ts, ok := xm.Values[fieldPublishedAt].(string); ok {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			msg.PublishedAt = time.UnixMilli(ms)
		}
	}
	return msg, nil
}
