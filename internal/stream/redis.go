package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/warden/internal/event"
)

const (
	streamPrefix  = "warden:events:"
	consumerGroup = "warden-triage"
	eventField    = "event"
	readCount     = 32

	defaultReadBlock  = 5 * time.Second
	defaultRetryEvery = 15 * time.Second
	defaultMinIdle    = time.Minute
)

// RedisLog is a sharded Redis Streams event log. Events are routed to
// a shard stream by FNV hash of their event id, and consumed through a
// consumer group for at-least-once delivery.
type RedisLog struct {
	client   *redis.Client
	shards   int
	consumer string
	logger   log.Logger

	readBlock  time.Duration
	retryEvery time.Duration // how often pending entries are retried and stale ones reclaimed
	minIdle    time.Duration // idle threshold before another consumer's pending entry is adopted
}

// NewRedisLog creates a log over the given client with the given shard
// count. consumer names this process within the consumer group; it must
// be stable across restarts so the startup replay finds the previous
// run's pending entries.
func NewRedisLog(client *redis.Client, shards int, consumer string, logger log.Logger) *RedisLog {
	if shards < 1 {
		shards = 1
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &RedisLog{
		client:     client,
		shards:     shards,
		consumer:   consumer,
		logger:     logger,
		readBlock:  defaultReadBlock,
		retryEvery: defaultRetryEvery,
		minIdle:    defaultMinIdle,
	}
}

// Publish appends the event to its shard stream. Shard choice depends
// only on the event id, so redeliveries and duplicates of the same
// event land on the same stream, in order.
func (l *RedisLog) Publish(ctx context.Context, ev *event.SecurityEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := l.streamKey(shardFor(ev.EventID, l.shards))
	if err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{eventField: string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", key, err)
	}
	return nil
}

// Run consumes all shard streams until the context is cancelled. Each
// entry is acknowledged only after the handler succeeds. Entries left
// pending by a handler error or a crash are redelivered: this
// consumer's own pending list is replayed at startup and re-scanned on
// every retry tick, and entries stranded in a dead consumer's pending
// list are adopted via XAUTOCLAIM once they sit idle past minIdle.
func (l *RedisLog) Run(ctx context.Context, handle Handler) error {
	if err := l.ensureGroups(ctx); err != nil {
		return err
	}

	l.consume(ctx, handle, "0")
	l.reclaim(ctx, handle)

	retry := time.NewTicker(l.retryEvery)
	defer retry.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-retry.C:
			l.consume(ctx, handle, "0")
			l.reclaim(ctx, handle)
		default:
		}
		l.consume(ctx, handle, ">")
	}
}

func (l *RedisLog) ensureGroups(ctx context.Context) error {
	for i := 0; i < l.shards; i++ {
		err := l.client.XGroupCreateMkStream(ctx, l.streamKey(i), consumerGroup, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create consumer group on %s: %w", l.streamKey(i), err)
		}
	}
	return nil
}

// consume performs one XREADGROUP pass over all shards from the given
// cursor ("0" for pending backlog, ">" for new entries).
func (l *RedisLog) consume(ctx context.Context, handle Handler, cursor string) {
	streams := make([]string, 0, l.shards*2)
	for i := 0; i < l.shards; i++ {
		streams = append(streams, l.streamKey(i))
	}
	for i := 0; i < l.shards; i++ {
		streams = append(streams, cursor)
	}

	res, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: l.consumer,
		Streams:  streams,
		Count:    readCount,
		Block:    l.readBlock,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return
		}
		l.logger.Error(ctx, err, "event log read failed")
		return
	}

	for _, s := range res {
		for _, msg := range s.Messages {
			l.handleMessage(ctx, handle, s.Stream, msg)
		}
	}
}

// reclaim adopts pending entries whose owning consumer has gone away.
// XAUTOCLAIM transfers ownership of entries idle past minIdle to this
// consumer and returns them for handling.
func (l *RedisLog) reclaim(ctx context.Context, handle Handler) {
	for i := 0; i < l.shards; i++ {
		key := l.streamKey(i)
		start := "0-0"
		for {
			msgs, next, err := l.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   key,
				Group:    consumerGroup,
				Consumer: l.consumer,
				MinIdle:  l.minIdle,
				Start:    start,
				Count:    readCount,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
					return
				}
				l.logger.Error(ctx, err, "xautoclaim failed", "stream", key)
				break
			}
			for _, msg := range msgs {
				l.handleMessage(ctx, handle, key, msg)
			}
			if len(msgs) == 0 || next == "0-0" {
				break
			}
			start = next
		}
	}
}

func (l *RedisLog) handleMessage(ctx context.Context, handle Handler, streamKey string, msg redis.XMessage) {
	raw, ok := msg.Values[eventField].(string)
	if !ok {
		// Malformed entry: ack so it cannot wedge the shard.
		l.logger.Warn(ctx, "dropping entry without event field",
			"stream", streamKey, "entry_id", msg.ID)
		l.ack(ctx, streamKey, msg.ID)
		return
	}

	var ev event.SecurityEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		l.logger.Error(ctx, err, "dropping undecodable event entry",
			"stream", streamKey, "entry_id", msg.ID)
		l.ack(ctx, streamKey, msg.ID)
		return
	}

	if err := handle(ctx, &ev); err != nil {
		// Leave pending for redelivery.
		l.logger.Error(ctx, err, "event handling failed, leaving pending",
			"stream", streamKey, "entry_id", msg.ID, "event_id", ev.EventID)
		return
	}

	l.ack(ctx, streamKey, msg.ID)
}

func (l *RedisLog) ack(ctx context.Context, streamKey, id string) {
	if err := l.client.XAck(ctx, streamKey, consumerGroup, id).Err(); err != nil {
		l.logger.Error(ctx, err, "xack failed", "stream", streamKey, "entry_id", id)
	}
}

func (l *RedisLog) streamKey(shard int) string {
	return fmt.Sprintf("%s%d", streamPrefix, shard)
}

func shardFor(eventID string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(eventID))
	return int(h.Sum32() % uint32(shards))
}
