package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kursadbilgin/fallback-notifier/internal/domain"
)

const (
	defaultPollTimeout  = time.Second
	defaultClaimIdle    = 5 * time.Minute
	defaultPromoteBatch = 100
	jobField            = "job"
	keyField            = "key"
)

// promoteScript moves due jobs from the delayed set into the stream.
// KEYS: delayed zset, payload hash, stream. ARGV: now (unix ms), batch size.
var promoteScript = goredis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
  local payload = redis.call("HGET", KEYS[2], member)
  if payload then
    redis.call("XADD", KEYS[3], "*", "job", payload, "key", member)
  end
  redis.call("ZREM", KEYS[1], member)
  redis.call("HDEL", KEYS[2], member)
end
return #due
`)

type RedisConfig struct {
	Stream      string
	Group       string
	Consumer    string
	PollTimeout time.Duration
	ClaimIdle   time.Duration
}

// RedisRetryQueue keeps waiting jobs in a sorted set scored by due time and
// hands due jobs to workers through a stream consumer group.
type RedisRetryQueue struct {
	client      *goredis.Client
	stream      string
	group       string
	consumer    string
	delayedKey  string
	payloadKey  string
	pollTimeout time.Duration
	claimIdle   time.Duration
	now         func() time.Time
	logger      *zap.Logger

	groupMu    sync.Mutex
	groupReady bool
}

var _ RetryQueue = (*RedisRetryQueue)(nil)

func NewRedisRetryQueue(client *goredis.Client, cfg RedisConfig, logger *zap.Logger) (*RedisRetryQueue, error) {
	return newRedisRetryQueue(client, cfg, logger, time.Now)
}

func newRedisRetryQueue(client *goredis.Client, cfg RedisConfig, logger *zap.Logger, nowFn func() time.Time) (*RedisRetryQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(cfg.Stream) == "" || strings.TrimSpace(cfg.Group) == "" {
		return nil, fmt.Errorf("stream and consumer group are required")
	}
	if strings.TrimSpace(cfg.Consumer) == "" {
		return nil, fmt.Errorf("consumer name is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = defaultClaimIdle
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &RedisRetryQueue{
		client:      client,
		stream:      cfg.Stream,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		delayedKey:  cfg.Stream + ":delayed",
		payloadKey:  cfg.Stream + ":jobs",
		pollTimeout: cfg.PollTimeout,
		claimIdle:   cfg.ClaimIdle,
		now:         nowFn,
		logger:      logger,
	}, nil
}

func (q *RedisRetryQueue) Enqueue(ctx context.Context, job domain.RetryJob) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}

	member := job.Key()
	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAddNX(ctx, q.delayedKey, goredis.Z{Score: float64(job.DueAt.UnixMilli()), Member: member})
		pipe.HSetNX(ctx, q.payloadKey, member, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue retry job %s: %w", member, err)
	}
	return nil
}

func (q *RedisRetryQueue) DequeueDue(ctx context.Context) (*Delivery, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	for {
		msg, redelivered, err := q.next(ctx)
		if err != nil || msg == nil {
			return nil, err
		}

		d, err := q.toDelivery(*msg, redelivered)
		if err == nil {
			return d, nil
		}

		q.logger.Warn("dropping undecodable retry job",
			zap.String("streamId", msg.ID),
			zap.Error(err),
		)
		if err := q.remove(ctx, msg.ID); err != nil {
			return nil, err
		}
	}
}

// next returns an abandoned entry if one has been idle long enough, otherwise
// a fresh one, blocking up to the poll timeout.
func (q *RedisRetryQueue) next(ctx context.Context) (*goredis.XMessage, bool, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		q.resetGroupOnMissing(err)
		return nil, false, fmt.Errorf("failed to reclaim retry jobs: %w", err)
	}
	if len(claimed) > 0 {
		return &claimed[0], true, nil
	}

	streams, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.pollTimeout,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, nil
		}
		q.resetGroupOnMissing(err)
		return nil, false, fmt.Errorf("failed to read retry stream: %w", err)
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return &s.Messages[0], false, nil
		}
	}
	return nil, false, nil
}

func (q *RedisRetryQueue) toDelivery(msg goredis.XMessage, redelivered bool) (*Delivery, error) {
	raw, ok := msg.Values[jobField].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q field", ErrInvalidPayload, jobField)
	}
	job, err := decodeJob([]byte(raw))
	if err != nil {
		return nil, err
	}
	return &Delivery{
		ID:          msg.ID,
		Job:         job,
		Redelivered: redelivered,
		streamID:    msg.ID,
	}, nil
}

func (q *RedisRetryQueue) Ack(ctx context.Context, d *Delivery) error {
	if d == nil || d.streamID == "" {
		return fmt.Errorf("delivery does not belong to the redis retry queue")
	}
	return q.remove(ctx, d.streamID)
}

// Release leaves the entry pending in the consumer group. Any consumer
// reclaims it once it has been idle for the claim interval, flagged as
// redelivered.
func (q *RedisRetryQueue) Release(_ context.Context, d *Delivery) error {
	if d == nil || d.streamID == "" {
		return fmt.Errorf("delivery does not belong to the redis retry queue")
	}
	q.logger.Debug("retry job released for reclaim",
		zap.String("streamId", d.streamID),
		zap.Duration("claimIdle", q.claimIdle),
	)
	return nil
}

func (q *RedisRetryQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisRetryQueue) Close() error {
	return q.client.Close()
}

// Pending reports how many jobs wait for their due time.
func (q *RedisRetryQueue) Pending(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.delayedKey).Result()
}

func (q *RedisRetryQueue) remove(ctx context.Context, streamID string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.XAck(ctx, q.stream, q.group, streamID)
		pipe.XDel(ctx, q.stream, streamID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack retry job %s: %w", streamID, err)
	}
	return nil
}

func (q *RedisRetryQueue) promoteDue(ctx context.Context) error {
	nowMs := strconv.FormatInt(q.now().UnixMilli(), 10)
	moved, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey, q.payloadKey, q.stream},
		nowMs, defaultPromoteBatch,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to promote due retry jobs: %w", err)
	}
	if moved > 0 {
		q.logger.Debug("promoted due retry jobs", zap.Int("count", moved))
	}
	return nil
}

func (q *RedisRetryQueue) ensureGroup(ctx context.Context) error {
	q.groupMu.Lock()
	defer q.groupMu.Unlock()

	if q.groupReady {
		return nil
	}

	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", q.group, err)
	}
	q.groupReady = true
	return nil
}

func (q *RedisRetryQueue) resetGroupOnMissing(err error) {
	if err == nil || !strings.Contains(err.Error(), "NOGROUP") {
		return
	}
	q.groupMu.Lock()
	q.groupReady = false
	q.groupMu.Unlock()
}
