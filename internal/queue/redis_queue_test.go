package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kursadbilgin/fallback-notifier/internal/domain"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRedisClient(t *testing.T) (*goredis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	return rdb, mr
}

func newTestRedisQueue(t *testing.T, rdb *goredis.Client, consumer string, clock *testClock, claimIdle time.Duration) *RedisRetryQueue {
	t.Helper()

	q, err := newRedisRetryQueue(rdb, RedisConfig{
		Stream:      "notification:retry",
		Group:       "notification-workers",
		Consumer:    consumer,
		PollTimeout: 20 * time.Millisecond,
		ClaimIdle:   claimIdle,
	}, nil, clock.Now)
	if err != nil {
		t.Fatalf("newRedisRetryQueue() error = %v", err)
	}
	return q
}

func testJob(id string, attempt int, enqueuedAt time.Time, delay time.Duration) domain.RetryJob {
	return domain.RetryJob{
		NotificationID: id,
		CorrelationID:  "cid-" + id,
		Attempt:        attempt,
		EnqueuedAt:     enqueuedAt,
		DueAt:          enqueuedAt.Add(delay),
	}
}

func TestRedisRetryQueueHoldsJobUntilDue(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	q := newTestRedisQueue(t, rdb, "worker-1", clock, time.Hour)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("n1", 1, clock.Now(), 2*time.Second)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	d, err := q.DequeueDue(ctx)
	if err != nil {
		t.Fatalf("DequeueDue() error = %v", err)
	}
	if d != nil {
		t.Fatalf("DequeueDue() returned job before due time: %+v", d.Job)
	}

	clock.Advance(2 * time.Second)
	d, err = q.DequeueDue(ctx)
	if err != nil {
		t.Fatalf("DequeueDue() error = %v", err)
	}
	if d == nil {
		t.Fatal("DequeueDue() returned nil for due job")
	}
	if d.Job.NotificationID != "n1" || d.Job.Attempt != 1 {
		t.Fatalf("DequeueDue() job = %+v", d.Job)
	}
	if d.Redelivered {
		t.Fatal("fresh delivery must not be flagged redelivered")
	}

	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if n := rdb.XLen(ctx, "notification:retry").Val(); n != 0 {
		t.Fatalf("stream length after ack = %d, want 0", n)
	}
	if n, _ := q.Pending(ctx); n != 0 {
		t.Fatalf("Pending() after promotion = %d, want 0", n)
	}
}

func TestRedisRetryQueueDeduplicatesWaitingJobs(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	q := newTestRedisQueue(t, rdb, "worker-1", clock, time.Hour)
	ctx := context.Background()

	job := testJob("n1", 1, clock.Now(), time.Second)
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	if err := q.Enqueue(ctx, testJob("n1", 2, clock.Now(), time.Second)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if n, _ := q.Pending(ctx); n != 2 {
		t.Fatalf("Pending() = %d, want 2", n)
	}
}

func TestRedisRetryQueueOrdersByDueTime(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	q := newTestRedisQueue(t, rdb, "worker-1", clock, time.Hour)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("late", 1, clock.Now(), 4*time.Second)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := q.Enqueue(ctx, testJob("early", 1, clock.Now(), 2*time.Second)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	clock.Advance(3 * time.Second)
	d, err := q.DequeueDue(ctx)
	if err != nil || d == nil {
		t.Fatalf("DequeueDue() = %v, %v", d, err)
	}
	if d.Job.NotificationID != "early" {
		t.Fatalf("first due job = %s, want early", d.Job.NotificationID)
	}
	_ = q.Ack(ctx, d)

	d, err = q.DequeueDue(ctx)
	if err != nil {
		t.Fatalf("DequeueDue() error = %v", err)
	}
	if d != nil {
		t.Fatalf("late job delivered early: %+v", d.Job)
	}
}

func TestRedisRetryQueueCompetingConsumers(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	first := newTestRedisQueue(t, rdb, "worker-1", clock, time.Hour)
	second := newTestRedisQueue(t, rdb, "worker-2", clock, time.Hour)
	ctx := context.Background()

	if err := first.Enqueue(ctx, testJob("n1", 1, clock.Now(), 0)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	d1, err := first.DequeueDue(ctx)
	if err != nil || d1 == nil {
		t.Fatalf("first DequeueDue() = %v, %v", d1, err)
	}
	d2, err := second.DequeueDue(ctx)
	if err != nil {
		t.Fatalf("second DequeueDue() error = %v", err)
	}
	if d2 != nil {
		t.Fatal("job must be delivered to one consumer at a time")
	}
}

func TestRedisRetryQueueReclaimsAbandonedJob(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	crashed := newTestRedisQueue(t, rdb, "worker-1", clock, 10*time.Millisecond)
	survivor := newTestRedisQueue(t, rdb, "worker-2", clock, 10*time.Millisecond)
	ctx := context.Background()

	if err := crashed.Enqueue(ctx, testJob("n1", 1, clock.Now(), 0)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d, err := crashed.DequeueDue(ctx)
	if err != nil || d == nil {
		t.Fatalf("DequeueDue() = %v, %v", d, err)
	}
	if err := crashed.Release(ctx, d); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	reclaimed, err := survivor.DequeueDue(ctx)
	if err != nil {
		t.Fatalf("DequeueDue() error = %v", err)
	}
	if reclaimed == nil {
		t.Fatal("expected abandoned job to be reclaimed")
	}
	if !reclaimed.Redelivered {
		t.Fatal("reclaimed job must be flagged redelivered")
	}
	if reclaimed.Job.Key() != d.Job.Key() {
		t.Fatalf("reclaimed job = %s, want %s", reclaimed.Job.Key(), d.Job.Key())
	}
	if err := survivor.Ack(ctx, reclaimed); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
}

func TestRedisRetryQueueDropsUndecodableEntries(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	q := newTestRedisQueue(t, rdb, "worker-1", clock, time.Hour)
	ctx := context.Background()

	if err := q.ensureGroup(ctx); err != nil {
		t.Fatalf("ensureGroup() error = %v", err)
	}
	if err := rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: "notification:retry",
		Values: map[string]any{"job": "not-json"},
	}).Err(); err != nil {
		t.Fatalf("XAdd() error = %v", err)
	}

	d, err := q.DequeueDue(ctx)
	if err != nil {
		t.Fatalf("DequeueDue() error = %v", err)
	}
	if d != nil {
		t.Fatalf("DequeueDue() = %+v, want nil for invalid entry", d)
	}
	if n := rdb.XLen(ctx, "notification:retry").Val(); n != 0 {
		t.Fatalf("stream length = %d, want invalid entry removed", n)
	}
}

func TestRedisRetryQueueGroupCreationIsIdempotent(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	ctx := context.Background()

	for _, name := range []string{"worker-1", "worker-2"} {
		q := newTestRedisQueue(t, rdb, name, clock, time.Hour)
		if err := q.ensureGroup(ctx); err != nil {
			t.Fatalf("ensureGroup(%s) error = %v", name, err)
		}
	}
}

func TestNewRedisRetryQueueValidation(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)
	if _, err := NewRedisRetryQueue(nil, RedisConfig{}, nil); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := NewRedisRetryQueue(rdb, RedisConfig{Stream: "s", Group: "g"}, nil); err == nil {
		t.Fatal("expected error for missing consumer")
	}
}
