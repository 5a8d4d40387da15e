package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/kursadbilgin/fallback-notifier/internal/domain"
)

type RabbitMQConfig struct {
	Prefix      string
	Consumer    string
	Prefetch    int
	PollTimeout time.Duration
}

// RabbitMQRetryQueue delays jobs in per-delay wait queues whose messages
// expire into a shared ready queue that workers consume.
type RabbitMQRetryQueue struct {
	client      *RabbitMQ
	prefix      string
	consumer    string
	prefetch    int
	pollTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger

	mu         sync.Mutex
	consumeCh  *amqp.Channel
	deliveries <-chan amqp.Delivery
}

var _ RetryQueue = (*RabbitMQRetryQueue)(nil)

func NewRabbitMQRetryQueue(client *RabbitMQ, cfg RabbitMQConfig, logger *zap.Logger) (*RabbitMQRetryQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("rabbitmq client is required")
	}
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQRetryQueue{
		client:      client,
		prefix:      QueuePrefix(cfg.Prefix),
		consumer:    cfg.Consumer,
		prefetch:    cfg.Prefetch,
		pollTimeout: cfg.PollTimeout,
		now:         time.Now,
		logger:      logger,
	}, nil
}

func (q *RabbitMQRetryQueue) Enqueue(ctx context.Context, job domain.RetryJob) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}

	ch, err := q.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	// Tiers are keyed by the remaining wait rounded up to whole seconds, so a
	// job never reaches the ready queue before DueAt.
	target := readyQueueName(q.prefix)
	if delay := waitTier(job.DueAt.Sub(q.now())); delay > 0 {
		target, err = declareWaitQueue(ch, q.prefix, delay)
		if err != nil {
			return err
		}
	}

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     job.EnqueuedAt.UTC(),
		MessageId:     job.Key(),
		CorrelationId: job.CorrelationID,
		Body:          payload,
	}
	if err := ch.PublishWithContext(ctx, "", target, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish retry job to queue %q: %w", target, err)
	}
	return nil
}

func (q *RabbitMQRetryQueue) DequeueDue(ctx context.Context) (*Delivery, error) {
	deliveries, err := q.consume(ctx)
	if err != nil {
		return nil, err
	}
	return q.receive(ctx, deliveries)
}

// receive waits up to the poll timeout for the next decodable job. Invalid
// payloads are rejected without requeue. A closed delivery channel drops the
// consumer so the next call opens a fresh one.
func (q *RabbitMQRetryQueue) receive(ctx context.Context, deliveries <-chan amqp.Delivery) (*Delivery, error) {
	timer := time.NewTimer(q.pollTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case <-timer.C:
			return nil, nil
		case d, ok := <-deliveries:
			if !ok {
				q.resetConsumer(deliveries)
				return nil, fmt.Errorf("retry delivery channel closed")
			}

			job, err := decodeJob(d.Body)
			if err != nil {
				q.logger.Warn("rejecting retry job: invalid payload",
					zap.Error(err),
					zap.String("messageId", d.MessageId),
				)
				if rejectErr := d.Reject(false); rejectErr != nil {
					return nil, fmt.Errorf("failed to reject invalid retry job: %w", rejectErr)
				}
				continue
			}

			delivery := d
			return &Delivery{
				ID:          strconv.FormatUint(d.DeliveryTag, 10),
				Job:         job,
				Redelivered: d.Redelivered,
				amqp:        &delivery,
			}, nil
		}
	}
}

func (q *RabbitMQRetryQueue) Ack(_ context.Context, d *Delivery) error {
	if d == nil || d.amqp == nil {
		return fmt.Errorf("delivery does not belong to the rabbitmq retry queue")
	}
	if err := d.amqp.Ack(false); err != nil {
		return fmt.Errorf("failed to ack retry job: %w", err)
	}
	return nil
}

// Release requeues the job; the broker marks it redelivered.
func (q *RabbitMQRetryQueue) Release(_ context.Context, d *Delivery) error {
	if d == nil || d.amqp == nil {
		return fmt.Errorf("delivery does not belong to the rabbitmq retry queue")
	}
	if err := d.amqp.Nack(false, true); err != nil {
		return fmt.Errorf("failed to release retry job: %w", err)
	}
	return nil
}

func (q *RabbitMQRetryQueue) Ping(_ context.Context) error {
	if q.client.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	return nil
}

func (q *RabbitMQRetryQueue) Close() error {
	q.mu.Lock()
	if q.consumeCh != nil {
		_ = q.consumeCh.Close()
		q.consumeCh = nil
		q.deliveries = nil
	}
	q.mu.Unlock()
	return q.client.Close()
}

// consume lazily opens one consumer shared by every caller of DequeueDue.
func (q *RabbitMQRetryQueue) consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deliveries != nil && q.consumeCh != nil && !q.consumeCh.IsClosed() {
		return q.deliveries, nil
	}

	ch, err := q.client.channel(ctx)
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		readyQueueName(q.prefix),
		q.consumer,
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to consume queue %q: %w", readyQueueName(q.prefix), err)
	}

	q.consumeCh = ch
	q.deliveries = deliveries
	return deliveries, nil
}

func (q *RabbitMQRetryQueue) resetConsumer(closed <-chan amqp.Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deliveries != closed {
		return
	}
	if q.consumeCh != nil {
		_ = q.consumeCh.Close()
	}
	q.consumeCh = nil
	q.deliveries = nil
}

func waitTier(remaining time.Duration) time.Duration {
	if remaining <= 0 {
		return 0
	}
	tier := remaining.Truncate(time.Second)
	if tier < remaining {
		tier += time.Second
	}
	return tier
}
