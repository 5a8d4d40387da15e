package queue

import (
	"context"
	"errors"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kursadbilgin/fallback-notifier/internal/domain"
)

// ErrInvalidPayload marks a queue entry that cannot be decoded into a job.
var ErrInvalidPayload = errors.New("invalid retry job payload")

// RetryQueue is a durable at-least-once queue of retry jobs with due-time
// semantics. Several consumers may dequeue concurrently; each job is handed
// to one consumer at a time.
type RetryQueue interface {
	// Enqueue stores job until job.DueAt has elapsed. Enqueueing a job whose
	// key is already waiting is a no-op.
	Enqueue(ctx context.Context, job domain.RetryJob) error
	// DequeueDue blocks up to the configured poll timeout and returns nil
	// when no job is due.
	DequeueDue(ctx context.Context) (*Delivery, error)
	// Ack removes the job permanently.
	Ack(ctx context.Context, d *Delivery) error
	// Release gives the job back for redelivery after a failed run.
	Release(ctx context.Context, d *Delivery) error
	Ping(ctx context.Context) error
	Close() error
}

// Delivery is a dequeued job. Redelivered is set when a previous consumer
// received the same job without acknowledging it.
type Delivery struct {
	ID          string
	Job         domain.RetryJob
	Redelivered bool

	streamID string
	amqp     *amqp.Delivery
}

// QueuePrefix turns a stream name such as notification:retry into a broker
// friendly prefix such as notification.retry.
func QueuePrefix(streamName string) string {
	prefix := strings.ReplaceAll(strings.TrimSpace(streamName), ":", ".")
	if prefix == "" {
		return "notification.retry"
	}
	return prefix
}
