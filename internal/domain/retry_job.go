package domain

import (
	"fmt"
	"time"
)

// RetryJob is the durable intent to run pass Attempt for a notification
// once DueAt has elapsed. A Resume job re-runs a pass that stalled in
// pending or in_progress; its Attempt is the notification's current retry
// attempt and may be zero for the submission pass.
type RetryJob struct {
	NotificationID string    `json:"notificationId"`
	CorrelationID  string    `json:"correlationId,omitempty"`
	Attempt        int       `json:"attempt"`
	Resume         bool      `json:"resume,omitempty"`
	DueAt          time.Time `json:"dueAt"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}

// Key identifies the job for de-duplication.
func (j RetryJob) Key() string {
	if j.Resume {
		return fmt.Sprintf("%s:%d:resume", j.NotificationID, j.Attempt)
	}
	return fmt.Sprintf("%s:%d", j.NotificationID, j.Attempt)
}

func (j RetryJob) Delay() time.Duration {
	return j.DueAt.Sub(j.EnqueuedAt)
}

func (j RetryJob) Validate() error {
	if j.NotificationID == "" {
		return fmt.Errorf("%w: retry job notification id is required", ErrValidation)
	}
	if j.Resume {
		if j.Attempt < 0 {
			return fmt.Errorf("%w: resume job attempt must not be negative", ErrValidation)
		}
	} else if j.Attempt < 1 {
		return fmt.Errorf("%w: retry job attempt must be positive", ErrValidation)
	}
	if j.DueAt.Before(j.EnqueuedAt) {
		return fmt.Errorf("%w: retry job due time precedes enqueue time", ErrValidation)
	}
	return nil
}
