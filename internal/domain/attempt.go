package domain

import (
	"fmt"
	"time"
)

// AttemptOutcome is the result of a single channel try.
type AttemptOutcome string

const (
	OutcomeSucceeded AttemptOutcome = "succeeded"
	OutcomeFailed    AttemptOutcome = "failed"
)

func (o AttemptOutcome) String() string { return string(o) }

// DeliveryAttempt records a single channel try for a notification.
// Attempts are append-only and ordered by Sequence.
type DeliveryAttempt struct {
	ID                string
	NotificationID    string
	Channel           Channel
	Sequence          int
	Outcome           AttemptOutcome
	Error             *string
	StatusCode        *int
	ProviderMessageID *string
	CreatedAt         time.Time
}

func (a *DeliveryAttempt) Validate() error {
	if a.NotificationID == "" {
		return fmt.Errorf("%w: attempt notification id is required", ErrValidation)
	}
	if !a.Channel.IsValid() {
		return fmt.Errorf("%w: invalid attempt channel %q", ErrValidation, a.Channel)
	}
	switch a.Outcome {
	case OutcomeSucceeded:
		if a.Error != nil {
			return fmt.Errorf("%w: succeeded attempt must not carry an error", ErrValidation)
		}
	case OutcomeFailed:
		if a.Error == nil {
			return fmt.Errorf("%w: failed attempt requires an error", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: invalid attempt outcome %q", ErrValidation, a.Outcome)
	}
	return nil
}
