package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a notification.
type Status string

const (
	StatusPending           Status = "pending"
	StatusInProgress        Status = "in_progress"
	StatusSent              Status = "sent"
	StatusRetryScheduled    Status = "retry_scheduled"
	StatusPermanentlyFailed Status = "permanently_failed"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusSent, StatusRetryScheduled, StatusPermanentlyFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further passes may run for the status.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusPermanentlyFailed
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

var allowedTransitions = map[Status][]Status{
	StatusPending:        {StatusInProgress},
	StatusInProgress:     {StatusInProgress, StatusSent, StatusRetryScheduled, StatusPermanentlyFailed},
	StatusRetryScheduled: {StatusInProgress, StatusPermanentlyFailed},
}

// CanTransition reports whether the state machine allows moving from one
// status to another. in_progress -> in_progress is the resume of an
// abandoned pass.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Channel represents the delivery channel.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelTelegram Channel = "telegram"
)

// DefaultChannels is the fallback order used when a submission names none.
var DefaultChannels = []Channel{ChannelEmail, ChannelSMS, ChannelTelegram}

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelTelegram:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// ParseChannels parses and de-duplicates a channel list, keeping the first
// occurrence of each channel.
func ParseChannels(values []string) ([]Channel, error) {
	channels := make([]Channel, 0, len(values))
	for _, v := range values {
		ch, err := ParseChannelFromString(v)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	channels = NormalizeChannels(channels)
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: at least one channel is required", ErrValidation)
	}
	return channels, nil
}

// NormalizeChannels removes duplicates while preserving order.
func NormalizeChannels(channels []Channel) []Channel {
	seen := make(map[Channel]struct{}, len(channels))
	out := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}

// Field limits match the notifications table columns.
const (
	MaxMessageLength        = 10000
	MaxRecipientLength      = 255
	MaxCorrelationIDLength  = 64
	MaxIdempotencyKeyLength = 255
)

// Notification is the core domain entity representing a message to be
// delivered through an ordered list of channels.
type Notification struct {
	ID             string
	CorrelationID  string
	IdempotencyKey *string
	Recipient      string
	Message        string
	Channels       []Channel
	// Metadata is opaque caller data such as a template id or priority.
	Metadata     map[string]any
	Status       Status
	ChannelUsed  *Channel
	AttemptCount int
	// RetryAttempt is the number of the current or last pass; 0 is the
	// synchronous first pass.
	RetryAttempt int
	NextRetryAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (n *Notification) Validate() error {
	if strings.TrimSpace(n.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if l := len([]rune(n.Recipient)); l > MaxRecipientLength {
		return fmt.Errorf("%w: recipient exceeds %d characters (got %d)", ErrValidation, MaxRecipientLength, l)
	}
	if l := len([]rune(n.CorrelationID)); l > MaxCorrelationIDLength {
		return fmt.Errorf("%w: correlation id exceeds %d characters (got %d)", ErrValidation, MaxCorrelationIDLength, l)
	}
	if n.IdempotencyKey != nil {
		if l := len([]rune(*n.IdempotencyKey)); l > MaxIdempotencyKeyLength {
			return fmt.Errorf("%w: idempotency key exceeds %d characters (got %d)", ErrValidation, MaxIdempotencyKeyLength, l)
		}
	}
	if n.Message == "" {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	if l := len([]rune(n.Message)); l > MaxMessageLength {
		return fmt.Errorf("%w: message exceeds %d characters (got %d)", ErrValidation, MaxMessageLength, l)
	}
	if len(n.Channels) == 0 {
		return fmt.Errorf("%w: at least one channel is required", ErrValidation)
	}
	seen := make(map[Channel]struct{}, len(n.Channels))
	for _, ch := range n.Channels {
		if !ch.IsValid() {
			return fmt.Errorf("%w: invalid channel %q", ErrValidation, ch)
		}
		if _, dup := seen[ch]; dup {
			return fmt.Errorf("%w: duplicate channel %q", ErrValidation, ch)
		}
		seen[ch] = struct{}{}
	}
	return nil
}

// Transition describes a conditional status update. The update applies
// only while the stored status still equals From.
type Transition struct {
	From         Status
	To           Status
	ChannelUsed  *Channel
	RetryAttempt *int
	NextRetryAt  *time.Time
}

func (t Transition) Validate() error {
	if !CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: transition %s -> %s is not allowed", ErrValidation, t.From, t.To)
	}
	if t.To == StatusSent && t.ChannelUsed == nil {
		return fmt.Errorf("%w: channel used is required when marking sent", ErrValidation)
	}
	if t.To == StatusRetryScheduled && (t.RetryAttempt == nil || t.NextRetryAt == nil) {
		return fmt.Errorf("%w: retry attempt and due time are required when scheduling a retry", ErrValidation)
	}
	return nil
}

// Apply copies the transition onto n after the store accepted it.
func (t Transition) Apply(n *Notification, now time.Time) {
	n.Status = t.To
	if t.ChannelUsed != nil {
		ch := *t.ChannelUsed
		n.ChannelUsed = &ch
	}
	if t.RetryAttempt != nil {
		n.RetryAttempt = *t.RetryAttempt
	}
	if t.To == StatusRetryScheduled {
		due := *t.NextRetryAt
		n.NextRetryAt = &due
	} else if t.To.IsTerminal() {
		n.NextRetryAt = nil
	}
	n.UpdatedAt = now
}
