package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kursadbilgin/fallback-notifier/internal/domain"
	"github.com/kursadbilgin/fallback-notifier/internal/observability"
	"github.com/kursadbilgin/fallback-notifier/internal/provider"
	"github.com/kursadbilgin/fallback-notifier/internal/repository"
)

const defaultChannelSendTimeout = 10 * time.Second

// PassTrigger records what started a fallback pass.
type PassTrigger string

const (
	TriggerSubmission PassTrigger = "submission"
	TriggerRetry      PassTrigger = "retry"
	// TriggerResume re-runs a pass abandoned in in_progress by a crashed
	// worker.
	TriggerResume PassTrigger = "resume"
)

// PassOutcome is how a pass ended.
type PassOutcome string

const (
	OutcomeSent              PassOutcome = "sent"
	OutcomeRetryScheduled    PassOutcome = "retry_scheduled"
	OutcomePermanentlyFailed PassOutcome = "permanently_failed"
	// OutcomeSkipped means no provider was contacted: the notification was
	// terminal or another actor won the status transition.
	OutcomeSkipped PassOutcome = "skipped"
)

type PassOptions struct {
	Trigger PassTrigger
}

type PassResult struct {
	Notification *domain.Notification
	Attempts     []domain.DeliveryAttempt
	Outcome      PassOutcome
}

// ProviderLookup resolves the provider for a channel.
type ProviderLookup interface {
	Get(channel domain.Channel) (provider.Provider, bool)
}

// RetryHandoff receives notifications whose pass exhausted every channel.
type RetryHandoff interface {
	ScheduleRetry(ctx context.Context, n *domain.Notification, attemptNumber int) (PassOutcome, error)
}

// Orchestrator runs fallback passes: channels are tried strictly in order
// and the first success wins.
type Orchestrator struct {
	notifications repository.NotificationRepository
	attempts      repository.AttemptRepository
	providers     ProviderLookup
	retries       RetryHandoff
	sendTimeout   time.Duration
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

func NewOrchestrator(
	notifications repository.NotificationRepository,
	attempts repository.AttemptRepository,
	providers ProviderLookup,
	retries RetryHandoff,
	sendTimeout time.Duration,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if notifications == nil || attempts == nil {
		return nil, fmt.Errorf("notification and attempt repositories are required")
	}
	if providers == nil {
		return nil, fmt.Errorf("provider lookup is required")
	}
	if retries == nil {
		return nil, fmt.Errorf("retry handoff is required")
	}
	if sendTimeout <= 0 {
		sendTimeout = defaultChannelSendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		notifications: notifications,
		attempts:      attempts,
		providers:     providers,
		retries:       retries,
		sendTimeout:   sendTimeout,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (o *Orchestrator) SetMetrics(metrics *observability.Metrics) {
	if o == nil {
		return
	}
	o.metrics = metrics
}

// RunPass executes one fallback pass for n and updates n in place. A
// terminal notification is returned unchanged. The pass ignores
// cancellation of ctx once it has started; only the per-channel timeout
// bounds a provider call.
func (o *Orchestrator) RunPass(ctx context.Context, n *domain.Notification, opts PassOptions) (*PassResult, error) {
	if n == nil {
		return nil, fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}
	if opts.Trigger == "" {
		opts.Trigger = TriggerSubmission
	}

	logger := observability.WithContextLogger(o.logger, ctx).With(
		zap.String("notificationId", n.ID),
		zap.String("trigger", string(opts.Trigger)),
		zap.Int("retryAttempt", n.RetryAttempt),
	)

	if n.Status.IsTerminal() {
		logger.Debug("pass skipped: notification is terminal", zap.String("status", n.Status.String()))
		return &PassResult{Notification: n, Outcome: OutcomeSkipped}, nil
	}

	switch n.Status {
	case domain.StatusPending, domain.StatusRetryScheduled:
	case domain.StatusInProgress:
		if opts.Trigger != TriggerResume {
			logger.Info("pass skipped: another pass is in progress")
			return &PassResult{Notification: n, Outcome: OutcomeSkipped}, nil
		}
	default:
		return nil, fmt.Errorf("%w: cannot start a pass from status %q", domain.ErrValidation, n.Status)
	}

	ctx = context.WithoutCancel(ctx)

	start := domain.Transition{From: n.Status, To: domain.StatusInProgress}
	if err := o.notifications.UpdateStatus(ctx, n.ID, start); err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			logger.Info("pass not started: status transition lost", zap.Error(err))
			return o.skipped(ctx, n)
		}
		return nil, fmt.Errorf("failed to mark notification in progress: %w", err)
	}
	start.Apply(n, o.now().UTC())
	o.metrics.IncPass(string(opts.Trigger))

	attempts := make([]domain.DeliveryAttempt, 0, len(n.Channels))
	for _, channel := range n.Channels {
		attempt, err := o.attemptChannel(ctx, logger, n, channel)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *attempt)

		if attempt.Outcome != domain.OutcomeSucceeded {
			continue
		}

		used := channel
		sent := domain.Transition{From: domain.StatusInProgress, To: domain.StatusSent, ChannelUsed: &used}
		if err := o.notifications.UpdateStatus(ctx, n.ID, sent); err != nil {
			if errors.Is(err, domain.ErrStaleTransition) {
				logger.Warn("delivered but sent transition lost", zap.String("channel", channel.String()), zap.Error(err))
				res, skipErr := o.skipped(ctx, n)
				if res != nil {
					res.Attempts = attempts
				}
				return res, skipErr
			}
			return nil, fmt.Errorf("failed to mark notification sent: %w", err)
		}
		sent.Apply(n, o.now().UTC())
		o.metrics.IncNotificationSent(channel.String())
		logger.Info("notification sent",
			zap.String("channel", channel.String()),
			zap.Int("attempts", len(attempts)),
		)
		return &PassResult{Notification: n, Attempts: attempts, Outcome: OutcomeSent}, nil
	}

	logger.Info("all channels failed", zap.Int("attempts", len(attempts)))

	outcome, err := o.retries.ScheduleRetry(ctx, n, n.RetryAttempt+1)
	if err != nil {
		if outcome != OutcomeRetryScheduled {
			return nil, err
		}
		// The retry is durable in the store; the reconciler enqueues the
		// lost job once it is overdue.
		logger.Error("retry scheduled without a queued job", zap.Error(err))
	}
	return &PassResult{Notification: n, Attempts: attempts, Outcome: outcome}, nil
}

func (o *Orchestrator) skipped(ctx context.Context, n *domain.Notification) (*PassResult, error) {
	current, err := o.notifications.GetByID(ctx, n.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload notification after lost transition: %w", err)
	}
	*n = *current
	return &PassResult{Notification: n, Outcome: OutcomeSkipped}, nil
}

// attemptChannel calls one provider and persists the attempt. Only a store
// failure is returned as an error.
func (o *Orchestrator) attemptChannel(
	ctx context.Context,
	logger *zap.Logger,
	n *domain.Notification,
	channel domain.Channel,
) (*domain.DeliveryAttempt, error) {
	sendStart := o.now()
	resp, sendErr := o.send(ctx, n, channel)
	o.metrics.ObserveProviderSendDuration(channel.String(), o.now().Sub(sendStart))

	attempt := newAttempt(n.ID, channel, resp, sendErr, o.now().UTC())
	if err := o.attempts.Append(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to record %s attempt: %w", channel, err)
	}
	n.AttemptCount = attempt.Sequence
	o.metrics.IncDeliveryAttempt(channel.String(), attempt.Outcome.String())

	if sendErr != nil {
		logger.Warn("channel attempt failed",
			zap.String("channel", channel.String()),
			zap.Int("sequence", attempt.Sequence),
			zap.Bool("transient", provider.IsTransient(sendErr)),
			zap.Error(sendErr),
		)
	} else {
		logger.Debug("channel attempt succeeded",
			zap.String("channel", channel.String()),
			zap.Int("sequence", attempt.Sequence),
		)
	}
	return attempt, nil
}

type sendResult struct {
	resp *provider.ProviderResponse
	err  error
}

// send invokes the channel provider under the send timeout. Panics and
// timeouts come back as errors.
func (o *Orchestrator) send(ctx context.Context, n *domain.Notification, channel domain.Channel) (*provider.ProviderResponse, error) {
	p, ok := o.providers.Get(channel)
	if !ok {
		return nil, fmt.Errorf("no provider registered for channel %s", channel)
	}

	sendCtx, cancel := context.WithTimeout(ctx, o.sendTimeout)
	defer cancel()

	recipient, message := n.Recipient, n.Message
	done := make(chan sendResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- sendResult{err: fmt.Errorf("provider panic: %v", r)}
			}
		}()
		resp, err := p.Send(sendCtx, recipient, message)
		done <- sendResult{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		return res.resp, res.err
	case <-sendCtx.Done():
		return nil, fmt.Errorf("channel %s send timed out after %s: %w", channel, o.sendTimeout, sendCtx.Err())
	}
}

func newAttempt(
	notificationID string,
	channel domain.Channel,
	resp *provider.ProviderResponse,
	sendErr error,
	now time.Time,
) *domain.DeliveryAttempt {
	attempt := &domain.DeliveryAttempt{
		ID:             uuid.NewString(),
		NotificationID: notificationID,
		Channel:        channel,
		Outcome:        domain.OutcomeSucceeded,
		CreatedAt:      now,
	}

	if resp != nil {
		if resp.StatusCode > 0 {
			code := resp.StatusCode
			attempt.StatusCode = &code
		}
		if resp.MessageID != "" {
			id := resp.MessageID
			attempt.ProviderMessageID = &id
		}
	}

	if sendErr != nil {
		msg := sendErr.Error()
		attempt.Outcome = domain.OutcomeFailed
		attempt.Error = &msg

		var providerErr *provider.ProviderError
		if errors.As(sendErr, &providerErr) && providerErr.StatusCode > 0 && attempt.StatusCode == nil {
			code := providerErr.StatusCode
			attempt.StatusCode = &code
		}
	}

	return attempt
}
