package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kursadbilgin/fallback-notifier/internal/domain"
	"github.com/kursadbilgin/fallback-notifier/internal/provider"
	"github.com/kursadbilgin/fallback-notifier/internal/queue"
)

func TestClassifyJob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      domain.Status
		retry       int
		jobAttempt  int
		redelivered bool
		resume      bool
		wantTrigger PassTrigger
		wantReason  string
	}{
		{name: "due retry", status: domain.StatusRetryScheduled, retry: 2, jobAttempt: 2, wantTrigger: TriggerRetry},
		{name: "sent", status: domain.StatusSent, retry: 1, jobAttempt: 1, wantReason: discardTerminal},
		{name: "permanently failed", status: domain.StatusPermanentlyFailed, retry: 3, jobAttempt: 3, wantReason: discardTerminal},
		{name: "older attempt", status: domain.StatusRetryScheduled, retry: 2, jobAttempt: 1, wantReason: discardStale},
		{name: "in progress first delivery", status: domain.StatusInProgress, retry: 1, jobAttempt: 1, wantReason: discardInProgress},
		{name: "in progress redelivered", status: domain.StatusInProgress, retry: 1, jobAttempt: 1, redelivered: true, wantTrigger: TriggerResume},
		{name: "pending", status: domain.StatusPending, retry: 0, jobAttempt: 0, wantReason: discardPending},
		{name: "resume of stalled first pass", status: domain.StatusInProgress, retry: 0, jobAttempt: 0, resume: true, wantTrigger: TriggerResume},
		{name: "resume of stalled pending", status: domain.StatusPending, retry: 0, jobAttempt: 0, resume: true, wantTrigger: TriggerResume},
		{name: "resume after pass moved on", status: domain.StatusRetryScheduled, retry: 1, jobAttempt: 0, resume: true, wantReason: discardStale},
		{name: "resume after delivery", status: domain.StatusSent, retry: 0, jobAttempt: 0, resume: true, wantReason: discardTerminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			n := &domain.Notification{ID: "n-1", Status: tt.status, RetryAttempt: tt.retry}
			d := &queue.Delivery{
				Job:         domain.RetryJob{NotificationID: "n-1", Attempt: tt.jobAttempt, Resume: tt.resume},
				Redelivered: tt.redelivered,
			}

			trigger, reason := classifyJob(n, d)
			if trigger != tt.wantTrigger || reason != tt.wantReason {
				t.Fatalf("classifyJob() = (%q, %q), want (%q, %q)", trigger, reason, tt.wantTrigger, tt.wantReason)
			}
		})
	}
}

func TestRetryWorkerHandleDiscardsMissingNotification(t *testing.T) {
	t.Parallel()

	q := &fakeRetryQueue{}
	passes := &fakePassRunner{
		runPassFn: func(ctx context.Context, n *domain.Notification, opts PassOptions) (*PassResult, error) {
			t.Fatal("pass should not run for a missing notification")
			return nil, nil
		},
	}
	worker, err := NewRetryWorker(&fakeNotificationRepo{}, q, passes, 1, nil)
	if err != nil {
		t.Fatalf("NewRetryWorker() error = %v", err)
	}

	if err := worker.handle(context.Background(), &queue.Delivery{Job: domain.RetryJob{NotificationID: "missing", Attempt: 1}}); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if q.ackCount() != 1 {
		t.Fatalf("acks = %d, want 1", q.ackCount())
	}
}

func TestRetryWorkerHandleRunsPassWithCorrelationID(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	q := &fakeRetryQueue{}
	repo := &fakeNotificationRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Notification, error) {
			return &domain.Notification{ID: id, Status: domain.StatusRetryScheduled, RetryAttempt: 1}, nil
		},
	}
	var gotTrigger PassTrigger
	passes := &fakePassRunner{
		runPassFn: func(ctx context.Context, n *domain.Notification, opts PassOptions) (*PassResult, error) {
			gotTrigger = opts.Trigger
			return &PassResult{Notification: n, Outcome: OutcomeSent}, nil
		},
	}
	worker, err := NewRetryWorker(repo, q, passes, 1, zap.New(core))
	if err != nil {
		t.Fatalf("NewRetryWorker() error = %v", err)
	}

	d := &queue.Delivery{Job: domain.RetryJob{NotificationID: "n-1", CorrelationID: "corr-1", Attempt: 1}}
	if err := worker.handle(context.Background(), d); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if gotTrigger != TriggerRetry {
		t.Fatalf("trigger = %s, want retry", gotTrigger)
	}
	if q.ackCount() != 1 {
		t.Fatalf("acks = %d, want 1", q.ackCount())
	}

	entries := logs.FilterMessage("retry pass finished").All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["correlationId"]; got != "corr-1" {
		t.Fatalf("correlationId = %v, want corr-1", got)
	}
}

func TestRetryWorkerHandlePassErrorLeavesJobUnacked(t *testing.T) {
	t.Parallel()

	passErr := errors.New("db down")
	q := &fakeRetryQueue{}
	repo := &fakeNotificationRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Notification, error) {
			return &domain.Notification{ID: id, Status: domain.StatusRetryScheduled, RetryAttempt: 1}, nil
		},
	}
	passes := &fakePassRunner{
		runPassFn: func(ctx context.Context, n *domain.Notification, opts PassOptions) (*PassResult, error) {
			return nil, passErr
		},
	}
	worker, err := NewRetryWorker(repo, q, passes, 1, nil)
	if err != nil {
		t.Fatalf("NewRetryWorker() error = %v", err)
	}

	err = worker.handle(context.Background(), &queue.Delivery{Job: domain.RetryJob{NotificationID: "n-1", Attempt: 1}})
	if !errors.Is(err, passErr) {
		t.Fatalf("handle() error = %v, want %v", err, passErr)
	}
	if q.ackCount() != 0 {
		t.Fatalf("acks = %d, want 0", q.ackCount())
	}
}

func TestRetryWorkerStartReleasesFailedJobs(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dequeues atomic.Int32
	q := &fakeRetryQueue{
		dequeueFn: func(ctx context.Context) (*queue.Delivery, error) {
			if dequeues.Add(1) == 1 {
				return &queue.Delivery{Job: domain.RetryJob{NotificationID: "n-1", Attempt: 1}}, nil
			}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	q.releaseFn = func(context.Context, *queue.Delivery) error {
		cancel()
		return nil
	}
	repo := &fakeNotificationRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Notification, error) {
			return nil, errors.New("db down")
		},
	}
	worker, err := NewRetryWorker(repo, q, &fakePassRunner{}, 1, nil)
	if err != nil {
		t.Fatalf("NewRetryWorker() error = %v", err)
	}
	worker.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	done := make(chan error, 1)
	go func() { done <- worker.Start(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	if q.releaseCount() != 1 {
		t.Fatalf("releases = %d, want 1", q.releaseCount())
	}
	if q.ackCount() != 0 {
		t.Fatalf("acks = %d, want 0", q.ackCount())
	}
}

func TestRetryWorkerResumesAbandonedPass(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		redelivered bool
		wantStatus  domain.Status
		wantAttempt int
	}{
		{name: "redelivered resumes", redelivered: true, wantStatus: domain.StatusSent, wantAttempt: 1},
		{name: "first delivery discarded", redelivered: false, wantStatus: domain.StatusInProgress, wantAttempt: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := newPipeline(map[domain.Channel]provider.Provider{
				domain.ChannelEmail: &fakeProvider{},
			}, 3)
			n := newInProgress(t, p.store, "n-1")
			n.RetryAttempt = 1
			p.store.notifications["n-1"] = cloneNotification(*n)

			worker, err := NewRetryWorker(p.store, p.queue, p.orchestrator, 1, nil)
			if err != nil {
				t.Fatalf("NewRetryWorker() error = %v", err)
			}

			d := &queue.Delivery{
				Job:         domain.RetryJob{NotificationID: "n-1", Attempt: 1},
				Redelivered: tt.redelivered,
			}
			if err := worker.handle(context.Background(), d); err != nil {
				t.Fatalf("handle() error = %v", err)
			}

			if got := p.store.snapshot("n-1").Status; got != tt.wantStatus {
				t.Fatalf("status = %s, want %s", got, tt.wantStatus)
			}
			if got := len(p.store.attemptsOf("n-1")); got != tt.wantAttempt {
				t.Fatalf("attempts = %d, want %d", got, tt.wantAttempt)
			}
			if p.queue.ackCount() != 1 {
				t.Fatalf("acks = %d, want 1", p.queue.ackCount())
			}
		})
	}
}

func TestNextWaitIsCapped(t *testing.T) {
	t.Parallel()

	wait := defaultWorkerErrorWait
	for i := 0; i < 10; i++ {
		wait = nextWait(wait)
	}
	if wait != maxWorkerErrorWait {
		t.Fatalf("wait = %s, want %s", wait, maxWorkerErrorWait)
	}
}
