package service

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/fallback-notifier/internal/domain"
	"github.com/kursadbilgin/fallback-notifier/internal/provider"
	"github.com/kursadbilgin/fallback-notifier/internal/queue"
	"github.com/kursadbilgin/fallback-notifier/internal/repository"
)

type fakeNotificationRepo struct {
	createFn              func(ctx context.Context, n *domain.Notification) error
	getByIDFn             func(ctx context.Context, id string) (*domain.Notification, error)
	getByIdempotencyKeyFn func(ctx context.Context, idempotencyKey string) (*domain.Notification, error)
	listFn                func(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
	updateStatusFn        func(ctx context.Context, id string, t domain.Transition) error
	listOverdueRetriesFn  func(ctx context.Context, dueBefore time.Time, limit int) ([]domain.Notification, error)
	listStalledPassesFn   func(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Notification, error)
}

func (f *fakeNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	if f.createFn != nil {
		return f.createFn(ctx, n)
	}
	return nil
}

func (f *fakeNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeNotificationRepo) GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Notification, error) {
	if f.getByIdempotencyKeyFn != nil {
		return f.getByIdempotencyKeyFn(ctx, idempotencyKey)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeNotificationRepo) List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
	if f.listFn != nil {
		return f.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (f *fakeNotificationRepo) UpdateStatus(ctx context.Context, id string, t domain.Transition) error {
	if f.updateStatusFn != nil {
		return f.updateStatusFn(ctx, id, t)
	}
	return nil
}

func (f *fakeNotificationRepo) ListOverdueRetries(ctx context.Context, dueBefore time.Time, limit int) ([]domain.Notification, error) {
	if f.listOverdueRetriesFn != nil {
		return f.listOverdueRetriesFn(ctx, dueBefore, limit)
	}
	return nil, nil
}

func (f *fakeNotificationRepo) ListStalledPasses(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Notification, error) {
	if f.listStalledPassesFn != nil {
		return f.listStalledPassesFn(ctx, updatedBefore, limit)
	}
	return nil, nil
}

type fakeAttemptRepo struct {
	appendFn func(ctx context.Context, a *domain.DeliveryAttempt) error
	listFn   func(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error)
}

func (f *fakeAttemptRepo) Append(ctx context.Context, a *domain.DeliveryAttempt) error {
	if f.appendFn != nil {
		return f.appendFn(ctx, a)
	}
	return nil
}

func (f *fakeAttemptRepo) ListByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error) {
	if f.listFn != nil {
		return f.listFn(ctx, notificationID)
	}
	return nil, nil
}

type fakeProvider struct {
	sendFn func(ctx context.Context, recipient string, message string) (*provider.ProviderResponse, error)
}

func (f *fakeProvider) Send(ctx context.Context, recipient string, message string) (*provider.ProviderResponse, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, recipient, message)
	}
	return &provider.ProviderResponse{StatusCode: 202, MessageID: "msg-1"}, nil
}

type fakeRetryQueue struct {
	enqueueFn func(ctx context.Context, job domain.RetryJob) error
	dequeueFn func(ctx context.Context) (*queue.Delivery, error)
	releaseFn func(ctx context.Context, d *queue.Delivery) error

	mu       sync.Mutex
	enqueued []domain.RetryJob
	acked    []*queue.Delivery
	released []*queue.Delivery
}

func (f *fakeRetryQueue) Enqueue(ctx context.Context, job domain.RetryJob) error {
	if f.enqueueFn != nil {
		if err := f.enqueueFn(ctx, job); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, job)
	return nil
}

func (f *fakeRetryQueue) DequeueDue(ctx context.Context) (*queue.Delivery, error) {
	if f.dequeueFn != nil {
		return f.dequeueFn(ctx)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeRetryQueue) Ack(_ context.Context, d *queue.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, d)
	return nil
}

func (f *fakeRetryQueue) Release(ctx context.Context, d *queue.Delivery) error {
	f.mu.Lock()
	f.released = append(f.released, d)
	f.mu.Unlock()
	if f.releaseFn != nil {
		return f.releaseFn(ctx, d)
	}
	return nil
}

func (f *fakeRetryQueue) Ping(context.Context) error { return nil }

func (f *fakeRetryQueue) Close() error { return nil }

func (f *fakeRetryQueue) jobs() []domain.RetryJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.RetryJob(nil), f.enqueued...)
}

func (f *fakeRetryQueue) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

func (f *fakeRetryQueue) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

type fakePassRunner struct {
	runPassFn func(ctx context.Context, n *domain.Notification, opts PassOptions) (*PassResult, error)
}

func (f *fakePassRunner) RunPass(ctx context.Context, n *domain.Notification, opts PassOptions) (*PassResult, error) {
	if f.runPassFn != nil {
		return f.runPassFn(ctx, n, opts)
	}
	return &PassResult{Notification: n, Outcome: OutcomeSent}, nil
}

// memStore is an in-memory delivery store with the same conditional update
// semantics as the SQL repositories.
type memStore struct {
	mu            sync.Mutex
	notifications map[string]domain.Notification
	attempts      map[string][]domain.DeliveryAttempt
}

func newMemStore() *memStore {
	return &memStore{
		notifications: make(map[string]domain.Notification),
		attempts:      make(map[string][]domain.DeliveryAttempt),
	}
}

func (s *memStore) Create(_ context.Context, n *domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.notifications[n.ID]; exists {
		return fmt.Errorf("duplicate key value violates unique constraint")
	}
	if n.IdempotencyKey != nil {
		for _, existing := range s.notifications {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *n.IdempotencyKey {
				return fmt.Errorf("duplicate key value violates unique constraint")
			}
		}
	}
	now := time.Now().UTC()
	n.CreatedAt, n.UpdatedAt = now, now
	s.notifications[n.ID] = cloneNotification(*n)
	return nil
}

func (s *memStore) GetByID(_ context.Context, id string) (*domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := cloneNotification(n)
	return &out, nil
}

func (s *memStore) GetByIdempotencyKey(_ context.Context, key string) (*domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.notifications {
		if n.IdempotencyKey != nil && *n.IdempotencyKey == key {
			out := cloneNotification(n)
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) List(_ context.Context, _ repository.ListParams) ([]domain.Notification, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		out = append(out, cloneNotification(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, int64(len(out)), nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, t domain.Transition) error {
	if err := t.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return domain.ErrNotFound
	}
	if n.Status != t.From {
		return fmt.Errorf("%w: expected %s, found %s", domain.ErrStaleTransition, t.From, n.Status)
	}
	t.Apply(&n, time.Now().UTC())
	s.notifications[id] = n
	return nil
}

func (s *memStore) ListOverdueRetries(_ context.Context, dueBefore time.Time, limit int) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Notification, 0)
	for _, n := range s.notifications {
		if n.Status == domain.StatusRetryScheduled && n.NextRetryAt != nil && !n.NextRetryAt.After(dueBefore) {
			out = append(out, cloneNotification(n))
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ListStalledPasses(_ context.Context, updatedBefore time.Time, limit int) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Notification, 0)
	for _, n := range s.notifications {
		stalled := n.Status == domain.StatusPending || n.Status == domain.StatusInProgress
		if stalled && !n.UpdatedAt.After(updatedBefore) {
			out = append(out, cloneNotification(n))
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Append(_ context.Context, a *domain.DeliveryAttempt) error {
	if err := a.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[a.NotificationID]
	if !ok {
		return domain.ErrNotFound
	}
	n.AttemptCount++
	a.Sequence = n.AttemptCount
	s.notifications[n.ID] = n
	s.attempts[n.ID] = append(s.attempts[n.ID], *a)
	return nil
}

func (s *memStore) ListByNotificationID(_ context.Context, notificationID string) ([]domain.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DeliveryAttempt(nil), s.attempts[notificationID]...), nil
}

func (s *memStore) snapshot(id string) domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneNotification(s.notifications[id])
}

func (s *memStore) attemptsOf(id string) []domain.DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DeliveryAttempt(nil), s.attempts[id]...)
}

func cloneNotification(n domain.Notification) domain.Notification {
	n.Channels = append([]domain.Channel(nil), n.Channels...)
	n.Metadata = maps.Clone(n.Metadata)
	if n.ChannelUsed != nil {
		ch := *n.ChannelUsed
		n.ChannelUsed = &ch
	}
	if n.NextRetryAt != nil {
		due := *n.NextRetryAt
		n.NextRetryAt = &due
	}
	return n
}

func failingProvider(msg string) *fakeProvider {
	return &fakeProvider{
		sendFn: func(context.Context, string, string) (*provider.ProviderResponse, error) {
			return nil, &provider.ProviderError{StatusCode: 503, Message: msg, Transient: true}
		},
	}
}

func newTestRegistry(providers map[domain.Channel]provider.Provider) *provider.Registry {
	registry := provider.NewRegistry()
	for ch, p := range providers {
		if err := registry.Register(ch, p); err != nil {
			panic(err)
		}
	}
	return registry
}

// pipeline wires the orchestrator, scheduler and service over a memStore.
type pipeline struct {
	store        *memStore
	queue        *fakeRetryQueue
	scheduler    *RetryScheduler
	orchestrator *Orchestrator
	service      *NotificationService
}

func newPipeline(providers map[domain.Channel]provider.Provider, maxAttempts int) *pipeline {
	store := newMemStore()
	q := &fakeRetryQueue{}

	scheduler, err := NewRetryScheduler(store, q, BackoffPolicy{Base: 2, Unit: time.Second}, maxAttempts, nil)
	if err != nil {
		panic(err)
	}
	orchestrator, err := NewOrchestrator(store, store, newTestRegistry(providers), scheduler, time.Second, nil)
	if err != nil {
		panic(err)
	}
	svc, err := NewNotificationService(store, store, orchestrator, nil)
	if err != nil {
		panic(err)
	}

	return &pipeline{store: store, queue: q, scheduler: scheduler, orchestrator: orchestrator, service: svc}
}
