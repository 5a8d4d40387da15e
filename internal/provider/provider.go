package provider

import (
	"context"
	"fmt"
	"sort"

	"github.com/kursadbilgin/fallback-notifier/internal/domain"
)

// Provider delivers a message to a recipient over one channel. A failure is
// reported as an error; callers never rely on panics being absent.
type Provider interface {
	Send(ctx context.Context, recipient string, message string) (*ProviderResponse, error)
}

// ProviderResponse stores provider call metadata for audit and persistence.
type ProviderResponse struct {
	StatusCode int
	Body       string
	MessageID  string
}

// Registry selects the provider variant for a channel.
type Registry struct {
	providers map[domain.Channel]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[domain.Channel]Provider)}
}

func (r *Registry) Register(channel domain.Channel, p Provider) error {
	if !channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, channel)
	}
	if p == nil {
		return fmt.Errorf("provider for channel %s is nil", channel)
	}
	r.providers[channel] = p
	return nil
}

func (r *Registry) Get(channel domain.Channel) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.providers[channel]
	return p, ok
}

func (r *Registry) Channels() []domain.Channel {
	out := make([]domain.Channel, 0, len(r.providers))
	for ch := range r.providers {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
