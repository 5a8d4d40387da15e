package provider

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kursadbilgin/fallback-notifier/internal/domain"
	"github.com/kursadbilgin/fallback-notifier/internal/observability"
)

// MockProvider stands in for a channel whose credentials are not configured.
// It logs the message and succeeds, unless it was built to fail.
type MockProvider struct {
	channel domain.Channel
	logger  *zap.Logger
	fail    bool
}

func NewMockProvider(channel domain.Channel, logger *zap.Logger) *MockProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MockProvider{channel: channel, logger: logger}
}

// NewFailingMockProvider returns a mock that always reports a failure.
func NewFailingMockProvider(channel domain.Channel, logger *zap.Logger) *MockProvider {
	p := NewMockProvider(channel, logger)
	p.fail = true
	return p
}

func (p *MockProvider) Send(ctx context.Context, recipient string, message string) (*ProviderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, requestError(err)
	}

	logger := observability.WithContextLogger(p.logger, ctx).With(
		zap.String("channel", p.channel.String()),
		zap.String("recipient", recipient),
		zap.Int("messageLength", len([]rune(message))),
	)

	if p.fail {
		logger.Warn("mock provider failing send")
		return nil, &ProviderError{
			Message: fmt.Sprintf("%s mock configured to fail", p.channel),
			Cause:   ErrMockFailure,
		}
	}

	logger.Info("mock provider accepted message")
	return &ProviderResponse{
		StatusCode: 200,
		Body:       "mock",
		MessageID:  "mock-" + uuid.NewString(),
	}, nil
}
