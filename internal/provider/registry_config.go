package provider

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kursadbilgin/fallback-notifier/internal/config"
	"github.com/kursadbilgin/fallback-notifier/internal/domain"
)

// NewRegistryFromConfig registers a real provider for every channel with
// credentials and a mock for the rest. Channels listed in
// MOCK_FAILING_CHANNELS always get a failing mock.
func NewRegistryFromConfig(cfg *config.Config, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	failing, err := cfg.FailingMockChannels()
	if err != nil {
		return nil, err
	}
	forcedFailure := make(map[domain.Channel]bool, len(failing))
	for _, ch := range failing {
		forcedFailure[ch] = true
	}

	registry := NewRegistry()
	for _, ch := range domain.DefaultChannels {
		var p Provider
		switch {
		case forcedFailure[ch]:
			p = NewFailingMockProvider(ch, logger)
		default:
			p, err = realProvider(cfg, ch)
			if err != nil {
				return nil, fmt.Errorf("failed to init %s provider: %w", ch, err)
			}
			if p == nil {
				p = NewMockProvider(ch, logger)
			}
		}

		mode := "real"
		if _, ok := p.(*MockProvider); ok {
			mode = "mock"
		}
		logger.Info("channel provider registered", zap.String("channel", ch.String()), zap.String("mode", mode))

		if err := registry.Register(ch, p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// realProvider returns nil when the channel has no credentials configured.
func realProvider(cfg *config.Config, ch domain.Channel) (Provider, error) {
	switch ch {
	case domain.ChannelEmail:
		if cfg.PostmarkServerToken == "" {
			return nil, nil
		}
		return NewPostmarkEmailProvider(PostmarkConfig{
			ServerToken:  cfg.PostmarkServerToken,
			AccountToken: cfg.PostmarkAccountToken,
			From:         cfg.EmailFrom,
		})
	case domain.ChannelSMS:
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
			return nil, nil
		}
		return NewTwilioSMSProvider(TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioFromNumber,
			BaseURL:    cfg.TwilioBaseURL,
		})
	case domain.ChannelTelegram:
		if cfg.TelegramBotToken == "" {
			return nil, nil
		}
		return NewTelegramProvider(TelegramConfig{
			Token:  cfg.TelegramBotToken,
			APIURL: cfg.TelegramAPIURL,
		})
	}
	return nil, fmt.Errorf("%w: unsupported channel %q", domain.ErrValidation, ch)
}
