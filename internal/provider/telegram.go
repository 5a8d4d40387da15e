package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token string
	// APIURL overrides the Bot API endpoint.
	APIURL string
}

// chatRecipient addresses a chat by numeric id or @username.
type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

// TelegramProvider sends messages through the Telegram Bot API.
type TelegramProvider struct {
	bot *tele.Bot
}

func NewTelegramProvider(cfg TelegramConfig) (*TelegramProvider, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Client:  &http.Client{Timeout: defaultSendTimeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramProvider{bot: bot}, nil
}

// Send does not observe ctx; the bot client timeout bounds the call.
func (p *TelegramProvider) Send(ctx context.Context, recipient string, message string) (*ProviderResponse, error) {
	if p == nil || p.bot == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, requestError(err)
	}

	msg, err := p.bot.Send(chatRecipient(strings.TrimSpace(recipient)), message)
	if err != nil {
		var apiErr *tele.Error
		if errors.As(err, &apiErr) {
			return nil, &ProviderError{
				StatusCode: apiErr.Code,
				Message:    apiErr.Description,
				Transient:  isTransientHTTPStatus(apiErr.Code),
				Cause:      err,
			}
		}
		return nil, requestError(err)
	}

	resp := &ProviderResponse{StatusCode: http.StatusOK}
	if msg != nil {
		resp.MessageID = strconv.Itoa(msg.ID)
	}
	return resp, nil
}
