package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mrz1836/postmark"
)

const defaultEmailSubject = "Notification"

type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	From         string
	Subject      string
	// BaseURL overrides the Postmark API endpoint.
	BaseURL string
}

// PostmarkEmailProvider sends plain-text email through Postmark.
type PostmarkEmailProvider struct {
	client  *postmark.Client
	from    string
	subject string
}

func NewPostmarkEmailProvider(cfg PostmarkConfig) (*PostmarkEmailProvider, error) {
	if strings.TrimSpace(cfg.ServerToken) == "" {
		return nil, fmt.Errorf("postmark server token is required")
	}
	if !strings.Contains(cfg.From, "@") {
		return nil, fmt.Errorf("postmark sender %q is not an email address", cfg.From)
	}

	client := postmark.NewClient(cfg.ServerToken, cfg.AccountToken)
	client.HTTPClient = &http.Client{Timeout: defaultSendTimeout}
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		client.BaseURL = base
	}

	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		subject = defaultEmailSubject
	}

	return &PostmarkEmailProvider{client: client, from: cfg.From, subject: subject}, nil
}

func (p *PostmarkEmailProvider) Send(ctx context.Context, recipient string, message string) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}

	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:     p.from,
		To:       recipient,
		Subject:  p.subject,
		TextBody: message,
	})
	if err != nil {
		return nil, requestError(err)
	}
	if resp.ErrorCode > 0 {
		return nil, &ProviderError{
			Message: fmt.Sprintf("postmark error %d: %s", resp.ErrorCode, resp.Message),
		}
	}

	return &ProviderResponse{
		StatusCode: http.StatusOK,
		Body:       resp.Message,
		MessageID:  resp.MessageID,
	}, nil
}
