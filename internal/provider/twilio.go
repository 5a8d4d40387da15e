package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultTwilioBaseURL = "https://api.twilio.com"
	defaultSendTimeout   = 10 * time.Second
)

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
}

type twilioMessageResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// TwilioSMSProvider sends SMS through the Twilio Messages REST API.
type TwilioSMSProvider struct {
	client   *resty.Client
	endpoint string
	from     string
}

func NewTwilioSMSProvider(cfg TwilioConfig) (*TwilioSMSProvider, error) {
	client := resty.New()
	client.SetTimeout(defaultSendTimeout)
	return NewTwilioSMSProviderWithClient(cfg, client)
}

func NewTwilioSMSProviderWithClient(cfg TwilioConfig, client *resty.Client) (*TwilioSMSProvider, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, fmt.Errorf("twilio account sid and auth token are required")
	}
	if strings.TrimSpace(cfg.FromNumber) == "" {
		return nil, fmt.Errorf("twilio from number is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultTwilioBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid twilio base url: %w", err)
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultSendTimeout)
	}
	client.SetRetryCount(0)
	client.SetBasicAuth(cfg.AccountSID, cfg.AuthToken)

	return &TwilioSMSProvider{
		client:   client,
		endpoint: fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", baseURL, url.PathEscape(cfg.AccountSID)),
		from:     cfg.FromNumber,
	}, nil
}

func (p *TwilioSMSProvider) Send(ctx context.Context, recipient string, message string) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}

	var result twilioMessageResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"To":   recipient,
			"From": p.from,
			"Body": message,
		}).
		SetResult(&result).
		SetError(&result).
		Post(p.endpoint)
	if err != nil {
		return nil, requestError(err)
	}
	if response == nil {
		return nil, &ProviderError{Message: "provider returned empty response", Transient: true}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &ProviderResponse{
			StatusCode: statusCode,
			Body:       strings.TrimSpace(response.String()),
			MessageID:  result.SID,
		}, nil
	}

	msg := fmt.Sprintf("twilio returned status %d", statusCode)
	if result.Message != "" {
		msg = fmt.Sprintf("%s: %d %s", msg, result.Code, result.Message)
	}
	return nil, &ProviderError{
		StatusCode: statusCode,
		Message:    msg,
		Transient:  isTransientHTTPStatus(statusCode),
	}
}
