package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kursadbilgin/fallback-notifier/internal/domain"
	"github.com/kursadbilgin/fallback-notifier/internal/observability"
	"github.com/kursadbilgin/fallback-notifier/internal/repository"
	"github.com/kursadbilgin/fallback-notifier/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100

	// CorrelationIDHeader carries the correlation id on requests and
	// responses.
	CorrelationIDHeader = "X-Correlation-ID"
	// CorrelationIDLocal is the fiber locals key the request id middleware
	// stores the correlation id under.
	CorrelationIDLocal = "requestid"
)

type NotificationService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error)
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	ListAttempts(ctx context.Context, id string) ([]domain.DeliveryAttempt, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
}

type NotificationHandler struct {
	service NotificationService
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.CreateNotification)
	v1.Get("/notifications/:id", h.GetNotification)
	v1.Get("/notifications/:id/attempts", h.ListAttempts)
	v1.Get("/notifications", h.ListNotifications)

	return nil
}

type createNotificationRequest struct {
	CorrelationID  string         `json:"correlationId"`
	IdempotencyKey *string        `json:"idempotencyKey"`
	Recipient      string         `json:"recipient"`
	Message        string         `json:"message"`
	Channels       []string       `json:"channels"`
	Metadata       map[string]any `json:"metadata"`
}

type notificationResponse struct {
	ID             string            `json:"id"`
	CorrelationID  string            `json:"correlationId"`
	IdempotencyKey *string           `json:"idempotencyKey,omitempty"`
	Recipient      string            `json:"recipient"`
	Message        string            `json:"message"`
	Channels       []string          `json:"channels"`
	Metadata       map[string]any    `json:"metadata"`
	Status         string            `json:"status"`
	ChannelUsed    *string           `json:"channelUsed"`
	AttemptCount   int               `json:"attemptCount"`
	RetryAttempt   int               `json:"retryAttempt"`
	NextRetryAt    *time.Time        `json:"nextRetryAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt,omitempty"`
	UpdatedAt      time.Time         `json:"updatedAt,omitempty"`
	Attempts       []attemptResponse `json:"attempts,omitempty"`
}

type attemptResponse struct {
	ID                string    `json:"id"`
	Channel           string    `json:"channel"`
	Sequence          int       `json:"sequence"`
	Outcome           string    `json:"outcome"`
	Error             *string   `json:"error,omitempty"`
	StatusCode        *int      `json:"statusCode,omitempty"`
	ProviderMessageID *string   `json:"providerMessageId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

type listAttemptsResponse struct {
	NotificationID string            `json:"notificationId"`
	Data           []attemptResponse `json:"data"`
}

type listNotificationsResponse struct {
	Data []notificationResponse `json:"data"`
	Meta listMeta               `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

// CreateNotification runs the first delivery pass before responding, so the
// response already reflects the outcome of every channel tried.
func (h *NotificationHandler) CreateNotification(c *fiber.Ctx) error {
	var req createNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	submit, err := requestToSubmit(req)
	if err != nil {
		return toHTTPError(err)
	}

	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		correlationID = requestCorrelationID(c)
	}
	ctx := c.UserContext()
	if correlationID != "" {
		ctx = observability.WithCorrelationID(ctx, correlationID)
	}

	result, err := h.service.Submit(ctx, submit)
	if err != nil {
		return toHTTPError(err)
	}

	status := fiber.StatusCreated
	if result.Replayed {
		status = fiber.StatusOK
	}
	c.Set(CorrelationIDHeader, result.Notification.CorrelationID)
	return c.Status(status).JSON(toNotificationResponse(result.Notification, result.Attempts))
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	notification, err := h.service.GetByID(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	attempts, err := h.service.ListAttempts(c.UserContext(), notification.ID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(notification, attempts))
}

func (h *NotificationHandler) ListAttempts(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	attempts, err := h.service.ListAttempts(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listAttemptsResponse{
		NotificationID: id,
		Data:           toAttemptResponses(attempts),
	})
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	notifications, total, err := h.service.List(c.UserContext(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]notificationResponse, 0, len(notifications))
	for i := range notifications {
		data = append(data, toNotificationResponse(&notifications[i], nil))
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

// requestToSubmit maps the request body. An omitted channel list selects
// the default order; an explicit empty list is rejected.
func requestToSubmit(req createNotificationRequest) (service.SubmitRequest, error) {
	channels := domain.DefaultChannels
	if req.Channels != nil {
		parsed, err := domain.ParseChannels(req.Channels)
		if err != nil {
			return service.SubmitRequest{}, err
		}
		channels = parsed
	}

	return service.SubmitRequest{
		Recipient:      strings.TrimSpace(req.Recipient),
		Message:        req.Message,
		Channels:       append([]domain.Channel(nil), channels...),
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	}, nil
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	if from != nil && to != nil && from.After(*to) {
		return repository.ListParams{}, fmt.Errorf("%w: from must not be after to", domain.ErrValidation)
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(CorrelationIDHeader)); value != "" {
		return value
	}
	if value, ok := c.Locals(CorrelationIDLocal).(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toNotificationResponse(n *domain.Notification, attempts []domain.DeliveryAttempt) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	channels := make([]string, 0, len(n.Channels))
	for _, ch := range n.Channels {
		channels = append(channels, ch.String())
	}

	metadata := n.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	var channelUsed *string
	if n.ChannelUsed != nil {
		value := n.ChannelUsed.String()
		channelUsed = &value
	}

	return notificationResponse{
		ID:             n.ID,
		CorrelationID:  n.CorrelationID,
		IdempotencyKey: n.IdempotencyKey,
		Recipient:      n.Recipient,
		Message:        n.Message,
		Channels:       channels,
		Metadata:       metadata,
		Status:         n.Status.String(),
		ChannelUsed:    channelUsed,
		AttemptCount:   n.AttemptCount,
		RetryAttempt:   n.RetryAttempt,
		NextRetryAt:    n.NextRetryAt,
		CreatedAt:      n.CreatedAt,
		UpdatedAt:      n.UpdatedAt,
		Attempts:       toAttemptResponses(attempts),
	}
}

func toAttemptResponses(attempts []domain.DeliveryAttempt) []attemptResponse {
	if attempts == nil {
		return nil
	}

	out := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, attemptResponse{
			ID:                a.ID,
			Channel:           a.Channel.String(),
			Sequence:          a.Sequence,
			Outcome:           a.Outcome.String(),
			Error:             a.Error,
			StatusCode:        a.StatusCode,
			ProviderMessageID: a.ProviderMessageID,
			CreatedAt:         a.CreatedAt,
		})
	}
	return out
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
