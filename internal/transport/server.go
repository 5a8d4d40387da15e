package transport

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kursadbilgin/fallback-notifier/internal/observability"
)

const (
	correlationIDHeader = "X-Correlation-ID"
	readTimeout         = 10 * time.Second
	// The first delivery pass runs inside the request, so the write timeout
	// has to cover every channel's send timeout.
	minWriteTimeout = 30 * time.Second
)

type ServerConfig struct {
	AppName            string
	ChannelSendTimeout time.Duration
	ChannelCount       int
}

// NewApp builds the fiber app with panic recovery, correlation ids, request
// metrics and the JSON error handler installed.
func NewApp(cfg ServerConfig, logger *zap.Logger, metrics *observability.Metrics) *fiber.App {
	writeTimeout := cfg.ChannelSendTimeout*time.Duration(max(cfg.ChannelCount, 1)) + readTimeout
	writeTimeout = max(writeTimeout, minWriteTimeout)

	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		DisableStartupMessage: true,
		ReadTimeout:           readTimeout,
		WriteTimeout:          writeTimeout,
		ErrorHandler:          ErrorHandler(logger),
	})

	app.Use(recover.New())
	app.Use(requestid.New(requestid.Config{
		Header:     correlationIDHeader,
		Generator:  uuid.NewString,
		ContextKey: "requestid",
	}))
	if metrics != nil {
		app.Use(metrics.HTTPMiddleware())
	}

	return app
}
