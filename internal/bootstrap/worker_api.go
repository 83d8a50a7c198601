package bootstrap

import (
	"context"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/rs/zerolog"

	apihttp "mailworker/adapter/in/http"
	"mailworker/config"
	"mailworker/infra/middleware"
	"mailworker/pkg/logger"
)

// NewAPI assembles the HTTP server: middleware stack, route handlers and the
// NOTIFY listener feeding SSE streams.
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	middleware.InitJWKS(cfg.AuthJWKSURL)

	app := fiber.New(fiber.Config{
		AppName:      "mailworker",
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
		BodyLimit:    10 * 1024 * 1024,
		ErrorHandler: middleware.ErrorHandler(),
	})

	// Middleware order matters: recover first, request id before logging.
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.RequestLogger())
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(cfg.AllowedOrigins, ","),
		AllowMethods:     "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID,Idempotency-Key",
		AllowCredentials: true,
	}))

	// Unauthenticated surface
	apihttp.NewHealthHandler(deps.DB, deps.Redis, deps.Mongo).Register(app)
	apihttp.NewWebhookHandler(cfg, deps.Connectors, deps.Producer).Register(app)

	app.Use(middleware.JWTAuth(cfg.JWTSecret))

	api := app.Group("/api")
	apihttp.NewOAuthHandler(deps.Connect).Register(app, api)
	apihttp.NewSSEHandler(deps.Bus, newZerolog("sse")).Register(api)
	apihttp.NewMessageHandler(deps.Actions, deps.Scans).Register(api)
	apihttp.NewSyncHandler(deps.Connectors, deps.States, deps.Producer, deps.Runner).Register(api)
	apihttp.NewSendHandler(deps.Send).Register(api)
	apihttp.NewPushSubscriptionHandler(deps.PushSubs, deps.Guard, cfg.VAPIDPublicKey).Register(api)

	// Postgres NOTIFY -> in-process signal fan-out for the SSE waiters.
	listenerCtx, stopListener := context.WithCancel(context.Background())
	go deps.Bus.RunListener(listenerCtx)

	apiCleanup := func() {
		stopListener()
		cleanup()
	}

	logger.Info("API initialized (env=%s)", cfg.Environment)
	return app, apiCleanup, nil
}

func newZerolog(component string) zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Str("component", component).Logger()
}
