// Package api assembles the HTTP surface: middleware chain, REST routes,
// the streaming query socket and the metrics endpoint.
package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/docrag/backend/internal/api/handlers"
	"github.com/docrag/backend/internal/ingestion"
	"github.com/docrag/backend/internal/metrics"
	"github.com/docrag/backend/internal/middleware/ratelimit"
	"github.com/docrag/backend/internal/middleware/security"
	"github.com/docrag/backend/internal/middleware/validation"
	"github.com/docrag/backend/internal/query"
	"github.com/docrag/backend/internal/source/web"
	"github.com/docrag/backend/pkg/config"
	"github.com/docrag/backend/pkg/logger"
)

// Store is the slice of the document database the routes read from.
type Store interface {
	handlers.DocumentReader
	handlers.StatsSource
}

type Deps struct {
	Orchestrator *ingestion.Orchestrator
	Engine       *query.Engine
	Store        Store
	Fetcher      *web.Fetcher
	Checks       map[string]handlers.Check
	// RateLimiter is optional. The caller owns it and stops it on shutdown.
	RateLimiter *ratelimit.RateLimiter
	// AccessLog turns on per-request logging.
	AccessLog bool
}

func NewRouter(cfg config.ServerConfig, retrieval config.RetrievalConfig, deps Deps) *fiber.App {
	bodyLimit := cfg.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = 50 << 20
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		BodyLimit:    bodyLimit,
		AppName:      "docrag",
	})

	app.Use(recover.New())
	if deps.AccessLog {
		app.Use(fiberlogger.New())
	}

	origins := "*"
	if len(cfg.AllowedOrigins) > 0 {
		origins = strings.Join(cfg.AllowedOrigins, ",")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		IsDevelopment:  cfg.Development,
	}))

	health := handlers.NewHealthHandler(deps.Checks)
	app.Get("/health", health.Health)
	app.Get("/ready", health.Ready)
	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	if deps.RateLimiter != nil {
		api.Use(deps.RateLimiter.Middleware())
	}
	api.Use(validation.Middleware(validation.Config{
		MaxK:            retrieval.MaxK,
		MaxDocumentSize: bodyLimit,
		Logger:          logger.Named("validation"),
	}))

	queryHandler := handlers.NewQueryHandler(deps.Engine, deps.Store)
	api.Post("/query", queryHandler.HandleQuery)
	api.Get("/query/history", queryHandler.GetQueryHistory)
	api.Get("/system", queryHandler.GetSystem)

	documentHandler := handlers.NewDocumentHandler(deps.Orchestrator, deps.Store, deps.Fetcher)
	api.Post("/documents", documentHandler.UploadDocument)
	api.Post("/documents/import", documentHandler.ImportDocument)
	api.Get("/documents", documentHandler.ListDocuments)
	api.Get("/documents/:id", documentHandler.GetDocument)
	api.Get("/documents/:id/fragments", documentHandler.ListFragments)
	api.Post("/documents/:id/reprocess", documentHandler.ReprocessDocument)
	api.Delete("/documents/:id", documentHandler.DeleteDocument)

	wsHandler := handlers.NewWebSocketHandler(deps.Engine, time.Duration(cfg.WriteTimeout)*time.Second)
	api.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/ws", websocket.New(wsHandler.HandleConnection))

	return app
}
