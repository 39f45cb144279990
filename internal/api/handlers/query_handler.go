package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docrag/backend/internal/middleware/validation"
	"github.com/docrag/backend/internal/query"
	"github.com/docrag/backend/internal/storage/models"
	"github.com/docrag/backend/pkg/logger"
)

type StatsSource interface {
	Stats(ctx context.Context) (*models.SystemStats, error)
}

type QueryHandler struct {
	queryEngine *query.Engine
	stats       StatsSource
}

func NewQueryHandler(queryEngine *query.Engine, stats StatsSource) *QueryHandler {
	return &QueryHandler{
		queryEngine: queryEngine,
		stats:       stats,
	}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	req, ok := c.Locals(validation.LocalQueryRequest).(query.Request)
	if !ok {
		if err := c.BodyParser(&req); err != nil {
			logger.Error("Failed to parse request body", zap.Error(err))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	response, err := h.queryEngine.Retrieve(c.UserContext(), req)
	if err != nil {
		return respondError(c, err, "Failed to process query")
	}

	return c.JSON(fiber.Map{
		"id":             response.ID,
		"query":          response.Query,
		"k":              response.K,
		"results":        response.Results,
		"search_time_ms": response.SearchTime.Milliseconds(),
		"total_time_ms":  response.TotalTime.Milliseconds(),
	})
}

func (h *QueryHandler) GetQueryHistory(c *fiber.Ctx) error {
	history, err := h.queryEngine.History(c.UserContext(), c.QueryInt("limit", 50))
	if err != nil {
		return respondError(c, err, "Failed to load query history")
	}
	if history == nil {
		history = []models.QueryLog{}
	}
	return c.JSON(fiber.Map{
		"history": history,
	})
}

// GetSystem reports corpus counts and the active embedding model.
func (h *QueryHandler) GetSystem(c *fiber.Ctx) error {
	ctx := c.UserContext()

	stats, err := h.stats.Stats(ctx)
	if err != nil {
		return respondError(c, err, "Failed to load system stats")
	}

	indexed, err := h.queryEngine.Index().Count(ctx)
	if err != nil {
		logger.Warn("Failed to count indexed vectors", zap.Error(err))
		indexed = -1
	}

	embedder := h.queryEngine.Embedder()
	loaded := true
	if lazy, ok := embedder.(interface{ Loaded() bool }); ok {
		loaded = lazy.Loaded()
	}
	return c.JSON(fiber.Map{
		"documents":           stats.Documents,
		"total_documents":     stats.TotalDocuments,
		"total_fragments":     stats.TotalFragments,
		"total_queries":       stats.TotalQueries,
		"indexed_vectors":     indexed,
		"embedding_model":     embedder.Model(),
		"embedding_dimension": embedder.Dimension(),
		"embedding_loaded":    loaded,
	})
}
