package validation

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docrag/backend/internal/query"
	"github.com/docrag/backend/internal/source/web"
)

// LocalQueryRequest is the fiber.Ctx locals key holding the validated
// query.Request for query routes.
const LocalQueryRequest = "query_request"

const maxFilterDocuments = 100

type Config struct {
	MaxQueryLength      int
	MaxK                int
	MaxDocumentSize     int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 2000
	}
	if cfg.MaxK == 0 {
		cfg.MaxK = 50
	}
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = 50 * 1024 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON, fiber.MIMEMultipartForm}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if contentType != "" && !allowedType(contentType, cfg.AllowedContentTypes) {
			return reject(c, fiber.StatusUnsupportedMediaType, "Unsupported content type")
		}

		switch c.Path() {
		case "/api/v1/query":
			return validateQuery(c, cfg)
		case "/api/v1/documents":
			return validateUpload(c, cfg, contentType)
		case "/api/v1/documents/import":
			return validateImport(c)
		}
		return c.Next()
	}
}

func validateQuery(c *fiber.Ctx, cfg Config) error {
	var req query.Request
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return reject(c, fiber.StatusBadRequest, "Invalid JSON format")
	}

	req.Query = sanitizeString(req.Query)
	if req.Query == "" {
		return reject(c, fiber.StatusBadRequest, "Query is required and must be a string")
	}
	if len(req.Query) > cfg.MaxQueryLength {
		cfg.Logger.Warn("Oversized query rejected", zap.String("ip", c.IP()), zap.Int("length", len(req.Query)))
		return reject(c, fiber.StatusBadRequest, "Query exceeds maximum length")
	}
	if req.K < 0 || req.K > cfg.MaxK {
		return reject(c, fiber.StatusBadRequest, "k must be between 0 and the configured maximum")
	}
	if req.Filter != nil && len(req.Filter.DocumentIDs) > maxFilterDocuments {
		return reject(c, fiber.StatusBadRequest, "Filter lists too many documents")
	}

	c.Locals(LocalQueryRequest, req)
	return c.Next()
}

func validateUpload(c *fiber.Ctx, cfg Config, contentType string) error {
	if !strings.HasPrefix(contentType, fiber.MIMEMultipartForm) {
		return reject(c, fiber.StatusBadRequest, "Upload must be multipart/form-data with a file field")
	}
	if c.Request().Header.ContentLength() > cfg.MaxDocumentSize {
		return reject(c, fiber.StatusRequestEntityTooLarge, "Document exceeds maximum size")
	}
	return c.Next()
}

func validateImport(c *fiber.Ctx) error {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return reject(c, fiber.StatusBadRequest, "Invalid JSON format")
	}
	if !web.ValidURL(req.URL) {
		return reject(c, fiber.StatusBadRequest, "Invalid URL format")
	}
	return c.Next()
}

func allowedType(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}

func reject(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

// sanitizeString trims the query and drops control characters.
func sanitizeString(input string) string {
	input = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, input)
	return strings.TrimSpace(input)
}
