package handlers

import (
	"context"
	"io"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docrag/backend/internal/ingestion"
	"github.com/docrag/backend/internal/source/web"
	"github.com/docrag/backend/internal/storage/models"
	"github.com/docrag/backend/pkg/logger"
)

type DocumentReader interface {
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, status models.DocumentStatus, limit, offset int) ([]models.Document, error)
	ListFragments(ctx context.Context, documentID string) ([]models.Fragment, error)
}

type DocumentHandler struct {
	orchestrator *ingestion.Orchestrator
	documents    DocumentReader
	fetcher      *web.Fetcher
}

// NewDocumentHandler wires the document routes. A nil fetcher disables
// URL imports.
func NewDocumentHandler(orchestrator *ingestion.Orchestrator, documents DocumentReader, fetcher *web.Fetcher) *DocumentHandler {
	return &DocumentHandler{
		orchestrator: orchestrator,
		documents:    documents,
		fetcher:      fetcher,
	}
}

// UploadDocument stores a multipart "file" and queues it. The response is
// sent before ingestion starts.
func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Multipart field 'file' is required",
		})
	}

	f, err := fh.Open()
	if err != nil {
		logger.Error("Failed to open upload", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Unreadable upload"})
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		logger.Error("Failed to read upload", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Unreadable upload"})
	}

	return h.submit(c, ingestion.Upload{
		Title:    c.FormValue("title"),
		FileName: fh.Filename,
		Data:     data,
	})
}

// ImportDocument fetches a document from a URL and queues it like an upload.
func (h *DocumentHandler) ImportDocument(c *fiber.Ctx) error {
	if h.fetcher == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "URL import is disabled"})
	}

	var req struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	remote, err := h.fetcher.Fetch(c.UserContext(), req.URL)
	if err != nil {
		logger.Warn("Failed to fetch remote document", zap.String("url", req.URL), zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":  "Failed to fetch document",
			"detail": err.Error(),
		})
	}

	title := req.Title
	if title == "" {
		title = remote.Title
	}
	return h.submit(c, ingestion.Upload{Title: title, FileName: remote.FileName, Data: remote.Data})
}

func (h *DocumentHandler) submit(c *fiber.Ctx, in ingestion.Upload) error {
	doc, err := h.orchestrator.Submit(c.UserContext(), in)
	if err != nil {
		if doc != nil {
			// stored but not queued; the record says why
			return c.Status(statusFor(err)).JSON(fiber.Map{
				"error":    "Document stored but could not be queued",
				"document": doc,
			})
		}
		return respondError(c, err, "Failed to store document")
	}
	return c.Status(fiber.StatusAccepted).JSON(doc)
}

func (h *DocumentHandler) ListDocuments(c *fiber.Ctx) error {
	status := models.DocumentStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Unknown status filter"})
	}

	limit := clampInt(c.QueryInt("limit", 50), 1, 200)
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	docs, err := h.documents.ListDocuments(c.UserContext(), status, limit, offset)
	if err != nil {
		return respondError(c, err, "Failed to list documents")
	}
	if docs == nil {
		docs = []models.Document{}
	}
	return c.JSON(fiber.Map{
		"documents": docs,
		"limit":     limit,
		"offset":    offset,
	})
}

func (h *DocumentHandler) GetDocument(c *fiber.Ctx) error {
	doc, err := h.documents.GetDocument(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err, "Failed to load document")
	}
	return c.JSON(doc)
}

func (h *DocumentHandler) ListFragments(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.documents.GetDocument(c.UserContext(), id); err != nil {
		return respondError(c, err, "Failed to load document")
	}

	fragments, err := h.documents.ListFragments(c.UserContext(), id)
	if err != nil {
		return respondError(c, err, "Failed to list fragments")
	}
	if fragments == nil {
		fragments = []models.Fragment{}
	}
	return c.JSON(fiber.Map{
		"document_id": id,
		"count":       len(fragments),
		"fragments":   fragments,
	})
}

func (h *DocumentHandler) ReprocessDocument(c *fiber.Ctx) error {
	doc, err := h.orchestrator.Reprocess(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err, "Failed to reprocess document")
	}
	return c.Status(fiber.StatusAccepted).JSON(doc)
}

func (h *DocumentHandler) DeleteDocument(c *fiber.Ctx) error {
	if err := h.orchestrator.DeleteDocument(c.UserContext(), c.Params("id")); err != nil {
		return respondError(c, err, "Failed to delete document")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
