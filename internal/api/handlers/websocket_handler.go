package handlers

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/docrag/backend/internal/query"
	"github.com/docrag/backend/internal/vector"
	"github.com/docrag/backend/pkg/logger"
)

// WebSocketHandler streams ranked fragments one message at a time.
//
//	-> {"type":"query","query":"...","k":5,"filter":{...}}
//	<- {"type":"status"} {"type":"result"}* {"type":"complete"} | {"type":"error"}
type WebSocketHandler struct {
	queryEngine  *query.Engine
	queryTimeout time.Duration
}

func NewWebSocketHandler(queryEngine *query.Engine, queryTimeout time.Duration) *WebSocketHandler {
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &WebSocketHandler{
		queryEngine:  queryEngine,
		queryTimeout: queryTimeout,
	}
}

type wsRequest struct {
	Type   string         `json:"type"`
	Query  string         `json:"query"`
	K      int            `json:"k"`
	Filter *vector.Filter `json:"filter,omitempty"`
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	log := logger.Named("websocket").With(zap.String("remote", c.RemoteAddr().String()))
	log.Info("WebSocket connection established")

	defer func() {
		c.Close()
		log.Info("WebSocket connection closed")
	}()

	for {
		var msg wsRequest
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("WebSocket read ended", zap.Error(err))
			}
			return
		}

		if msg.Type != "query" {
			if err := h.sendError(c, "unsupported message type"); err != nil {
				return
			}
			continue
		}

		if err := h.streamResults(c, msg); err != nil {
			log.Warn("Failed to stream results", zap.Error(err))
			return
		}
	}
}

// streamResults returns an error only when the connection itself failed.
func (h *WebSocketHandler) streamResults(c *websocket.Conn, msg wsRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.queryTimeout)
	defer cancel()

	if err := c.WriteJSON(map[string]interface{}{"type": "status", "content": "searching"}); err != nil {
		return err
	}

	response, err := h.queryEngine.Retrieve(ctx, query.Request{Query: msg.Query, K: msg.K, Filter: msg.Filter})
	if err != nil {
		return h.sendError(c, err.Error())
	}

	for _, result := range response.Results {
		if err := c.WriteJSON(map[string]interface{}{"type": "result", "result": result}); err != nil {
			return err
		}
	}

	return c.WriteJSON(map[string]interface{}{
		"type":          "complete",
		"query_id":      response.ID,
		"count":         len(response.Results),
		"total_time_ms": response.TotalTime.Milliseconds(),
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) error {
	return c.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	})
}
