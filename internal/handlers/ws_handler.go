package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/scriptor/internal/common"
	"github.com/ternarybob/scriptor/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

const writeTimeout = 10 * time.Second

// WSHandler streams task events to WebSocket clients. Each connection gets
// its own subscription on the coordinator: a snapshot first, then live
// events. Progress events are throttled per connection; append and status
// events always go through.
type WSHandler struct {
	coord  *stream.Coordinator
	cfg    *common.WebSocketConfig
	logger arbor.ILogger
}

// NewWSHandler creates a new WebSocket handler
func NewWSHandler(coord *stream.Coordinator, cfg *common.WebSocketConfig, logger arbor.ILogger) *WSHandler {
	return &WSHandler{
		coord:  coord,
		cfg:    cfg,
		logger: logger,
	}
}

// SubscribeHandler handles GET /ws/tasks/{id}
func (h *WSHandler) SubscribeHandler(w http.ResponseWriter, r *http.Request, taskID string) {
	sub, err := h.coord.Subscribe(r.Context(), taskID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.logger.Debug().Str("task_id", taskID).Msg("WebSocket subscriber connected")

	// Reader goroutine: detect client disconnect and tear the writer down
	// through the subscription.
	go func() {
		defer sub.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := common.ParseDurationOr(h.cfg.ProgressInterval, 500*time.Millisecond)
	throttle := rate.NewLimiter(rate.Every(interval), 1)

	defer func() {
		sub.Close()
		conn.Close()
		h.logger.Debug().Str("task_id", taskID).Msg("WebSocket subscriber disconnected")
	}()

	for event := range sub.Events {
		if event.Type == stream.EventProgress && !throttle.Allow() {
			continue // progress is cosmetic, appends carry it too
		}

		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(event); err != nil {
			h.logger.Debug().Err(err).Str("task_id", taskID).Msg("WebSocket write failed")
			return
		}
	}

	// Channel closed: terminal event delivered or subscriber dropped. Let the
	// client know before closing.
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
}
