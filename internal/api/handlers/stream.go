package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deqlabs/deq/internal/statuscache"
	"github.com/deqlabs/deq/internal/store"
)

const (
	streamInterval = 5 * time.Second
	writeTimeout   = 10 * time.Second
)

// StreamHandler pushes the device status map to websocket clients on a fixed
// interval, triggering background refreshes so the pushed data keeps moving.
type StreamHandler struct {
	store    store.Store
	cache    *statuscache.Cache
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewStreamHandler creates a new status stream handler.
func NewStreamHandler(st store.Store, cache *statuscache.Cache, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		store: st,
		cache: cache,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Single-user LAN dashboard; the API key or token already
			// gated the upgrade request.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Serve upgrades the connection and streams status snapshots until the
// client disconnects.
func (h *StreamHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Drain control frames so pong/close handling works.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()

	for {
		if err := h.push(r, conn); err != nil {
			h.logger.Debug("status stream closed", "error", err)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *StreamHandler) push(r *http.Request, conn *websocket.Conn) error {
	devices, err := h.store.Devices().List(r.Context())
	if err == nil {
		for _, device := range devices {
			h.cache.RefreshAsync(r.Context(), device)
		}
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(map[string]any{
		"type":     "statuses",
		"statuses": h.cache.All(),
		"at":       time.Now().UTC(),
	})
}
