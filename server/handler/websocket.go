package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"groupchat/server/hub"
)

// NewUpgrader accepts origins from allowed. An empty list allows any origin.
func NewUpgrader(allowed []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(allowed, r.Header.Get("Origin"))
		},
	}
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the request and hands the connection to the hub
// until it closes.
func HandleWebSocket(h *hub.Hub, d hub.Dispatcher, up *websocket.Upgrader, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		if err := h.Serve(r.Context(), conn, d); err != nil {
			log.Debug("connection refused", zap.Error(err))
		}
	}
}
