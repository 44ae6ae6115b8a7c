package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/ws"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type WSHandler struct {
	hub            *ws.Hub
	engine         ws.Handler
	opts           ws.Options
	allowedOrigins string
}

// NewWSHandler: allowedOrigins — как в CORS (через запятую или "*").
func NewWSHandler(hub *ws.Hub, engine ws.Handler, opts ws.Options, allowedOrigins string) *WSHandler {
	return &WSHandler{hub: hub, engine: engine, opts: opts, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS поднимает соединение; аутентификация идёт уже внутри протокола (событие login).
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	client := ws.NewClient(h.hub, h.engine, conn, uuid.New().String(), h.opts)
	if err := h.hub.Register(client); err != nil {
		code := websocket.CloseTryAgainLater
		if errors.Is(err, ws.ErrHubClosed) {
			code = websocket.CloseGoingAway
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()))
		conn.Close()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	client.Start(ctx, cancel)
}
