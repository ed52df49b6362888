package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/cascowatch/internal/logger"
	"github.com/cascowatch/internal/middleware"
	"github.com/cascowatch/internal/ws"
)

type WSHandler struct {
	hub            *ws.Hub
	teams          ws.TeamDirectory
	allowedOrigins string
	sendBuf        int
}

// NewWSHandler создаёт обработчик WebSocket. allowedOrigins: как в CORS (через запятую или "*").
func NewWSHandler(hub *ws.Hub, teams ws.TeamDirectory, allowedOrigins string, sendBuf int) *WSHandler {
	return &WSHandler{hub: hub, teams: teams, allowedOrigins: strings.TrimSpace(allowedOrigins), sendBuf: sendBuf}
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

// ServeWS поднимает WebSocket (?token=..., BearerAuth стоит перед ним).
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	rooms, err := ws.RoomsFor(r.Context(), user, h.teams)
	if err != nil {
		logger.Errorf("ws rooms user=%s: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to resolve subscriptions")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, user, rooms, h.sendBuf)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}
