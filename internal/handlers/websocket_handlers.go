package handlers

import (
	"net/http"

	"nas-chat/internal/auth"
	"nas-chat/internal/middleware"
	"nas-chat/internal/resolver"
	"nas-chat/internal/services"
	ws "nas-chat/internal/websocket"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WebSocketHandlers struct {
	chatService    *services.ChatService
	upgrader       websocket.Upgrader
	trustForwarded bool
	sendBuffer     int
	maxFrame       int64
	logger         *zap.Logger
}

func NewWebSocketHandlers(chatService *services.ChatService, allowedOrigins []string, trustForwarded bool, sendBuffer int, maxMessageLen int, logger *zap.Logger) *WebSocketHandlers {
	return &WebSocketHandlers{
		chatService: chatService,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(allowedOrigins, origin)
			},
		},
		trustForwarded: trustForwarded,
		sendBuffer:     sendBuffer,
		// Room for the JSON envelope and escaping around the longest text.
		maxFrame: int64(maxMessageLen)*6 + 4096,
		logger:   logger,
	}
}

// HandleWebSocket upgrades first and resolves afterwards, so a refused
// client still receives a structured error event before the close frame.
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")
	if token == "" {
		token = auth.BearerToken(r.Header.Get("Authorization"))
	}
	req := services.ConnectRequest{
		NasID:    q.Get("nas_id"),
		BSSID:    q.Get("bssid"),
		SourceIP: resolver.ClientIP(r, h.trustForwarded),
		Token:    token,
		Alias:    q.Get("alias"),
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := ws.NewClient(conn, h.sendBuffer, h.maxFrame, h.logger)
	ctx := r.Context()

	sess, err := h.chatService.Open(ctx, client, req)
	if err != nil {
		client.Run(func([]byte) {}, func() {})
		return
	}

	client.Run(
		func(msg []byte) { h.chatService.Handle(ctx, sess, msg) },
		func() { h.chatService.Close(sess) },
	)
}
