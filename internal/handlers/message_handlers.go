package handlers

import (
	"net/http"
	"strconv"

	"nas-chat/internal/auth"
	apperrors "nas-chat/internal/errors"
	"nas-chat/internal/middleware"
	"nas-chat/internal/models"
	"nas-chat/internal/services"
	"nas-chat/pkg/logger"

	"github.com/gorilla/mux"
)

type MessageHandlers struct {
	chatService *services.ChatService
}

func NewMessageHandlers(chatService *services.ChatService) *MessageHandlers {
	return &MessageHandlers{chatService: chatService}
}

// ListMessages returns a room's history, most recent first. Missing or
// malformed ids yield an empty list rather than an error.
func (h *MessageHandlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	roomID, roomOK := positiveID(q.Get("roomId"))
	tenantID, tenantOK := positiveID(q.Get("tenantId"))
	if !roomOK || !tenantOK {
		writeJSON(w, http.StatusOK, []*models.Message{})
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	messages, err := h.chatService.History(r.Context(), tenantID, roomID, limit)
	if err != nil {
		logger.Error("List messages error: %v", err)
		apperrors.WriteError(w, apperrors.PersistenceFailed(err), middleware.RequestIDFrom(r.Context()))
		return
	}

	writeJSON(w, http.StatusOK, messages)
}

// DeleteMessage is the HTTP moderation entry point: 401 for a bad token,
// 403 when the token may not moderate the tenant, 404 when the message is
// absent or not the tenant's.
func (h *MessageHandlers) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.RequestIDFrom(r.Context())

	messageID, ok := positiveID(mux.Vars(r)["id"])
	if !ok {
		apperrors.WriteError(w, apperrors.Validation("invalid message id"), requestID)
		return
	}
	tenantID, ok := positiveID(r.URL.Query().Get("tenantId"))
	if !ok {
		apperrors.WriteError(w, apperrors.Validation("tenantId is required"), requestID)
		return
	}

	token := auth.BearerToken(r.Header.Get("Authorization"))
	if err := h.chatService.ModerateDelete(r.Context(), token, tenantID, messageID); err != nil {
		if apperrors.As(err).Code == apperrors.ErrorCodeInternal {
			logger.Error("Delete message error: %v", err)
		}
		apperrors.WriteError(w, err, requestID)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func positiveID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
