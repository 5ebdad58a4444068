package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "nas-chat/internal/errors"
	"nas-chat/internal/middleware"
	"nas-chat/internal/resolver"
	"nas-chat/internal/services"
	"nas-chat/pkg/logger"

	"github.com/gorilla/mux"
)

type TenantHandlers struct {
	tenantService  *services.TenantService
	trustForwarded bool
}

func NewTenantHandlers(tenantService *services.TenantService, trustForwarded bool) *TenantHandlers {
	return &TenantHandlers{
		tenantService:  tenantService,
		trustForwarded: trustForwarded,
	}
}

func (h *TenantHandlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.tenantService.GetTenant(r.Context(), mux.Vars(r)["slug"])
	if err != nil {
		if !apperrors.IsCode(err, apperrors.ErrorCodeNotFound) {
			logger.Error("Get tenant error: %v", err)
		}
		apperrors.WriteError(w, err, middleware.RequestIDFrom(r.Context()))
		return
	}

	writeJSON(w, http.StatusOK, tenant)
}

// ValidateNas answers whether a client on this network would be admitted.
// The caller's own address is the last-resort hint, as on the socket.
func (h *TenantHandlers) ValidateNas(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp, err := h.tenantService.ValidateNas(r.Context(), resolver.Request{
		NasID:    q.Get("nas_id"),
		BSSID:    q.Get("bssid"),
		SourceIP: resolver.ClientIP(r, h.trustForwarded),
	})
	if err != nil {
		logger.Error("Validate NAS error: %v", err)
		apperrors.WriteError(w, err, middleware.RequestIDFrom(r.Context()))
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
