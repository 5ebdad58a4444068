package handlers

import (
	"context"
	"net/http"
	"time"

	apperrors "nas-chat/internal/errors"
	"nas-chat/internal/metrics"
	"nas-chat/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type RouterConfig struct {
	Tenants        *TenantHandlers
	Messages       *MessageHandlers
	WebSocket      *WebSocketHandlers
	Store          Pinger
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewRouter(cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()

	chain := middlewareChain(cfg)
	router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	router.HandleFunc("/health", health(cfg.Store)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	router.HandleFunc("/tenants/{slug}", cfg.Tenants.GetTenant).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/validate-nas", cfg.Tenants.ValidateNas).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/messages", cfg.Messages.ListMessages).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/messages/{id}", cfg.Messages.DeleteMessage).Methods(http.MethodDelete, http.MethodOptions)
	router.HandleFunc("/ws", cfg.WebSocket.HandleWebSocket).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, apperrors.NotFound("endpoint not found"), r.Header.Get("X-Request-ID"))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, apperrors.ErrorResponse{
			Status:    "error",
			ErrorCode: apperrors.ErrorCodeValidation,
			Message:   "method not allowed",
			RequestID: r.Header.Get("X-Request-ID"),
		})
	})

	return router
}

// middlewareChain runs RequestID outermost so every later layer, including
// panic recovery, sees the request id.
func middlewareChain(cfg RouterConfig) func(http.Handler) http.Handler {
	return middleware.Chain(
		middleware.RequestID,
		middleware.Recovery(cfg.Logger),
		middleware.Logging(cfg.Logger),
		middleware.Metrics(cfg.Metrics),
		middleware.CORS(cfg.AllowedOrigins),
	)
}

func health(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
