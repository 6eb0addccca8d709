package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/qcom/authcore/internal/config"
	"github.com/qcom/authcore/internal/middleware"
	"github.com/qcom/authcore/internal/models"
	"github.com/sirupsen/logrus"
)

// NewRouter mounts every endpoint behind CORS, request logging and the
// authentication pipeline. metricsHandler may be nil.
func NewRouter(
	h *AuthHandlers,
	pipeline func(http.Handler) http.Handler,
	cfg *config.Config,
	metricsHandler http.Handler,
	logger *logrus.Logger,
) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins, cfg.Gates.APIKeyHeader))
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(pipeline)

	router.HandleFunc("/health", h.Health).Methods("GET", "OPTIONS")
	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler).Methods("GET")
	}

	api := router.PathPrefix("/api").Subrouter()

	users := api.PathPrefix("/users").Subrouter()
	users.HandleFunc("/register", h.Register).Methods("POST", "OPTIONS")
	users.HandleFunc("/login", h.Login).Methods("POST", "OPTIONS")
	users.HandleFunc("/refresh-token", h.RefreshToken).Methods("POST", "OPTIONS")
	users.HandleFunc("/verify", h.Verify).Methods("GET", "OPTIONS")
	users.HandleFunc("/verify-code", h.VerifyCode).Methods("POST", "OPTIONS")
	users.HandleFunc("/resend-verification", h.ResendVerification).Methods("POST", "OPTIONS")
	users.HandleFunc("/request-password-reset", h.RequestPasswordReset).Methods("POST", "OPTIONS")
	users.HandleFunc("/reset-password", h.ResetPassword).Methods("POST", "OPTIONS")
	users.Handle("/logout", middleware.RequireAuth(http.HandlerFunc(h.Logout))).Methods("POST", "OPTIONS")
	users.Handle("/me", middleware.RequireAuth(http.HandlerFunc(h.Me))).Methods("GET", "OPTIONS")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.RequireRole(models.RoleAdmin))
	admin.HandleFunc("/ping", h.AdminPing).Methods("GET")

	return router
}
