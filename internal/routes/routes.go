package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BradenHooton/leasegate/internal/auth"
	"github.com/BradenHooton/leasegate/internal/handlers"
	"github.com/BradenHooton/leasegate/internal/middleware"
	"github.com/BradenHooton/leasegate/internal/models"
	pkghttp "github.com/BradenHooton/leasegate/pkg/http"
)

// HealthChecker reports whether the backing store is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies groups everything the router needs
type Dependencies struct {
	AuthHandler      *handlers.AuthHandler
	AccountHandler   *handlers.AccountHandler
	TokenManager     *auth.TokenManager
	Revocations      auth.TokenRevocationChecker
	RevocationConfig auth.RevocationConfig
	Accounts         auth.AccountGetter
	LoginRateLimit   middleware.RateLimitConfig
	CodeRateLimit    middleware.RateLimitConfig
	Health           HealthChecker
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, deps Dependencies) {
	router.Get("/health", healthHandler(deps.Health))
	router.Handle("/metrics", promhttp.Handler())

	// Public routes - no authentication required
	router.With(middleware.RateLimitByIP(deps.LoginRateLimit)).Post("/auth/login", deps.AuthHandler.Login)
	router.Post("/auth/register", deps.AuthHandler.Register)

	// Each code route keeps its own per-IP bucket
	codeLimited := func() chi.Router {
		return router.With(middleware.RateLimitByIP(deps.CodeRateLimit))
	}
	codeLimited().Post("/auth/mfa/verify", deps.AuthHandler.VerifyCode)
	codeLimited().Post("/auth/mfa/resend", deps.AuthHandler.ResendCode)
	codeLimited().Post("/auth/password-reset/request", deps.AuthHandler.RequestPasswordReset)
	codeLimited().Post("/auth/password-reset/confirm", deps.AuthHandler.ConfirmPasswordReset)

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(auth.AuthMiddleware(deps.TokenManager, deps.Revocations, deps.RevocationConfig))
		r.Use(auth.RequireActive(deps.Accounts))

		r.Post("/auth/logout", deps.AuthHandler.Logout)

		r.Route("/accounts/me", func(r chi.Router) {
			r.Get("/risk", deps.AccountHandler.GetMyRisk)
			r.Post("/mfa/enable", deps.AccountHandler.BeginEnableMFA)
			r.Post("/mfa/confirm", deps.AccountHandler.ConfirmEnableMFA)
			r.Post("/mfa/disable", deps.AccountHandler.DisableMFA)
			r.Post("/alerts/{id}/ack", deps.AccountHandler.AcknowledgeAlert)
		})

		// Admin-only routes
		r.Route("/admin/accounts/{id}", func(r chi.Router) {
			r.Use(auth.RequireRole(deps.Accounts, models.RoleAdmin))
			r.Get("/risk", deps.AccountHandler.GetAccountRisk)
			r.Post("/deactivate", deps.AccountHandler.Deactivate)
		})
	})
}

func healthHandler(db HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			pkghttp.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "down"})
			return
		}
		pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "database": "up"})
	}
}
