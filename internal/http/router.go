package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/otpcore/server/internal/auth"
	"github.com/otpcore/server/internal/http/handlers"
	"github.com/otpcore/server/internal/middleware"
)

// RouterDeps bundles the handlers and middleware inputs for the router
type RouterDeps struct {
	Device  *handlers.DeviceHandler
	OTP     *handlers.OTPHandler
	Audit   *handlers.AuditHandler
	Health  *handlers.HealthHandler
	APIKey  string
	Tokens  *auth.TokenService
	Limiter middleware.Limiter
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/", deps.Health.HandleRoot)
	r.Get("/health", deps.Health.HandleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.BearerAuth(deps.APIKey, deps.Tokens))

		// Registration and verification are the credential-guessing
		// surfaces; both sit behind the rate limiter.
		r.Group(func(r chi.Router) {
			if deps.Limiter != nil {
				r.Use(middleware.RateLimitMiddleware(deps.Limiter, middleware.GetIPKey))
			}
			r.Post("/devices/register", deps.Device.HandleRegister)
			r.Post("/otp/verify", deps.OTP.HandleVerify)
		})

		r.Post("/devices/{device_id}/deactivate", deps.Device.HandleDeactivate)
		r.Get("/devices", deps.Device.HandleList)
		r.Get("/audit", deps.Audit.HandleList)
	})

	return r
}
