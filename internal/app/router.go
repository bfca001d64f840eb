package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dharmesh177/zsindia-cms/internal/observability"
	serialshttp "github.com/Dharmesh177/zsindia-cms/internal/serials/http"
	"github.com/Dharmesh177/zsindia-cms/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger        *slog.Logger
	Config        *Config
	Pool          *pgxpool.Pool
	SerialHandler *serialshttp.Handler
	JobHandler    *jobs.Handler
	Metrics       *observability.Metrics
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.Pool != nil {
			if err := params.Pool.Ping(r.Context()); err != nil {
				params.Logger.Warn("health check database", slog.Any("error", err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	verifyLimit := 0
	adminToken := ""
	if params.Config != nil {
		verifyLimit = params.Config.VerifyRateLimit
		adminToken = params.Config.AdminAPIToken
	}

	if params.SerialHandler != nil {
		r.Group(func(r chi.Router) {
			r.Use(VerifyRateLimit(verifyLimit))
			params.SerialHandler.MountPublicRoutes(r)
		})
	}
	r.Route("/admin", func(r chi.Router) {
		r.Use(RequireAdminToken(adminToken, params.Logger))
		if params.SerialHandler != nil {
			params.SerialHandler.MountAdminRoutes(r)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
