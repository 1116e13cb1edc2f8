package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nexuscore/nexusd/internal/logger"
	"github.com/nexuscore/nexusd/pkg/controlplane/api/handlers"
	"github.com/nexuscore/nexusd/pkg/controlplane/manager"
)

// NewRouter builds the chi router for a node's per-nexus REST API.
//
// Routes:
//   - GET    /health                                     liveness
//   - GET    /health/ready                                readiness
//   - POST   /api/v1/nexuses                              create
//   - GET    /api/v1/nexuses                               list
//   - GET    /api/v1/nexuses/{name}                        get
//   - DELETE /api/v1/nexuses/{name}                        destroy
//   - POST   /api/v1/nexuses/{name}/shutdown               shutdown
//   - POST   /api/v1/nexuses/{name}/children               add_child
//   - DELETE /api/v1/nexuses/{name}/children?uri=          remove_child
//   - POST   /api/v1/nexuses/{name}/children/offline?uri=  offline_child
//   - POST   /api/v1/nexuses/{name}/children/online?uri=   online_child
//   - POST   /api/v1/nexuses/{name}/children/fault?uri=    fault_child
//   - POST   /api/v1/nexuses/{name}/publish                publish
//   - POST   /api/v1/nexuses/{name}/unpublish               unpublish
//   - GET    /api/v1/nexuses/{name}/ana                    get_ana_state
//   - PUT    /api/v1/nexuses/{name}/ana                    set_ana_state
//   - POST   /api/v1/nexuses/{name}/rebuilds/start?uri=    rebuild start
//   - POST   /api/v1/nexuses/{name}/rebuilds/stop?uri=     rebuild stop
//   - POST   /api/v1/nexuses/{name}/rebuilds/pause?uri=    rebuild pause
//   - POST   /api/v1/nexuses/{name}/rebuilds/resume?uri=   rebuild resume
//   - GET    /api/v1/nexuses/{name}/rebuilds?uri=          rebuild state+stats
//   - POST   /api/v1/nexuses/{name}/snapshot               create_snapshot
func NewRouter(mgr *manager.Manager, ready func() bool) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	healthHandler := handlers.NewHealthHandler(ready)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	nexusHandler := handlers.NewNexusHandler(mgr)
	r.Route("/api/v1/nexuses", func(r chi.Router) {
		r.Post("/", nexusHandler.Create)
		r.Get("/", nexusHandler.List)

		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", nexusHandler.Get)
			r.Delete("/", nexusHandler.Destroy)
			r.Post("/shutdown", nexusHandler.Shutdown)

			r.Route("/children", func(r chi.Router) {
				r.Post("/", nexusHandler.AddChild)
				r.Delete("/", nexusHandler.RemoveChild)
				r.Post("/offline", nexusHandler.OfflineChild)
				r.Post("/online", nexusHandler.OnlineChild)
				r.Post("/fault", nexusHandler.FaultChild)
			})

			r.Post("/publish", nexusHandler.Publish)
			r.Post("/unpublish", nexusHandler.Unpublish)

			r.Route("/ana", func(r chi.Router) {
				r.Get("/", nexusHandler.GetAnaState)
				r.Put("/", nexusHandler.SetAnaState)
			})

			r.Route("/rebuilds", func(r chi.Router) {
				r.Get("/", nexusHandler.RebuildStatus)
				r.Post("/start", nexusHandler.StartRebuild)
				r.Post("/stop", nexusHandler.StopRebuild)
				r.Post("/pause", nexusHandler.PauseRebuild)
				r.Post("/resume", nexusHandler.ResumeRebuild)
			})

			r.Post("/snapshot", nexusHandler.CreateSnapshot)
		})
	})

	return r
}

func isHealthPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/health/")
}

// requestLogger logs every request through internal/logger, at DEBUG for
// healthcheck traffic to avoid polluting logs in k8s.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		fields := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		}
		if isHealthPath(r.URL.Path) {
			logger.Debug("API request completed", fields...)
		} else {
			logger.Info("API request completed", fields...)
		}
	})
}
