package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/deuce/internal/logger"
	"github.com/marmos91/deuce/pkg/api/handlers"
	apimiddleware "github.com/marmos91/deuce/pkg/api/middleware"
	"github.com/marmos91/deuce/pkg/api/response"
	"github.com/marmos91/deuce/pkg/config"
)

// NewRouter builds the chi router serving spec.md §6's v1.0 HTTP surface.
//
// The router is configured with:
//   - Request ID middleware for request tracking
//   - Real IP extraction for proper client identification
//   - Custom request logging using the internal logger
//   - Panic recovery to prevent server crashes
//   - Request timeout to prevent hung requests
//
// Diagnostic routes (/, /ping, /health) are unauthenticated; every other
// route requires X-Project-Id via middleware.Tenant.
func NewRouter(services Services, backends *config.Backends, cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	healthHandler := handlers.NewHealthHandler(backends.Metadata, backends.Blocks)

	r.Get("/v1.0/", homeDocument)
	r.Get("/v1.0/ping", healthHandler.Ping)
	r.Get("/v1.0/health", healthHandler.Health)

	vaultHandler := handlers.NewVaultHandler(services.Vaults, cfg.DefaultPageSize, cfg.MaxPageSize)
	blockHandler := handlers.NewBlockHandler(services.Blocks, cfg.DefaultPageSize, cfg.MaxPageSize, cfg.MaxBatchBlocks)
	fileHandler := handlers.NewFileHandler(services.Files, cfg.DefaultPageSize, cfg.MaxPageSize)
	storageBlockHandler := handlers.NewStorageBlockHandler(services.StorageBlocks, cfg.DefaultPageSize, cfg.MaxPageSize)

	r.Route("/v1.0/vaults", func(r chi.Router) {
		r.Use(apimiddleware.Tenant)

		r.Get("/", vaultHandler.List)

		r.Route("/{vault}", func(r chi.Router) {
			r.Put("/", vaultHandler.Create)
			r.Head("/", vaultHandler.Head)
			r.Get("/", vaultHandler.Get)
			r.Delete("/", vaultHandler.Delete)

			r.Route("/blocks", func(r chi.Router) {
				r.Get("/", blockHandler.List)
				r.Post("/", blockHandler.Batch)

				r.Route("/{block}", func(r chi.Router) {
					r.Put("/", blockHandler.Put)
					r.Get("/", blockHandler.Get)
					r.Head("/", blockHandler.Head)
					r.Delete("/", blockHandler.Delete)
				})
			})

			r.Route("/files", func(r chi.Router) {
				r.Post("/", fileHandler.Create)
				r.Get("/", fileHandler.List)

				r.Route("/{file}", func(r chi.Router) {
					r.Get("/", fileHandler.Get)
					r.Post("/", fileHandler.Post)
					r.Delete("/", fileHandler.Delete)

					r.Route("/blocks", func(r chi.Router) {
						r.Get("/", fileHandler.ListBlocks)
						r.Post("/", fileHandler.Blocks)
					})
				})
			})

			r.Route("/storage/blocks", func(r chi.Router) {
				r.Get("/", storageBlockHandler.List)

				r.Route("/{storage}", func(r chi.Router) {
					r.Head("/", storageBlockHandler.Head)
					r.Get("/", storageBlockHandler.Get)
					r.Delete("/", storageBlockHandler.Delete)
					r.Put("/", storageBlockHandler.Put)
				})
			})
		})
	})

	return r
}

// homeDocument serves GET /v1.0/: a minimal self-description of the
// service, matching the home-document convention of content-addressed
// storage protocols this service's surface descends from.
func homeDocument(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"name":    "deuce",
		"version": "1.0",
	})
}

// requestLogger logs every request using the internal logger, at DEBUG on
// start and INFO on completion.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}
