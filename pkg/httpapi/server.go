// Package httpapi exposes the orchestration-relevant HTTP surface: models,
// downloads, inference-engines, and health, translating component errors
// into a JSON error envelope.
package httpapi

import (
	"net/http"

	"github.com/kolosal/kolosal-server/pkg/backendloader"
	"github.com/kolosal/kolosal-server/pkg/download"
	"github.com/kolosal/kolosal-server/pkg/engine"
	"github.com/kolosal/kolosal-server/pkg/logging"
	"github.com/kolosal/kolosal-server/pkg/metrics"
	"github.com/kolosal/kolosal-server/pkg/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server is the composed HTTP handler for every route this process serves.
type Server struct {
	log         logging.Logger
	router      *http.ServeMux
	handler     http.Handler
	coordinator *engine.Coordinator
	downloads   *download.Manager
	loader      *backendloader.Loader
	metrics     *metrics.Registry
	downloadDir string
}

// NewServer constructs the composed handler: route registration, followed
// by the "/v1" alias and CORS middleware.
func NewServer(log logging.Logger, coordinator *engine.Coordinator, downloads *download.Manager, loader *backendloader.Loader, reg *metrics.Registry, downloadDir string, allowedOrigins []string) *Server {
	s := &Server{
		log:         logging.NewComponentLogger(log, "httpapi"),
		router:      http.NewServeMux(),
		coordinator: coordinator,
		downloads:   downloads,
		loader:      loader,
		metrics:     reg,
		downloadDir: downloadDir,
	}

	for pattern, handler := range s.routeHandlers() {
		s.router.HandleFunc(pattern, handler)
	}
	if reg != nil {
		s.router.Handle("GET /metrics", reg.Handler())
	}

	aliased := &middleware.V1PrefixHandler{Handler: s.router}
	withCORS := middleware.CORSMiddleware(allowedOrigins, aliased)
	s.handler = otelhttp.NewHandler(withCORS, "kolosal-server")
	return s
}

func (s *Server) routeHandlers() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"GET /models":             s.handleModels,
		"POST /models":            s.handleModels,
		"GET /models/{id}":        s.handleModelByID,
		"GET /models/{id}/status": s.handleModelByID,
		"DELETE /models/{id}":     s.handleModelByID,

		"GET /downloads":              s.handleDownloads,
		"DELETE /downloads":           s.handleDownloads,
		"POST /downloads/cancel":      s.handleCancelAllDownloads,
		"GET /downloads/{id}":         s.handleDownloadByID,
		"DELETE /downloads/{id}":      s.handleDownloadByID,
		"POST /downloads/{id}/cancel": s.handleDownloadCancel,
		"POST /downloads/{id}/pause":  s.handlePauseDownload,
		"POST /downloads/{id}/resume": s.handleResumeDownload,

		"GET /inference-engines":  s.handleEngines,
		"POST /inference-engines": s.handleEngines,

		"GET /health": s.handleHealth,
		"GET /status": s.handleHealth,

		"/": func(w http.ResponseWriter, r *http.Request) {
			writeNotFound(w, "route not found")
		},
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
