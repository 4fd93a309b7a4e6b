package ipc

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Server wraps an HTTP server with engine-specific routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           corsMiddleware(traceMiddleware(logMiddleware(h.Logger, Routes(h)))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		httpServer: srv,
	}
}

// Routes registers every endpoint on a new mux.
func Routes(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()

	// Health endpoint.
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Catalog endpoints.
	mux.HandleFunc("GET /api/v1/catalog/{type}/phases", h.CatalogPhases)
	mux.HandleFunc("GET /api/v1/catalog/{type}/requirements/{phase}", h.CatalogRequirements)

	// Lead endpoints.
	mux.HandleFunc("POST /api/v1/leads", h.CreateLead)
	mux.HandleFunc("POST /api/v1/leads/{id}/properties", h.CreateLeadProperty)
	mux.HandleFunc("PATCH /api/v1/leads/{id}/expected-properties", h.UpdateExpectedProperties)
	mux.HandleFunc("POST /api/v1/leads/{id}/bootstrap", h.BootstrapLead)
	mux.HandleFunc("POST /api/v1/leads/{id}/convert", h.ConvertLead)
	mux.HandleFunc("POST /api/v1/lead-properties/{id}/confirm", h.ConfirmLeadProperty)

	// Entity endpoints, any pipeline.
	mux.HandleFunc("GET /api/v1/{type}/{id}", h.GetEntity)
	mux.HandleFunc("GET /api/v1/{type}/{id}/completion", h.Completion)
	mux.HandleFunc("POST /api/v1/{type}/{id}/transition", h.Transition)
	mux.HandleFunc("POST /api/v1/{type}/{id}/reject", h.Reject)
	mux.HandleFunc("GET /api/v1/{type}/{id}/documents", h.ListDocuments)
	mux.HandleFunc("GET /api/v1/{type}/{id}/tasks", h.ListTasks)
	mux.HandleFunc("POST /api/v1/{type}/{id}/tasks/generate", h.GenerateTasks)
	mux.HandleFunc("GET /api/v1/{type}/{id}/tasks/counts", h.TaskCounts)
	mux.HandleFunc("GET /api/v1/{type}/{id}/audit", h.ListAudit)

	// Event endpoints.
	mux.HandleFunc("GET /api/v1/{type}/{id}/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/{type}/{id}/events/stream", h.StreamEvents)

	// Document and task endpoints.
	mux.HandleFunc("POST /api/v1/documents", h.AddDocument)
	mux.HandleFunc("PATCH /api/v1/documents/{id}/state", h.SetDocumentState)
	mux.HandleFunc("POST /api/v1/tasks", h.AddTask)
	mux.HandleFunc("PATCH /api/v1/tasks/{id}/state", h.SetTaskState)

	return mux
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for the back-office web app.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept-Language, traceparent")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// traceMiddleware continues the caller's trace from the request headers.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush keeps the event stream working behind the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func logMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
