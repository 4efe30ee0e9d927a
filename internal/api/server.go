// Package api serves the control switch, reset actions and progress stats
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/vocab-cli/internal/model"
)

// Store is the subset of store.Store the API reads and writes.
type Store interface {
	GetControl(ctx context.Context) (model.ControlState, error)
	SetRunState(ctx context.Context, state model.RunState) error
	SetModel(ctx context.Context, modelID string) error

	RetryErrors(ctx context.Context, stage model.Stage) (int, error)
	ResetDiscards(ctx context.Context) (int, error)
	ResetTranslations(ctx context.Context) (int, error)

	Stats(ctx context.Context) (model.StageStats, error)
	RecentItems(ctx context.Context, limit int) ([]model.VocabItem, error)
	ListBatchRuns(ctx context.Context, limit int) ([]model.BatchRun, error)
}

// Options configures the router.
type Options struct {
	DefaultModel    string
	AvailableModels []string
	AllowedOrigins  []string
	RecentLimit     int
	RequestTimeout  time.Duration
}

// Server holds handler dependencies.
type Server struct {
	store Store
	opts  Options
}

// NewServer creates an API server over st.
func NewServer(st Store, opts Options) *Server {
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 50
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if len(opts.AvailableModels) == 0 && opts.DefaultModel != "" {
		opts.AvailableModels = []string{opts.DefaultModel}
	}
	return &Server{store: st, opts: opts}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", s.getConfig)
		r.Post("/config", s.setConfig)
		r.Get("/worker_status", s.getWorkerStatus)
		r.Post("/worker_status", s.setWorkerStatus)
		r.Get("/stats", s.getStats)
		r.Get("/batch_runs", s.listBatchRuns)
		r.Post("/retry_errors", s.retryErrors)
		r.Post("/reset_discards", s.resetDiscards)
		r.Post("/trigger_translate", s.triggerTranslate)
	})

	return r
}

// requestLogger logs one line per request through the global zap logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// internalError logs err and replies 500.
func internalError(w http.ResponseWriter, op string, err error) {
	zap.L().Error("api: "+op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}
