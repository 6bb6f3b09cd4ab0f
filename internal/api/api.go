// Package api serves the persisted dataset over HTTP. All endpoints are
// read-only; the pipeline remains the only writer.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/epidata-io/covid-etl/internal/store"
)

// Server exposes the case dataset and run history.
type Server struct {
	store  *store.Store
	router *chi.Mux
	server *http.Server
}

// NewServer builds the router over a store. Empty allowedOrigins means any
// origin.
func NewServer(st *store.Store, allowedOrigins []string) *Server {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	s := &Server{store: st, router: chi.NewRouter()}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(requestLogger)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		MaxAge:         300,
	}))

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/countries", s.handleCountries)
		r.Get("/countries/{code}/series", s.handleSeries)
		r.Get("/latest", s.handleLatest)
		r.Get("/runs", s.handleRuns)
	})
	return s
}

// Router returns the handler, for tests and embedding.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting api server", zap.String("addr", addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	countries, err := s.store.Countries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, countries)
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))
	if len(code) != 3 {
		writeError(w, http.StatusBadRequest, "country code must be ISO 3166-1 alpha-3", nil)
		return
	}

	from, ok := parseDateParam(w, r, "from")
	if !ok {
		return
	}
	to, ok := parseDateParam(w, r, "to")
	if !ok {
		return
	}

	series, err := s.store.SeriesByCountry(r.Context(), code, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed", err)
		return
	}
	if len(series) == 0 {
		writeError(w, http.StatusNotFound, "no data for country "+code, nil)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	latest, err := s.store.LatestByCountry(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// parseDateParam reads an optional YYYY-MM-DD query parameter. A zero time
// means the parameter was absent.
func parseDateParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be YYYY-MM-DD", nil)
		return time.Time{}, false
	}
	return t, true
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("request",
			zap.String("component", "api"),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("encoding response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		zap.L().Error("request failed",
			zap.String("component", "api"),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": message})
}
