// Пакет server — HTTP-сервер статуса Disk Archiver с graceful shutdown.
// Отдаёт снимок состояния (/status и плоскую проекцию /status/live),
// Prometheus-метрики и liveness probe.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/WIPACrepo/datamove/internal/config"
	"github.com/WIPACrepo/datamove/internal/status"
)

// shutdownTimeout — предел graceful shutdown HTTP-сервера.
const shutdownTimeout = 10 * time.Second

// StatusProvider строит снимок состояния по требованию.
type StatusProvider interface {
	GetStatus(ctx context.Context) *status.DiskArchiverStatus
}

// Server — HTTP-сервер статуса.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New создаёт сервер с настроенными маршрутами и middleware.
func New(port int, provider StatusProvider, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(RequestLogger(logger))
	router.Use(MetricsMiddleware())

	router.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, provider.GetStatus(r.Context()))
	})
	router.Get("/status/live", func(w http.ResponseWriter, r *http.Request) {
		live := status.Live(provider.GetStatus(r.Context()))
		writeJSON(w, live)
	})
	router.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   config.Version,
			"service":   "disk-archiver",
		})
	})
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Start запускает сервер в отдельной горутине.
func (s *Server) Start() {
	go func() {
		s.logger.Info("HTTP-сервер статуса запущен",
			slog.String("addr", s.httpServer.Addr),
		)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Ошибка HTTP-сервера",
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Shutdown выполняет graceful shutdown сервера.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Ошибка graceful shutdown HTTP-сервера",
			slog.String("error", err.Error()),
		)
	}
}

// writeJSON сериализует v в ответ.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
