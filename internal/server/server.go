// Пакет server — HTTP-сервер Librarian с graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/librarian/internal/api/handlers"
	"github.com/bigkaa/librarian/internal/api/middleware"
	"github.com/bigkaa/librarian/internal/config"
)

// Handlers — набор обработчиков, монтируемых в роутер.
type Handlers struct {
	Files       *handlers.FilesHandler
	Contents    *handlers.ContentsHandler
	Maintenance *handlers.MaintenanceHandler
	Health      *handlers.HealthHandler
	System      *handlers.SystemHandler
}

// Server — HTTP-сервер Librarian.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными маршрутами и middleware.
// auth == nil — API загрузки и метаданных без JWT (только для
// закрытых сетей и тестов).
func New(cfg *config.Config, logger *slog.Logger, h Handlers, auth *middleware.JWTAuth) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(logger, h, auth),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "http_server")),
		cfg:        cfg,
	}
}

// NewRouter собирает роутер chi.
func NewRouter(logger *slog.Logger, h Handlers, auth *middleware.JWTAuth) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	// Служебные endpoints без аутентификации
	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/api/v1/info", h.System.GetInfo)
	router.Get("/api/v1/openapi.json", h.System.GetOpenAPI)

	router.Route("/api/v1", func(r chi.Router) {
		if auth != nil {
			r.Use(auth.Middleware())
		}
		scope := func(s string) func(http.Handler) http.Handler {
			if auth == nil {
				return func(next http.Handler) http.Handler { return next }
			}
			return middleware.RequireScope(s)
		}

		r.With(scope(middleware.ScopeWrite)).Post("/files", h.Files.UploadFile)
		r.With(scope(middleware.ScopeRead)).Get("/contents/by-sha1/{sha1}", h.Contents.LookupBySHA1)
		r.With(scope(middleware.ScopeRead)).Get("/contents/{content_id}/aliases", h.Contents.GetAliases)
		r.With(scope(middleware.ScopeWrite)).Post("/contents/{content_id}/aliases", h.Contents.AddAlias)
		r.With(scope(middleware.ScopeAdmin)).Post("/maintenance/verify", h.Maintenance.Verify)
	})

	// Скачивание: доступ решает слой доступа, не JWT
	router.Get("/{alias_id}/{filename}", h.Files.DownloadFile)
	router.Head("/{alias_id}/{filename}", h.Files.DownloadFile)

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM)
// или отмены ctx. Затем выполняет graceful shutdown с таймаутом
// LIBRARIAN_SHUTDOWN_TIMEOUT.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен", slog.String("addr", s.httpServer.Addr))

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("Контекст сервера отменён")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
