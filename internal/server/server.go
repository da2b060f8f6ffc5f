// Пакет server — HTTP-сервер Upload Guard с TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/upload-guard/internal/api/handlers"
	"github.com/bigkaa/goartstore/upload-guard/internal/api/middleware"
	"github.com/bigkaa/goartstore/upload-guard/internal/config"
)

// Handlers — набор доменных handlers для маршрутизации.
type Handlers struct {
	Files      *handlers.FilesHandler
	Verify     *handlers.VerifyHandler
	Quarantine *handlers.QuarantineHandler
	Security   *handlers.SecurityHandler
	Health     *handlers.HealthHandler
}

// Server — HTTP-сервер Upload Guard.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
// auth == nil — аутентификация отключена (UG_JWKS_URL не задан).
func New(cfg *config.Config, logger *slog.Logger, h Handlers, auth *middleware.JWTAuth) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewRouter(logger, h, auth, cfg.AdminScope),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	// Настройка TLS
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter собирает chi-роутер.
//
//	/health/live, /health/ready, /metrics          — без аутентификации
//	/api/v1/files/*, /api/v1/verify/*               — JWT
//	/api/v1/quarantine/*, /api/v1/security/*        — JWT + adminScope
func NewRouter(logger *slog.Logger, h Handlers, auth *middleware.JWTAuth, adminScope string) http.Handler {
	router := chi.NewRouter()

	// Middleware
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Get("/metrics", h.Health.GetMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		if auth != nil {
			r.Use(auth.Middleware())
		}

		r.Post("/files/upload", h.Files.UploadFile)
		r.Get("/files/{stored_name}", h.Files.DownloadFile)
		r.Get("/verify/{hash}", h.Verify.Verify)

		r.Group(func(r chi.Router) {
			if auth != nil {
				r.Use(auth.RequireScope(adminScope))
			}

			r.Get("/quarantine", h.Quarantine.List)
			r.Get("/quarantine/stats", h.Quarantine.Stats)

			r.Get("/security/stats", h.Security.Stats)
			r.Get("/security/logs", h.Security.Logs)
			r.Get("/security/alerts", h.Security.Alerts)
			r.Get("/security/health", h.Security.Health)
			r.Get("/security/report", h.Security.Report)
		})
	})

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown с таймаутом UG_SHUTDOWN_TIMEOUT.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.TLSCert != ""),
		)

		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
