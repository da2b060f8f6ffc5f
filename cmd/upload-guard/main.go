// Точка входа Upload Guard — сервиса проверки и хранения загружаемых файлов.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bigkaa/goartstore/upload-guard/internal/api/handlers"
	"github.com/bigkaa/goartstore/upload-guard/internal/api/middleware"
	"github.com/bigkaa/goartstore/upload-guard/internal/audit"
	"github.com/bigkaa/goartstore/upload-guard/internal/config"
	"github.com/bigkaa/goartstore/upload-guard/internal/server"
	"github.com/bigkaa/goartstore/upload-guard/internal/service"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/filestore"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/quarantine"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/safestore"
	"github.com/bigkaa/goartstore/upload-guard/internal/validation"
)

// Параметры JWKS-клиента.
const (
	jwksClientTimeout   = 10 * time.Second
	jwksRefreshInterval = 15 * time.Minute
	jwtLeeway           = 30 * time.Second
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Upload Guard запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.Int64("max_file_size", cfg.MaxFileSize),
		slog.Int64("max_concurrent_validations", cfg.MaxConcurrentValidations),
	)

	// --- Инициализация компонентов ---

	// 1. Хранилища
	staging, err := filestore.NewStaging(cfg.TempDir)
	if err != nil {
		fatal(logger, "Ошибка инициализации временной директории", err)
	}
	safe, err := safestore.New(cfg.SafeDir, logger)
	if err != nil {
		fatal(logger, "Ошибка инициализации безопасного хранилища", err)
	}
	qm, err := quarantine.New(cfg.QuarantineDir, logger)
	if err != nil {
		fatal(logger, "Ошибка инициализации карантина", err)
	}

	// 2. Журнал безопасности
	thresholds, err := audit.ThresholdsFromConfig(cfg.AlertThresholds)
	if err != nil {
		fatal(logger, "Некорректные пороги оповещений", err)
	}

	var notifier *audit.NATSNotifier
	auditOpts := audit.Options{
		Dir:             cfg.LogDir,
		MaxSegmentBytes: cfg.LogMaxSegmentBytes,
		RetentionCount:  cfg.LogRetentionCount,
		RetentionDays:   cfg.LogRetentionDays,
		Thresholds:      thresholds,
		Window:          cfg.AlertWindow,
	}
	if cfg.NATSURL != "" {
		notifier, err = audit.NewNATSNotifier(cfg.NATSURL, cfg.NATSAlertSubject, logger)
		if err != nil {
			logger.Warn("NATS недоступен, оповещения только в журнал",
				slog.String("error", err.Error()),
			)
		} else {
			auditOpts.Notifier = notifier
			logger.Info("Оповещения публикуются в NATS",
				slog.String("subject", cfg.NATSAlertSubject),
			)
		}
	}

	auditLog, err := audit.New(auditOpts, logger)
	if err != nil {
		fatal(logger, "Ошибка инициализации журнала безопасности", err)
	}

	// 3. Конвейер проверки
	policy := validation.NewPolicy(cfg.MaxFileSize, cfg.AllowedExtensions, cfg.AllowedMimeTypes)
	th := validation.Thresholds{
		MinConfidence:          cfg.MinConfidence,
		EntropyBomb:            cfg.EntropyBombThreshold,
		EntropyHigh:            cfg.EntropyHighThreshold,
		MaxCompressionRatio:    cfg.MaxCompressionRatio,
		AppendedDataRatio:      cfg.AppendedDataRatio,
		MetadataBlockLimit:     cfg.MetadataBlockLimit,
		SuspiciousPatternLimit: cfg.SuspiciousPatternLimit,
		OfficePatternLimit:     cfg.OfficePatternLimit,
	}
	var extra []validation.Detector
	if cfg.ClamAVAddr != "" {
		extra = append(extra, validation.NewClamAVDetector(cfg.ClamAVAddr, cfg.ClamAVFailClosed, logger))
		logger.Info("ClamAV подключён",
			slog.String("addr", cfg.ClamAVAddr),
			slog.Bool("fail_closed", cfg.ClamAVFailClosed),
		)
	}
	validator := validation.New(policy, th, logger, extra...)

	// 4. Сервисы
	uploadSvc := service.NewUploadService(validator, staging, safe, qm, auditLog, nil,
		service.UploadOptions{
			MaxConcurrent: cfg.MaxConcurrentValidations,
			Timeout:       cfg.ValidationTimeout,
		}, logger)
	downloadSvc := service.NewDownloadService(safe, auditLog, logger)
	verifySvc := service.NewVerifyService(safe, qm, logger)

	// 5. Фоновые процессы
	ctx := context.Background()

	janitorSvc := service.NewJanitorService(auditLog, staging, safe, cfg.JanitorInterval, 0, logger)
	janitorSvc.Start(ctx)

	var (
		dephealthSvc *service.DephealthService
		jwtAuth      *middleware.JWTAuth
	)
	if cfg.JWKSUrl != "" {
		dephealthSvc, err = service.NewDephealthService(
			cfg.JWKSUrl,
			cfg.DephealthCheckInterval,
			cfg.JWKSTLSSkipVerify,
			logger,
		)
		if err != nil {
			logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
				slog.String("error", err.Error()),
			)
			dephealthSvc = nil
		} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
			dephealthSvc = nil
		}

		jwtAuth, err = middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSUrl,
			CACertPath:      cfg.JWKSCACert,
			TLSSkipVerify:   cfg.JWKSTLSSkipVerify,
			ClientTimeout:   jwksClientTimeout,
			RefreshInterval: jwksRefreshInterval,
			JWTLeeway:       jwtLeeway,
		}, logger)
		if err != nil {
			fatal(logger, "Ошибка настройки JWT аутентификации", err)
		}
		jwtAuth.SetFailureRecorder(service.NewAccessAuditor(auditLog, logger))
		logger.Info("JWT аутентификация настроена", slog.String("jwks_url", cfg.JWKSUrl))
	} else {
		logger.Warn("UG_JWKS_URL не задан, запуск без аутентификации")
	}

	// 6. Handlers
	var deps handlers.DependencyHealth
	if dephealthSvc != nil {
		deps = dephealthSvc
	}
	healthHandler := handlers.NewHealthHandler(map[string]string{
		"safe_dir":       cfg.SafeDir,
		"quarantine_dir": cfg.QuarantineDir,
		"log_dir":        cfg.LogDir,
		"temp_dir":       cfg.TempDir,
	}, safe.Index(), deps)

	h := server.Handlers{
		Files:      handlers.NewFilesHandler(uploadSvc, downloadSvc, cfg.MaxFileSize, logger),
		Verify:     handlers.NewVerifyHandler(verifySvc, logger),
		Quarantine: handlers.NewQuarantineHandler(qm, logger),
		Security:   handlers.NewSecurityHandler(auditLog, cfg.AlertMinSeverity, logger),
		Health:     healthHandler,
	}

	// 7. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, h, jwtAuth)

	runErr := srv.Run()

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	janitorSvc.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	if notifier != nil {
		if err := notifier.Close(); err != nil {
			logger.Warn("Ошибка закрытия NATS", slog.String("error", err.Error()))
		}
	}

	if runErr != nil {
		fatal(logger, "Ошибка сервера", runErr)
	}
	logger.Info("Upload Guard остановлен")
}

// fatal логирует ошибку и завершает процесс.
func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}
