// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Upload Guard мониторит:
//   - JWKS endpoint провайдера идентификации (HTTP GET, critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/prometheus/client_golang/prometheus"
)

// Имена вершины графа и зависимости в метриках.
const (
	DephealthServiceID = "upload-guard"
	DephealthGroup     = "upload-guard"
	DephealthJWKSName  = "jwks"
)

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
//
// Параметры:
//   - jwksURL — URL JWKS endpoint (UG_JWKS_URL)
//   - checkInterval — интервал проверки (UG_DEPHEALTH_CHECK_INTERVAL)
//   - tlsSkipVerify — не проверять TLS-сертификат (UG_JWKS_TLS_SKIP_VERIFY)
func NewDephealthService(
	jwksURL string,
	checkInterval time.Duration,
	tlsSkipVerify bool,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(jwksURL, checkInterval, tlsSkipVerify, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	jwksURL string,
	checkInterval time.Duration,
	tlsSkipVerify bool,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(jwksURL, checkInterval, tlsSkipVerify, logger, dephealth.WithRegisterer(registerer))
}

// newDephealthService — внутренний конструктор.
func newDephealthService(
	jwksURL string,
	checkInterval time.Duration,
	tlsSkipVerify bool,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	depOpts := []dephealth.DependencyOption{
		dephealth.FromURL(jwksURL),
		dephealth.CheckInterval(checkInterval),
		dephealth.Critical(true),
	}
	if parsed, err := url.Parse(jwksURL); err == nil && parsed.Scheme == "https" {
		depOpts = append(depOpts, dephealth.WithHTTPTLSSkipVerify(tlsSkipVerify))
	}

	opts := make([]dephealth.Option, 0, 2+len(extraOpts))
	opts = append(opts,
		dephealth.WithLogger(logger),
		dephealth.HTTP(DephealthJWKSName, depOpts...),
	)
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(DephealthServiceID, DephealthGroup, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
