// janitor.go — фоновое обслуживание хранилищ.
//
// Janitor выполняет три задачи:
//  1. Удаляет сегменты журнала безопасности старше срока хранения
//  2. Удаляет брошенные временные файлы загрузок (*.part)
//  3. Обновляет gauge-метрики безопасного хранилища
//
// Запускается как горутина с периодическим тикером (UG_JANITOR_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/upload-guard/internal/api/middleware"
	"github.com/bigkaa/goartstore/upload-guard/internal/audit"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/filestore"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/safestore"
)

// Prometheus метрики janitor
var (
	janitorRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ug_janitor_runs_total",
		Help: "Общее количество запусков janitor",
	})

	janitorSegmentsPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ug_janitor_log_segments_pruned_total",
		Help: "Общее количество удалённых сегментов журнала безопасности",
	})

	janitorStaleUploadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ug_janitor_stale_uploads_removed_total",
		Help: "Общее количество удалённых брошенных временных файлов",
	})

	janitorDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ug_janitor_duration_seconds",
		Help:    "Длительность выполнения janitor в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// DefaultStagingMaxAge — возраст временного файла, после которого он
// считается брошенным.
const DefaultStagingMaxAge = time.Hour

// JanitorResult — результат одного запуска.
type JanitorResult struct {
	// SegmentsPruned — удалено сегментов журнала
	SegmentsPruned int
	// StaleUploads — удалено временных файлов
	StaleUploads int
	// Errors — количество ошибок
	Errors   int
	Duration time.Duration
}

// JanitorService — сервис фонового обслуживания.
type JanitorService struct {
	auditLog      *audit.Logger
	staging       *filestore.Staging
	safe          *safestore.Store
	interval      time.Duration
	stagingMaxAge time.Duration
	logger        *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitorService создаёт сервис обслуживания.
// stagingMaxAge <= 0 означает DefaultStagingMaxAge.
func NewJanitorService(
	auditLog *audit.Logger,
	staging *filestore.Staging,
	safe *safestore.Store,
	interval time.Duration,
	stagingMaxAge time.Duration,
	logger *slog.Logger,
) *JanitorService {
	if stagingMaxAge <= 0 {
		stagingMaxAge = DefaultStagingMaxAge
	}
	return &JanitorService{
		auditLog:      auditLog,
		staging:       staging,
		safe:          safe,
		interval:      interval,
		stagingMaxAge: stagingMaxAge,
		logger:        logger.With(slog.String("component", "janitor")),
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (j *JanitorService) Start(ctx context.Context) {
	jctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})

	go j.run(jctx)

	j.logger.Info("Janitor запущен",
		slog.String("interval", j.interval.String()),
	)
}

// Stop останавливает фоновый процесс и ждёт завершения текущего цикла.
func (j *JanitorService) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
	j.logger.Info("Janitor остановлен")
}

// run — основной цикл фоновой горутины.
func (j *JanitorService) run(ctx context.Context) {
	defer close(j.done)

	// Первый запуск — сразу после старта
	j.RunOnce()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce()
		}
	}
}

// RunOnce выполняет один цикл обслуживания.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
func (j *JanitorService) RunOnce() *JanitorResult {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := time.Now()
	result := &JanitorResult{}

	pruned, err := j.auditLog.PruneExpired()
	result.SegmentsPruned = pruned
	if err != nil {
		result.Errors++
		j.logger.Error("Janitor: ошибка очистки журнала",
			slog.String("error", err.Error()),
		)
	}

	stale, err := j.staging.Sweep(j.stagingMaxAge, time.Now())
	result.StaleUploads = stale
	if err != nil {
		result.Errors++
		j.logger.Error("Janitor: ошибка очистки временной директории",
			slog.String("error", err.Error()),
		)
	}

	idx := j.safe.Index()
	middleware.SafeFiles.Set(float64(idx.Count()))
	middleware.SafeStorageBytes.Set(float64(idx.TotalBytes()))

	result.Duration = time.Since(start)

	janitorRunsTotal.Inc()
	janitorSegmentsPrunedTotal.Add(float64(pruned))
	janitorStaleUploadsTotal.Add(float64(stale))
	janitorDurationSeconds.Observe(result.Duration.Seconds())

	j.logger.Info("Janitor завершён",
		slog.Int("segments_pruned", result.SegmentsPruned),
		slog.Int("stale_uploads", result.StaleUploads),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}
