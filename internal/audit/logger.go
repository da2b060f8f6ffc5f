// Пакет audit — журнал безопасности Upload Guard.
// Записи хранятся JSON-строками в сегментах по дням (UTC):
// <dir>/security-YYYY-MM-DD.log. Сегмент, превысивший лимит размера,
// переносится в <dir>/archive/security-YYYY-MM-DD.<время>.log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
)

const (
	segmentPrefix = "security-"
	segmentSuffix = ".log"
	archiveDir    = "archive"
	dayLayout     = "2006-01-02"
	// archiveStamp — метка времени ротации в имени архивного сегмента
	archiveStamp = "20060102T150405.000000000Z"
)

// Prometheus-метрики журнала.
var (
	auditEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ug_audit_events_total",
		Help: "Общее количество записей журнала безопасности.",
	}, []string{"event_type", "level"})

	alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ug_alerts_total",
		Help: "Общее количество сработавших пороговых оповещений.",
	}, []string{"event_type"})

	rotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ug_audit_rotations_total",
		Help: "Общее количество ротаций сегментов журнала.",
	})
)

// Event — входные данные для записи в журнал.
type Event struct {
	Level    model.LogLevel
	Type     model.EventType
	Message  string
	Details  map[string]any
	Severity int
}

// Options — параметры журнала.
type Options struct {
	// Dir — директория сегментов
	Dir string
	// MaxSegmentBytes — размер активного сегмента, после которого он архивируется
	MaxSegmentBytes int64
	// RetentionCount — сколько архивных сегментов хранить
	RetentionCount int
	// RetentionDays — сколько дней хранить сегменты (0 — без ограничения)
	RetentionDays int
	// Thresholds — пороги оповещений по типам событий
	Thresholds map[model.EventType]int
	// Window — окно подсчёта событий для оповещений
	Window time.Duration
	// Notifier — внешний получатель оповещений (может быть nil)
	Notifier AlertNotifier
}

// DefaultThresholds возвращает пороги оповещений по умолчанию.
func DefaultThresholds() map[model.EventType]int {
	return map[model.EventType]int{
		model.EventMalwareDetected:    3,
		model.EventQuarantine:         5,
		model.EventSuspiciousActivity: 10,
	}
}

// Logger — журнал безопасности. Запись сериализуется мьютексом.
type Logger struct {
	dir        string
	archiveDir string
	opts       Options

	mu     sync.Mutex
	now    func() time.Time
	logger *slog.Logger
}

// New создаёт журнал и директории сегментов.
func New(opts Options, logger *slog.Logger) (*Logger, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("не задана директория журнала")
	}
	arch := filepath.Join(opts.Dir, archiveDir)
	if err := os.MkdirAll(arch, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию журнала %s: %w", arch, err)
	}
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	if opts.Thresholds == nil {
		opts.Thresholds = DefaultThresholds()
	}

	return &Logger{
		dir:        opts.Dir,
		archiveDir: arch,
		opts:       opts,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "audit")),
	}, nil
}

// Dir возвращает директорию сегментов.
func (l *Logger) Dir() string {
	return l.dir
}

// Log добавляет запись в журнал. Для отслеживаемых типов событий
// после записи пересчитывается число событий в окне; при достижении
// порога добавляется критическая запись-оповещение.
func (l *Logger) Log(ctx context.Context, ev Event) (*model.SecurityLogEntry, error) {
	if !ev.Level.Valid() {
		return nil, fmt.Errorf("недопустимый уровень записи: %q", ev.Level)
	}
	if !ev.Type.Valid() {
		return nil, fmt.Errorf("недопустимый тип события: %q", ev.Type)
	}

	l.mu.Lock()
	entry, err := l.appendLocked(ev)
	var alert *model.SecurityLogEntry
	if err == nil {
		alert = l.evaluateLocked(entry)
	}
	l.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if alert != nil {
		l.notify(ctx, alert)
	}
	return entry, nil
}

// appendLocked пишет запись в активный сегмент. Вызывается под l.mu.
func (l *Logger) appendLocked(ev Event) (*model.SecurityLogEntry, error) {
	now := l.now().UTC()
	entry := &model.SecurityLogEntry{
		ID:        uuid.New().String(),
		Timestamp: now,
		Level:     ev.Level,
		EventType: ev.Type,
		Message:   ev.Message,
		Details:   ev.Details,
		Severity:  model.ClampSeverity(ev.Severity),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации записи журнала: %w", err)
	}
	line = append(line, '\n')

	path := l.segmentPath(now)
	if err := l.rotateIfNeeded(path, int64(len(line)), now); err != nil {
		// Запись важнее ротации: продолжаем в текущий сегмент
		l.logger.Error("Ошибка ротации журнала",
			slog.String("segment", path),
			slog.String("error", err.Error()),
		)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия сегмента %s: %w", path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return nil, fmt.Errorf("ошибка записи в сегмент %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("ошибка закрытия сегмента %s: %w", path, err)
	}

	auditEventsTotal.WithLabelValues(string(entry.EventType), string(entry.Level)).Inc()
	l.mirror(entry)
	return entry, nil
}

// mirror дублирует запись в slog.
func (l *Logger) mirror(e *model.SecurityLogEntry) {
	level := slog.LevelInfo
	switch e.Level {
	case model.LevelWarning:
		level = slog.LevelWarn
	case model.LevelError, model.LevelCritical:
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("event_type", string(e.EventType)),
		slog.String("level", string(e.Level)),
		slog.Int("severity", e.Severity),
	}
	if len(e.Details) > 0 {
		attrs = append(attrs, slog.Any("details", e.Details))
	}
	l.logger.LogAttrs(context.Background(), level, e.Message, attrs...)
}

// rotateIfNeeded архивирует активный сегмент, если очередная запись
// превысит лимит размера. Пустой сегмент не архивируется.
func (l *Logger) rotateIfNeeded(path string, incoming int64, now time.Time) error {
	if l.opts.MaxSegmentBytes <= 0 {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() == 0 || info.Size()+incoming <= l.opts.MaxSegmentBytes {
		return nil
	}

	day := now.Format(dayLayout)
	dst := filepath.Join(l.archiveDir, segmentPrefix+day+"."+now.Format(archiveStamp)+segmentSuffix)
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("ошибка переноса сегмента в архив: %w", err)
	}
	rotationsTotal.Inc()

	l.logger.Info("Сегмент журнала перенесён в архив",
		slog.String("archive", filepath.Base(dst)),
		slog.Int64("size", info.Size()),
	)

	l.pruneArchivesLocked()
	return nil
}

// pruneArchivesLocked удаляет самые старые архивы сверх RetentionCount.
func (l *Logger) pruneArchivesLocked() {
	if l.opts.RetentionCount <= 0 {
		return
	}
	archives, err := l.listArchives()
	if err != nil {
		l.logger.Warn("Ошибка чтения архива журнала", slog.String("error", err.Error()))
		return
	}
	if len(archives) <= l.opts.RetentionCount {
		return
	}
	for _, name := range archives[:len(archives)-l.opts.RetentionCount] {
		if err := os.Remove(filepath.Join(l.archiveDir, name)); err != nil && !os.IsNotExist(err) {
			l.logger.Warn("Ошибка удаления архивного сегмента",
				slog.String("archive", name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// listArchives возвращает имена архивных сегментов от старых к новым.
func (l *Logger) listArchives() ([]string, error) {
	entries, err := os.ReadDir(l.archiveDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !isSegmentName(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// PruneExpired удаляет активные и архивные сегменты старше RetentionDays.
// Возвращает число удалённых сегментов.
func (l *Logger) PruneExpired() (int, error) {
	if l.opts.RetentionDays <= 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().UTC().AddDate(0, 0, -l.opts.RetentionDays).Format(dayLayout)
	removed := 0
	for _, dir := range []string{l.dir, l.archiveDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return removed, fmt.Errorf("ошибка чтения директории %s: %w", dir, err)
		}
		for _, e := range entries {
			day, ok := segmentDay(e.Name())
			if e.IsDir() || !ok || day >= cutoff {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("ошибка удаления сегмента %s: %w", e.Name(), err)
			}
			removed++
		}
	}
	return removed, nil
}

// segmentPath — путь активного сегмента для момента t.
func (l *Logger) segmentPath(t time.Time) string {
	return filepath.Join(l.dir, segmentPrefix+t.UTC().Format(dayLayout)+segmentSuffix)
}

// segmentFiles возвращает пути всех сегментов (архивных и активного) за день.
func (l *Logger) segmentFiles(day string) []string {
	var files []string
	if archives, err := l.listArchives(); err == nil {
		for _, name := range archives {
			if d, _ := segmentDay(name); d == day {
				files = append(files, filepath.Join(l.archiveDir, name))
			}
		}
	}
	active := filepath.Join(l.dir, segmentPrefix+day+segmentSuffix)
	if _, err := os.Stat(active); err == nil {
		files = append(files, active)
	}
	return files
}

// isSegmentName проверяет, похоже ли имя на сегмент журнала.
func isSegmentName(name string) bool {
	_, ok := segmentDay(name)
	return ok
}

// segmentDay извлекает дату YYYY-MM-DD из имени сегмента.
func segmentDay(name string) (string, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return "", false
	}
	rest := strings.TrimPrefix(name, segmentPrefix)
	if len(rest) < len(dayLayout) {
		return "", false
	}
	day := rest[:len(dayLayout)]
	if _, err := time.Parse(dayLayout, day); err != nil {
		return "", false
	}
	return day, true
}
