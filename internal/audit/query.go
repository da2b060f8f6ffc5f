package audit

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
)

// Ограничения запросов.
const (
	DefaultDays  = 7
	MaxDays      = 365
	DefaultLimit = 100
	MaxLimit     = 10000

	// maxLineBytes — максимальная длина строки сегмента
	maxLineBytes = 1 << 20
)

// Пороги вычисления состояния за последние 24 часа.
const (
	healthMalwareCritical  = 10
	healthCriticalCritical = 5
	healthMalwareWarning   = 1
	healthQuarantineWarn   = 20
	healthCriticalWarning  = 1
)

// ErrUnknownFormat — неподдерживаемый формат отчёта.
var ErrUnknownFormat = errors.New("неподдерживаемый формат отчёта")

// ReportFormat — формат отчёта.
type ReportFormat string

const (
	ReportJSON ReportFormat = "json"
	ReportCSV  ReportFormat = "csv"
)

// ContentType возвращает MIME-тип отчёта.
func (f ReportFormat) ContentType() string {
	if f == ReportCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// Stats — агрегированная статистика за период.
type Stats struct {
	Days        int            `json:"days"`
	Since       time.Time      `json:"since"`
	Total       int            `json:"total"`
	ByEventType map[string]int `json:"by_event_type"`
	ByLevel     map[string]int `json:"by_level"`
	Alerts      int            `json:"alerts"`
}

// Filter — параметры выгрузки записей.
type Filter struct {
	Level       model.LogLevel
	EventType   model.EventType
	MinSeverity int
	Days        int
	Limit       int
}

// HealthStatus — итоговое состояние безопасности.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// Health — состояние безопасности за последние 24 часа.
type Health struct {
	Status            HealthStatus `json:"status"`
	MalwareDetections int          `json:"malware_detections"`
	QuarantineEvents  int          `json:"quarantine_events"`
	CriticalEvents    int          `json:"critical_events"`
	CheckedAt         time.Time    `json:"checked_at"`
}

// Report — отчёт в формате JSON.
type Report struct {
	GeneratedAt time.Time                 `json:"generated_at"`
	Stats       *Stats                    `json:"stats"`
	Entries     []*model.SecurityLogEntry `json:"entries"`
}

// Stats возвращает статистику за последние days дней.
func (l *Logger) Stats(days int) (*Stats, error) {
	days = clampDays(days)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	since := now.Add(-time.Duration(days) * 24 * time.Hour)
	stats := &Stats{
		Days:        days,
		Since:       since,
		ByEventType: make(map[string]int),
		ByLevel:     make(map[string]int),
	}

	err := l.scan(since, now, func(e *model.SecurityLogEntry) bool {
		if e.Timestamp.Before(since) {
			return true
		}
		stats.Total++
		stats.ByEventType[string(e.EventType)]++
		stats.ByLevel[string(e.Level)]++
		if IsAlert(e) {
			stats.Alerts++
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Export возвращает записи, подходящие под фильтр, от новых к старым.
func (l *Logger) Export(f Filter) ([]*model.SecurityLogEntry, error) {
	days := clampDays(f.Days)
	limit := clampLimit(f.Limit)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	since := now.Add(-time.Duration(days) * 24 * time.Hour)

	var out []*model.SecurityLogEntry
	err := l.scan(since, now, func(e *model.SecurityLogEntry) bool {
		switch {
		case e.Timestamp.Before(since):
		case f.Level != "" && e.Level != f.Level:
		case f.EventType != "" && e.EventType != f.EventType:
		case e.Severity < f.MinSeverity:
		default:
			out = append(out, e)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Alerts возвращает записи с критичностью не ниже minSeverity.
func (l *Logger) Alerts(minSeverity, limit int) ([]*model.SecurityLogEntry, error) {
	return l.Export(Filter{MinSeverity: model.ClampSeverity(minSeverity), Limit: limit})
}

// Health вычисляет состояние по событиям последних 24 часов.
func (l *Logger) Health() (*Health, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	since := now.Add(-24 * time.Hour)
	h := &Health{CheckedAt: now}

	err := l.scan(since, now, func(e *model.SecurityLogEntry) bool {
		if e.Timestamp.Before(since) {
			return true
		}
		switch e.EventType {
		case model.EventMalwareDetected:
			h.MalwareDetections++
		case model.EventQuarantine:
			h.QuarantineEvents++
		}
		if e.Level == model.LevelCritical {
			h.CriticalEvents++
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	switch {
	case h.MalwareDetections >= healthMalwareCritical || h.CriticalEvents >= healthCriticalCritical:
		h.Status = HealthCritical
	case h.MalwareDetections >= healthMalwareWarning ||
		h.QuarantineEvents >= healthQuarantineWarn ||
		h.CriticalEvents >= healthCriticalWarning:
		h.Status = HealthWarning
	default:
		h.Status = HealthHealthy
	}
	return h, nil
}

// WriteReport пишет отчёт за days дней в w в указанном формате.
func (l *Logger) WriteReport(w io.Writer, format ReportFormat, days int) error {
	if format != ReportJSON && format != ReportCSV {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	stats, err := l.Stats(days)
	if err != nil {
		return err
	}
	entries, err := l.Export(Filter{Days: days, Limit: MaxLimit})
	if err != nil {
		return err
	}

	if format == ReportJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(Report{GeneratedAt: l.now().UTC(), Stats: stats, Entries: entries})
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "level", "event_type", "severity", "message", "details"}); err != nil {
		return err
	}
	for _, e := range entries {
		details := ""
		if len(e.Details) > 0 {
			b, err := json.Marshal(e.Details)
			if err != nil {
				return fmt.Errorf("ошибка сериализации details: %w", err)
			}
			details = string(b)
		}
		row := []string{
			e.Timestamp.Format(time.RFC3339Nano),
			string(e.Level),
			string(e.EventType),
			strconv.Itoa(e.Severity),
			e.Message,
			details,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// scan читает сегменты всех дней от since до until включительно и
// вызывает fn для каждой записи. fn возвращает false для остановки.
// Битые строки пропускаются.
func (l *Logger) scan(since, until time.Time, fn func(*model.SecurityLogEntry) bool) error {
	first := since.UTC().Truncate(24 * time.Hour)
	last := until.UTC()

	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		for _, path := range l.segmentFiles(day.Format(dayLayout)) {
			cont, err := l.scanFile(path, fn)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
	}
	return nil
}

// scanFile читает один сегмент.
func (l *Logger) scanFile(path string, fn func(*model.SecurityLogEntry) bool) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("ошибка открытия сегмента %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	skipped := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e model.SecurityLogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			skipped++
			continue
		}
		if !fn(&e) {
			return false, nil
		}
	}
	if err := sc.Err(); err != nil {
		return false, fmt.Errorf("ошибка чтения сегмента %s: %w", path, err)
	}

	if skipped > 0 {
		l.logger.Warn("Пропущены повреждённые строки журнала",
			slog.String("segment", path),
			slog.Int("skipped", skipped),
		)
	}
	return true, nil
}

func clampDays(days int) int {
	if days <= 0 {
		return DefaultDays
	}
	if days > MaxDays {
		return MaxDays
	}
	return days
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
