// Пакет quarantine — изолированное хранилище отклонённых файлов.
//
// Файл перемещается в <dir>/<content_hash> (без расширения, права 0600),
// рядом пишется <content_hash>.attr.json с записью карантина. Повторный
// отказ идентичного содержимого не создаёт второй физический файл:
// временный файл удаляется, запись перезаписывается с увеличенным
// счётчиком Occurrences. Содержимое карантина недоступно через
// публичный путь выдачи файлов.
package quarantine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/attr"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/filestore"
)

// ErrNotFound — запись карантина не найдена.
var ErrNotFound = errors.New("запись карантина не найдена")

// ErrInvalidHash — некорректный формат хэша.
var ErrInvalidHash = errors.New("некорректный формат хэша")

// Prometheus-метрики кэша записей карантина.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ug_quarantine_cache_hits_total",
		Help: "Общее количество попаданий в кэш записей карантина.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ug_quarantine_cache_misses_total",
		Help: "Общее количество промахов кэша записей карантина.",
	})
)

// Параметры кэша по умолчанию.
const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 5 * time.Minute
)

// Stats — агрегированная статистика карантина.
type Stats struct {
	TotalRecords     int            `json:"total_records"`
	TotalBytes       int64          `json:"total_bytes"`
	TotalOccurrences int            `json:"total_occurrences"`
	ByDetectedType   map[string]int `json:"by_detected_type"`
	ByReason         map[string]int `json:"by_reason"`
	Oldest           *time.Time     `json:"oldest,omitempty"`
	Newest           *time.Time     `json:"newest,omitempty"`
}

// Manager — менеджер карантина.
type Manager struct {
	dir string
	// mu сериализует read-modify-write записи в пределах процесса.
	// Между процессами побеждает последний rename sidecar.
	mu     sync.Mutex
	cache  *expirable.LRU[string, *model.QuarantineRecord]
	now    func() time.Time
	logger *slog.Logger
}

// New создаёт менеджер карантина. Директория создаётся с правами 0700.
func New(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию карантина %s: %w", dir, err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("не удалось установить права на %s: %w", dir, err)
	}

	return &Manager{
		dir:    dir,
		cache:  expirable.NewLRU[string, *model.QuarantineRecord](DefaultCacheSize, nil, DefaultCacheTTL),
		now:    time.Now,
		logger: logger.With(slog.String("component", "quarantine")),
	}, nil
}

// Dir возвращает путь к директории карантина.
func (m *Manager) Dir() string {
	return m.dir
}

// Reject помещает файл кандидата в карантин.
//
// Порядок: запись sidecar → перемещение данных. Если содержимое с тем же
// хэшем уже в карантине, временный файл удаляется, запись перезаписывается,
// а второе значение возврата равно true.
func (m *Manager) Reject(cand *model.FileCandidate, verdict *model.ValidationVerdict) (*model.QuarantineRecord, bool, error) {
	if !model.IsValidContentHash(verdict.ContentHash) {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidHash, verdict.ContentHash)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dataPath := m.dataPath(verdict.ContentHash)
	attrPath := attr.AttrFilePath(dataPath)
	duplicate := filestore.Exists(dataPath)

	occurrences := 1
	if duplicate {
		if prev, err := attr.Read[model.QuarantineRecord](attrPath); err == nil {
			occurrences = prev.Occurrences + 1
		}
	}

	record := &model.QuarantineRecord{
		OriginalName:        verdict.SanitizedName,
		ContentHash:         verdict.ContentHash,
		QuarantineTimestamp: m.now().UTC(),
		Reasons:             append([]string(nil), verdict.Reasons...),
		Status:              model.StatusQuarantined,
		ByteLength:          verdict.ByteLength,
		DetectedType:        verdict.DetectedType,
		DeclaredType:        cand.DeclaredType,
		Occurrences:         occurrences,
	}
	if record.OriginalName == "" {
		record.OriginalName = filestore.SanitizeName(cand.OriginalName)
	}

	if err := attr.Write(attrPath, record); err != nil {
		return nil, false, fmt.Errorf("ошибка записи записи карантина: %w", err)
	}

	if duplicate {
		if err := filestore.Remove(cand.Path); err != nil {
			return nil, true, err
		}
	} else {
		if err := filestore.MoveFile(cand.Path, dataPath); err != nil {
			// Запись без данных бесполезна и вводит в заблуждение verify
			_ = attr.Delete(attrPath)
			return nil, false, fmt.Errorf("ошибка перемещения в карантин: %w", err)
		}
		if err := os.Chmod(dataPath, 0o600); err != nil {
			m.logger.Warn("Не удалось ограничить права файла карантина",
				slog.String("content_hash", record.ContentHash),
				slog.String("error", err.Error()),
			)
		}
	}

	m.cache.Add(record.ContentHash, record)

	m.logger.Info("Файл помещён в карантин",
		slog.String("content_hash", record.ContentHash),
		slog.String("original_name", record.OriginalName),
		slog.Bool("duplicate", duplicate),
		slog.Int("occurrences", record.Occurrences),
	)

	return copyRecord(record), duplicate, nil
}

// Get возвращает запись карантина по хэшу.
// Возвращает ErrNotFound, если содержимое не в карантине.
func (m *Manager) Get(hash string) (*model.QuarantineRecord, error) {
	if !model.IsValidContentHash(hash) {
		return nil, ErrInvalidHash
	}

	if rec, ok := m.cache.Get(hash); ok {
		cacheHitsTotal.Inc()
		return copyRecord(rec), nil
	}
	cacheMissesTotal.Inc()

	dataPath := m.dataPath(hash)
	if !filestore.Exists(dataPath) {
		return nil, ErrNotFound
	}

	rec, err := attr.Read[model.QuarantineRecord](attr.AttrFilePath(dataPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	m.cache.Add(hash, rec)
	return copyRecord(rec), nil
}

// List возвращает все записи карантина, новые первыми.
func (m *Manager) List() ([]*model.QuarantineRecord, error) {
	records, skipped, err := attr.ScanDir[model.QuarantineRecord](m.dir)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		m.logger.Warn("Пропущены невалидные записи карантина", slog.Int("count", skipped))
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].QuarantineTimestamp.Equal(records[j].QuarantineTimestamp) {
			return records[i].ContentHash < records[j].ContentHash
		}
		return records[i].QuarantineTimestamp.After(records[j].QuarantineTimestamp)
	})

	return records, nil
}

// Stats возвращает агрегированную статистику по записям карантина.
func (m *Manager) Stats() (*Stats, error) {
	records, err := m.List()
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		TotalRecords:   len(records),
		ByDetectedType: make(map[string]int),
		ByReason:       make(map[string]int),
	}

	for _, rec := range records {
		stats.TotalBytes += rec.ByteLength
		stats.TotalOccurrences += rec.Occurrences

		detected := rec.DetectedType
		if detected == "" {
			detected = "unknown"
		}
		stats.ByDetectedType[detected]++

		for _, reason := range rec.Reasons {
			stats.ByReason[reason]++
		}

		ts := rec.QuarantineTimestamp
		if stats.Oldest == nil || ts.Before(*stats.Oldest) {
			stats.Oldest = &ts
		}
		if stats.Newest == nil || ts.After(*stats.Newest) {
			stats.Newest = &ts
		}
	}

	return stats, nil
}

// dataPath — путь к данным по хэшу. Хэш проверен вызывающим кодом.
func (m *Manager) dataPath(hash string) string {
	return filepath.Join(m.dir, hash)
}

// copyRecord возвращает копию записи вместе со срезом причин.
func copyRecord(rec *model.QuarantineRecord) *model.QuarantineRecord {
	copied := *rec
	copied.Reasons = append([]string(nil), rec.Reasons...)
	return &copied
}
