// Пакет index — потокобезопасный in-memory индекс принятых файлов.
//
// Индекс строится при старте из attr.json файлов безопасного хранилища
// (BuildFromDir) и обновляется синхронно при приёме файлов (Add).
// Два ключа: сгенерированное имя хранения и SHA-256 содержимого.
//
// Не персистентный: при рестарте пересобирается из attr.json.
package index

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/attr"
)

// Index — потокобезопасный in-memory индекс метаданных.
type Index struct {
	mu     sync.RWMutex
	files  map[string]*model.SafeFileMetadata // stored_name → metadata
	byHash map[string]string                  // content_hash → stored_name
	ready  bool
	logger *slog.Logger
}

// New создаёт пустой индекс. Для заполнения вызовите BuildFromDir.
func New(logger *slog.Logger) *Index {
	return &Index{
		files:  make(map[string]*model.SafeFileMetadata),
		byHash: make(map[string]string),
		logger: logger.With(slog.String("component", "index")),
	}
}

// BuildFromDir строит индекс из attr.json файлов в указанной директории.
// Заменяет текущее содержимое индекса. Записи без файла данных
// пропускаются: такой sidecar остаётся от прерванного приёма.
func (idx *Index) BuildFromDir(dir string, dataExists func(storedName string) bool) error {
	metadatas, skipped, err := attr.ScanDir[model.SafeFileMetadata](dir)
	if err != nil {
		return fmt.Errorf("ошибка сканирования директории %s: %w", dir, err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.files = make(map[string]*model.SafeFileMetadata, len(metadatas))
	idx.byHash = make(map[string]string, len(metadatas))
	orphaned := 0
	for _, meta := range metadatas {
		if meta.StoredName == "" || (dataExists != nil && !dataExists(meta.StoredName)) {
			orphaned++
			continue
		}
		idx.files[meta.StoredName] = meta
		idx.byHash[meta.ContentHash] = meta.StoredName
	}

	idx.ready = true

	idx.logger.Info("Индекс безопасного хранилища построен",
		slog.Int("files", len(idx.files)),
		slog.Int("invalid_attr", skipped),
		slog.Int("orphaned_attr", orphaned),
		slog.String("dir", dir),
	)

	return nil
}

// IsReady возвращает true, если индекс построен и готов к использованию.
func (idx *Index) IsReady() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.ready
}

// Add добавляет метаданные файла в индекс.
func (idx *Index) Add(meta *model.SafeFileMetadata) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	// Копия, чтобы избежать data race при внешних изменениях
	copied := *meta
	idx.files[meta.StoredName] = &copied
	idx.byHash[meta.ContentHash] = meta.StoredName
}

// Remove удаляет файл из индекса по имени хранения.
// Возвращает true, если файл был найден и удалён.
func (idx *Index) Remove(storedName string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	meta, ok := idx.files[storedName]
	if !ok {
		return false
	}
	delete(idx.files, storedName)
	if idx.byHash[meta.ContentHash] == storedName {
		delete(idx.byHash, meta.ContentHash)
	}
	return true
}

// Get возвращает метаданные по имени хранения или nil.
func (idx *Index) Get(storedName string) *model.SafeFileMetadata {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	meta, ok := idx.files[storedName]
	if !ok {
		return nil
	}
	copied := *meta
	return &copied
}

// GetByHash возвращает метаданные по SHA-256 содержимого или nil.
func (idx *Index) GetByHash(hash string) *model.SafeFileMetadata {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	name, ok := idx.byHash[hash]
	if !ok {
		return nil
	}
	meta, ok := idx.files[name]
	if !ok {
		return nil
	}
	copied := *meta
	return &copied
}

// List возвращает пагинированный список метаданных.
// Файлы отсортированы по дате загрузки (новые первые).
// Возвращает срез и общее количество файлов.
func (idx *Index) List(limit, offset int) ([]*model.SafeFileMetadata, int) {
	idx.mu.RLock()
	all := make([]*model.SafeFileMetadata, 0, len(idx.files))
	for _, meta := range idx.files {
		copied := *meta
		all = append(all, &copied)
	}
	idx.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].UploadTimestamp.Equal(all[j].UploadTimestamp) {
			return all[i].StoredName < all[j].StoredName
		}
		return all[i].UploadTimestamp.After(all[j].UploadTimestamp)
	})

	total := len(all)
	if offset >= total {
		return nil, total
	}

	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}

	return all[offset:end], total
}

// Count возвращает количество файлов в индексе.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.files)
}

// TotalBytes возвращает суммарный размер файлов в индексе.
func (idx *Index) TotalBytes() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var total int64
	for _, meta := range idx.files {
		total += meta.ByteLength
	}
	return total
}
