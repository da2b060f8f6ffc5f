// Пакет safestore — публичное хранилище принятых файлов.
//
// Каждый файл хранится под сгенерированным именем (UUID v4 + расширение),
// не выводимым из исходного имени. Рядом лежит <stored_name>.attr.json
// с метаданными, которые после создания не изменяются.
package safestore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/attr"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/filestore"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/index"
)

var (
	// ErrInvalidName — идентификатор содержит недопустимые символы.
	ErrInvalidName = errors.New("недопустимый идентификатор файла")
	// ErrNotFound — файл не найден в хранилище.
	ErrNotFound = errors.New("файл не найден")
)

// maxStoredNameLen — UUID (36) + расширение с запасом.
const maxStoredNameLen = 64

// Store — безопасное хранилище.
type Store struct {
	dir   string
	index *index.Index
	// mu сериализует проверку дубликата и запись в пределах процесса
	mu     sync.Mutex
	now    func() time.Time
	logger *slog.Logger
}

// New создаёт хранилище и строит индекс из sidecar-файлов.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию хранилища %s: %w", dir, err)
	}

	s := &Store{
		dir:    dir,
		index:  index.New(logger),
		now:    time.Now,
		logger: logger.With(slog.String("component", "safestore")),
	}

	exists := func(name string) bool {
		return ValidateName(name) == nil && filestore.Exists(filepath.Join(dir, name))
	}
	if err := s.index.BuildFromDir(dir, exists); err != nil {
		return nil, err
	}

	return s, nil
}

// Dir возвращает путь к директории хранилища.
func (s *Store) Dir() string {
	return s.dir
}

// Index возвращает индекс хранилища.
func (s *Store) Index() *index.Index {
	return s.index
}

// Accept перемещает принятый файл в хранилище и возвращает имя хранения.
// Если содержимое с тем же хэшем уже хранится, временный файл удаляется
// и возвращается существующее имя.
func (s *Store) Accept(cand *model.FileCandidate, verdict *model.ValidationVerdict, uploader model.UploaderContext) (string, bool, error) {
	if !verdict.IsAccepted || verdict.Quarantined {
		return "", false, fmt.Errorf("вердикт не допускает сохранение файла %s", verdict.SanitizedName)
	}
	if !model.IsValidContentHash(verdict.ContentHash) {
		return "", false, fmt.Errorf("некорректный хэш содержимого: %q", verdict.ContentHash)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.index.GetByHash(verdict.ContentHash); existing != nil {
		if err := filestore.Remove(cand.Path); err != nil {
			return "", true, err
		}
		s.logger.Debug("Содержимое уже в хранилище",
			slog.String("stored_name", existing.StoredName),
			slog.String("content_hash", verdict.ContentHash),
		)
		return existing.StoredName, true, nil
	}

	storedName := GenerateName(verdict.SanitizedName)
	dataPath := filepath.Join(s.dir, storedName)

	meta := &model.SafeFileMetadata{
		OriginalName:    verdict.SanitizedName,
		StoredName:      storedName,
		ContentHash:     verdict.ContentHash,
		ByteLength:      verdict.ByteLength,
		DetectedType:    verdict.DetectedType,
		UploadTimestamp: s.now().UTC(),
		UploadedBy:      uploader.ID,
		UploaderAddress: uploader.Address,
		Verdict:         *verdict,
	}

	if err := attr.Write(attr.AttrFilePath(dataPath), meta); err != nil {
		return "", false, fmt.Errorf("ошибка записи метаданных: %w", err)
	}

	if err := filestore.MoveFile(cand.Path, dataPath); err != nil {
		_ = attr.Delete(attr.AttrFilePath(dataPath))
		return "", false, fmt.Errorf("ошибка перемещения в хранилище: %w", err)
	}
	if err := os.Chmod(dataPath, 0o640); err != nil {
		s.logger.Warn("Не удалось установить права файла",
			slog.String("stored_name", storedName),
			slog.String("error", err.Error()),
		)
	}

	s.index.Add(meta)

	s.logger.Info("Файл сохранён",
		slog.String("stored_name", storedName),
		slog.String("content_hash", meta.ContentHash),
		slog.Int64("size", meta.ByteLength),
		slog.String("uploaded_by", meta.UploadedBy),
	)

	return storedName, false, nil
}

// Open открывает файл по имени хранения. Идентификатор проверяется
// до любого обращения к файловой системе. Вызывающий код обязан
// закрыть файл.
func (s *Store) Open(storedName string) (*os.File, *model.SafeFileMetadata, error) {
	if err := ValidateName(storedName); err != nil {
		return nil, nil, err
	}

	meta := s.index.Get(storedName)
	if meta == nil {
		return nil, nil, ErrNotFound
	}

	f, err := os.Open(filepath.Join(s.dir, storedName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("ошибка открытия файла %s: %w", storedName, err)
	}

	return f, meta, nil
}

// FindByHash возвращает метаданные файла по хэшу содержимого или nil.
func (s *Store) FindByHash(hash string) *model.SafeFileMetadata {
	if !model.IsValidContentHash(hash) {
		return nil
	}
	return s.index.GetByHash(hash)
}

// ValidateName проверяет идентификатор хранения: без "..", "/", "\"
// и только символы [A-Za-z0-9._-].
func ValidateName(name string) error {
	if name == "" || len(name) > maxStoredNameLen {
		return ErrInvalidName
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return ErrInvalidName
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '.' || c == '_' || c == '-') {
			return ErrInvalidName
		}
	}
	if name[0] == '.' || attr.IsAttrFile(name) {
		return ErrInvalidName
	}
	return nil
}

// GenerateName генерирует имя хранения: UUID v4 + расширение исходного
// имени в нижнем регистре (только [a-z0-9], не длиннее 10 символов).
func GenerateName(originalName string) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	if len(ext) < 2 || len(ext) > 11 || !isAlnum(ext[1:]) {
		ext = ""
	}
	return uuid.New().String() + ext
}

func isAlnum(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
