// Пакет attr — чтение и запись сопутствующих файлов метаданных (attr.json).
// Каждый файл в безопасном хранилище и в карантине имеет сопутствующий
// *.attr.json, который является единственным источником истины для записи.
// Все операции записи выполняются атомарно: temp → fsync → rename.
package attr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AttrSuffix — суффикс файла метаданных.
const AttrSuffix = ".attr.json"

// maxAttrFileSize — максимальный допустимый размер attr.json (64 КБ).
// Вердикт с причинами и наблюдениями заметно больше метаданных файла,
// но ограничение по-прежнему защищает от неконтролируемого роста.
const maxAttrFileSize = 64 << 10

// AttrFilePath возвращает путь к attr.json для данного файла данных.
// Пример: "/data/safe/3f2a.png" → "/data/safe/3f2a.png.attr.json"
func AttrFilePath(dataFilePath string) string {
	return dataFilePath + AttrSuffix
}

// DataFilePathFromAttr возвращает путь к файлу данных из пути attr.json.
func DataFilePathFromAttr(attrPath string) string {
	return strings.TrimSuffix(attrPath, AttrSuffix)
}

// IsAttrFile проверяет, является ли путь файлом метаданных.
func IsAttrFile(path string) bool {
	return strings.HasSuffix(path, AttrSuffix)
}

// Write атомарно записывает запись в attr.json файл.
// Паттерн: JSON → temp файл → fsync → atomic rename.
func Write[T any](path string, record *T) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}

	if len(data) > maxAttrFileSize {
		return fmt.Errorf("размер attr.json (%d байт) превышает максимум (%d байт)", len(data), maxAttrFileSize)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	// Уникальное имя temp файла: конкурентные записи одного ключа
	// не должны портить temp друг друга, побеждает последний rename.
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// Read читает и десериализует запись из attr.json файла.
func Read[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения attr.json %s: %w", path, err)
	}

	var record T
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("ошибка десериализации attr.json %s: %w", path, err)
	}

	return &record, nil
}

// Delete удаляет attr.json файл.
// Возвращает nil если файл уже не существует.
func Delete(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления attr.json %s: %w", path, err)
	}
	return nil
}

// ScanDir сканирует директорию и возвращает все записи метаданных.
// Не рекурсивный. Невалидные attr.json пропускаются: их число
// возвращается вторым значением, чтобы вызывающий код мог залогировать.
func ScanDir[T any](dir string) ([]*T, int, error) {
	pattern := filepath.Join(dir, "*"+AttrSuffix)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка сканирования директории %s: %w", dir, err)
	}

	var result []*T
	skipped := 0
	for _, path := range matches {
		record, err := Read[T](path)
		if err != nil {
			skipped++
			continue
		}
		result = append(result, record)
	}

	return result, skipped, nil
}
