// Пакет filestore — операции с физическими файлами на диске.
// Обеспечивает приём загрузок во временную директорию с ограничением
// размера, потоковый подсчёт SHA-256 и перемещение файлов между
// хранилищами (rename, при EXDEV — копирование с fsync).
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrTooLarge — размер загрузки превышает допустимый максимум.
var ErrTooLarge = errors.New("размер файла превышает допустимый максимум")

// maxSanitizedNameLen — максимальная длина очищенного имени файла.
const maxSanitizedNameLen = 100

// Staging — временная директория для загружаемых файлов.
// Должна находиться на той же файловой системе, что и хранилища,
// чтобы перемещение было атомарным rename.
type Staging struct {
	// dir — директория временных файлов (UG_TEMP_DIR)
	dir string
}

// StagedFile — загруженный во временную директорию файл.
type StagedFile struct {
	// Path — абсолютный путь временного файла
	Path string
	// Size — размер записанных данных в байтах
	Size int64
}

// NewStaging создаёт Staging. Проверяет и создаёт директорию,
// если она не существует.
func NewStaging(dir string) (*Staging, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("не удалось создать временную директорию %s: %w", dir, err)
	}
	return &Staging{dir: dir}, nil
}

// Dir возвращает путь к временной директории.
func (s *Staging) Dir() string {
	return s.dir
}

// Stage записывает данные из reader во временный файл.
// Если данных больше maxSize, файл удаляется и возвращается ErrTooLarge.
// maxSize <= 0 отключает ограничение.
//
// Паттерн: temp файл → запись → fsync. При ошибке temp файл удаляется.
func (s *Staging) Stage(reader io.Reader, maxSize int64) (*StagedFile, error) {
	f, err := os.CreateTemp(s.dir, "upload-*.part")
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()

	src := reader
	if maxSize > 0 {
		// Читаем на байт больше лимита, чтобы отличить «ровно лимит» от превышения
		src = io.LimitReader(reader, maxSize+1)
	}

	size, err := io.Copy(f, src)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if maxSize > 0 && size > maxSize {
		f.Close()
		os.Remove(tmpPath)
		return nil, ErrTooLarge
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	return &StagedFile{Path: tmpPath, Size: size}, nil
}

// Sweep удаляет временные файлы загрузок старше maxAge, оставшиеся
// после аварийного завершения. Возвращает число удалённых файлов.
func (s *Staging) Sweep(maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения временной директории: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// HashFile вычисляет SHA-256 содержимого файла.
// Возвращает 64 hex-символа в нижнем регистре.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("ошибка вычисления хэша %s: %w", path, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// MoveFile перемещает файл src в dst.
// Основной путь — атомарный rename. Если директории на разных
// файловых системах (EXDEV), данные копируются во временный файл
// рядом с dst, синхронизируются, переименовываются, и только затем
// удаляется src. Файл ни в какой момент не существует в двух местах
// как «постоянный».
func MoveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return fmt.Errorf("ошибка перемещения %s → %s: %w", src, dst, err)
	}

	if err := copyFile(src, dst); err != nil {
		return err
	}

	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления исходного файла %s: %w", src, err)
	}
	return nil
}

// copyFile копирует src в dst через temp → fsync → rename.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("ошибка открытия файла %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := out.Name()

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка копирования %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// Remove удаляет файл. Возвращает nil если файл уже не существует.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла %s: %w", path, err)
	}
	return nil
}

// Exists проверяет существование файла на диске.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// SanitizeName приводит заявленное клиентом имя файла к безопасному виду.
// Отбрасывает путь (включая windows-разделители), заменяет небезопасные
// символы на "_", убирает ведущие точки и ограничивает длину с сохранением
// расширения. Пустой результат заменяется на "file".
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	for _, r := range name {
		if isSafeRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	result := strings.TrimLeft(b.String(), ".")
	for strings.Contains(result, "..") {
		result = strings.ReplaceAll(result, "..", ".")
	}

	if runes := []rune(result); len(runes) > maxSanitizedNameLen {
		ext := []rune(filepath.Ext(result))
		if len(ext) >= maxSanitizedNameLen {
			ext = nil
		}
		result = string(runes[:maxSanitizedNameLen-len(ext)]) + string(ext)
	}

	if strings.Trim(result, "_.") == "" {
		return "file"
	}
	return result
}

// isSafeRune — буквы, цифры, дефис, подчёркивание, точка и кириллица.
func isSafeRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' ||
		(r >= 0x0400 && r <= 0x04FF)
}
