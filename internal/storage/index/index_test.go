package index

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/attr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testMeta создаёт тестовые метаданные.
func testMeta(name, hash string, uploadedAt time.Time) *model.SafeFileMetadata {
	return &model.SafeFileMetadata{
		OriginalName:    "notes.txt",
		StoredName:      name,
		ContentHash:     hash,
		ByteLength:      10,
		DetectedType:    "text/plain",
		UploadTimestamp: uploadedAt,
		UploadedBy:      "user-1",
		Verdict:         model.ValidationVerdict{IsAccepted: true, ContentHash: hash},
	}
}

// TestNew проверяет пустой индекс.
func TestNew(t *testing.T) {
	idx := New(testLogger())
	if idx.IsReady() {
		t.Error("новый индекс не должен быть ready")
	}
	if idx.Count() != 0 {
		t.Errorf("ожидалось 0 файлов, получено %d", idx.Count())
	}
}

// TestAddGet проверяет добавление и поиск по обоим ключам.
func TestAddGet(t *testing.T) {
	idx := New(testLogger())
	idx.Add(testMeta("a.txt", "h1", time.Now()))

	if got := idx.Get("a.txt"); got == nil || got.ContentHash != "h1" {
		t.Errorf("Get: получено %+v", got)
	}
	if got := idx.GetByHash("h1"); got == nil || got.StoredName != "a.txt" {
		t.Errorf("GetByHash: получено %+v", got)
	}
	if idx.Get("missing") != nil || idx.GetByHash("missing") != nil {
		t.Error("для отсутствующих ключей ожидался nil")
	}
}

// TestGet_ReturnsCopy проверяет, что изменения копии не влияют на индекс.
func TestGet_ReturnsCopy(t *testing.T) {
	idx := New(testLogger())
	idx.Add(testMeta("a.txt", "h1", time.Now()))

	got := idx.Get("a.txt")
	got.OriginalName = "changed"

	if idx.Get("a.txt").OriginalName != "notes.txt" {
		t.Error("индекс изменён через возвращённую копию")
	}
}

// TestRemove проверяет удаление из обоих ключей.
func TestRemove(t *testing.T) {
	idx := New(testLogger())
	idx.Add(testMeta("a.txt", "h1", time.Now()))

	if !idx.Remove("a.txt") {
		t.Fatal("ожидалось успешное удаление")
	}
	if idx.Remove("a.txt") {
		t.Error("повторное удаление должно вернуть false")
	}
	if idx.GetByHash("h1") != nil {
		t.Error("ключ по хэшу должен быть удалён")
	}
}

// TestList проверяет сортировку и пагинацию.
func TestList(t *testing.T) {
	idx := New(testLogger())
	base := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		idx.Add(testMeta(fmt.Sprintf("f%d", i), fmt.Sprintf("h%d", i), base.Add(time.Duration(i)*time.Minute)))
	}

	items, total := idx.List(2, 0)
	if total != 5 || len(items) != 2 {
		t.Fatalf("ожидалось 2 из 5, получено %d из %d", len(items), total)
	}
	if items[0].StoredName != "f4" {
		t.Errorf("первым должен быть самый новый файл, получен %s", items[0].StoredName)
	}

	items, _ = idx.List(10, 4)
	if len(items) != 1 || items[0].StoredName != "f0" {
		t.Errorf("последняя страница: получено %v", items)
	}

	if items, _ := idx.List(10, 10); items != nil {
		t.Error("offset за пределами должен вернуть nil")
	}
}

// TestTotalBytes проверяет подсчёт суммарного размера.
func TestTotalBytes(t *testing.T) {
	idx := New(testLogger())
	idx.Add(testMeta("a", "h1", time.Now()))
	idx.Add(testMeta("b", "h2", time.Now()))

	if idx.TotalBytes() != 20 {
		t.Errorf("ожидалось 20 байт, получено %d", idx.TotalBytes())
	}
}

// TestBuildFromDir проверяет построение индекса из attr.json.
func TestBuildFromDir(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"a.txt", "b.txt"} {
		if err := attr.Write(filepath.Join(dir, name+attr.AttrSuffix), testMeta(name, "hash-"+name, time.Now())); err != nil {
			t.Fatal(err)
		}
	}
	// Только a.txt имеет файл данных
	exists := func(name string) bool { return name == "a.txt" }

	idx := New(testLogger())
	if err := idx.BuildFromDir(dir, exists); err != nil {
		t.Fatalf("ошибка построения: %v", err)
	}

	if !idx.IsReady() {
		t.Error("индекс должен быть ready")
	}
	if idx.Count() != 1 {
		t.Errorf("ожидался 1 файл, получено %d", idx.Count())
	}
	if idx.GetByHash("hash-a.txt") == nil {
		t.Error("файл a.txt должен быть в индексе")
	}
}
