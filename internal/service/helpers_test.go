package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/bigkaa/goartstore/upload-guard/internal/audit"
	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/filestore"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/quarantine"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/safestore"
	"github.com/bigkaa/goartstore/upload-guard/internal/validation"
)

// Тестовая строка EICAR.
const eicar = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

var (
	testExtensions = []string{".txt", ".png", ".pdf", ".csv"}
	testMimeTypes  = []string{"text/plain", "image/png", "application/pdf", "text/csv"}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv — набор хранилищ во временной директории.
type testEnv struct {
	root       string
	staging    *filestore.Staging
	safe       *safestore.Store
	quarantine *quarantine.Manager
	auditLog   *audit.Logger
	validator  *validation.Validator
}

func newTestEnv(t *testing.T, maxFileSize int64) *testEnv {
	t.Helper()
	root := t.TempDir()
	logger := testLogger()

	staging, err := filestore.NewStaging(filepath.Join(root, "tmp"))
	if err != nil {
		t.Fatal(err)
	}
	safe, err := safestore.New(filepath.Join(root, "safe"), logger)
	if err != nil {
		t.Fatal(err)
	}
	qm, err := quarantine.New(filepath.Join(root, "quarantine"), logger)
	if err != nil {
		t.Fatal(err)
	}
	auditLog, err := audit.New(audit.Options{Dir: filepath.Join(root, "logs")}, logger)
	if err != nil {
		t.Fatal(err)
	}

	policy := validation.NewPolicy(maxFileSize, testExtensions, testMimeTypes)
	return &testEnv{
		root:       root,
		staging:    staging,
		safe:       safe,
		quarantine: qm,
		auditLog:   auditLog,
		validator:  validation.New(policy, validation.DefaultThresholds(), logger),
	}
}

func (e *testEnv) uploadService(maxConcurrent int64) *UploadService {
	return NewUploadService(e.validator, e.staging, e.safe, e.quarantine, e.auditLog, nil,
		UploadOptions{MaxConcurrent: maxConcurrent}, testLogger())
}

// upload загружает содержимое и требует отсутствия UploadError.
func (e *testEnv) upload(t *testing.T, svc *UploadService, content []byte, name, declared string) *UploadResult {
	t.Helper()
	res, uerr := svc.Upload(context.Background(), UploadParams{
		Reader:       bytes.NewReader(content),
		OriginalName: name,
		DeclaredType: declared,
		UploaderID:   "user-1",
		RemoteAddr:   "192.0.2.10:5000",
	})
	if uerr != nil {
		t.Fatalf("ошибка загрузки: %v", uerr)
	}
	return res
}

// stagingEmpty проверяет отсутствие временных файлов.
func (e *testEnv) stagingEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.staging.Dir())
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".part") {
			t.Errorf("временный файл не удалён: %s", entry.Name())
		}
	}
}

// events возвращает типы событий журнала в порядке записи.
func (e *testEnv) events(t *testing.T) []model.EventType {
	t.Helper()
	entries, err := e.auditLog.Export(audit.Filter{Limit: audit.MaxLimit})
	if err != nil {
		t.Fatal(err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	types := make([]model.EventType, 0, len(entries))
	for _, entry := range entries {
		types = append(types, entry.EventType)
	}
	return types
}

func indexOf(types []model.EventType, want model.EventType) int {
	for i, typ := range types {
		if typ == want {
			return i
		}
	}
	return -1
}

// pngBytes кодирует однотонное изображение w×h.
func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.NRGBA{R: 30, G: 60, B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
