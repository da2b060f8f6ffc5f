package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bigkaa/goartstore/upload-guard/internal/api/middleware"
	"github.com/bigkaa/goartstore/upload-guard/internal/audit"
	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
)

// TestDownload_Serve проверяет отдачу принятого файла и заголовки защиты.
func TestDownload_Serve(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	res := env.upload(t, env.uploadService(1), []byte("downloadable text"), "report.txt", "text/plain")

	svc := NewDownloadService(env.safe, env.auditLog, testLogger())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+res.StoredName, nil)

	if derr := svc.Serve(rec, req, res.StoredName); derr != nil {
		t.Fatalf("ошибка отдачи: %v", derr)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("статус: %d", rec.Code)
	}
	if rec.Body.String() != "downloadable text" {
		t.Errorf("содержимое: %q", rec.Body.String())
	}

	h := rec.Header()
	if h.Get("Content-Type") != "text/plain" {
		t.Errorf("Content-Type: %q", h.Get("Content-Type"))
	}
	if h.Get("X-Content-Type-Options") != "nosniff" || h.Get("X-Frame-Options") != "DENY" {
		t.Errorf("заголовки защиты: %v", h)
	}
	if !strings.HasPrefix(h.Get("Content-Disposition"), "attachment") {
		t.Errorf("Content-Disposition: %q", h.Get("Content-Disposition"))
	}
	if h.Get("ETag") != `"`+res.Verdict.ContentHash+`"` {
		t.Errorf("ETag: %q", h.Get("ETag"))
	}
}

// TestDownload_Errors проверяет коды ошибок и журналирование попыток доступа.
func TestDownload_Errors(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	svc := NewDownloadService(env.safe, env.auditLog, testLogger())

	tests := []struct {
		name       string
		storedName string
		wantStatus int
	}{
		{"обход пути", "../../etc/passwd", http.StatusBadRequest},
		{"обратный слэш", `..\secret`, http.StatusBadRequest},
		{"sidecar", "abc.attr.json", http.StatusBadRequest},
		{"не найден", "0b3c1a9e-7a5f-4a55-9d5e-2f1f3c1b7a11.txt", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/files/x", nil)
			derr := svc.Serve(rec, req, tt.storedName)
			if derr == nil {
				t.Fatal("ожидалась ошибка")
			}
			if derr.StatusCode != tt.wantStatus {
				t.Errorf("статус: получено %d, ожидалось %d", derr.StatusCode, tt.wantStatus)
			}
		})
	}

	attempts, err := env.auditLog.Export(audit.Filter{EventType: model.EventAccessAttempt})
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 3 {
		t.Errorf("событий access-attempt: %d, ожидалось 3", len(attempts))
	}
}

// TestSetServeHeaders проверяет заголовки по типу содержимого.
func TestSetServeHeaders(t *testing.T) {
	tests := []struct {
		detected    string
		wantType    string
		wantFrame   string
		wantCSP     string
		disposition string
	}{
		{"image/png", "image/png", "DENY", cspDefault, "inline"},
		{"application/pdf", "application/pdf", "SAMEORIGIN", cspPDF, "inline"},
		{"text/csv", "text/csv", "DENY", cspDefault, "attachment"},
		{"", "application/octet-stream", "DENY", cspDefault, "attachment"},
	}

	for _, tt := range tests {
		t.Run(tt.wantType, func(t *testing.T) {
			h := http.Header{}
			SetServeHeaders(h, &model.SafeFileMetadata{
				OriginalName: "отчёт 2026.bin",
				ContentHash:  strings.Repeat("a", 64),
				DetectedType: tt.detected,
			})
			if h.Get("Content-Type") != tt.wantType {
				t.Errorf("Content-Type: %q", h.Get("Content-Type"))
			}
			if h.Get("X-Frame-Options") != tt.wantFrame {
				t.Errorf("X-Frame-Options: %q", h.Get("X-Frame-Options"))
			}
			if h.Get("Content-Security-Policy") != tt.wantCSP {
				t.Errorf("CSP: %q", h.Get("Content-Security-Policy"))
			}
			if !strings.HasPrefix(h.Get("Content-Disposition"), tt.disposition) {
				t.Errorf("Content-Disposition: %q", h.Get("Content-Disposition"))
			}
			if h.Get("X-Content-Type-Options") != "nosniff" {
				t.Error("нет nosniff")
			}
		})
	}
}

func TestAccessAuditor(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	a := NewAccessAuditor(env.auditLog, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/quarantine", nil)
	a.RecordAuthFailure(req, http.StatusUnauthorized, "Отсутствует заголовок Authorization")
	ctx := context.WithValue(req.Context(), middleware.ContextKeySubject, "user-3")
	a.RecordAuthFailure(req.WithContext(ctx), http.StatusForbidden, "Недостаточно прав")

	got, err := env.auditLog.Export(audit.Filter{EventType: model.EventAccessAttempt})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("событий: %d, ожидалось 2", len(got))
	}
	for _, e := range got {
		_, hasSubject := e.Details["subject"]
		switch e.Severity {
		case severityUnauthorized:
			if hasSubject {
				t.Error("subject не ожидался для 401")
			}
		case severityForbidden:
			if e.Details["subject"] != "user-3" {
				t.Errorf("subject: %v", e.Details["subject"])
			}
		default:
			t.Errorf("критичность: %d", e.Severity)
		}
	}
}

// TestTruncate проверяет обрезку по границе руны.
func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"короче предела", "abc", 10, "abc"},
		{"ровно предел", "abc", 3, "abc"},
		{"ascii", "abcdef", 4, "abcd"},
		{"середина кириллицы", "файл", 3, "ф"},
		{"граница кириллицы", "файл", 4, "фа"},
		{"середина эмодзи", "a😀b", 3, "a"},
		{"нулевой предел", "файл", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			if got != tt.want {
				t.Errorf("получено %q, ожидалось %q", got, tt.want)
			}
			if !utf8.ValidString(got) || len(got) > tt.n {
				t.Errorf("некорректный результат %q", got)
			}
		})
	}
}
