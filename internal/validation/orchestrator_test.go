package validation

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
)

var (
	testExtensions = []string{".txt", ".png", ".jpg", ".jpeg", ".pdf", ".zip", ".docx", ".csv", ".md", ".json"}
	testMimeTypes  = []string{"text/plain", "image/png", "image/jpeg", "application/pdf", "application/zip",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "text/csv", "text/markdown", "application/json"}
)

func newTestValidator(extra ...Detector) *Validator {
	return New(NewPolicy(10<<20, testExtensions, testMimeTypes), DefaultThresholds(), testLogger(), extra...)
}

func validate(t *testing.T, v *Validator, content []byte, name, declared string) *model.ValidationVerdict {
	t.Helper()
	cand := &model.FileCandidate{Path: writeFile(t, content), OriginalName: name, DeclaredType: declared, Size: int64(len(content))}
	verdict, err := v.Validate(context.Background(), cand)
	if err != nil {
		t.Fatalf("ошибка проверки: %v", err)
	}
	checkInvariants(t, verdict)
	return verdict
}

func checkInvariants(t *testing.T, v *model.ValidationVerdict) {
	t.Helper()
	if v.Quarantined && v.IsAccepted {
		t.Error("нарушен инвариант: quarantined ⇒ !accepted")
	}
	if !v.IsAccepted && len(v.Reasons) == 0 {
		t.Error("нарушен инвариант: отказ без причин")
	}
	if !model.IsValidContentHash(v.ContentHash) {
		t.Errorf("некорректный хэш: %q", v.ContentHash)
	}
}

func reasonsContain(v *model.ValidationVerdict, substr string) bool {
	for _, r := range v.Reasons {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}

// TestValidate_PlainText проверяет приём обычного текстового файла.
func TestValidate_PlainText(t *testing.T) {
	content := []byte("0123456789")
	v := validate(t, newTestValidator(), content, "notes.txt", "text/plain")

	if !v.IsAccepted {
		t.Fatalf("файл должен быть принят: %v", v.Reasons)
	}
	sum := sha256.Sum256(content)
	if v.ContentHash != hex.EncodeToString(sum[:]) {
		t.Errorf("хэш: получено %s", v.ContentHash)
	}
	if v.ByteLength != 10 || v.DetectedType != "text/plain" || v.Confidence != 100 {
		t.Errorf("вердикт: %+v", v)
	}
	if v.SanitizedName != "notes.txt" {
		t.Errorf("имя: %s", v.SanitizedName)
	}
}

// TestValidate_Deterministic проверяет детерминированность вердикта.
func TestValidate_Deterministic(t *testing.T) {
	v := newTestValidator()
	samples := []struct {
		content  []byte
		name     string
		declared string
	}{
		{[]byte("0123456789"), "notes.txt", "text/plain"},
		{[]byte(eicar), "eicar.txt", "text/plain"},
		{pngBytes(t, 16, 16), "img.png", "image/png"},
		{[]byte("x = eval(y); String.fromCharCode(1)"), "a.txt", "text/plain"},
	}

	for _, s := range samples {
		first := validate(t, v, s.content, s.name, s.declared)
		second := validate(t, v, s.content, s.name, s.declared)
		if first.ContentHash != second.ContentHash ||
			first.IsAccepted != second.IsAccepted ||
			first.Confidence != second.Confidence ||
			strings.Join(first.Reasons, "|") != strings.Join(second.Reasons, "|") {
			t.Errorf("%s: вердикты различаются: %+v / %+v", s.name, first, second)
		}
	}
}

// TestValidate_EICAR проверяет отказ для EICAR при любом расширении.
func TestValidate_EICAR(t *testing.T) {
	v := newTestValidator()
	for _, tc := range []struct{ name, declared string }{
		{"eicar.txt", "text/plain"},
		{"eicar.com", "application/octet-stream"},
		{"eicar.png", "image/png"},
		{"eicar", "text/plain"},
	} {
		verdict := validate(t, v, []byte(eicar), tc.name, tc.declared)
		if verdict.IsAccepted {
			t.Errorf("%s: EICAR должен отклоняться", tc.name)
		}
		if !reasonsContain(verdict, "known malware signature") {
			t.Errorf("%s: причина должна называть известную сигнатуру: %v", tc.name, verdict.Reasons)
		}
		if verdict.RejectKind != model.RejectSecurity {
			t.Errorf("%s: класс отказа %q", tc.name, verdict.RejectKind)
		}
	}
}

// TestValidate_TypeSpoofing проверяет изображение с заголовком исполняемого файла.
func TestValidate_TypeSpoofing(t *testing.T) {
	content := append(peBytes(), pngBytes(t, 4, 4)...)
	verdict := validate(t, newTestValidator(), content, "photo.png", "image/png")

	if verdict.IsAccepted || !reasonsContain(verdict, "type spoofing") {
		t.Fatalf("ожидался отказ type spoofing: %v", verdict.Reasons)
	}
	if verdict.RejectKind != model.RejectSecurity {
		t.Errorf("класс отказа: %q", verdict.RejectKind)
	}
}

// TestValidate_DoubleExtension проверяет отказ до глубокого анализа.
func TestValidate_DoubleExtension(t *testing.T) {
	verdict := validate(t, newTestValidator(), []byte("0123456789"), "invoice.pdf.exe", "application/pdf")

	if verdict.IsAccepted || !reasonsContain(verdict, "suspicious double extension") {
		t.Fatalf("ожидался отказ по двойному расширению: %v", verdict.Reasons)
	}
	if len(verdict.Findings) != 0 || verdict.DetectedType != "" {
		t.Error("глубокий анализ не должен выполняться")
	}
	if verdict.RejectKind != model.RejectSecurity {
		t.Errorf("класс отказа: %q", verdict.RejectKind)
	}
}

// TestSuspiciousDoubleExtension проверяет разбор имён.
func TestSuspiciousDoubleExtension(t *testing.T) {
	cases := map[string]bool{
		"invoice.pdf.exe":      true,
		"photo.jpg.scr":        true,
		"shell.php.jpg":        true,
		"INVOICE.PDF.EXE":      true,
		"archive.tar.gz":       false,
		"report.v2.pdf":        false,
		"setup.exe":            false,
		"notes.txt":            false,
		"my.holiday.photo.png": false,
	}
	for name, want := range cases {
		if got := suspiciousDoubleExtension(name); got != want {
			t.Errorf("suspiciousDoubleExtension(%q) = %v, ожидалось %v", name, got, want)
		}
	}
}

// TestValidate_PolicyRejects проверяет отказы по ограничениям конфигурации.
func TestValidate_PolicyRejects(t *testing.T) {
	tests := []struct {
		name     string
		content  []byte
		fileName string
		declared string
		reason   string
	}{
		{"без расширения", []byte("hello"), "README", "text/plain", "no extension"},
		{"расширение", []byte("hello"), "script.sh", "text/plain", "extension .sh is not allowed"},
		{"MIME-тип", []byte("hello"), "notes.txt", "application/x-msdownload", "declared type"},
		{"пустой файл", nil, "empty.txt", "text/plain", "file is empty"},
	}

	v := newTestValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := validate(t, v, tt.content, tt.fileName, tt.declared)
			if verdict.IsAccepted || !reasonsContain(verdict, tt.reason) {
				t.Fatalf("ожидался отказ %q: %v", tt.reason, verdict.Reasons)
			}
			if verdict.RejectKind != model.RejectPolicy {
				t.Errorf("класс отказа: %q", verdict.RejectKind)
			}
		})
	}
}

// TestValidate_OversizedFile проверяет ограничение размера.
func TestValidate_OversizedFile(t *testing.T) {
	v := New(NewPolicy(8, testExtensions, testMimeTypes), DefaultThresholds(), testLogger())
	verdict := validate(t, v, []byte("0123456789"), "notes.txt", "text/plain")
	if verdict.IsAccepted || !reasonsContain(verdict, "exceeds maximum") {
		t.Fatalf("ожидался отказ по размеру: %v", verdict.Reasons)
	}
}

// TestValidate_Archives проверяет zip-бомбу и обычный архив.
func TestValidate_Archives(t *testing.T) {
	v := newTestValidator()

	bomb := zipBytes(t, zip.Store, zipEntry{"data.bin", make([]byte, 256<<10)})
	verdict := validate(t, v, bomb, "data.zip", "application/zip")
	if verdict.IsAccepted || !reasonsContain(verdict, "compression bomb") {
		t.Errorf("zip-бомба должна отклоняться: %v", verdict.Reasons)
	}

	ordinary := zipBytes(t, zip.Deflate, zipEntry{"report.txt", ordinaryText(64 << 10)})
	verdict = validate(t, v, ordinary, "report.zip", "application/zip")
	if !verdict.IsAccepted {
		t.Errorf("обычный архив должен приниматься: %v", verdict.Reasons)
	}
}

// TestValidate_ImageAppendedPayload проверяет изображение с хвостом.
func TestValidate_ImageAppendedPayload(t *testing.T) {
	v := newTestValidator()
	img := pngBytes(t, 32, 32)

	verdict := validate(t, v, img, "image.png", "image/png")
	if !verdict.IsAccepted {
		t.Fatalf("чистое изображение должно приниматься: %v", verdict.Reasons)
	}

	payload := append(append(append([]byte(nil), img...), bytes.Repeat([]byte{0}, 12<<10)...),
		[]byte(`eval(atob("YWxlcnQoZG9jdW1lbnQuY29va2llKQ=="))`)...)
	verdict = validate(t, v, payload, "image.png", "image/png")
	if verdict.IsAccepted {
		t.Fatal("изображение с хвостом должно отклоняться")
	}
	if !verdict.HasHardFinding(model.CategorySteganography) {
		t.Errorf("ожидалось наблюдение steganography: %+v", verdict.Findings)
	}
}

// TestValidate_Timeout проверяет отказ без карантина при истечении времени.
func TestValidate_Timeout(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	cand := &model.FileCandidate{Path: writeFile(t, []byte("0123456789")), OriginalName: "notes.txt", DeclaredType: "text/plain", Size: 10}
	verdict, err := newTestValidator().Validate(ctx, cand)
	if err != nil {
		t.Fatalf("таймаут не является системной ошибкой: %v", err)
	}
	if verdict.IsAccepted || !reasonsContain(verdict, ReasonTimeout) {
		t.Fatalf("ожидался отказ по таймауту: %v", verdict.Reasons)
	}
	if verdict.RejectKind != model.RejectInterrupted || verdict.ContentHash == "" {
		t.Errorf("вердикт: %+v", verdict)
	}
}

// deadlineDetector возвращает находки и ждёт истечения срока ctx.
type deadlineDetector struct {
	findings []model.AnalysisFinding
}

func (d *deadlineDetector) Name() string { return "slow" }

func (d *deadlineDetector) Detect(ctx context.Context, _ *Input) ([]model.AnalysisFinding, error) {
	<-ctx.Done()
	return d.findings, nil
}

// TestValidate_TimeoutKeepsHardFindings проверяет, что жёсткое совпадение,
// найденное до таймаута, оставляет отказ безопасности.
func TestValidate_TimeoutKeepsHardFindings(t *testing.T) {
	tests := []struct {
		name     string
		findings []model.AnalysisFinding
		want     model.RejectKind
	}{
		{"без совпадений", nil, model.RejectInterrupted},
		{"мягкое совпадение", []model.AnalysisFinding{{Category: model.CategoryBehavioral, Description: "long base64 run", SeverityWeight: 10}}, model.RejectInterrupted},
		{"жёсткое совпадение", []model.AnalysisFinding{{Category: model.CategorySignature, Description: "known malware signature: test", Hard: true}}, model.RejectSecurity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()

			v := newTestValidator(&deadlineDetector{findings: tt.findings}, &stubDetector{})
			cand := &model.FileCandidate{Path: writeFile(t, []byte("0123456789")), OriginalName: "notes.txt", DeclaredType: "text/plain", Size: 10}
			verdict, err := v.Validate(ctx, cand)
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if verdict.IsAccepted || verdict.RejectKind != tt.want {
				t.Errorf("вид отказа: %q, ожидался %q (%v)", verdict.RejectKind, tt.want, verdict.Reasons)
			}
			if !reasonsContain(verdict, ReasonTimeout) {
				t.Errorf("нет причины таймаута: %v", verdict.Reasons)
			}
		})
	}
}

// TestValidate_Cancelled проверяет, что отмена ctx — системная ошибка, а не вердикт.
func TestValidate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cand := &model.FileCandidate{Path: writeFile(t, []byte("0123456789")), OriginalName: "notes.txt", DeclaredType: "text/plain", Size: 10}
	verdict, err := newTestValidator().Validate(ctx, cand)
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидалась ErrCancelled, получено %v", err)
	}
	if verdict != nil {
		t.Errorf("вердикт не ожидался: %+v", verdict)
	}
}

// stubDetector — детектор с заданным результатом.
type stubDetector struct {
	findings []model.AnalysisFinding
	err      error
	calls    int
}

func (d *stubDetector) Name() string { return "stub" }

func (d *stubDetector) Detect(context.Context, *Input) ([]model.AnalysisFinding, error) {
	d.calls++
	return d.findings, d.err
}

// TestValidate_ExtraDetector проверяет подключаемые детекторы.
func TestValidate_ExtraDetector(t *testing.T) {
	d := &stubDetector{findings: []model.AnalysisFinding{{
		Category: model.CategorySignature, Description: "known malware signature: antivirus match Win.Test", Hard: true,
	}}}
	v := newTestValidator(d)

	if names := v.DetectorNames(); strings.Join(names, ",") != "signature,structural,stub" {
		t.Errorf("порядок детекторов: %v", names)
	}

	verdict := validate(t, v, []byte("0123456789"), "notes.txt", "text/plain")
	if verdict.IsAccepted || !reasonsContain(verdict, "Win.Test") {
		t.Errorf("ожидался отказ детектора: %v", verdict.Reasons)
	}

	// Ранний отказ не вызывает детекторы
	calls := d.calls
	validate(t, v, []byte("0123456789"), "invoice.pdf.exe", "application/pdf")
	if d.calls != calls {
		t.Error("детекторы не должны вызываться после раннего отказа")
	}
}

// TestValidate_DetectorFailure проверяет системный сбой детектора.
func TestValidate_DetectorFailure(t *testing.T) {
	v := newTestValidator(&stubDetector{err: errors.New("boom")})
	cand := &model.FileCandidate{Path: writeFile(t, []byte("0123456789")), OriginalName: "notes.txt", DeclaredType: "text/plain", Size: 10}

	if _, err := v.Validate(context.Background(), cand); err == nil {
		t.Fatal("ожидалась системная ошибка")
	}
}

// TestValidate_MissingFile проверяет ошибку чтения.
func TestValidate_MissingFile(t *testing.T) {
	cand := &model.FileCandidate{Path: "/nonexistent/upload.part", OriginalName: "notes.txt", DeclaredType: "text/plain"}
	if _, err := newTestValidator().Validate(context.Background(), cand); err == nil {
		t.Fatal("ожидалась ошибка для отсутствующего файла")
	}
}
