package validation

import (
	"testing"
)

// TestSniff_Image проверяет определение изображений по magic bytes.
func TestSniff_Image(t *testing.T) {
	if got := Sniff(pngBytes(t, 4, 4)).Type; got != "image/png" {
		t.Errorf("PNG: получено %s", got)
	}
	if got := Sniff(jpegBytes(t, 4, 4)).Type; got != "image/jpeg" {
		t.Errorf("JPEG: получено %s", got)
	}
}

// TestSniff_Text проверяет, что параметры MIME-типа отбрасываются.
func TestSniff_Text(t *testing.T) {
	s := Sniff([]byte("0123456789"))
	if s.Type != "text/plain" {
		t.Errorf("получено %s", s.Type)
	}
	if s.Executable {
		t.Error("текст не исполняемый")
	}
}

// TestSniff_Executable проверяет собственную проверку заголовков.
func TestSniff_Executable(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
	}{
		{"PE", peBytes()},
		{"bare MZ", append([]byte("MZ"), make([]byte, 64)...)},
		{"ELF", append([]byte("\x7fELF\x02\x01\x01"), make([]byte, 64)...)},
		{"Mach-O", append([]byte{0xCF, 0xFA, 0xED, 0xFE}, make([]byte, 64)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Sniff(tt.content)
			if !s.Executable {
				t.Error("ожидался исполняемый заголовок")
			}
			if KindOf(s.Type) != KindExecutable {
				t.Errorf("тип %s должен быть исполняемым", s.Type)
			}
		})
	}
}

// TestHasPEHeader проверяет разбор e_lfanew.
func TestHasPEHeader(t *testing.T) {
	pe := peBytes()
	if !hasPEHeader(pe, 0) {
		t.Error("ожидался корректный PE")
	}

	bare := append([]byte("MZ"), make([]byte, 0x100)...)
	if hasPEHeader(bare, 0) {
		t.Error("голый MZ не является PE")
	}

	if hasPEHeader(pe[:0x50], 0) {
		t.Error("усечённый файл не является PE")
	}
}

// TestTypesCompatible проверяет допустимые расхождения типов.
func TestTypesCompatible(t *testing.T) {
	tests := []struct {
		name     string
		declared string
		content  []byte
		ok       bool
	}{
		{"точное совпадение", "image/png", pngBytes(t, 2, 2), true},
		{"синоним jpg", "image/jpg", jpegBytes(t, 2, 2), true},
		{"синоним x-png", "image/x-png", pngBytes(t, 2, 2), true},
		{"параметры игнорируются", "text/plain; charset=utf-8", []byte("hello world"), true},
		{"json как текст", "text/plain", []byte(`{"key": "value"}`), true},
		{"csv без признаков", "text/csv", []byte("hello world"), true},
		{"markdown", "text/markdown", []byte("# title\n\ntext"), true},
		{"исполняемый как png", "image/png", peBytes(), false},
		{"jpeg как png", "image/png", jpegBytes(t, 2, 2), false},
		{"html как текст", "text/plain", []byte("<html><body>hi</body></html>"), false},
		{"текст как pdf", "application/pdf", []byte("hello world"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := typesCompatible(tt.declared, Sniff(tt.content)); got != tt.ok {
				t.Errorf("typesCompatible(%s, %s) = %v, ожидалось %v",
					tt.declared, Sniff(tt.content).Type, got, tt.ok)
			}
		})
	}
}

// TestBenignMismatch проверяет офисные документы, распознанные как zip.
func TestBenignMismatch(t *testing.T) {
	docx := "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	if !benignMismatch(docx, "application/zip") {
		t.Error("docx, распознанный как zip, допустим")
	}
	if benignMismatch("application/msword", "application/zip") {
		t.Error("doc (OLE) не является zip-контейнером")
	}
	if benignMismatch("image/png", "application/zip") {
		t.Error("png, распознанный как zip, недопустим")
	}
}

// TestNormalizeMIME проверяет нормализацию типов.
func TestNormalizeMIME(t *testing.T) {
	cases := map[string]string{
		"Image/JPG":                    "image/jpeg",
		"text/plain; charset=utf-8":    "text/plain",
		" application/x-zip-compressed": "application/zip",
		"":                             "",
	}
	for in, want := range cases {
		if got := NormalizeMIME(in); got != want {
			t.Errorf("NormalizeMIME(%q) = %q, ожидалось %q", in, got, want)
		}
	}
}

// TestKindOf проверяет классификацию типов.
func TestKindOf(t *testing.T) {
	cases := map[string]Kind{
		"image/png":       KindImage,
		"application/zip": KindArchive,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": KindOffice,
		"application/pdf":  KindPDF,
		"text/plain":       KindText,
		"application/json": KindText,
		"text/html":        KindScript,
		"image/svg+xml":    KindScript,
		typePE:             KindExecutable,
		"video/mp4":        KindOther,
	}
	for in, want := range cases {
		if got := KindOf(in); got != want {
			t.Errorf("KindOf(%s) = %s, ожидалось %s", in, got, want)
		}
	}
}
