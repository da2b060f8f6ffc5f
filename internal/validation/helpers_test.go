package validation

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
)

// Тестовая строка EICAR.
const eicar = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pngBytes кодирует однотонное изображение w×h.
func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// jpegBytes кодирует однотонное изображение w×h.
func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// insertPNGChunk вставляет чанк сразу после IHDR.
func insertPNGChunk(t *testing.T, pngData []byte, typ string, data []byte) []byte {
	t.Helper()
	// 8 байт сигнатуры + IHDR (4 длина + 4 тип + 13 данных + 4 crc)
	const afterIHDR = 8 + 25
	var chunk bytes.Buffer
	_ = binary.Write(&chunk, binary.BigEndian, uint32(len(data)))
	chunk.WriteString(typ)
	chunk.Write(data)
	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(data)
	_ = binary.Write(&chunk, binary.BigEndian, crc.Sum32())

	out := append([]byte(nil), pngData[:afterIHDR]...)
	out = append(out, chunk.Bytes()...)
	return append(out, pngData[afterIHDR:]...)
}

// insertJPEGComment вставляет сегмент COM сразу после SOI.
func insertJPEGComment(jpegData, comment []byte) []byte {
	seg := []byte{0xFF, 0xFE, 0, 0}
	binary.BigEndian.PutUint16(seg[2:], uint16(len(comment)+2))
	out := append([]byte(nil), jpegData[:2]...)
	out = append(out, seg...)
	out = append(out, comment...)
	return append(out, jpegData[2:]...)
}

type zipEntry struct {
	name string
	data []byte
}

// zipBytes собирает архив с указанным методом сжатия.
func zipBytes(t *testing.T, method uint16, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: method})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(e.data); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// peBytes — минимальный заголовок PE: "MZ", e_lfanew = 0x80, "PE\0\0".
func peBytes() []byte {
	b := make([]byte, 0x100)
	copy(b, "MZ")
	binary.LittleEndian.PutUint32(b[0x3C:], 0x80)
	copy(b[0x80:], "PE\x00\x00")
	return b
}

// ordinaryText — текст без повторяющихся длинных блоков.
func ordinaryText(n int) []byte {
	words := []string{"report", "quarterly", "revenue", "growth", "market", "customer",
		"product", "service", "north", "south", "annual", "budget", "forecast", "team"}
	var buf bytes.Buffer
	seed := uint32(7)
	for buf.Len() < n {
		seed = seed*1103515245 + 12345
		buf.WriteString(words[int(seed>>16)%len(words)])
		if seed%7 == 0 {
			buf.WriteString(".\n")
		} else {
			buf.WriteByte(' ')
		}
	}
	return buf.Bytes()[:n]
}

// writeFile пишет содержимое во временный файл и возвращает путь.
func writeFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.part")
	if err := os.WriteFile(path, content, 0o640); err != nil {
		t.Fatal(err)
	}
	return path
}

// inputFor готовит Input так же, как оркестратор.
func inputFor(content []byte, declared string) *Input {
	s := Sniff(content)
	declared = NormalizeMIME(declared)
	return &Input{
		Content:      content,
		DeclaredType: declared,
		DetectedType: s.Type,
		DeclaredKind: KindOf(declared),
		DetectedKind: KindOf(s.Type),
	}
}

// hasFinding ищет наблюдение по подстроке описания.
func hasFinding(findings []model.AnalysisFinding, substr string, hard bool) bool {
	for _, f := range findings {
		if strings.Contains(f.Description, substr) && f.Hard == hard {
			return true
		}
	}
	return false
}
