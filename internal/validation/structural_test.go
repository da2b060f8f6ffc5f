package validation

import (
	"archive/zip"
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
)

func analyze(t *testing.T, content []byte, declared string) []model.AnalysisFinding {
	t.Helper()
	a := NewStructuralAnalyzer(DefaultThresholds())
	findings, err := a.Detect(context.Background(), inputFor(content, declared))
	if err != nil {
		t.Fatalf("ошибка анализа: %v", err)
	}
	return findings
}

// TestShannonEntropy проверяет граничные значения энтропии.
func TestShannonEntropy(t *testing.T) {
	if e := ShannonEntropy(nil); e != 0 {
		t.Errorf("пустые данные: %f", e)
	}
	if e := ShannonEntropy(make([]byte, 1024)); e != 0 {
		t.Errorf("нули: %f", e)
	}

	all := make([]byte, 256*4)
	for i := range all {
		all[i] = byte(i)
	}
	if e := ShannonEntropy(all); math.Abs(e-8) > 1e-9 {
		t.Errorf("равномерное распределение: ожидалось 8, получено %f", e)
	}
}

// TestStructural_ArchiveEntropyBomb проверяет низкую энтропию архива.
func TestStructural_ArchiveEntropyBomb(t *testing.T) {
	bomb := zipBytes(t, zip.Store, zipEntry{"zeros.bin", make([]byte, 64<<10)})
	findings := analyze(t, bomb, "application/zip")
	if !hasFinding(findings, "compression bomb indicator", true) {
		t.Errorf("ожидался жёсткий отказ по энтропии: %+v", findings)
	}
}

// TestStructural_ArchiveRatioBomb проверяет степень сжатия.
func TestStructural_ArchiveRatioBomb(t *testing.T) {
	bomb := zipBytes(t, zip.Deflate, zipEntry{"zeros.bin", make([]byte, 4<<20)})
	findings := analyze(t, bomb, "application/zip")
	if !hasFinding(findings, "decompression ratio", true) {
		t.Errorf("ожидался жёсткий отказ по степени сжатия: %+v", findings)
	}
}

// TestStructural_OrdinaryArchive проверяет обычный архив.
func TestStructural_OrdinaryArchive(t *testing.T) {
	archive := zipBytes(t, zip.Deflate,
		zipEntry{"report.txt", ordinaryText(32 << 10)},
		zipEntry{"notes.txt", ordinaryText(8 << 10)},
	)
	for _, f := range analyze(t, archive, "application/zip") {
		if f.Hard {
			t.Errorf("неожиданное жёсткое наблюдение: %+v", f)
		}
	}
}

// TestStructural_ArchiveEntries проверяет имена вложений.
func TestStructural_ArchiveEntries(t *testing.T) {
	traversal := zipBytes(t, zip.Deflate, zipEntry{"../../etc/cron.d/job", ordinaryText(1024)})
	if !hasFinding(analyze(t, traversal, "application/zip"), "escapes extraction directory", true) {
		t.Error("ожидался отказ по выходу за каталог распаковки")
	}

	exe := zipBytes(t, zip.Deflate, zipEntry{"setup.exe", ordinaryText(1024)})
	if !hasFinding(analyze(t, exe, "application/zip"), "executable entries", false) {
		t.Error("ожидалось мягкое наблюдение об исполняемом вложении")
	}
}

// TestStructural_MalformedZip проверяет повреждённый контейнер.
func TestStructural_MalformedZip(t *testing.T) {
	content := append([]byte("PK\x03\x04"), ordinaryText(512)...)
	if !hasFinding(analyze(t, content, "application/zip"), "malformed zip", true) {
		t.Error("ожидался отказ по повреждённому архиву")
	}
}

// TestStructural_EmbeddedExecutable проверяет встроенный PE.
func TestStructural_EmbeddedExecutable(t *testing.T) {
	text := ordinaryText(2048)

	embedded := append(append(append([]byte(nil), text...), peBytes()...), text...)
	if !hasFinding(analyze(t, embedded, "text/plain"), "PE header at offset 2048", true) {
		t.Error("ожидался отказ по встроенному PE")
	}

	stub := append(append([]byte(nil), text...), []byte("This program cannot be run in DOS mode")...)
	if !hasFinding(analyze(t, stub, "text/plain"), "DOS stub", true) {
		t.Error("ожидался отказ по строке DOS-заглушки")
	}

	bare := append(append([]byte(nil), text...), []byte("MZ and more text afterwards")...)
	if hasFinding(analyze(t, bare, "text/plain"), "embedded executable", true) {
		t.Error("голый MZ не должен отклоняться")
	}

	// Архивы не проверяются на встроенный PE
	archive := zipBytes(t, zip.Store, zipEntry{"tool.dll", append(ordinaryText(4096), peBytes()...)})
	if hasFinding(analyze(t, archive, "application/zip"), "embedded executable", true) {
		t.Error("архив не должен проверяться на встроенный PE")
	}
}

// TestStructural_CleanImage проверяет изображение без хвоста.
func TestStructural_CleanImage(t *testing.T) {
	if findings := analyze(t, pngBytes(t, 32, 32), "image/png"); len(findings) != 0 {
		t.Errorf("PNG: ожидалось 0 наблюдений, получено %+v", findings)
	}
	if findings := analyze(t, jpegBytes(t, 32, 32), "image/jpeg"); len(findings) != 0 {
		t.Errorf("JPEG: ожидалось 0 наблюдений, получено %+v", findings)
	}
}

// TestStructural_AppendedPayload проверяет данные после изображения.
func TestStructural_AppendedPayload(t *testing.T) {
	img := pngBytes(t, 32, 32)
	// 32×32×4 = 4096 байт пикселей, порог 2.5× = 10240
	padding := bytes.Repeat([]byte{' '}, 12<<10)

	payload := append(append(append([]byte(nil), img...), padding...), []byte(`<?php eval(base64_decode($_POST["x"])); ?>`)...)
	if !hasFinding(analyze(t, payload, "image/png"), "payload appended", true) {
		t.Error("ожидался отказ по встроенному скрипту")
	}

	oversized := append(append([]byte(nil), img...), padding...)
	findings := analyze(t, oversized, "image/png")
	if !hasFinding(findings, "exceeds expected pixel data", false) {
		t.Errorf("ожидалось мягкое наблюдение о размере: %+v", findings)
	}
	for _, f := range findings {
		if f.Hard {
			t.Errorf("без полезной нагрузки отказ не жёсткий: %+v", f)
		}
	}
}

// TestStructural_UndecodableImage проверяет повреждённое изображение.
func TestStructural_UndecodableImage(t *testing.T) {
	broken := append([]byte("\x89PNG\r\n\x1a\n"), []byte("garbage that is not a chunk")...)
	if !hasFinding(analyze(t, broken, "image/png"), "cannot be decoded", true) {
		t.Error("ожидался отказ по недекодируемому изображению")
	}
}

// TestStructural_MetadataInjection проверяет скрипты в метаданных.
func TestStructural_MetadataInjection(t *testing.T) {
	png := insertPNGChunk(t, pngBytes(t, 8, 8), "tEXt", []byte("Comment\x00<script>alert(1)</script>"))
	if !hasFinding(analyze(t, png, "image/png"), "injection in image metadata", true) {
		t.Error("PNG: ожидался отказ по скрипту в tEXt")
	}

	jpg := insertJPEGComment(jpegBytes(t, 8, 8), []byte("<?php system('id'); ?>"))
	if !hasFinding(analyze(t, jpg, "image/jpeg"), "injection in image metadata", true) {
		t.Error("JPEG: ожидался отказ по скрипту в COM")
	}

	benign := insertPNGChunk(t, pngBytes(t, 8, 8), "tEXt", []byte("Author\x00Jane Doe"))
	if findings := analyze(t, benign, "image/png"); len(findings) != 0 {
		t.Errorf("безопасные метаданные: %+v", findings)
	}
}

// TestStructural_LargeMetadata проверяет объём метаданных.
func TestStructural_LargeMetadata(t *testing.T) {
	th := DefaultThresholds()
	th.MetadataBlockLimit = 1024
	a := NewStructuralAnalyzer(th)

	png := insertPNGChunk(t, pngBytes(t, 8, 8), "tEXt", append([]byte("Comment\x00"), ordinaryText(2048)...))
	findings, err := a.Detect(context.Background(), inputFor(png, "image/png"))
	if err != nil {
		t.Fatal(err)
	}
	if !hasFinding(findings, "image metadata", false) {
		t.Errorf("ожидалось мягкое наблюдение об объёме метаданных: %+v", findings)
	}
}

// TestJPEGMetadataBlocks проверяет разбор сегментов JPEG.
func TestJPEGMetadataBlocks(t *testing.T) {
	jpg := insertJPEGComment(jpegBytes(t, 4, 4), []byte("hello"))
	blocks := jpegMetadataBlocks(jpg)

	found := false
	for _, b := range blocks {
		if string(b) == "hello" {
			found = true
		}
	}
	if !found {
		t.Errorf("сегмент COM не найден среди %d блоков", len(blocks))
	}

	if jpegMetadataBlocks([]byte("not a jpeg")) != nil {
		t.Error("для не-JPEG ожидался nil")
	}
}
