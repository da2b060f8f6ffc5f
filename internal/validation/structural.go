package validation

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"path"
	"strings"

	// Декодеры форматов для image.DecodeConfig
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
)

// ErrDecoderPanic — декодер изображения аварийно завершился.
// Это системный сбой, а не признак вредоносного файла.
var ErrDecoderPanic = errors.New("сбой декодера изображения")

// Штрафы мягких структурных наблюдений.
const (
	weightHighEntropy       = 10
	weightExecutableEntry   = 20
	weightOversizedImage    = 15
	weightLargeMetadata     = 10
	minBombUncompressedSize = 1 << 20
	minAppendedBytes        = 1 << 10
)

// Строки DOS-заглушки PE-файлов.
var dosStubs = [][]byte{
	[]byte("This program cannot be run in DOS mode"),
	[]byte("This program must be run under Win32"),
}

// executableEntryExt — исполняемые расширения внутри архива.
var executableEntryExt = map[string]struct{}{
	".exe": {}, ".dll": {}, ".scr": {}, ".com": {}, ".bat": {}, ".cmd": {},
	".pif": {}, ".vbs": {}, ".vbe": {}, ".js": {}, ".jse": {}, ".wsf": {},
	".ps1": {}, ".msi": {}, ".jar": {}, ".hta": {}, ".lnk": {}, ".sh": {},
}

// StructuralAnalyzer выполняет проверки, зависящие от формата.
type StructuralAnalyzer struct {
	th Thresholds
}

// NewStructuralAnalyzer создаёт анализатор с указанными порогами.
func NewStructuralAnalyzer(th Thresholds) *StructuralAnalyzer {
	return &StructuralAnalyzer{th: th}
}

// Name возвращает имя детектора.
func (a *StructuralAnalyzer) Name() string { return "structural" }

// Detect выполняет структурные проверки по классу содержимого.
func (a *StructuralAnalyzer) Detect(ctx context.Context, in *Input) ([]model.AnalysisFinding, error) {
	var findings []model.AnalysisFinding

	if in.DetectedKind == KindArchive {
		findings = append(findings, a.checkEntropy(in.Content)...)
	}
	if in.DetectedType == "application/zip" || in.IsOfficeContainer() {
		findings = append(findings, a.checkZip(in.Content)...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch in.DeclaredKind {
	case KindExecutable, KindArchive, KindOffice:
	default:
		if !in.IsOfficeContainer() {
			findings = append(findings, checkEmbeddedExecutable(in.Content)...)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if in.DetectedKind == KindImage {
		imgFindings, err := a.checkImage(in)
		if err != nil {
			return nil, err
		}
		findings = append(findings, imgFindings...)
	}

	return findings, nil
}

// ShannonEntropy вычисляет энтропию Шеннона в битах на байт (0..8).
func ShannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	total := float64(len(data))
	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// checkEntropy — признак zip-бомбы (низкая энтропия) или шифрования (высокая).
func (a *StructuralAnalyzer) checkEntropy(content []byte) []model.AnalysisFinding {
	e := ShannonEntropy(content)
	switch {
	case e < a.th.EntropyBomb:
		return []model.AnalysisFinding{{
			Category:    model.CategoryStructural,
			Description: fmt.Sprintf("archive entropy %.2f below %.2f: compression bomb indicator", e, a.th.EntropyBomb),
			Hard:        true,
		}}
	case e > a.th.EntropyHigh:
		return []model.AnalysisFinding{{
			Category:       model.CategoryStructural,
			Description:    fmt.Sprintf("archive entropy %.2f above %.2f: possibly encrypted content", e, a.th.EntropyHigh),
			SeverityWeight: weightHighEntropy,
		}}
	}
	return nil
}

// checkZip проверяет центральный каталог zip: степень сжатия,
// выход за пределы каталога распаковки, исполняемые вложения.
func (a *StructuralAnalyzer) checkZip(content []byte) []model.AnalysisFinding {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return []model.AnalysisFinding{{
			Category:    model.CategoryStructural,
			Description: "malformed zip container",
			Hard:        true,
		}}
	}

	var findings []model.AnalysisFinding
	var compressed, uncompressed uint64
	var traversal, executables []string

	for _, f := range zr.File {
		compressed += f.CompressedSize64
		uncompressed += f.UncompressedSize64

		if unsafeEntryName(f.Name) {
			traversal = append(traversal, f.Name)
		}
		if _, ok := executableEntryExt[strings.ToLower(path.Ext(f.Name))]; ok && !f.FileInfo().IsDir() {
			executables = append(executables, f.Name)
		}
	}

	if uncompressed >= minBombUncompressedSize {
		ratio := float64(uncompressed) / math.Max(float64(compressed), 1)
		if ratio > a.th.MaxCompressionRatio {
			findings = append(findings, model.AnalysisFinding{
				Category:    model.CategoryStructural,
				Description: fmt.Sprintf("decompression ratio %.0f exceeds %.0f: compression bomb", ratio, a.th.MaxCompressionRatio),
				Hard:        true,
			})
		}
	}

	if len(traversal) > 0 {
		findings = append(findings, model.AnalysisFinding{
			Category:    model.CategoryStructural,
			Description: "archive entry escapes extraction directory: " + truncateList(traversal),
			Hard:        true,
		})
	}

	if len(executables) > 0 {
		findings = append(findings, model.AnalysisFinding{
			Category:       model.CategoryStructural,
			Description:    "archive contains executable entries: " + truncateList(executables),
			SeverityWeight: weightExecutableEntry,
		})
	}

	return findings
}

// unsafeEntryName — абсолютный путь, буква диска или компонент "..".
func unsafeEntryName(name string) bool {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") || (len(name) >= 2 && name[1] == ':') {
		return true
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

func truncateList(items []string) string {
	const maxItems = 3
	if len(items) <= maxItems {
		return strings.Join(items, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(items[:maxItems], ", "), len(items)-maxItems)
}

// checkEmbeddedExecutable ищет встроенный PE. Одного "MZ" недостаточно:
// нужен корректный e_lfanew с "PE\0\0" по нему или строка DOS-заглушки.
func checkEmbeddedExecutable(content []byte) []model.AnalysisFinding {
	if found, desc := findEmbeddedExecutable(content); found {
		return []model.AnalysisFinding{{
			Category:    model.CategoryStructural,
			Description: "embedded executable: " + desc,
			Hard:        true,
		}}
	}
	return nil
}

func findEmbeddedExecutable(content []byte) (bool, string) {
	for off := 0; off < len(content); {
		i := bytes.Index(content[off:], []byte("MZ"))
		if i < 0 {
			break
		}
		if hasPEHeader(content, off+i) {
			return true, fmt.Sprintf("PE header at offset %d", off+i)
		}
		off += i + 1
	}
	for _, stub := range dosStubs {
		if bytes.Contains(content, stub) {
			return true, "DOS stub string"
		}
	}
	return false, ""
}

// checkImage проверяет растровое изображение: декодируемость,
// данные после изображения, блоки метаданных.
func (a *StructuralAnalyzer) checkImage(in *Input) ([]model.AnalysisFinding, error) {
	cfg, format, err := decodeImageConfig(in.Content)
	if err != nil {
		if errors.Is(err, ErrDecoderPanic) {
			return nil, err
		}
		if errors.Is(err, image.ErrFormat) {
			// Формат без зарегистрированного декодера (ico, svg, heic)
			return nil, nil
		}
		return []model.AnalysisFinding{{
			Category:    model.CategoryStructural,
			Description: fmt.Sprintf("image cannot be decoded: %v", err),
			Hard:        true,
		}}, nil
	}

	var findings []model.AnalysisFinding
	findings = append(findings, a.checkAppendedData(in.Content, cfg)...)

	switch format {
	case "jpeg":
		findings = append(findings, a.checkMetadata(jpegMetadataBlocks(in.Content))...)
	case "png":
		findings = append(findings, a.checkMetadata(pngMetadataBlocks(in.Content, a.th.MetadataBlockLimit))...)
	}

	return findings, nil
}

// decodeImageConfig читает заголовок изображения, превращая панику
// декодера в ErrDecoderPanic.
func decodeImageConfig(content []byte) (cfg image.Config, format string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrDecoderPanic, r)
		}
	}()
	return image.DecodeConfig(bytes.NewReader(content))
}

// channels — байт на пиксель для цветовой модели.
func channels(m color.Model) int {
	if _, ok := m.(color.Palette); ok {
		return 1
	}
	switch m {
	case color.GrayModel, color.AlphaModel:
		return 1
	case color.Gray16Model, color.Alpha16Model:
		return 2
	case color.YCbCrModel, color.NYCbCrAModel:
		return 3
	case color.RGBA64Model, color.NRGBA64Model:
		return 8
	}
	return 4
}

// checkAppendedData сравнивает размер файла с объёмом пиксельных данных.
// При превышении в AppendedDataRatio раз проверяется последние 10% файла.
func (a *StructuralAnalyzer) checkAppendedData(content []byte, cfg image.Config) []model.AnalysisFinding {
	expected := int64(cfg.Width) * int64(cfg.Height) * int64(channels(cfg.ColorModel))
	size := int64(len(content))
	if expected <= 0 || float64(size) <= a.th.AppendedDataRatio*float64(expected) {
		return nil
	}

	tail := content[size-size/10:]
	if desc, ok := executablePayload(tail); ok {
		return []model.AnalysisFinding{{
			Category:    model.CategorySteganography,
			Description: "payload appended after image data: " + desc,
			Hard:        true,
		}}
	}

	if size-expected < minAppendedBytes {
		return nil
	}
	return []model.AnalysisFinding{{
		Category:       model.CategorySteganography,
		Description:    fmt.Sprintf("image file %d bytes exceeds expected pixel data %d bytes", size, expected),
		SeverityWeight: weightOversizedImage,
	}}
}

// executablePayload ищет исполняемый код или eval-цепочку с декодером.
func executablePayload(data []byte) (string, bool) {
	if found, desc := findEmbeddedExecutable(data); found {
		return desc, true
	}
	if bytes.Contains(data, []byte("\x7fELF")) {
		return "ELF header", true
	}
	if phpEvalDecoder(data) || jsEvalDecoder(data) {
		return "script eval with decoder", true
	}
	return "", false
}

// metadataInjection — скрипты и разметка внутри метаданных.
var metadataInjection = regexMatcher(`(?i)<script|<\?php|<iframe|javascript\s*:|\bon(?:load|error)\s*=|eval\s*\(|base64_decode\s*\(|document\.cookie`)

// checkMetadata проверяет суммарный объём блоков и их содержимое.
func (a *StructuralAnalyzer) checkMetadata(blocks [][]byte) []model.AnalysisFinding {
	var findings []model.AnalysisFinding
	total := 0
	injected := false
	for _, b := range blocks {
		total += len(b)
		if !injected && metadataInjection(b) {
			injected = true
		}
	}

	if injected {
		findings = append(findings, model.AnalysisFinding{
			Category:    model.CategoryMetadata,
			Description: "script or markup injection in image metadata",
			Hard:        true,
		})
	}
	if a.th.MetadataBlockLimit > 0 && total > a.th.MetadataBlockLimit {
		findings = append(findings, model.AnalysisFinding{
			Category:       model.CategoryMetadata,
			Description:    fmt.Sprintf("image metadata %d bytes exceeds %d", total, a.th.MetadataBlockLimit),
			SeverityWeight: weightLargeMetadata,
		})
	}
	return findings
}
