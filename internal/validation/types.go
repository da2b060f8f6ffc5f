// Пакет validation — конвейер статической проверки загруженных файлов.
//
// Этапы выполняются строго последовательно: хэш и очистка имени,
// двойное расширение, списки разрешённых расширений и MIME-типов,
// определение истинного типа по magic bytes, детекторы (сигнатуры,
// структура, опционально ClamAV) и итоговая оценка уверенности.
// Конвейер не перемещает файлы: это делает вызывающий код по вердикту.
package validation

import (
	"context"
	"strings"

	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
)

// Detector — подключаемый анализатор содержимого.
// Ошибка Detect означает системный сбой, а не «подозрительный файл»:
// подозрения возвращаются наблюдениями.
type Detector interface {
	Name() string
	Detect(ctx context.Context, in *Input) ([]model.AnalysisFinding, error)
}

// Input — данные файла для детекторов.
type Input struct {
	// Path — путь к временному файлу
	Path string
	// Content — содержимое файла целиком (размер ограничен политикой)
	Content []byte
	// Extension — расширение очищенного имени в нижнем регистре
	Extension string
	// DeclaredType — заявленный MIME-тип без параметров
	DeclaredType string
	// DetectedType — определённый по содержимому MIME-тип без параметров
	DetectedType string
	// DeclaredKind и DetectedKind — классы заявленного и определённого типов
	DeclaredKind Kind
	DetectedKind Kind
}

// IsOfficeContainer сообщает, является ли файл офисным документом
// на базе zip-архива (OOXML, ODF).
func (in *Input) IsOfficeContainer() bool {
	return isZipOffice(in.DetectedType) || isZipOffice(in.DeclaredType)
}

// Policy — ограничения конфигурации: размер, расширения, MIME-типы.
type Policy struct {
	MaxFileSize       int64
	AllowedExtensions map[string]struct{}
	AllowedMimeTypes  map[string]struct{}
}

// NewPolicy создаёт политику из списков конфигурации.
func NewPolicy(maxFileSize int64, extensions, mimeTypes []string) Policy {
	p := Policy{
		MaxFileSize:       maxFileSize,
		AllowedExtensions: make(map[string]struct{}, len(extensions)),
		AllowedMimeTypes:  make(map[string]struct{}, len(mimeTypes)),
	}
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		p.AllowedExtensions[e] = struct{}{}
	}
	for _, m := range mimeTypes {
		if m = NormalizeMIME(m); m != "" {
			p.AllowedMimeTypes[m] = struct{}{}
		}
	}
	return p
}

// ExtensionAllowed проверяет расширение (с точкой, в нижнем регистре).
func (p Policy) ExtensionAllowed(ext string) bool {
	_, ok := p.AllowedExtensions[ext]
	return ok
}

// MimeAllowed проверяет заявленный MIME-тип.
func (p Policy) MimeAllowed(mimeType string) bool {
	_, ok := p.AllowedMimeTypes[NormalizeMIME(mimeType)]
	return ok
}

// Thresholds — настраиваемые пороги эвристик.
type Thresholds struct {
	// MinConfidence — минимальная уверенность для приёма (0..100)
	MinConfidence int
	// EntropyBomb — энтропия архива ниже порога: признак zip-бомбы (жёстко)
	EntropyBomb float64
	// EntropyHigh — энтропия архива выше порога: возможно шифрование (мягко)
	EntropyHigh float64
	// MaxCompressionRatio — допустимое отношение распакованного размера к сжатому
	MaxCompressionRatio float64
	// AppendedDataRatio — во сколько раз файл изображения может превышать
	// объём пиксельных данных до проверки хвоста
	AppendedDataRatio float64
	// MetadataBlockLimit — суммарный объём блоков метаданных изображения
	MetadataBlockLimit int
	// SuspiciousPatternLimit — число различных подозрительных шаблонов,
	// при котором файл отклоняется
	SuspiciousPatternLimit int
	// OfficePatternLimit — то же для офисных документов на базе zip
	OfficePatternLimit int
}

// DefaultThresholds возвращает пороги по умолчанию.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinConfidence:          50,
		EntropyBomb:            2.0,
		EntropyHigh:            7.8,
		MaxCompressionRatio:    100,
		AppendedDataRatio:      2.5,
		MetadataBlockLimit:     64 << 10,
		SuspiciousPatternLimit: 3,
		OfficePatternLimit:     5,
	}
}

// Kind — класс содержимого для выбора структурных проверок.
type Kind int

const (
	KindOther Kind = iota
	KindText
	KindImage
	KindArchive
	KindOffice
	KindPDF
	KindExecutable
	KindScript
)

// String возвращает имя класса.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindArchive:
		return "archive"
	case KindOffice:
		return "office"
	case KindPDF:
		return "pdf"
	case KindExecutable:
		return "executable"
	case KindScript:
		return "script"
	default:
		return "other"
	}
}

var archiveTypes = map[string]struct{}{
	"application/zip":              {},
	"application/gzip":             {},
	"application/x-gzip":           {},
	"application/x-tar":            {},
	"application/x-7z-compressed":  {},
	"application/vnd.rar":          {},
	"application/x-rar-compressed": {},
	"application/x-bzip2":          {},
	"application/x-xz":             {},
	"application/zstd":             {},
}

var officeLegacyTypes = map[string]struct{}{
	"application/msword":            {},
	"application/vnd.ms-excel":      {},
	"application/vnd.ms-powerpoint": {},
	"application/x-ole-storage":     {},
}

var executableTypes = map[string]struct{}{
	"application/vnd.microsoft.portable-executable": {},
	"application/x-msdownload":                      {},
	"application/x-dosexec":                         {},
	"application/x-executable":                      {},
	"application/x-elf":                             {},
	"application/x-sharedlib":                       {},
	"application/x-mach-binary":                     {},
	"application/x-object":                          {},
	"application/x-coredump":                        {},
	"application/java-archive":                      {},
	"application/x-java-applet":                     {},
	"application/x-ms-installer":                    {},
	"application/x-msi":                             {},
	"application/vnd.android.package-archive":       {},
	"application/wasm":                              {},
}

// scriptTypes — скрипты и разметка, которые исполняются или
// рендерятся браузером. Для них расхождение типов не допускается.
var scriptTypes = map[string]struct{}{
	"text/html":                {},
	"application/xhtml+xml":    {},
	"image/svg+xml":            {},
	"text/javascript":          {},
	"application/javascript":   {},
	"application/x-javascript": {},
	"application/x-php":        {},
	"text/x-php":               {},
	"application/x-sh":         {},
	"text/x-shellscript":       {},
	"text/x-python":            {},
	"text/x-perl":              {},
	"text/x-lua":               {},
	"text/x-tcl":               {},
	"application/x-bat":        {},
	"application/hta":          {},
}

// KindOf классифицирует MIME-тип (без параметров).
func KindOf(mimeType string) Kind {
	mimeType = NormalizeMIME(mimeType)
	if _, ok := executableTypes[mimeType]; ok {
		return KindExecutable
	}
	if _, ok := scriptTypes[mimeType]; ok {
		return KindScript
	}
	if _, ok := archiveTypes[mimeType]; ok {
		return KindArchive
	}
	if _, ok := officeLegacyTypes[mimeType]; ok {
		return KindOffice
	}
	switch {
	case strings.HasPrefix(mimeType, "application/vnd.openxmlformats-officedocument."),
		strings.HasPrefix(mimeType, "application/vnd.oasis.opendocument."):
		return KindOffice
	case mimeType == "application/pdf":
		return KindPDF
	case strings.HasPrefix(mimeType, "image/"):
		return KindImage
	case strings.HasPrefix(mimeType, "text/"),
		mimeType == "application/json",
		mimeType == "application/xml":
		return KindText
	}
	return KindOther
}

// mimeAliases — устаревшие и нестандартные имена типов.
var mimeAliases = map[string]string{
	"image/jpg":                    "image/jpeg",
	"image/pjpeg":                  "image/jpeg",
	"image/x-png":                  "image/png",
	"image/x-ms-bmp":               "image/bmp",
	"image/x-bmp":                  "image/bmp",
	"application/x-zip-compressed": "application/zip",
	"application/x-zip":            "application/zip",
	"application/x-pdf":            "application/pdf",
	"text/json":                    "application/json",
	"text/x-markdown":              "text/markdown",
	"application/x-gzip":           "application/gzip",
}

// NormalizeMIME приводит MIME-тип к каноническому виду: нижний регистр,
// без параметров, с заменой известных синонимов.
func NormalizeMIME(mimeType string) string {
	mimeType, _, _ = strings.Cut(mimeType, ";")
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if canonical, ok := mimeAliases[mimeType]; ok {
		return canonical
	}
	return mimeType
}
