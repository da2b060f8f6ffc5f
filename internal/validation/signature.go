package validation

import (
	"bytes"
	"context"
	"fmt"
	"regexp"

	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
)

// Severity — уровень шаблона сигнатурного анализа.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	// SeverityMalware — известная вредоносная сигнатура
	SeverityMalware
)

// String возвращает имя уровня.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityMalware:
		return "malware"
	}
	return "unknown"
}

// Штрафы мягких совпадений. High и Malware — жёсткие.
const (
	weightLow    = 5
	weightMedium = 15
)

func (s Severity) weight() int {
	switch s {
	case SeverityLow:
		return weightLow
	case SeverityMedium:
		return weightMedium
	}
	return 0
}

func (s Severity) hard() bool {
	return s >= SeverityHigh
}

// Matcher проверяет содержимое файла.
type Matcher func(content []byte) bool

// SignaturePattern — элемент таблицы сигнатур.
type SignaturePattern struct {
	Name        string
	Severity    Severity
	Description string
	Match       Matcher
}

// regexMatcher компилирует выражение один раз при инициализации пакета.
func regexMatcher(expr string) Matcher {
	re := regexp.MustCompile(expr)
	return re.Match
}

func literalMatcher(lit string) Matcher {
	b := []byte(lit)
	return func(content []byte) bool {
		return bytes.Contains(content, b)
	}
}

func anyMatcher(matchers ...Matcher) Matcher {
	return func(content []byte) bool {
		for _, m := range matchers {
			if m(content) {
				return true
			}
		}
		return false
	}
}

// Минимальная длина «длинной» base64/hex последовательности.
const minEncodedRun = 256

// runMatcher ищет непрерывную последовательность символов алфавита
// длиной не меньше minLen, для которой accept возвращает true.
// Регулярные выражения RE2 не поддерживают повторы больше 1000,
// поэтому последовательности считаются вручную.
func runMatcher(minLen int, inAlphabet func(byte) bool, accept func(run []byte) bool) Matcher {
	return func(content []byte) bool {
		start := -1
		for i := 0; i <= len(content); i++ {
			if i < len(content) && inAlphabet(content[i]) {
				if start < 0 {
					start = i
				}
				continue
			}
			if start >= 0 && i-start >= minLen && (accept == nil || accept(content[start:i])) {
				return true
			}
			start = -1
		}
		return false
	}
}

func isBase64Byte(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '+' || c == '/'
}

func isHexByte(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// mixedCase отличает base64 от hex-строк и длинных слов в одном регистре.
func mixedCase(run []byte) bool {
	var upper, lower bool
	for _, c := range run {
		switch {
		case c >= 'A' && c <= 'Z':
			upper = true
		case c >= 'a' && c <= 'z':
			lower = true
		}
		if upper && lower {
			return true
		}
	}
	return false
}

// leadingExecutable — полноценный заголовок PE, ELF или Mach-O в начале файла.
func leadingExecutable(content []byte) bool {
	if hasPEHeader(content, 0) || bytes.HasPrefix(content, []byte("\x7fELF")) {
		return true
	}
	exe, ok := executableHeader(content)
	return ok && exe == typeMachO
}

// Выражения eval-цепочек с декодером. Используются и для хвоста изображений.
var (
	phpEvalDecoder = regexMatcher(`(?i)eval\s*\(\s*(?:base64_decode|gzinflate|gzuncompress|gzdecode|str_rot13)\s*\(`)
	jsEvalDecoder  = regexMatcher(`(?i)(?:eval|new\s+function)\s*\(\s*(?:atob|unescape|decodeuricomponent|string\.fromcharcode)\s*\(`)
)

// KnownMalwareSignatures — известные вредоносные сигнатуры (жёсткий отказ).
var KnownMalwareSignatures = []SignaturePattern{
	{
		Name:        "eicar-test-file",
		Severity:    SeverityMalware,
		Description: "EICAR antivirus test file",
		Match:       literalMatcher("EICAR-STANDARD-ANTIVIRUS-TEST-FILE"),
	},
	{
		Name:        "executable-header",
		Severity:    SeverityMalware,
		Description: "executable file header (PE/ELF/Mach-O)",
		Match:       leadingExecutable,
	},
	{
		Name:        "base64-pe-header",
		Severity:    SeverityMalware,
		Description: "base64-encoded PE executable header",
		Match:       anyMatcher(literalMatcher("TVqQAAMAAAAEAAAA"), literalMatcher("TVpQAAIAAAAEAA")),
	},
	{
		Name:        "php-webshell-decoder",
		Severity:    SeverityMalware,
		Description: "PHP eval of decoded payload (webshell)",
		Match:       phpEvalDecoder,
	},
	{
		Name:        "php-webshell-request-exec",
		Severity:    SeverityMalware,
		Description: "PHP execution of request parameters (webshell)",
		Match:       regexMatcher(`(?i)(?:assert|system|exec|passthru|shell_exec|popen|proc_open)\s*\(\s*\$_(?:get|post|request|cookie)\b`),
	},
	{
		Name:        "webshell-family",
		Severity:    SeverityMalware,
		Description: "known webshell family marker",
		Match:       regexMatcher(`(?i)\b(?:c99shell|r57shell|b374k|wso\s+shell)\b`),
	},
	{
		Name:        "js-eval-decoder",
		Severity:    SeverityMalware,
		Description: "JavaScript eval of decoded payload",
		Match:       jsEvalDecoder,
	},
}

// SuspiciousPatterns — подозрительные шаблоны с уровнями low/medium/high.
var SuspiciousPatterns = []SignaturePattern{
	{
		Name:        "base64-run",
		Severity:    SeverityLow,
		Description: "large base64-encoded block",
		Match:       runMatcher(minEncodedRun, isBase64Byte, mixedCase),
	},
	{
		Name:        "hex-run",
		Severity:    SeverityLow,
		Description: "large hex-encoded block",
		Match:       runMatcher(minEncodedRun, isHexByte, nil),
	},
	{
		Name:        "eval-call",
		Severity:    SeverityLow,
		Description: "eval() call",
		Match:       regexMatcher(`(?i)\beval\s*\(`),
	},
	{
		Name:        "char-code-obfuscation",
		Severity:    SeverityLow,
		Description: "String.fromCharCode obfuscation",
		Match:       regexMatcher(`(?i)string\.fromcharcode\s*\(`),
	},
	{
		Name:        "disposable-domain-url",
		Severity:    SeverityLow,
		Description: "URL on a disposable domain",
		Match: anyMatcher(
			regexMatcher(`(?i)https?://[a-z0-9.-]+\.(?:tk|ml|ga|cf|gq|top|xyz|click|zip|mov|su)(?:[/:?#"'<>\s]|$)`),
			regexMatcher(`(?i)https?://(?:[a-z0-9-]+\.)*(?:mailinator\.com|guerrillamail\.[a-z]+|10minutemail\.[a-z]+|temp-mail\.org|yopmail\.com|transfer\.sh|ngrok\.io|ngrok-free\.app)\b`),
		),
	},
	{
		Name:        "script-tag",
		Severity:    SeverityMedium,
		Description: "embedded <script> tag",
		Match:       regexMatcher(`(?i)<script[\s>/]`),
	},
	{
		Name:        "javascript-uri",
		Severity:    SeverityMedium,
		Description: "javascript: URI",
		Match:       regexMatcher(`(?i)(?:href|src|action|formaction|url)\s*[=(]\s*["']?\s*javascript\s*:`),
	},
	{
		Name:        "inline-event-handler",
		Severity:    SeverityMedium,
		Description: "inline HTML event handler",
		Match:       regexMatcher(`(?i)<[a-z][^<>]*\son(?:load|error|click|mouseover|focus|submit|toggle|animationstart)\s*=`),
	},
	{
		Name:        "activex-object",
		Severity:    SeverityMedium,
		Description: "ActiveXObject instantiation",
		Match:       regexMatcher(`(?i)activexobject`),
	},
	{
		Name:        "wscript-shell",
		Severity:    SeverityHigh,
		Description: "WScript.Shell automation",
		Match:       regexMatcher(`(?i)wscript\.shell`),
	},
	{
		Name:        "powershell-encoded",
		Severity:    SeverityHigh,
		Description: "PowerShell encoded command",
		Match:       regexMatcher(`(?i)powershell(?:\.exe)?[^\n]{0,80}\s-(?:e|en|enc|encodedcommand)\s`),
	},
	{
		Name:        "cmd-exec",
		Severity:    SeverityHigh,
		Description: "cmd.exe /c command execution",
		Match:       regexMatcher(`(?i)\bcmd(?:\.exe)?\s+/c\s`),
	},
	{
		Name:        "document-write-unescape",
		Severity:    SeverityHigh,
		Description: "document.write(unescape()) obfuscation",
		Match:       regexMatcher(`(?i)document\.write\s*\(\s*unescape\s*\(`),
	},
}

// SignatureScanner сопоставляет содержимое с таблицами сигнатур.
type SignatureScanner struct {
	malware     []SignaturePattern
	suspicious  []SignaturePattern
	limit       int
	officeLimit int
}

// NewSignatureScanner создаёт сканер со стандартными таблицами.
func NewSignatureScanner(th Thresholds) *SignatureScanner {
	return &SignatureScanner{
		malware:     KnownMalwareSignatures,
		suspicious:  SuspiciousPatterns,
		limit:       th.SuspiciousPatternLimit,
		officeLimit: th.OfficePatternLimit,
	}
}

// Name возвращает имя детектора.
func (s *SignatureScanner) Name() string { return "signature" }

// Detect сопоставляет содержимое с таблицами сигнатур.
func (s *SignatureScanner) Detect(ctx context.Context, in *Input) ([]model.AnalysisFinding, error) {
	var findings []model.AnalysisFinding

	for _, p := range s.malware {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.Match(in.Content) {
			findings = append(findings, model.AnalysisFinding{
				Category:    model.CategorySignature,
				Description: "known malware signature: " + p.Description,
				Hard:        true,
			})
		}
	}

	matched := 0
	for _, p := range s.suspicious {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !p.Match(in.Content) {
			continue
		}
		matched++
		findings = append(findings, model.AnalysisFinding{
			Category:       model.CategoryBehavioral,
			Description:    fmt.Sprintf("suspicious pattern (%s): %s", p.Severity, p.Description),
			SeverityWeight: p.Severity.weight(),
			Hard:           p.Severity.hard(),
		})
	}

	limit := s.limit
	if in.IsOfficeContainer() {
		limit = s.officeLimit
	}
	if limit > 0 && matched >= limit {
		findings = append(findings, model.AnalysisFinding{
			Category:    model.CategoryBehavioral,
			Description: fmt.Sprintf("too many suspicious patterns: %d (limit %d)", matched, limit),
			Hard:        true,
		})
	}

	return findings, nil
}
