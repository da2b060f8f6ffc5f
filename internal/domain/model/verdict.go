// Пакет model — доменные модели Upload Guard.
// Структуры используются как in-memory представление и как формат
// сопутствующих файлов (*.attr.json) и записей журнала безопасности.
package model

// FileCandidate — загруженный, но ещё не классифицированный файл.
// Байты лежат во временной директории и принадлежат конвейеру
// до момента перемещения в карантин или безопасное хранилище.
type FileCandidate struct {
	// Path — путь к временному файлу на диске
	Path string
	// OriginalName — имя файла, заявленное клиентом
	OriginalName string
	// DeclaredType — MIME-тип, заявленный клиентом
	DeclaredType string
	// Size — размер файла в байтах
	Size int64
}

// FindingCategory — категория наблюдения анализатора.
type FindingCategory string

const (
	CategorySignature     FindingCategory = "signature"
	CategorySteganography FindingCategory = "steganography"
	CategoryMetadata      FindingCategory = "metadata"
	CategoryBehavioral    FindingCategory = "behavioral"
	CategoryStructural    FindingCategory = "structural"
)

// AnalysisFinding — одно наблюдение сигнатурного или структурного анализа.
type AnalysisFinding struct {
	// Category — категория наблюдения
	Category FindingCategory `json:"category"`
	// Description — человекочитаемое описание
	Description string `json:"description"`
	// SeverityWeight — штраф к уверенности (0 — без штрафа)
	SeverityWeight int `json:"severity_weight,omitempty"`
	// Hard — жёсткое совпадение: отклоняет файл независимо от уверенности
	Hard bool `json:"hard,omitempty"`
}

// RejectKind — класс отказа.
type RejectKind string

const (
	// RejectNone — файл принят
	RejectNone RejectKind = ""
	// RejectPolicy — файл не прошёл ограничения конфигурации (размер, расширение, MIME).
	// Такие файлы удаляются, а не помещаются в карантин.
	RejectPolicy RejectKind = "policy"
	// RejectSecurity — файл признан подозрительным или вредоносным
	RejectSecurity RejectKind = "security"
	// RejectInterrupted — проверка не завершилась за отведённое время.
	// Файл удаляется, запись карантина не создаётся: вердикт о содержимом не вынесен.
	RejectInterrupted RejectKind = "interrupted"
)

// ValidationVerdict — результат конвейера проверки для одного файла.
//
// Инварианты: Quarantined ⇒ !IsAccepted; !IsAccepted ⇒ len(Reasons) > 0.
type ValidationVerdict struct {
	IsAccepted    bool     `json:"is_accepted"`
	Reasons       []string `json:"reasons"`
	SanitizedName string   `json:"sanitized_name"`
	// DetectedType — тип по magic bytes, пусто если определить не удалось
	DetectedType string `json:"detected_type,omitempty"`
	// ContentHash — SHA-256 содержимого, 64 hex-символа в нижнем регистре
	ContentHash string `json:"content_hash"`
	ByteLength  int64  `json:"byte_length"`
	Quarantined bool   `json:"quarantined"`

	// Confidence — итоговая уверенность в безопасности файла (0..100)
	Confidence int `json:"confidence"`
	// Findings — все наблюдения анализаторов
	Findings []AnalysisFinding `json:"findings,omitempty"`
	// Warnings — мягкие наблюдения для принятого файла
	Warnings   []string   `json:"warnings,omitempty"`
	RejectKind RejectKind `json:"reject_kind,omitempty"`
}

// Reject переводит вердикт в состояние отказа с указанной причиной.
func (v *ValidationVerdict) Reject(kind RejectKind, reason string) {
	v.IsAccepted = false
	v.RejectKind = kind
	v.Reasons = append(v.Reasons, reason)
}

// HasHardFinding сообщает, содержит ли вердикт жёсткое совпадение
// указанной категории. Пустая категория — любая.
func (v *ValidationVerdict) HasHardFinding(category FindingCategory) bool {
	for _, f := range v.Findings {
		if f.Hard && (category == "" || f.Category == category) {
			return true
		}
	}
	return false
}

// ContentHashLen — длина SHA-256 в hex-представлении.
const ContentHashLen = 64

// IsValidContentHash проверяет формат хэша: 64 hex-символа в нижнем регистре.
func IsValidContentHash(s string) bool {
	if len(s) != ContentHashLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
