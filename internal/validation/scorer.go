package validation

import (
	"fmt"

	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
)

// Границы шкалы уверенности.
const (
	maxConfidence = 100
	minConfidence = 0
)

// Score — итог оценки наблюдений.
type Score struct {
	// Confidence — уверенность в безопасности файла (0..100)
	Confidence int
	// Accepted — файл может быть принят
	Accepted bool
	// Reasons — причины отказа (пусто при приёме)
	Reasons []string
	// Warnings — мягкие наблюдения при приёме
	Warnings []string
}

// ConfidenceScorer сводит наблюдения к уверенности и решению.
type ConfidenceScorer struct {
	minConfidence int
}

// NewConfidenceScorer создаёт оценщик с порогом приёма.
func NewConfidenceScorer(minConfidence int) *ConfidenceScorer {
	return &ConfidenceScorer{minConfidence: minConfidence}
}

// Score вычисляет уверенность: начальное значение 100, мягкие
// наблюдения вычитают свой вес, любое жёсткое обнуляет уверенность
// и отклоняет файл безусловно. Результат детерминирован и зависит
// только от набора и порядка наблюдений.
func (s *ConfidenceScorer) Score(findings []model.AnalysisFinding) Score {
	confidence := maxConfidence
	var hard, soft []string

	for _, f := range findings {
		if f.Hard {
			hard = append(hard, f.Description)
			continue
		}
		if f.SeverityWeight > 0 {
			confidence -= f.SeverityWeight
			soft = append(soft, f.Description)
		}
	}

	if confidence < minConfidence {
		confidence = minConfidence
	}

	if len(hard) > 0 {
		return Score{Confidence: minConfidence, Reasons: hard}
	}

	if confidence < s.minConfidence {
		reasons := make([]string, 0, len(soft)+1)
		reasons = append(reasons, fmt.Sprintf("confidence %d below threshold %d", confidence, s.minConfidence))
		reasons = append(reasons, soft...)
		return Score{Confidence: confidence, Reasons: reasons}
	}

	return Score{Confidence: confidence, Accepted: true, Warnings: soft}
}
