package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-guard/internal/storage/filestore"
)

// ReasonTimeout — причина отказа при истечении времени проверки.
const ReasonTimeout = "validation timed out"

// ErrCancelled — проверка прервана отменой контекста (клиент отключился).
var ErrCancelled = errors.New("проверка отменена")

// dangerousExt — исполняемые и серверные скриптовые расширения.
var dangerousExt = map[string]struct{}{
	"exe": {}, "scr": {}, "bat": {}, "cmd": {}, "com": {}, "pif": {}, "vbs": {},
	"vbe": {}, "js": {}, "jse": {}, "wsf": {}, "wsh": {}, "msi": {}, "jar": {},
	"ps1": {}, "psm1": {}, "sh": {}, "bash": {}, "php": {}, "php3": {}, "php4": {},
	"php5": {}, "php7": {}, "phtml": {}, "phar": {}, "asp": {}, "aspx": {}, "jsp": {},
	"cgi": {}, "pl": {}, "py": {}, "hta": {}, "dll": {}, "lnk": {}, "reg": {},
	"cpl": {}, "apk": {}, "elf": {}, "run": {}, "svg": {}, "html": {}, "htm": {},
}

// decoyExt — расширения, которыми обычно маскируют исполняемый файл.
var decoyExt = map[string]struct{}{
	"pdf": {}, "doc": {}, "docx": {}, "xls": {}, "xlsx": {}, "ppt": {}, "pptx": {},
	"odt": {}, "rtf": {}, "txt": {}, "csv": {}, "jpg": {}, "jpeg": {}, "png": {},
	"gif": {}, "bmp": {}, "webp": {}, "zip": {}, "rar": {}, "mp3": {}, "mp4": {},
	"avi": {}, "mov": {}, "json": {}, "md": {},
}

// Validator — оркестратор конвейера проверки.
type Validator struct {
	policy    Policy
	scorer    *ConfidenceScorer
	malware   []SignaturePattern
	detectors []Detector
	logger    *slog.Logger
}

// New создаёт оркестратор. Сигнатурный и структурный анализаторы
// подключаются всегда; extra добавляются после них в заданном порядке.
func New(policy Policy, th Thresholds, logger *slog.Logger, extra ...Detector) *Validator {
	detectors := []Detector{NewSignatureScanner(th), NewStructuralAnalyzer(th)}
	detectors = append(detectors, extra...)

	return &Validator{
		policy:    policy,
		scorer:    NewConfidenceScorer(th.MinConfidence),
		malware:   KnownMalwareSignatures,
		detectors: detectors,
		logger:    logger.With(slog.String("component", "validator")),
	}
}

// Policy возвращает политику ограничений.
func (v *Validator) Policy() Policy {
	return v.policy
}

// DetectorNames возвращает имена подключённых детекторов в порядке вызова.
func (v *Validator) DetectorNames() []string {
	names := make([]string, len(v.detectors))
	for i, d := range v.detectors {
		names[i] = d.Name()
	}
	return names
}

// Validate проверяет файл кандидата и возвращает вердикт.
//
// Ошибка возвращается при системном сбое (чтение файла, паника
// декодера, отказ детектора) и при отмене ctx (ErrCancelled). Отказ по
// политике или безопасности — обычный результат. Истечение срока ctx
// между этапами — отказ RejectInterrupted, если жёстких совпадений
// к этому моменту не найдено. Файл не перемещается и не изменяется.
func (v *Validator) Validate(ctx context.Context, cand *model.FileCandidate) (*model.ValidationVerdict, error) {
	verdict := &model.ValidationVerdict{
		SanitizedName: filestore.SanitizeName(cand.OriginalName),
	}

	// Хэш считается всегда: по нему ключуются записи карантина
	hash, err := filestore.HashFile(cand.Path)
	if err != nil {
		return nil, err
	}
	verdict.ContentHash = hash

	info, err := os.Stat(cand.Path)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения информации о файле: %w", err)
	}
	verdict.ByteLength = info.Size()

	if stop, err := interrupt(ctx, verdict, nil); stop {
		return verdictOrError(verdict, err)
	}

	var content []byte
	if v.policy.MaxFileSize <= 0 || verdict.ByteLength <= v.policy.MaxFileSize {
		content, err = os.ReadFile(cand.Path)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения файла: %w", err)
		}
	}

	ext := strings.ToLower(filepath.Ext(verdict.SanitizedName))
	declared := NormalizeMIME(cand.DeclaredType)

	// Быстрый отсев: имя, расширение, заявленный тип, размер
	switch {
	case suspiciousDoubleExtension(verdict.SanitizedName):
		verdict.Reject(model.RejectSecurity, "suspicious double extension: "+verdict.SanitizedName)
	case ext == "":
		verdict.Reject(model.RejectPolicy, "file has no extension")
	case !v.policy.ExtensionAllowed(ext):
		verdict.Reject(model.RejectPolicy, fmt.Sprintf("extension %s is not allowed", ext))
	case !v.policy.MimeAllowed(declared):
		verdict.Reject(model.RejectPolicy, fmt.Sprintf("declared type %q is not allowed", declared))
	case verdict.ByteLength == 0:
		verdict.Reject(model.RejectPolicy, "file is empty")
	case v.policy.MaxFileSize > 0 && verdict.ByteLength > v.policy.MaxFileSize:
		verdict.Reject(model.RejectPolicy, fmt.Sprintf("file size %d exceeds maximum %d", verdict.ByteLength, v.policy.MaxFileSize))
	}
	if len(verdict.Reasons) > 0 {
		v.screenKnownMalware(verdict, content)
		return verdict, nil
	}

	sniffed := Sniff(content)
	if sniffed.Type != unknownType {
		verdict.DetectedType = sniffed.Type
	}
	if !typesCompatible(declared, sniffed) {
		verdict.Reject(model.RejectSecurity, fmt.Sprintf("type spoofing: declared %s, detected %s", declared, sniffed.Type))
		v.screenKnownMalware(verdict, content)
		return verdict, nil
	}

	in := &Input{
		Path:         cand.Path,
		Content:      content,
		Extension:    ext,
		DeclaredType: declared,
		DetectedType: sniffed.Type,
		DeclaredKind: KindOf(declared),
		DetectedKind: KindOf(sniffed.Type),
	}

	var findings []model.AnalysisFinding
	for _, d := range v.detectors {
		if stop, err := interrupt(ctx, verdict, findings); stop {
			return verdictOrError(verdict, err)
		}

		found, err := d.Detect(ctx, in)
		if err != nil {
			if stop, ierr := interrupt(ctx, verdict, findings); stop {
				return verdictOrError(verdict, ierr)
			}
			return nil, fmt.Errorf("детектор %s: %w", d.Name(), err)
		}
		findings = append(findings, found...)
	}

	score := v.scorer.Score(findings)
	verdict.Findings = findings
	verdict.Confidence = score.Confidence
	if score.Accepted {
		verdict.IsAccepted = true
		verdict.Warnings = score.Warnings
	} else {
		for _, r := range score.Reasons {
			verdict.Reject(model.RejectSecurity, r)
		}
	}

	v.logger.Debug("Проверка завершена",
		slog.String("content_hash", verdict.ContentHash),
		slog.Bool("accepted", verdict.IsAccepted),
		slog.Int("confidence", verdict.Confidence),
		slog.Int("findings", len(findings)),
	)

	return verdict, nil
}

// screenKnownMalware дополняет ранний отказ совпадениями с известными
// вредоносными сигнатурами, чтобы они не терялись за отказом по политике.
func (v *Validator) screenKnownMalware(verdict *model.ValidationVerdict, content []byte) {
	for _, p := range v.malware {
		if !p.Match(content) {
			continue
		}
		f := model.AnalysisFinding{
			Category:    model.CategorySignature,
			Description: "known malware signature: " + p.Description,
			Hard:        true,
		}
		verdict.Findings = append(verdict.Findings, f)
		verdict.Reject(model.RejectSecurity, f.Description)
	}
}

// interrupt завершает проверку, если ctx отменён или истёк.
// Отмена — ошибка ErrCancelled. Истечение срока — отказ RejectInterrupted;
// найденные до этого жёсткие совпадения сохраняют отказ безопасности.
func interrupt(ctx context.Context, verdict *model.ValidationVerdict, findings []model.AnalysisFinding) (bool, error) {
	err := ctx.Err()
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, context.DeadlineExceeded):
		return true, fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	verdict.Findings = findings
	if !verdict.HasHardFinding("") {
		verdict.Reject(model.RejectInterrupted, ReasonTimeout)
		return true, nil
	}
	for _, f := range findings {
		if f.Hard {
			verdict.Reject(model.RejectSecurity, f.Description)
		}
	}
	verdict.Reject(model.RejectSecurity, ReasonTimeout)
	return true, nil
}

func verdictOrError(verdict *model.ValidationVerdict, err error) (*model.ValidationVerdict, error) {
	if err != nil {
		return nil, err
	}
	return verdict, nil
}

// suspiciousDoubleExtension — исполняемое расширение внутри имени
// (shell.php.jpg) или после «приманки» (invoice.pdf.exe).
func suspiciousDoubleExtension(name string) bool {
	parts := strings.Split(strings.ToLower(name), ".")
	if len(parts) < 3 {
		return false
	}
	exts := parts[1:]
	last := exts[len(exts)-1]
	inner := exts[:len(exts)-1]

	for _, e := range inner {
		if _, ok := dangerousExt[e]; ok {
			return true
		}
	}
	if _, ok := dangerousExt[last]; ok {
		for _, e := range inner {
			if _, ok := decoyExt[e]; ok {
				return true
			}
		}
	}
	return false
}
