package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	clamd "github.com/dutchcoders/go-clamd"

	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
)

// clamdScanner — подмножество API clamd, используемое детектором.
type clamdScanner interface {
	ScanStream(r io.Reader, abort chan bool) (chan *clamd.ScanResult, error)
}

// ErrScanUnavailable — clamd недоступен или не смог просканировать файл.
var ErrScanUnavailable = errors.New("антивирусная проверка недоступна")

// ClamAVDetector отправляет содержимое в clamd через INSTREAM.
// По умолчанию недоступность clamd не блокирует загрузки: ошибка
// логируется, файл проверяется остальными детекторами. С failClosed
// Detect возвращает ErrScanUnavailable и загрузка завершается системной ошибкой.
type ClamAVDetector struct {
	client     clamdScanner
	addr       string
	failClosed bool
	logger     *slog.Logger
}

// NewClamAVDetector создаёт детектор для адреса clamd
// (tcp://host:3310 или unix:///var/run/clamd.sock).
func NewClamAVDetector(addr string, failClosed bool, logger *slog.Logger) *ClamAVDetector {
	return &ClamAVDetector{
		client:     clamd.NewClamd(addr),
		addr:       addr,
		failClosed: failClosed,
		logger:     logger.With(slog.String("component", "clamav")),
	}
}

// Name возвращает имя детектора.
func (d *ClamAVDetector) Name() string { return "clamav" }

// Detect сканирует содержимое. Найденная сигнатура — жёсткое наблюдение.
func (d *ClamAVDetector) Detect(ctx context.Context, in *Input) ([]model.AnalysisFinding, error) {
	abort := make(chan bool)
	defer close(abort)

	results, err := d.client.ScanStream(bytes.NewReader(in.Content), abort)
	if err != nil {
		if d.failClosed {
			return nil, fmt.Errorf("%w: %w", ErrScanUnavailable, err)
		}
		d.logger.Warn("clamd недоступен, проверка пропущена",
			slog.String("addr", d.addr),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}

	var findings []model.AnalysisFinding
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res, ok := <-results:
			if !ok {
				return findings, nil
			}
			switch res.Status {
			case clamd.RES_FOUND:
				findings = append(findings, model.AnalysisFinding{
					Category:    model.CategorySignature,
					Description: "known malware signature: antivirus match " + res.Description,
					Hard:        true,
				})
			case clamd.RES_ERROR, clamd.RES_PARSE_ERROR:
				if d.failClosed {
					return nil, fmt.Errorf("%w: %s", ErrScanUnavailable, res.Raw)
				}
				d.logger.Warn("Ошибка сканирования clamd",
					slog.String("addr", d.addr),
					slog.String("raw", res.Raw),
				)
			}
		}
	}
}
