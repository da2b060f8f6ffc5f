package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
)

// AlertSeverity — критичность синтетической записи-оповещения.
const AlertSeverity = model.MaxSeverity

// AlertNotifier — внешний получатель оповещений.
type AlertNotifier interface {
	NotifyAlert(ctx context.Context, alert *model.SecurityLogEntry) error
}

// evaluateLocked пересчитывает события типа entry за окно и при
// достижении порога пишет оповещение. Вызывается под l.mu.
func (l *Logger) evaluateLocked(entry *model.SecurityLogEntry) *model.SecurityLogEntry {
	threshold, ok := l.opts.Thresholds[entry.EventType]
	if !ok || threshold <= 0 {
		return nil
	}

	since := entry.Timestamp.Add(-l.opts.Window)
	count := 0
	err := l.scan(since, entry.Timestamp, func(e *model.SecurityLogEntry) bool {
		if e.EventType == entry.EventType && !e.Timestamp.Before(since) {
			count++
		}
		return true
	})
	if err != nil {
		l.logger.Error("Ошибка подсчёта событий для оповещения",
			slog.String("event_type", string(entry.EventType)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if count < threshold {
		return nil
	}

	alert, err := l.appendLocked(Event{
		Level:   model.LevelCritical,
		Type:    model.EventSystem,
		Message: fmt.Sprintf("alert: %d %s events in the last %s (threshold %d)", count, entry.EventType, l.opts.Window, threshold),
		Details: map[string]any{
			"alert":      true,
			"event_type": string(entry.EventType),
			"count":      count,
			"threshold":  threshold,
			"window":     l.opts.Window.String(),
			"trigger_id": entry.ID,
		},
		Severity: AlertSeverity,
	})
	if err != nil {
		l.logger.Error("Ошибка записи оповещения",
			slog.String("event_type", string(entry.EventType)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	alertsTotal.WithLabelValues(string(entry.EventType)).Inc()
	return alert
}

// notify передаёт оповещение внешнему получателю. Ошибка не
// влияет на запись в журнал.
func (l *Logger) notify(ctx context.Context, alert *model.SecurityLogEntry) {
	if l.opts.Notifier == nil {
		return
	}
	if err := l.opts.Notifier.NotifyAlert(ctx, alert); err != nil {
		l.logger.Warn("Не удалось отправить оповещение",
			slog.String("alert_id", alert.ID),
			slog.String("error", err.Error()),
		)
	}
}

// IsAlert сообщает, является ли запись синтетическим оповещением.
func IsAlert(e *model.SecurityLogEntry) bool {
	if e.EventType != model.EventSystem || e.Details == nil {
		return false
	}
	v, ok := e.Details["alert"].(bool)
	return ok && v
}

// ThresholdsFromConfig приводит пороги из конфигурации к типам событий.
// Пороги допускаются только для malware-detected, quarantine и suspicious-activity.
func ThresholdsFromConfig(raw map[string]int) (map[model.EventType]int, error) {
	out := make(map[model.EventType]int, len(raw))
	for key, n := range raw {
		et := model.EventType(key)
		switch et {
		case model.EventMalwareDetected, model.EventQuarantine, model.EventSuspiciousActivity:
		default:
			return nil, fmt.Errorf("порог оповещения для типа %q не поддерживается", key)
		}
		if n < 1 {
			return nil, fmt.Errorf("порог оповещения для %q должен быть >= 1", key)
		}
		out[et] = n
	}
	return out, nil
}

// NATSNotifier публикует оповещения в NATS.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSNotifier подключается к NATS. Переподключение бесконечное.
func NewNATSNotifier(url, subject string, logger *slog.Logger) (*NATSNotifier, error) {
	logger = logger.With(slog.String("component", "nats"))

	conn, err := nats.Connect(url,
		nats.Name("upload-guard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS отключён", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS переподключён", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к NATS %s: %w", url, err)
	}

	return &NATSNotifier{conn: conn, subject: subject, logger: logger}, nil
}

// NotifyAlert публикует оповещение в subject.
func (n *NATSNotifier) NotifyAlert(_ context.Context, alert *model.SecurityLogEntry) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("ошибка сериализации оповещения: %w", err)
	}
	return n.conn.Publish(n.subject, data)
}

// Close дожидается отправки буфера и закрывает соединение.
func (n *NATSNotifier) Close() error {
	return n.conn.Drain()
}
