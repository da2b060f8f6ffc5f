package model

import "time"

// LogLevel — уровень записи журнала безопасности.
type LogLevel string

const (
	LevelInfo     LogLevel = "info"
	LevelWarning  LogLevel = "warning"
	LevelError    LogLevel = "error"
	LevelCritical LogLevel = "critical"
)

// Valid проверяет, что уровень входит в допустимый набор.
func (l LogLevel) Valid() bool {
	switch l {
	case LevelInfo, LevelWarning, LevelError, LevelCritical:
		return true
	}
	return false
}

// EventType — тип события журнала безопасности.
type EventType string

const (
	EventUpload             EventType = "upload"
	EventValidation         EventType = "validation"
	EventQuarantine         EventType = "quarantine"
	EventMalwareDetected    EventType = "malware-detected"
	EventSuspiciousActivity EventType = "suspicious-activity"
	EventSystem             EventType = "system"
	EventAccessAttempt      EventType = "access-attempt"
)

// Valid проверяет, что тип события входит в допустимый набор.
func (e EventType) Valid() bool {
	switch e {
	case EventUpload, EventValidation, EventQuarantine, EventMalwareDetected,
		EventSuspiciousActivity, EventSystem, EventAccessAttempt:
		return true
	}
	return false
}

// Границы шкалы критичности.
const (
	MinSeverity = 1
	MaxSeverity = 10
)

// SecurityLogEntry — неизменяемая запись журнала безопасности.
// Хранится одной JSON-строкой в сегменте дня.
type SecurityLogEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	EventType EventType      `json:"event_type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Severity  int            `json:"severity"`
}

// ClampSeverity приводит значение к диапазону 1..10.
func ClampSeverity(s int) int {
	if s < MinSeverity {
		return MinSeverity
	}
	if s > MaxSeverity {
		return MaxSeverity
	}
	return s
}
