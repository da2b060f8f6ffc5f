// Пакет config — загрузка и валидация конфигурации Upload Guard
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Расширения и MIME-типы, разрешённые по умолчанию.
const (
	defaultAllowedExtensions = ".jpg,.jpeg,.png,.gif,.bmp,.webp,.pdf,.txt,.csv,.json,.md,.zip,.docx,.xlsx,.pptx,.odt"
	defaultAllowedMimeTypes  = "image/jpeg,image/jpg,image/png,image/gif,image/bmp,image/webp," +
		"application/pdf,text/plain,text/csv,application/json,text/markdown,application/zip," +
		"application/x-zip-compressed," +
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document," +
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet," +
		"application/vnd.openxmlformats-officedocument.presentationml.presentation," +
		"application/vnd.oasis.opendocument.text"
	defaultAlertThresholds = "malware-detected=3,quarantine=5,suspicious-activity=10"
)

// Config содержит все параметры конфигурации Upload Guard.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Корневая директория данных
	DataDir string
	// Директория безопасного хранилища (публично доступные файлы)
	SafeDir string
	// Директория карантина (недоступна через публичный путь)
	QuarantineDir string
	// Директория журнала безопасности
	LogDir string
	// Директория временных файлов загрузки. Должна быть на той же ФС,
	// что и хранилища, чтобы перемещение было атомарным rename.
	TempDir string

	// Максимальный размер файла в байтах
	MaxFileSize int64
	// Разрешённые расширения (в нижнем регистре, с точкой)
	AllowedExtensions []string
	// Разрешённые заявленные MIME-типы
	AllowedMimeTypes []string

	// Максимум одновременных проверок
	MaxConcurrentValidations int64
	// Таймаут проверки одного файла (по истечении — отказ)
	ValidationTimeout time.Duration

	// Пороги эвристик конвейера проверки
	MinConfidence          int
	EntropyBombThreshold   float64
	EntropyHighThreshold   float64
	MaxCompressionRatio    float64
	AppendedDataRatio      float64
	MetadataBlockLimit     int
	SuspiciousPatternLimit int
	OfficePatternLimit     int

	// Журнал безопасности
	LogMaxSegmentBytes int64
	LogRetentionCount  int
	LogRetentionDays   int
	AlertThresholds    map[string]int
	AlertWindow        time.Duration
	AlertMinSeverity   int
	JanitorInterval    time.Duration

	// URL JWKS endpoint. Пусто — аутентификация отключена.
	JWKSUrl string
	// Путь к CA-сертификату для проверки TLS JWKS endpoint (опционально)
	JWKSCACert string
	// Отключить проверку TLS JWKS endpoint (только для dev-среды)
	JWKSTLSSkipVerify bool
	// Scope для административных endpoints
	AdminScope string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration

	// Адрес clamd (tcp://host:3310 или unix:///path). Пусто — не используется.
	ClamAVAddr string
	// Отказывать в загрузке при недоступности clamd (по умолчанию — пропуск проверки)
	ClamAVFailClosed bool
	// URL NATS для публикации оповещений. Пусто — не используется.
	NATSURL string
	// Subject NATS для оповещений
	NATSAlertSubject string

	// Путь к TLS сертификату (опционально)
	TLSCert string
	// Путь к TLS приватному ключу (опционально)
	TLSKey string
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// UG_PORT — порт HTTP-сервера (по умолчанию 8030)
	port, err := getEnvInt("UG_PORT", 8030)
	if err != nil {
		return nil, fmt.Errorf("UG_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("UG_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	// UG_DATA_DIR — обязательный
	cfg.DataDir, err = getEnvRequired("UG_DATA_DIR")
	if err != nil {
		return nil, err
	}
	cfg.SafeDir = getEnvDefault("UG_SAFE_DIR", filepath.Join(cfg.DataDir, "safe"))
	cfg.QuarantineDir = getEnvDefault("UG_QUARANTINE_DIR", filepath.Join(cfg.DataDir, "quarantine"))
	cfg.LogDir = getEnvDefault("UG_LOG_DIR", filepath.Join(cfg.DataDir, "security-logs"))
	cfg.TempDir = getEnvDefault("UG_TEMP_DIR", filepath.Join(cfg.DataDir, "tmp"))
	if cfg.SafeDir == cfg.QuarantineDir {
		return nil, fmt.Errorf("UG_QUARANTINE_DIR: не может совпадать с UG_SAFE_DIR")
	}

	// UG_MAX_FILE_SIZE — максимальный размер файла (по умолчанию 10 MB)
	cfg.MaxFileSize, err = getEnvInt64("UG_MAX_FILE_SIZE", 10<<20)
	if err != nil {
		return nil, fmt.Errorf("UG_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("UG_MAX_FILE_SIZE: значение должно быть положительным")
	}

	cfg.AllowedExtensions = normalizeExtensions(getEnvList("UG_ALLOWED_EXTENSIONS", defaultAllowedExtensions))
	if len(cfg.AllowedExtensions) == 0 {
		return nil, fmt.Errorf("UG_ALLOWED_EXTENSIONS: список не может быть пустым")
	}
	cfg.AllowedMimeTypes = getEnvList("UG_ALLOWED_MIME_TYPES", defaultAllowedMimeTypes)
	if len(cfg.AllowedMimeTypes) == 0 {
		return nil, fmt.Errorf("UG_ALLOWED_MIME_TYPES: список не может быть пустым")
	}

	cfg.MaxConcurrentValidations, err = getEnvInt64("UG_MAX_CONCURRENT_VALIDATIONS", 8)
	if err != nil {
		return nil, fmt.Errorf("UG_MAX_CONCURRENT_VALIDATIONS: %w", err)
	}
	if cfg.MaxConcurrentValidations < 1 {
		return nil, fmt.Errorf("UG_MAX_CONCURRENT_VALIDATIONS: значение должно быть >= 1")
	}

	cfg.ValidationTimeout, err = getEnvDuration("UG_VALIDATION_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("UG_VALIDATION_TIMEOUT: %w", err)
	}

	if err := loadThresholds(cfg); err != nil {
		return nil, err
	}

	// --- Журнал безопасности ---

	cfg.LogMaxSegmentBytes, err = getEnvInt64("UG_LOG_MAX_SEGMENT_BYTES", 10<<20)
	if err != nil {
		return nil, fmt.Errorf("UG_LOG_MAX_SEGMENT_BYTES: %w", err)
	}
	if cfg.LogMaxSegmentBytes <= 0 {
		return nil, fmt.Errorf("UG_LOG_MAX_SEGMENT_BYTES: значение должно быть положительным")
	}

	cfg.LogRetentionCount, err = getEnvInt("UG_LOG_RETENTION_COUNT", 10)
	if err != nil {
		return nil, fmt.Errorf("UG_LOG_RETENTION_COUNT: %w", err)
	}
	if cfg.LogRetentionCount < 1 {
		return nil, fmt.Errorf("UG_LOG_RETENTION_COUNT: значение должно быть >= 1")
	}

	cfg.LogRetentionDays, err = getEnvInt("UG_LOG_RETENTION_DAYS", 30)
	if err != nil {
		return nil, fmt.Errorf("UG_LOG_RETENTION_DAYS: %w", err)
	}
	if cfg.LogRetentionDays < 1 {
		return nil, fmt.Errorf("UG_LOG_RETENTION_DAYS: значение должно быть >= 1")
	}

	cfg.AlertThresholds, err = parseThresholds(getEnvDefault("UG_ALERT_THRESHOLDS", defaultAlertThresholds))
	if err != nil {
		return nil, fmt.Errorf("UG_ALERT_THRESHOLDS: %w", err)
	}

	cfg.AlertWindow, err = getEnvDuration("UG_ALERT_WINDOW", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("UG_ALERT_WINDOW: %w", err)
	}

	cfg.AlertMinSeverity, err = getEnvInt("UG_ALERT_MIN_SEVERITY", 7)
	if err != nil {
		return nil, fmt.Errorf("UG_ALERT_MIN_SEVERITY: %w", err)
	}
	if cfg.AlertMinSeverity < 1 || cfg.AlertMinSeverity > 10 {
		return nil, fmt.Errorf("UG_ALERT_MIN_SEVERITY: значение %d вне диапазона 1-10", cfg.AlertMinSeverity)
	}

	cfg.JanitorInterval, err = getEnvDuration("UG_JANITOR_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("UG_JANITOR_INTERVAL: %w", err)
	}

	// --- Внешние зависимости (все опциональны) ---

	cfg.JWKSUrl = getEnvDefault("UG_JWKS_URL", "")
	cfg.JWKSCACert = getEnvDefault("UG_JWKS_CA_CERT", "")
	cfg.JWKSTLSSkipVerify, err = getEnvBool("UG_JWKS_TLS_SKIP_VERIFY", false)
	if err != nil {
		return nil, fmt.Errorf("UG_JWKS_TLS_SKIP_VERIFY: %w", err)
	}
	cfg.AdminScope = getEnvDefault("UG_ADMIN_SCOPE", "guard:admin")
	cfg.DephealthCheckInterval, err = getEnvDuration("UG_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("UG_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	cfg.ClamAVAddr = getEnvDefault("UG_CLAMAV_ADDR", "")
	cfg.ClamAVFailClosed, err = getEnvBool("UG_CLAMAV_FAIL_CLOSED", false)
	if err != nil {
		return nil, fmt.Errorf("UG_CLAMAV_FAIL_CLOSED: %w", err)
	}
	cfg.NATSURL = getEnvDefault("UG_NATS_URL", "")
	cfg.NATSAlertSubject = getEnvDefault("UG_NATS_ALERT_SUBJECT", "security.alerts")

	// UG_TLS_CERT / UG_TLS_KEY — задаются парой
	cfg.TLSCert = getEnvDefault("UG_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("UG_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("UG_TLS_CERT и UG_TLS_KEY должны задаваться вместе")
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("UG_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("UG_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("UG_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("UG_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("UG_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("UG_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// loadThresholds загружает пороги эвристик. Значения подобраны эмпирически
// и вынесены в конфигурацию для калибровки на размеченном корпусе.
func loadThresholds(cfg *Config) error {
	var err error

	cfg.MinConfidence, err = getEnvInt("UG_MIN_CONFIDENCE", 50)
	if err != nil {
		return fmt.Errorf("UG_MIN_CONFIDENCE: %w", err)
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 100 {
		return fmt.Errorf("UG_MIN_CONFIDENCE: значение %d вне диапазона 0-100", cfg.MinConfidence)
	}

	cfg.EntropyBombThreshold, err = getEnvFloat("UG_ENTROPY_BOMB_THRESHOLD", 2.0)
	if err != nil {
		return fmt.Errorf("UG_ENTROPY_BOMB_THRESHOLD: %w", err)
	}
	cfg.EntropyHighThreshold, err = getEnvFloat("UG_ENTROPY_HIGH_THRESHOLD", 7.8)
	if err != nil {
		return fmt.Errorf("UG_ENTROPY_HIGH_THRESHOLD: %w", err)
	}
	if cfg.EntropyBombThreshold < 0 || cfg.EntropyHighThreshold > 8 || cfg.EntropyBombThreshold >= cfg.EntropyHighThreshold {
		return fmt.Errorf("UG_ENTROPY_*_THRESHOLD: ожидается 0 <= bomb < high <= 8")
	}

	cfg.MaxCompressionRatio, err = getEnvFloat("UG_MAX_COMPRESSION_RATIO", 100)
	if err != nil {
		return fmt.Errorf("UG_MAX_COMPRESSION_RATIO: %w", err)
	}
	cfg.AppendedDataRatio, err = getEnvFloat("UG_APPENDED_DATA_RATIO", 2.5)
	if err != nil {
		return fmt.Errorf("UG_APPENDED_DATA_RATIO: %w", err)
	}
	if cfg.MaxCompressionRatio <= 1 || cfg.AppendedDataRatio <= 1 {
		return fmt.Errorf("UG_MAX_COMPRESSION_RATIO и UG_APPENDED_DATA_RATIO должны быть > 1")
	}

	cfg.MetadataBlockLimit, err = getEnvInt("UG_METADATA_BLOCK_LIMIT", 64<<10)
	if err != nil {
		return fmt.Errorf("UG_METADATA_BLOCK_LIMIT: %w", err)
	}
	cfg.SuspiciousPatternLimit, err = getEnvInt("UG_SUSPICIOUS_PATTERN_LIMIT", 3)
	if err != nil {
		return fmt.Errorf("UG_SUSPICIOUS_PATTERN_LIMIT: %w", err)
	}
	cfg.OfficePatternLimit, err = getEnvInt("UG_OFFICE_PATTERN_LIMIT", 5)
	if err != nil {
		return fmt.Errorf("UG_OFFICE_PATTERN_LIMIT: %w", err)
	}
	if cfg.MetadataBlockLimit <= 0 || cfg.SuspiciousPatternLimit < 1 || cfg.OfficePatternLimit < cfg.SuspiciousPatternLimit {
		return fmt.Errorf("UG_*_PATTERN_LIMIT: ожидается 1 <= suspicious <= office, metadata > 0")
	}

	return nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvList разбирает список через запятую, пустые элементы отбрасываются.
func getEnvList(key, defaultVal string) []string {
	raw := getEnvDefault(key, defaultVal)
	var result []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvFloat возвращает float64 значение переменной окружения или значение по умолчанию.
func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	if d <= 0 {
		return 0, fmt.Errorf("длительность должна быть положительной: %q", val)
	}
	return d, nil
}

// normalizeExtensions приводит расширения к виду ".ext".
func normalizeExtensions(exts []string) []string {
	result := make([]string, 0, len(exts))
	for _, ext := range exts {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		result = append(result, ext)
	}
	return result
}

// parseThresholds разбирает строку вида "quarantine=5,malware-detected=3".
func parseThresholds(raw string) (map[string]int, error) {
	result := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, val, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("ожидается формат тип=порог, получено %q", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("порог для %q должен быть целым >= 1", key)
		}
		result[strings.TrimSpace(key)] = n
	}
	return result, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
