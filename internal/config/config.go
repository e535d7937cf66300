// Пакет config — загрузка и валидация конфигурации catalog-storage
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

	"golang.org/x/text/language"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации catalog-storage.
type Config struct {
	// Порт HTTP-сервера health/metrics
	Port int
	// Корень хранилища (public/, protected/, .tmp/, .trash/)
	DataDir string
	// Путь к директории WAL (по умолчанию <DataDir>/.wal)
	WALDir string
	// Размер кэша содержимого в записях, 0 выключает кэш
	CacheSize int
	// Время жизни записи кэша
	CacheTTL time.Duration
	// Интервал запуска GC
	GCInterval time.Duration
	// Возраст, после которого temp файл считается брошенным
	TempMaxAge time.Duration
	// Интервал автоматической сверки
	ReconcileInterval time.Duration
	// Язык сортировки по имени по умолчанию (BCP 47)
	SortLanguage string
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

	// CS_PORT — порт HTTP-сервера (по умолчанию 8090)
	port, err := getEnvInt("CS_PORT", 8090)
	if err != nil {
		return nil, fmt.Errorf("CS_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("CS_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	// CS_DATA_DIR — обязательный
	cfg.DataDir, err = getEnvRequired("CS_DATA_DIR")
	if err != nil {
		return nil, err
	}

	cfg.WALDir = getEnvDefault("CS_WAL_DIR", filepath.Join(cfg.DataDir, ".wal"))

	// CS_CACHE_SIZE — размер кэша содержимого (по умолчанию 1024)
	cfg.CacheSize, err = getEnvInt("CS_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("CS_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize < 0 {
		return nil, fmt.Errorf("CS_CACHE_SIZE: значение не может быть отрицательным")
	}

	cfg.CacheTTL, err = getEnvDuration("CS_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("CS_CACHE_TTL: %w", err)
	}

	// CS_GC_INTERVAL — интервал GC (по умолчанию 1h)
	cfg.GCInterval, err = getEnvPositiveDuration("CS_GC_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}

	// CS_TEMP_MAX_AGE — возраст брошенного temp файла (по умолчанию 24h)
	cfg.TempMaxAge, err = getEnvPositiveDuration("CS_TEMP_MAX_AGE", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	// CS_RECONCILE_INTERVAL — интервал сверки (по умолчанию 6h)
	cfg.ReconcileInterval, err = getEnvPositiveDuration("CS_RECONCILE_INTERVAL", 6*time.Hour)
	if err != nil {
		return nil, err
	}

	// CS_SORT_LANGUAGE — BCP 47 тег языка сортировки (по умолчанию sk)
	cfg.SortLanguage = getEnvDefault("CS_SORT_LANGUAGE", "sk")
	if _, err := language.Parse(cfg.SortLanguage); err != nil {
		return nil, fmt.Errorf("CS_SORT_LANGUAGE: недопустимый тег языка %q", cfg.SortLanguage)
	}

	// CS_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("CS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("CS_LOG_LEVEL: %w", err)
	}

	// CS_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("CS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("CS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// CS_SHUTDOWN_TIMEOUT — таймаут graceful shutdown HTTP-сервера (по умолчанию 5s).
	// GC и сверка останавливаются после сервера и дожидаются текущего прохода.
	cfg.ShutdownTimeout, err = getEnvDuration("CS_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
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
	return d, nil
}

// getEnvPositiveDuration — getEnvDuration для интервалов тикеров,
// time.NewTicker не принимает значения <= 0.
func getEnvPositiveDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := getEnvDuration(key, defaultVal)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: значение должно быть положительным, получено %s", key, d)
	}
	return d, nil
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
