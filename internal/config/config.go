// Пакет config — загрузка и валидация конфигурации Librarian
// из переменных окружения LIBRARIAN_*.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Бэкенды хранилища метаданных.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config содержит все параметры конфигурации Librarian.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Корень хранилища содержимого (incoming/ и шардовые директории)
	Root string
	// Директория журнала загрузок
	WALDir string
	// Раздел экземпляра: true — закрытый (restricted) librarian
	Restricted bool
	// Максимальный размер загружаемого файла в байтах
	MaxFileSize int64

	// Бэкенд метаданных: postgres или memory
	MetadataBackend string
	DBHost          string
	DBPort          int
	DBName          string
	DBUser          string
	DBPassword      string
	DBSSLMode       string

	// Время жизни TimeLimitedToken
	TokenLifetime time.Duration

	// Базовый URL сервиса авторизации (проверка macaroon)
	AuthServerURL string
	// Таймаут запроса к сервису авторизации
	AuthServerTimeout time.Duration

	// URL JWKS для проверки JWT вызывающих сервисов (пусто — без проверки)
	JWKSUrl string
	// Допустимое расхождение часов при проверке JWT
	JWTLeeway time.Duration

	// Размер и TTL кэша наличия содержимого в S3-зеркале
	LocationCacheSize int
	LocationCacheTTL  time.Duration
	// Max-Age для публичных скачиваний
	PublicCacheMaxAge time.Duration

	// S3-зеркало (пустой бакет — зеркало отключено)
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Период фоновой проверки целостности (0 — отключена)
	VerifyInterval time.Duration

	// Имя экземпляра (вершина графа topologymetrics)
	ServiceID string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string

	// Таймауты HTTP-сервера
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	// Таймаут graceful shutdown
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// LIBRARIAN_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("LIBRARIAN_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("LIBRARIAN_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("LIBRARIAN_PORT: значение %d вне диапазона 1-65535", cfg.Port)
	}

	// LIBRARIAN_ROOT — обязательный
	cfg.Root, err = getEnvRequired("LIBRARIAN_ROOT")
	if err != nil {
		return nil, err
	}

	// LIBRARIAN_WAL_DIR — по умолчанию <root>/wal
	cfg.WALDir = getEnvDefault("LIBRARIAN_WAL_DIR", filepath.Join(cfg.Root, "wal"))

	// LIBRARIAN_RESTRICTED — раздел экземпляра (по умолчанию публичный)
	cfg.Restricted, err = getEnvBool("LIBRARIAN_RESTRICTED", false)
	if err != nil {
		return nil, fmt.Errorf("LIBRARIAN_RESTRICTED: %w", err)
	}

	// LIBRARIAN_MAX_FILE_SIZE — по умолчанию 4 GB
	cfg.MaxFileSize, err = getEnvInt64("LIBRARIAN_MAX_FILE_SIZE", 4<<30)
	if err != nil {
		return nil, fmt.Errorf("LIBRARIAN_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("LIBRARIAN_MAX_FILE_SIZE: значение должно быть положительным")
	}

	// LIBRARIAN_METADATA_BACKEND — postgres (по умолчанию) или memory
	cfg.MetadataBackend = getEnvDefault("LIBRARIAN_METADATA_BACKEND", BackendPostgres)
	switch cfg.MetadataBackend {
	case BackendPostgres:
		if err := loadDatabase(cfg); err != nil {
			return nil, err
		}
	case BackendMemory:
	default:
		return nil, fmt.Errorf("LIBRARIAN_METADATA_BACKEND: недопустимое значение %q, допустимые: postgres, memory",
			cfg.MetadataBackend)
	}

	// LIBRARIAN_TOKEN_LIFETIME — срок жизни токена (по умолчанию 24h)
	cfg.TokenLifetime, err = getEnvDuration("LIBRARIAN_TOKEN_LIFETIME", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("LIBRARIAN_TOKEN_LIFETIME: %w", err)
	}

	// LIBRARIAN_AUTHSERVER_URL — без него macaroon не принимаются
	cfg.AuthServerURL = getEnvDefault("LIBRARIAN_AUTHSERVER_URL", "")
	if cfg.AuthServerURL != "" {
		if u, perr := url.Parse(cfg.AuthServerURL); perr != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("LIBRARIAN_AUTHSERVER_URL: некорректный URL %q", cfg.AuthServerURL)
		}
	}

	// LIBRARIAN_AUTHSERVER_TIMEOUT — таймаут проверки macaroon (по умолчанию 5s)
	cfg.AuthServerTimeout, err = getEnvDuration("LIBRARIAN_AUTHSERVER_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("LIBRARIAN_AUTHSERVER_TIMEOUT: %w", err)
	}
	if cfg.AuthServerTimeout <= 0 {
		return nil, fmt.Errorf("LIBRARIAN_AUTHSERVER_TIMEOUT: значение должно быть положительным")
	}

	cfg.JWKSUrl = getEnvDefault("LIBRARIAN_JWKS_URL", "")

	cfg.JWTLeeway, err = getEnvDuration("LIBRARIAN_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("LIBRARIAN_JWT_LEEWAY: %w", err)
	}

	cfg.LocationCacheSize, err = getEnvInt("LIBRARIAN_LOCATION_CACHE_SIZE", 10000)
	if err != nil {
		return nil, fmt.Errorf("LIBRARIAN_LOCATION_CACHE_SIZE: %w", err)
	}
	if cfg.LocationCacheSize < 0 {
		return nil, fmt.Errorf("LIBRARIAN_LOCATION_CACHE_SIZE: значение не может быть отрицательным")
	}

	cfg.LocationCacheTTL, err = getEnvDuration("LIBRARIAN_LOCATION_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("LIBRARIAN_LOCATION_CACHE_TTL: %w", err)
	}

	cfg.PublicCacheMaxAge, err = getEnvDuration("LIBRARIAN_PUBLIC_CACHE_MAX_AGE", 7*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("LIBRARIAN_PUBLIC_CACHE_MAX_AGE: %w", err)
	}

	// LIBRARIAN_S3_* — зеркало включается заданием бакета
	cfg.S3Bucket = getEnvDefault("LIBRARIAN_S3_BUCKET", "")
	cfg.S3Region = getEnvDefault("LIBRARIAN_S3_REGION", "us-east-1")
	cfg.S3Endpoint = getEnvDefault("LIBRARIAN_S3_ENDPOINT", "")
	cfg.S3AccessKey = getEnvDefault("LIBRARIAN_S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnvDefault("LIBRARIAN_S3_SECRET_KEY", "")
	if (cfg.S3AccessKey == "") != (cfg.S3SecretKey == "") {
		return nil, fmt.Errorf("LIBRARIAN_S3_ACCESS_KEY и LIBRARIAN_S3_SECRET_KEY задаются вместе")
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("LIBRARIAN_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("LIBRARIAN_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("LIBRARIAN_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("LIBRARIAN_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// LIBRARIAN_VERIFY_INTERVAL — фоновая проверка размеров (по умолчанию выключена)
	cfg.VerifyInterval, err = getEnvDuration("LIBRARIAN_VERIFY_INTERVAL", 0)
	if err != nil {
		return nil, fmt.Errorf("LIBRARIAN_VERIFY_INTERVAL: %w", err)
	}

	cfg.DephealthCheckInterval, err = getEnvDuration("LIBRARIAN_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("LIBRARIAN_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	// LIBRARIAN_SERVICE_ID — пусто: имя владельца пода из hostname
	cfg.ServiceID = getEnvDefault("LIBRARIAN_SERVICE_ID", "")
	cfg.DephealthGroup = getEnvDefault("LIBRARIAN_DEPHEALTH_GROUP", "librarian")

	if cfg.HTTPReadTimeout, err = getEnvDuration("LIBRARIAN_HTTP_READ_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("LIBRARIAN_HTTP_READ_TIMEOUT: %w", err)
	}
	// Загрузки больших файлов — запись без жёсткого лимита по умолчанию
	if cfg.HTTPWriteTimeout, err = getEnvDuration("LIBRARIAN_HTTP_WRITE_TIMEOUT", 0); err != nil {
		return nil, fmt.Errorf("LIBRARIAN_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvDuration("LIBRARIAN_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("LIBRARIAN_HTTP_IDLE_TIMEOUT: %w", err)
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("LIBRARIAN_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("LIBRARIAN_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// loadDatabase читает параметры подключения к PostgreSQL.
func loadDatabase(cfg *Config) error {
	var err error

	cfg.DBHost = getEnvDefault("LIBRARIAN_DB_HOST", "localhost")
	cfg.DBPort, err = getEnvInt("LIBRARIAN_DB_PORT", 5432)
	if err != nil {
		return fmt.Errorf("LIBRARIAN_DB_PORT: %w", err)
	}
	cfg.DBName = getEnvDefault("LIBRARIAN_DB_NAME", "librarian")
	cfg.DBUser = getEnvDefault("LIBRARIAN_DB_USER", "librarian")
	cfg.DBPassword, err = getEnvRequired("LIBRARIAN_DB_PASSWORD")
	if err != nil {
		return err
	}
	cfg.DBSSLMode = getEnvDefault("LIBRARIAN_DB_SSL_MODE", "disable")

	validSSL := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSL[cfg.DBSSLMode] {
		return fmt.Errorf("LIBRARIAN_DB_SSL_MODE: недопустимое значение %q", cfg.DBSSLMode)
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL в формате URL.
func (c *Config) DatabaseDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
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

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
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
