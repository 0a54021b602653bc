// Пакет database — PostgreSQL-бэкенд метаданных Librarian: пул pgx,
// встроенные миграции схемы и проверка готовности для /health/ready.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/librarian/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// applicationName виден в pg_stat_activity.
const applicationName = "librarian"

// readyTimeout — предел одного ping при проверке готовности.
const readyTimeout = 3 * time.Second

// Connect открывает пул к базе метаданных и убеждается, что она отвечает.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("DSN PostgreSQL: %w", err)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("пул PostgreSQL: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("PostgreSQL %s:%d недоступен: %w", cfg.DBHost, cfg.DBPort, err)
	}

	logger.Info("База метаданных подключена",
		slog.String("component", "database"),
		slog.String("host", cfg.DBHost),
		slog.String("database", cfg.DBName),
		slog.Int("max_conns", int(poolCfg.MaxConns)),
	)
	return pool, nil
}

// migrateURL переводит DSN в схему pgx5://, которую ждёт драйвер golang-migrate.
func migrateURL(dsn string) string {
	return "pgx5" + strings.TrimPrefix(dsn, "postgres")
}

// Migrate доводит схему content/alias/time_limited_token до последней версии.
func Migrate(cfg *config.Config, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("встроенные миграции: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(cfg.DatabaseDSN()))
	if err != nil {
		return fmt.Errorf("миграции: %w", err)
	}
	defer m.Close()

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("применение миграций: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Схема метаданных актуальна",
		slog.String("component", "database"),
		slog.Uint64("version", uint64(version)),
		slog.Bool("changed", err == nil),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// Pinger — хранилище метаданных: PostgreSQL или in-memory каталог.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessChecker отвечает /health/ready за хранилище метаданных.
type ReadinessChecker struct {
	name string
	db   Pinger
}

// NewReadinessChecker: name — "postgresql" или "memory".
func NewReadinessChecker(name string, db Pinger) *ReadinessChecker {
	return &ReadinessChecker{name: name, db: db}
}

func (c *ReadinessChecker) Name() string {
	return c.name
}

// CheckReady возвращает "ok" или "fail" с причиной.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()

	if err := c.db.Ping(ctx); err != nil {
		return "fail", fmt.Sprintf("%s: %v", c.name, err)
	}
	return "ok", c.name + " отвечает"
}
