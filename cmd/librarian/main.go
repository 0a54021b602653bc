// Точка входа Librarian — content-addressed хранилища файлов с alias
// и контролем доступа.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/librarian/internal/api"
	"github.com/bigkaa/librarian/internal/api/handlers"
	"github.com/bigkaa/librarian/internal/api/middleware"
	"github.com/bigkaa/librarian/internal/authserver"
	"github.com/bigkaa/librarian/internal/catalog"
	"github.com/bigkaa/librarian/internal/config"
	"github.com/bigkaa/librarian/internal/database"
	"github.com/bigkaa/librarian/internal/repository"
	"github.com/bigkaa/librarian/internal/server"
	"github.com/bigkaa/librarian/internal/service"
	"github.com/bigkaa/librarian/internal/storage/filestore"
	"github.com/bigkaa/librarian/internal/storage/index"
	"github.com/bigkaa/librarian/internal/storage/remote"
	"github.com/bigkaa/librarian/internal/storage/wal"
)

const (
	// Таймаут HTTP-клиента JWKS
	jwksClientTimeout = 10 * time.Second
	// Интервал обновления JWKS-ключей
	jwksRefreshInterval = 15 * time.Minute
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Имя экземпляра по умолчанию — владелец пода (Deployment/StatefulSet)
	if cfg.ServiceID == "" {
		cfg.ServiceID = resolveServiceID()
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Librarian запускается",
		slog.String("service_id", cfg.ServiceID),
		slog.String("version", config.Version),
		slog.Bool("restricted", cfg.Restricted),
		slog.String("metadata_backend", cfg.MetadataBackend),
		slog.Int("port", cfg.Port),
	)

	ctx := context.Background()

	// --- Инициализация компонентов ---

	// 1. Файловое хранилище
	store, err := filestore.New(cfg.Root)
	if err != nil {
		logger.Error("Ошибка инициализации FileStore", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Журнал загрузок
	journal, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		logger.Error("Ошибка инициализации журнала", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 3. Хранилище метаданных
	var (
		meta    catalog.Store
		checker *database.ReadinessChecker
		pool    *pgxpool.Pool
		sqlDB   *sql.DB
	)
	switch cfg.MetadataBackend {
	case config.BackendMemory:
		idx := index.New(logger, index.WithOccupied(store.HasFile))
		meta = idx
		checker = database.NewReadinessChecker("memory", idx)
		logger.Warn("Метаданные хранятся в памяти и теряются при перезапуске")
	default:
		if err := database.Migrate(cfg, logger); err != nil {
			logger.Error("Ошибка миграций", slog.String("error", err.Error()))
			os.Exit(1)
		}
		pool, err = database.Connect(ctx, cfg, logger)
		if err != nil {
			logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		repo := repository.New(pool)
		meta = repo
		checker = database.NewReadinessChecker("postgresql", repo)
		// *sql.DB поверх пула для SQL checker topologymetrics
		sqlDB = stdlib.OpenDBFromPool(pool)
	}

	// 4. Сервис загрузок и восстановление журнала
	uploadSvc := service.NewUploadService(store, meta, journal, cfg.Restricted, cfg.MaxFileSize, logger)
	recovered, err := uploadSvc.RecoverJournal()
	if err != nil {
		logger.Error("Ошибка восстановления журнала", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if recovered > 0 {
		logger.Warn("Незавершённые загрузки откачены", slog.Int("count", recovered))
	}

	// 5. S3-зеркало (опционально)
	var (
		mirrorReader handlers.MirrorReader
		accessOpts   []service.AccessOption
	)
	if cfg.S3Bucket != "" {
		mirror, err := remote.New(ctx, remote.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, logger)
		if err != nil {
			logger.Error("Ошибка инициализации S3-зеркала", slog.String("error", err.Error()))
			os.Exit(1)
		}
		mirrorReader = mirror
		accessOpts = append(accessOpts, service.WithMirror(mirror))
		logger.Info("S3-зеркало подключено", slog.String("bucket", cfg.S3Bucket))
	}

	// 6. Кэш наличия в зеркале и сервис авторизации
	if mirrorReader != nil && cfg.LocationCacheSize > 0 {
		accessOpts = append(accessOpts, service.WithLocationCache(
			service.NewLocationCache(cfg.LocationCacheSize, cfg.LocationCacheTTL)))
	}
	if cfg.AuthServerURL != "" {
		accessOpts = append(accessOpts, service.WithMacaroonVerifier(
			authserver.New(cfg.AuthServerURL, cfg.AuthServerTimeout, logger)))
		logger.Info("Проверка macaroon включена",
			slog.String("authserver_url", cfg.AuthServerURL),
			slog.String("timeout", cfg.AuthServerTimeout.String()),
		)
	} else {
		logger.Warn("LIBRARIAN_AUTHSERVER_URL не задан, запросы с macaroon будут отклоняться")
	}

	// 7. Сервисы
	accessSvc := service.NewAccessService(meta, store, cfg.Restricted, cfg.TokenLifetime, logger, accessOpts...)
	aliasSvc := service.NewAliasService(meta, cfg.Restricted, logger)

	// 8. Фоновые процессы

	// 8.1 Проверка целостности
	verifySvc := service.NewVerifyService(meta, store, cfg.VerifyInterval, logger)
	verifySvc.Start(ctx)

	// 8.2 topologymetrics — мониторинг зависимостей
	var deps handlers.DependencyHealth
	dephealthSvc, dephealthErr := service.NewDephealthService(
		cfg.ServiceID,
		cfg.DephealthGroup,
		service.DephealthTargets{
			DB:            sqlDB,
			PgURL:         pgURL(cfg),
			AuthServerURL: cfg.AuthServerURL,
			JWKSURL:       cfg.JWKSUrl,
		},
		cfg.DephealthCheckInterval,
		logger,
	)
	switch {
	case errors.Is(dephealthErr, service.ErrNoDependencies):
		logger.Info("Внешних зависимостей нет, topologymetrics не запускается")
	case dephealthErr != nil:
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	default:
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			deps = dephealthSvc
			logger.Info("topologymetrics запущен",
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 9. OpenAPI-документ
	doc, err := api.LoadSpec(ctx)
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 10. Handlers
	h := server.Handlers{
		Files: handlers.NewFilesHandler(uploadSvc, accessSvc, store, mirrorReader,
			cfg.MaxFileSize, cfg.PublicCacheMaxAge, logger),
		Contents:    handlers.NewContentsHandler(aliasSvc),
		Maintenance: handlers.NewMaintenanceHandler(verifySvc),
		Health:      handlers.NewHealthHandler(cfg.Root, cfg.WALDir, checker, deps),
		System:      handlers.NewSystemHandler(cfg, doc, diskUsageFn(cfg.Root)),
	}

	// 11. JWT middleware
	var jwtAuth *middleware.JWTAuth
	if cfg.JWKSUrl != "" {
		jwtAuth, err = middleware.NewJWTAuth(middleware.JWKSConfig{
			URL:             cfg.JWKSUrl,
			ClientTimeout:   jwksClientTimeout,
			RefreshInterval: jwksRefreshInterval,
			Leeway:          cfg.JWTLeeway,
		}, logger)
		if err != nil {
			logger.Error("Ошибка инициализации JWT", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("JWT аутентификация настроена", slog.String("jwks_url", cfg.JWKSUrl))
	} else {
		logger.Warn("LIBRARIAN_JWKS_URL не задан, API загрузки работает без аутентификации")
	}

	// 12. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, h, jwtAuth)

	runErr := srv.Run(ctx)
	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	verifySvc.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	if sqlDB != nil {
		_ = sqlDB.Close()
	}
	if pool != nil {
		pool.Close()
	}

	logger.Info("Librarian остановлен")
	if runErr != nil {
		os.Exit(1)
	}
}

// pgURL — URL PostgreSQL без учётных данных для лейблов topologymetrics.
func pgURL(cfg *config.Config) string {
	if cfg.MetadataBackend == config.BackendMemory {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%d/%s", cfg.DBHost, cfg.DBPort, cfg.DBName)
}

// diskUsageFn возвращает функцию для получения информации об ёмкости диска.
func diskUsageFn(root string) handlers.DiskUsageFunc {
	return func() (int64, int64, int64, error) {
		return getDiskUsage(root)
	}
}
