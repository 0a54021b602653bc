// commands.go — подкоманды librarian-tool.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"

	"github.com/bigkaa/librarian/internal/config"
	"github.com/bigkaa/librarian/internal/database"
	"github.com/bigkaa/librarian/internal/repository"
	"github.com/bigkaa/librarian/internal/service"
	"github.com/bigkaa/librarian/internal/storage/filestore"
	"github.com/bigkaa/librarian/internal/storage/remote"
)

// runPath печатает относительный путь файла для каждого ID.
// Конфигурация не нужна: путь зависит только от ID.
func runPath(_ context.Context, env *environment, args []string) error {
	flagSet := pflag.NewFlagSet("path", pflag.ContinueOnError)
	flagSet.Usage = func() {
		fmt.Fprintln(env.stderr, "Использование: librarian-tool path <content_id>...")
	}
	if help, err := parseFlags(env, flagSet, args); help || err != nil {
		return err
	}
	if flagSet.NArg() == 0 {
		flagSet.Usage()
		return errUsage
	}

	for _, arg := range flagSet.Args() {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id < 1 {
			return fmt.Errorf("некорректный content_id %q", arg)
		}
		fmt.Fprintln(env.stdout, filestore.ResolvePath(id))
	}
	return nil
}

// rangeFlags — общие флаги диапазона ID.
type rangeFlags struct {
	from int64
	to   int64
}

func (r *rangeFlags) add(flagSet *pflag.FlagSet) {
	flagSet.Int64Var(&r.from, "from", 1, "первый ID содержимого")
	flagSet.Int64Var(&r.to, "to", 0, "последний ID содержимого (0 — до конца)")
}

func (r *rangeFlags) validate() error {
	if r.from < 1 {
		return fmt.Errorf("--from должен быть >= 1")
	}
	if r.to != 0 && r.to < r.from {
		return fmt.Errorf("--to (%d) меньше --from (%d)", r.to, r.from)
	}
	return nil
}

// runVerify выполняет проверку целостности и печатает отчёт в JSON.
// Ненулевой код выхода, если найдены проблемы.
func runVerify(ctx context.Context, env *environment, args []string) error {
	var (
		ids       rangeFlags
		checksums bool
	)
	flagSet := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	ids.add(flagSet)
	flagSet.BoolVar(&checksums, "checksums", false, "пересчитывать SHA-1/MD5/SHA-256 (медленно)")
	if help, err := parseFlags(env, flagSet, args); help || err != nil {
		return err
	}
	if err := ids.validate(); err != nil {
		return err
	}

	rt, err := openSession(ctx, env)
	if err != nil {
		return err
	}
	defer rt.close()

	verifySvc := service.NewVerifyService(rt.meta, rt.files, 0, rt.logger)
	report, _, err := verifySvc.RunOnce(ctx, service.VerifyOptions{
		FromID:    ids.from,
		ToID:      ids.to,
		Checksums: checksums,
	})
	if err != nil {
		return err
	}
	if err := writeReport(env.stdout, report); err != nil {
		return err
	}
	if len(report.Issues) > 0 {
		return fmt.Errorf("найдено проблем: %d", len(report.Issues))
	}
	return nil
}

// runFeedS3 выгружает диапазон содержимого в S3-зеркало.
func runFeedS3(ctx context.Context, env *environment, args []string) error {
	var ids rangeFlags
	flagSet := pflag.NewFlagSet("feed-s3", pflag.ContinueOnError)
	ids.add(flagSet)
	if help, err := parseFlags(env, flagSet, args); help || err != nil {
		return err
	}
	if err := ids.validate(); err != nil {
		return err
	}

	rt, err := openSession(ctx, env)
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.cfg.S3Bucket == "" {
		return errors.New("LIBRARIAN_S3_BUCKET не задан")
	}
	mirror, err := remote.New(ctx, remote.Config{
		Bucket:    rt.cfg.S3Bucket,
		Region:    rt.cfg.S3Region,
		Endpoint:  rt.cfg.S3Endpoint,
		AccessKey: rt.cfg.S3AccessKey,
		SecretKey: rt.cfg.S3SecretKey,
	}, rt.logger)
	if err != nil {
		return err
	}

	report, err := service.NewMirrorService(rt.meta, rt.files, mirror, rt.logger).Feed(ctx, ids.from, ids.to)
	if report != nil {
		if werr := writeReport(env.stdout, report); werr != nil && err == nil {
			err = werr
		}
	}
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("не выгружено объектов: %d", report.Failed)
	}
	return nil
}

// runGrantToken выпускает TimeLimitedToken для пути /{alias_id}/{filename}
// и печатает сырой токен.
func runGrantToken(ctx context.Context, env *environment, args []string) error {
	flagSet := pflag.NewFlagSet("grant-token", pflag.ContinueOnError)
	flagSet.Usage = func() {
		fmt.Fprintln(env.stderr, "Использование: librarian-tool grant-token /<alias_id>/<filename>")
	}
	if help, err := parseFlags(env, flagSet, args); help || err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return errUsage
	}

	rt, err := openSession(ctx, env)
	if err != nil {
		return err
	}
	defer rt.close()

	access := service.NewAccessService(rt.meta, rt.files, rt.cfg.Restricted, rt.cfg.TokenLifetime, rt.logger)
	token, err := access.GrantToken(ctx, flagSet.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, token)
	return nil
}

// runMigrate применяет миграции схемы.
func runMigrate(_ context.Context, env *environment, args []string) error {
	flagSet := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	if help, err := parseFlags(env, flagSet, args); help || err != nil {
		return err
	}

	cfg, logger, err := loadConfig(env)
	if err != nil {
		return err
	}
	if cfg.MetadataBackend != config.BackendPostgres {
		return errors.New("миграции применимы только к LIBRARIAN_METADATA_BACKEND=postgres")
	}
	return database.Migrate(cfg, logger)
}

// session — подключённые хранилища для подкоманд.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	files  *filestore.FileStore
	meta   *repository.Store
	pool   *pgxpool.Pool
}

func (rt *session) close() {
	rt.pool.Close()
}

// loadConfig читает конфигурацию сервера. Логи пишутся в stderr,
// stdout остаётся для результата команды.
func loadConfig(env *environment) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("конфигурация: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(env.stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	return cfg, logger, nil
}

// openSession открывает файловое хранилище и PostgreSQL.
// In-memory метаданные живут только в процессе сервера, утилите они недоступны.
func openSession(ctx context.Context, env *environment) (*session, error) {
	cfg, logger, err := loadConfig(env)
	if err != nil {
		return nil, err
	}
	if cfg.MetadataBackend != config.BackendPostgres {
		return nil, errors.New("утилита работает только с LIBRARIAN_METADATA_BACKEND=postgres")
	}

	files, err := filestore.New(cfg.Root)
	if err != nil {
		return nil, err
	}
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return &session{
		cfg:    cfg,
		logger: logger,
		files:  files,
		meta:   repository.New(pool),
		pool:   pool,
	}, nil
}

// writeReport печатает отчёт в JSON с отступами.
func writeReport(w io.Writer, report any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
