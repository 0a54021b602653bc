package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/librarian/internal/catalog"
	"github.com/bigkaa/librarian/internal/config"
	"github.com/bigkaa/librarian/internal/database"
	"github.com/bigkaa/librarian/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер и применяет миграции.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("librarian_test"),
		postgres.WithUsername("librarian"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("LIBRARIAN_ROOT", t.TempDir())
	t.Setenv("LIBRARIAN_DB_HOST", host)
	t.Setenv("LIBRARIAN_DB_PORT", port.Port())
	t.Setenv("LIBRARIAN_DB_NAME", "librarian_test")
	t.Setenv("LIBRARIAN_DB_USER", "librarian")
	t.Setenv("LIBRARIAN_DB_PASSWORD", "test-password")
	t.Setenv("LIBRARIAN_DB_SSL_MODE", "disable")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

func testContent(sha1 string) *model.Content {
	return &model.Content{
		FileSize: 11,
		SHA1:     sha1,
		MD5:      "5eb63bbbe01eeed093cb22bb8f5acdc3",
		SHA256:   "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
	}
}

// TestContentAndAliases проверяет создание Content и alias с фильтром раздела.
func TestContentAndAliases(t *testing.T) {
	store := New(setupTestDB(t))
	ctx := context.Background()

	c := testContent("2aae6c35c94fcfb415dbe95f408b9ce91ee846ed")
	if err := store.CreateContent(ctx, c); err != nil {
		t.Fatalf("CreateContent: %v", err)
	}
	if c.ID == 0 || c.DateCreated.IsZero() {
		t.Fatalf("ID и DateCreated должны быть заполнены: %+v", c)
	}

	pub := &model.Alias{ContentID: c.ID, Filename: "greeting.txt", Mimetype: "text/plain"}
	priv := &model.Alias{ContentID: c.ID, Filename: "secret.txt", Mimetype: "text/plain", Restricted: true}
	for _, a := range []*model.Alias{pub, priv} {
		if err := store.AddAlias(ctx, a); err != nil {
			t.Fatalf("AddAlias: %v", err)
		}
	}

	public, err := store.GetAliases(ctx, c.ID, false)
	if err != nil {
		t.Fatalf("GetAliases: %v", err)
	}
	if len(public) != 1 || public[0].Filename != "greeting.txt" {
		t.Errorf("публичный раздел: %+v", public)
	}

	served, err := store.GetServedAlias(ctx, priv.ID, true)
	if err != nil {
		t.Fatalf("GetServedAlias: %v", err)
	}
	if served.Content.SHA1 != c.SHA1 {
		t.Errorf("неверный Content: %+v", served.Content)
	}
	if _, err := store.GetServedAlias(ctx, priv.ID, false); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("закрытый alias в публичном разделе: %v", err)
	}

	ids, err := store.LookupBySHA1(ctx, c.SHA1)
	if err != nil || len(ids) != 1 || ids[0] != c.ID {
		t.Errorf("LookupBySHA1: %v %v", ids, err)
	}
}

// TestCreateContent_ExplicitID проверяет bulk import и сдвиг последовательности.
func TestCreateContent_ExplicitID(t *testing.T) {
	store := New(setupTestDB(t))
	ctx := context.Background()

	c := testContent("a")
	c.ID = 1000
	if err := store.CreateContent(ctx, c); err != nil {
		t.Fatalf("CreateContent: %v", err)
	}

	dup := testContent("b")
	dup.ID = 1000
	if err := store.CreateContent(ctx, dup); !errors.Is(err, catalog.ErrConflict) {
		t.Fatalf("ожидалась ErrConflict, получено: %v", err)
	}

	next := testContent("c")
	if err := store.CreateContent(ctx, next); err != nil {
		t.Fatalf("CreateContent: %v", err)
	}
	if next.ID <= 1000 {
		t.Errorf("последовательность должна быть сдвинута за 1000, получен ID %d", next.ID)
	}
}

// TestAddAlias_MissingContent проверяет ErrNotFound при нарушении внешнего ключа.
func TestAddAlias_MissingContent(t *testing.T) {
	store := New(setupTestDB(t))
	err := store.AddAlias(context.Background(), &model.Alias{ContentID: 424242, Filename: "x", Mimetype: "y"})
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("ожидалась ErrNotFound, получено: %v", err)
	}
}

// TestRunInTx_Rollback проверяет откат транзакции.
func TestRunInTx_Rollback(t *testing.T) {
	store := New(setupTestDB(t))
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.RunInTx(ctx, func(tx catalog.Catalog) error {
		if err := tx.CreateContent(ctx, testContent("rollback")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("ожидалась ошибка boom, получено: %v", err)
	}

	ids, _ := store.LookupBySHA1(ctx, "rollback")
	if len(ids) != 0 {
		t.Errorf("после отката не должно быть Content: %v", ids)
	}
}

// TestLockDigest_SerializesCommits проверяет, что параллельные фиксации
// одного SHA-1 создают ровно один Content.
func TestLockDigest_SerializesCommits(t *testing.T) {
	store := New(setupTestDB(t))
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.RunInTx(ctx, func(tx catalog.Catalog) error {
				if err := tx.LockDigest(ctx, "race"); err != nil {
					return err
				}
				ids, err := tx.LookupBySHA1(ctx, "race")
				if err != nil || len(ids) > 0 {
					return err
				}
				return tx.CreateContent(ctx, testContent("race"))
			})
			if err != nil {
				t.Errorf("ошибка транзакции: %v", err)
			}
		}()
	}
	wg.Wait()

	ids, _ := store.LookupBySHA1(ctx, "race")
	if len(ids) != 1 {
		t.Errorf("ожидался ровно 1 Content, получено %d", len(ids))
	}
}

// TestFindValidToken проверяет срок жизни и привязку к пути.
func TestFindValidToken(t *testing.T) {
	store := New(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	fresh := &model.TimeLimitedToken{Path: "/1/a.txt", Token: "fresh", Created: now.Add(-23*time.Hour - 59*time.Minute)}
	stale := &model.TimeLimitedToken{Path: "/2/b.txt", Token: "stale", Created: now.Add(-24*time.Hour - time.Minute)}
	for _, tok := range []*model.TimeLimitedToken{fresh, stale} {
		if err := store.AddToken(ctx, tok); err != nil {
			t.Fatalf("AddToken: %v", err)
		}
	}

	cutoff := now.Add(-24 * time.Hour)
	if ok, _ := store.FindValidToken(ctx, "fresh", "/1/a.txt", cutoff); !ok {
		t.Error("свежий токен должен быть действителен")
	}
	if ok, _ := store.FindValidToken(ctx, "stale", "/2/b.txt", cutoff); ok {
		t.Error("устаревший токен не должен быть действителен")
	}
	if ok, _ := store.FindValidToken(ctx, "fresh", "/2/b.txt", cutoff); ok {
		t.Error("токен не должен подходить к другому пути")
	}
}
