// Пакет catalog — контракт хранилища метаданных Librarian.
//
// Реализации:
//   - repository.Store — PostgreSQL (production)
//   - index.Catalog — in-memory (тесты, LIBRARIAN_METADATA_BACKEND=memory)
//
// Обе реализации обязаны соблюдать одинаковую семантику: раздел
// (restricted/public) задаётся вызывающим кодом, удалённые внешним GC
// записи возвращают ErrNotFound.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/bigkaa/librarian/internal/domain/model"
)

// Ошибки хранилища метаданных.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — запись с таким ключом уже существует.
	ErrConflict = errors.New("конфликт — запись уже существует")
)

// Catalog — операции над метаданными содержимого, alias и токенов.
type Catalog interface {
	// LockDigest сериализует фиксации с одинаковым SHA-1 до конца транзакции.
	// Вне транзакции — no-op.
	LockDigest(ctx context.Context, sha1 string) error

	// LookupBySHA1 возвращает ID всех Content с данным SHA-1 (по возрастанию).
	LookupBySHA1(ctx context.Context, sha1 string) ([]int64, error)

	// GetContent возвращает Content по ID или ErrNotFound.
	GetContent(ctx context.Context, id int64) (*model.Content, error)

	// CreateContent создаёт запись Content. При c.ID == 0 ID выделяется
	// из последовательности; иначе используется заданный (bulk import),
	// занятый ID даёт ErrConflict. Заполняет c.ID и c.DateCreated.
	CreateContent(ctx context.Context, c *model.Content) error

	// ListContents возвращает до limit записей с ID > afterID по возрастанию ID.
	ListContents(ctx context.Context, afterID int64, limit int) ([]model.Content, error)

	// AddAlias создаёт alias. Заполняет a.ID и a.DateCreated.
	// ErrNotFound, если Content не существует.
	AddAlias(ctx context.Context, a *model.Alias) error

	// GetAliases возвращает alias содержимого из указанного раздела по возрастанию ID.
	GetAliases(ctx context.Context, contentID int64, restricted bool) ([]model.AliasInfo, error)

	// GetServedAlias возвращает alias с его Content, если alias принадлежит
	// разделу restricted и запись Content существует. Иначе ErrNotFound.
	GetServedAlias(ctx context.Context, aliasID int64, restricted bool) (*model.ServedAlias, error)

	// AddToken сохраняет TimeLimitedToken (Token — дайджест, не сырой токен).
	AddToken(ctx context.Context, tok *model.TimeLimitedToken) error

	// FindValidToken проверяет наличие токена с дайджестом digest для пути
	// path, созданного строго позже createdAfter.
	FindValidToken(ctx context.Context, digest, path string, createdAfter time.Time) (bool, error)
}

// Store — Catalog с поддержкой транзакций.
type Store interface {
	Catalog

	// RunInTx выполняет fn в транзакции. Ошибка fn откатывает все изменения,
	// сделанные через tx; иначе изменения фиксируются атомарно.
	RunInTx(ctx context.Context, fn func(tx Catalog) error) error

	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error
}
