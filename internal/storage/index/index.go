// Пакет index — потокобезопасный in-memory каталог метаданных.
//
// Реализует catalog.Store без внешней БД: используется в unit-тестах
// и в режиме LIBRARIAN_METADATA_BACKEND=memory.
//
// Не персистентный: при рестарте каталог пуст, файлы на диске остаются.
// Чтобы новые ID не упирались в оставшиеся файлы, каталогу передаётся
// проверка занятости ID (WithOccupied).
// Транзакции сериализуются; изменения транзакции копятся в отдельном
// слое и применяются к каталогу одним шагом при успешном завершении.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bigkaa/librarian/internal/catalog"
	"github.com/bigkaa/librarian/internal/domain/model"
)

// Catalog — in-memory хранилище метаданных.
type Catalog struct {
	mu       sync.RWMutex
	contents map[int64]*model.Content // content_id → content
	bySHA1   map[string][]int64       // sha1 → content_id
	aliases  map[int64]*model.Alias   // alias_id → alias
	tokens   []model.TimeLimitedToken

	nextContentID int64
	nextAliasID   int64
	// occupied — ID занят вне каталога (файл на диске); nil — не проверяется
	occupied func(id int64) bool

	// txMu сериализует транзакции
	txMu sync.Mutex

	logger *slog.Logger
}

// Option — функциональная опция каталога.
type Option func(*Catalog)

// WithOccupied задаёт проверку ID, занятых вне каталога.
// Обычно это FileStore.HasFile: файлы переживают рестарт процесса.
func WithOccupied(fn func(id int64) bool) Option {
	return func(c *Catalog) {
		c.occupied = fn
	}
}

// New создаёт пустой каталог.
func New(logger *slog.Logger, opts ...Option) *Catalog {
	c := &Catalog{
		contents: make(map[int64]*model.Content),
		bySHA1:   make(map[string][]int64),
		aliases:  make(map[int64]*model.Alias),
		logger:   logger.With(slog.String("component", "index")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// stage — изменения незавершённой транзакции.
type stage struct {
	contents map[int64]*model.Content
	aliases  map[int64]*model.Alias
	tokens   []model.TimeLimitedToken
}

// view — Catalog поверх каталога с опциональным слоем транзакции.
// При st == nil изменения применяются сразу.
type view struct {
	c  *Catalog
	st *stage
}

var (
	_ catalog.Store   = (*Catalog)(nil)
	_ catalog.Catalog = (*view)(nil)
)

// RunInTx выполняет fn в сериализованной транзакции.
func (c *Catalog) RunInTx(ctx context.Context, fn func(tx catalog.Catalog) error) error {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}

	st := &stage{
		contents: make(map[int64]*model.Content),
		aliases:  make(map[int64]*model.Alias),
	}
	if err := fn(&view{c: c, st: st}); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ct := range st.contents {
		c.putContentLocked(ct)
	}
	for id, a := range st.aliases {
		c.aliases[id] = a
	}
	c.tokens = append(c.tokens, st.tokens...)
	return nil
}

// Ping всегда успешен.
func (c *Catalog) Ping(context.Context) error {
	return nil
}

// Count возвращает количество записей Content и alias.
func (c *Catalog) Count() (contents, aliases int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.contents), len(c.aliases)
}

// RemoveContent удаляет Content и все его alias, как это делает внешний GC.
// Возвращает true, если запись существовала.
func (c *Catalog) RemoveContent(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ct, ok := c.contents[id]
	if !ok {
		return false
	}
	delete(c.contents, id)

	ids := c.bySHA1[ct.SHA1]
	for i, v := range ids {
		if v == id {
			c.bySHA1[ct.SHA1] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(c.bySHA1[ct.SHA1]) == 0 {
		delete(c.bySHA1, ct.SHA1)
	}

	for aid, a := range c.aliases {
		if a.ContentID == id {
			delete(c.aliases, aid)
		}
	}
	return true
}

// putContentLocked добавляет Content в каталог. Требует c.mu.
func (c *Catalog) putContentLocked(ct *model.Content) {
	c.contents[ct.ID] = ct
	ids := append(c.bySHA1[ct.SHA1], ct.ID)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	c.bySHA1[ct.SHA1] = ids
}

// allocContentID выделяет следующий ID содержимого.
// Выделенные ID не возвращаются при откате, как у последовательности в БД.
// ID с файлом на диске пропускаются.
func (c *Catalog) allocContentID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	skipped := 0
	for {
		c.nextContentID++
		if _, ok := c.contents[c.nextContentID]; ok {
			continue
		}
		if c.occupied != nil && c.occupied(c.nextContentID) {
			skipped++
			continue
		}
		if skipped > 0 {
			c.logger.Info("Пропущены ID содержимого с файлами на диске",
				slog.Int("skipped", skipped),
				slog.Int64("content_id", c.nextContentID),
			)
		}
		return c.nextContentID
	}
}

func (c *Catalog) allocAliasID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextAliasID++
	return c.nextAliasID
}

// --- Операции вне транзакции делегируются view без слоя ---

func (c *Catalog) direct() *view { return &view{c: c} }

// LockDigest — no-op: транзакции уже сериализованы.
func (c *Catalog) LockDigest(ctx context.Context, sha1 string) error {
	return c.direct().LockDigest(ctx, sha1)
}

// LookupBySHA1 возвращает ID содержимого с данным SHA-1.
func (c *Catalog) LookupBySHA1(ctx context.Context, sha1 string) ([]int64, error) {
	return c.direct().LookupBySHA1(ctx, sha1)
}

// GetContent возвращает Content по ID.
func (c *Catalog) GetContent(ctx context.Context, id int64) (*model.Content, error) {
	return c.direct().GetContent(ctx, id)
}

// CreateContent создаёт Content.
func (c *Catalog) CreateContent(ctx context.Context, ct *model.Content) error {
	return c.direct().CreateContent(ctx, ct)
}

// ListContents возвращает страницу Content по возрастанию ID.
func (c *Catalog) ListContents(ctx context.Context, afterID int64, limit int) ([]model.Content, error) {
	return c.direct().ListContents(ctx, afterID, limit)
}

// AddAlias создаёт alias.
func (c *Catalog) AddAlias(ctx context.Context, a *model.Alias) error {
	return c.direct().AddAlias(ctx, a)
}

// GetAliases возвращает alias содержимого из раздела.
func (c *Catalog) GetAliases(ctx context.Context, contentID int64, restricted bool) ([]model.AliasInfo, error) {
	return c.direct().GetAliases(ctx, contentID, restricted)
}

// GetServedAlias возвращает alias вместе с Content.
func (c *Catalog) GetServedAlias(ctx context.Context, aliasID int64, restricted bool) (*model.ServedAlias, error) {
	return c.direct().GetServedAlias(ctx, aliasID, restricted)
}

// AddToken сохраняет токен.
func (c *Catalog) AddToken(ctx context.Context, tok *model.TimeLimitedToken) error {
	return c.direct().AddToken(ctx, tok)
}

// FindValidToken ищет действующий токен.
func (c *Catalog) FindValidToken(ctx context.Context, digest, path string, createdAfter time.Time) (bool, error) {
	return c.direct().FindValidToken(ctx, digest, path, createdAfter)
}

// --- view ---

func (v *view) LockDigest(context.Context, string) error {
	return nil
}

// content ищет Content сначала в слое транзакции, затем в каталоге.
func (v *view) content(id int64) (*model.Content, bool) {
	if v.st != nil {
		if ct, ok := v.st.contents[id]; ok {
			return ct, true
		}
	}
	v.c.mu.RLock()
	defer v.c.mu.RUnlock()
	ct, ok := v.c.contents[id]
	return ct, ok
}

func (v *view) alias(id int64) (*model.Alias, bool) {
	if v.st != nil {
		if a, ok := v.st.aliases[id]; ok {
			return a, true
		}
	}
	v.c.mu.RLock()
	defer v.c.mu.RUnlock()
	a, ok := v.c.aliases[id]
	return a, ok
}

func (v *view) LookupBySHA1(_ context.Context, sha1 string) ([]int64, error) {
	v.c.mu.RLock()
	ids := append([]int64(nil), v.c.bySHA1[sha1]...)
	v.c.mu.RUnlock()

	if v.st != nil {
		for id, ct := range v.st.contents {
			if ct.SHA1 == sha1 {
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (v *view) GetContent(_ context.Context, id int64) (*model.Content, error) {
	ct, ok := v.content(id)
	if !ok {
		return nil, catalog.ErrNotFound
	}
	copied := *ct
	return &copied, nil
}

func (v *view) CreateContent(_ context.Context, ct *model.Content) error {
	if ct.ID != 0 {
		if _, ok := v.content(ct.ID); ok {
			return fmt.Errorf("%w: content %d", catalog.ErrConflict, ct.ID)
		}
	} else {
		ct.ID = v.c.allocContentID()
	}
	ct.DateCreated = time.Now().UTC()

	copied := *ct
	if v.st != nil {
		v.st.contents[ct.ID] = &copied
		return nil
	}

	v.c.mu.Lock()
	defer v.c.mu.Unlock()
	if _, ok := v.c.contents[ct.ID]; ok {
		return fmt.Errorf("%w: content %d", catalog.ErrConflict, ct.ID)
	}
	v.c.putContentLocked(&copied)
	return nil
}

func (v *view) ListContents(_ context.Context, afterID int64, limit int) ([]model.Content, error) {
	v.c.mu.RLock()
	var result []model.Content
	for id, ct := range v.c.contents {
		if id > afterID {
			result = append(result, *ct)
		}
	}
	v.c.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (v *view) AddAlias(_ context.Context, a *model.Alias) error {
	if _, ok := v.content(a.ContentID); !ok {
		return fmt.Errorf("%w: content %d", catalog.ErrNotFound, a.ContentID)
	}
	a.ID = v.c.allocAliasID()
	a.DateCreated = time.Now().UTC()

	copied := *a
	if v.st != nil {
		v.st.aliases[a.ID] = &copied
		return nil
	}

	v.c.mu.Lock()
	defer v.c.mu.Unlock()
	v.c.aliases[a.ID] = &copied
	return nil
}

func (v *view) GetAliases(_ context.Context, contentID int64, restricted bool) ([]model.AliasInfo, error) {
	collect := func(m map[int64]*model.Alias, out []model.AliasInfo) []model.AliasInfo {
		for _, a := range m {
			if a.ContentID == contentID && a.Restricted == restricted {
				out = append(out, a.Info())
			}
		}
		return out
	}

	v.c.mu.RLock()
	result := collect(v.c.aliases, nil)
	v.c.mu.RUnlock()
	if v.st != nil {
		result = collect(v.st.aliases, result)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (v *view) GetServedAlias(_ context.Context, aliasID int64, restricted bool) (*model.ServedAlias, error) {
	a, ok := v.alias(aliasID)
	if !ok || a.Restricted != restricted {
		return nil, catalog.ErrNotFound
	}
	ct, ok := v.content(a.ContentID)
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &model.ServedAlias{Alias: *a, Content: *ct}, nil
}

func (v *view) AddToken(_ context.Context, tok *model.TimeLimitedToken) error {
	if tok.Created.IsZero() {
		tok.Created = time.Now().UTC()
	}
	if v.st != nil {
		v.st.tokens = append(v.st.tokens, *tok)
		return nil
	}
	v.c.mu.Lock()
	defer v.c.mu.Unlock()
	v.c.tokens = append(v.c.tokens, *tok)
	return nil
}

func (v *view) FindValidToken(_ context.Context, digest, path string, createdAfter time.Time) (bool, error) {
	match := func(tokens []model.TimeLimitedToken) bool {
		for _, t := range tokens {
			if t.Token == digest && t.Path == path && t.Created.After(createdAfter) {
				return true
			}
		}
		return false
	}

	v.c.mu.RLock()
	found := match(v.c.tokens)
	v.c.mu.RUnlock()
	if !found && v.st != nil {
		found = match(v.st.tokens)
	}
	return found, nil
}
