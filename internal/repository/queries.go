package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/librarian/internal/catalog"
	"github.com/bigkaa/librarian/internal/domain/model"
)

// contentColumns — столбцы таблицы content для SELECT-запросов.
const contentColumns = `id, filesize, sha1, md5, sha256, datecreated`

// queries — реализация catalog.Catalog через DBTX.
type queries struct {
	db   DBTX
	inTx bool
}

// LockDigest берёт транзакционную advisory-блокировку по SHA-1.
// Параллельные фиксации одинакового содержимого выполняются по очереди,
// поэтому вторая видит Content, созданный первой.
func (q *queries) LockDigest(ctx context.Context, sha1 string) error {
	if !q.inTx {
		return nil
	}
	if _, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, sha1); err != nil {
		return fmt.Errorf("ошибка блокировки дайджеста: %w", err)
	}
	return nil
}

// LookupBySHA1 возвращает ID всех Content с данным SHA-1.
func (q *queries) LookupBySHA1(ctx context.Context, sha1 string) ([]int64, error) {
	rows, err := q.db.Query(ctx, `SELECT id FROM content WHERE sha1 = $1 ORDER BY id`, sha1)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска по SHA-1: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения результатов: %w", err)
	}
	return ids, nil
}

// GetContent возвращает Content по ID или ErrNotFound.
func (q *queries) GetContent(ctx context.Context, id int64) (*model.Content, error) {
	query := fmt.Sprintf(`SELECT %s FROM content WHERE id = $1`, contentColumns)

	c := &model.Content{}
	err := q.db.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.FileSize, &c.SHA1, &c.MD5, &c.SHA256, &c.DateCreated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения content: %w", err)
	}
	return c, nil
}

// CreateContent создаёт Content. Явный ID (bulk import) сдвигает
// последовательность, чтобы она не выдала этот ID повторно.
func (q *queries) CreateContent(ctx context.Context, c *model.Content) error {
	var err error
	if c.ID == 0 {
		err = q.db.QueryRow(ctx, `
			INSERT INTO content (filesize, sha1, md5, sha256)
			VALUES ($1, $2, $3, $4)
			RETURNING id, datecreated`,
			c.FileSize, c.SHA1, c.MD5, c.SHA256,
		).Scan(&c.ID, &c.DateCreated)
	} else {
		err = q.db.QueryRow(ctx, `
			INSERT INTO content (id, filesize, sha1, md5, sha256)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING datecreated`,
			c.ID, c.FileSize, c.SHA1, c.MD5, c.SHA256,
		).Scan(&c.DateCreated)
		if err == nil {
			_, err = q.db.Exec(ctx, `
				SELECT setval(pg_get_serial_sequence('content', 'id'), $1)
				WHERE $1 > (SELECT last_value FROM content_id_seq)`, c.ID)
		}
	}
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: content %d", catalog.ErrConflict, c.ID)
		}
		return fmt.Errorf("ошибка создания content: %w", err)
	}
	return nil
}

// ListContents возвращает страницу Content по возрастанию ID.
func (q *queries) ListContents(ctx context.Context, afterID int64, limit int) ([]model.Content, error) {
	query := fmt.Sprintf(`SELECT %s FROM content WHERE id > $1 ORDER BY id LIMIT $2`, contentColumns)

	rows, err := q.db.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка content: %w", err)
	}
	defer rows.Close()

	var result []model.Content
	for rows.Next() {
		var c model.Content
		if err := rows.Scan(&c.ID, &c.FileSize, &c.SHA1, &c.MD5, &c.SHA256, &c.DateCreated); err != nil {
			return nil, fmt.Errorf("ошибка сканирования content: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}

// AddAlias создаёт alias. ErrNotFound, если Content не существует.
func (q *queries) AddAlias(ctx context.Context, a *model.Alias) error {
	err := q.db.QueryRow(ctx, `
		INSERT INTO alias (content_id, filename, mimetype, expires, restricted)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, datecreated`,
		a.ContentID, a.Filename, a.Mimetype, a.Expires, a.Restricted,
	).Scan(&a.ID, &a.DateCreated)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: content %d", catalog.ErrNotFound, a.ContentID)
		}
		return fmt.Errorf("ошибка создания alias: %w", err)
	}
	return nil
}

// GetAliases возвращает alias содержимого из раздела restricted.
func (q *queries) GetAliases(ctx context.Context, contentID int64, restricted bool) ([]model.AliasInfo, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, filename, mimetype FROM alias
		WHERE content_id = $1 AND restricted = $2
		ORDER BY id`, contentID, restricted)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения alias: %w", err)
	}
	defer rows.Close()

	result := []model.AliasInfo{}
	for rows.Next() {
		var info model.AliasInfo
		if err := rows.Scan(&info.ID, &info.Filename, &info.Mimetype); err != nil {
			return nil, fmt.Errorf("ошибка сканирования alias: %w", err)
		}
		result = append(result, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}

// GetServedAlias возвращает alias с Content из раздела restricted.
// Alias без записи Content (удалённой внешним GC) не возвращается.
func (q *queries) GetServedAlias(ctx context.Context, aliasID int64, restricted bool) (*model.ServedAlias, error) {
	s := &model.ServedAlias{}
	err := q.db.QueryRow(ctx, `
		SELECT a.id, a.content_id, a.filename, a.mimetype, a.expires, a.restricted, a.datecreated,
		       c.id, c.filesize, c.sha1, c.md5, c.sha256, c.datecreated
		FROM alias a
		JOIN content c ON c.id = a.content_id
		WHERE a.id = $1 AND a.restricted = $2`, aliasID, restricted,
	).Scan(
		&s.Alias.ID, &s.Alias.ContentID, &s.Alias.Filename, &s.Alias.Mimetype,
		&s.Alias.Expires, &s.Alias.Restricted, &s.Alias.DateCreated,
		&s.Content.ID, &s.Content.FileSize, &s.Content.SHA1, &s.Content.MD5,
		&s.Content.SHA256, &s.Content.DateCreated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения alias: %w", err)
	}
	return s, nil
}

// AddToken сохраняет дайджест токена для пути.
// Повторная выдача того же токена обновляет время создания.
func (q *queries) AddToken(ctx context.Context, tok *model.TimeLimitedToken) error {
	if tok.Created.IsZero() {
		tok.Created = time.Now().UTC()
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO time_limited_token (path, token, created)
		VALUES ($1, $2, $3)
		ON CONFLICT (path, token) DO UPDATE SET created = EXCLUDED.created`,
		tok.Path, tok.Token, tok.Created)
	if err != nil {
		return fmt.Errorf("ошибка сохранения токена: %w", err)
	}
	return nil
}

// FindValidToken проверяет наличие действующего токена.
func (q *queries) FindValidToken(ctx context.Context, digest, path string, createdAfter time.Time) (bool, error) {
	var found bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM time_limited_token
			WHERE token = $1 AND path = $2 AND created > $3
		)`, digest, path, createdAfter,
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки токена: %w", err)
	}
	return found, nil
}
