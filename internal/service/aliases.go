// aliases.go — операции над alias и поиск содержимого по дайджесту.
package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bigkaa/librarian/internal/catalog"
	"github.com/bigkaa/librarian/internal/domain/model"
)

// AliasService — слой метаданных поверх хранилища содержимого.
// Все alias создаются и читаются в разделе экземпляра.
type AliasService struct {
	meta       catalog.Catalog
	restricted bool
	logger     *slog.Logger
}

// NewAliasService создаёт сервис alias.
func NewAliasService(meta catalog.Catalog, restricted bool, logger *slog.Logger) *AliasService {
	return &AliasService{
		meta:       meta,
		restricted: restricted,
		logger:     logger.With(slog.String("component", "alias_service")),
	}
}

// AddAlias создаёт новый alias для существующего содержимого.
// Уникальность (content_id, filename) не проверяется: повторный вызов
// создаёт ещё один alias.
func (s *AliasService) AddAlias(
	ctx context.Context,
	contentID int64,
	filename, mimetype string,
	expires *time.Time,
) (int64, error) {
	const op = "add_alias"

	if filename == "" {
		return 0, newError(KindInvalidArgument, op, "не задано имя файла", nil)
	}

	alias := &model.Alias{
		ContentID:  contentID,
		Filename:   filename,
		Mimetype:   normalizeMimetype(mimetype),
		Expires:    expires,
		Restricted: s.restricted,
	}
	if err := s.meta.AddAlias(ctx, alias); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return 0, newError(KindNotFound, op, fmt.Sprintf("содержимое %d не найдено", contentID), err)
		}
		return 0, newError(KindIOFailure, op, "ошибка создания alias", err)
	}

	s.logger.Info("Alias создан",
		slog.Int64("alias_id", alias.ID),
		slog.Int64("content_id", contentID),
		slog.String("filename", filename),
	)
	return alias.ID, nil
}

// GetAliases возвращает alias содержимого из раздела экземпляра.
// Для неизвестного содержимого возвращает пустой список.
func (s *AliasService) GetAliases(ctx context.Context, contentID int64) ([]model.AliasInfo, error) {
	aliases, err := s.meta.GetAliases(ctx, contentID, s.restricted)
	if err != nil {
		return nil, newError(KindIOFailure, "get_aliases", "ошибка получения alias", err)
	}
	if aliases == nil {
		aliases = []model.AliasInfo{}
	}
	return aliases, nil
}

// LookupBySHA1 возвращает ID всего содержимого с данным SHA-1.
// Несколько ID возможны только при коллизии дайджеста.
func (s *AliasService) LookupBySHA1(ctx context.Context, digest string) ([]int64, error) {
	const op = "lookup_by_sha1"

	digest = strings.ToLower(strings.TrimSpace(digest))
	if !isHexDigest(digest, 40) {
		return nil, newError(KindInvalidArgument, op, "SHA-1 должен быть 40 hex-символами", nil)
	}

	ids, err := s.meta.LookupBySHA1(ctx, digest)
	if err != nil {
		return nil, newError(KindIOFailure, op, "ошибка поиска по SHA-1", err)
	}
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}

// isHexDigest проверяет строку на hex-дайджест заданной длины.
func isHexDigest(s string, length int) bool {
	if len(s) != length {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
