// access.go — разрешение запроса на скачивание alias.
// Учётные данные: macaroon (проверяется внешним сервисом авторизации)
// или устаревший TimeLimitedToken (сверяется с дайджестом в каталоге).
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/macaroon.v2"

	"github.com/bigkaa/librarian/internal/authserver"
	"github.com/bigkaa/librarian/internal/catalog"
	"github.com/bigkaa/librarian/internal/domain/model"
	"github.com/bigkaa/librarian/internal/storage/filestore"
)

// AccessState — итог разрешения запроса.
type AccessState int

const (
	// AccessNotFound — alias нет в запрошенном разделе или содержимое недоступно
	AccessNotFound AccessState = iota
	// AccessUnauthorized — учётные данные отклонены
	AccessUnauthorized
	// AccessAuthorized — содержимое можно отдавать
	AccessAuthorized
)

// String возвращает имя состояния (метки метрик и логов).
func (s AccessState) String() string {
	switch s {
	case AccessNotFound:
		return "not_found"
	case AccessUnauthorized:
		return "unauthorized"
	case AccessAuthorized:
		return "authorized"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Типы учётных данных (метка credential).
const (
	credentialNone     = "none"
	credentialToken    = "token"
	credentialMacaroon = "macaroon"
)

// AccessRequest — запрос на скачивание.
type AccessRequest struct {
	// AliasID — запрошенный alias
	AliasID int64
	// Credential — токен или сериализованный macaroon; пусто — без учётных данных
	Credential string
	// Path — путь запроса (/{alias_id}/{filename}) для привязки токена
	Path string
}

// Decision — результат разрешения запроса.
type Decision struct {
	State AccessState
	// Alias и Content заполнены только для AccessAuthorized
	Alias   *model.Alias
	Content *model.Content
	// Local — файл лежит на локальном диске (иначе — в зеркале)
	Local bool
}

// MacaroonVerifier — проверка macaroon внешним сервисом авторизации.
// Реализуется authserver.Client.
type MacaroonVerifier interface {
	AuthenticateMacaroon(ctx context.Context, macaroon string, aliasID int64) (bool, error)
}

// MirrorChecker — проверка наличия содержимого в удалённом зеркале.
type MirrorChecker interface {
	Exists(ctx context.Context, contentID int64) (bool, error)
}

// AccessService — слой разрешения доступа к alias.
type AccessService struct {
	meta          catalog.Catalog
	files         *filestore.FileStore
	mirror        MirrorChecker
	verifier      MacaroonVerifier
	cache         *LocationCache
	restricted    bool
	tokenLifetime time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// AccessOption — опция AccessService.
type AccessOption func(*AccessService)

// WithMacaroonVerifier подключает сервис авторизации. Без него
// запросы с macaroon отклоняются.
func WithMacaroonVerifier(v MacaroonVerifier) AccessOption {
	return func(s *AccessService) { s.verifier = v }
}

// WithMirror подключает удалённое зеркало для проверки наличия файлов.
func WithMirror(m MirrorChecker) AccessOption {
	return func(s *AccessService) { s.mirror = m }
}

// WithLocationCache подключает кэш наличия содержимого в зеркале.
func WithLocationCache(c *LocationCache) AccessOption {
	return func(s *AccessService) { s.cache = c }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) AccessOption {
	return func(s *AccessService) { s.now = now }
}

// NewAccessService создаёт сервис доступа.
// restricted — раздел экземпляра для запросов без учётных данных,
// tokenLifetime — срок действия TimeLimitedToken.
func NewAccessService(
	meta catalog.Catalog,
	files *filestore.FileStore,
	restricted bool,
	tokenLifetime time.Duration,
	logger *slog.Logger,
	opts ...AccessOption,
) *AccessService {
	s := &AccessService{
		meta:          meta,
		files:         files,
		restricted:    restricted,
		tokenLifetime: tokenLifetime,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "access_service")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve разрешает запрос на скачивание.
//
// Отказ и отсутствие возвращаются как Decision.State, не как ошибка.
// Ошибка возвращается только при сбое сервиса авторизации
// (KindServiceFault) или хранилища метаданных (KindIOFailure).
func (s *AccessService) Resolve(ctx context.Context, req AccessRequest) (*Decision, error) {
	credential := credentialNone
	if req.Credential != "" {
		credential = credentialToken
		if IsMacaroon(req.Credential) {
			credential = credentialMacaroon
		}
	}
	// Токен без пути не к чему привязать: запрос идёт в раздел экземпляра
	if credential == credentialToken && req.Path == "" {
		s.logger.Info("Токен без пути запроса игнорируется",
			slog.Int64("alias_id", req.AliasID))
		credential = credentialNone
	}

	decision, err := s.resolve(ctx, req, credential)
	state := "error"
	if err == nil {
		state = decision.State.String()
	}
	accessDecisionsTotal.WithLabelValues(state, credential).Inc()
	return decision, err
}

func (s *AccessService) resolve(ctx context.Context, req AccessRequest, credential string) (*Decision, error) {
	restricted := s.restricted

	if credential != credentialNone {
		var (
			ok  bool
			err error
		)
		if credential == credentialMacaroon {
			ok, err = s.checkMacaroon(ctx, req)
		} else {
			ok, err = s.checkToken(ctx, req)
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			return &Decision{State: AccessUnauthorized}, nil
		}
		restricted = true
	}

	served, err := s.meta.GetServedAlias(ctx, req.AliasID, restricted)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return &Decision{State: AccessNotFound}, nil
		}
		return nil, newError(KindIOFailure, "resolve", "ошибка получения alias", err)
	}

	local, found, err := s.locate(ctx, served.Content.ID)
	if err != nil {
		return nil, err
	}
	if !found {
		s.logger.Warn("Файл содержимого отсутствует",
			slog.Int64("alias_id", req.AliasID),
			slog.Int64("content_id", served.Content.ID),
		)
		return &Decision{State: AccessNotFound}, nil
	}

	alias := served.Alias
	content := served.Content
	return &Decision{State: AccessAuthorized, Alias: &alias, Content: &content, Local: local}, nil
}

// locate ищет файл содержимого на диске, затем в зеркале.
// Положительный ответ зеркала кэшируется.
func (s *AccessService) locate(ctx context.Context, contentID int64) (local, found bool, err error) {
	if s.files.HasFile(contentID) {
		return true, true, nil
	}
	if s.mirror == nil {
		return false, false, nil
	}
	if s.cache.InMirror(contentID) {
		return false, true, nil
	}
	ok, err := s.mirror.Exists(ctx, contentID)
	if err != nil {
		return false, false, newError(KindIOFailure, "resolve", "ошибка проверки зеркала", err)
	}
	if ok {
		s.cache.SetInMirror(contentID)
	}
	return false, ok, nil
}

// checkMacaroon проверяет macaroon через сервис авторизации.
// Таймаут — отказ (fail closed), прочие сбои — KindServiceFault.
func (s *AccessService) checkMacaroon(ctx context.Context, req AccessRequest) (bool, error) {
	if s.verifier == nil {
		s.logger.Warn("Macaroon отклонён: сервис авторизации не настроен",
			slog.Int64("alias_id", req.AliasID))
		return false, nil
	}

	ok, err := s.verifier.AuthenticateMacaroon(ctx, req.Credential, req.AliasID)
	if err != nil {
		if errors.Is(err, authserver.ErrTimeout) {
			s.logger.Warn("Сервис авторизации не ответил, доступ запрещён",
				slog.Int64("alias_id", req.AliasID),
				slog.String("error", err.Error()),
			)
			return false, nil
		}
		return false, newError(KindServiceFault, "authenticate_macaroon", "сбой сервиса авторизации", err)
	}
	if !ok {
		s.logger.Info("Macaroon отклонён", slog.Int64("alias_id", req.AliasID))
	}
	return ok, nil
}

// checkToken проверяет TimeLimitedToken для канонического пути запроса.
func (s *AccessService) checkToken(ctx context.Context, req AccessRequest) (bool, error) {
	path := CanonicalPath(req.Path)
	createdAfter := s.now().Add(-s.tokenLifetime)

	ok, err := s.meta.FindValidToken(ctx, HashToken(req.Credential), path, createdAfter)
	if err != nil {
		return false, newError(KindIOFailure, "check_token", "ошибка проверки токена", err)
	}
	if !ok {
		s.logger.Info("Токен устарел, удалён или не соответствует пути",
			slog.Int64("alias_id", req.AliasID),
			slog.String("path", path),
		)
	}
	return ok, nil
}

// GrantToken выпускает TimeLimitedToken для пути и возвращает сырой токен.
// В каталоге сохраняется только его дайджест.
func (s *AccessService) GrantToken(ctx context.Context, path string) (string, error) {
	const op = "grant_token"

	if path == "" {
		return "", newError(KindInvalidArgument, op, "не задан путь", nil)
	}
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", newError(KindIOFailure, op, "ошибка генерации токена", err)
	}
	token := hex.EncodeToString(raw)

	tok := &model.TimeLimitedToken{
		Path:    CanonicalPath(path),
		Token:   HashToken(token),
		Created: s.now(),
	}
	if err := s.meta.AddToken(ctx, tok); err != nil {
		return "", newError(KindIOFailure, op, "ошибка сохранения токена", err)
	}
	return token, nil
}

// HashToken возвращает SHA-256 hex-дайджест сырого токена.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// IsMacaroon проверяет, является ли строка сериализованным macaroon
// (base64 двоичного формата v1 или v2).
func IsMacaroon(credential string) bool {
	data, err := macaroon.Base64Decode([]byte(credential))
	if err != nil || len(data) == 0 {
		return false
	}
	var m macaroon.Macaroon
	return m.UnmarshalBinary(data) == nil
}

// CanonicalPath приводит путь к виду, в котором он хранится в токене:
// percent-декодирование (некорректные последовательности остаются как есть)
// и повторное кодирование. Не кодируются буквы, цифры, "_.-~" и "/+".
func CanonicalPath(path string) string {
	return quotePath(unquotePath(path))
}

// unquotePath декодирует %XX. Некорректные UTF-8 байты заменяются на U+FFFD.
func unquotePath(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	buf := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			buf = append(buf, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 2
			continue
		}
		buf = append(buf, s[i])
	}
	if utf8.Valid(buf) {
		return string(buf)
	}

	var b strings.Builder
	for len(buf) > 0 {
		r, size := utf8.DecodeRune(buf)
		b.WriteRune(r)
		buf = buf[size:]
	}
	return b.String()
}

// quotePath кодирует байты вне безопасного набора как %XX (верхний регистр).
func quotePath(s string) string {
	const upperHex = "0123456789ABCDEF"

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isSafePathByte(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperHex[c>>4])
		b.WriteByte(upperHex[c&0x0f])
	}
	return b.String()
}

func isSafePathByte(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("_.-~/+", c) >= 0
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
