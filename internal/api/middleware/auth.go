// auth.go — JWT вызывающих сервисов для API загрузки и метаданных.
// Скачивания /{alias_id}/{filename} идут мимо JWT: доступ к ним решает
// слой доступа (токены, macaroon, раздел экземпляра).
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/librarian/internal/api/errors"
)

// Scope'ы API в порядке возрастания прав: старший включает младшие.
const (
	ScopeRead  = "files:read"
	ScopeWrite = "files:write"
	ScopeAdmin = "files:admin"
)

var scopeLevel = map[string]int{
	ScopeRead:  1,
	ScopeWrite: 2,
	ScopeAdmin: 3,
}

// Claims — JWT claims вызывающего сервиса. scope — строка через пробел (RFC 8693).
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// Caller — вызывающий сервис, прошедший проверку JWT.
type Caller struct {
	Subject string
	Scopes  []string
}

// Can сообщает, покрывают ли scope'ы вызывающего требуемый scope.
func (c Caller) Can(scope string) bool {
	need, known := scopeLevel[scope]
	for _, s := range c.Scopes {
		if s == scope || (known && scopeLevel[s] >= need) {
			return true
		}
	}
	return false
}

type callerKey struct{}

// WithCaller кладёт вызывающего в контекст.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext возвращает вызывающего из контекста.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// SubjectFromContext — sub вызывающего или "" без JWT.
func SubjectFromContext(ctx context.Context) string {
	c, _ := CallerFromContext(ctx)
	return c.Subject
}

// JWTAuth проверяет RS256 JWT по ключам JWKS.
type JWTAuth struct {
	keys   keyfunc.Keyfunc
	leeway time.Duration
	logger *slog.Logger
}

// JWKSConfig — источник ключей JWT.
type JWKSConfig struct {
	URL             string
	ClientTimeout   time.Duration
	RefreshInterval time.Duration
	Leeway          time.Duration
}

// NewJWTAuth загружает ключи из JWKS endpoint и обновляет их в фоне.
// Недоступный при старте endpoint не мешает запуску.
func NewJWTAuth(cfg JWKSConfig, logger *slog.Logger) (*JWTAuth, error) {
	storage, err := jwkset.NewStorageFromHTTP(cfg.URL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: cfg.ClientTimeout},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           cfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Warn("JWKS не обновлён",
				slog.String("url", cfg.URL),
				slog.String("error", err.Error()),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("JWKS %s: %w", cfg.URL, err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("JWKS keyfunc: %w", err)
	}
	return NewJWTAuthWithKeyfunc(k, cfg.Leeway, logger), nil
}

// NewJWTAuthWithKeyfunc создаёт JWTAuth поверх готового набора ключей.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, leeway time.Duration, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		keys:   kf,
		leeway: leeway,
		logger: logger.With(slog.String("component", "jwt_auth")),
	}
}

var errNoBearer = errors.New("ожидается Authorization: Bearer <token>")

func bearerToken(r *http.Request) (string, error) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", errNoBearer
	}
	return token, nil
}

// authenticate проверяет подпись, exp и sub и возвращает вызывающего.
func (j *JWTAuth) authenticate(r *http.Request) (Caller, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return Caller{}, err
	}

	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(raw, claims, j.keys.KeyfuncCtx(r.Context()),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(j.leeway),
	); err != nil {
		return Caller{}, err
	}
	if claims.Subject == "" {
		return Caller{}, errors.New("в токене нет sub")
	}
	return Caller{Subject: claims.Subject, Scopes: strings.Fields(claims.Scope)}, nil
}

// Middleware отклоняет запросы без валидного JWT (401).
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := j.authenticate(r)
			if err != nil {
				j.logger.Debug("JWT отклонён",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				apierrors.Unauthorized(w, "Требуется валидный JWT вызывающего сервиса")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// RequireScope пропускает вызывающих с scope не ниже требуемого (иначе 403).
// Ставится после JWTAuth.Middleware.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, _ := CallerFromContext(r.Context())
			if !caller.Can(scope) {
				apierrors.Forbidden(w, "Недостаточно прав: требуется scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
