// Пакет authserver — HTTP-клиент внешнего сервиса авторизации.
// Проверяет, что macaroon разрешает доступ к конкретному alias
// (контекст LibraryFileAlias).
package authserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// ContextLibraryFileAlias — тип контекста, для которого проверяется macaroon.
const ContextLibraryFileAlias = "LibraryFileAlias"

// FaultUnauthorized — код отказа, означающий «не авторизован».
// Остальные коды считаются сбоем сервиса.
const FaultUnauthorized = 410

// ErrTimeout — сервис не ответил за отведённое время.
var ErrTimeout = errors.New("таймаут сервиса авторизации")

// FaultError — сервис ответил отказом с кодом, отличным от FaultUnauthorized.
type FaultError struct {
	Code    int
	Message string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("отказ сервиса авторизации %d: %s", e.Code, e.Message)
}

// authenticateRequest — тело запроса /authenticate-macaroon.
type authenticateRequest struct {
	Macaroon    string `json:"macaroon"`
	ContextType string `json:"context_type"`
	Context     int64  `json:"context"`
}

// authenticateResponse — ответ сервиса: либо authorized, либо fault.
type authenticateResponse struct {
	Authorized *bool `json:"authorized,omitempty"`
	Fault      *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"fault,omitempty"`
}

// Client — клиент сервиса авторизации.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// New создаёт клиент. timeout ограничивает каждый вызов AuthenticateMacaroon.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: normalizeURL(baseURL),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{MaxIdleConnsPerHost: 10},
		},
		timeout: timeout,
		logger:  logger.With(slog.String("component", "authserver_client")),
	}
}

// BaseURL возвращает базовый URL сервиса.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// AuthenticateMacaroon проверяет macaroon для alias.
//
// Возвращает:
//   - (true, nil) — доступ разрешён
//   - (false, nil) — явный отказ (fault 410, HTTP 401/403)
//   - (false, ErrTimeout) — сервис не ответил вовремя
//   - (false, err) — прочие сбои (сеть, некорректный ответ, иной fault)
func (c *Client) AuthenticateMacaroon(ctx context.Context, macaroon string, aliasID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(authenticateRequest{
		Macaroon:    macaroon,
		ContextType: ContextLibraryFileAlias,
		Context:     aliasID,
	})
	if err != nil {
		return false, fmt.Errorf("сериализация запроса: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/authenticate-macaroon", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("создание запроса AuthenticateMacaroon: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req) //nolint:gosec // URL из конфигурации
	if err != nil {
		if isTimeout(ctx, err) {
			return false, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return false, fmt.Errorf("запрос AuthenticateMacaroon к %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("сервис авторизации вернул %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result authenticateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&result); err != nil {
		if isTimeout(ctx, err) {
			return false, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return false, fmt.Errorf("некорректный ответ сервиса авторизации: %w", err)
	}

	if result.Fault != nil {
		if result.Fault.Code == FaultUnauthorized {
			return false, nil
		}
		return false, &FaultError{Code: result.Fault.Code, Message: result.Fault.Message}
	}
	if result.Authorized == nil {
		return false, fmt.Errorf("некорректный ответ сервиса авторизации: нет поля authorized")
	}
	return *result.Authorized, nil
}

// isTimeout определяет, истекло ли время ожидания.
func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// normalizeURL убирает trailing slash из URL.
func normalizeURL(rawURL string) string {
	return strings.TrimRight(rawURL, "/")
}
