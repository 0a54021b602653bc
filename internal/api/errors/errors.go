// Пакет errors — ответы с ошибками в едином формате Librarian.
// Формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors //nolint:revive // конфликт имени со stdlib

import (
	"encoding/json"
	"net/http"

	"github.com/bigkaa/librarian/internal/service"
)

// Коды ошибок, определённые в OpenAPI контракте.
const (
	CodeValidationError  = "VALIDATION_ERROR"
	CodeDigestMismatch   = "DIGEST_MISMATCH"
	CodeDuplicateFileID  = "DUPLICATE_FILE_ID"
	CodeNotFound         = "NOT_FOUND"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeFileTooLarge     = "FILE_TOO_LARGE"
	CodeServiceFault     = "SERVICE_FAULT"
	CodeVerifyInProgress = "VERIFY_IN_PROGRESS"
	CodeInternalError    = "INTERNAL_ERROR"
)

// Единые сообщения для отказа и отсутствия: причина не раскрывается.
const (
	msgNotFound     = "Файл не найден"
	msgUnauthorized = "Доступ запрещён"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// FromService записывает ответ по категории ошибки сервисного слоя.
// Для NotFound и Unauthorized сообщение всегда одно и то же.
func FromService(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch service.KindOf(err) {
	case service.KindDigestMismatch:
		WriteError(w, http.StatusBadRequest, CodeDigestMismatch, msg)
	case service.KindDuplicateID:
		WriteError(w, http.StatusConflict, CodeDuplicateFileID, msg)
	case service.KindInvalidArgument:
		WriteError(w, http.StatusBadRequest, CodeValidationError, msg)
	case service.KindNotFound:
		NotFound(w)
	case service.KindUnauthorized:
		Unauthorized(w, msgUnauthorized)
	case service.KindServiceFault:
		WriteError(w, http.StatusServiceUnavailable, CodeServiceFault, "Сервис авторизации недоступен")
	default:
		InternalError(w, "Внутренняя ошибка хранилища")
	}
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 с единым сообщением.
func NotFound(w http.ResponseWriter) {
	WriteError(w, http.StatusNotFound, CodeNotFound, msgNotFound)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// AccessDenied — 401 с единым сообщением для отказа в скачивании.
func AccessDenied(w http.ResponseWriter) {
	Unauthorized(w, msgUnauthorized)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// FileTooLarge — 413 файл превышает лимит.
func FileTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, message)
}

// VerifyInProgress — 409 проверка целостности уже выполняется.
func VerifyInProgress(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeVerifyInProgress, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
