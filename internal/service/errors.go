// Пакет service — бизнес-логика Librarian.
// errors.go — закрытая таксономия ошибок сервисного слоя.
package service

import (
	"errors"
	"fmt"
)

// Kind — категория ошибки. Набор закрыт: вызывающий код обязан
// обработать каждую категорию (маппинг в HTTP-коды — api/errors).
type Kind int

const (
	// KindIOFailure — ошибка диска или хранилища метаданных
	KindIOFailure Kind = iota
	// KindDigestMismatch — SHA-1 от клиента не совпал с вычисленным
	KindDigestMismatch
	// KindDuplicateID — bulk import с уже занятым ID содержимого
	KindDuplicateID
	// KindUnauthorized — отказ в доступе
	KindUnauthorized
	// KindServiceFault — сбой внешнего сервиса авторизации
	KindServiceFault
	// KindNotFound — alias или содержимое не найдены
	KindNotFound
	// KindInvalidArgument — некорректные параметры вызова
	KindInvalidArgument
)

// String возвращает имя категории.
func (k Kind) String() string {
	switch k {
	case KindIOFailure:
		return "io_failure"
	case KindDigestMismatch:
		return "digest_mismatch"
	case KindDuplicateID:
		return "duplicate_id"
	case KindUnauthorized:
		return "unauthorized"
	case KindServiceFault:
		return "service_fault"
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error — ошибка сервисного слоя с категорией.
type Error struct {
	// Kind — категория
	Kind Kind
	// Op — операция, в которой возникла ошибка (commit, add_alias, ...)
	Op string
	// Message — описание для логов и ответа API
	Message string
	// Err — исходная ошибка (может быть nil)
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap возвращает исходную ошибку.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is сравнивает категории: errors.Is(err, ErrDigestMismatch) истинно
// для любой *Error с KindDigestMismatch.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Message == "" && t.Kind == e.Kind
}

// Сентинелы для errors.Is.
var (
	ErrIOFailure       = &Error{Kind: KindIOFailure}
	ErrDigestMismatch  = &Error{Kind: KindDigestMismatch}
	ErrDuplicateID     = &Error{Kind: KindDuplicateID}
	ErrUnauthorized    = &Error{Kind: KindUnauthorized}
	ErrServiceFault    = &Error{Kind: KindServiceFault}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
)

// KindOf возвращает категорию ошибки. Ошибки вне таксономии
// считаются KindIOFailure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIOFailure
}

// newError создаёт *Error.
func newError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}
