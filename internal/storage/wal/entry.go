// Пакет wal — журнал загрузок Librarian.
// Каждая фиксация загрузки оформляется записью {tx_id}.wal.json в
// LIBRARIAN_WAL_DIR: pending до транзакции метаданных, committed или
// rolled_back после. Незавершённые записи после рестарта указывают на
// временные файлы в incoming/ и возможные осиротевшие файлы содержимого.
package wal

import (
	"time"
)

// OperationType — тип фиксируемой загрузки.
type OperationType string

const (
	// OpUpload — обычная загрузка: дедупликация + новый alias
	OpUpload OperationType = "upload"
	// OpBulkImport — импорт с заданным ID содержимого, без alias
	OpBulkImport OperationType = "bulk_import"
)

// TransactionStatus — статус записи журнала.
type TransactionStatus string

const (
	// StatusPending — фиксация начата
	StatusPending TransactionStatus = "pending"
	// StatusCommitted — метаданные зафиксированы
	StatusCommitted TransactionStatus = "committed"
	// StatusRolledBack — фиксация отменена
	StatusRolledBack TransactionStatus = "rolled_back"
)

// Entry — запись журнала. Хранится как JSON-файл {tx_id}.wal.json.
type Entry struct {
	// TransactionID — идентификатор записи (UUID v4)
	TransactionID string `json:"transaction_id"`

	// Operation — тип загрузки
	Operation OperationType `json:"operation"`

	// Status — текущий статус
	Status TransactionStatus `json:"status"`

	// SHA1 — вычисленный дайджест загружаемых данных
	SHA1 string `json:"sha1"`

	// TempPath — временный файл в incoming/
	TempPath string `json:"temp_path"`

	// ContentID — ID содержимого, под которым файл публикуется.
	// nil до выделения ID (или при попадании в дедупликацию).
	ContentID *int64 `json:"content_id,omitempty"`

	// Reason — причина отмены (для rolled_back)
	Reason string `json:"reason,omitempty"`

	// StartedAt — время начала (UTC)
	StartedAt time.Time `json:"started_at"`

	// CompletedAt — время завершения (UTC). nil для pending.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// walFileName возвращает имя файла журнала для данной записи.
func walFileName(txID string) string {
	return txID + ".wal.json"
}
