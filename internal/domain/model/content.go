// Пакет model — доменные модели Librarian.
// Content — неизменяемая запись о содержимом (блоб на диске),
// Alias — пользовательское имя для содержимого,
// TimeLimitedToken — устаревший одноразовый токен доступа к пути.
package model

import "time"

// Content — метаданные блоба, хранящегося на диске по шардированному пути.
// После создания не изменяется. Несколько Content могут иметь одинаковый SHA-1
// только если байты различаются (коллизия дайджеста).
type Content struct {
	// ID — идентификатор содержимого, определяет путь на диске
	ID int64 `json:"id"`
	// FileSize — размер в байтах
	FileSize int64 `json:"filesize"`
	// SHA1 — hex-дайджест SHA-1 (ключ дедупликации)
	SHA1 string `json:"sha1"`
	// MD5 — hex-дайджест MD5
	MD5 string `json:"md5"`
	// SHA256 — hex-дайджест SHA-256
	SHA256 string `json:"sha256"`
	// DateCreated — время создания записи
	DateCreated time.Time `json:"datecreated"`
}

// Alias — имя, под которым содержимое отдаётся клиентам.
// Флаг Restricted фиксируется при создании и определяет раздел
// (публичный или закрытый).
type Alias struct {
	ID          int64      `json:"id"`
	ContentID   int64      `json:"content_id"`
	Filename    string     `json:"filename"`
	Mimetype    string     `json:"mimetype"`
	Expires     *time.Time `json:"expires,omitempty"`
	Restricted  bool       `json:"restricted"`
	DateCreated time.Time  `json:"datecreated"`
}

// AliasInfo — краткое описание alias, возвращаемое getAliases.
type AliasInfo struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename"`
	Mimetype string `json:"mimetype"`
}

// Info возвращает краткое описание alias.
func (a *Alias) Info() AliasInfo {
	return AliasInfo{ID: a.ID, Filename: a.Filename, Mimetype: a.Mimetype}
}

// IsExpired проверяет, истёк ли срок хранения alias на момент now.
// Alias без срока не истекает никогда.
func (a *Alias) IsExpired(now time.Time) bool {
	return a.Expires != nil && !now.Before(*a.Expires)
}

// ServedAlias — alias вместе с содержимым, на которое он ссылается.
// Возвращается только если запись Content существует.
type ServedAlias struct {
	Alias   Alias
	Content Content
}

// TimeLimitedToken — токен доступа к конкретному пути.
// Token хранит SHA-256 hex-дайджест исходного токена, а не сам токен.
type TimeLimitedToken struct {
	Path    string    `json:"path"`
	Token   string    `json:"token"`
	Created time.Time `json:"created"`
}
