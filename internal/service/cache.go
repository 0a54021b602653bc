// cache.go — LRU-кэш с TTL наличия содержимого в S3-зеркале.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LocationCache — кэш ID содержимого, найденного в зеркале.
// Хранит только положительные ответы зеркала: содержимое неизменяемо,
// а записи alias и Content каталог проверяет на каждый запрос.
type LocationCache struct {
	cache *expirable.LRU[int64, struct{}]
}

// NewLocationCache создаёт кэш. maxSize = 0 — кэш отключён (nil).
func NewLocationCache(maxSize int, ttl time.Duration) *LocationCache {
	if maxSize <= 0 {
		return nil
	}
	return &LocationCache{cache: expirable.NewLRU[int64, struct{}](maxSize, nil, ttl)}
}

// InMirror сообщает, известно ли, что содержимое есть в зеркале.
// Безопасен для nil-кэша.
func (c *LocationCache) InMirror(contentID int64) bool {
	if c == nil {
		return false
	}
	if _, ok := c.cache.Get(contentID); ok {
		cacheHitsTotal.Inc()
		return true
	}
	cacheMissesTotal.Inc()
	return false
}

// SetInMirror запоминает, что содержимое есть в зеркале.
func (c *LocationCache) SetInMirror(contentID int64) {
	if c == nil {
		return
	}
	c.cache.Add(contentID, struct{}{})
}

// Delete удаляет запись (объект пропал из зеркала).
func (c *LocationCache) Delete(contentID int64) {
	if c == nil {
		return
	}
	c.cache.Remove(contentID)
}

// Len возвращает количество записей.
func (c *LocationCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}
