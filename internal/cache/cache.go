// Package cache — TTL-кэш расшифрованных метаданных файлов на время сессии:
// id записи -> {имя, размер, теги}. Значения — иммутабельные копии, поэтому
// конкурирующие Set по одному id безопасны (побеждает последний).
package cache

import (
	"sync"
	"time"

	gocache "github.com/pmylund/go-cache"
	"go.uber.org/zap"

	"VaultShare/internal/access"
	"VaultShare/internal/envelope"
	"VaultShare/internal/model"
)

// UndecryptableName — значение-заглушка для записи, которую не удалось
// расшифровать. Заглушка тоже кэшируется, чтобы не расшифровывать безнадёжную
// запись в горячем цикле.
const UndecryptableName = "undecryptable"

// Metadata — псевдоним для удобства потребителей.
type Metadata = model.CachedMetadata

// Cache — инжектируемый кэш метаданных с выбором короткого/длинного окна
// свежести на сессию. Хранилище и фоновая уборка — go-cache с жёсткой границей
// в длинное окно; актуальное окно применяется при каждом чтении, поэтому
// переключение предпочтения действует на уже лежащие записи при следующем
// доступе, без их перезаписи.
type Cache struct {
	store    *gocache.Cache
	shortTTL time.Duration
	longTTL  time.Duration

	mu     sync.RWMutex
	longer bool

	log *zap.SugaredLogger
}

// New создаёт кэш. sweep — период фоновой уборки просроченных записей.
func New(shortTTL, longTTL, sweep time.Duration, log *zap.SugaredLogger) *Cache {
	if longTTL < shortTTL {
		longTTL = shortTTL
	}
	return &Cache{
		store:    gocache.New(longTTL, sweep),
		shortTTL: shortTTL,
		longTTL:  longTTL,
		log:      log,
	}
}

// Dispose очищает кэш при завершении сессии (блокировка по парольной фразе).
func (c *Cache) Dispose() {
	c.store.Flush()
}

// SetTimeoutPreference переключает окно свежести для будущих проверок.
func (c *Cache) SetTimeoutPreference(longer bool) {
	c.mu.Lock()
	c.longer = longer
	c.mu.Unlock()
}

func (c *Cache) currentTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.longer {
		return c.longTTL
	}
	return c.shortTTL
}

// Get возвращает запись, если она есть и свежа относительно актуального окна;
// просроченная запись вычищается.
func (c *Cache) Get(id string) (Metadata, bool) {
	v, ok := c.store.Get(id)
	if !ok {
		return Metadata{}, false
	}
	m := v.(Metadata)
	if time.Since(m.LastModified) > c.currentTTL() {
		c.store.Delete(id)
		return Metadata{}, false
	}
	return m, true
}

// Set кладёт запись, проставляя время записи.
func (c *Cache) Set(id string, m Metadata) {
	m.ID = id
	m.LastModified = time.Now()
	c.store.Set(id, m, gocache.DefaultExpiration)
}

// Invalidate удаляет запись после мутации её зашифрованных полей.
func (c *Cache) Invalidate(id string) {
	c.store.Delete(id)
}

// InvalidateMany — пакетная инвалидация.
func (c *Cache) InvalidateMany(ids []string) {
	for _, id := range ids {
		c.store.Delete(id)
	}
}

// Len — число живых записей (для диагностики и тестов).
func (c *Cache) Len() int {
	return c.store.ItemCount()
}

// GetOrDecrypt — cache-aside: на промахе раскрывает конверт пользователя,
// расшифровывает имя/размер/теги с учётом оверлеев и кэширует результат.
// Сбой расшифровки одной записи не фатален: кэшируется заглушка, и вызывающий
// продолжает обработку остальных записей.
func (c *Cache) GetOrDecrypt(r *model.FileRecord, userID string, privateKey []byte) Metadata {
	if m, ok := c.Get(r.ID); ok {
		return m
	}
	m := c.decrypt(r, userID, privateKey)
	c.Set(r.ID, m)
	if cached, ok := c.Get(r.ID); ok {
		return cached
	}
	m.ID = r.ID
	return m
}

func (c *Cache) decrypt(r *model.FileRecord, userID string, privateKey []byte) Metadata {
	fallback := Metadata{Name: UndecryptableName, Undecryptable: true}
	env, err := access.Envelope(r, userID)
	if err != nil {
		c.log.Debugw("metadata decrypt: no envelope", "record", r.ID, "user", userID)
		return fallback
	}
	contentKey, err := envelope.UnwrapForRecipient(env, privateKey)
	if err != nil {
		c.log.Debugw("metadata decrypt: unwrap failed", "record", r.ID, "error", err)
		return fallback
	}
	view := access.Resolve(r, userID)
	name, err := envelope.DecryptField(view.Name, contentKey)
	if err != nil {
		c.log.Debugw("metadata decrypt: name", "record", r.ID, "error", err)
		return fallback
	}
	size, err := envelope.DecryptField(view.Size, contentKey)
	if err != nil {
		c.log.Debugw("metadata decrypt: size", "record", r.ID, "error", err)
		return fallback
	}
	m := Metadata{Name: name, Size: size}
	if !view.Tags.IsZero() {
		if tags, err := envelope.DecryptTags(view.Tags, contentKey); err == nil {
			m.Tags = tags
		} else {
			c.log.Debugw("metadata decrypt: tags", "record", r.ID, "error", err)
		}
	}
	return m
}
