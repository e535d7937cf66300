// cache.go — кэш содержимого записей для GetFileState и выборок.
package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// contentCache — LRU кэш содержимого записей с TTL.
// Параллельные загрузки одного id объединяются через singleflight.
// При size <= 0 кэш выключен и Load всегда читает с диска.
type contentCache struct {
	lru   *expirable.LRU[uuid.UUID, string]
	group singleflight.Group

	// mu делает проверку gen и добавление в кэш атомарными относительно
	// Invalidate. gen увеличивается при каждой инвалидации; загрузка,
	// начатая до инвалидации, не попадает в кэш.
	mu  sync.Mutex
	gen uint64
}

type loadResult struct {
	content string
	ok      bool
}

func newContentCache(size int, ttl time.Duration) *contentCache {
	c := &contentCache{}
	if size > 0 {
		c.lru = expirable.NewLRU[uuid.UUID, string](size, nil, ttl)
	}
	return c
}

// Load возвращает содержимое id из кэша или через load.
// ok=false означает, что содержимого нет; такой результат не кэшируется.
func (c *contentCache) Load(id uuid.UUID, load func() (string, bool, error)) (string, bool, error) {
	if c.lru != nil {
		if v, hit := c.lru.Get(id); hit {
			cacheRequestsTotal.WithLabelValues("hit").Inc()
			return v, true, nil
		}
	}
	cacheRequestsTotal.WithLabelValues("miss").Inc()

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	v, err, _ := c.group.Do(id.String(), func() (any, error) {
		content, ok, err := load()
		if err != nil {
			return nil, err
		}
		if ok && c.lru != nil {
			c.mu.Lock()
			if c.gen == gen {
				c.lru.Add(id, content)
			}
			c.mu.Unlock()
		}
		return loadResult{content: content, ok: ok}, nil
	})
	if err != nil {
		return "", false, err
	}
	res := v.(loadResult)
	return res.content, res.ok, nil
}

// Invalidate удаляет id из кэша.
func (c *contentCache) Invalidate(id uuid.UUID) {
	c.mu.Lock()
	c.gen++
	if c.lru != nil {
		c.lru.Remove(id)
	}
	c.mu.Unlock()
	c.group.Forget(id.String())
}

// Len возвращает количество закэшированных записей.
func (c *contentCache) Len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}
