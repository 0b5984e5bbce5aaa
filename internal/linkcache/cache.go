package linkcache

import (
	"context"
	"log"
	"sync"
	"time"
)

// DefaultTTL 为变现链接的默认有效期
const DefaultTTL = 24 * time.Hour

// Entry 原始链接到变现链接的一条映射
type Entry struct {
	OriginalURL  string    `json:"originalUrl"`
	MonetizedURL string    `json:"monetizedUrl"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Valid 仅当 now 早于过期时间时有效
func (e Entry) Valid(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Backend 负责整份缓存的持久化
type Backend interface {
	Load(ctx context.Context) (map[string]Entry, error)
	Save(ctx context.Context, entries map[string]Entry) error
}

type Stats struct {
	Total   int           `json:"total"`
	Valid   int           `json:"valid"`
	Expired int           `json:"expired"`
	TTL     time.Duration `json:"ttl"`
}

// Cache 是带 TTL 的内存映射，每次修改后整体写回 Backend，可并发使用
type Cache struct {
	ttl     time.Duration
	backend Backend
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry

	// 串行化写回，保证最后一次写入的是最新快照
	saveMu sync.Mutex
}

func New(backend Backend, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		backend: backend,
		now:     time.Now,
		entries: make(map[string]Entry),
	}
}

// WithClock 替换时钟，仅测试使用
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Load 从 Backend 恢复，过期条目直接丢弃
func (c *Cache) Load(ctx context.Context) error {
	if c.backend == nil {
		return nil
	}
	loaded, err := c.backend.Load(ctx)
	if err != nil {
		return err
	}

	now := c.now()
	c.mu.Lock()
	kept := 0
	for k, e := range loaded {
		if e.Valid(now) {
			c.entries[k] = e
			kept++
		}
	}
	c.mu.Unlock()

	log.Printf("linkcache: restored %d entries (%d expired dropped)", kept, len(loaded)-kept)
	return nil
}

// Get 只返回未过期的条目
func (c *Cache) Get(originalURL string) (string, bool) {
	c.mu.RLock()
	e, ok := c.entries[originalURL]
	c.mu.RUnlock()
	if !ok || !e.Valid(c.now()) {
		return "", false
	}
	return e.MonetizedURL, true
}

// Set 写入并立即持久化；持久化失败不影响内存中的结果
func (c *Cache) Set(ctx context.Context, originalURL, monetizedURL string) error {
	now := c.now()
	c.mu.Lock()
	c.entries[originalURL] = Entry{
		OriginalURL:  originalURL,
		MonetizedURL: monetizedURL,
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.ttl),
	}
	c.mu.Unlock()
	return c.persist(ctx)
}

// Sweep 物理删除过期条目，返回删除数量
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	now := c.now()
	c.mu.Lock()
	removed := 0
	for k, e := range c.entries {
		if !e.Valid(now) {
			delete(c.entries, k)
			removed++
		}
	}
	c.mu.Unlock()

	if removed == 0 {
		return 0, nil
	}
	log.Printf("linkcache: swept %d expired entries", removed)
	return removed, c.persist(ctx)
}

// Flush 在进程退出前调用
func (c *Cache) Flush(ctx context.Context) error {
	return c.persist(ctx)
}

func (c *Cache) Stats() Stats {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Stats{Total: len(c.entries), TTL: c.ttl}
	for _, e := range c.entries {
		if e.Valid(now) {
			st.Valid++
		} else {
			st.Expired++
		}
	}
	return st
}

func (c *Cache) persist(ctx context.Context) error {
	if c.backend == nil {
		return nil
	}
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.RLock()
	snapshot := make(map[string]Entry, len(c.entries))
	for k, e := range c.entries {
		snapshot[k] = e
	}
	c.mu.RUnlock()

	if err := c.backend.Save(ctx, snapshot); err != nil {
		log.Printf("linkcache: persist %d entries: %v", len(snapshot), err)
		return err
	}
	return nil
}
