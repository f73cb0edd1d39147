package cache

import (
	"strings"
	"sync"
	"time"
)

// Clock 返回当前时间，测试中可替换以模拟过期
type Clock func() time.Time

// LocalCache 带 TTL 的进程内缓存
//
// 特点：
// - 每个条目独立过期，读取时惰性判断，后台周期清理
// - Update 在同一把锁内完成读改写，可用来维护集合类的值
// - 时钟可注入
type LocalCache struct {
	mu      sync.RWMutex
	data    map[string]*cacheEntry
	ttl     time.Duration
	now     Clock
	stop    chan struct{}
	stopped sync.Once
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// Option 缓存选项
type Option func(*LocalCache)

// WithClock 替换时钟
func WithClock(clock Clock) Option {
	return func(c *LocalCache) {
		c.now = clock
	}
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - ttl: 默认过期时间
//   - cleanupInterval: 后台清理周期，<= 0 时不启动清理协程
func NewLocalCache(ttl, cleanupInterval time.Duration, opts ...Option) *LocalCache {
	c := &LocalCache{
		data: make(map[string]*cacheEntry),
		ttl:  ttl,
		now:  time.Now,
		stop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cleanupInterval > 0 {
		go c.cleanupLoop(cleanupInterval)
	}

	return c
}

// Get 获取缓存值
func (c *LocalCache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok || c.expired(entry) {
		return nil, false
	}
	return entry.value, true
}

// Exists 判断键是否存在且未过期
func (c *LocalCache) Exists(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (c *LocalCache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	c.data[key] = &cacheEntry{value: value, expiresAt: c.now().Add(c.resolveTTL(ttl))}
	c.mu.Unlock()
}

// Update 原子地读改写一个键，并把过期时间重置为 ttl。
// fn 收到旧值（已过期视为不存在），返回新值；返回 nil 表示删除该键。
func (c *LocalCache) Update(key string, ttl time.Duration, fn func(old interface{}, ok bool) interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var old interface{}
	entry, ok := c.data[key]
	if ok && c.expired(entry) {
		ok = false
	}
	if ok {
		old = entry.value
	}

	value := fn(old, ok)
	if value == nil {
		delete(c.data, key)
		return
	}
	c.data[key] = &cacheEntry{value: value, expiresAt: c.now().Add(c.resolveTTL(ttl))}
}

// Replace 原子地替换一个已存在的键，不改变过期时间。
// fn 返回 nil 时删除该键。键不存在时返回 false。
func (c *LocalCache) Replace(key string, fn func(value interface{}) interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok || c.expired(entry) {
		return false
	}
	value := fn(entry.value)
	if value == nil {
		delete(c.data, key)
		return true
	}
	c.data[key] = &cacheEntry{value: value, expiresAt: entry.expiresAt}
	return true
}

// Delete 删除缓存值，返回键之前是否存在
func (c *LocalCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return false
	}
	delete(c.data, key)
	return !c.expired(entry)
}

// Keys 返回所有未过期且带指定前缀的键
func (c *LocalCache) Keys(prefix string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0)
	for key, entry := range c.data {
		if strings.HasPrefix(key, prefix) && !c.expired(entry) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Purge 立即清理过期条目，返回清理数量
func (c *LocalCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.data {
		if c.expired(entry) {
			delete(c.data, key)
			removed++
		}
	}
	return removed
}

// Close 停止后台清理
func (c *LocalCache) Close() {
	c.stopped.Do(func() {
		close(c.stop)
	})
}

func (c *LocalCache) expired(entry *cacheEntry) bool {
	return !c.now().Before(entry.expiresAt)
}

func (c *LocalCache) resolveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.ttl
	}
	return ttl
}

// cleanupLoop 定期清理过期条目
func (c *LocalCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Purge()
		case <-c.stop:
			return
		}
	}
}
