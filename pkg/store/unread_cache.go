package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryUnreadCache keeps unread counts in-memory (single instance only).
type MemoryUnreadCache struct {
	mu      sync.Mutex
	entries map[string]unreadEntry
}

type unreadEntry struct {
	count  int
	expiry time.Time
}

// NewMemoryUnreadCache builds an in-memory unread-count cache.
func NewMemoryUnreadCache() *MemoryUnreadCache {
	return &MemoryUnreadCache{
		entries: make(map[string]unreadEntry),
	}
}

// Get returns the cached count for the user, if present and fresh.
func (c *MemoryUnreadCache) Get(userID string) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[userID]
	if !ok {
		return 0, false, nil
	}
	if time.Now().After(entry.expiry) {
		delete(c.entries, userID)
		return 0, false, nil
	}
	return entry.count, true, nil
}

// Set stores the count for the user until the ttl elapses.
func (c *MemoryUnreadCache) Set(userID string, count int, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	c.entries[userID] = unreadEntry{count: count, expiry: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Invalidate drops the cached count for the user.
func (c *MemoryUnreadCache) Invalidate(userID string) error {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
	return nil
}

// RedisUnreadCache caches unread counts in Redis so polling clients do not
// hit the database on every request.
type RedisUnreadCache struct {
	client *redis.Client
}

// NewRedisUnreadCache builds a Redis-backed unread-count cache.
func NewRedisUnreadCache(addr, password string) *RedisUnreadCache {
	return &RedisUnreadCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
	}
}

// Get returns the cached count for the user, if present.
func (c *RedisUnreadCache) Get(userID string) (int, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := c.client.Get(ctx, unreadKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, nil
	}
	return count, true, nil
}

// Set stores the count for the user until the ttl elapses.
func (c *RedisUnreadCache) Set(userID string, count int, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.client.Set(ctx, unreadKey(userID), strconv.Itoa(count), ttl).Err()
}

// Invalidate drops the cached count for the user.
func (c *RedisUnreadCache) Invalidate(userID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.client.Del(ctx, unreadKey(userID)).Err()
}

func unreadKey(userID string) string {
	return "shelfmark:messages:unread:" + userID
}
