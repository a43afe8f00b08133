package openproject

import (
	"log/slog"
	"sync"
)

// Cache maps connection-parameter keys to pooled client handles. It exists
// so that a config change swaps clients explicitly: the stale handle is
// closed and removed instead of lingering as ambient global state.
type Cache struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*Client
}

func NewCache(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		logger:  logger.With(slog.String("component", "client-cache")),
		entries: make(map[string]*Client),
	}
}

// Get returns the client for cfg, creating it lazily. Entries under any
// other key are evicted and closed: a new key means the configuration
// changed and the old pool must not keep its connections open.
func (c *Cache) Get(cfg ClientConfig) *Client {
	key := cfg.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.entries[key]; ok {
		return client
	}
	for stale, client := range c.entries {
		_ = client.Close()
		delete(c.entries, stale)
		c.logger.Info("evicted stale client", slog.String("key", stale[:8]))
	}
	client := NewClient(cfg, c.logger)
	c.entries[key] = client
	c.logger.Info("created client", slog.String("key", key[:8]))
	return client
}

// Evict closes and removes the client for cfg, if present.
func (c *Cache) Evict(cfg ClientConfig) {
	key := cfg.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.entries[key]; ok {
		_ = client.Close()
		delete(c.entries, key)
	}
}

// CloseAll tears down every cached client. Safe to call more than once.
func (c *Cache) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, client := range c.entries {
		_ = client.Close()
		delete(c.entries, key)
	}
}
