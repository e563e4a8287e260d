package upload

import "sync"

// Credentials holds the current access key for the central system. The key
// is rotated by reconciliation while the uploader and the connectivity
// monitor read it, so access goes through a lock.
type Credentials struct {
	mu  sync.RWMutex
	key string
}

func NewCredentials(key string) *Credentials {
	return &Credentials{key: key}
}

func (c *Credentials) Get() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

func (c *Credentials) Set(key string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	c.key = key
	c.mu.Unlock()
}
