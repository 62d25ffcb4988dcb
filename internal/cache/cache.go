package cache

import (
	"sync"
	"time"
)

type Storage interface {
	Get(key string) []byte
	Set(key string, content []byte, duration time.Duration)
}

type item struct {
	content []byte
	expires time.Time
}

// Memory is a Storage kept in process memory.
type Memory struct {
	mu    sync.RWMutex
	items map[string]item
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]item)}
}

// Get returns the content stored under key, or nil if it is missing or expired.
func (m *Memory) Get(key string) []byte {
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	if time.Now().After(it.expires) {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		return nil
	}
	return it.content
}

func (m *Memory) Set(key string, content []byte, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = item{content: content, expires: time.Now().Add(duration)}
}
