package statcache

import (
	"context"
	"strconv"
	"sync"
)

// Memory is the in-process Cache used when no external hash store is
// configured. Safe for concurrent use.
type Memory struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]string)}
}

func (m *Memory) hash(key string) map[string]string {
	h, ok := m.data[key]
	if !ok {
		h = make(map[string]string)
		m.data[key] = h
	}
	return h
}

func (m *Memory) HIncrBy(ctx context.Context, key, field string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hash(key)
	cur, _ := strconv.ParseInt(h[field], 10, 64)
	h[field] = strconv.FormatInt(cur+delta, 10)
	return nil
}

func (m *Memory) HSet(ctx context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hash(key)[field] = value
	return nil
}

func (m *Memory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.data[key]))
	for k, v := range m.data[key] {
		out[k] = v
	}
	return out, nil
}
