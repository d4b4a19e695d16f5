package cache

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"tasksync/pkg/metrics"
)

const DefaultCapacity = 64

// MemoryIndex 进程内 LRU 索引，超出容量时淘汰最久未使用的视图
type MemoryIndex struct {
	entries *lru.Cache[string, Snapshot]
	logger  *zap.Logger

	removing sync.Map // Invalidate 中的键，lru 的 Remove 也会触发淘汰回调

	mu        sync.RWMutex
	listeners []func(key string)
}

func NewMemoryIndex(capacity int, logger *zap.Logger) (*MemoryIndex, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	idx := &MemoryIndex{logger: logger}
	c, err := lru.NewWithEvict[string, Snapshot](capacity, idx.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru cache: %w", err)
	}
	idx.entries = c
	return idx, nil
}

func (m *MemoryIndex) onEvict(key string, _ Snapshot) {
	if _, ok := m.removing.Load(key); ok {
		return
	}
	m.logger.Debug("Scope snapshot evicted", zap.String("scope", key))

	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(key)
	}
}

// OnEvict 注册容量淘汰回调，回调在淘汰发生的 goroutine 中同步执行
func (m *MemoryIndex) OnEvict(fn func(key string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make([]func(string), len(m.listeners), len(m.listeners)+1)
	copy(next, m.listeners)
	m.listeners = append(next, fn)
}

func (m *MemoryIndex) Get(_ context.Context, key string) (Snapshot, bool, error) {
	snap, ok := m.entries.Get(key)
	if !ok {
		metrics.IncrementCacheLookup("memory", "miss")
		return Snapshot{}, false, nil
	}
	metrics.IncrementCacheLookup("memory", "hit")
	return snap.Clone(), true, nil
}

func (m *MemoryIndex) Put(_ context.Context, key string, snap Snapshot) error {
	m.entries.Add(key, snap.Clone())
	return nil
}

func (m *MemoryIndex) Invalidate(_ context.Context, key string) error {
	m.removing.Store(key, struct{}{})
	m.entries.Remove(key)
	m.removing.Delete(key)
	return nil
}

// Len 当前缓存的视图数量
func (m *MemoryIndex) Len() int {
	return m.entries.Len()
}
