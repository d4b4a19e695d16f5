package store

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"tasksync/internal/cache"
	"tasksync/internal/scope"
)

// Registry 当前用户持有的全部视图。实时事件和跨视图同步都遍历这里。
// 缓存索引按容量淘汰某个快照时，没有被视图持有的 Store 随之销毁；
// 索引不通知淘汰时（Redis 按 TTL 过期），最后一个视图释放后就销毁，快照留在索引里
type Registry struct {
	fetcher  PageFetcher
	index    cache.Index
	opts     Options
	logger   *zap.Logger
	notifies bool

	mu     sync.RWMutex
	stores map[string]*Store
	held   map[string]int
}

func NewRegistry(fetcher PageFetcher, index cache.Index, opts Options, logger *zap.Logger) *Registry {
	r := &Registry{
		fetcher: fetcher,
		index:   index,
		opts:    opts.withDefaults(),
		logger:  logger,
		stores:  make(map[string]*Store),
		held:    make(map[string]int),
	}
	if n, ok := index.(cache.EvictionNotifier); ok {
		r.notifies = true
		n.OnEvict(r.onEvict)
	}
	return r
}

// Open 已持有则直接返回；否则先查缓存索引，命中时不访问网络，未命中时加载第一页。
// 加载失败时视图仍然保留，调用方可以重试
func (r *Registry) Open(ctx context.Context, s scope.Scope) (*Store, error) {
	key := s.Key()

	r.mu.Lock()
	if st, ok := r.stores[key]; ok {
		r.mu.Unlock()
		return st, nil
	}
	st := New(s, r.fetcher, r.index, r.opts, r.logger)
	r.stores[key] = st
	r.mu.Unlock()

	hit, err := st.RestoreFromCache(ctx)
	if err != nil {
		r.logger.Warn("Cache index lookup failed, loading from service", zap.String("scope", key), zap.Error(err))
	}
	if hit {
		r.logger.Info("Scope opened from cache", zap.String("scope", key))
		return st, nil
	}

	r.logger.Info("Scope cache miss, loading first page", zap.String("scope", key))
	return st, st.LoadPage(ctx, 1, true)
}

// Hold 视图打开时引用 Store，被引用的 Store 不会因淘汰而销毁
func (r *Registry) Hold(ctx context.Context, s scope.Scope) (*Store, error) {
	r.mu.Lock()
	r.held[s.Key()]++
	r.mu.Unlock()
	return r.Open(ctx, s)
}

// Release Hold 的逆操作
func (r *Registry) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held[key] > 1 {
		r.held[key]--
		return
	}
	delete(r.held, key)
	if !r.notifies {
		delete(r.stores, key)
		r.logger.Debug("Scope released", zap.String("scope", key))
	}
}

func (r *Registry) Get(key string) (*Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.stores[key]
	return st, ok
}

// Stores 当前持有视图的列表（拷贝）
func (r *Registry) Stores() []*Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Store, 0, len(r.stores))
	for _, st := range r.stores {
		out = append(out, st)
	}
	return out
}

// Evict 丢弃视图并失效其缓存
func (r *Registry) Evict(ctx context.Context, key string) {
	r.mu.Lock()
	delete(r.stores, key)
	delete(r.held, key)
	r.mu.Unlock()

	if err := r.index.Invalidate(ctx, CacheKey(r.opts.User, key)); err != nil {
		r.logger.Warn("Failed to invalidate evicted scope", zap.String("scope", key), zap.Error(err))
	}
	r.logger.Info("Scope evicted", zap.String("scope", key))
}

// onEvict 索引淘汰了快照；可能是其他用户的键
func (r *Registry) onEvict(cacheKey string) {
	key := cacheKey
	if r.opts.User != "" {
		var ok bool
		if key, ok = strings.CutPrefix(cacheKey, r.opts.User+"/"); !ok {
			return
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[key]; !ok || r.held[key] > 0 {
		return
	}
	delete(r.stores, key)
	r.logger.Debug("Scope dropped after cache eviction", zap.String("scope", key))
}
