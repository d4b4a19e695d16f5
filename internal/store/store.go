package store

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tasksync/internal/apperr"
	"tasksync/internal/cache"
	"tasksync/internal/model"
	"tasksync/internal/scope"
	"tasksync/pkg/metrics"
	"tasksync/pkg/otel"
)

const (
	DefaultPerPage     = 20
	DefaultPageTimeout = 10 * time.Second
	persistTimeout     = 2 * time.Second
)

// PageFetcher 远端任务服务的分页查询
type PageFetcher interface {
	FetchPage(ctx context.Context, s scope.Scope, page, perPage int) (model.TaskPage, error)
}

type Options struct {
	PerPage     int
	PageTimeout time.Duration
	// User 缓存索引的命名空间，通常是当前用户 id。mine/personal 以及非 owner 看到的项目列表都因人而异
	User string
}

// CacheKey 缓存索引中的键："<user>/<scope key>"，user 为空时只用视图键
func CacheKey(user, scopeKey string) string {
	if user == "" {
		return scopeKey
	}
	return user + "/" + scopeKey
}

func (o Options) withDefaults() Options {
	if o.PerPage <= 0 {
		o.PerPage = DefaultPerPage
	}
	if o.PageTimeout <= 0 {
		o.PageTimeout = DefaultPageTimeout
	}
	return o
}

// State 视图当前状态的只读拷贝
type State struct {
	Tasks      []model.Task
	Cursor     int
	HasMore    bool
	TotalCount int
	Loading    bool
}

// Store 单个视图的有序列表与分页游标。列表只能通过 Store 的方法修改
type Store struct {
	scope    scope.Scope
	cacheKey string
	fetcher  PageFetcher
	index    cache.Index
	opts     Options
	logger   *zap.Logger

	mu      sync.Mutex
	tasks   []model.Task
	cursor  int
	hasMore bool
	total   int
	loading bool
	gen     uint64 // Refresh 时递增，用来丢弃过期的在途分页
}

func New(s scope.Scope, fetcher PageFetcher, index cache.Index, opts Options, logger *zap.Logger) *Store {
	return &Store{
		scope:    s,
		cacheKey: CacheKey(opts.User, s.Key()),
		fetcher:  fetcher,
		index:    index,
		opts:     opts.withDefaults(),
		logger:   logger.With(zap.String("scope", s.Key())),
		cursor:   1,
		hasMore:  true,
	}
}

func (s *Store) Scope() scope.Scope {
	return s.scope
}

// CacheKey 本视图在缓存索引中的键
func (s *Store) CacheKey() string {
	return s.cacheKey
}

// LoadPage 拉取一页。isRefresh 时替换列表，否则追加并跳过已存在的 id。
// 已有分页在途时直接返回；失败时列表、游标、hasMore 均不变
func (s *Store) LoadPage(ctx context.Context, page int, isRefresh bool) error {
	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		s.logger.Debug("LoadPage skipped: page already loading", zap.Int("page", page))
		return nil
	}
	s.loading = true
	gen := s.gen
	s.mu.Unlock()

	ctx, span := otel.StartSpan(ctx, "store.load_page", trace.WithAttributes(
		attribute.String("tasksync.scope", s.scope.Key()),
		attribute.Int("tasksync.page", page),
		attribute.Bool("tasksync.refresh", isRefresh),
	))
	defer span.End()

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.PageTimeout)
	defer cancel()

	s.logger.Debug("Fetching task page", zap.Int("page", page), zap.Int("per_page", s.opts.PerPage), zap.Bool("refresh", isRefresh))
	start := time.Now()
	result, err := s.fetcher.FetchPage(fetchCtx, s.scope, page, s.opts.PerPage)
	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.RecordPageFetch(string(s.scope.Kind), status, time.Since(start))

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		s.logger.Debug("Discarding stale page after refresh", zap.Int("page", page))
		return nil
	}
	s.loading = false

	if err != nil {
		s.logger.Warn("Failed to load task page", zap.Int("page", page), zap.Error(err))
		if apperr.KindOf(err) == apperr.KindUnknown {
			return apperr.Network("Error loading tasks. Please try again later.", err)
		}
		return err
	}

	if isRefresh {
		s.tasks = dedupe(result.Tasks)
	} else {
		s.tasks = appendUnique(s.tasks, result.Tasks)
	}
	s.total = result.TotalCount
	s.hasMore = len(s.tasks) < s.total
	s.cursor = page + 1
	s.persistLocked()
	span.SetAttributes(attribute.Int("tasksync.received", len(result.Tasks)))

	s.logger.Info("Task page loaded",
		zap.Int("page", page),
		zap.Int("received", len(result.Tasks)),
		zap.Int("count", len(s.tasks)),
		zap.Int("total_count", s.total),
		zap.Bool("has_more", s.hasMore),
	)
	return nil
}

// LoadMore 未在加载且还有更多时拉取下一页
func (s *Store) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if s.loading || !s.hasMore {
		s.mu.Unlock()
		return nil
	}
	cursor := s.cursor
	s.mu.Unlock()
	return s.LoadPage(ctx, cursor, false)
}

// Refresh 失效缓存、重置状态后重新拉取第一页
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.gen++
	s.loading = false
	s.tasks = nil
	s.cursor = 1
	s.hasMore = true
	s.total = 0
	if err := s.index.Invalidate(ctx, s.cacheKey); err != nil {
		s.logger.Warn("Failed to invalidate scope cache", zap.Error(err))
	}
	s.mu.Unlock()

	return s.LoadPage(ctx, 1, true)
}

// RestoreFromCache 命中缓存时用快照恢复状态，不访问网络
func (s *Store) RestoreFromCache(ctx context.Context) (bool, error) {
	snap, ok, err := s.index.Get(ctx, s.cacheKey)
	if err != nil || !ok {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = dedupe(snap.Tasks)
	s.cursor = snap.Cursor
	if s.cursor < 1 {
		s.cursor = 1
	}
	s.hasMore = snap.HasMore
	s.total = snap.TotalCount
	s.logger.Debug("Scope restored from cache", zap.Int("count", len(s.tasks)), zap.Int("cursor", s.cursor))
	return true, nil
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Tasks:      model.CloneTasks(s.tasks),
		Cursor:     s.cursor,
		HasMore:    s.hasMore,
		TotalCount: s.total,
		Loading:    s.loading,
	}
}

// Tasks 当前列表的拷贝
func (s *Store) Tasks() []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.CloneTasks(s.tasks)
}

// Snapshot 当前列表的独立拷贝，用于每次调用各自的回滚
func (s *Store) Snapshot() []model.Task {
	return s.Tasks()
}

// RestoreEntry 按快照恢复单个任务：快照中有则放回原位，没有则移除。
// 列表里其他任务保持当前值，只有一个调用在途时结果与快照完全一致
func (s *Store) RestoreEntry(id string, snap []model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := indexOf(s.tasks, id)
	at := indexOf(snap, id)
	switch {
	case at < 0 && cur >= 0:
		s.tasks = append(s.tasks[:cur], s.tasks[cur+1:]...)
	case at >= 0 && cur >= 0:
		s.tasks[cur] = snap[at].Clone()
	case at >= 0:
		entry := snap[at].Clone()
		if at > len(s.tasks) {
			at = len(s.tasks)
		}
		s.tasks = append(s.tasks[:at], append([]model.Task{entry}, s.tasks[at:]...)...)
	default:
		return
	}
	s.persistLocked()
}

func (s *Store) Find(id string) (model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexOf(s.tasks, id); i >= 0 {
		return s.tasks[i].Clone(), true
	}
	return model.Task{}, false
}

func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return indexOf(s.tasks, id) >= 0
}

// Update 原地修改指定任务，不存在时返回 false
func (s *Store) Update(id string, fn func(t *model.Task)) (model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := indexOf(s.tasks, id)
	if i < 0 {
		return model.Task{}, false
	}
	t := s.tasks[i].Clone()
	fn(&t)
	s.tasks[i] = t
	s.persistLocked()
	return t.Clone(), true
}

// Replace 按 id 原地整体替换，位置不变
func (s *Store) Replace(t model.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := indexOf(s.tasks, t.ID)
	if i < 0 {
		return false
	}
	s.tasks[i] = t.Clone()
	s.persistLocked()
	return true
}

// ReplaceID 用服务端对象替换本地占位项；服务端 id 已在列表中时只移除占位项
func (s *Store) ReplaceID(oldID string, t model.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := indexOf(s.tasks, oldID)
	if i < 0 {
		return false
	}
	if oldID != t.ID {
		if j := indexOf(s.tasks, t.ID); j >= 0 {
			s.tasks[j] = t.Clone()
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			s.persistLocked()
			return true
		}
	}
	s.tasks[i] = t.Clone()
	s.persistLocked()
	return true
}

// Prepend 插到列表头部，id 已存在时不插入
func (s *Store) Prepend(t model.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if indexOf(s.tasks, t.ID) >= 0 {
		return false
	}
	s.tasks = append([]model.Task{t.Clone()}, s.tasks...)
	s.persistLocked()
	return true
}

// Remove 删除指定 id，幂等
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := indexOf(s.tasks, id)
	if i < 0 {
		return false
	}
	s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
	s.persistLocked()
	return true
}

// persistLocked 把当前状态写入缓存索引，调用方需持有锁
func (s *Store) persistLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	snap := cache.Snapshot{
		Tasks:      model.CloneTasks(s.tasks),
		Cursor:     s.cursor,
		HasMore:    s.hasMore,
		TotalCount: s.total,
	}
	if err := s.index.Put(ctx, s.cacheKey, snap); err != nil {
		s.logger.Warn("Failed to persist scope snapshot", zap.Error(err))
	}
}

func indexOf(tasks []model.Task, id string) int {
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func appendUnique(dst, src []model.Task) []model.Task {
	seen := make(map[string]struct{}, len(dst)+len(src))
	out := make([]model.Task, 0, len(dst)+len(src))
	for _, t := range dst {
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	for _, t := range src {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t.Clone())
	}
	return out
}

func dedupe(tasks []model.Task) []model.Task {
	return appendUnique(nil, tasks)
}
