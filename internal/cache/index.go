package cache

import (
	"context"

	"tasksync/internal/model"
)

// Snapshot 一个视图的列表与分页状态
type Snapshot struct {
	Tasks      []model.Task `json:"tasks"`
	Cursor     int          `json:"cursor"`
	HasMore    bool         `json:"has_more"`
	TotalCount int          `json:"total_count"`
}

// Clone 深拷贝
func (s Snapshot) Clone() Snapshot {
	c := s
	c.Tasks = model.CloneTasks(s.Tasks)
	return c
}

// Index 缓存键 → 快照。只由 Task Store 写入；键由调用方按用户划分命名空间
type Index interface {
	Get(ctx context.Context, key string) (Snapshot, bool, error)
	Put(ctx context.Context, key string, snap Snapshot) error
	Invalidate(ctx context.Context, key string) error
}

// EvictionNotifier 按容量淘汰条目的索引实现它；Invalidate 不算淘汰
type EvictionNotifier interface {
	OnEvict(fn func(key string))
}
