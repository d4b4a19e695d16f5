package repository

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"tasksync/internal/apperr"
	"tasksync/internal/model"
)

// MemoryRepository 进程内存储，本地联调和测试使用，数据不落盘
type MemoryRepository struct {
	logger *zap.Logger

	mu       sync.RWMutex
	tasks    map[string]model.Task
	projects map[string]Project
	users    map[string]string
}

func NewMemoryRepository(logger *zap.Logger) *MemoryRepository {
	return &MemoryRepository{
		logger:   logger,
		tasks:    make(map[string]model.Task),
		projects: make(map[string]Project),
		users:    make(map[string]string),
	}
}

// AddUser 写入用户
func (r *MemoryRepository) AddUser(id, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[id] = username
}

// AddProject 写入项目及成员
func (r *MemoryRepository) AddProject(p Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.MemberIDs = append([]string(nil), p.MemberIDs...)
	r.projects[p.Ref.ID] = p
}

func (r *MemoryRepository) List(_ context.Context, q ListQuery) ([]model.Task, int, error) {
	r.mu.RLock()
	matched := make([]model.Task, 0)
	for _, t := range r.tasks {
		if q.matches(t) {
			matched = append(matched, r.withProject(t))
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := q.offset()
	if start > total {
		start = total
	}
	end := start + q.PerPage
	if end > total {
		end = total
	}
	r.logger.Debug("Tasks listed from memory", zap.Int("count", end-start), zap.Int("total", total))
	return matched[start:end], total, nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return model.Task{}, apperr.NotFound("Task not found.")
	}
	return r.withProject(t), nil
}

func (r *MemoryRepository) Insert(_ context.Context, t model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return apperr.Validation("duplicate key: task " + t.ID)
	}
	t.Project = nil
	r.tasks[t.ID] = t.Clone()
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, t model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; !ok {
		return apperr.NotFound("Task not found.")
	}
	t.Project = nil
	r.tasks[t.ID] = t.Clone()
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return apperr.NotFound("Task not found.")
	}
	delete(r.tasks, id)
	return nil
}

func (r *MemoryRepository) GetProject(_ context.Context, id string) (Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	if !ok {
		return Project{}, apperr.NotFound("Project not found.")
	}
	p.MemberIDs = append([]string(nil), p.MemberIDs...)
	return p, nil
}

func (r *MemoryRepository) Username(_ context.Context, userID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[userID], nil
}

func (r *MemoryRepository) Ping(context.Context) error {
	return nil
}

// withProject 调用方需持有读锁
func (r *MemoryRepository) withProject(t model.Task) model.Task {
	c := t.Clone()
	if p, ok := r.projects[t.ProjectIDValue()]; ok && t.IsProjectTask() {
		ref := p.Ref
		c.Project = &ref
	}
	return c
}
