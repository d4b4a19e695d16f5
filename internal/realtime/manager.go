package realtime

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

type entry struct {
	sub  Subscription
	refs int
}

// Manager 按项目引用计数管理订阅：第一个引用时打开，最后一个释放时关闭
type Manager struct {
	source    Source
	processor *Processor
	logger    *zap.Logger

	mu        sync.Mutex
	subs      map[string]*entry
	listeners []Listener
}

// Listener 事件合并之后回调，affected 为受影响的视图数
type Listener func(ev Event, affected int)

func NewManager(source Source, processor *Processor, logger *zap.Logger) *Manager {
	return &Manager{
		source:    source,
		processor: processor,
		logger:    logger,
		subs:      make(map[string]*entry),
	}
}

// Acquire 引用项目的推送流，返回的 release 可重复调用
func (m *Manager) Acquire(projectID string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.subs[projectID]
	if !ok {
		sub, err := m.source.Subscribe(projectID, m.handle)
		if err != nil {
			m.logger.Error("Failed to subscribe to project events", zap.String("project_id", projectID), zap.Error(err))
			return nil, err
		}
		e = &entry{sub: sub}
		m.subs[projectID] = e
		m.logger.Info("Project subscription opened", zap.String("project_id", projectID))
	}
	e.refs++

	var once sync.Once
	return func() {
		once.Do(func() { m.release(projectID) })
	}, nil
}

func (m *Manager) release(projectID string) {
	m.mu.Lock()
	e, ok := m.subs[projectID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.subs, projectID)
	m.mu.Unlock()

	// Close 会等待后台 goroutine 退出，不能持锁
	if err := e.sub.Close(); err != nil {
		m.logger.Warn("Failed to close project subscription", zap.String("project_id", projectID), zap.Error(err))
	}
	m.logger.Info("Project subscription closed", zap.String("project_id", projectID))
}

func (m *Manager) handle(_ context.Context, ev Event) {
	affected, err := m.processor.Apply(ev)
	if err != nil {
		return
	}
	m.mu.Lock()
	listeners := m.listeners
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(ev, affected)
	}
}

// Listen 注册合并后的回调，回调在订阅的 goroutine 中执行
func (m *Manager) Listen(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners[:len(m.listeners):len(m.listeners)], fn)
}

// Active 当前打开的项目订阅
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subs))
	for id := range m.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close 关闭全部订阅
func (m *Manager) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*entry)
	m.mu.Unlock()

	for id, e := range subs {
		if err := e.sub.Close(); err != nil {
			m.logger.Warn("Failed to close project subscription", zap.String("project_id", id), zap.Error(err))
		}
	}
}
