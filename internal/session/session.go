package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"tasksync/internal/apperr"
	"tasksync/internal/lifecycle"
	"tasksync/internal/model"
	"tasksync/internal/mutation"
	"tasksync/internal/scope"
	"tasksync/internal/store"
	"tasksync/pkg/util"
)

// DefaultPrefetchThreshold 距离列表末尾多少条时触发下一页
const DefaultPrefetchThreshold = 5

// Subscriber 项目推送流的引用计数
type Subscriber interface {
	Acquire(projectID string) (func(), error)
}

type Deps struct {
	Registry *store.Registry
	Executor *mutation.Executor
	Realtime Subscriber
	Reporter *ErrorReporter
}

// Session 当前用户、当前视图以及持有的全部视图
type Session struct {
	actor    mutation.Actor
	registry *store.Registry
	executor *mutation.Executor
	realtime Subscriber
	reporter *ErrorReporter
	logger   *zap.Logger

	mu     sync.Mutex
	active *View
	views  map[*View]struct{}
}

// UserFromToken 从 bearer token 中取出当前用户 id（不校验签名）
func UserFromToken(token string) (string, error) {
	if token == "" {
		return "", apperr.Validation("missing token")
	}
	id, err := util.SubjectUnverified(token)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, "invalid token", err)
	}
	return id, nil
}

func New(userID, username string, deps Deps, logger *zap.Logger) *Session {
	return &Session{
		actor:    mutation.Actor{ID: userID, Username: username},
		registry: deps.Registry,
		executor: deps.Executor,
		realtime: deps.Realtime,
		reporter: deps.Reporter,
		logger:   logger.With(zap.String("user_id", userID)),
		views:    make(map[*View]struct{}),
	}
}

func (s *Session) UserID() string {
	return s.actor.ID
}

func (s *Session) Errors() <-chan Report {
	return s.reporter.Errors()
}

// Open 打开一个视图；项目视图同时引用该项目的推送流
func (s *Session) Open(ctx context.Context, sc scope.Scope) (*View, error) {
	st, err := s.registry.Hold(ctx, sc)
	if err != nil {
		s.reporter.Report("load", err)
	}

	v := &View{session: s, store: st, threshold: DefaultPrefetchThreshold}
	v.ctx, v.cancel = context.WithCancel(context.Background())
	if pid := sc.ProjectRef(); pid != "" && s.realtime != nil {
		release, subErr := s.realtime.Acquire(pid)
		if subErr != nil {
			s.logger.Warn("Realtime unavailable for project", zap.String("project_id", pid), zap.Error(subErr))
		} else {
			v.release = release
		}
	}

	s.mu.Lock()
	s.views[v] = struct{}{}
	s.mu.Unlock()
	return v, err
}

// Switch 切换当前视图：关闭旧视图，新视图命中缓存时不访问网络
func (s *Session) Switch(ctx context.Context, sc scope.Scope) (*View, error) {
	s.mu.Lock()
	prev := s.active
	s.active = nil
	s.mu.Unlock()

	if prev != nil {
		if prev.Scope().Key() == sc.Key() && !prev.Closed() {
			s.mu.Lock()
			s.active = prev
			s.mu.Unlock()
			return prev, nil
		}
		prev.Close()
	}

	v, err := s.Open(ctx, sc)
	s.mu.Lock()
	s.active = v
	s.mu.Unlock()
	s.logger.Info("Active scope switched", zap.String("scope", sc.Key()))
	return v, err
}

func (s *Session) Active() *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close 关闭全部视图
func (s *Session) Close() {
	s.mu.Lock()
	views := make([]*View, 0, len(s.views))
	for v := range s.views {
		views = append(views, v)
	}
	s.active = nil
	s.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
}

func (s *Session) forget(v *View) {
	s.mu.Lock()
	delete(s.views, v)
	if s.active == v {
		s.active = nil
	}
	s.mu.Unlock()
	s.registry.Release(v.Scope().Key())
}

// Run 对视图执行生命周期动作
func (s *Session) Run(ctx context.Context, v *View, action lifecycle.Action, taskID string) (model.Task, error) {
	if !action.Valid() {
		return model.Task{}, apperr.InvalidTransition(fmt.Sprintf("unknown action %q", action))
	}
	return s.executor.Transition(ctx, v.store, taskID, action, s.actor)
}

func (s *Session) Create(ctx context.Context, v *View, in model.CreateTaskInput) (model.Task, error) {
	return s.executor.Create(ctx, v.store, in, s.actor)
}

func (s *Session) Update(ctx context.Context, v *View, taskID string, in model.UpdateTaskInput) (model.Task, error) {
	return s.executor.Update(ctx, v.store, taskID, in)
}

func (s *Session) Delete(ctx context.Context, v *View, taskID string) error {
	return s.executor.Delete(ctx, v.store, taskID)
}

func (s *Session) SaveContent(ctx context.Context, v *View, taskID, content string) (model.Task, error) {
	return s.executor.SaveContent(ctx, v.store, taskID, content, s.actor)
}
