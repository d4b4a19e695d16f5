package mutation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tasksync/internal/apperr"
	"tasksync/internal/lifecycle"
	"tasksync/internal/model"
	"tasksync/internal/store"
	"tasksync/pkg/metrics"
)

const (
	DefaultTimeout    = 15 * time.Second
	PlaceholderPrefix = "tmp-"
)

// fallbackMessage 远端没有给出 detail/message 时使用的提示
func fallbackMessage(op string) string {
	switch op {
	case "create":
		return "Failed to create task"
	case "update":
		return "Failed to update task"
	case "delete":
		return "Failed to delete task"
	case "save_content":
		return "Failed to save content"
	case string(lifecycle.ActionSubmit):
		return "Failed to submit task for approval"
	case string(lifecycle.ActionRecall):
		return "Failed to recall task"
	case string(lifecycle.ActionApprove):
		return "Failed to approve task"
	case string(lifecycle.ActionRequestChanges):
		return "Failed to request changes"
	case string(lifecycle.ActionCompletePersonal):
		return "Failed to complete task"
	case string(lifecycle.ActionReopen):
		return "Failed to reopen task"
	}
	return "Operation failed"
}

// Remote 远端任务服务的写接口
type Remote interface {
	GetTask(ctx context.Context, id string) (model.Task, error)
	CreateTask(ctx context.Context, in model.CreateTaskInput) (model.Task, error)
	UpdateTask(ctx context.Context, id string, in model.UpdateTaskInput) (model.Task, error)
	DeleteTask(ctx context.Context, id string) error
	Transition(ctx context.Context, id string, action lifecycle.Action) (*model.Task, error)
	SaveContent(ctx context.Context, id, content string) (*model.Task, error)
}

// Reporter 统一的错误上报通道
type Reporter interface {
	Report(op string, err error)
}

// ReporterFunc 把函数适配成 Reporter
type ReporterFunc func(op string, err error)

func (f ReporterFunc) Report(op string, err error) { f(op, err) }

// Actor 当前操作者
type Actor struct {
	ID       string
	Username string
}

// RoleFunc 推断操作者在任务所属项目中的身份
type RoleFunc func(task model.Task, actorID string) lifecycle.Role

type Options struct {
	Timeout time.Duration
	Now     func() time.Time
	Roles   RoleFunc
}

// Executor 乐观更新：本地先改，再调远端，成功后用服务端对象对齐，失败则把本次涉及的任务恢复为调用开始时的快照
type Executor struct {
	remote   Remote
	registry *store.Registry
	machine  *lifecycle.Machine
	reporter Reporter
	roles    RoleFunc
	now      func() time.Time
	timeout  time.Duration
	logger   *zap.Logger
}

func New(remote Remote, registry *store.Registry, reporter Reporter, opts Options, logger *zap.Logger) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Roles == nil {
		opts.Roles = lifecycle.RoleFor
	}
	if reporter == nil {
		reporter = ReporterFunc(func(string, error) {})
	}
	return &Executor{
		remote:   remote,
		registry: registry,
		machine:  lifecycle.New(opts.Now),
		reporter: reporter,
		roles:    opts.Roles,
		now:      opts.Now,
		timeout:  opts.Timeout,
		logger:   logger,
	}
}

// plan 一次变更的三个阶段
type plan struct {
	op         string
	taskID     string
	optimistic func(st *store.Store)
	remote     func(ctx context.Context) (*model.Task, error)
	reconcile  func(st *store.Store, server *model.Task) model.Task
}

func (e *Executor) execute(ctx context.Context, st *store.Store, p plan) (model.Task, error) {
	log := e.logger.With(zap.String("op", p.op), zap.String("task_id", p.taskID), zap.String("scope", st.Scope().Key()))

	// 本次调用独占的快照；失败时只恢复本次涉及的任务
	snapshot := st.Snapshot()
	p.optimistic(st)

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	server, err := p.remote(callCtx)
	if err != nil {
		st.RestoreEntry(p.taskID, snapshot)
		metrics.IncrementRollback(p.op)
		metrics.IncrementMutation(p.op, "error")
		ferr := e.failure(p.op, err)
		log.Warn("Mutation failed, restored task from snapshot", zap.Error(err))
		e.reporter.Report(p.op, ferr)
		return model.Task{}, ferr
	}

	result := p.reconcile(st, server)
	metrics.IncrementMutation(p.op, "success")
	log.Info("Mutation applied", zap.Bool("authoritative", server != nil))
	return result, nil
}

// reject 本地校验失败，不访问远端
func (e *Executor) reject(op, taskID string, err error) error {
	metrics.IncrementMutation(op, "rejected")
	e.logger.Info("Mutation rejected locally", zap.String("op", op), zap.String("task_id", taskID), zap.Error(err))
	e.reporter.Report(op, err)
	return err
}

// failure 保留错误分类，文案取远端返回或操作的通用提示
func (e *Executor) failure(op string, err error) *apperr.Error {
	fallback := fallbackMessage(op)
	var src *apperr.Error
	if errors.As(err, &src) {
		return &apperr.Error{Kind: src.Kind, Message: apperr.Message(err, fallback), Status: src.Status, Err: err}
	}
	kind := apperr.KindService
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = apperr.KindNetwork
	}
	return apperr.Wrap(kind, fallback, err)
}

// locate 依次在当前视图、其他视图、远端查找任务
func (e *Executor) locate(ctx context.Context, st *store.Store, id string) (model.Task, error) {
	if t, ok := st.Find(id); ok {
		return t, nil
	}
	for _, other := range e.registry.Stores() {
		if t, ok := other.Find(id); ok {
			return t, nil
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	t, err := e.remote.GetTask(callCtx, id)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown {
			return model.Task{}, apperr.NotFound("Task not found")
		}
		return model.Task{}, err
	}
	return t, nil
}

// propagate 服务端对象同步到其他持有该任务的视图
// acknowledge 没有服务端对象时用本视图中的乐观结果
func (e *Executor) acknowledge(st *store.Store, id string, optimistic model.Task) model.Task {
	t, ok := st.Find(id)
	if !ok {
		t = optimistic
	}
	e.propagate(st, t)
	return t
}

func (e *Executor) propagate(origin *store.Store, t model.Task) {
	for _, other := range e.registry.Stores() {
		if other == origin {
			continue
		}
		other.Replace(t)
	}
}

// Create 先插入占位任务，成功后替换为服务端对象
func (e *Executor) Create(ctx context.Context, st *store.Store, in model.CreateTaskInput, actor Actor) (model.Task, error) {
	const op = "create"
	if strings.TrimSpace(in.Title) == "" {
		return model.Task{}, e.reject(op, "", apperr.Validation("Title is required"))
	}
	if in.TeamProject && len(in.AssigneeIDs) == 0 {
		return model.Task{}, e.reject(op, "", apperr.Validation("Please assign at least one team member"))
	}

	placeholder := e.placeholder(in, actor)
	return e.execute(ctx, st, plan{
		op:     op,
		taskID: placeholder.ID,
		optimistic: func(st *store.Store) {
			st.Prepend(placeholder)
		},
		remote: func(ctx context.Context) (*model.Task, error) {
			t, err := e.remote.CreateTask(ctx, in)
			if err != nil {
				return nil, err
			}
			return &t, nil
		},
		reconcile: func(st *store.Store, server *model.Task) model.Task {
			if !st.ReplaceID(placeholder.ID, *server) && st.Scope().Matches(*server, actor.ID) {
				st.Prepend(*server)
			}
			for _, other := range e.registry.Stores() {
				if other != st && other.Scope().Matches(*server, actor.ID) {
					other.Prepend(*server)
				}
			}
			return *server
		},
	})
}

func (e *Executor) placeholder(in model.CreateTaskInput, actor Actor) model.Task {
	priority := in.Priority
	if !priority.Valid() {
		priority = model.PriorityMedium
	}
	t := model.Task{
		ID:          PlaceholderPrefix + uuid.NewString(),
		Title:       in.Title,
		Description: in.Description,
		Notes:       in.Notes,
		Status:      model.StatusTodo,
		Priority:    priority,
		ProjectID:   in.ProjectID,
		OwnerID:     actor.ID,
		AssigneeIDs: append([]string(nil), in.AssigneeIDs...),
		Deadline:    in.Deadline,
		CreatedAt:   e.now(),
	}
	if len(t.AssigneeIDs) > 0 {
		t.AssignedBy = model.StringPtr(actor.ID)
	}
	return t.Clone()
}

// Update 合并修改字段，成功后整体替换为服务端对象
func (e *Executor) Update(ctx context.Context, st *store.Store, id string, in model.UpdateTaskInput) (model.Task, error) {
	return e.execute(ctx, st, plan{
		op:     "update",
		taskID: id,
		optimistic: func(st *store.Store) {
			st.Update(id, func(t *model.Task) { in.Apply(t) })
		},
		remote: func(ctx context.Context) (*model.Task, error) {
			t, err := e.remote.UpdateTask(ctx, id, in)
			if err != nil {
				return nil, err
			}
			return &t, nil
		},
		reconcile: func(st *store.Store, server *model.Task) model.Task {
			st.Replace(*server)
			e.propagate(st, *server)
			return *server
		},
	})
}

// Delete 本地先移除，成功后从所有视图移除
func (e *Executor) Delete(ctx context.Context, st *store.Store, id string) error {
	_, err := e.execute(ctx, st, plan{
		op:     "delete",
		taskID: id,
		optimistic: func(st *store.Store) {
			st.Remove(id)
		},
		remote: func(ctx context.Context) (*model.Task, error) {
			return nil, e.remote.DeleteTask(ctx, id)
		},
		reconcile: func(st *store.Store, _ *model.Task) model.Task {
			for _, other := range e.registry.Stores() {
				other.Remove(id)
			}
			return model.Task{ID: id}
		},
	})
	return err
}

func (e *Executor) Submit(ctx context.Context, st *store.Store, id string, actor Actor) (model.Task, error) {
	return e.Transition(ctx, st, id, lifecycle.ActionSubmit, actor)
}

func (e *Executor) Recall(ctx context.Context, st *store.Store, id string, actor Actor) (model.Task, error) {
	return e.Transition(ctx, st, id, lifecycle.ActionRecall, actor)
}

func (e *Executor) Approve(ctx context.Context, st *store.Store, id string, actor Actor) (model.Task, error) {
	return e.Transition(ctx, st, id, lifecycle.ActionApprove, actor)
}

func (e *Executor) RequestChanges(ctx context.Context, st *store.Store, id string, actor Actor) (model.Task, error) {
	return e.Transition(ctx, st, id, lifecycle.ActionRequestChanges, actor)
}

func (e *Executor) CompletePersonal(ctx context.Context, st *store.Store, id string, actor Actor) (model.Task, error) {
	return e.Transition(ctx, st, id, lifecycle.ActionCompletePersonal, actor)
}

func (e *Executor) Reopen(ctx context.Context, st *store.Store, id string, actor Actor) (model.Task, error) {
	return e.Transition(ctx, st, id, lifecycle.ActionReopen, actor)
}

// Transition 先在本地校验状态机，不合法时直接拒绝
func (e *Executor) Transition(ctx context.Context, st *store.Store, id string, action lifecycle.Action, actor Actor) (model.Task, error) {
	op := string(action)
	task, err := e.locate(ctx, st, id)
	if err != nil {
		return model.Task{}, e.reject(op, id, err)
	}

	res, err := e.machine.Transition(task, action, actor.ID, e.roles(task, actor.ID))
	if err != nil {
		return model.Task{}, e.reject(op, id, err)
	}

	optimistic := task.Clone()
	res.Apply(&optimistic)

	return e.execute(ctx, st, plan{
		op:     op,
		taskID: id,
		optimistic: func(st *store.Store) {
			st.Update(id, func(t *model.Task) { res.Apply(t) })
		},
		remote: func(ctx context.Context) (*model.Task, error) {
			return e.remote.Transition(ctx, id, action)
		},
		reconcile: func(st *store.Store, server *model.Task) model.Task {
			if server == nil {
				// 服务端只返回 ack，以乐观结果为准同步到其他视图
				return e.acknowledge(st, id, optimistic)
			}
			st.Replace(*server)
			e.propagate(st, *server)
			return *server
		},
	})
}

// SaveContent 用户的新提交替换其旧提交并移到末尾
func (e *Executor) SaveContent(ctx context.Context, st *store.Store, id, content string, actor Actor) (model.Task, error) {
	const op = "save_content"
	task, err := e.locate(ctx, st, id)
	if err != nil {
		return model.Task{}, e.reject(op, id, err)
	}
	if err := lifecycle.AuthorizeContent(task, actor.ID); err != nil {
		return model.Task{}, e.reject(op, id, err)
	}

	entry := model.SubmissionEntry{
		UserID:    actor.ID,
		Username:  actor.Username,
		Content:   content,
		Timestamp: e.now(),
	}
	optimistic := task.Clone()
	optimistic.UpsertSubmission(entry)

	return e.execute(ctx, st, plan{
		op:     op,
		taskID: id,
		optimistic: func(st *store.Store) {
			st.Update(id, func(t *model.Task) { t.UpsertSubmission(entry) })
		},
		remote: func(ctx context.Context) (*model.Task, error) {
			return e.remote.SaveContent(ctx, id, content)
		},
		reconcile: func(st *store.Store, server *model.Task) model.Task {
			if server == nil {
				// 服务端只返回 ack，以乐观结果为准同步到其他视图
				return e.acknowledge(st, id, optimistic)
			}
			st.Replace(*server)
			e.propagate(st, *server)
			return *server
		},
	})
}
