package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tasksync/internal/apperr"
	"tasksync/internal/lifecycle"
	"tasksync/internal/model"
	"tasksync/internal/realtime"
	"tasksync/internal/server/repository"
)

// Repository 任务存储，repository.TaskRepository 与 repository.MemoryRepository 都满足
type Repository interface {
	List(ctx context.Context, q repository.ListQuery) ([]model.Task, int, error)
	Get(ctx context.Context, id string) (model.Task, error)
	Insert(ctx context.Context, t model.Task) error
	Update(ctx context.Context, t model.Task) error
	Delete(ctx context.Context, id string) error
	GetProject(ctx context.Context, id string) (repository.Project, error)
	Username(ctx context.Context, userID string) (string, error)
}

type TaskService struct {
	repo      Repository
	notifiers []Notifier
	machine   *lifecycle.Machine
	now       func() time.Time
	logger    *zap.Logger
}

func NewTaskService(repo Repository, logger *zap.Logger, notifiers ...Notifier) *TaskService {
	return &TaskService{
		repo:      repo,
		notifiers: notifiers,
		machine:   lifecycle.New(nil),
		now:       time.Now,
		logger:    logger,
	}
}

// List 项目列表先校验项目存在；待审批列表只对项目所有者开放
func (s *TaskService) List(ctx context.Context, q repository.ListQuery) (model.TaskPage, error) {
	if q.Status != "" && q.Status != repository.StatusIncomplete && !model.Status(q.Status).Valid() {
		return model.TaskPage{}, apperr.Validation("Invalid status filter: " + q.Status)
	}

	switch q.Kind {
	case repository.ListProject:
		p, err := s.repo.GetProject(ctx, q.ProjectID)
		if err != nil {
			return model.TaskPage{}, err
		}
		q.OnlyAssigned = p.Ref.OwnerID != q.UserID
	case repository.ListPending:
		p, err := s.repo.GetProject(ctx, q.ProjectID)
		if err != nil || p.Ref.OwnerID != q.UserID {
			return model.TaskPage{}, apperr.PermissionDenied("Only the project owner can view pending approval tasks.")
		}
	}

	tasks, total, err := s.repo.List(ctx, q)
	if err != nil {
		return model.TaskPage{}, err
	}
	return model.TaskPage{Tasks: tasks, TotalCount: total}, nil
}

func (s *TaskService) Get(ctx context.Context, id string) (model.Task, error) {
	return s.repo.Get(ctx, id)
}

// Create 项目任务只能由项目所有者创建，团队项目必须指定负责人；个人任务负责人为自己
func (s *TaskService) Create(ctx context.Context, actorID string, in model.CreateTaskInput) (model.Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return model.Task{}, apperr.Validation("Title is required.")
	}

	now := s.now().UTC()
	t := model.Task{
		ID:          uuid.NewString(),
		Title:       in.Title,
		Description: in.Description,
		Notes:       in.Notes,
		Status:      model.StatusTodo,
		Priority:    in.Priority,
		Deadline:    in.Deadline,
		CreatedAt:   now,
		AssignedBy:  model.StringPtr(actorID),
		AssignedAt:  model.TimePtr(now),
	}
	if !t.Priority.Valid() {
		t.Priority = model.PriorityMedium
	}

	if in.ProjectID != nil && *in.ProjectID != "" {
		p, err := s.repo.GetProject(ctx, *in.ProjectID)
		if err != nil {
			return model.Task{}, err
		}
		if p.Ref.OwnerID != actorID {
			return model.Task{}, apperr.PermissionDenied("Only the project owner can create tasks.")
		}
		if p.Ref.TeamID != nil && len(in.AssigneeIDs) == 0 {
			return model.Task{}, apperr.Validation("Assignees are required for tasks in a team project.")
		}
		if err := requireMembers(p, in.AssigneeIDs); err != nil {
			return model.Task{}, err
		}
		t.ProjectID = model.StringPtr(p.Ref.ID)
		t.OwnerID = p.Ref.OwnerID
		t.AssigneeIDs = append([]string{}, in.AssigneeIDs...)
	} else {
		t.OwnerID = actorID
		t.AssigneeIDs = []string{actorID}
	}

	if err := s.repo.Insert(ctx, t); err != nil {
		s.logger.Error("Failed to create task", zap.String("actor_id", actorID), zap.Error(err))
		return model.Task{}, err
	}
	created, err := s.repo.Get(ctx, t.ID)
	if err != nil {
		return model.Task{}, err
	}

	s.logger.Info("Task created",
		zap.String("task_id", created.ID),
		zap.String("project_id", created.ProjectIDValue()),
		zap.Int("assignees", len(created.AssigneeIDs)),
	)
	s.broadcast(ctx, created, realtime.EventTaskCreated)
	return created, nil
}

func (s *TaskService) Update(ctx context.Context, actorID, id string, in model.UpdateTaskInput) (model.Task, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if err := lifecycle.AuthorizeEdit(t, actorID, lifecycle.RoleFor(t, actorID)); err != nil {
		return model.Task{}, err
	}

	if in.AssigneeIDs != nil && t.IsProjectTask() {
		p, err := s.repo.GetProject(ctx, t.ProjectIDValue())
		if err != nil {
			return model.Task{}, err
		}
		if err := requireMembers(p, *in.AssigneeIDs); err != nil {
			return model.Task{}, err
		}
	}
	if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return model.Task{}, apperr.Validation("Title is required.")
	}

	in.Apply(&t)
	return s.save(ctx, t, "Task updated")
}

func (s *TaskService) Delete(ctx context.Context, actorID, id string) error {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := lifecycle.AuthorizeEdit(t, actorID, lifecycle.RoleFor(t, actorID)); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info("Task deleted", zap.String("task_id", id), zap.String("actor_id", actorID))
	if t.IsProjectTask() {
		s.notify(ctx, t.ProjectIDValue(), realtime.DeletedEvent(id))
	}
	return nil
}

// Transition 生命周期动作，规则与客户端共用同一状态机
func (s *TaskService) Transition(ctx context.Context, actorID, id string, action lifecycle.Action) (model.Task, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	res, err := s.machine.Transition(t, action, actorID, lifecycle.RoleFor(t, actorID))
	if err != nil {
		s.logger.Info("Transition rejected",
			zap.String("task_id", id),
			zap.String("action", string(action)),
			zap.String("actor_id", actorID),
			zap.Error(err),
		)
		return model.Task{}, err
	}
	res.Apply(&t)
	return s.save(ctx, t, "Task transitioned", zap.String("action", string(action)))
}

// SaveContent 覆盖当前用户的提交条目
func (s *TaskService) SaveContent(ctx context.Context, actorID, id, content string) (model.Task, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if err := lifecycle.AuthorizeContent(t, actorID); err != nil {
		return model.Task{}, err
	}

	name, err := s.repo.Username(ctx, actorID)
	if err != nil {
		s.logger.Warn("Username lookup failed", zap.String("user_id", actorID), zap.Error(err))
	}
	if name == "" {
		name = actorID
	}
	t.UpsertSubmission(model.SubmissionEntry{
		UserID:    actorID,
		Username:  name,
		Content:   content,
		Timestamp: s.now().UTC(),
	})
	return s.save(ctx, t, "Submission saved")
}

func (s *TaskService) save(ctx context.Context, t model.Task, msg string, fields ...zap.Field) (model.Task, error) {
	if err := s.repo.Update(ctx, t); err != nil {
		s.logger.Error("Failed to save task", zap.String("task_id", t.ID), zap.Error(err))
		return model.Task{}, err
	}
	saved, err := s.repo.Get(ctx, t.ID)
	if err != nil {
		return model.Task{}, err
	}

	s.logger.Info(msg, append(fields,
		zap.String("task_id", saved.ID),
		zap.String("status", string(saved.Status)),
	)...)
	s.broadcast(ctx, saved, realtime.EventTaskUpdated)
	return saved, nil
}

// broadcast 个人任务没有实时频道
func (s *TaskService) broadcast(ctx context.Context, t model.Task, typ realtime.EventType) {
	if !t.IsProjectTask() {
		return
	}
	ev, err := realtime.NewEvent(typ, t)
	if err != nil {
		s.logger.Error("Failed to encode task event", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	s.notify(ctx, t.ProjectIDValue(), ev)
}

func (s *TaskService) notify(ctx context.Context, projectID string, ev realtime.Event) {
	for _, n := range s.notifiers {
		n.Broadcast(ctx, projectID, ev)
	}
}

func requireMembers(p repository.Project, ids []string) error {
	for _, id := range ids {
		if !p.HasMember(id) {
			return apperr.Validation("All assignees must be members of the project.")
		}
	}
	return nil
}
