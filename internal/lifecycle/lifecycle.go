package lifecycle

import (
	"fmt"
	"time"

	"tasksync/internal/apperr"
	"tasksync/internal/model"
)

// Action 生命周期动作
type Action string

const (
	ActionSubmit           Action = "submit"
	ActionRecall           Action = "recall"
	ActionApprove          Action = "approve"
	ActionRequestChanges   Action = "request_changes"
	ActionCompletePersonal Action = "complete_personal"
	ActionReopen           Action = "reopen"
)

// Role 操作者在该任务所属项目中的身份
type Role string

const (
	RoleOwner    Role = "owner"    // 项目所有者
	RoleAssignee Role = "assignee" // 任务负责人
	RoleMember   Role = "member"   // 其他成员
)

type taskKind int

const (
	kindProject taskKind = iota
	kindPersonal
)

type stamp int

const (
	stampNone stamp = iota
	stampCompleted
	stampClearCompleted
)

type actorCheck int

const (
	actorAssignee actorCheck = iota
	actorProjectOwner
	actorTaskOwner
)

type rule struct {
	from    []model.Status
	kind    taskKind
	actor   actorCheck
	to      model.Status
	stamp   stamp
	denyMsg string
}

// 状态转换表：动作 → 前置状态 / 任务类型 / 操作者要求 / 目标状态 / 时间戳副作用
var rules = map[Action]rule{
	ActionSubmit: {
		from:    []model.Status{model.StatusTodo, model.StatusInProgress},
		kind:    kindProject,
		actor:   actorAssignee,
		to:      model.StatusPendingApproval,
		denyMsg: "You are not assigned to this task.",
	},
	ActionRecall: {
		from:    []model.Status{model.StatusPendingApproval},
		kind:    kindProject,
		actor:   actorAssignee,
		to:      model.StatusInProgress,
		denyMsg: "You are not assigned to this task.",
	},
	ActionApprove: {
		from:    []model.Status{model.StatusPendingApproval},
		kind:    kindProject,
		actor:   actorProjectOwner,
		to:      model.StatusCompleted,
		stamp:   stampCompleted,
		denyMsg: "Only the project owner can approve tasks.",
	},
	ActionRequestChanges: {
		from:    []model.Status{model.StatusPendingApproval},
		kind:    kindProject,
		actor:   actorProjectOwner,
		to:      model.StatusInProgress,
		denyMsg: "Only the project owner can request changes.",
	},
	ActionCompletePersonal: {
		from:    []model.Status{model.StatusTodo, model.StatusInProgress},
		kind:    kindPersonal,
		actor:   actorTaskOwner,
		to:      model.StatusCompleted,
		stamp:   stampCompleted,
		denyMsg: "You are not the owner of this task.",
	},
	ActionReopen: {
		from:    []model.Status{model.StatusCompleted},
		kind:    kindPersonal,
		actor:   actorTaskOwner,
		to:      model.StatusInProgress,
		stamp:   stampClearCompleted,
		denyMsg: "You do not have permission to reopen this task.",
	},
}

// Valid 判断动作是否已知
func (a Action) Valid() bool {
	_, ok := rules[a]
	return ok
}

// Result 一次转换的结果
type Result struct {
	Status           model.Status
	CompletedAt      *time.Time
	ClearCompletedAt bool
}

// Apply 把转换结果写回任务
func (r Result) Apply(t *model.Task) {
	t.Status = r.Status
	switch {
	case r.CompletedAt != nil:
		ts := *r.CompletedAt
		t.CompletedAt = &ts
	case r.ClearCompletedAt:
		t.CompletedAt = nil
	}
}

// Machine 纯决策逻辑，只依赖注入的时钟
type Machine struct {
	now func() time.Time
}

func New(now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{now: now}
}

var defaultMachine = New(nil)

// Transition 使用真实时钟的便捷入口
func Transition(task model.Task, action Action, actorID string, role Role) (Result, error) {
	return defaultMachine.Transition(task, action, actorID, role)
}

// Transition 校验顺序：动作 → 任务类型 → 操作者 → 当前状态
func (m *Machine) Transition(task model.Task, action Action, actorID string, role Role) (Result, error) {
	r, ok := rules[action]
	if !ok {
		return Result{}, apperr.InvalidTransition(fmt.Sprintf("unknown action %q", action))
	}

	switch r.kind {
	case kindProject:
		if !task.IsProjectTask() {
			return Result{}, apperr.InvalidTransition(fmt.Sprintf("Personal tasks cannot %s.", actionVerb(action)))
		}
	case kindPersonal:
		if task.IsProjectTask() {
			return Result{}, apperr.InvalidTransition(fmt.Sprintf("Project tasks cannot %s.", actionVerb(action)))
		}
	}

	if !actorAllowed(r.actor, task, actorID, role) {
		return Result{}, apperr.PermissionDenied(r.denyMsg)
	}

	if !statusIn(task.Status, r.from) {
		return Result{}, apperr.InvalidTransition(fmt.Sprintf("cannot %s a task in status %s", action, task.Status))
	}

	res := Result{Status: r.to}
	switch r.stamp {
	case stampCompleted:
		now := m.now()
		res.CompletedAt = &now
	case stampClearCompleted:
		res.ClearCompletedAt = true
	}
	return res, nil
}

// AuthorizeContent 只有负责人可以保存提交内容
func AuthorizeContent(task model.Task, actorID string) error {
	if !task.HasAssignee(actorID) {
		return apperr.PermissionDenied("You are not assigned to this task.")
	}
	return nil
}

// AuthorizeEdit 编辑/删除：项目任务需要项目所有者，个人任务需要任务所有者
func AuthorizeEdit(task model.Task, actorID string, role Role) error {
	if task.IsProjectTask() {
		if !isProjectOwner(task, actorID, role) {
			return apperr.PermissionDenied("Only the project owner can modify this task.")
		}
		return nil
	}
	if task.OwnerID != actorID {
		return apperr.PermissionDenied("Only the task owner can modify this personal task.")
	}
	return nil
}

// RoleFor 根据任务内容推断操作者身份
func RoleFor(task model.Task, actorID string) Role {
	if task.Project != nil && task.Project.OwnerID == actorID {
		return RoleOwner
	}
	if task.HasAssignee(actorID) {
		return RoleAssignee
	}
	return RoleMember
}

func actorAllowed(check actorCheck, task model.Task, actorID string, role Role) bool {
	switch check {
	case actorAssignee:
		return task.HasAssignee(actorID)
	case actorProjectOwner:
		return isProjectOwner(task, actorID, role)
	case actorTaskOwner:
		return task.OwnerID == actorID
	}
	return false
}

// isProjectOwner 以 role 为准；任务带有项目信息时 owner_id 也必须一致
func isProjectOwner(task model.Task, actorID string, role Role) bool {
	if role != RoleOwner {
		return false
	}
	if task.Project != nil && task.Project.OwnerID != "" {
		return task.Project.OwnerID == actorID
	}
	return true
}

func statusIn(s model.Status, set []model.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func actionVerb(a Action) string {
	switch a {
	case ActionSubmit:
		return "be submitted for approval"
	case ActionRecall:
		return "be recalled"
	case ActionApprove:
		return "be approved"
	case ActionRequestChanges:
		return "have changes requested"
	case ActionCompletePersonal:
		return "be completed as personal tasks"
	case ActionReopen:
		return "be reopened"
	}
	return string(a)
}
