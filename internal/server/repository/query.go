package repository

import (
	"tasksync/internal/model"
)

// ListKind 列表接口类型
type ListKind int

const (
	ListMine     ListKind = iota // GET /tasks/my
	ListPersonal                 // GET /tasks/personal
	ListProject                  // GET /tasks/project/:id
	ListPending                  // GET /tasks/project/:id/pending-approval
)

// StatusIncomplete status 参数的特殊取值：除 completed 外的全部状态
const StatusIncomplete = "incomplete"

// ListQuery 分页查询条件
type ListQuery struct {
	Kind         ListKind
	UserID       string
	ProjectID    string
	Status       string // 为空不过滤；incomplete 或具体状态
	OnlyAssigned bool   // 项目列表：非所有者只能看到分配给自己的任务
	Page         int
	PerPage      int
}

func (q ListQuery) offset() int {
	if q.Page < 1 {
		return 0
	}
	return (q.Page - 1) * q.PerPage
}

// matches 与 SQL 条件一致的内存判断
func (q ListQuery) matches(t model.Task) bool {
	switch q.Kind {
	case ListMine:
		if !t.HasAssignee(q.UserID) {
			return false
		}
		// 不带过滤时，已完成的项目任务不出现在“我的任务”里
		if q.Status == "" && t.IsProjectTask() && t.Status == model.StatusCompleted {
			return false
		}
	case ListPersonal:
		if t.IsProjectTask() || t.OwnerID != q.UserID {
			return false
		}
	case ListProject:
		if t.ProjectIDValue() != q.ProjectID {
			return false
		}
		if q.OnlyAssigned && !t.HasAssignee(q.UserID) {
			return false
		}
	case ListPending:
		return t.ProjectIDValue() == q.ProjectID && t.Status == model.StatusPendingApproval
	}
	return statusMatches(q.Status, t.Status)
}

func statusMatches(filter string, s model.Status) bool {
	switch filter {
	case "":
		return true
	case StatusIncomplete:
		return s != model.StatusCompleted
	}
	return string(s) == filter
}

// Project 项目摘要及成员
type Project struct {
	Ref       model.ProjectRef
	MemberIDs []string
}

// HasMember 所有者视为成员
func (p Project) HasMember(userID string) bool {
	if p.Ref.OwnerID == userID {
		return true
	}
	for _, id := range p.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}
