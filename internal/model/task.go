package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status 任务状态（封闭枚举）
type Status string

const (
	StatusTodo            Status = "todo"
	StatusInProgress      Status = "in_progress"
	StatusPendingApproval Status = "pending_approval"
	StatusCompleted       Status = "completed"
)

// Valid 判断是否为已知状态
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusPendingApproval, StatusCompleted:
		return true
	}
	return false
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == "" {
		*s = StatusTodo
		return nil
	}
	v := Status(raw)
	if !v.Valid() {
		return fmt.Errorf("unknown task status %q", raw)
	}
	*s = v
	return nil
}

// Priority 任务优先级（封闭枚举）
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == "" {
		*p = PriorityMedium
		return nil
	}
	v := Priority(raw)
	if !v.Valid() {
		return fmt.Errorf("unknown task priority %q", raw)
	}
	*p = v
	return nil
}

// SubmissionEntry 单个成员提交的内容，同一 user_id 只保留一条
type SubmissionEntry struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ProjectRef 任务所属项目的摘要（服务端随任务一起返回）
type ProjectRef struct {
	ID      string  `json:"id"`
	Name    string  `json:"name,omitempty"`
	OwnerID string  `json:"owner_id"`
	TeamID  *string `json:"team_id,omitempty"`
}

type Task struct {
	ID                string            `json:"id"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	Notes             string            `json:"notes"`
	Status            Status            `json:"status"`
	Priority          Priority          `json:"priority"`
	ProjectID         *string           `json:"project_id"`
	OwnerID           string            `json:"owner_id"`
	AssignedBy        *string           `json:"assigned_by"`
	AssigneeIDs       []string          `json:"assignee_ids"`
	Deadline          *time.Time        `json:"deadline"`
	CreatedAt         time.Time         `json:"created_at"`
	AssignedAt        *time.Time        `json:"assigned_at"`
	AcceptedAt        *time.Time        `json:"accepted_at"`
	CompletedAt       *time.Time        `json:"completed_at"`
	SubmissionContent []SubmissionEntry `json:"submission_content"`
	Project           *ProjectRef       `json:"project,omitempty"`
}

// IsProjectTask project_id 非空即为项目任务
func (t Task) IsProjectTask() bool {
	return t.ProjectID != nil && *t.ProjectID != ""
}

// ProjectIDValue 返回 project_id，个人任务返回空串
func (t Task) ProjectIDValue() string {
	if t.ProjectID == nil {
		return ""
	}
	return *t.ProjectID
}

// HasAssignee 判断用户是否在 assignee_ids 中
func (t Task) HasAssignee(userID string) bool {
	for _, id := range t.AssigneeIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Clone 深拷贝，快照与回滚依赖它保证互不影响
func (t Task) Clone() Task {
	c := t
	c.ProjectID = cloneString(t.ProjectID)
	c.AssignedBy = cloneString(t.AssignedBy)
	c.Deadline = cloneTime(t.Deadline)
	c.AssignedAt = cloneTime(t.AssignedAt)
	c.AcceptedAt = cloneTime(t.AcceptedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	if t.AssigneeIDs != nil {
		c.AssigneeIDs = append([]string(nil), t.AssigneeIDs...)
	}
	if t.SubmissionContent != nil {
		c.SubmissionContent = append([]SubmissionEntry(nil), t.SubmissionContent...)
	}
	if t.Project != nil {
		p := *t.Project
		p.TeamID = cloneString(t.Project.TeamID)
		c.Project = &p
	}
	return c
}

// UpsertSubmission 用新条目替换同一用户的旧条目，并把它放到末尾；其他用户的条目保持原顺序
func (t *Task) UpsertSubmission(entry SubmissionEntry) {
	out := make([]SubmissionEntry, 0, len(t.SubmissionContent)+1)
	for _, e := range t.SubmissionContent {
		if e.UserID != entry.UserID {
			out = append(out, e)
		}
	}
	t.SubmissionContent = append(out, entry)
}

// CloneTasks 拷贝整个列表
func CloneTasks(tasks []Task) []Task {
	if tasks == nil {
		return nil
	}
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}

// TaskPage 分页接口的返回体
type TaskPage struct {
	Tasks      []Task `json:"tasks"`
	TotalCount int    `json:"total_count"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StringPtr 便捷构造可空字符串
func StringPtr(s string) *string {
	return &s
}

// TimePtr 便捷构造可空时间
func TimePtr(t time.Time) *time.Time {
	return &t
}
