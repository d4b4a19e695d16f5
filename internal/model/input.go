package model

import "time"

// CreateTaskInput POST /tasks 的请求体
type CreateTaskInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Notes       string     `json:"notes"`
	Priority    Priority   `json:"priority"`
	Deadline    *time.Time `json:"deadline"`
	ProjectID   *string    `json:"project_id"`
	AssigneeIDs []string   `json:"assignee_ids"`

	// TeamProject 为 true 时必须指定负责人，只在客户端本地校验使用
	TeamProject bool `json:"-"`
}

// UpdateTaskInput PUT /tasks/{id} 的请求体，nil 字段表示不修改
type UpdateTaskInput struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Notes       *string    `json:"notes,omitempty"`
	AssigneeIDs *[]string  `json:"assignee_ids,omitempty"`
	Status      *Status    `json:"status,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// Apply 把修改合并到任务上（浅合并，与服务端 exclude_unset 语义一致）
func (u UpdateTaskInput) Apply(t *Task) {
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.Notes != nil {
		t.Notes = *u.Notes
	}
	if u.AssigneeIDs != nil {
		t.AssigneeIDs = append([]string(nil), (*u.AssigneeIDs)...)
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Priority != nil {
		t.Priority = *u.Priority
	}
	if u.Deadline != nil {
		d := *u.Deadline
		t.Deadline = &d
	}
}

// ContentInput POST /tasks/{id}/content 的请求体
type ContentInput struct {
	Content string `json:"content"`
}
