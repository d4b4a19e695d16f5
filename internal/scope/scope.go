package scope

import (
	"fmt"
	"strings"

	"tasksync/internal/model"
)

// Kind 视图类型
type Kind string

const (
	KindMine     Kind = "mine"     // 我负责/我拥有的全部任务
	KindProject  Kind = "project"  // 某个项目下的任务
	KindPersonal Kind = "personal" // 我的个人任务
)

// Filter 与视图正交的状态过滤
type Filter string

const (
	FilterAll        Filter = "all"
	FilterIncomplete Filter = "incomplete"
	FilterCompleted  Filter = "completed"
)

func (f Filter) Valid() bool {
	switch f {
	case FilterAll, FilterIncomplete, FilterCompleted:
		return true
	}
	return false
}

// Matches 判断状态是否满足过滤条件
func (f Filter) Matches(s model.Status) bool {
	switch f {
	case FilterIncomplete:
		return s != model.StatusCompleted
	case FilterCompleted:
		return s == model.StatusCompleted
	}
	return true
}

// QueryValue 远端接口 status 参数，all 时为空
func (f Filter) QueryValue() string {
	if f == FilterAll || f == "" {
		return ""
	}
	return string(f)
}

// Scope 一个独立分页、独立过滤的任务视图
type Scope struct {
	Kind        Kind
	ProjectID   string
	PendingOnly bool // 只看待审批（项目所有者使用）
	Filter      Filter
}

func Mine(f Filter) Scope {
	return Scope{Kind: KindMine, Filter: normalize(f)}
}

func Personal(f Filter) Scope {
	return Scope{Kind: KindPersonal, Filter: normalize(f)}
}

func Project(projectID string, f Filter) Scope {
	return Scope{Kind: KindProject, ProjectID: projectID, Filter: normalize(f)}
}

// PendingApproval 项目的待审批子视图，状态过滤固定为 all
func PendingApproval(projectID string) Scope {
	return Scope{Kind: KindProject, ProjectID: projectID, PendingOnly: true, Filter: FilterAll}
}

func normalize(f Filter) Filter {
	if f == "" {
		return FilterAll
	}
	return f
}

// Key 缓存索引使用的键，例如 "mine"、"project:P1"、"project:P1:pending"、"mine#completed"
func (s Scope) Key() string {
	var b strings.Builder
	b.WriteString(string(s.Kind))
	if s.Kind == KindProject {
		b.WriteString(":")
		b.WriteString(s.ProjectID)
		if s.PendingOnly {
			b.WriteString(":pending")
		}
	}
	if f := normalize(s.Filter); f != FilterAll {
		b.WriteString("#")
		b.WriteString(string(f))
	}
	return b.String()
}

func (s Scope) String() string {
	return s.Key()
}

// Parse Key 的逆操作
func Parse(key string) (Scope, error) {
	base, filter, _ := strings.Cut(key, "#")
	f := FilterAll
	if filter != "" {
		f = Filter(filter)
		if !f.Valid() {
			return Scope{}, fmt.Errorf("unknown status filter %q", filter)
		}
	}

	parts := strings.Split(base, ":")
	switch Kind(parts[0]) {
	case KindMine:
		if len(parts) != 1 {
			break
		}
		return Mine(f), nil
	case KindPersonal:
		if len(parts) != 1 {
			break
		}
		return Personal(f), nil
	case KindProject:
		if len(parts) == 2 && parts[1] != "" {
			return Project(parts[1], f), nil
		}
		if len(parts) == 3 && parts[1] != "" && parts[2] == "pending" && f == FilterAll {
			return PendingApproval(parts[1]), nil
		}
	}
	return Scope{}, fmt.Errorf("invalid scope key %q", key)
}

// Matches 成员谓词：任务当前数据是否属于该视图
func (s Scope) Matches(t model.Task, userID string) bool {
	if !normalize(s.Filter).Matches(t.Status) {
		return false
	}
	switch s.Kind {
	case KindMine:
		return t.HasAssignee(userID)
	case KindPersonal:
		return !t.IsProjectTask() && t.OwnerID == userID
	case KindProject:
		if t.ProjectIDValue() != s.ProjectID {
			return false
		}
		return !s.PendingOnly || t.Status == model.StatusPendingApproval
	}
	return false
}

// ProjectRef 视图依赖的实时频道，非项目视图返回空串
func (s Scope) ProjectRef() string {
	if s.Kind == KindProject {
		return s.ProjectID
	}
	return ""
}
