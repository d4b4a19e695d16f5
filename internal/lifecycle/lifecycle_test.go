package lifecycle

import (
	"errors"
	"testing"
	"time"

	"tasksync/internal/apperr"
	"tasksync/internal/model"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func projectTask(status model.Status) model.Task {
	return model.Task{
		ID:          "T1",
		Status:      status,
		ProjectID:   model.StringPtr("P1"),
		OwnerID:     "O1",
		AssigneeIDs: []string{"A1", "A2"},
		Project:     &model.ProjectRef{ID: "P1", OwnerID: "O1"},
	}
}

func personalTask(status model.Status) model.Task {
	return model.Task{ID: "T2", Status: status, OwnerID: "U1", AssigneeIDs: []string{"U1"}}
}

func TestTransition_Table(t *testing.T) {
	m := New(func() time.Time { return fixedNow })

	cases := []struct {
		name    string
		task    model.Task
		action  Action
		actor   string
		role    Role
		want    model.Status
		wantErr error
	}{
		{"submit from todo", projectTask(model.StatusTodo), ActionSubmit, "A1", RoleAssignee, model.StatusPendingApproval, nil},
		{"submit from in_progress", projectTask(model.StatusInProgress), ActionSubmit, "A2", RoleAssignee, model.StatusPendingApproval, nil},
		{"submit by non-assignee", projectTask(model.StatusTodo), ActionSubmit, "X", RoleMember, "", apperr.ErrPermissionDenied},
		{"submit from completed", projectTask(model.StatusCompleted), ActionSubmit, "A1", RoleAssignee, "", apperr.ErrInvalidTransition},
		{"submit personal", personalTask(model.StatusTodo), ActionSubmit, "U1", RoleAssignee, "", apperr.ErrInvalidTransition},
		{"recall", projectTask(model.StatusPendingApproval), ActionRecall, "A1", RoleAssignee, model.StatusInProgress, nil},
		{"recall not pending", projectTask(model.StatusInProgress), ActionRecall, "A1", RoleAssignee, "", apperr.ErrInvalidTransition},
		{"approve by owner", projectTask(model.StatusPendingApproval), ActionApprove, "O1", RoleOwner, model.StatusCompleted, nil},
		{"approve by other owner id", projectTask(model.StatusPendingApproval), ActionApprove, "O2", RoleOwner, "", apperr.ErrPermissionDenied},
		{"approve not pending", projectTask(model.StatusTodo), ActionApprove, "O1", RoleOwner, "", apperr.ErrInvalidTransition},
		{"request changes", projectTask(model.StatusPendingApproval), ActionRequestChanges, "O1", RoleOwner, model.StatusInProgress, nil},
		{"request changes by assignee", projectTask(model.StatusPendingApproval), ActionRequestChanges, "A1", RoleAssignee, "", apperr.ErrPermissionDenied},
		{"complete personal", personalTask(model.StatusTodo), ActionCompletePersonal, "U1", RoleOwner, model.StatusCompleted, nil},
		{"complete personal by stranger", personalTask(model.StatusTodo), ActionCompletePersonal, "U2", RoleMember, "", apperr.ErrPermissionDenied},
		{"complete project task as personal", projectTask(model.StatusTodo), ActionCompletePersonal, "O1", RoleOwner, "", apperr.ErrInvalidTransition},
		{"reopen", personalTask(model.StatusCompleted), ActionReopen, "U1", RoleOwner, model.StatusInProgress, nil},
		{"reopen not completed", personalTask(model.StatusInProgress), ActionReopen, "U1", RoleOwner, "", apperr.ErrInvalidTransition},
		{"unknown action", projectTask(model.StatusTodo), Action("archive"), "O1", RoleOwner, "", apperr.ErrInvalidTransition},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := m.Transition(tc.task, tc.action, tc.actor, tc.role)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Transition() err=%v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Transition() err=%v", err)
			}
			if res.Status != tc.want {
				t.Fatalf("Transition() status=%s, want %s", res.Status, tc.want)
			}
		})
	}
}

func TestApprove_OnlyOwnerOnlyPending(t *testing.T) {
	m := New(func() time.Time { return fixedNow })
	statuses := []model.Status{model.StatusTodo, model.StatusInProgress, model.StatusPendingApproval, model.StatusCompleted}

	for _, s := range statuses {
		_, err := m.Transition(projectTask(s), ActionApprove, "O1", RoleOwner)
		if s == model.StatusPendingApproval && err != nil {
			t.Fatalf("owner approve from %s err=%v, want nil", s, err)
		}
		if s != model.StatusPendingApproval && !errors.Is(err, apperr.ErrInvalidTransition) {
			t.Fatalf("owner approve from %s err=%v, want invalid transition", s, err)
		}

		_, err = m.Transition(projectTask(s), ActionApprove, "A1", RoleAssignee)
		if !errors.Is(err, apperr.ErrPermissionDenied) {
			t.Fatalf("assignee approve from %s err=%v, want permission denied", s, err)
		}
	}
}

func TestResultApply_Timestamps(t *testing.T) {
	m := New(func() time.Time { return fixedNow })

	task := projectTask(model.StatusPendingApproval)
	res, err := m.Transition(task, ActionApprove, "O1", RoleOwner)
	if err != nil {
		t.Fatalf("approve err=%v", err)
	}
	res.Apply(&task)
	if task.CompletedAt == nil || !task.CompletedAt.Equal(fixedNow) {
		t.Fatalf("completed_at=%v, want %v", task.CompletedAt, fixedNow)
	}

	p := personalTask(model.StatusCompleted)
	p.CompletedAt = model.TimePtr(fixedNow)
	res, err = m.Transition(p, ActionReopen, "U1", RoleOwner)
	if err != nil {
		t.Fatalf("reopen err=%v", err)
	}
	res.Apply(&p)
	if p.CompletedAt != nil || p.Status != model.StatusInProgress {
		t.Fatalf("reopen applied %+v, want in_progress with nil completed_at", p)
	}
}

func TestAuthorizeContentAndEdit(t *testing.T) {
	task := projectTask(model.StatusInProgress)
	if err := AuthorizeContent(task, "A1"); err != nil {
		t.Fatalf("AuthorizeContent(assignee) err=%v", err)
	}
	if err := AuthorizeContent(task, "O1"); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("AuthorizeContent(owner) err=%v, want permission denied", err)
	}
	if err := AuthorizeEdit(task, "O1", RoleOwner); err != nil {
		t.Fatalf("AuthorizeEdit(owner) err=%v", err)
	}
	if err := AuthorizeEdit(personalTask(model.StatusTodo), "U2", RoleMember); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("AuthorizeEdit(stranger) err=%v", err)
	}
	if got := RoleFor(task, "O1"); got != RoleOwner {
		t.Fatalf("RoleFor(owner)=%s", got)
	}
	if got := RoleFor(task, "A2"); got != RoleAssignee {
		t.Fatalf("RoleFor(assignee)=%s", got)
	}
}
