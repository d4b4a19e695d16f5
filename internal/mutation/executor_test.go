package mutation

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"tasksync/internal/apperr"
	"tasksync/internal/cache"
	"tasksync/internal/lifecycle"
	"tasksync/internal/model"
	"tasksync/internal/scope"
	"tasksync/internal/store"
)

// --- fakes ---

type fakeRemote struct {
	getFn        func(ctx context.Context, id string) (model.Task, error)
	createFn     func(ctx context.Context, in model.CreateTaskInput) (model.Task, error)
	updateFn     func(ctx context.Context, id string, in model.UpdateTaskInput) (model.Task, error)
	deleteFn     func(ctx context.Context, id string) error
	transitionFn func(ctx context.Context, id string, action lifecycle.Action) (*model.Task, error)
	contentFn    func(ctx context.Context, id, content string) (*model.Task, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeRemote) hit() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeRemote) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRemote) GetTask(ctx context.Context, id string) (model.Task, error) {
	f.hit()
	if f.getFn == nil {
		return model.Task{}, apperr.NotFound("Task not found")
	}
	return f.getFn(ctx, id)
}

func (f *fakeRemote) CreateTask(ctx context.Context, in model.CreateTaskInput) (model.Task, error) {
	f.hit()
	return f.createFn(ctx, in)
}

func (f *fakeRemote) UpdateTask(ctx context.Context, id string, in model.UpdateTaskInput) (model.Task, error) {
	f.hit()
	return f.updateFn(ctx, id, in)
}

func (f *fakeRemote) DeleteTask(ctx context.Context, id string) error {
	f.hit()
	return f.deleteFn(ctx, id)
}

func (f *fakeRemote) Transition(ctx context.Context, id string, action lifecycle.Action) (*model.Task, error) {
	f.hit()
	return f.transitionFn(ctx, id, action)
}

func (f *fakeRemote) SaveContent(ctx context.Context, id, content string) (*model.Task, error) {
	f.hit()
	return f.contentFn(ctx, id, content)
}

type staticFetcher map[string][]model.Task

func (f staticFetcher) FetchPage(_ context.Context, s scope.Scope, _, _ int) (model.TaskPage, error) {
	tasks := f[s.Key()]
	return model.TaskPage{Tasks: model.CloneTasks(tasks), TotalCount: len(tasks)}, nil
}

type recorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *recorder) Report(_ string, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, remote *fakeRemote, data staticFetcher) (*Executor, *store.Registry, *recorder) {
	t.Helper()
	idx, err := cache.NewMemoryIndex(16, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMemoryIndex() err=%v", err)
	}
	reg := store.NewRegistry(data, idx, store.Options{}, zap.NewNop())
	rec := &recorder{}
	exec := New(remote, reg, rec, Options{Now: func() time.Time { return fixedNow }}, zap.NewNop())
	return exec, reg, rec
}

func open(t *testing.T, reg *store.Registry, s scope.Scope) *store.Store {
	t.Helper()
	st, err := reg.Open(context.Background(), s)
	if err != nil {
		t.Fatalf("Open(%s) err=%v", s.Key(), err)
	}
	return st
}

func projectTask(id, ownerID string, status model.Status, assignees ...string) model.Task {
	return model.Task{
		ID:          id,
		Title:       "task " + id,
		Status:      status,
		Priority:    model.PriorityMedium,
		ProjectID:   model.StringPtr("P1"),
		OwnerID:     ownerID,
		AssigneeIDs: assignees,
		Project:     &model.ProjectRef{ID: "P1", OwnerID: ownerID},
	}
}

// --- tests ---

func TestSubmit_NonAssigneeRejectedLocally(t *testing.T) {
	remote := &fakeRemote{}
	t1 := projectTask("T1", "OWNER", model.StatusTodo, "U1")
	exec, reg, rec := setup(t, remote, staticFetcher{"mine": {t1}})
	st := open(t, reg, scope.Mine(scope.FilterAll))
	before := st.Tasks()

	_, err := exec.Submit(context.Background(), st, "T1", Actor{ID: "U2"})
	if !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("Submit() err=%v, want permission denied", err)
	}
	if remote.Calls() != 0 {
		t.Fatalf("remote called %d times, want 0", remote.Calls())
	}
	if !reflect.DeepEqual(st.Tasks(), before) {
		t.Fatalf("list changed after local rejection")
	}
	if len(rec.errs) != 1 {
		t.Fatalf("reported %d errors, want 1", len(rec.errs))
	}
}

func TestApprove_FailureRestoresExactSnapshot(t *testing.T) {
	t2 := projectTask("T2", "OWNER", model.StatusPendingApproval, "U1")
	var seen model.Task
	var st *store.Store
	remote := &fakeRemote{transitionFn: func(context.Context, string, lifecycle.Action) (*model.Task, error) {
		seen, _ = st.Find("T2")
		return nil, apperr.Service(400, "Task already recalled")
	}}
	exec, reg, rec := setup(t, remote, staticFetcher{"project:P1": {t2}})
	st = open(t, reg, scope.Project("P1", scope.FilterAll))
	before := st.Tasks()

	_, err := exec.Approve(context.Background(), st, "T2", Actor{ID: "OWNER"})
	if err == nil || err.Error() != "Task already recalled" {
		t.Fatalf("Approve() err=%v, want service message", err)
	}

	// 远端调用期间可见乐观状态
	if seen.Status != model.StatusCompleted || seen.CompletedAt == nil || !seen.CompletedAt.Equal(fixedNow) {
		t.Fatalf("optimistic state=%+v", seen)
	}

	after := st.Tasks()
	if !reflect.DeepEqual(after, before) {
		t.Fatalf("list after failure=%+v, want %+v", after, before)
	}
	if after[0].CompletedAt != nil || after[0].Status != model.StatusPendingApproval {
		t.Fatalf("T2 not restored: %+v", after[0])
	}
	if len(rec.errs) != 1 {
		t.Fatalf("reported %d errors, want 1", len(rec.errs))
	}
}

func TestApprove_FallbackMessage(t *testing.T) {
	t2 := projectTask("T2", "OWNER", model.StatusPendingApproval, "U1")
	remote := &fakeRemote{transitionFn: func(context.Context, string, lifecycle.Action) (*model.Task, error) {
		return nil, apperr.Service(500, "")
	}}
	exec, reg, _ := setup(t, remote, staticFetcher{"project:P1": {t2}})
	st := open(t, reg, scope.Project("P1", scope.FilterAll))

	_, err := exec.Approve(context.Background(), st, "T2", Actor{ID: "OWNER"})
	if err == nil || err.Error() != "Failed to approve task" {
		t.Fatalf("Approve() err=%v, want fallback", err)
	}
	if apperr.KindOf(err) != apperr.KindService {
		t.Fatalf("kind=%v, want service", apperr.KindOf(err))
	}
}

func TestApprove_SuccessReconcilesAllViews(t *testing.T) {
	t2 := projectTask("T2", "OWNER", model.StatusPendingApproval, "OWNER")
	server := t2.Clone()
	server.Status = model.StatusCompleted
	server.CompletedAt = model.TimePtr(fixedNow.Add(time.Second))
	remote := &fakeRemote{transitionFn: func(context.Context, string, lifecycle.Action) (*model.Task, error) {
		s := server.Clone()
		return &s, nil
	}}
	exec, reg, _ := setup(t, remote, staticFetcher{"project:P1": {t2}, "mine": {t2}})
	project := open(t, reg, scope.Project("P1", scope.FilterAll))
	mine := open(t, reg, scope.Mine(scope.FilterAll))

	got, err := exec.Approve(context.Background(), project, "T2", Actor{ID: "OWNER"})
	if err != nil {
		t.Fatalf("Approve() err=%v", err)
	}
	if !got.CompletedAt.Equal(*server.CompletedAt) {
		t.Fatalf("returned task not authoritative: %+v", got)
	}
	for _, st := range []*store.Store{project, mine} {
		tk, _ := st.Find("T2")
		if tk.Status != model.StatusCompleted || !tk.CompletedAt.Equal(*server.CompletedAt) {
			t.Fatalf("%s: T2=%+v", st.Scope().Key(), tk)
		}
	}
}

func TestApprove_AckOnlyPropagatesToOtherViews(t *testing.T) {
	t2 := projectTask("T2", "OWNER", model.StatusPendingApproval, "OWNER")
	remote := &fakeRemote{transitionFn: func(context.Context, string, lifecycle.Action) (*model.Task, error) {
		return nil, nil
	}}
	exec, reg, _ := setup(t, remote, staticFetcher{"project:P1": {t2}, "mine": {t2}})
	project := open(t, reg, scope.Project("P1", scope.FilterAll))
	mine := open(t, reg, scope.Mine(scope.FilterAll))

	got, err := exec.Approve(context.Background(), project, "T2", Actor{ID: "OWNER"})
	if err != nil {
		t.Fatalf("Approve() err=%v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Fatalf("returned status=%s", got.Status)
	}
	for _, st := range []*store.Store{project, mine} {
		tk, _ := st.Find("T2")
		if tk.Status != model.StatusCompleted || tk.CompletedAt == nil || !tk.CompletedAt.Equal(fixedNow) {
			t.Fatalf("%s: T2=%+v", st.Scope().Key(), tk)
		}
	}
}

func TestSaveContent_AckOnlyPropagatesToOtherViews(t *testing.T) {
	task := projectTask("T1", "OWNER", model.StatusInProgress, "U1")
	remote := &fakeRemote{contentFn: func(context.Context, string, string) (*model.Task, error) {
		return nil, nil
	}}
	exec, reg, _ := setup(t, remote, staticFetcher{"project:P1": {task}, "mine": {task}})
	project := open(t, reg, scope.Project("P1", scope.FilterAll))
	mine := open(t, reg, scope.Mine(scope.FilterAll))

	if _, err := exec.SaveContent(context.Background(), project, "T1", "done", Actor{ID: "U1", Username: "u1"}); err != nil {
		t.Fatalf("SaveContent() err=%v", err)
	}
	tk, _ := mine.Find("T1")
	if len(tk.SubmissionContent) != 1 || tk.SubmissionContent[0].Content != "done" {
		t.Fatalf("mine: submissions=%+v", tk.SubmissionContent)
	}
}

func TestSaveContent_ReplacesOwnEntry(t *testing.T) {
	task := projectTask("T1", "OWNER", model.StatusInProgress, "U1", "U2")
	task.SubmissionContent = []model.SubmissionEntry{
		{UserID: "U1", Content: "draft v1"},
		{UserID: "U2", Content: "x"},
	}
	remote := &fakeRemote{contentFn: func(context.Context, string, string) (*model.Task, error) {
		return nil, nil
	}}
	exec, reg, _ := setup(t, remote, staticFetcher{"mine": {task}})
	st := open(t, reg, scope.Mine(scope.FilterAll))

	got, err := exec.SaveContent(context.Background(), st, "T1", "draft v2", Actor{ID: "U1", Username: "alice"})
	if err != nil {
		t.Fatalf("SaveContent() err=%v", err)
	}
	sc := got.SubmissionContent
	if len(sc) != 2 || sc[0].UserID != "U2" || sc[0].Content != "x" || sc[1].UserID != "U1" || sc[1].Content != "draft v2" {
		t.Fatalf("submission_content=%+v", sc)
	}
	stored, _ := st.Find("T1")
	if !reflect.DeepEqual(stored.SubmissionContent, sc) {
		t.Fatalf("store not updated: %+v", stored.SubmissionContent)
	}
}

func TestSaveContent_NonAssigneeRejected(t *testing.T) {
	task := projectTask("T1", "OWNER", model.StatusInProgress, "U1")
	remote := &fakeRemote{}
	exec, reg, _ := setup(t, remote, staticFetcher{"mine": {task}})
	st := open(t, reg, scope.Mine(scope.FilterAll))

	_, err := exec.SaveContent(context.Background(), st, "T1", "hi", Actor{ID: "U9"})
	if !errors.Is(err, apperr.ErrPermissionDenied) || remote.Calls() != 0 {
		t.Fatalf("SaveContent() err=%v calls=%d", err, remote.Calls())
	}
}

func TestCreate_ReplacesPlaceholder(t *testing.T) {
	existing := model.Task{ID: "OLD", Status: model.StatusTodo, OwnerID: "U1"}
	var during []model.Task
	var st *store.Store
	remote := &fakeRemote{createFn: func(_ context.Context, in model.CreateTaskInput) (model.Task, error) {
		during = st.Tasks()
		return model.Task{ID: "NEW", Title: in.Title, Status: model.StatusTodo, OwnerID: "U1"}, nil
	}}
	exec, reg, _ := setup(t, remote, staticFetcher{"personal": {existing}})
	st = open(t, reg, scope.Personal(scope.FilterAll))

	got, err := exec.Create(context.Background(), st, model.CreateTaskInput{Title: "write docs"}, Actor{ID: "U1"})
	if err != nil {
		t.Fatalf("Create() err=%v", err)
	}
	if len(during) != 2 || during[0].Title != "write docs" || during[0].ID[:len(PlaceholderPrefix)] != PlaceholderPrefix {
		t.Fatalf("placeholder not prepended: %+v", during)
	}
	tasks := st.Tasks()
	if got.ID != "NEW" || len(tasks) != 2 || tasks[0].ID != "NEW" || tasks[1].ID != "OLD" {
		t.Fatalf("after create=%+v", tasks)
	}
}

func TestCreate_Validation(t *testing.T) {
	remote := &fakeRemote{}
	exec, reg, _ := setup(t, remote, staticFetcher{})
	st := open(t, reg, scope.Project("P1", scope.FilterAll))

	_, err := exec.Create(context.Background(), st, model.CreateTaskInput{Title: " "}, Actor{ID: "U1"})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("Create(empty title) err=%v", err)
	}
	_, err = exec.Create(context.Background(), st, model.CreateTaskInput{Title: "x", ProjectID: model.StringPtr("P1"), TeamProject: true}, Actor{ID: "U1"})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("Create(no assignees) err=%v", err)
	}
	if remote.Calls() != 0 || len(st.Tasks()) != 0 {
		t.Fatalf("validation failure touched remote or list")
	}
}

func TestDelete_FailureRestoresAndSuccessRemovesEverywhere(t *testing.T) {
	task := projectTask("T1", "OWNER", model.StatusTodo, "U1")
	fail := true
	remote := &fakeRemote{deleteFn: func(context.Context, string) error {
		if fail {
			return apperr.Network("Network error. Please check your connection.", errors.New("refused"))
		}
		return nil
	}}
	exec, reg, _ := setup(t, remote, staticFetcher{"project:P1": {task}, "mine": {task}})
	project := open(t, reg, scope.Project("P1", scope.FilterAll))
	mine := open(t, reg, scope.Mine(scope.FilterAll))

	if err := exec.Delete(context.Background(), project, "T1"); !errors.Is(err, apperr.ErrNetwork) {
		t.Fatalf("Delete() err=%v, want network", err)
	}
	if !project.Contains("T1") {
		t.Fatalf("T1 not restored after failed delete")
	}

	fail = false
	if err := exec.Delete(context.Background(), project, "T1"); err != nil {
		t.Fatalf("Delete() err=%v", err)
	}
	if project.Contains("T1") || mine.Contains("T1") {
		t.Fatalf("T1 still present after delete")
	}
}

func TestUpdate_ConcurrentCallsKeepOwnSnapshots(t *testing.T) {
	a := model.Task{ID: "A", Title: "a", Status: model.StatusTodo, OwnerID: "U1"}
	b := model.Task{ID: "B", Title: "b", Status: model.StatusTodo, OwnerID: "U1"}

	releaseA := make(chan struct{})
	enteredA := make(chan struct{})
	remote := &fakeRemote{updateFn: func(_ context.Context, id string, in model.UpdateTaskInput) (model.Task, error) {
		if id == "A" {
			close(enteredA)
			<-releaseA
			return model.Task{}, apperr.Service(400, "conflict")
		}
		return model.Task{ID: "B", Title: *in.Title, Status: model.StatusTodo, OwnerID: "U1"}, nil
	}}
	exec, reg, _ := setup(t, remote, staticFetcher{"personal": {a, b}})
	st := open(t, reg, scope.Personal(scope.FilterAll))

	title := func(s string) model.UpdateTaskInput { return model.UpdateTaskInput{Title: &s} }

	done := make(chan error, 1)
	go func() {
		_, err := exec.Update(context.Background(), st, "A", title("a2"))
		done <- err
	}()
	<-enteredA

	// A 的调用在途时 B 成功
	if _, err := exec.Update(context.Background(), st, "B", title("b2")); err != nil {
		t.Fatalf("Update(B) err=%v", err)
	}
	close(releaseA)
	if err := <-done; err == nil {
		t.Fatalf("Update(A) err=nil, want failure")
	}

	gotA, _ := st.Find("A")
	if gotA.Title != "a" {
		t.Fatalf("A.Title=%q, want rollback to a", gotA.Title)
	}
	// A 的回滚不能覆盖 B 已确认的修改
	gotB, _ := st.Find("B")
	if gotB.Title != "b2" {
		t.Fatalf("B.Title=%q, want confirmed b2", gotB.Title)
	}
	if ids := taskIDs(st.Tasks()); len(ids) != 2 || ids[0] != "A" || ids[1] != "B" {
		t.Fatalf("order=%v, want [A B]", ids)
	}
}

func taskIDs(tasks []model.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
