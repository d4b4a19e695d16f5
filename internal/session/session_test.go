package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"tasksync/internal/apperr"
	"tasksync/internal/cache"
	"tasksync/internal/lifecycle"
	"tasksync/internal/model"
	"tasksync/internal/mutation"
	"tasksync/internal/scope"
	"tasksync/internal/store"
	"tasksync/pkg/util"
)

type countingFetcher struct {
	calls atomic.Int32
	total int
}

func (f *countingFetcher) FetchPage(_ context.Context, s scope.Scope, page, perPage int) (model.TaskPage, error) {
	f.calls.Add(1)
	var tasks []model.Task
	for i := (page-1)*perPage + 1; i <= page*perPage && i <= f.total; i++ {
		tasks = append(tasks, model.Task{ID: s.Key() + "-" + string(rune('a'+i-1)), Status: model.StatusTodo})
	}
	return model.TaskPage{Tasks: tasks, TotalCount: f.total}, nil
}

type fakeSubscriber struct {
	mu   sync.Mutex
	refs map[string]int
}

func (f *fakeSubscriber) Acquire(projectID string) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[projectID]++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.refs[projectID]--
	}, nil
}

func (f *fakeSubscriber) count(projectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[projectID]
}

type nopRemote struct{}

func (nopRemote) GetTask(context.Context, string) (model.Task, error) {
	return model.Task{}, apperr.NotFound("Task not found")
}
func (nopRemote) CreateTask(context.Context, model.CreateTaskInput) (model.Task, error) {
	return model.Task{}, errors.New("unused")
}
func (nopRemote) UpdateTask(context.Context, string, model.UpdateTaskInput) (model.Task, error) {
	return model.Task{}, errors.New("unused")
}
func (nopRemote) DeleteTask(context.Context, string) error { return errors.New("unused") }
func (nopRemote) Transition(context.Context, string, lifecycle.Action) (*model.Task, error) {
	return nil, errors.New("unused")
}
func (nopRemote) SaveContent(context.Context, string, string) (*model.Task, error) {
	return nil, errors.New("unused")
}

func newSession(t *testing.T, f store.PageFetcher, sub Subscriber) *Session {
	t.Helper()
	idx, err := cache.NewMemoryIndex(16, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMemoryIndex() err=%v", err)
	}
	reg := store.NewRegistry(f, idx, store.Options{PerPage: 2}, zap.NewNop())
	rep := NewErrorReporter(4, zap.NewNop())
	exec := mutation.New(nopRemote{}, reg, rep, mutation.Options{}, zap.NewNop())
	return New("U1", "alice", Deps{Registry: reg, Executor: exec, Realtime: sub, Reporter: rep}, zap.NewNop())
}

func TestSwitch_RestoresFromCacheAndManagesSubscriptions(t *testing.T) {
	f := &countingFetcher{total: 5}
	sub := &fakeSubscriber{refs: map[string]int{}}
	s := newSession(t, f, sub)
	ctx := context.Background()

	p1, err := s.Switch(ctx, scope.Project("P1", scope.FilterAll))
	if err != nil {
		t.Fatalf("Switch(P1) err=%v", err)
	}
	if sub.count("P1") != 1 {
		t.Fatalf("P1 refs=%d, want 1", sub.count("P1"))
	}

	if _, err := s.Switch(ctx, scope.Mine(scope.FilterAll)); err != nil {
		t.Fatalf("Switch(mine) err=%v", err)
	}
	if !p1.Closed() || sub.count("P1") != 0 {
		t.Fatalf("previous view not closed: closed=%v refs=%d", p1.Closed(), sub.count("P1"))
	}

	before := f.calls.Load()
	back, err := s.Switch(ctx, scope.Project("P1", scope.FilterAll))
	if err != nil {
		t.Fatalf("Switch(P1) again err=%v", err)
	}
	if f.calls.Load() != before {
		t.Fatalf("switching back fetched again")
	}
	if len(back.Tasks()) != 2 || s.Active() != back {
		t.Fatalf("restored view tasks=%d active=%v", len(back.Tasks()), s.Active() == back)
	}
}

func TestView_LoadMoreStopsAfterClose(t *testing.T) {
	f := &countingFetcher{total: 10}
	s := newSession(t, f, nil)
	ctx := context.Background()

	v, _ := s.Open(ctx, scope.Mine(scope.FilterAll))
	if err := v.Visible(ctx, 1); err != nil {
		t.Fatalf("Visible() err=%v", err)
	}
	if got := len(v.Tasks()); got != 4 {
		t.Fatalf("tasks=%d, want 4 after near-end trigger", got)
	}

	v.Close()
	calls := f.calls.Load()
	_ = v.LoadMore(ctx)
	_ = v.Visible(ctx, 3)
	if f.calls.Load() != calls {
		t.Fatalf("LoadMore fetched after Close")
	}
	if err := v.Refresh(ctx); !errors.Is(err, ErrViewClosed) {
		t.Fatalf("Refresh() err=%v, want ErrViewClosed", err)
	}
}

func TestRun_ReportsLocalRejection(t *testing.T) {
	s := newSession(t, &countingFetcher{total: 0}, nil)
	ctx := context.Background()
	v, _ := s.Open(ctx, scope.Mine(scope.FilterAll))

	_, err := s.Run(ctx, v, lifecycle.ActionSubmit, "missing")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Run() err=%v, want not found", err)
	}
	select {
	case rep := <-s.Errors():
		if rep.Op != "submit" || rep.Kind != apperr.KindNotFound {
			t.Fatalf("report=%+v", rep)
		}
	case <-time.After(time.Second):
		t.Fatalf("no error reported")
	}
}

func TestErrorReporter_DropsOldestWhenFull(t *testing.T) {
	r := NewErrorReporter(2, zap.NewNop())
	for _, op := range []string{"a", "b", "c"} {
		r.Report(op, apperr.Validation(op))
	}
	first := <-r.Errors()
	second := <-r.Errors()
	if first.Op != "b" || second.Op != "c" {
		t.Fatalf("reports=%s,%s, want b,c", first.Op, second.Op)
	}
}

func TestUserFromToken(t *testing.T) {
	tok, err := util.GenerateJWT("U7", "secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT() err=%v", err)
	}
	if id, err := UserFromToken(tok); err != nil || id != "U7" {
		t.Fatalf("UserFromToken()=%q err=%v", id, err)
	}
	if _, err := UserFromToken(""); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("UserFromToken(\"\") err=%v", err)
	}
}
