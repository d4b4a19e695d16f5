package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"tasksync/internal/apperr"
	"tasksync/internal/lifecycle"
	"tasksync/internal/model"
	"tasksync/internal/scope"
	"tasksync/pkg/circuitbreaker"
	"tasksync/pkg/trace"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL, Token: "tok", Timeout: 2 * time.Second}, zap.NewNop()), srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestFetchPage_RoutesByScope(t *testing.T) {
	cases := []struct {
		scope     scope.Scope
		wantPath  string
		wantQuery string
	}{
		{scope.Mine(scope.FilterAll), "/tasks/my", "page=2&per_page=20"},
		{scope.Mine(scope.FilterIncomplete), "/tasks/my", "page=2&per_page=20&status=incomplete"},
		{scope.Personal(scope.FilterCompleted), "/tasks/personal", "page=2&per_page=20&status=completed"},
		{scope.Project("P1", scope.FilterAll), "/tasks/project/P1", "page=2&per_page=20"},
		{scope.PendingApproval("P1"), "/tasks/project/P1/pending-approval", "page=2&per_page=20"},
	}
	for _, tc := range cases {
		var gotPath, gotQuery, gotAuth string
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gotPath, gotQuery, gotAuth = r.URL.Path, r.URL.RawQuery, r.Header.Get("Authorization")
			writeJSON(w, 200, model.TaskPage{Tasks: []model.Task{{ID: "A", Status: model.StatusTodo}}, TotalCount: 7})
		})

		page, err := c.FetchPage(context.Background(), tc.scope, 2, 20)
		if err != nil {
			t.Fatalf("%s: FetchPage() err=%v", tc.scope.Key(), err)
		}
		if gotPath != tc.wantPath || gotQuery != tc.wantQuery {
			t.Errorf("%s: request=%s?%s, want %s?%s", tc.scope.Key(), gotPath, gotQuery, tc.wantPath, tc.wantQuery)
		}
		if gotAuth != "Bearer tok" {
			t.Errorf("%s: Authorization=%q", tc.scope.Key(), gotAuth)
		}
		if page.TotalCount != 7 || len(page.Tasks) != 1 || page.Tasks[0].ID != "A" {
			t.Errorf("%s: page=%+v", tc.scope.Key(), page)
		}
	}
}

func TestDo_PropagatesTraceID(t *testing.T) {
	var got string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(trace.HeaderName)
		w.WriteHeader(http.StatusNoContent)
	})

	ctx := trace.WithContext(context.Background(), "trace-123")
	if err := c.DeleteTask(ctx, "T1"); err != nil {
		t.Fatalf("DeleteTask() err=%v", err)
	}
	if got != "trace-123" {
		t.Fatalf("X-Trace-ID=%q, want trace-123", got)
	}
}

func TestErrorPayload(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		wantMsg  string
		wantKind apperr.Kind
	}{
		{"detail string", 400, `{"detail":"Task already recalled"}`, "Task already recalled", apperr.KindService},
		{"detail list", 422, `{"detail":[{"msg":"field required"},{"msg":"too short"}]}`, "field required; too short", apperr.KindValidation},
		{"message", 403, `{"message":"Not allowed"}`, "Not allowed", apperr.KindPermissionDenied},
		{"no payload", 404, ``, "Server error: 404", apperr.KindNotFound},
		{"html", 500, `<html>oops</html>`, "Server error: 500", apperr.KindService},
	}
	for _, tc := range cases {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		})

		_, err := c.Transition(context.Background(), "T1", lifecycle.ActionApprove)
		if err == nil {
			t.Fatalf("%s: Transition() err=nil", tc.name)
		}
		if err.Error() != tc.wantMsg {
			t.Errorf("%s: Error()=%q, want %q", tc.name, err.Error(), tc.wantMsg)
		}
		if k := apperr.KindOf(err); k != tc.wantKind {
			t.Errorf("%s: kind=%v, want %v", tc.name, k, tc.wantKind)
		}
	}
}

func TestErrorPayload_EmptyUsesFallback(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Transition(context.Background(), "T1", lifecycle.ActionApprove)
	if got := apperr.Message(err, "Failed to approve task"); got != "Failed to approve task" {
		t.Fatalf("Message()=%q, want fallback", got)
	}
}

func TestTransition_PathsAndEmptyAck(t *testing.T) {
	var paths []string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/approve") {
			writeJSON(w, 200, model.Task{ID: "T1", Status: model.StatusCompleted})
			return
		}
		writeJSON(w, 200, map[string]string{"message": "ok"})
	})
	ctx := context.Background()

	got, err := c.Transition(ctx, "T1", lifecycle.ActionApprove)
	if err != nil || got == nil || got.Status != model.StatusCompleted {
		t.Fatalf("Transition(approve)=%+v err=%v", got, err)
	}
	got, err = c.Transition(ctx, "T1", lifecycle.ActionRequestChanges)
	if err != nil || got != nil {
		t.Fatalf("Transition(request_changes)=%+v err=%v, want nil task", got, err)
	}

	want := []string{"POST /tasks/T1/approve", "POST /tasks/T1/request-changes"}
	if strings.Join(paths, ",") != strings.Join(want, ",") {
		t.Fatalf("paths=%v, want %v", paths, want)
	}
}

func TestSaveContent_SendsBody(t *testing.T) {
	var in model.ContentInput
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&in)
		writeJSON(w, 200, map[string]string{"message": "Content saved"})
	})

	got, err := c.SaveContent(context.Background(), "T1", "draft v2")
	if err != nil || got != nil {
		t.Fatalf("SaveContent()=%+v err=%v", got, err)
	}
	if in.Content != "draft v2" {
		t.Fatalf("content=%q", in.Content)
	}
}

func TestNetworkErrorAndBreaker(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Options{
		BaseURL: url,
		Timeout: time.Second,
		Breaker: circuitbreaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute, HalfOpenMaxRequests: 1},
	}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.GetTask(ctx, "T1")
		if !errors.Is(err, apperr.ErrNetwork) {
			t.Fatalf("GetTask() err=%v, want network error", err)
		}
	}
	_, err := c.GetTask(ctx, "T1")
	if !errors.Is(err, circuitbreaker.ErrOpen) || apperr.Message(err, "") != msgUnavailable {
		t.Fatalf("GetTask() with open breaker err=%v", err)
	}
}

func TestBusinessErrorsDoNotOpenBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 403, map[string]string{"detail": "nope"})
	}))
	defer srv.Close()

	c := New(Options{
		BaseURL: srv.URL,
		Breaker: circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute, HalfOpenMaxRequests: 1},
	}, zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := c.UpdateTask(context.Background(), "T1", model.UpdateTaskInput{})
		if !errors.Is(err, apperr.ErrPermissionDenied) {
			t.Fatalf("UpdateTask() err=%v, want permission denied", err)
		}
	}
}
