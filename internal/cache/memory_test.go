package cache

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"tasksync/internal/model"
)

func TestMemoryIndex_GetPutInvalidate(t *testing.T) {
	idx, err := NewMemoryIndex(4, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMemoryIndex() err=%v", err)
	}
	ctx := context.Background()

	if _, ok, _ := idx.Get(ctx, "mine"); ok {
		t.Fatalf("Get() on empty index hit")
	}

	snap := Snapshot{Tasks: []model.Task{{ID: "A"}}, Cursor: 2, HasMore: true, TotalCount: 5}
	if err := idx.Put(ctx, "mine", snap); err != nil {
		t.Fatalf("Put() err=%v", err)
	}
	got, ok, err := idx.Get(ctx, "mine")
	if err != nil || !ok {
		t.Fatalf("Get() ok=%v err=%v", ok, err)
	}
	if got.Cursor != 2 || !got.HasMore || got.TotalCount != 5 || len(got.Tasks) != 1 {
		t.Fatalf("Get()=%+v", got)
	}

	if err := idx.Invalidate(ctx, "mine"); err != nil {
		t.Fatalf("Invalidate() err=%v", err)
	}
	if _, ok, _ := idx.Get(ctx, "mine"); ok {
		t.Fatalf("Get() after Invalidate hit")
	}
}

func TestMemoryIndex_SnapshotsAreCopies(t *testing.T) {
	idx, _ := NewMemoryIndex(4, zap.NewNop())
	ctx := context.Background()

	snap := Snapshot{Tasks: []model.Task{{ID: "A", Title: "before"}}}
	_ = idx.Put(ctx, "k", snap)
	snap.Tasks[0].Title = "mutated after put"

	got, _, _ := idx.Get(ctx, "k")
	got.Tasks[0].Title = "mutated after get"

	again, _, _ := idx.Get(ctx, "k")
	if again.Tasks[0].Title != "before" {
		t.Fatalf("stored snapshot was mutated: %q", again.Tasks[0].Title)
	}
}

func TestMemoryIndex_EvictsLeastRecentlyUsed(t *testing.T) {
	idx, _ := NewMemoryIndex(2, zap.NewNop())
	ctx := context.Background()

	_ = idx.Put(ctx, "a", Snapshot{})
	_ = idx.Put(ctx, "b", Snapshot{})
	_, _, _ = idx.Get(ctx, "a") // a 变为最近使用
	_ = idx.Put(ctx, "c", Snapshot{})

	if _, ok, _ := idx.Get(ctx, "b"); ok {
		t.Fatalf("b should have been evicted")
	}
	if _, ok, _ := idx.Get(ctx, "a"); !ok {
		t.Fatalf("a should still be cached")
	}
	if idx.Len() != 2 {
		t.Fatalf("Len()=%d, want 2", idx.Len())
	}
}

func TestMemoryIndex_OnEvictSkipsInvalidate(t *testing.T) {
	idx, _ := NewMemoryIndex(2, zap.NewNop())
	ctx := context.Background()

	var evicted []string
	idx.OnEvict(func(key string) { evicted = append(evicted, key) })

	_ = idx.Put(ctx, "a", Snapshot{})
	_ = idx.Put(ctx, "b", Snapshot{})
	_ = idx.Invalidate(ctx, "a")
	_ = idx.Put(ctx, "c", Snapshot{})
	_ = idx.Put(ctx, "d", Snapshot{})

	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("evicted=%v, want [b]", evicted)
	}
}
