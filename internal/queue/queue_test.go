package queue

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type record struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func newTestQueue(t *testing.T) (*Queue[record], string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.json")
	q, err := Open[record](path)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	return q, path
}

func TestPushPollPreservesOrder(t *testing.T) {
	q, _ := newTestQueue(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Push(record{ID: id}); err != nil {
			t.Fatalf("unexpected push error: %v", err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		item, ok, err := q.Poll()
		if err != nil {
			t.Fatalf("unexpected poll error: %v", err)
		}
		if !ok {
			t.Fatalf("expected an item for %s", want)
		}
		if item.ID != want {
			t.Fatalf("expected %s, got %s", want, item.ID)
		}
	}

	if _, ok, _ := q.Poll(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestPollEmptyReturnsNothing(t *testing.T) {
	q, _ := newTestQueue(t)
	_, ok, err := q.Poll()
	if err != nil {
		t.Fatalf("unexpected poll error: %v", err)
	}
	if ok {
		t.Fatalf("expected no item from empty queue")
	}
}

func TestContentsSurviveReopen(t *testing.T) {
	q, path := newTestQueue(t)
	if err := q.Push(record{ID: "persisted", Value: 7}); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}

	reopened, err := Open[record](path)
	if err != nil {
		t.Fatalf("unexpected reopen error: %v", err)
	}
	item, ok, err := reopened.Poll()
	if err != nil {
		t.Fatalf("unexpected poll error: %v", err)
	}
	if !ok || item.ID != "persisted" || item.Value != 7 {
		t.Fatalf("unexpected reopened item: %#v ok=%v", item, ok)
	}
}

func TestDeleteRemovesMatchesInOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	for i, id := range []string{"keep-1", "drop-1", "keep-2", "drop-2"} {
		if err := q.Push(record{ID: id, Value: i}); err != nil {
			t.Fatalf("unexpected push error: %v", err)
		}
	}

	removed, err := q.Delete(func(r record) bool { return strings.HasPrefix(r.ID, "drop") })
	if err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if len(removed) != 2 || removed[0].ID != "drop-1" || removed[1].ID != "drop-2" {
		t.Fatalf("unexpected removed items: %#v", removed)
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 remaining items, got %d", q.Len())
	}

	remaining := q.Snapshot()
	if remaining[0].ID != "keep-1" || remaining[1].ID != "keep-2" {
		t.Fatalf("unexpected remaining items: %#v", remaining)
	}
}

func TestFindDoesNotRemove(t *testing.T) {
	q, _ := newTestQueue(t)
	if err := q.Push(record{ID: "x"}); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}

	found := q.Find(func(r record) bool { return r.ID == "x" })
	if len(found) != 1 {
		t.Fatalf("expected 1 match, got %d", len(found))
	}
	if q.Len() != 1 {
		t.Fatalf("find must not remove items")
	}
}

func TestMutationLeavesNoTempFiles(t *testing.T) {
	q, path := newTestQueue(t)
	for i := 0; i < 5; i++ {
		if err := q.Push(record{Value: i}); err != nil {
			t.Fatalf("unexpected push error: %v", err)
		}
	}
	if _, _, err := q.Poll(); err != nil {
		t.Fatalf("unexpected poll error: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("unexpected readdir error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the queue file, got %d entries", len(entries))
	}
}

func TestConcurrentPushPollLosesNothing(t *testing.T) {
	q, _ := newTestQueue(t)

	const total = 50
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			if err := q.Push(record{Value: i}); err != nil {
				t.Errorf("unexpected push error: %v", err)
				return
			}
		}
	}()

	received := 0
	for received < total {
		_, ok, err := q.Poll()
		if err != nil {
			t.Fatalf("unexpected poll error: %v", err)
		}
		if ok {
			received++
		}
	}
	<-done
	if q.Len() != 0 {
		t.Fatalf("expected drained queue, got %d items", q.Len())
	}
}
