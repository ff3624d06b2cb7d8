package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]Change
	errs    []error
	ch      chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 64)}
}

func (r *recorder) handle(changes []Change, err error) {
	r.mu.Lock()
	if err != nil {
		r.errs = append(r.errs, err)
	} else {
		r.batches = append(r.batches, changes)
	}
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery")
	}
}

func (r *recorder) last() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[len(r.batches)-1]
}

func TestMemorySubscribeSnapshotAndChanges(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Write(ctx, "conversations/c1", Fields{"participantIds": []any{"u1", "u2"}, "updatedAt": ServerTimestamp}, false); err != nil {
		t.Fatal(err)
	}

	r := newRecorder()
	q := Query{Collection: "conversations", OrderBy: "updatedAt", Descending: true}.Where("participantIds", OpArrayContains, "u1")
	stop, err := m.Subscribe(ctx, q, r.handle)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	r.wait(t)
	snap := r.last()
	if len(snap) != 1 || snap[0].Type != Added || snap[0].ID != "c1" {
		t.Fatalf("snapshot = %+v, want one added c1", snap)
	}
	if _, ok := snap[0].Fields["updatedAt"].(time.Time); !ok {
		t.Errorf("updatedAt = %T, want server-assigned time.Time", snap[0].Fields["updatedAt"])
	}

	if err := m.Write(ctx, "conversations/c1", Fields{"lastMessage": "hi"}, true); err != nil {
		t.Fatal(err)
	}
	r.wait(t)
	mod := r.last()
	if len(mod) != 1 || mod[0].Type != Modified {
		t.Fatalf("changes = %+v, want one modified", mod)
	}
	if mod[0].Fields["lastMessage"] != "hi" {
		t.Errorf("lastMessage = %v, want hi", mod[0].Fields["lastMessage"])
	}
	if _, ok := mod[0].Fields["participantIds"]; !ok {
		t.Error("merge write dropped participantIds")
	}

	// A document that does not match the filter is never delivered.
	if err := m.Write(ctx, "conversations/c2", Fields{"participantIds": []any{"u3"}}, false); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ctx, "conversations/c1"); err != nil {
		t.Fatal(err)
	}
	r.wait(t)
	del := r.last()
	if len(del) != 1 || del[0].Type != Removed || del[0].ID != "c1" {
		t.Fatalf("changes = %+v, want one removed c1", del)
	}
}

func TestMemoryLimitToLastWindow(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := m.Write(ctx, "conversations/c1/messages/"+id, Fields{"timestamp": ServerTimestamp}, false); err != nil {
			t.Fatal(err)
		}
	}

	r := newRecorder()
	q := Query{Collection: "conversations/c1/messages", OrderBy: "timestamp", Limit: 2, LimitToLast: true}
	stop, err := m.Subscribe(ctx, q, r.handle)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	r.wait(t)
	snap := r.last()
	if len(snap) != 2 || snap[0].ID != "m2" || snap[1].ID != "m3" {
		t.Fatalf("snapshot = %+v, want m2,m3", snap)
	}

	if err := m.Write(ctx, "conversations/c1/messages/m4", Fields{"timestamp": ServerTimestamp}, false); err != nil {
		t.Fatal(err)
	}
	r.wait(t)
	changes := r.last()
	if len(changes) != 2 || changes[0].Type != Removed || changes[0].ID != "m2" || changes[1].Type != Added || changes[1].ID != "m4" {
		t.Fatalf("changes = %+v, want removed m2 then added m4", changes)
	}
}

func TestMemoryWriteHookFailsWrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SetWriteHook(func(string, Fields) error { return errors.New("unavailable") })

	if err := m.Write(ctx, "users/u1", Fields{"online": true}, true); err == nil {
		t.Fatal("Write() expected error from hook")
	}
	if _, err := m.Get(ctx, "users/u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if len(m.Writes()) != 0 {
		t.Errorf("got %d writes, want 0", len(m.Writes()))
	}
}

func TestMemoryIncrementAndNestedMerge(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Write(ctx, "conversations/c1", Fields{"unread": map[string]any{"u1": int64(0), "u2": int64(3)}}, false); err != nil {
		t.Fatal(err)
	}
	if err := m.Write(ctx, "conversations/c1", Fields{"unread.u2": Increment(1), "lastInteraction.u1": ServerTimestamp}, true); err != nil {
		t.Fatal(err)
	}
	got, err := m.Get(ctx, "conversations/c1")
	if err != nil {
		t.Fatal(err)
	}
	unread := got["unread"].(map[string]any)
	if unread["u2"] != int64(4) || unread["u1"] != int64(0) {
		t.Errorf("unread = %v, want u1=0 u2=4", unread)
	}
	li := got["lastInteraction"].(map[string]any)
	if _, ok := li["u1"].(time.Time); !ok {
		t.Errorf("lastInteraction.u1 = %T, want time.Time", li["u1"])
	}
}

func TestMemoryStopAndInjectError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r := newRecorder()
	stop, err := m.Subscribe(ctx, Query{Collection: "users"}, r.handle)
	if err != nil {
		t.Fatal(err)
	}
	r.wait(t)

	m.InjectError("users", errors.New("permission denied"))
	r.wait(t)
	r.mu.Lock()
	if len(r.errs) != 1 {
		t.Errorf("got %d errors, want 1", len(r.errs))
	}
	r.mu.Unlock()

	stop()
	stop()
	if n := m.Listeners("users"); n != 0 {
		t.Errorf("listeners = %d after stop, want 0", n)
	}
}

func TestCommitTimesStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	fixed := time.UnixMilli(1000)
	m.SetClock(func() time.Time { return fixed })
	for i := 0; i < 3; i++ {
		if err := m.Write(ctx, "users/u1", Fields{"n": int64(i)}, true); err != nil {
			t.Fatal(err)
		}
	}
	w := m.Writes()
	for i := 1; i < len(w); i++ {
		if !w[i].CommitTime.After(w[i-1].CommitTime) {
			t.Errorf("commit %d = %v, not after %v", i, w[i].CommitTime, w[i-1].CommitTime)
		}
	}
}
