package presence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/matheus3301/chatsync/internal/loop"
	"github.com/matheus3301/chatsync/internal/record"
	"github.com/matheus3301/chatsync/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTracker(t *testing.T, opts Options) (*Tracker, *feed.Memory, *store.DB) {
	t.Helper()
	mem := feed.NewMemory()
	db := testDB(t)
	l := loop.New(16)
	tr := NewTracker(mem, db, l, bus.New(), nil, opts)
	t.Cleanup(func() {
		tr.CancelAll()
		l.Stop()
	})
	return tr, mem, db
}

// presenceWrites returns the online values written for user in order.
func presenceWrites(mem *feed.Memory, userID string) []bool {
	var out []bool
	for _, w := range mem.Writes() {
		if w.Path == record.UserPath(userID) {
			online, _ := w.Fields[record.FieldOnline].(bool)
			out = append(out, online)
		}
	}
	return out
}

func TestSignInPublishesOnline(t *testing.T) {
	tr, mem, db := newTracker(t, Options{Heartbeat: time.Hour, Grace: time.Hour})
	tr.SignIn("me")

	if !tr.Online() {
		t.Error("Online() = false after sign in")
	}
	if w := presenceWrites(mem, "me"); len(w) != 1 || !w[0] {
		t.Errorf("writes = %v, want [true]", w)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if u, _ := db.GetUser("me"); u != nil && u.Online {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("presence not mirrored to local users")
}

func TestHeartbeatRepublishes(t *testing.T) {
	tr, mem, _ := newTracker(t, Options{Heartbeat: 20 * time.Millisecond, Grace: time.Hour})
	tr.SignIn("me")
	time.Sleep(110 * time.Millisecond)

	if n := len(presenceWrites(mem, "me")); n < 3 {
		t.Errorf("writes = %d, want initial plus heartbeats", n)
	}
}

func TestBackgroundGraceGoesOffline(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	tr, mem, _ := newTracker(t, Options{
		Heartbeat: time.Hour,
		Grace:     30 * time.Millisecond,
		Now:       func() time.Time { return now },
	})
	tr.SignIn("me")
	active := now
	now = now.Add(time.Minute)
	tr.EnteredBackground()
	time.Sleep(100 * time.Millisecond)

	if tr.Online() {
		t.Error("Online() = true after grace period")
	}
	w := presenceWrites(mem, "me")
	if len(w) != 2 || w[1] {
		t.Fatalf("writes = %v, want [true false]", w)
	}
	doc, _ := mem.Get(context.Background(), record.UserPath("me"))
	if seen, _ := doc[record.FieldLastSeen].(time.Time); !seen.Equal(active) {
		t.Errorf("lastSeen = %v, want last activity %v", seen, active)
	}
}

func TestReturnBeforeGraceStaysOnline(t *testing.T) {
	tr, mem, _ := newTracker(t, Options{Heartbeat: time.Hour, Grace: 50 * time.Millisecond})
	tr.SignIn("me")
	tr.EnteredBackground()
	time.Sleep(10 * time.Millisecond)
	tr.BecameActive()
	time.Sleep(100 * time.Millisecond)

	if !tr.Online() {
		t.Error("Online() = false, want online throughout")
	}
	for i, online := range presenceWrites(mem, "me") {
		if !online {
			t.Errorf("write %d published offline", i)
		}
	}
}

func TestSignOutPublishesOfflineNow(t *testing.T) {
	tr, mem, _ := newTracker(t, Options{Heartbeat: 10 * time.Millisecond, Grace: time.Hour})
	tr.SignIn("me")
	if err := tr.SignOut(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := len(presenceWrites(mem, "me"))
	time.Sleep(50 * time.Millisecond)

	w := presenceWrites(mem, "me")
	if len(w) != before || w[len(w)-1] {
		t.Errorf("writes = %v, want offline last and no heartbeat after sign out", w)
	}
	if tr.User() != "" || tr.Online() {
		t.Error("tracker should forget the user")
	}
}

func TestCallsWithoutUserAreIgnored(t *testing.T) {
	tr, mem, _ := newTracker(t, Options{})
	tr.BecameActive()
	tr.EnteredBackground()
	tr.RecordActivity()
	if err := tr.SignOut(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(mem.Writes()); n != 0 {
		t.Errorf("writes = %d, want 0", n)
	}
}

func TestStaleOfflineAfterReturnIsDropped(t *testing.T) {
	tr, mem, _ := newTracker(t, Options{Heartbeat: time.Hour, Grace: time.Hour})
	tr.SignIn("me")
	tr.EnteredBackground()
	tr.mu.Lock()
	armed := tr.gen
	tr.mu.Unlock()

	// The grace timer already passed its own check when the user came back.
	tr.BecameActive()
	tr.publishAt(armed, false, time.Now())

	if !tr.Online() {
		t.Error("Online() = false, want the newer online state kept")
	}
	for i, online := range presenceWrites(mem, "me") {
		if !online {
			t.Errorf("write %d published a stale offline", i)
		}
	}
}
