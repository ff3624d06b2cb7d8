package redisfeed

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/feed"
)

// testFeed connects to the server named by CHATSYNC_TEST_REDIS_URL. Each test
// gets its own key prefix so runs never collide.
func testFeed(t *testing.T) *Feed {
	t.Helper()
	url := os.Getenv("CHATSYNC_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CHATSYNC_TEST_REDIS_URL not set")
	}
	rdb, err := Dial(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "test-"+uuid.NewString()+":", nil)
}

func TestWriteMergeAndGet(t *testing.T) {
	f := testFeed(t)
	ctx := context.Background()

	if err := f.Write(ctx, "users/u1", feed.Fields{"displayName": "Ana", "online": false}, false); err != nil {
		t.Fatal(err)
	}
	if err := f.Write(ctx, "users/u1", feed.Fields{"online": true, "lastSeen": feed.ServerTimestamp}, true); err != nil {
		t.Fatal(err)
	}

	got, err := f.Get(ctx, "users/u1")
	if err != nil {
		t.Fatal(err)
	}
	if got["displayName"] != "Ana" || got["online"] != true {
		t.Errorf("got %v, want merged displayName=Ana online=true", got)
	}
	if _, ok := got["lastSeen"].(time.Time); !ok {
		t.Errorf("lastSeen = %T, want server time", got["lastSeen"])
	}

	if _, err := f.Get(ctx, "users/missing"); !errors.Is(err, feed.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSubscribeReceivesSnapshotThenChanges(t *testing.T) {
	f := testFeed(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.Write(ctx, "conversations/c1/messages/m1", feed.Fields{"text": "one", "timestamp": feed.ServerTimestamp}, false); err != nil {
		t.Fatal(err)
	}

	batches := make(chan []feed.Change, 8)
	stop, err := f.Subscribe(ctx, feed.Query{Collection: "conversations/c1/messages", OrderBy: "timestamp"}, func(changes []feed.Change, err error) {
		if err == nil {
			batches <- changes
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	next := func() []feed.Change {
		select {
		case b := <-batches:
			return b
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for batch")
			return nil
		}
	}

	if snap := next(); len(snap) != 1 || snap[0].ID != "m1" || snap[0].Type != feed.Added {
		t.Fatalf("snapshot = %+v, want added m1", snap)
	}

	if err := f.Write(ctx, "conversations/c1/messages/m2", feed.Fields{"text": "two", "timestamp": feed.ServerTimestamp}, false); err != nil {
		t.Fatal(err)
	}
	if b := next(); len(b) != 1 || b[0].ID != "m2" || b[0].Type != feed.Added {
		t.Fatalf("batch = %+v, want added m2", b)
	}

	if err := f.Delete(ctx, "conversations/c1/messages/m1"); err != nil {
		t.Fatal(err)
	}
	if b := next(); len(b) != 1 || b[0].ID != "m1" || b[0].Type != feed.Removed {
		t.Fatalf("batch = %+v, want removed m1", b)
	}
}
