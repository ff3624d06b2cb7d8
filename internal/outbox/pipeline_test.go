package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/matheus3301/chatsync/internal/loop"
	"github.com/matheus3301/chatsync/internal/record"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fixture struct {
	mem *feed.Memory
	db  *store.DB
	bus *bus.Bus
	p   *Pipeline

	mu        sync.Mutex
	mutations []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{mem: feed.NewMemory(), db: testDB(t), bus: bus.New()}
	l := loop.New(16)
	logger, _ := zap.NewDevelopment()
	f.p = NewPipeline(f.mem, f.db, l, f.bus, logger, func(conversationID, messageID string) {
		f.mu.Lock()
		f.mutations = append(f.mutations, messageID)
		f.mu.Unlock()
	})
	f.p.SetUser("me")
	t.Cleanup(func() {
		f.p.CancelAll()
		f.p.Wait()
		l.Stop()
	})
	if _, err := f.db.UpsertConversation(&store.Conversation{
		ID:             "c1",
		ParticipantIDs: []string{"me", "u2", "u3"},
		UnreadCounts:   map[string]int{},
		UpdatedAt:      1,
	}); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) state(t *testing.T, msgID string) delivery.State {
	t.Helper()
	m, err := f.db.FindMessage(msgID)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		return ""
	}
	return m.State
}

func (f *fixture) mutationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mutations)
}

func failPath(substr string, err error) func(string, feed.Fields) error {
	return func(path string, _ feed.Fields) error {
		if strings.Contains(path, substr) {
			return err
		}
		return nil
	}
}

func TestSendOptimisticThenSent(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.mem.SetWriteHook(func(string, feed.Fields) error {
		<-release
		return nil
	})
	ch, unsub := f.bus.Subscribe(bus.KindSendAck, 10)
	defer unsub()

	msg, err := f.p.Send(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || msg.State != delivery.Pending || msg.SenderID != "me" {
		t.Fatalf("Send() = %+v", msg)
	}
	// The insert is visible before the remote write completes.
	if got := f.state(t, msg.MsgID); got != delivery.Pending {
		t.Errorf("state before remote ack = %s, want pending", got)
	}
	if f.mutationCount() != 1 {
		t.Errorf("mutations = %d, want 1", f.mutationCount())
	}

	close(release)
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_ack")
	}
	f.p.Wait()

	if got := f.state(t, msg.MsgID); got != delivery.Sent {
		t.Errorf("final state = %s, want sent", got)
	}

	doc, err := f.mem.Get(context.Background(), record.MessagePath("c1", msg.MsgID))
	if err != nil {
		t.Fatal(err)
	}
	if doc[record.FieldText] != "hello" || doc[record.FieldSenderID] != "me" {
		t.Errorf("remote message = %v", doc)
	}
	conv, err := f.mem.Get(context.Background(), record.ConversationPath("c1"))
	if err != nil {
		t.Fatal(err)
	}
	if conv[record.FieldLastMessage] != "hello" || conv[record.FieldLastSenderID] != "me" {
		t.Errorf("preview = %v", conv)
	}
	unread, _ := conv[record.FieldUnreadCount].(map[string]any)
	if unread["u2"] != int64(1) || unread["u3"] != int64(1) {
		t.Errorf("unread = %v, want u2 and u3 incremented", unread)
	}
	if _, ok := unread["me"]; ok {
		t.Error("sender's own unread counter should not be touched")
	}
}

func TestSendFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.mem.SetWriteHook(failPath("/messages/", fmt.Errorf("network error")))
	ch, unsub := f.bus.Subscribe(bus.KindSendFailed, 10)
	defer unsub()

	msg, err := f.p.Send(context.Background(), "c1", "will-fail")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		sf, ok := evt.Payload.(SendFailure)
		if !ok || sf.MessageID != msg.MsgID || !strings.Contains(sf.Err, "network error") {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_failed")
	}
	f.p.Wait()
	if got := f.state(t, msg.MsgID); got != delivery.Failed {
		t.Errorf("state = %s, want failed", got)
	}
	if _, err := f.mem.Get(context.Background(), record.ConversationPath("c1")); !errors.Is(err, feed.ErrNotFound) {
		t.Error("preview must not be written when the message write fails")
	}
}

func TestPreviewFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.mem.SetWriteHook(func(path string, _ feed.Fields) error {
		if path == record.ConversationPath("c1") {
			return errors.New("quota")
		}
		return nil
	})

	msg, err := f.p.Send(context.Background(), "c1", "half")
	if err != nil {
		t.Fatal(err)
	}
	f.p.Wait()
	if got := f.state(t, msg.MsgID); got != delivery.Failed {
		t.Errorf("state = %s, want failed", got)
	}
}

func TestSendBlankIsNoop(t *testing.T) {
	f := newFixture(t)
	for _, text := range []string{"", "   ", "\n\t"} {
		msg, err := f.p.Send(context.Background(), "c1", text)
		if err != nil || msg != nil {
			t.Errorf("Send(%q) = %v, %v; want nil, nil", text, msg, err)
		}
	}
	f.p.Wait()
	if n := len(f.mem.Writes()); n != 0 {
		t.Errorf("remote writes = %d, want 0", n)
	}
	if f.mutationCount() != 0 {
		t.Errorf("mutations = %d, want 0", f.mutationCount())
	}
}

func TestSendWithoutUser(t *testing.T) {
	f := newFixture(t)
	f.p.SetUser("")
	if _, err := f.p.Send(context.Background(), "c1", "hi"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestRetryReusesIdentity(t *testing.T) {
	f := newFixture(t)
	f.mem.SetWriteHook(failPath("/messages/", errors.New("offline")))
	msg, err := f.p.Send(context.Background(), "c1", "again")
	if err != nil {
		t.Fatal(err)
	}
	f.p.Wait()
	if got := f.state(t, msg.MsgID); got != delivery.Failed {
		t.Fatalf("state = %s, want failed", got)
	}

	f.mem.SetWriteHook(nil)
	if err := f.p.Retry(context.Background(), msg.MsgID); err != nil {
		t.Fatal(err)
	}
	f.p.Wait()
	if got := f.state(t, msg.MsgID); got != delivery.Sent {
		t.Errorf("state after retry = %s, want sent", got)
	}

	doc, err := f.mem.Get(context.Background(), record.MessagePath("c1", msg.MsgID))
	if err != nil {
		t.Fatal(err)
	}
	sentAt, ok := doc[record.FieldClientTimestamp].(time.Time)
	if !ok || sentAt.UnixMilli() != msg.Timestamp {
		t.Errorf("clientTimestamp = %v, want original %d", doc[record.FieldClientTimestamp], msg.Timestamp)
	}
	if doc[record.FieldText] != "again" {
		t.Errorf("text = %v", doc[record.FieldText])
	}
	if f.mutationCount() != 1 {
		t.Errorf("mutations = %d, want 1 (retry reuses the record)", f.mutationCount())
	}
}

func TestRetryRequiresFailed(t *testing.T) {
	f := newFixture(t)
	msg, err := f.p.Send(context.Background(), "c1", "ok")
	if err != nil {
		t.Fatal(err)
	}
	f.p.Wait()

	if err := f.p.Retry(context.Background(), msg.MsgID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("Retry(sent) err = %v, want ErrNotRetryable", err)
	}
	if err := f.p.Retry(context.Background(), "missing"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Retry(missing) err = %v, want ErrUnknownMessage", err)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	f := newFixture(t)
	for _, m := range []*store.Message{
		{ConversationID: "c1", MsgID: "mine", SenderID: "me", Text: "x", Timestamp: 1, State: delivery.Pending},
		{ConversationID: "c1", MsgID: "theirs", SenderID: "u2", Text: "y", Timestamp: 2, State: delivery.Pending},
	} {
		if err := f.db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	n, err := f.p.RecoverInterrupted(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}
	if got := f.state(t, "mine"); got != delivery.Failed {
		t.Errorf("own pending = %s, want failed", got)
	}
	if got := f.state(t, "theirs"); got != delivery.Pending {
		t.Errorf("other sender's message = %s, want untouched", got)
	}
}

func TestCancelAllLeavesPending(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.mem.SetWriteHook(func(string, feed.Fields) error {
		<-release
		return nil
	})

	msg, err := f.p.Send(context.Background(), "c1", "cancel me")
	if err != nil {
		t.Fatal(err)
	}
	if f.p.Inflight() != 1 {
		t.Errorf("inflight = %d, want 1", f.p.Inflight())
	}
	f.p.CancelAll()
	close(release)
	f.p.Wait()

	if got := f.state(t, msg.MsgID); got != delivery.Pending {
		t.Errorf("state = %s, want pending after cancel", got)
	}
	if f.p.Inflight() != 0 {
		t.Errorf("inflight = %d, want 0", f.p.Inflight())
	}
}

func TestSendAckedWhenEchoArrivedFirst(t *testing.T) {
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe(bus.KindSendAck, 10)
	defer unsub()

	msg := &store.Message{ConversationID: "c1", MsgID: "m1", SenderID: "me", Text: "x", Timestamp: 1, State: delivery.Pending}
	if err := f.db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	// The remote echo reconciled the optimistic row before the write returned.
	if err := f.db.SetMessageState("c1", "m1", delivery.Delivered, 2); err != nil {
		t.Fatal(err)
	}
	f.p.transition(msg, delivery.Sent, nil)

	select {
	case evt := <-ch:
		if ref := evt.Payload.(bus.MessageRef); ref.MessageID != "m1" {
			t.Errorf("ack = %+v", ref)
		}
	default:
		t.Fatal("send_ack not published")
	}
	if got := f.state(t, "m1"); got != delivery.Delivered {
		t.Errorf("state = %s, want delivered kept", got)
	}
}
