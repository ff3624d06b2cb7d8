package sync

import (
	"context"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/record"
	"github.com/matheus3301/chatsync/internal/store"
)

func (h *harness) recordMutation(conversationID, messageID string) {
	h.mu.Lock()
	h.mutations = append(h.mutations, conversationID+"/"+messageID)
	h.mu.Unlock()
}

func TestSnapshotMessagesAreNotNotifiedOrAcked(t *testing.T) {
	h := newHarness(t, 0)
	seedConversation(t, h.mem, "c1", 1000, "me", "u2")
	seedMessage(t, h.mem, "c1", "old", "u2", time.UnixMilli(500), nil)
	ch, unsub := h.bus.Subscribe(bus.KindMessageIncoming, 10)
	defer unsub()

	if err := h.coord.Configure(context.Background(), "me"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "snapshot applied", func() bool { return messageState(h.db, "c1", "old") != "" })
	time.Sleep(50 * time.Millisecond)

	select {
	case evt := <-ch:
		t.Errorf("unexpected incoming event for %+v", evt.Payload)
	default:
	}
	for _, w := range h.mem.Writes() {
		if w.Path == record.MessagePath("c1", "old") && w.Fields[record.FieldDeliveryState] == string(delivery.Delivered) {
			t.Fatalf("snapshot message was acked: %+v", w)
		}
	}
	if got := messageState(h.db, "c1", "old"); got != delivery.Delivered {
		t.Errorf("local state = %s, want delivered", got)
	}
}

func TestOptimisticSendReconciledByEcho(t *testing.T) {
	h := newHarness(t, 0)
	seedConversation(t, h.mem, "c1", 1000, "me", "u2")
	p := outbox.NewPipeline(h.mem, h.db, h.loop, h.bus, nil, h.recordMutation)
	p.SetUser("me")
	t.Cleanup(func() {
		p.CancelAll()
		p.Wait()
	})
	acks, unsub := h.bus.Subscribe(bus.KindSendAck, 10)
	defer unsub()

	if err := h.coord.Configure(context.Background(), "me"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "message listener", func() bool {
		return h.mem.Listeners(record.MessagesCollection("c1")) == 1
	})

	msg, err := p.Send(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-acks:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_ack")
	}
	p.Wait()
	waitFor(t, "echo applied", func() bool { return messageState(h.db, "c1", msg.MsgID) == delivery.Sent })
	time.Sleep(50 * time.Millisecond)

	msgs, err := h.db.ListMessages("c1", 100)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, m := range msgs {
		if m.MsgID == msg.MsgID {
			n++
			if m.Text != "hello" || m.SenderID != "me" {
				t.Errorf("reconciled message = %+v", m)
			}
		}
	}
	if n != 1 {
		t.Errorf("rows for %s = %d, want 1", msg.MsgID, n)
	}
	if c := h.mutationCount(); c != 1 {
		t.Errorf("mutation callbacks = %d, want 1", c)
	}
}

func TestMarkReadToleratesMissingUnreadCounters(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.coord.Configure(context.Background(), "me"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.db.UpsertConversation(&store.Conversation{
		ID:             "c1",
		ParticipantIDs: []string{"me", "u2"},
		UpdatedAt:      1,
	}); err != nil {
		t.Fatal(err)
	}

	if err := h.coord.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	c, err := h.db.GetConversation("c1")
	if err != nil || c == nil {
		t.Fatalf("GetConversation = %v, %v", c, err)
	}
	if n, ok := c.UnreadCounts["me"]; !ok || n != 0 {
		t.Errorf("unread = %v, want me cleared", c.UnreadCounts)
	}
}
