package sync

import (
	"testing"

	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/store"
)

func TestMergeConversationKeepsNewer(t *testing.T) {
	local := &store.Conversation{ID: "c1", LastMessage: "new", UpdatedAt: 5000, CreatedAt: 100}
	older := &store.Conversation{ID: "c1", LastMessage: "old", UpdatedAt: 1000}

	if got := MergeConversation(local, older); got.LastMessage != "new" || got.UpdatedAt != 5000 {
		t.Errorf("older incoming overwrote local: %+v", got)
	}

	newer := &store.Conversation{ID: "c1", LastMessage: "newest", UpdatedAt: 6000}
	got := MergeConversation(local, newer)
	if got.LastMessage != "newest" || got.UpdatedAt != 6000 || got.CreatedAt != 100 {
		t.Errorf("merge = %+v", got)
	}
}

func TestMergeMessage(t *testing.T) {
	tests := []struct {
		name     string
		local    *store.Message
		incoming *store.Message
		observer string
		want     delivery.State
	}{
		{
			name:     "new message from other",
			incoming: &store.Message{SenderID: "u2", State: delivery.Sent},
			observer: "me",
			want:     delivery.Delivered,
		},
		{
			name:     "own pending reconciled by remote sent",
			local:    &store.Message{SenderID: "me", State: delivery.Pending},
			incoming: &store.Message{SenderID: "me", State: delivery.Sent},
			observer: "me",
			want:     delivery.Sent,
		},
		{
			name:     "read survives missing receipts",
			local:    &store.Message{SenderID: "me", State: delivery.Read, Receipts: map[string]int64{"u2": 10}},
			incoming: &store.Message{SenderID: "me", State: delivery.Delivered},
			observer: "me",
			want:     delivery.Read,
		},
		{
			name:     "receipt from sender only",
			incoming: &store.Message{SenderID: "me", State: delivery.Sent, Receipts: map[string]int64{"me": 10}},
			observer: "me",
			want:     delivery.Sent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeMessage(tt.local, tt.incoming, tt.observer)
			if got.State != tt.want {
				t.Errorf("state = %s, want %s", got.State, tt.want)
			}
		})
	}
}

func TestMergeMessageUnionsReceipts(t *testing.T) {
	local := &store.Message{ID: 7, SenderID: "me", Receipts: map[string]int64{"u2": 50, "u3": 10}, Timestamp: 1}
	incoming := &store.Message{SenderID: "me", State: delivery.Sent, Receipts: map[string]int64{"u3": 20}}
	got := MergeMessage(local, incoming, "me")
	if got.ID != 7 || got.Receipts["u2"] != 50 || got.Receipts["u3"] != 20 || got.Timestamp != 1 {
		t.Errorf("merge = %+v", got)
	}
	if incoming.Receipts["u2"] != 0 {
		t.Error("incoming receipts must not be mutated")
	}
}
