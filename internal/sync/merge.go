package sync

import (
	"maps"

	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/store"
)

// MergeConversation reconciles an incoming conversation with the cached one.
// An incoming record older than the cached one is discarded; otherwise the
// incoming fields win and updatedAt is the max of both.
func MergeConversation(local, incoming *store.Conversation) *store.Conversation {
	if local == nil {
		return incoming
	}
	if incoming.UpdatedAt < local.UpdatedAt {
		return local
	}
	merged := *incoming
	merged.UpdatedAt = max(local.UpdatedAt, incoming.UpdatedAt)
	if merged.CreatedAt == 0 {
		merged.CreatedAt = local.CreatedAt
	}
	return &merged
}

// MergeMessage reconciles an incoming message with the cached one as seen by
// observerID. Receipts are unioned keeping the latest time per reader, and the
// display state is computed from the merged receipts then folded into the
// cached state so read is never regressed.
func MergeMessage(local, incoming *store.Message, observerID string) *store.Message {
	merged := *incoming
	merged.Receipts = make(map[string]int64, len(incoming.Receipts))
	maps.Copy(merged.Receipts, incoming.Receipts)

	if local != nil {
		merged.ID = local.ID
		for reader, at := range local.Receipts {
			if at > merged.Receipts[reader] {
				merged.Receipts[reader] = at
			}
		}
		if merged.Timestamp == 0 {
			merged.Timestamp = local.Timestamp
		}
		merged.UpdatedAt = max(local.UpdatedAt, incoming.UpdatedAt)
	}

	computed := delivery.Compute(incoming.State, merged.SenderID, merged.Receipts, observerID)
	if local == nil {
		merged.State = computed
	} else {
		merged.State = delivery.Merge(local.State, computed)
	}
	return &merged
}

// sameMessage reports whether an upsert of b over a would change anything visible.
func sameMessage(a, b *store.Message) bool {
	return a.Text == b.Text &&
		a.SenderID == b.SenderID &&
		a.Timestamp == b.Timestamp &&
		a.State == b.State &&
		maps.Equal(a.Receipts, b.Receipts)
}
