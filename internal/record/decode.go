// Package record converts between loosely typed feed documents and the typed
// entities cached locally. All fallback handling for missing or legacy
// fields lives here.
package record

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/matheus3301/chatsync/internal/store"
)

// ErrMalformed marks a document missing a required field.
var ErrMalformed = errors.New("record: malformed document")

func malformed(kind, id, field string) error {
	return fmt.Errorf("%w: %s %q missing %s", ErrMalformed, kind, id, field)
}

// DecodeConversation builds a conversation from its document. participantIds
// is required; unread counters are normalized to exactly the participants.
func DecodeConversation(id string, f feed.Fields) (*store.Conversation, error) {
	participants := stringList(f[FieldParticipantIDs])
	if len(participants) == 0 {
		return nil, malformed("conversation", id, FieldParticipantIDs)
	}

	c := &store.Conversation{
		ID:              id,
		ParticipantIDs:  participants,
		IsGroup:         boolean(f[FieldIsGroup]),
		AdminIDs:        stringList(f[FieldAdminIDs]),
		GroupName:       str(f[FieldGroupName]),
		GroupPicture:    str(f[FieldGroupPicture]),
		LastMessage:     str(f[FieldLastMessage]),
		LastMessageAt:   millis(f[FieldLastMessageTimestamp]),
		LastSenderID:    str(f[FieldLastSenderID]),
		UnreadCounts:    make(map[string]int, len(participants)),
		LastInteraction: millisMap(f[FieldLastInteraction]),
		CreatedAt:       millis(f[FieldCreatedAt]),
		UpdatedAt:       millis(f[FieldUpdatedAt]),
	}
	unread := intMap(f[FieldUnreadCount])
	for _, uid := range participants {
		c.UnreadCounts[uid] = unread[uid]
	}
	if c.UpdatedAt == 0 {
		c.UpdatedAt = max(c.LastMessageAt, c.CreatedAt)
	}
	return c, nil
}

// DecodeMessage builds a message from its document. senderId and a timestamp
// are required. The returned State is the raw remote state: the canonical
// deliveryState field, else the legacy status field, else sent.
func DecodeMessage(conversationID, id string, f feed.Fields) (*store.Message, error) {
	sender := str(f[FieldSenderID])
	if sender == "" {
		return nil, malformed("message", id, FieldSenderID)
	}
	ts := millis(f[FieldTimestamp])
	if ts == 0 {
		ts = millis(f[FieldClientTimestamp])
	}
	if ts == 0 {
		return nil, malformed("message", id, FieldTimestamp)
	}

	return &store.Message{
		ConversationID: conversationID,
		MsgID:          id,
		SenderID:       sender,
		Text:           str(f[FieldText]),
		Timestamp:      ts,
		State:          rawState(f),
		Receipts:       millisMap(f[FieldReceipts]),
		UpdatedAt:      max(millis(f[FieldUpdatedAt]), ts),
	}, nil
}

func rawState(f feed.Fields) delivery.State {
	raw, ok := f[FieldDeliveryState].(string)
	if !ok || raw == "" {
		// Legacy documents only carry status; it is read once here and never
		// consulted when deliveryState is present.
		raw = str(f[legacyFieldStatus])
	}
	if s, err := delivery.Parse(raw); err == nil {
		return s
	}
	return delivery.Sent
}

// DecodeUser builds a user/presence record.
func DecodeUser(id string, f feed.Fields) *store.User {
	return &store.User{
		ID:          id,
		DisplayName: str(f[FieldDisplayName]),
		Online:      boolean(f[FieldOnline]),
		LastSeen:    millis(f[FieldLastSeen]),
	}
}

// Typing is an ephemeral typing indicator for one user in one conversation.
type Typing struct {
	ConversationID string
	UserID         string
	IsTyping       bool
	LastUpdated    time.Time
	ExpiresAt      time.Time
}

// Active reports whether the indicator should be shown at now.
func (t Typing) Active(now time.Time) bool {
	return t.IsTyping && !now.After(t.ExpiresAt)
}

// DecodeTyping builds a typing indicator. The document id is the user id.
func DecodeTyping(conversationID, userID string, f feed.Fields) (Typing, error) {
	updated := millis(f[FieldLastUpdated])
	if updated == 0 {
		return Typing{}, malformed("typing", userID, FieldLastUpdated)
	}
	expires := millis(f[FieldExpiresAt])
	if expires == 0 {
		expires = updated + TypingTTL.Milliseconds()
	}
	return Typing{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       boolean(f[FieldIsTyping]),
		LastUpdated:    time.UnixMilli(updated),
		ExpiresAt:      time.UnixMilli(expires),
	}, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}

// millis accepts the timestamp shapes seen on the wire: native times, unix
// millis and RFC 3339 strings.
func millis(v any) int64 {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return 0
		}
		return t.UnixMilli()
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UnixMilli()
		}
	}
	return 0
}

func stringList(v any) []string {
	var out []string
	switch l := v.(type) {
	case []string:
		out = slices.Clone(l)
	case []any:
		for _, item := range l {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case feed.Fields:
		return m
	case map[string]any:
		return m
	}
	return nil
}

func intMap(v any) map[string]int {
	out := make(map[string]int)
	for k, raw := range asMap(v) {
		switch n := raw.(type) {
		case int64:
			out[k] = int(n)
		case int:
			out[k] = n
		case float64:
			out[k] = int(n)
		}
	}
	return out
}

func millisMap(v any) map[string]int64 {
	out := make(map[string]int64)
	for k, raw := range asMap(v) {
		if ms := millis(raw); ms != 0 {
			out[k] = ms
		}
	}
	return out
}
