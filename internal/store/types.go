package store

import (
	"slices"

	"github.com/matheus3301/chatsync/internal/delivery"
)

// Conversation is a cached conversation record. Timestamps are unix millis.
type Conversation struct {
	ID              string
	ParticipantIDs  []string
	IsGroup         bool
	AdminIDs        []string
	GroupName       string
	GroupPicture    string
	LastMessage     string
	LastMessageAt   int64
	LastSenderID    string
	UnreadCounts    map[string]int
	LastInteraction map[string]int64
	CreatedAt       int64
	UpdatedAt       int64
}

// HasParticipant reports whether userID is a member.
func (c *Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

// UnreadFor returns the unread count for userID, treating the counter as
// stale when the user interacted after the last message.
func (c *Conversation) UnreadFor(userID string) int {
	if seen, ok := c.LastInteraction[userID]; ok && seen >= c.LastMessageAt {
		return 0
	}
	return c.UnreadCounts[userID]
}

// Message is a cached message. ConversationID is a lookup key only.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	Text           string
	Timestamp      int64
	State          delivery.State
	Receipts       map[string]int64
	UpdatedAt      int64
}

// User is a cached user profile with presence.
type User struct {
	ID          string
	DisplayName string
	Online      bool
	LastSeen    int64
	UpdatedAt   int64
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
