package record

import (
	"time"

	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/matheus3301/chatsync/internal/store"
)

// Document field names.
const (
	FieldParticipantIDs       = "participantIds"
	FieldIsGroup              = "isGroup"
	FieldAdminIDs             = "adminIds"
	FieldGroupName            = "groupName"
	FieldGroupPicture         = "groupPicture"
	FieldLastMessage          = "lastMessage"
	FieldLastMessageTimestamp = "lastMessageTimestamp"
	FieldLastSenderID         = "lastSenderId"
	FieldUnreadCount          = "unreadCount"
	FieldLastInteraction      = "lastInteraction"
	FieldCreatedAt            = "createdAt"
	FieldUpdatedAt            = "updatedAt"

	FieldSenderID        = "senderId"
	FieldText            = "text"
	FieldTimestamp       = "timestamp"
	FieldClientTimestamp = "clientTimestamp"
	FieldDeliveryState   = "deliveryState"
	FieldReceipts        = "receipts"
	legacyFieldStatus    = "status"

	FieldDisplayName = "displayName"
	FieldOnline      = "online"
	FieldLastSeen    = "lastSeen"

	FieldIsTyping    = "isTyping"
	FieldLastUpdated = "lastUpdated"
	FieldExpiresAt   = "expiresAt"
)

// TypingTTL bounds how long a typing indicator stays visible.
const TypingTTL = 5 * time.Second

// Collection paths.
const (
	Conversations = "conversations"
	Users         = "users"
)

// ConversationPath is the document path of a conversation.
func ConversationPath(id string) string { return feed.Join(Conversations, id) }

// MessagesCollection is the collection holding a conversation's messages.
func MessagesCollection(conversationID string) string {
	return feed.Join(Conversations, conversationID, "messages")
}

// MessagePath is the document path of a message.
func MessagePath(conversationID, msgID string) string {
	return feed.Join(MessagesCollection(conversationID), msgID)
}

// TypingCollection is the collection holding a conversation's typing indicators.
func TypingCollection(conversationID string) string {
	return feed.Join(Conversations, conversationID, "typing")
}

// TypingPath is the document path of userID's typing indicator.
func TypingPath(conversationID, userID string) string {
	return feed.Join(TypingCollection(conversationID), userID)
}

// UserPath is the document path of a user.
func UserPath(id string) string { return feed.Join(Users, id) }

// ConversationFields encodes a new conversation document.
func ConversationFields(c *store.Conversation) feed.Fields {
	unread := make(map[string]any, len(c.ParticipantIDs))
	participants := make([]any, len(c.ParticipantIDs))
	for i, uid := range c.ParticipantIDs {
		participants[i] = uid
		unread[uid] = int64(0)
	}
	admins := make([]any, len(c.AdminIDs))
	for i, uid := range c.AdminIDs {
		admins[i] = uid
	}
	return feed.Fields{
		FieldParticipantIDs: participants,
		FieldIsGroup:        c.IsGroup,
		FieldAdminIDs:       admins,
		FieldGroupName:      c.GroupName,
		FieldGroupPicture:   c.GroupPicture,
		FieldUnreadCount:    unread,
		FieldCreatedAt:      feed.ServerTimestamp,
		FieldUpdatedAt:      feed.ServerTimestamp,
	}
}

// OutgoingMessageFields encodes a locally sent message. The commit time
// becomes the ordering timestamp; the original send time is kept alongside.
func OutgoingMessageFields(m *store.Message) feed.Fields {
	return feed.Fields{
		FieldSenderID:        m.SenderID,
		FieldText:            m.Text,
		FieldTimestamp:       feed.ServerTimestamp,
		FieldClientTimestamp: time.UnixMilli(m.Timestamp),
		FieldDeliveryState:   string(delivery.Sent),
		FieldUpdatedAt:       feed.ServerTimestamp,
	}
}

// PreviewFields updates a conversation's preview after a send and bumps the
// unread counters of everyone but the sender.
func PreviewFields(senderID, text string, recipients []string) feed.Fields {
	f := feed.Fields{
		FieldLastMessage:                      text,
		FieldLastMessageTimestamp:             feed.ServerTimestamp,
		FieldLastSenderID:                     senderID,
		FieldUpdatedAt:                        feed.ServerTimestamp,
		FieldLastInteraction + "." + senderID: feed.ServerTimestamp,
	}
	for _, uid := range recipients {
		if uid != senderID {
			f[FieldUnreadCount+"."+uid] = feed.Increment(1)
		}
	}
	return f
}

// DeliveredAckFields acknowledges receipt of a message on this device.
func DeliveredAckFields() feed.Fields {
	return feed.Fields{FieldDeliveryState: string(delivery.Delivered)}
}

// ReceiptFields records that userID has read a message.
func ReceiptFields(userID string) feed.Fields {
	return feed.Fields{FieldReceipts + "." + userID: feed.ServerTimestamp}
}

// ReadMarkerFields clears userID's unread counter on a conversation.
func ReadMarkerFields(userID string) feed.Fields {
	return feed.Fields{
		FieldUnreadCount + "." + userID:     int64(0),
		FieldLastInteraction + "." + userID: feed.ServerTimestamp,
	}
}

// PresenceFields encodes a presence update.
func PresenceFields(online bool, lastSeen time.Time) feed.Fields {
	return feed.Fields{
		FieldOnline:   online,
		FieldLastSeen: lastSeen,
	}
}

// TypingFields encodes a typing indicator written at now.
func TypingFields(isTyping bool, now time.Time, ttl time.Duration) feed.Fields {
	return feed.Fields{
		FieldIsTyping:    isTyping,
		FieldLastUpdated: now,
		FieldExpiresAt:   now.Add(ttl),
	}
}
