package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/record"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/typing"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// args reads request fields by name. Missing or mistyped fields read as zero.
type args struct {
	f map[string]*structpb.Value
}

func argsOf(s *structpb.Struct) args {
	if s == nil {
		return args{}
	}
	return args{f: s.GetFields()}
}

func (a args) str(key string) string {
	return a.f[key].GetStringValue()
}

func (a args) boolean(key string) bool {
	return a.f[key].GetBoolValue()
}

func (a args) int(key string, def int) int {
	v, ok := a.f[key]
	if !ok {
		return def
	}
	if _, isNum := v.GetKind().(*structpb.Value_NumberValue); !isNum {
		return def
	}
	return int(v.GetNumberValue())
}

func (a args) strings(key string) []string {
	var out []string
	for _, v := range a.f[key].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// object builds a response Struct. Values must be JSON shaped.
func object(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return s, nil
}

func empty() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}
}

func strList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func intMap[V int | int64](in map[string]V) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = float64(v)
	}
	return out
}

func conversationMap(c *store.Conversation, viewer string) map[string]any {
	return map[string]any{
		"id":               c.ID,
		"participant_ids":  strList(c.ParticipantIDs),
		"is_group":         c.IsGroup,
		"admin_ids":        strList(c.AdminIDs),
		"group_name":       c.GroupName,
		"group_picture":    c.GroupPicture,
		"last_message":     c.LastMessage,
		"last_message_ms":  float64(c.LastMessageAt),
		"last_sender_id":   c.LastSenderID,
		"unread":           float64(c.UnreadFor(viewer)),
		"unread_counts":    intMap(c.UnreadCounts),
		"last_interaction": intMap(c.LastInteraction),
		"created_at_ms":    float64(c.CreatedAt),
		"updated_at_ms":    float64(c.UpdatedAt),
	}
}

func messageMap(m *store.Message) map[string]any {
	return map[string]any{
		"id":              m.MsgID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"text":            m.Text,
		"timestamp_ms":    float64(m.Timestamp),
		"state":           string(m.State),
		"receipts":        intMap(m.Receipts),
		"updated_at_ms":   float64(m.UpdatedAt),
	}
}

func typingList(in []record.Typing) []any {
	out := make([]any, len(in))
	for i, t := range in {
		out[i] = map[string]any{
			"user_id":       t.UserID,
			"expires_at_ms": float64(t.ExpiresAt.UnixMilli()),
		}
	}
	return out
}

// eventMap renders a bus event for WatchEvents subscribers.
func eventMap(id string, evt bus.Event) map[string]any {
	out := map[string]any{
		"id":    id,
		"kind":  evt.Kind,
		"at_ms": float64(evt.Timestamp.UnixMilli()),
	}
	switch p := evt.Payload.(type) {
	case bus.MessageRef:
		out["payload"] = refMap(p)
	case outbox.SendFailure:
		m := refMap(p.MessageRef)
		m["error"] = p.Err
		out["payload"] = m
	case status.StatusChange:
		out["payload"] = map[string]any{"from": string(p.From), "to": string(p.To), "reason": p.Reason}
	case store.User:
		out["payload"] = map[string]any{
			"user_id":      p.ID,
			"online":       p.Online,
			"last_seen_ms": float64(p.LastSeen),
		}
	case typing.Snapshot:
		out["payload"] = map[string]any{"conversation_id": p.ConversationID, "active": typingList(p.Active)}
	case string:
		out["payload"] = map[string]any{"id": p}
	}
	return out
}

func refMap(r bus.MessageRef) map[string]any {
	return map[string]any{
		"conversation_id": r.ConversationID,
		"message_id":      r.MessageID,
		"sender_id":       r.SenderID,
	}
}

// rpcError maps engine errors to gRPC status codes.
func rpcError(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, outbox.ErrNotRetryable), errors.Is(err, outbox.ErrNotConfigured), errors.Is(err, chatsync.ErrNotConfigured),
		errors.Is(err, status.ErrInvalidTransition):
		code = codes.FailedPrecondition
	case errors.Is(err, chatsync.ErrInvalidParticipants):
		code = codes.InvalidArgument
	case errors.Is(err, outbox.ErrUnknownMessage):
		code = codes.NotFound
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

func missing(field string) error {
	return grpcstatus.Errorf(codes.InvalidArgument, "%s is required", field)
}

var errNotConfigured = grpcstatus.Error(codes.FailedPrecondition, "no user configured")
