package api

import (
	"context"

	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"google.golang.org/protobuf/types/known/structpb"
)

const defaultListLimit = 50

func (s *Service) CreateConversation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	participants := a.strings("participants")
	if len(participants) == 0 {
		return nil, missing("participants")
	}
	if s.coord.UserID() == "" {
		return nil, errNotConfigured
	}
	conv, err := s.coord.CreateConversation(ctx, participants, chatsync.CreateOptions{
		IsGroup:      a.boolean("group"),
		GroupName:    a.str("name"),
		GroupPicture: a.str("picture"),
	})
	if err != nil {
		return nil, rpcError("create conversation", err)
	}
	return object(conversationMap(conv, s.coord.UserID()))
}

func (s *Service) ListConversations(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID := s.coord.UserID()
	if userID == "" {
		return nil, errNotConfigured
	}
	convs, err := s.db.ListConversations(userID, argsOf(req).int("limit", defaultListLimit))
	if err != nil {
		return nil, rpcError("list conversations", err)
	}
	out := make([]any, 0, len(convs))
	for i := range convs {
		out = append(out, conversationMap(&convs[i], userID))
	}
	return object(map[string]any{"conversations": out})
}

func (s *Service) MarkRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := argsOf(req).str("conversation_id")
	if id == "" {
		return nil, missing("conversation_id")
	}
	if s.coord.UserID() == "" {
		return nil, errNotConfigured
	}
	if err := s.coord.MarkRead(ctx, id); err != nil {
		return nil, rpcError("mark read", err)
	}
	return empty(), nil
}

func (s *Service) SetTyping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	id := a.str("conversation_id")
	if id == "" {
		return nil, missing("conversation_id")
	}
	if s.coord.UserID() == "" {
		return nil, errNotConfigured
	}
	if err := s.typing.SetTyping(ctx, id, a.boolean("typing")); err != nil {
		return nil, rpcError("set typing", err)
	}
	return empty(), nil
}

// ObserveTyping starts or stops observing a conversation's indicators.
// Changes are delivered to WatchEvents subscribers as typing events.
func (s *Service) ObserveTyping(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	id := a.str("conversation_id")
	if id == "" {
		return nil, missing("conversation_id")
	}
	if a.boolean("stop") {
		s.typing.Stop(id)
		return empty(), nil
	}
	if s.coord.UserID() == "" {
		return nil, errNotConfigured
	}
	// The observer outlives the request; CancelAll or Stop ends it.
	if err := s.typing.Observe(context.Background(), id, nil); err != nil {
		return nil, rpcError("observe typing", err)
	}
	return empty(), nil
}

