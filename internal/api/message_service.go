package api

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"
)

func (s *Service) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	id := a.str("conversation_id")
	if id == "" {
		return nil, missing("conversation_id")
	}
	msg, err := s.pipeline.Send(ctx, id, a.str("text"))
	if err != nil {
		return nil, rpcError("send", err)
	}
	if msg == nil {
		return object(map[string]any{"accepted": false})
	}
	return object(map[string]any{"accepted": true, "message": messageMap(msg)})
}

func (s *Service) Retry(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := argsOf(req).str("message_id")
	if id == "" {
		return nil, missing("message_id")
	}
	if err := s.pipeline.Retry(ctx, id); err != nil {
		return nil, rpcError("retry", err)
	}
	return empty(), nil
}

func (s *Service) ListMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	id := a.str("conversation_id")
	if id == "" {
		return nil, missing("conversation_id")
	}
	limit := a.int("limit", defaultListLimit)
	msgs, err := s.db.ListMessages(id, limit)
	if err != nil {
		return nil, rpcError("list messages", err)
	}
	out := make([]any, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageMap(&msgs[i]))
	}
	return object(map[string]any{"messages": out, "has_more": len(msgs) == limit})
}

func (s *Service) SearchMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	query := a.str("query")
	if query == "" {
		return nil, missing("query")
	}
	limit := a.int("limit", defaultListLimit)
	results, err := s.db.SearchMessages(query, a.str("conversation_id"), limit)
	if err != nil {
		return nil, rpcError("search messages", err)
	}
	out := make([]any, 0, len(results))
	for i := range results {
		m := messageMap(&results[i].Message)
		m["snippet"] = results[i].Snippet
		out = append(out, m)
	}
	return object(map[string]any{"results": out, "has_more": len(results) == limit})
}
