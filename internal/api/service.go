// Package api exposes the sync engine to local clients over gRPC. Messages
// are protobuf Struct values so the service needs no generated code.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.ChatSync"

// Method names.
const (
	MethodGetStatus          = "GetStatus"
	MethodConfigure          = "Configure"
	MethodSignOut            = "SignOut"
	MethodPresence           = "Presence"
	MethodCreateConversation = "CreateConversation"
	MethodListConversations  = "ListConversations"
	MethodMarkRead           = "MarkRead"
	MethodSend               = "Send"
	MethodRetry              = "Retry"
	MethodListMessages       = "ListMessages"
	MethodSearchMessages     = "SearchMessages"
	MethodSetTyping          = "SetTyping"
	MethodObserveTyping      = "ObserveTyping"
	MethodWatchEvents        = "WatchEvents"
)

// ChatSyncServer is the server API of the ChatSync service.
type ChatSyncServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Configure(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignOut(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Presence(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ObserveTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

type unaryMethod func(ChatSyncServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(ChatSyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv.(ChatSyncServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatSyncServer).WatchEvents(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// ServiceDesc describes the ChatSync service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, ChatSyncServer.GetStatus),
		unary(MethodConfigure, ChatSyncServer.Configure),
		unary(MethodSignOut, ChatSyncServer.SignOut),
		unary(MethodPresence, ChatSyncServer.Presence),
		unary(MethodCreateConversation, ChatSyncServer.CreateConversation),
		unary(MethodListConversations, ChatSyncServer.ListConversations),
		unary(MethodMarkRead, ChatSyncServer.MarkRead),
		unary(MethodSend, ChatSyncServer.Send),
		unary(MethodRetry, ChatSyncServer.Retry),
		unary(MethodListMessages, ChatSyncServer.ListMessages),
		unary(MethodSearchMessages, ChatSyncServer.SearchMessages),
		unary(MethodSetTyping, ChatSyncServer.SetTyping),
		unary(MethodObserveTyping, ChatSyncServer.ObserveTyping),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
}

// Register registers srv on s.
func Register(s grpc.ServiceRegistrar, srv ChatSyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}
