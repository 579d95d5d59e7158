package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "chatsync.v1.ChatSync"

// ChatSyncServer is the daemon control plane. Requests and responses are
// structpb.Struct documents.
type ChatSyncServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadThread(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListThreads(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ForceSync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

type unaryMethod func(ChatSyncServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChatSyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatSyncServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatSyncServer).WatchEvents(in, stream)
}

// ServiceDesc describes ChatSync for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("GetStatus", ChatSyncServer.GetStatus),
		unaryHandler("SendMessage", ChatSyncServer.SendMessage),
		unaryHandler("LoadThread", ChatSyncServer.LoadThread),
		unaryHandler("ListThreads", ChatSyncServer.ListThreads),
		unaryHandler("ForceSync", ChatSyncServer.ForceSync),
		unaryHandler("RetryMessage", ChatSyncServer.RetryMessage),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/v1/chatsync.proto",
}

// RegisterChatSyncServer registers srv on s.
func RegisterChatSyncServer(s grpc.ServiceRegistrar, srv ChatSyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}
