// Package api serves the store over gRPC. Requests and responses are
// structpb.Struct values so the service needs no generated code.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "msgstore.v1.Store"

// Method names.
const (
	MethodStatus               = "Status"
	MethodCountMessages        = "CountMessages"
	MethodFetchWindow          = "FetchWindow"
	MethodLastDisplayMessage   = "LastDisplayMessage"
	MethodDeleteMessageContent = "DeleteMessageContent"
	MethodRunRetention         = "RunRetention"
	MethodOrphanedFiles        = "OrphanedFiles"
	MethodWatchChanges         = "WatchChanges"
)

// ChangeStream is the server side of WatchChanges.
type ChangeStream = grpc.ServerStreamingServer[structpb.Struct]

// StoreServer is the server API for the msgstore.v1.Store service.
type StoreServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CountMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FetchWindow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LastDisplayMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteMessageContent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunRetention(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OrphanedFiles(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchChanges(*structpb.Struct, ChangeStream) error
}

type unaryMethod func(StoreServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(StoreServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(StoreServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchChangesHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(StoreServer).WatchChanges(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// ServiceDesc describes msgstore.v1.Store for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(MethodStatus, StoreServer.Status),
		unaryHandler(MethodCountMessages, StoreServer.CountMessages),
		unaryHandler(MethodFetchWindow, StoreServer.FetchWindow),
		unaryHandler(MethodLastDisplayMessage, StoreServer.LastDisplayMessage),
		unaryHandler(MethodDeleteMessageContent, StoreServer.DeleteMessageContent),
		unaryHandler(MethodRunRetention, StoreServer.RunRetention),
		unaryHandler(MethodOrphanedFiles, StoreServer.OrphanedFiles),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchChanges,
			Handler:       watchChangesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "msgstore/v1/store.proto",
}

// RegisterStoreServer registers srv on s.
func RegisterStoreServer(s grpc.ServiceRegistrar, srv StoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}
