package server

// ============================================================================
// drmlicense.v1.LicenseService 服務描述
// ============================================================================
//
// 所有訊息都是 google.protobuf.Struct，伺服器與 CLI 不需要產生的程式碼。
//
//   RenewRights          {location, pssh, custom_data, http}  -> {session_id}
//   ProcessWebInitiator  {url, document, http}                -> {session_id}
//   SetHttpParameters    {session_id, http}                   -> {}
//   Cancel               {session_id}                         -> {}
//   Status               {}                                   -> {uptime_ms, workers, busy, sessions}
//   Subscribe            {session_id}                         -> stream {session_id, state, state_name, success, params}
//
// http 欄位: {timeout_ms, retry_limit, redirect_limit, user_agent, headers}
// ============================================================================

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName gRPC 服務全名
const ServiceName = "drmlicense.v1.LicenseService"

const (
	methodRenewRights         = "/" + ServiceName + "/RenewRights"
	methodProcessWebInitiator = "/" + ServiceName + "/ProcessWebInitiator"
	methodSetHTTPParameters   = "/" + ServiceName + "/SetHttpParameters"
	methodCancel              = "/" + ServiceName + "/Cancel"
	methodStatus              = "/" + ServiceName + "/Status"
	methodSubscribe           = "/" + ServiceName + "/Subscribe"
)

// LicenseServiceServer 伺服器端介面
type LicenseServiceServer interface {
	RenewRights(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ProcessWebInitiator(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetHttpParameters(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Subscribe(*structpb.Struct, grpc.ServerStream) error
}

// ServiceDesc 註冊到 grpc.Server 用的描述
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LicenseServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RenewRights", Handler: unary(methodRenewRights, LicenseServiceServer.RenewRights)},
		{MethodName: "ProcessWebInitiator", Handler: unary(methodProcessWebInitiator, LicenseServiceServer.ProcessWebInitiator)},
		{MethodName: "SetHttpParameters", Handler: unary(methodSetHTTPParameters, LicenseServiceServer.SetHttpParameters)},
		{MethodName: "Cancel", Handler: unary(methodCancel, LicenseServiceServer.Cancel)},
		{MethodName: "Status", Handler: unary(methodStatus, LicenseServiceServer.Status)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "drmlicense/v1/license.proto",
}

// RegisterLicenseServiceServer 把實作註冊到 gRPC 伺服器
func RegisterLicenseServiceServer(s grpc.ServiceRegistrar, srv LicenseServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryMethod func(LicenseServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(fullMethod string, call unaryMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LicenseServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LicenseServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(LicenseServiceServer).Subscribe(in, stream)
}
