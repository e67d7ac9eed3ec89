package rpc

import (
	"context"
	"encoding/json"
	"time"

	"PPRealtime/logger"
	presenceModel "PPRealtime/module/presence/model"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	PresenceServiceName = "realtime.Presence"
	presenceGetMethod   = "/realtime.Presence/Get"
)

// PresenceSource presence.Service 实现
type PresenceSource interface {
	Get(ctx context.Context, userID string) (*presenceModel.Record, error)
}

// presenceHandler 服务端实现需要满足的方法集
type presenceHandler interface {
	Get(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error)
}

// 没有 .proto 生成代码，请求/响应直接用 wrapperspb / structpb 这两个 well-known type
var presenceServiceDesc = grpc.ServiceDesc{
	ServiceName: PresenceServiceName,
	HandlerType: (*presenceHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: presenceGetHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "realtime/presence.proto",
}

func presenceGetHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(presenceHandler).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: presenceGetMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(presenceHandler).Get(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

type PresenceServer struct {
	src PresenceSource
}

func NewPresenceServer(src PresenceSource) *PresenceServer {
	return &PresenceServer{src: src}
}

func (p *PresenceServer) Get(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	rec, err := p.src.Get(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return recordStruct(rec)
}

func recordStruct(rec *presenceModel.Record) (*structpb.Struct, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

func toStatus(err error) error {
	pub := errs.Public(err)
	switch pub.Code {
	case errs.InvalidArgumentCode:
		return status.Error(codes.InvalidArgument, pub.Error())
	case errs.NotFoundCode:
		return status.Error(codes.NotFound, pub.Error())
	case errs.NotParticipantCode, errs.ImmutableParticipantsCode:
		return status.Error(codes.FailedPrecondition, pub.Error())
	default:
		return status.Error(codes.Unavailable, pub.Error())
	}
}

func logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		logger.Info("[grpc] call failed", zap.String("method", info.FullMethod), zap.Duration("cost", time.Since(start)), zap.Error(err))
	} else {
		logger.Debug("[grpc] call", zap.String("method", info.FullMethod), zap.Duration("cost", time.Since(start)))
	}
	return resp, err
}

// NewServer presence 查询 + 标准健康检查
func NewServer(src PresenceSource) (*grpc.Server, *health.Server) {
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary))
	s.RegisterService(&presenceServiceDesc, NewPresenceServer(src))
	hs := health.NewServer()
	hs.SetServingStatus(PresenceServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(s, hs)
	return s, hs
}
