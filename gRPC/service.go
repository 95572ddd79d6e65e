package proto

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// 服务只使用 protobuf well-known types，不需要 protoc 生成代码。

const ServiceName = "detserver.DetectService"

const (
	// MetadataModel selects the model for Detect.
	MetadataModel = "x-model"
	// MetadataFilename names the file sent through UploadModel.
	MetadataFilename = "x-filename"
)

type DetectServiceServer interface {
	Detect(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
	CheckEngine(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	CheckAllEngine(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ReloadEngine(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	UploadModel(DetectService_UploadModelServer) error
}

type DetectService_UploadModelServer interface {
	Recv() (*wrapperspb.BytesValue, error)
	SendAndClose(*wrapperspb.StringValue) error
	grpc.ServerStream
}

type uploadModelServer struct {
	grpc.ServerStream
}

func (s *uploadModelServer) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := s.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *uploadModelServer) SendAndClose(m *wrapperspb.StringValue) error {
	return s.SendMsg(m)
}

func unaryHandler[Req any, Resp any](name string, call func(DetectServiceServer, context.Context, *Req) (Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DetectServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(DetectServiceServer), ctx, req.(*Req))
		})
	}
}

var DetectService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DetectServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Detect", Handler: unaryHandler("Detect", DetectServiceServer.Detect)},
		{MethodName: "CheckEngine", Handler: unaryHandler("CheckEngine", DetectServiceServer.CheckEngine)},
		{MethodName: "CheckAllEngine", Handler: unaryHandler("CheckAllEngine", DetectServiceServer.CheckAllEngine)},
		{MethodName: "ReloadEngine", Handler: unaryHandler("ReloadEngine", DetectServiceServer.ReloadEngine)},
		{MethodName: "Shutdown", Handler: unaryHandler("Shutdown", DetectServiceServer.Shutdown)},
	},
	Streams: []grpc.StreamDesc{{
		StreamName: "UploadModel",
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(DetectServiceServer).UploadModel(&uploadModelServer{stream})
		},
		ClientStreams: true,
	}},
	Metadata: "detserver.proto",
}

func RegisterDetectServiceServer(s grpc.ServiceRegistrar, srv DetectServiceServer) {
	s.RegisterService(&DetectService_ServiceDesc, srv)
}

// DetectServiceClient wraps a connection with typed calls.
type DetectServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewDetectServiceClient(cc grpc.ClientConnInterface) *DetectServiceClient {
	return &DetectServiceClient{cc: cc}
}

func method(name string) string {
	return "/" + ServiceName + "/" + name
}

func (c *DetectServiceClient) Detect(ctx context.Context, model string, image []byte, opts ...grpc.CallOption) (*structpb.Struct, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, MetadataModel, model)
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method("Detect"), wrapperspb.Bytes(image), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DetectServiceClient) CheckEngine(ctx context.Context, model string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method("CheckEngine"), wrapperspb.String(model), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DetectServiceClient) CheckAllEngine(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method("CheckAllEngine"), &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ReloadEngine moves model to another model file and/or device. Empty values
// leave that part unchanged.
func (c *DetectServiceClient) ReloadEngine(ctx context.Context, model, path, device string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"name": model, "model": path, "device": device})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method("ReloadEngine"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DetectServiceClient) Shutdown(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, method("Shutdown"), &emptypb.Empty{}, &emptypb.Empty{}, opts...)
}

// UploadModel streams data in chunks of chunkSize bytes and returns the path
// the server stored it under.
func (c *DetectServiceClient) UploadModel(ctx context.Context, filename string, data []byte, chunkSize int, opts ...grpc.CallOption) (string, error) {
	if chunkSize <= 0 {
		return "", errors.New("chunk size must be positive")
	}
	ctx = metadata.AppendToOutgoingContext(ctx, MetadataFilename, filename)
	stream, err := c.cc.NewStream(ctx, &DetectService_ServiceDesc.Streams[0], method("UploadModel"), opts...)
	if err != nil {
		return "", err
	}
	for off := 0; off < len(data); off += chunkSize {
		end := min(off+chunkSize, len(data))
		if err := stream.SendMsg(wrapperspb.Bytes(data[off:end])); err != nil {
			return "", err
		}
	}
	if err := stream.CloseSend(); err != nil {
		return "", err
	}
	out := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}
