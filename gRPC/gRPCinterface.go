package proto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"VinoDetServer/engine"
	iface "VinoDetServer/interface"
	"VinoDetServer/monitor"
	"VinoDetServer/worker"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Reloader is implemented by *engine.Engine.
type Reloader interface {
	Reload(path string) error
	SwitchDevice(device string) error
}

type Server struct {
	Registry *engine.Registry
	Pool     *worker.Pool
	Log      *zap.Logger
	// ModelDir receives files sent through UploadModel and is the only place
	// ReloadEngine reads model files from.
	ModelDir string

	done     chan struct{}
	doneOnce sync.Once
	reloadMu sync.Mutex
}

func NewServer(reg *engine.Registry, pool *worker.Pool, log *zap.Logger, modelDir string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{Registry: reg, Pool: pool, Log: log, ModelDir: modelDir, done: make(chan struct{})}
}

// Done is closed once a client calls Shutdown.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (s *Server) backend(name string) (iface.Backend, error) {
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "model name is required")
	}
	b, ok := s.Registry.Get(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "model %s not found", name)
	}
	return b, nil
}

func (s *Server) Detect(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	monitor.CountRequest("grpc")
	name := firstMetadata(ctx, MetadataModel)
	b, err := s.backend(name)
	if err != nil {
		return nil, err
	}
	res, err := s.Pool.Submit(ctx, worker.Job{Model: name, Transport: "grpc", Backend: b, Image: req.GetValue()})
	if err != nil {
		if errors.Is(err, worker.ErrClosed) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.FromContextError(err).Err()
	}
	if !res.Data.Success {
		s.Log.Error("detector returned failure", zap.String("model", name), zap.String("message", res.Data.Message))
	}
	return structpb.NewStruct(ResultMap(res.ID, res.Data))
}

func (s *Server) CheckEngine(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	monitor.CountRequest("grpc")
	b, err := s.backend(req.GetValue())
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(EngineMap(b.CheckConfig()))
}

func (s *Server) CheckAllEngine(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	monitor.CountRequest("grpc")
	names := s.Registry.Names()
	engines := make([]any, 0, len(names))
	for _, name := range names {
		if b, ok := s.Registry.Get(name); ok {
			engines = append(engines, EngineMap(b.CheckConfig()))
		}
	}
	return structpb.NewStruct(map[string]any{
		"success": true,
		"engines": engines,
		"message": "All engines status retrieved successfully",
	})
}

func (s *Server) ReloadEngine(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	monitor.CountRequest("grpc")
	fields := req.GetFields()
	name := fields["name"].GetStringValue()
	b, err := s.backend(name)
	if err != nil {
		return nil, err
	}
	r, ok := b.(Reloader)
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "model %s cannot be reloaded", name)
	}
	var modelPath string
	if m := fields["model"].GetStringValue(); m != "" {
		if modelPath, err = engine.ModelFile(s.ModelDir, m); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	if device := fields["device"].GetStringValue(); device != "" {
		if err := r.SwitchDevice(device); err != nil {
			s.Log.Error("switch device failed", zap.String("model", name), zap.String("device", device), zap.Error(err))
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
	}
	if modelPath != "" {
		if err := r.Reload(modelPath); err != nil {
			s.Log.Error("reload failed", zap.String("model", name), zap.String("path", modelPath), zap.Error(err))
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
	}
	s.Log.Info("engine reloaded", zap.String("model", name))
	return structpb.NewStruct(EngineMap(b.CheckConfig()))
}

func (s *Server) Shutdown(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error) {
	monitor.CountRequest("grpc")
	s.doneOnce.Do(func() {
		s.Log.Warn("shutdown requested over gRPC")
		close(s.done)
	})
	return &emptypb.Empty{}, nil
}

func (s *Server) UploadModel(stream DetectService_UploadModelServer) error {
	monitor.CountRequest("grpc")
	name := filepath.Base(firstMetadata(stream.Context(), MetadataFilename))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return status.Error(codes.InvalidArgument, "file name cannot be empty")
	}
	if err := os.MkdirAll(s.ModelDir, 0o755); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	filePath := filepath.Join(s.ModelDir, name)
	outFile, err := os.CreateTemp(s.ModelDir, name+".part-*")
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	tmp := outFile.Name()
	defer os.Remove(tmp)

	var fileSize int
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			outFile.Close()
			return err
		}
		n, err := outFile.Write(req.GetValue())
		if err != nil {
			outFile.Close()
			return status.Errorf(codes.Internal, "failed to write chunk data: %v", err)
		}
		fileSize += n
	}
	if err := outFile.Close(); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	s.Log.Info("model file uploaded", zap.String("path", filePath), zap.Int("bytes", fileSize))
	return stream.SendAndClose(wrapperspb.String(filePath))
}

// ResultMap renders a detection result in the JSON shape shared by every transport.
func ResultMap(id string, ret iface.RetData) map[string]any {
	results := make([]any, 0, len(ret.Data))
	for _, b := range ret.Data {
		box := b.Corners()
		center := b.Center()
		results = append(results, map[string]any{
			"label_id":   b.LabelID,
			"label":      b.Label,
			"confidence": float64(b.Confidence),
			"coords":     []any{b.Coords[0], b.Coords[1], b.Coords[2], b.Coords[3]},
			"box": []any{
				position(box.LT), position(box.RT), position(box.RB), position(box.LB),
			},
			"center": position(center),
		})
	}
	return map[string]any{
		"id":      id,
		"success": ret.Success,
		"message": ret.Message,
		"results": results,
	}
}

func position(p iface.Position) map[string]any {
	return map[string]any{"x": float64(p.X), "y": float64(p.Y)}
}

func EngineMap(cfg iface.EngineConfig) map[string]any {
	labels := make([]any, 0, len(cfg.Labels))
	for _, l := range cfg.Labels {
		labels = append(labels, l)
	}
	affinity := make(map[string]any, len(cfg.Affinity))
	for k, v := range cfg.Affinity {
		affinity[k] = v
	}
	return map[string]any{
		"name":         cfg.Name,
		"architecture": cfg.Architecture,
		"model_path":   cfg.ModelPath,
		"device":       cfg.Device,
		"labels":       labels,
		"affinity":     affinity,
		"state":        engine.StateName(cfg.State),
	}
}

// StartGRPCServer listens on port and serves impl in the background.
func StartGRPCServer(port int, impl *Server) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return Serve(lis, impl), nil
}

func Serve(lis net.Listener, impl *Server) *grpc.Server {
	s := grpc.NewServer(grpc.MaxRecvMsgSize(64 << 20))
	RegisterDetectServiceServer(s, impl)
	go func() {
		impl.Log.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			impl.Log.Error("Failed to serve gRPC server", zap.Error(err))
		}
	}()
	return s
}
