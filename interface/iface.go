package iface

import "context"

// Backend 是传输层 (gRPC / HTTP / worker) 看到的推理引擎。
type Backend interface {
	Detect(ctx context.Context, image []byte) RetData
	CheckConfig() EngineConfig
	Destroy()
}
