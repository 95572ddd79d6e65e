// Package runtime is the boundary to the accelerator runtime. Device bindings
// register a Factory under a device name; the engine resolves device strings
// such as "CPU" or "HETERO:FPGA,CPU" through Open.
package runtime

import (
	"errors"
	"fmt"
	"time"

	"VinoDetServer/ir"
)

var ErrDeviceUnavailable = errors.New("device unavailable")

// Config keys understood by plugins. Unknown keys are ignored by bindings that
// cannot honour them.
const (
	KeyLogLevel             = "LOG_LEVEL"
	KeyPerfCount            = "PERF_COUNT"
	KeyDumpKernels          = "DUMP_KERNELS"
	KeyHeteroDumpGraphDot   = "HETERO_DUMP_GRAPH_DOT"
	KeyHeteroDumpDLAMessage = "HETERO_DUMP_DLA_MESSAGES"

	LogInfo  = "LOG_INFO"
	LogDebug = "LOG_DEBUG"
	Yes      = "YES"
	No       = "NO"
)

type Plugin interface {
	Name() string
	// Supports reports whether the device can execute layers of the given type.
	Supports(layerType string) bool
	SetConfig(cfg map[string]string) error
	Compile(net *ir.Network) (Executable, error)
	Close() error
}

type Executable interface {
	Device() string
	Inputs() []ir.TensorDesc
	Outputs() []ir.TensorDesc
	NewRequest() (Request, error)
	Close() error
}

// Request 是一次推理请求，持有自己的输入输出 blob，不能跨 goroutine 共享。
type Request interface {
	Blob(name string) (*Blob, error)
	Infer() error
	Close() error
}

type ProfileInfo struct {
	Layer    string
	Status   string
	ExecType string
	RealTime time.Duration
}

// Profiler is implemented by requests that can report per-layer timings after Infer.
type Profiler interface {
	PerfCounts() []ProfileInfo
}

type Blob struct {
	Name      string
	Dims      []int
	Precision string
	U8        []uint8
	F32       []float32
}

func NewBlob(name string, dims []int, precision string) (*Blob, error) {
	size := 1
	for _, d := range dims {
		if d <= 0 {
			return nil, fmt.Errorf("blob %s: invalid dims %v", name, dims)
		}
		size *= d
	}
	b := &Blob{Name: name, Dims: append([]int(nil), dims...), Precision: precision}
	switch precision {
	case ir.PrecisionU8:
		b.U8 = make([]uint8, size)
	case ir.PrecisionFP32, ir.PrecisionFP16, "":
		b.Precision = ir.PrecisionFP32
		b.F32 = make([]float32, size)
	default:
		return nil, fmt.Errorf("blob %s: unsupported precision %s", name, precision)
	}
	return b, nil
}

func (b *Blob) Len() int {
	if b.Precision == ir.PrecisionU8 {
		return len(b.U8)
	}
	return len(b.F32)
}
