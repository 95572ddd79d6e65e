// Package opencv binds the runtime to OpenCV's dnn module running the
// Inference Engine backend. Importing it registers CPU, GPU, MYRIAD and FPGA.
package opencv

import (
	"errors"
	"fmt"
	goruntime "runtime"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"

	"VinoDetServer/ir"
	"VinoDetServer/runtime"

	"gocv.io/x/gocv"
)

// KeyNumRequests bounds the number of networks kept per executable.
const KeyNumRequests = "NUM_REQUESTS"

type target struct {
	backend gocv.NetBackendType
	target  gocv.NetTargetType
}

var targets = map[string]target{
	"CPU":    {gocv.NetBackendOpenVINO, gocv.NetTargetCPU},
	"GPU":    {gocv.NetBackendOpenVINO, gocv.NetTargetFP16},
	"MYRIAD": {gocv.NetBackendOpenVINO, gocv.NetTargetVPU},
	"FPGA":   {gocv.NetBackendOpenVINO, gocv.NetTargetFPGA},
}

// FPGA bitstreams only carry the convolutional trunk; detection heads run elsewhere.
var unsupported = map[string]map[string]bool{
	"FPGA": {
		"DetectionOutput":   true,
		"PriorBox":          true,
		"PriorBoxClustered": true,
		"Proposal":          true,
		"ROIPooling":        true,
		"RegionYolo":        true,
		"SoftMax":           true,
		"Softmax":           true,
	},
}

func init() {
	for name := range targets {
		device := name
		runtime.Register(device, func() (runtime.Plugin, error) { return New(device) })
	}
}

type Plugin struct {
	device string
	t      target

	mu     sync.Mutex
	config map[string]string
}

func New(device string) (*Plugin, error) {
	device = strings.ToUpper(device)
	t, ok := targets[device]
	if !ok {
		return nil, fmt.Errorf("%s: %w", device, runtime.ErrDeviceUnavailable)
	}
	return &Plugin{device: device, t: t, config: make(map[string]string)}, nil
}

func (p *Plugin) Name() string { return p.device }

func (p *Plugin) Supports(layerType string) bool {
	return !unsupported[p.device][layerType]
}

func (p *Plugin) SetConfig(cfg map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range cfg {
		if k == KeyNumRequests {
			if n, err := strconv.Atoi(v); err != nil || n < 1 {
				return fmt.Errorf("%s must be a positive integer, got %q", KeyNumRequests, v)
			}
		}
		p.config[k] = v
	}
	return nil
}

func (p *Plugin) poolSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, err := strconv.Atoi(p.config[KeyNumRequests]); err == nil && n > 0 {
		return n
	}
	return goruntime.NumCPU()
}

func (p *Plugin) perfCount() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config[runtime.KeyPerfCount] == runtime.Yes
}

func (p *Plugin) readNet(net *ir.Network) (*gocv.Net, error) {
	n := gocv.ReadNet(net.WeightsPath, net.Path)
	if n.Empty() {
		_ = n.Close()
		return nil, fmt.Errorf("read %s: empty network", net.Path)
	}
	if err := n.SetPreferableBackend(p.t.backend); err != nil {
		_ = n.Close()
		return nil, fmt.Errorf("set backend: %w", err)
	}
	if err := n.SetPreferableTarget(p.t.target); err != nil {
		_ = n.Close()
		return nil, fmt.Errorf("set target %s: %w", p.device, err)
	}
	return &n, nil
}

// Compile reads the IR pair and binds it to the device. gocv.Net is not safe
// for concurrent use, so the executable keeps a bounded pool of networks and
// hands one to each running request.
func (p *Plugin) Compile(net *ir.Network) (runtime.Executable, error) {
	first, err := p.readNet(net)
	if err != nil {
		return nil, err
	}
	size := p.poolSize()
	e := &executable{
		p:       p,
		net:     net,
		inputs:  append([]ir.TensorDesc(nil), net.Inputs...),
		outputs: append([]ir.TensorDesc(nil), net.Outputs...),
		idle:    make(chan *gocv.Net, size),
		slots:   make(chan struct{}, size),
		perf:    p.perfCount(),
	}
	e.slots <- struct{}{}
	e.idle <- first
	e.all = append(e.all, first)
	return e, nil
}

func (p *Plugin) Close() error { return nil }

type executable struct {
	p       *Plugin
	net     *ir.Network
	inputs  []ir.TensorDesc
	outputs []ir.TensorDesc
	perf    bool

	idle  chan *gocv.Net
	slots chan struct{}

	mu     sync.Mutex
	all    []*gocv.Net
	closed bool
}

func (e *executable) Device() string           { return e.p.device }
func (e *executable) Inputs() []ir.TensorDesc  { return e.inputs }
func (e *executable) Outputs() []ir.TensorDesc { return e.outputs }

func (e *executable) acquire() (*gocv.Net, error) {
	select {
	case n := <-e.idle:
		return n, nil
	default:
	}
	select {
	case e.slots <- struct{}{}:
		n, err := e.p.readNet(e.net)
		if err != nil {
			<-e.slots
			return nil, err
		}
		e.mu.Lock()
		e.all = append(e.all, n)
		e.mu.Unlock()
		return n, nil
	case n := <-e.idle:
		return n, nil
	}
}

func (e *executable) release(n *gocv.Net) {
	e.idle <- n
}

func (e *executable) NewRequest() (runtime.Request, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, errors.New("executable closed")
	}
	r := &request{e: e, blobs: make(map[string]*runtime.Blob, len(e.inputs)+len(e.outputs))}
	for _, in := range e.inputs {
		b, err := runtime.NewBlob(in.Name, in.Dims, in.Precision)
		if err != nil {
			return nil, err
		}
		r.blobs[in.Name] = b
	}
	return r, nil
}

func (e *executable) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var errs []error
	for _, n := range e.all {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.all = nil
	return errors.Join(errs...)
}

type request struct {
	e     *executable
	blobs map[string]*runtime.Blob
	perf  []runtime.ProfileInfo
}

func (r *request) Blob(name string) (*runtime.Blob, error) {
	b, ok := r.blobs[name]
	if !ok {
		return nil, fmt.Errorf("no blob named %q", name)
	}
	return b, nil
}

func blobMat(b *runtime.Blob) (gocv.Mat, error) {
	if b.Precision == ir.PrecisionU8 {
		return gocv.NewMatWithSizesFromBytes(b.Dims, gocv.MatTypeCV8U, b.U8)
	}
	if len(b.F32) == 0 {
		return gocv.NewMat(), fmt.Errorf("blob %s is empty", b.Name)
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&b.F32[0])), len(b.F32)*4)
	return gocv.NewMatWithSizesFromBytes(b.Dims, gocv.MatTypeCV32F, raw)
}

func (r *request) Infer() error {
	n, err := r.e.acquire()
	if err != nil {
		return err
	}
	defer r.e.release(n)

	mats := make([]gocv.Mat, 0, len(r.e.inputs))
	defer func() {
		for _, m := range mats {
			_ = m.Close()
		}
	}()
	for _, in := range r.e.inputs {
		m, err := blobMat(r.blobs[in.Name])
		if err != nil {
			return fmt.Errorf("input %s: %w", in.Name, err)
		}
		mats = append(mats, m)
		if err := n.SetInput(m, in.Name); err != nil {
			return fmt.Errorf("set input %s: %w", in.Name, err)
		}
	}

	names := make([]string, 0, len(r.e.outputs))
	for _, o := range r.e.outputs {
		names = append(names, o.Name)
	}
	start := time.Now()
	outs := n.ForwardLayers(names)
	elapsed := time.Since(start)
	defer func() {
		for _, m := range outs {
			_ = m.Close()
		}
	}()
	if len(outs) != len(names) {
		return fmt.Errorf("forward returned %d outputs, want %d", len(outs), len(names))
	}
	for i, m := range outs {
		data, err := m.DataPtrFloat32()
		if err != nil {
			return fmt.Errorf("output %s: %w", names[i], err)
		}
		b := &runtime.Blob{
			Name:      names[i],
			Dims:      m.Size(),
			Precision: ir.PrecisionFP32,
			F32:       append([]float32(nil), data...),
		}
		r.blobs[names[i]] = b
	}
	if r.e.perf {
		ticks := n.GetPerfProfile()
		r.perf = []runtime.ProfileInfo{{
			Layer:    "total",
			Status:   "EXECUTED",
			ExecType: r.e.p.device,
			RealTime: time.Duration(ticks / gocv.GetTickFrequency() * float64(time.Second)),
		}, {
			Layer:    "forward",
			Status:   "EXECUTED",
			ExecType: r.e.p.device,
			RealTime: elapsed,
		}}
	}
	return nil
}

func (r *request) PerfCounts() []runtime.ProfileInfo {
	return r.perf
}

func (r *request) Close() error {
	r.blobs = nil
	return nil
}
