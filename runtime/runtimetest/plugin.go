// Package runtimetest provides an in-memory device plugin with scripted outputs
// and helpers that write small IR models for tests.
package runtimetest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"VinoDetServer/ir"
	"VinoDetServer/runtime"
)

type Output struct {
	Dims []int
	Data []float32
}

// Plugin is a fake device. Zero values behave as a device that supports every
// layer, compiles everything and returns zero-filled outputs.
type Plugin struct {
	Device      string
	Unsupported map[string]bool
	CompileErr  error
	InferErr    error
	Delay       time.Duration
	Outputs     map[string]Output
	// OutputFunc, when set, takes precedence over Outputs.
	OutputFunc func(inputs map[string]*runtime.Blob) map[string]Output

	mu          sync.Mutex
	config      map[string]string
	compiled    int
	requests    int
	inflight    int
	maxInflight int
	closed      bool
	lastInputs  map[string]*runtime.Blob
}

func New(device string) *Plugin {
	return &Plugin{Device: device}
}

// Register installs p in the runtime registry and removes it when the test ends.
// Every open hands out p again and clears its closed flag.
func Register(t interface{ Cleanup(func()) }, p *Plugin) *Plugin {
	runtime.Register(p.Device, func() (runtime.Plugin, error) {
		p.mu.Lock()
		p.closed = false
		p.mu.Unlock()
		return p, nil
	})
	t.Cleanup(func() { runtime.Unregister(p.Device) })
	return p
}

func (p *Plugin) Name() string { return p.Device }

func (p *Plugin) Supports(layerType string) bool {
	return !p.Unsupported[layerType]
}

func (p *Plugin) SetConfig(cfg map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.config == nil {
		p.config = make(map[string]string)
	}
	for k, v := range cfg {
		p.config[k] = v
	}
	return nil
}

func (p *Plugin) Config() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.config))
	for k, v := range p.config {
		out[k] = v
	}
	return out
}

func (p *Plugin) Compile(net *ir.Network) (runtime.Executable, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("plugin closed")
	}
	if p.CompileErr != nil {
		return nil, p.CompileErr
	}
	p.compiled++
	return &executable{
		p:       p,
		inputs:  append([]ir.TensorDesc(nil), net.Inputs...),
		outputs: append([]ir.TensorDesc(nil), net.Outputs...),
	}, nil
}

func (p *Plugin) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Plugin) Compiled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.compiled
}

func (p *Plugin) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

func (p *Plugin) MaxInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInflight
}

// LastInput returns the blob most recently passed to Infer under name.
func (p *Plugin) LastInput(name string) *runtime.Blob {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastInputs[name]
}

type executable struct {
	p       *Plugin
	inputs  []ir.TensorDesc
	outputs []ir.TensorDesc
}

func (e *executable) Device() string           { return e.p.Device }
func (e *executable) Inputs() []ir.TensorDesc  { return e.inputs }
func (e *executable) Outputs() []ir.TensorDesc { return e.outputs }
func (e *executable) Close() error             { return nil }

func (e *executable) NewRequest() (runtime.Request, error) {
	r := &request{p: e.p, blobs: make(map[string]*runtime.Blob), outputs: e.outputs}
	for _, in := range e.inputs {
		b, err := runtime.NewBlob(in.Name, in.Dims, in.Precision)
		if err != nil {
			return nil, err
		}
		r.blobs[in.Name] = b
		r.inputNames = append(r.inputNames, in.Name)
	}
	e.p.mu.Lock()
	e.p.requests++
	e.p.mu.Unlock()
	return r, nil
}

type request struct {
	p          *Plugin
	blobs      map[string]*runtime.Blob
	inputNames []string
	outputs    []ir.TensorDesc
	closed     bool
}

func (r *request) Blob(name string) (*runtime.Blob, error) {
	b, ok := r.blobs[name]
	if !ok {
		return nil, fmt.Errorf("no blob named %q", name)
	}
	return b, nil
}

func (r *request) Infer() error {
	p := r.p
	p.mu.Lock()
	p.inflight++
	if p.inflight > p.maxInflight {
		p.maxInflight = p.inflight
	}
	inferErr := p.InferErr
	delay := p.Delay
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inflight--
		p.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}
	if inferErr != nil {
		return inferErr
	}

	inputs := make(map[string]*runtime.Blob, len(r.inputNames))
	for _, name := range r.inputNames {
		inputs[name] = cloneBlob(r.blobs[name])
	}
	scripted := p.Outputs
	if p.OutputFunc != nil {
		scripted = p.OutputFunc(inputs)
	}
	p.mu.Lock()
	p.lastInputs = inputs
	p.mu.Unlock()

	for _, o := range r.outputs {
		dims := o.Dims
		s, ok := scripted[o.Name]
		if ok && len(s.Dims) > 0 {
			dims = s.Dims
		}
		b, err := runtime.NewBlob(o.Name, dims, ir.PrecisionFP32)
		if err != nil {
			return err
		}
		if ok {
			copy(b.F32, s.Data)
		}
		r.blobs[o.Name] = b
	}
	return nil
}

func (r *request) Close() error {
	r.closed = true
	return nil
}

func cloneBlob(b *runtime.Blob) *runtime.Blob {
	c := *b
	c.Dims = append([]int(nil), b.Dims...)
	c.U8 = append([]uint8(nil), b.U8...)
	c.F32 = append([]float32(nil), b.F32...)
	return &c
}
