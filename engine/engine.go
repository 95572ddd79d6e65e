package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	iface "VinoDetServer/interface"
	"VinoDetServer/decoder"
	"VinoDetServer/ir"
	"VinoDetServer/marshal"
	"VinoDetServer/monitor"
	"VinoDetServer/runtime"

	"go.uber.org/zap"
)

type Config struct {
	Name         string
	Architecture string
	Model        string
	Labels       string
	Device       string
	// Affinity overrides the default layer -> device assignment of a HETERO device.
	Affinity map[string]string
	Logger   *zap.Logger
}

// FillFunc writes one request's inputs and reports the image geometry.
type FillFunc func(req runtime.Request, inputs []ir.TensorDesc) (marshal.Frame, error)

// Engine owns one model on one device: the device plugin, the logical network
// and the lazily compiled executable. Inference runs under the read lock;
// anything that replaces the plugin, network or executable takes the write lock.
type Engine struct {
	mu        sync.RWMutex
	compileMu sync.Mutex
	reloadMu  sync.Mutex
	state     atomic.Int32

	name    string
	variant decoder.Variant
	decoder decoder.Decoder
	labels  LabelTable
	log     *zap.Logger

	device      runtime.DeviceSpec
	plugin      runtime.Plugin
	hetero      *runtime.HeteroPlugin
	network     *ir.Network
	validator   *decoder.Validator
	exe         runtime.Executable
	modelPath   string
	affinity    map[string]string
	affinityMsg string
}

// New initialises the device and loads the network. Compilation is deferred to
// Compile or the first inference.
func New(cfg Config) (*Engine, error) {
	v, err := decoder.ParseVariant(cfg.Architecture)
	if err != nil {
		return nil, err
	}
	d, err := decoder.New(v)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	name := cfg.Name
	if name == "" {
		name = strings.TrimSuffix(cfg.Model, ".xml")
	}
	e := &Engine{
		name:    name,
		variant: v,
		decoder: d,
		log:     log.With(zap.String("model", name)),
	}
	e.state.Store(UNREGISTERED)
	if cfg.Labels != "" {
		labels, err := LoadLabels(cfg.Labels)
		if err != nil {
			return nil, fmt.Errorf("labels: %w", err)
		}
		e.labels = labels
	}
	if err := e.InitDevice(cfg.Device); err != nil {
		return nil, err
	}
	if err := e.LoadNetwork(cfg.Model); err != nil {
		e.Destroy()
		return nil, err
	}
	if len(cfg.Affinity) > 0 {
		if err := e.ApplyCustomAffinity(cfg.Affinity); err != nil {
			e.Destroy()
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) State() int { return int(e.state.Load()) }

// InitDevice resolves the device string and replaces the current plugin. Any
// loaded network must be loaded again afterwards.
func (e *Engine) InitDevice(device string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compileMu.Lock()
	defer e.compileMu.Unlock()
	return e.initDevice(device)
}

func (e *Engine) initDevice(device string) error {
	spec, plugin, err := e.openDevice(device)
	if err != nil {
		return err
	}
	e.release()
	e.device = spec
	e.plugin = plugin
	e.hetero, _ = plugin.(*runtime.HeteroPlugin)
	e.state.Store(REGISTERED)
	e.log.Info("device initialised", zap.String("device", spec.String()), zap.Bool("debugBuild", debugBuild))
	return nil
}

// openDevice opens a plugin for device without touching the engine's current one.
func (e *Engine) openDevice(device string) (runtime.DeviceSpec, runtime.Plugin, error) {
	spec, err := runtime.ParseDevice(device)
	if err != nil {
		return runtime.DeviceSpec{}, nil, err
	}
	plugin, err := runtime.Open(device)
	if err != nil {
		return runtime.DeviceSpec{}, nil, err
	}
	if h, ok := plugin.(*runtime.HeteroPlugin); ok {
		h.SetErrorListener(func(msg string) {
			e.log.Warn("runtime message", zap.String("device", h.Name()), zap.String("message", msg))
		})
		if err := h.SetConfig(verbosity()); err != nil {
			e.log.Warn("device rejected verbosity config", zap.Error(err))
		}
	}
	return spec, plugin, nil
}

// release closes the executable and plugin. Callers hold both locks.
func (e *Engine) release() {
	if e.exe != nil {
		if err := e.exe.Close(); err != nil {
			e.log.Warn("close executable", zap.Error(err))
		}
		e.exe = nil
	}
	if e.plugin != nil {
		if err := e.plugin.Close(); err != nil {
			e.log.Warn("close plugin", zap.Error(err))
		}
		e.plugin = nil
	}
	e.hetero = nil
	e.network = nil
	e.validator = nil
}

func (e *Engine) LoadNetwork(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compileMu.Lock()
	defer e.compileMu.Unlock()
	if e.plugin == nil {
		return fmt.Errorf("load %s: device not initialised", path)
	}
	net, v, msg, err := e.readNetwork(path, e.hetero)
	if err != nil {
		if errors.As(err, new(*decoder.ModelShapeError)) {
			e.state.Store(ERROR)
		}
		return err
	}
	if e.exe != nil {
		_ = e.exe.Close()
		e.exe = nil
	}
	e.network = net
	e.validator = v
	e.modelPath = path
	e.affinity = nil
	e.affinityMsg = msg
	e.state.Store(LOADED)
	return nil
}

// readNetwork reads, prepares and validates a network without touching the
// engine's current one.
func (e *Engine) readNetwork(path string, hetero *runtime.HeteroPlugin) (*ir.Network, *decoder.Validator, string, error) {
	start := time.Now()
	net, err := ir.ReadNetwork(path)
	if err != nil {
		return nil, nil, "", err
	}
	net.SetBatchSize(1)
	for _, in := range net.Inputs {
		switch in.Rank() {
		case 4:
			_ = net.SetInputPrecision(in.Name, ir.PrecisionU8)
		case 2:
			_ = net.SetInputPrecision(in.Name, ir.PrecisionFP32)
		}
	}
	e.log.Debug("network read",
		zap.String("path", path),
		zap.String("weights", net.WeightsPath),
		zap.Int("layers", len(net.Layers)),
		zap.Duration("elapsed", time.Since(start)))

	var msg string
	if hetero != nil {
		msg, err = hetero.SetDefaultAffinity(net)
		if err != nil {
			return nil, nil, msg, err
		}
		e.log.Info("default affinity", zap.String("assignment", msg))
	}

	v := decoder.NewValidator(e.decoder)
	if err := v.Check(net); err != nil {
		e.log.Error("model shape check failed", zap.String("path", path), zap.Error(err))
		return nil, nil, msg, err
	}
	return net, v, msg, nil
}

// ApplyCustomAffinity pins layers to devices of the heterogeneous composite.
// It must run before the network is compiled.
func (e *Engine) ApplyCustomAffinity(affinity map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compileMu.Lock()
	defer e.compileMu.Unlock()
	if e.network == nil {
		return ErrNotLoaded
	}
	if e.exe != nil {
		return errors.New("affinity must be applied before compile")
	}
	if err := applyAffinity(e.hetero, e.device, e.network, affinity); err != nil {
		return err
	}
	e.affinity = maps.Clone(affinity)
	e.log.Info("custom affinity applied", zap.Int("layers", len(affinity)))
	return nil
}

func applyAffinity(hetero *runtime.HeteroPlugin, device runtime.DeviceSpec, net *ir.Network, affinity map[string]string) error {
	if len(affinity) == 0 {
		return nil
	}
	if hetero == nil {
		return fmt.Errorf("custom affinity needs a HETERO device, have %s", device)
	}
	for layer, device := range affinity {
		if _, ok := net.Layer(layer); !ok {
			return fmt.Errorf("affinity %s: %w", layer, ir.ErrUnknownLayer)
		}
		if !hetero.Member(device) {
			return fmt.Errorf("affinity %s: device %s is not part of %s", layer, device, hetero.Name())
		}
	}
	for layer, device := range affinity {
		if err := net.SetAffinity(layer, strings.ToUpper(device)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) Compile() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compileMu.Lock()
	defer e.compileMu.Unlock()
	return e.compileLocked()
}

func (e *Engine) compileLocked() error {
	if e.network == nil {
		return ErrNotLoaded
	}
	if e.exe != nil {
		return nil
	}
	exe, err := e.compile(e.plugin, e.network, e.modelPath)
	if err != nil {
		e.state.Store(ERROR)
		return err
	}
	e.exe = exe
	e.state.Store(IDLE)
	return nil
}

func (e *Engine) compile(plugin runtime.Plugin, net *ir.Network, path string) (runtime.Executable, error) {
	start := time.Now()
	exe, err := plugin.Compile(net)
	elapsed := time.Since(start)
	monitor.ObserveStage(e.name, "compile", elapsed)
	if err != nil {
		e.log.Error("compile failed", zap.String("device", plugin.Name()), zap.Duration("elapsed", elapsed), zap.Error(err))
		return nil, &CompileError{Device: plugin.Name(), Model: path, Err: err}
	}
	e.log.Info("network compiled", zap.String("device", exe.Device()), zap.Duration("elapsed", elapsed))
	return exe, nil
}

func (e *Engine) executable() (runtime.Executable, error) {
	e.compileMu.Lock()
	defer e.compileMu.Unlock()
	if err := e.compileLocked(); err != nil {
		return nil, err
	}
	return e.exe, nil
}

// Infer runs one synchronous inference. The returned output holds the request
// until Close.
func (e *Engine) Infer(ctx context.Context, fill FillFunc) (*decoder.RawOutput, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.infer(ctx, fill)
}

func (e *Engine) infer(ctx context.Context, fill FillFunc) (*decoder.RawOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.plugin == nil {
		return nil, ErrNotLoaded
	}
	exe, err := e.executable()
	if err != nil {
		return nil, err
	}
	req, err := exe.NewRequest()
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = req.Close()
		}
	}()

	start := time.Now()
	frame, err := fill(req, exe.Inputs())
	if err != nil {
		return nil, err
	}
	monitor.ObserveStage(e.name, "marshal", time.Since(start))

	start = time.Now()
	if err := req.Infer(); err != nil {
		return nil, fmt.Errorf("infer: %w", err)
	}
	elapsed := time.Since(start)
	monitor.ObserveStage(e.name, "infer", elapsed)
	e.log.Debug("inference done", zap.String("device", exe.Device()), zap.Duration("elapsed", elapsed))
	if debugBuild {
		if p, isProfiler := req.(runtime.Profiler); isProfiler {
			for _, c := range p.PerfCounts() {
				e.log.Debug("perf count",
					zap.String("layer", c.Layer),
					zap.String("status", c.Status),
					zap.String("execType", c.ExecType),
					zap.Duration("realTime", c.RealTime))
			}
		}
	}

	tensors := make([]decoder.Tensor, 0, len(exe.Outputs()))
	for _, o := range exe.Outputs() {
		b, err := req.Blob(o.Name)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", o.Name, err)
		}
		tensors = append(tensors, decoder.Tensor{Name: o.Name, Dims: b.Dims, Data: b.F32, Layer: o.Layer})
	}
	out := decoder.NewRawOutput(tensors, func() { _ = req.Close() })
	out.OriginalWidth = frame.OriginalWidth
	out.OriginalHeight = frame.OriginalHeight
	out.ResizedWidth = frame.ResizedWidth
	out.ResizedHeight = frame.ResizedHeight
	ok = true
	return out, nil
}

// Run decodes, infers and labels one encoded image. An image that cannot be
// decoded yields an empty result rather than an error.
func (e *Engine) Run(ctx context.Context, image []byte) ([]iface.BoundingBox, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out, err := e.infer(ctx, func(req runtime.Request, inputs []ir.TensorDesc) (marshal.Frame, error) {
		return marshal.Fill(image, req, inputs)
	})
	if err != nil {
		if errors.Is(err, marshal.ErrImageDecode) {
			e.log.Warn("image decode failed", zap.Int("bytes", len(image)), zap.Error(err))
			monitor.CountInference(e.name, "bad_image")
			return []iface.BoundingBox{}, nil
		}
		monitor.CountInference(e.name, "error")
		return nil, err
	}
	defer out.Close()

	start := time.Now()
	cands, err := e.decoder.Decode(out)
	monitor.ObserveStage(e.name, "decode", time.Since(start))
	if err != nil {
		monitor.CountInference(e.name, "error")
		return nil, fmt.Errorf("decode: %w", err)
	}
	monitor.CountInference(e.name, "ok")
	return e.attachLabels(cands), nil
}

func (e *Engine) attachLabels(cands []decoder.Candidate) []iface.BoundingBox {
	boxes := make([]iface.BoundingBox, 0, len(cands))
	for _, c := range cands {
		if c.LabelID <= 0 {
			continue
		}
		label, ok := e.labels.Lookup(c.LabelID)
		if !ok && len(e.labels) > 0 {
			e.log.Warn("label id outside label table", zap.Int("labelID", c.LabelID), zap.Int("labels", len(e.labels)))
			continue
		}
		boxes = append(boxes, iface.BoundingBox{
			LabelID:    c.LabelID,
			Label:      label,
			Confidence: c.Confidence,
			Coords:     [4]int{c.Xmin, c.Ymin, c.Xmax, c.Ymax},
		})
	}
	return boxes
}

// Detect implements iface.Backend.
func (e *Engine) Detect(ctx context.Context, image []byte) iface.RetData {
	boxes, err := e.Run(ctx, image)
	if err != nil {
		return iface.RetData{Success: false, Data: []iface.BoundingBox{}, Message: err.Error()}
	}
	return iface.RetData{Success: true, Data: boxes}
}

// Warmup compiles the network if needed and runs n inferences on a blank frame.
func (e *Engine) Warmup(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		out, err := e.Infer(ctx, blankFill)
		if err != nil {
			return fmt.Errorf("warmup %d: %w", i, err)
		}
		out.Close()
	}
	if n > 0 {
		e.log.Info("warmup done", zap.Int("runs", n))
	}
	return nil
}

func blankFill(req runtime.Request, inputs []ir.TensorDesc) (marshal.Frame, error) {
	var frame marshal.Frame
	for _, in := range inputs {
		if in.Rank() == 4 {
			frame.ResizedHeight, frame.ResizedWidth = in.Dims[2], in.Dims[3]
		}
	}
	frame.OriginalWidth, frame.OriginalHeight = frame.ResizedWidth, frame.ResizedHeight
	for _, in := range inputs {
		if in.Rank() != 2 {
			continue
		}
		b, err := req.Blob(in.Name)
		if err != nil {
			return frame, err
		}
		if len(b.F32) >= 3 {
			b.F32[0], b.F32[1], b.F32[2] = float32(frame.ResizedWidth), float32(frame.ResizedHeight), 1
		}
	}
	return frame, nil
}

// Reload swaps in a new model file on the same device. The new network is read
// and compiled while the old one keeps serving; the swap waits for in-flight
// requests. On error the old network stays in place.
func (e *Engine) Reload(path string) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	e.mu.RLock()
	plugin, hetero, device := e.plugin, e.hetero, e.device
	affinity := maps.Clone(e.affinity)
	if plugin == nil {
		e.mu.RUnlock()
		return ErrNotLoaded
	}
	net, v, msg, err := e.readNetwork(path, hetero)
	if err == nil {
		err = applyAffinity(hetero, device, net, affinity)
	}
	var exe runtime.Executable
	if err == nil {
		exe, err = e.compile(plugin, net, path)
	}
	e.mu.RUnlock()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.compileMu.Lock()
	defer e.compileMu.Unlock()
	if e.plugin != plugin {
		_ = exe.Close()
		return errors.New("device changed during reload")
	}
	old := e.exe
	e.exe = exe
	e.network = net
	e.validator = v
	e.modelPath = path
	e.affinityMsg = msg
	e.state.Store(IDLE)
	if old != nil {
		if err := old.Close(); err != nil {
			e.log.Warn("close replaced executable", zap.Error(err))
		}
	}
	e.log.Info("model reloaded", zap.String("path", path))
	return nil
}

// SwitchDevice moves the model to another device, re-applying any custom
// affinity the new device can honour. The network is read and compiled on the
// new device while the old one keeps serving. On error nothing changes.
func (e *Engine) SwitchDevice(device string) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	e.mu.RLock()
	loaded := e.plugin != nil && e.modelPath != ""
	path, affinity := e.modelPath, maps.Clone(e.affinity)
	e.mu.RUnlock()
	if !loaded {
		return ErrNotLoaded
	}

	spec, plugin, err := e.openDevice(device)
	if err != nil {
		return err
	}
	hetero, _ := plugin.(*runtime.HeteroPlugin)
	net, v, msg, err := e.readNetwork(path, hetero)
	if err != nil {
		_ = plugin.Close()
		return err
	}
	if err := applyAffinity(hetero, spec, net, affinity); err != nil {
		e.log.Warn("custom affinity dropped", zap.String("device", spec.String()), zap.Error(err))
		affinity = nil
	}
	exe, err := e.compile(plugin, net, path)
	if err != nil {
		_ = plugin.Close()
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.compileMu.Lock()
	defer e.compileMu.Unlock()
	if e.plugin == nil || e.modelPath != path {
		_ = exe.Close()
		_ = plugin.Close()
		return errors.New("engine changed during device switch")
	}
	e.release()
	e.device = spec
	e.plugin = plugin
	e.hetero = hetero
	e.exe = exe
	e.network = net
	e.validator = v
	e.affinity = affinity
	e.affinityMsg = msg
	e.state.Store(IDLE)
	e.log.Info("device switched", zap.String("device", spec.String()))
	return nil
}

func (e *Engine) CheckConfig() iface.EngineConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cfg := iface.EngineConfig{
		Name:         e.name,
		Architecture: e.variant.String(),
		ModelPath:    e.modelPath,
		Device:       e.device.String(),
		Labels:       append([]string(nil), e.labels...),
		State:        e.State(),
	}
	if e.network != nil {
		cfg.Affinity = e.network.Affinity()
	}
	return cfg
}

func (e *Engine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compileMu.Lock()
	defer e.compileMu.Unlock()
	e.release()
	e.modelPath = ""
	e.affinity = nil
	e.state.Store(UNREGISTERED)
	e.log.Info("engine destroyed")
}
