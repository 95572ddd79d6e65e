// Package ir reads OpenVINO intermediate-representation models: an .xml topology
// descriptor paired with a .bin weights file.
package ir

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	PrecisionU8   = "U8"
	PrecisionFP16 = "FP16"
	PrecisionFP32 = "FP32"
)

var ErrUnknownLayer = errors.New("unknown layer")

type Port struct {
	ID        int
	Precision string
	Dims      []int
}

type Layer struct {
	ID       int
	Name     string
	Type     string
	Params   map[string]string
	Inputs   []Port
	Outputs  []Port
	Affinity string
}

// TensorDesc 描述网络的一个输入或输出。Layer 指向产生该张量的层。
type TensorDesc struct {
	Name      string
	Dims      []int
	Precision string
	Layer     *Layer
}

func (t TensorDesc) Rank() int {
	return len(t.Dims)
}

// Network is the logical network: topology, tensor metadata and per-layer affinity.
// It is only mutated while the engine reconfigures.
type Network struct {
	Name        string
	Version     int
	Path        string
	WeightsPath string
	WeightsSize int64
	Layers      []*Layer
	Inputs      []TensorDesc
	Outputs     []TensorDesc

	byName map[string]*Layer
	batch  int
}

// WeightsPath derives the weights artifact from the descriptor path by replacing
// its extension with "bin".
func WeightsPath(model string) string {
	return strings.TrimSuffix(model, filepath.Ext(model)) + ".bin"
}

func ReadNetwork(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	weights := WeightsPath(path)
	st, err := os.Stat(weights)
	if err != nil {
		return nil, fmt.Errorf("weights %s: %w", weights, err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("weights %s is a directory", weights)
	}
	n, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	n.Path = path
	n.WeightsPath = weights
	n.WeightsSize = st.Size()
	return n, nil
}

// Parse builds a Network from descriptor bytes. Paths are left empty.
func Parse(data []byte) (*Network, error) {
	var doc xmlNet
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	if len(doc.Layers) == 0 {
		return nil, errors.New("descriptor has no layers")
	}

	n := &Network{
		Name:    doc.Name,
		Version: doc.Version,
		byName:  make(map[string]*Layer, len(doc.Layers)),
		batch:   1,
	}
	byID := make(map[int]*Layer, len(doc.Layers))
	for _, xl := range doc.Layers {
		l := &Layer{
			ID:      xl.ID,
			Name:    xl.Name,
			Type:    xl.Type,
			Params:  make(map[string]string, len(xl.Data.Attrs)),
			Inputs:  convertPorts(xl.Inputs),
			Outputs: convertPorts(xl.Outputs),
		}
		for _, a := range xl.Data.Attrs {
			l.Params[a.Name.Local] = a.Value
		}
		if _, dup := n.byName[l.Name]; dup {
			return nil, fmt.Errorf("duplicate layer name %q", l.Name)
		}
		n.Layers = append(n.Layers, l)
		n.byName[l.Name] = l
		byID[l.ID] = l
	}

	consumed := make(map[int]bool)
	producers := make(map[int]xmlEdge)
	for _, e := range doc.Edges {
		if _, ok := byID[e.FromLayer]; !ok {
			return nil, fmt.Errorf("edge from unknown layer id %d", e.FromLayer)
		}
		if _, ok := byID[e.ToLayer]; !ok {
			return nil, fmt.Errorf("edge to unknown layer id %d", e.ToLayer)
		}
		consumed[e.FromLayer] = true
		producers[e.ToLayer] = e
	}

	hasResult := false
	for _, l := range n.Layers {
		switch l.Type {
		case "Parameter", "Input":
			if len(l.Outputs) == 0 {
				return nil, fmt.Errorf("input layer %q has no output port", l.Name)
			}
			p := l.Outputs[0]
			n.Inputs = append(n.Inputs, TensorDesc{Name: l.Name, Dims: cloneDims(p.Dims), Precision: p.Precision, Layer: l})
		case "Result":
			hasResult = true
		}
	}

	if hasResult {
		// IR v10: 输出是 Result 层的上游
		for _, l := range n.Layers {
			if l.Type != "Result" {
				continue
			}
			e, ok := producers[l.ID]
			if !ok {
				return nil, fmt.Errorf("result layer %q is not connected", l.Name)
			}
			src := byID[e.FromLayer]
			n.Outputs = append(n.Outputs, outputOf(src, e.FromPort))
		}
	} else {
		for _, l := range n.Layers {
			if consumed[l.ID] || len(l.Outputs) == 0 {
				continue
			}
			n.Outputs = append(n.Outputs, outputOf(l, l.Outputs[0].ID))
		}
	}
	if len(n.Inputs) == 0 {
		return nil, errors.New("descriptor declares no inputs")
	}
	if len(n.Outputs) == 0 {
		return nil, errors.New("descriptor declares no outputs")
	}
	return n, nil
}

func outputOf(l *Layer, port int) TensorDesc {
	t := TensorDesc{Name: l.Name, Layer: l}
	for _, p := range l.Outputs {
		if p.ID == port {
			t.Dims = cloneDims(p.Dims)
			t.Precision = p.Precision
			break
		}
	}
	return t
}

func convertPorts(ports []xmlPort) []Port {
	out := make([]Port, 0, len(ports))
	for _, p := range ports {
		out = append(out, Port{ID: p.ID, Precision: strings.ToUpper(p.Precision), Dims: cloneDims(p.Dims)})
	}
	return out
}

func cloneDims(d []int) []int {
	return append([]int(nil), d...)
}

func (n *Network) Layer(name string) (*Layer, bool) {
	l, ok := n.byName[name]
	return l, ok
}

func (n *Network) Input(name string) (TensorDesc, bool) {
	for _, t := range n.Inputs {
		if t.Name == name {
			return t, true
		}
	}
	return TensorDesc{}, false
}

func (n *Network) BatchSize() int {
	return n.batch
}

// SetBatchSize rewrites the leading dimension of every input and output.
func (n *Network) SetBatchSize(b int) {
	if b < 1 {
		b = 1
	}
	n.batch = b
	for i := range n.Inputs {
		if len(n.Inputs[i].Dims) > 0 {
			n.Inputs[i].Dims[0] = b
		}
	}
	for i := range n.Outputs {
		if len(n.Outputs[i].Dims) > 0 {
			n.Outputs[i].Dims[0] = b
		}
	}
}

func (n *Network) SetInputPrecision(name, precision string) error {
	for i := range n.Inputs {
		if n.Inputs[i].Name == name {
			n.Inputs[i].Precision = precision
			return nil
		}
	}
	return fmt.Errorf("input %q: %w", name, ErrUnknownLayer)
}

func (n *Network) SetAffinity(layer, device string) error {
	l, ok := n.byName[layer]
	if !ok {
		return fmt.Errorf("%q: %w", layer, ErrUnknownLayer)
	}
	l.Affinity = device
	return nil
}

// Affinity returns a copy of the current layer -> device assignment. Layers
// without an assignment are omitted.
func (n *Network) Affinity() map[string]string {
	m := make(map[string]string)
	for _, l := range n.Layers {
		if l.Affinity != "" {
			m[l.Name] = l.Affinity
		}
	}
	return m
}

func (l *Layer) Param(key string) (string, bool) {
	v, ok := l.Params[key]
	return v, ok && v != ""
}

func (l *Layer) ParamInt(key string) (int, bool, error) {
	v, ok := l.Param(key)
	if !ok {
		return 0, false, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, true, fmt.Errorf("layer %q param %s: %w", l.Name, key, err)
	}
	return i, true, nil
}

func (l *Layer) ParamInts(key string) ([]int, bool, error) {
	v, ok := l.Param(key)
	if !ok {
		return nil, false, nil
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		i, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, true, fmt.Errorf("layer %q param %s: %w", l.Name, key, err)
		}
		out = append(out, i)
	}
	return out, true, nil
}

func (l *Layer) ParamFloats(key string) ([]float32, bool, error) {
	v, ok := l.Param(key)
	if !ok {
		return nil, false, nil
	}
	parts := strings.Split(v, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, true, fmt.Errorf("layer %q param %s: %w", l.Name, key, err)
		}
		out = append(out, float32(f))
	}
	return out, true, nil
}
