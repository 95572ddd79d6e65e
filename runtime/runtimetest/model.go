package runtimetest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Tensor struct {
	Name string
	Dims []int
}

type Layer struct {
	Name   string
	Type   string
	Params map[string]string
	Dims   []int
}

// Model describes a small IR network. Every Output layer and every Hidden
// layer is fed by the first input; only Outputs are connected to Result sinks.
type Model struct {
	Name    string
	Inputs  []Tensor
	Hidden  []Layer
	Outputs []Layer
}

// WriteModel writes name.xml and name.bin into dir and returns the .xml path.
func WriteModel(dir, name string, m Model) (string, error) {
	if len(m.Inputs) == 0 || len(m.Outputs) == 0 {
		return "", fmt.Errorf("model %s needs inputs and outputs", name)
	}
	var b strings.Builder
	netName := m.Name
	if netName == "" {
		netName = name
	}
	fmt.Fprintf(&b, "<?xml version=\"1.0\"?>\n<net name=%q version=\"10\">\n\t<layers>\n", netName)

	id := 0
	var edges []string
	for _, in := range m.Inputs {
		fmt.Fprintf(&b, "\t\t<layer id=\"%d\" name=%q type=\"Parameter\" version=\"opset1\">\n", id, in.Name)
		fmt.Fprintf(&b, "\t\t\t<output>%s</output>\n\t\t</layer>\n", port(0, in.Dims))
		id++
	}
	first := m.Inputs[0]

	writeLayer := func(l Layer) int {
		lid := id
		id++
		fmt.Fprintf(&b, "\t\t<layer id=\"%d\" name=%q type=%q version=\"opset1\">\n", lid, l.Name, l.Type)
		if len(l.Params) > 0 {
			keys := make([]string, 0, len(l.Params))
			for k := range l.Params {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			b.WriteString("\t\t\t<data")
			for _, k := range keys {
				fmt.Fprintf(&b, " %s=%q", k, l.Params[k])
			}
			b.WriteString("/>\n")
		}
		fmt.Fprintf(&b, "\t\t\t<input>%s</input>\n", port(0, first.Dims))
		fmt.Fprintf(&b, "\t\t\t<output>%s</output>\n\t\t</layer>\n", port(1, l.Dims))
		edges = append(edges, fmt.Sprintf("<edge from-layer=\"0\" from-port=\"0\" to-layer=\"%d\" to-port=\"0\"/>", lid))
		return lid
	}

	for _, l := range m.Hidden {
		writeLayer(l)
	}
	for _, l := range m.Outputs {
		lid := writeLayer(l)
		rid := id
		id++
		fmt.Fprintf(&b, "\t\t<layer id=\"%d\" name=%q type=\"Result\" version=\"opset1\">\n", rid, l.Name+"/sink")
		fmt.Fprintf(&b, "\t\t\t<input>%s</input>\n\t\t</layer>\n", port(0, l.Dims))
		edges = append(edges, fmt.Sprintf("<edge from-layer=\"%d\" from-port=\"1\" to-layer=\"%d\" to-port=\"0\"/>", lid, rid))
	}
	b.WriteString("\t</layers>\n\t<edges>\n")
	for _, e := range edges {
		b.WriteString("\t\t" + e + "\n")
	}
	b.WriteString("\t</edges>\n</net>\n")

	xmlPath := filepath.Join(dir, name+".xml")
	if err := os.WriteFile(xmlPath, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, name+".bin"), make([]byte, 16), 0o644); err != nil {
		return "", err
	}
	return xmlPath, nil
}

func port(id int, dims []int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<port id=\"%d\" precision=\"FP32\">", id)
	for _, d := range dims {
		fmt.Fprintf(&b, "<dim>%d</dim>", d)
	}
	b.WriteString("</port>")
	return b.String()
}

// SSDModel is a single-input detector ending in a DetectionOutput layer.
func SSDModel(h, w, proposals int) Model {
	return Model{
		Name:   "ssd",
		Inputs: []Tensor{{Name: "data", Dims: []int{1, 3, h, w}}},
		Hidden: []Layer{{Name: "conv1", Type: "Convolution", Dims: []int{1, 16, h, w}}},
		Outputs: []Layer{{
			Name: "detection_out", Type: "DetectionOutput",
			Dims: []int{1, 1, proposals, 7},
		}},
	}
}

// FasterRCNNModel adds the rank-2 image-info input.
func FasterRCNNModel(h, w, proposals int) Model {
	return Model{
		Name: "faster-rcnn",
		Inputs: []Tensor{
			{Name: "image_tensor", Dims: []int{1, 3, h, w}},
			{Name: "image_info", Dims: []int{1, 3}},
		},
		Outputs: []Layer{{
			Name: "detection_output", Type: "DetectionOutput",
			Dims: []int{1, 1, proposals, 7},
		}},
	}
}

func ClassifierModel(h, w, classes int) Model {
	return Model{
		Name:    "classifier",
		Inputs:  []Tensor{{Name: "data", Dims: []int{1, 3, h, w}}},
		Outputs: []Layer{{Name: "prob", Type: "SoftMax", Dims: []int{1, classes}}},
	}
}

// YOLOModel builds a YOLO v3 network with one RegionYolo head per side.
func YOLOModel(size, classes int, sides ...int) Model {
	m := Model{
		Name:   "yolo-v3",
		Inputs: []Tensor{{Name: "inputs", Dims: []int{1, 3, size, size}}},
	}
	masks := map[int]string{13: "6,7,8", 26: "3,4,5", 52: "0,1,2"}
	for _, s := range sides {
		m.Outputs = append(m.Outputs, Layer{
			Name: fmt.Sprintf("yolo/%d", s),
			Type: "RegionYolo",
			Params: map[string]string{
				"anchors": "10,13,16,30,33,23,30,61,62,45,59,119,116,90,156,198,373,326",
				"classes": fmt.Sprint(classes),
				"coords":  "4",
				"mask":    masks[s],
				"num":     "9",
			},
			Dims: []int{1, 3 * (classes + 5), s, s},
		})
	}
	return m
}
