// Package decoder turns raw output tensors of the supported network families
// into candidate boxes in original image coordinates.
package decoder

import (
	"fmt"
	"strings"
	"sync"

	"VinoDetServer/ir"
)

type Variant int

const (
	SSD Variant = iota + 1
	YOLO
	FasterRCNN
	Classifier
)

func (v Variant) String() string {
	switch v {
	case SSD:
		return "ssd"
	case YOLO:
		return "yolo"
	case FasterRCNN:
		return "faster-rcnn"
	case Classifier:
		return "classifier"
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ssd":
		return SSD, nil
	case "yolo", "yolov3", "yolo-v3", "yolo_v3":
		return YOLO, nil
	case "faster-rcnn", "faster_rcnn", "fasterrcnn", "frcnn":
		return FasterRCNN, nil
	case "classifier", "classification", "cls":
		return Classifier, nil
	}
	return 0, fmt.Errorf("unknown architecture %q", s)
}

// Candidate is a decoded detection before labels are attached. Classifier
// candidates carry zero coordinates.
type Candidate struct {
	Xmin, Ymin, Xmax, Ymax int
	LabelID                int
	Confidence             float32
}

type Tensor struct {
	Name  string
	Dims  []int
	Data  []float32
	Layer *ir.Layer
}

// RawOutput views the output blobs of one finished inference request. Close
// releases the request; the tensors must not be used afterwards.
type RawOutput struct {
	Tensors        []Tensor
	OriginalWidth  int
	OriginalHeight int
	ResizedWidth   int
	ResizedHeight  int

	release func()
	once    sync.Once
}

func NewRawOutput(tensors []Tensor, release func()) *RawOutput {
	return &RawOutput{Tensors: tensors, release: release}
}

func (o *RawOutput) Tensor(name string) (Tensor, bool) {
	for _, t := range o.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return Tensor{}, false
}

func (o *RawOutput) Close() {
	o.once.Do(func() {
		if o.release != nil {
			o.release()
		}
	})
}

type Decoder interface {
	Variant() Variant
	// Validate checks the network's input/output shape contract.
	Validate(net *ir.Network) error
	Decode(out *RawOutput) ([]Candidate, error)
}

func New(v Variant) (Decoder, error) {
	switch v {
	case SSD:
		return &detectionOutputDecoder{variant: SSD, inputs: 1, thresholds: SSDThresholds}, nil
	case FasterRCNN:
		return &detectionOutputDecoder{variant: FasterRCNN, inputs: 2, thresholds: FasterRCNNThresholds}, nil
	case YOLO:
		return &yoloDecoder{thresholds: YOLOThresholds, anchors: DefaultAnchors, offsets: AnchorOffsets}, nil
	case Classifier:
		return &classifierDecoder{thresholds: ClassifierThresholds}, nil
	}
	return nil, fmt.Errorf("no decoder for %s", v)
}

func imageInput(v Variant, net *ir.Network) error {
	rank4 := 0
	for _, in := range net.Inputs {
		if in.Rank() == 4 {
			rank4++
		}
	}
	if rank4 != 1 {
		return shapeErrorf(v, "expects exactly one rank-4 image input, got %d", rank4)
	}
	return nil
}
