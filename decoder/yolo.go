package decoder

import (
	"math"

	"VinoDetServer/ir"
)

type yoloDecoder struct {
	thresholds Thresholds
	anchors    []float32
	offsets    map[int]int
}

type regionParams struct {
	num     int
	coords  int
	classes int
	anchors []float32
}

func (d *yoloDecoder) Variant() Variant { return YOLO }

func (d *yoloDecoder) Validate(net *ir.Network) error {
	if len(net.Inputs) != 1 {
		return shapeErrorf(YOLO, "expects 1 input, got %d", len(net.Inputs))
	}
	if err := imageInput(YOLO, net); err != nil {
		return err
	}
	if len(net.Outputs) == 0 || len(net.Outputs) > maxYOLOHeads {
		return shapeErrorf(YOLO, "expects one output per scale head (1 to %d), got %d", maxYOLOHeads, len(net.Outputs))
	}
	for _, o := range net.Outputs {
		if err := checkHead(o.Name, o.Dims, o.Layer); err != nil {
			return err
		}
	}
	return nil
}

func checkHead(name string, dims []int, layer *ir.Layer) error {
	if layer != nil && layer.Type != "" && layer.Type != regionYoloType {
		return shapeErrorf(YOLO, "output %s is a %s layer, want %s", name, layer.Type, regionYoloType)
	}
	if len(dims) != 4 {
		return shapeErrorf(YOLO, "output %s must be rank 4, got %v", name, dims)
	}
	if dims[2] != dims[3] {
		return shapeErrorf(YOLO, "output %s grid must be square, got %dx%d", name, dims[2], dims[3])
	}
	return nil
}

// params reads the RegionYolo metadata. Missing values fall back to the
// YOLO v3 defaults; a mask overrides num.
func (d *yoloDecoder) params(t Tensor) (regionParams, error) {
	p := regionParams{num: defaultNum, coords: defaultCoords, anchors: d.anchors}
	hasClasses := false
	if l := t.Layer; l != nil {
		if v, ok, err := l.ParamInt("num"); err != nil {
			return p, err
		} else if ok {
			p.num = v
		}
		if v, ok, err := l.ParamInt("coords"); err != nil {
			return p, err
		} else if ok {
			p.coords = v
		}
		if v, ok, err := l.ParamInt("classes"); err != nil {
			return p, err
		} else if ok {
			p.classes = v
			hasClasses = true
		}
		if v, ok, err := l.ParamFloats("anchors"); err != nil {
			return p, err
		} else if ok {
			p.anchors = v
		}
		if v, ok, err := l.ParamInts("mask"); err != nil {
			return p, err
		} else if ok {
			p.num = len(v)
		}
	}
	if p.num <= 0 || p.coords <= 0 {
		return p, shapeErrorf(YOLO, "output %s: invalid region params num=%d coords=%d", t.Name, p.num, p.coords)
	}
	if !hasClasses {
		p.classes = t.Dims[1]/p.num - p.coords - 1
	}
	if p.classes <= 0 {
		return p, shapeErrorf(YOLO, "output %s: cannot derive class count from %d channels", t.Name, t.Dims[1])
	}
	return p, nil
}

func entryIndex(side, coords, classes, location, entry int) int {
	n := location / (side * side)
	loc := location % (side * side)
	return n*side*side*(coords+classes+1) + entry*side*side + loc
}

func (d *yoloDecoder) Decode(out *RawOutput) ([]Candidate, error) {
	if len(out.Tensors) == 0 {
		return nil, shapeErrorf(YOLO, "no output tensor")
	}
	if out.ResizedWidth <= 0 || out.ResizedHeight <= 0 {
		return nil, shapeErrorf(YOLO, "unknown network input size %dx%d", out.ResizedWidth, out.ResizedHeight)
	}
	var cands []Candidate
	for _, t := range out.Tensors {
		var err error
		cands, err = d.parseHead(t, out, cands)
		if err != nil {
			return nil, err
		}
	}
	return Suppress(cands, d.thresholds.IOU, d.thresholds.Keep), nil
}

func (d *yoloDecoder) parseHead(t Tensor, out *RawOutput, cands []Candidate) ([]Candidate, error) {
	if err := checkHead(t.Name, t.Dims, t.Layer); err != nil {
		return nil, err
	}
	side := t.Dims[2]
	offset, ok := d.offsets[side]
	if !ok {
		return nil, &UnsupportedGridSizeError{Output: t.Name, Side: side}
	}
	p, err := d.params(t)
	if err != nil {
		return nil, err
	}
	if offset+2*p.num > len(p.anchors) {
		return nil, shapeErrorf(YOLO, "output %s needs %d anchors from offset %d, have %d", t.Name, 2*p.num, offset, len(p.anchors))
	}
	area := side * side
	if need := p.num * area * (p.coords + p.classes + 1); len(t.Data) < need {
		return nil, shapeErrorf(YOLO, "output %s holds %d values, want %d", t.Name, len(t.Data), need)
	}

	data := t.Data
	resizedW := float64(out.ResizedWidth)
	resizedH := float64(out.ResizedHeight)
	wScale := float64(out.OriginalWidth) / resizedW
	hScale := float64(out.OriginalHeight) / resizedH
	first := d.thresholds.FirstStage

	for i := 0; i < area; i++ {
		row := i / side
		col := i % side
		for n := 0; n < p.num; n++ {
			obj := entryIndex(side, p.coords, p.classes, n*area+i, p.coords)
			box := entryIndex(side, p.coords, p.classes, n*area+i, 0)
			scale := data[obj]
			if scale < first {
				continue
			}
			x := (float64(col) + float64(data[box])) / float64(side) * resizedW
			y := (float64(row) + float64(data[box+area])) / float64(side) * resizedH
			w := math.Exp(float64(data[box+2*area])) * float64(p.anchors[offset+2*n])
			h := math.Exp(float64(data[box+3*area])) * float64(p.anchors[offset+2*n+1])
			for j := 0; j < p.classes; j++ {
				cls := entryIndex(side, p.coords, p.classes, n*area+i, p.coords+1+j)
				prob := scale * data[cls]
				if prob < first {
					continue
				}
				cands = append(cands, regionCandidate(x, y, w, h, wScale, hScale, j+1, prob))
			}
		}
	}
	return cands, nil
}

// regionCandidate maps a box centre and size in network input space back to
// the original image.
func regionCandidate(x, y, w, h, wScale, hScale float64, label int, conf float32) Candidate {
	xmin := int((x - w/2) * wScale)
	ymin := int((y - h/2) * hScale)
	return Candidate{
		Xmin:       xmin,
		Ymin:       ymin,
		Xmax:       int(float64(xmin) + w*wScale),
		Ymax:       int(float64(ymin) + h*hScale),
		LabelID:    label,
		Confidence: conf,
	}
}
