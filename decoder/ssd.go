package decoder

import "VinoDetServer/ir"

// detectionOutputDecoder reads a DetectionOutput tensor [1,1,N,7]. SSD and
// Faster R-CNN share it and differ only in their input contract.
type detectionOutputDecoder struct {
	variant    Variant
	inputs     int
	thresholds Thresholds
}

func (d *detectionOutputDecoder) Variant() Variant { return d.variant }

func (d *detectionOutputDecoder) Validate(net *ir.Network) error {
	if len(net.Inputs) != d.inputs {
		return shapeErrorf(d.variant, "expects %d input(s), got %d", d.inputs, len(net.Inputs))
	}
	if err := imageInput(d.variant, net); err != nil {
		return err
	}
	if d.variant == FasterRCNN {
		info := 0
		for _, in := range net.Inputs {
			if in.Rank() == 2 {
				info++
			}
		}
		if info != 1 {
			return shapeErrorf(d.variant, "expects one rank-2 image-info input, got %d", info)
		}
	}
	if len(net.Outputs) != 1 {
		return shapeErrorf(d.variant, "expects 1 output, got %d", len(net.Outputs))
	}
	return d.checkOutput(net.Outputs[0].Name, net.Outputs[0].Dims)
}

func (d *detectionOutputDecoder) checkOutput(name string, dims []int) error {
	if len(dims) != 4 {
		return shapeErrorf(d.variant, "output %s must be rank 4, got %v", name, dims)
	}
	if dims[3] != DetectionObjectSize {
		return shapeErrorf(d.variant, "output %s last dimension must be %d, got %d", name, DetectionObjectSize, dims[3])
	}
	return nil
}

func (d *detectionOutputDecoder) Decode(out *RawOutput) ([]Candidate, error) {
	if len(out.Tensors) == 0 {
		return nil, shapeErrorf(d.variant, "no output tensor")
	}
	t := out.Tensors[0]
	if err := d.checkOutput(t.Name, t.Dims); err != nil {
		return nil, err
	}
	proposals := t.Dims[2]
	if len(t.Data) < proposals*DetectionObjectSize {
		return nil, shapeErrorf(d.variant, "output %s holds %d values, want %d", t.Name, len(t.Data), proposals*DetectionObjectSize)
	}

	w := float32(out.OriginalWidth)
	h := float32(out.OriginalHeight)
	cands := make([]Candidate, 0)
	for i := 0; i < proposals; i++ {
		rec := t.Data[i*DetectionObjectSize : (i+1)*DetectionObjectSize]
		// image_id < 0 marks the end of valid proposals
		if rec[0] < 0 {
			break
		}
		label := int(rec[1])
		if label <= 0 {
			continue
		}
		conf := rec[2]
		if !(conf > d.thresholds.Keep) {
			continue
		}
		cands = append(cands, Candidate{
			Xmin:       int(rec[3] * w),
			Ymin:       int(rec[4] * h),
			Xmax:       int(rec[5] * w),
			Ymax:       int(rec[6] * h),
			LabelID:    label,
			Confidence: conf,
		})
	}
	return cands, nil
}
