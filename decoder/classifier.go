package decoder

import (
	"sort"

	"VinoDetServer/ir"
)

type classifierDecoder struct {
	thresholds Thresholds
}

func (d *classifierDecoder) Variant() Variant { return Classifier }

func (d *classifierDecoder) Validate(net *ir.Network) error {
	if len(net.Inputs) != 1 {
		return shapeErrorf(Classifier, "expects 1 input, got %d", len(net.Inputs))
	}
	if err := imageInput(Classifier, net); err != nil {
		return err
	}
	if len(net.Outputs) != 1 {
		return shapeErrorf(Classifier, "expects 1 output, got %d", len(net.Outputs))
	}
	return nil
}

// Decode ranks class scores. Class 0 is background and never reported.
func (d *classifierDecoder) Decode(out *RawOutput) ([]Candidate, error) {
	if len(out.Tensors) == 0 {
		return nil, shapeErrorf(Classifier, "no output tensor")
	}
	scores := out.Tensors[0].Data
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	if len(order) > d.thresholds.TopK {
		order = order[:d.thresholds.TopK]
	}
	cands := make([]Candidate, 0, len(order))
	for _, cls := range order {
		if cls <= 0 {
			continue
		}
		if !(scores[cls] > d.thresholds.Keep) {
			continue
		}
		cands = append(cands, Candidate{LabelID: cls, Confidence: scores[cls]})
	}
	return cands, nil
}
