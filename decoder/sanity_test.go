package decoder

import (
	"testing"

	"VinoDetServer/ir"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tensor(name string, dims ...int) ir.TensorDesc {
	return ir.TensorDesc{Name: name, Dims: dims}
}

func TestValidate(t *testing.T) {
	image := tensor("data", 1, 3, 300, 300)
	info := tensor("im_info", 1, 3)
	detOut := tensor("detection_out", 1, 1, 100, 7)
	conv := tensor("conv", 1, 255, 13, 13)
	conv.Layer = &ir.Layer{Name: "conv", Type: "Convolution"}
	region := func(side int) ir.TensorDesc {
		d := tensor("yolo", 1, 255, side, side)
		d.Layer = &ir.Layer{Name: "yolo", Type: "RegionYolo"}
		return d
	}

	cases := []struct {
		name    string
		variant Variant
		net     ir.Network
		ok      bool
	}{
		{"ssd", SSD, ir.Network{Inputs: []ir.TensorDesc{image}, Outputs: []ir.TensorDesc{detOut}}, true},
		{"ssd two inputs", SSD, ir.Network{Inputs: []ir.TensorDesc{image, info}, Outputs: []ir.TensorDesc{detOut}}, false},
		{"ssd two outputs", SSD, ir.Network{Inputs: []ir.TensorDesc{image}, Outputs: []ir.TensorDesc{detOut, detOut}}, false},
		{"ssd record width", SSD, ir.Network{Inputs: []ir.TensorDesc{image}, Outputs: []ir.TensorDesc{tensor("o", 1, 1, 100, 6)}}, false},
		{"ssd output rank", SSD, ir.Network{Inputs: []ir.TensorDesc{image}, Outputs: []ir.TensorDesc{tensor("o", 100, 7)}}, false},
		{"ssd rank-2 image", SSD, ir.Network{Inputs: []ir.TensorDesc{info}, Outputs: []ir.TensorDesc{detOut}}, false},
		{"faster rcnn", FasterRCNN, ir.Network{Inputs: []ir.TensorDesc{image, info}, Outputs: []ir.TensorDesc{detOut}}, true},
		{"faster rcnn one input", FasterRCNN, ir.Network{Inputs: []ir.TensorDesc{image}, Outputs: []ir.TensorDesc{detOut}}, false},
		{"faster rcnn two images", FasterRCNN, ir.Network{Inputs: []ir.TensorDesc{image, image}, Outputs: []ir.TensorDesc{detOut}}, false},
		{"yolo three heads", YOLO, ir.Network{Inputs: []ir.TensorDesc{image}, Outputs: []ir.TensorDesc{region(13), region(26), region(52)}}, true},
		{"yolo tiny", YOLO, ir.Network{Inputs: []ir.TensorDesc{image}, Outputs: []ir.TensorDesc{region(13), region(26)}}, true},
		{"yolo single head", YOLO, ir.Network{Inputs: []ir.TensorDesc{image}, Outputs: []ir.TensorDesc{region(13)}}, true},
		{"yolo four heads", YOLO, ir.Network{Inputs: []ir.TensorDesc{image}, Outputs: []ir.TensorDesc{region(13), region(26), region(52), region(13)}}, false},
		{"yolo no heads", YOLO, ir.Network{Inputs: []ir.TensorDesc{image}}, false},
		{"yolo wrong layer", YOLO, ir.Network{Inputs: []ir.TensorDesc{image}, Outputs: []ir.TensorDesc{conv}}, false},
		{"yolo non-square", YOLO, ir.Network{Inputs: []ir.TensorDesc{image}, Outputs: []ir.TensorDesc{tensor("y", 1, 255, 13, 26)}}, false},
		{"classifier", Classifier, ir.Network{Inputs: []ir.TensorDesc{image}, Outputs: []ir.TensorDesc{tensor("prob", 1, 1000)}}, true},
		{"classifier two outputs", Classifier, ir.Network{Inputs: []ir.TensorDesc{image}, Outputs: []ir.TensorDesc{tensor("a", 1, 10), tensor("b", 1, 10)}}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := mustDecoder(t, c.variant)
			err := d.Validate(&c.net)
			if c.ok {
				assert.NoError(t, err)
				return
			}
			var shape *ModelShapeError
			require.ErrorAs(t, err, &shape)
			assert.Equal(t, c.variant, shape.Architecture)
			assert.NotEmpty(t, shape.Contract)
		})
	}
}

func TestValidator(t *testing.T) {
	d := mustDecoder(t, SSD)
	good := &ir.Network{
		Inputs:  []ir.TensorDesc{tensor("data", 1, 3, 300, 300)},
		Outputs: []ir.TensorDesc{tensor("detection_out", 1, 1, 100, 7)},
	}
	bad := &ir.Network{
		Inputs:  []ir.TensorDesc{tensor("data", 1, 3, 300, 300)},
		Outputs: []ir.TensorDesc{tensor("detection_out", 1, 1, 100, 5)},
	}

	t.Run("unchecked to valid", func(t *testing.T) {
		v := NewValidator(d)
		assert.Equal(t, Unchecked, v.State())
		require.NoError(t, v.Check(good))
		assert.Equal(t, Valid, v.State())
	})

	t.Run("invalid is terminal", func(t *testing.T) {
		v := NewValidator(d)
		first := v.Check(bad)
		require.Error(t, first)
		assert.Equal(t, Invalid, v.State())
		assert.Equal(t, first, v.Check(good))
		assert.Equal(t, "invalid", v.State().String())
	})
}
