package marshal

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"VinoDetServer/ir"
	"VinoDetServer/runtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blobs map[string]*runtime.Blob

func (b blobs) Blob(name string) (*runtime.Blob, error) {
	blob, ok := b[name]
	if !ok {
		return nil, fmt.Errorf("no blob %s", name)
	}
	return blob, nil
}

func newBlobs(t *testing.T, inputs []ir.TensorDesc) blobs {
	t.Helper()
	out := make(blobs)
	for _, in := range inputs {
		b, err := runtime.NewBlob(in.Name, in.Dims, in.Precision)
		require.NoError(t, err)
		out[in.Name] = b
	}
	return out
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// quadrants builds a size×size image whose four quadrants are flat colours.
func quadrants(size int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	colors := [4]color.NRGBA{
		{R: 10, G: 20, B: 30, A: 255},
		{R: 40, G: 50, B: 60, A: 255},
		{R: 70, G: 80, B: 90, A: 255},
		{R: 100, G: 110, B: 120, A: 255},
	}
	half := size / 2
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			q := 0
			if x >= half {
				q++
			}
			if y >= half {
				q += 2
			}
			img.SetNRGBA(x, y, colors[q])
		}
	}
	return img
}

func TestFill(t *testing.T) {
	t.Run("planar BGR without resize", func(t *testing.T) {
		inputs := []ir.TensorDesc{{Name: "data", Dims: []int{1, 3, 2, 2}, Precision: ir.PrecisionU8}}
		src := newBlobs(t, inputs)
		frame, err := Fill(encodePNG(t, quadrants(2)), src, inputs)
		require.NoError(t, err)
		assert.Equal(t, Frame{OriginalWidth: 2, OriginalHeight: 2, ResizedWidth: 2, ResizedHeight: 2}, frame)
		assert.Equal(t, []uint8{
			30, 60, 90, 120, // B
			20, 50, 80, 110, // G
			10, 40, 70, 100, // R
		}, src["data"].U8)
	})

	t.Run("nearest neighbour resize", func(t *testing.T) {
		inputs := []ir.TensorDesc{{Name: "data", Dims: []int{1, 3, 2, 2}, Precision: ir.PrecisionU8}}
		src := newBlobs(t, inputs)
		frame, err := Fill(encodePNG(t, quadrants(8)), src, inputs)
		require.NoError(t, err)
		assert.Equal(t, 8, frame.OriginalWidth)
		assert.Equal(t, 2, frame.ResizedWidth)
		assert.Equal(t, []uint8{30, 60, 90, 120}, src["data"].U8[:4])
	})

	t.Run("floating point blob", func(t *testing.T) {
		inputs := []ir.TensorDesc{{Name: "data", Dims: []int{1, 3, 2, 2}, Precision: ir.PrecisionFP32}}
		src := newBlobs(t, inputs)
		_, err := Fill(encodePNG(t, quadrants(2)), src, inputs)
		require.NoError(t, err)
		assert.Equal(t, float32(30), src["data"].F32[0])
		assert.Equal(t, float32(100), src["data"].F32[11])
	})

	t.Run("image info input", func(t *testing.T) {
		inputs := []ir.TensorDesc{
			{Name: "image_info", Dims: []int{1, 3}, Precision: ir.PrecisionFP32},
			{Name: "image_tensor", Dims: []int{1, 3, 6, 4}, Precision: ir.PrecisionU8},
		}
		src := newBlobs(t, inputs)
		frame, err := Fill(encodePNG(t, quadrants(16)), src, inputs)
		require.NoError(t, err)
		assert.Equal(t, 16, frame.OriginalHeight)
		assert.Equal(t, []float32{4, 6, 1}, src["image_info"].F32)
	})

	t.Run("jpeg", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, jpeg.Encode(&buf, quadrants(32), nil))
		inputs := []ir.TensorDesc{{Name: "data", Dims: []int{1, 3, 8, 8}, Precision: ir.PrecisionU8}}
		frame, err := Fill(buf.Bytes(), newBlobs(t, inputs), inputs)
		require.NoError(t, err)
		assert.Equal(t, 32, frame.OriginalWidth)
	})

	t.Run("grayscale network", func(t *testing.T) {
		img := image.NewGray(image.Rect(0, 0, 2, 1))
		img.SetGray(0, 0, color.Gray{Y: 200})
		inputs := []ir.TensorDesc{{Name: "data", Dims: []int{1, 1, 1, 2}, Precision: ir.PrecisionU8}}
		src := newBlobs(t, inputs)
		_, err := Fill(encodePNG(t, img), src, inputs)
		require.NoError(t, err)
		assert.Equal(t, []uint8{200, 0}, src["data"].U8)
	})
}

func TestFill_DecodeErrors(t *testing.T) {
	inputs := []ir.TensorDesc{{Name: "data", Dims: []int{1, 3, 2, 2}, Precision: ir.PrecisionU8}}
	for name, data := range map[string][]byte{
		"empty":     nil,
		"garbage":   []byte("definitely not an image"),
		"truncated": encodePNG(t, quadrants(4))[:20],
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Fill(data, newBlobs(t, inputs), inputs)
			assert.ErrorIs(t, err, ErrImageDecode)
		})
	}
}

func TestToBlob(t *testing.T) {
	t.Run("second batch slot", func(t *testing.T) {
		b, err := runtime.NewBlob("data", []int{2, 3, 2, 2}, ir.PrecisionU8)
		require.NoError(t, err)
		require.NoError(t, ToBlob(quadrants(2), b, 1))
		assert.Equal(t, make([]uint8, 12), b.U8[:12])
		assert.Equal(t, uint8(30), b.U8[12])
	})

	t.Run("rejects bad shapes", func(t *testing.T) {
		b, err := runtime.NewBlob("data", []int{1, 3, 2, 2}, ir.PrecisionU8)
		require.NoError(t, err)
		assert.Error(t, ToBlob(quadrants(2), b, 1))

		four, err := runtime.NewBlob("data", []int{1, 4, 2, 2}, ir.PrecisionU8)
		require.NoError(t, err)
		assert.Error(t, ToBlob(quadrants(2), four, 0))
	})
}
