// Package marshal converts encoded images into the planar input tensors a
// network expects.
package marshal

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"VinoDetServer/ir"
	"VinoDetServer/runtime"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

var ErrImageDecode = errors.New("image decode failed")

// Frame records the geometry of one marshalled image.
type Frame struct {
	OriginalWidth  int
	OriginalHeight int
	ResizedWidth   int
	ResizedHeight  int
}

// BlobSource is satisfied by runtime.Request.
type BlobSource interface {
	Blob(name string) (*runtime.Blob, error)
}

// Decode 支持 JPEG/PNG/GIF/BMP/TIFF/WebP
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrImageDecode)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDecode, err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrImageDecode)
	}
	return img, nil
}

func Fill(data []byte, src BlobSource, inputs []ir.TensorDesc) (Frame, error) {
	img, err := Decode(data)
	if err != nil {
		return Frame{}, err
	}
	return FillImage(img, src, inputs)
}

// FillImage writes img into every rank-4 input and the image size into every
// rank-2 image-info input.
func FillImage(img image.Image, src BlobSource, inputs []ir.TensorDesc) (Frame, error) {
	b := img.Bounds()
	frame := Frame{OriginalWidth: b.Dx(), OriginalHeight: b.Dy()}
	var infos []*runtime.Blob
	for _, in := range inputs {
		blob, err := src.Blob(in.Name)
		if err != nil {
			return frame, err
		}
		switch len(blob.Dims) {
		case 4:
			if err := ToBlob(img, blob, 0); err != nil {
				return frame, fmt.Errorf("input %s: %w", in.Name, err)
			}
			frame.ResizedHeight = blob.Dims[2]
			frame.ResizedWidth = blob.Dims[3]
		case 2:
			infos = append(infos, blob)
		default:
			return frame, fmt.Errorf("input %s: unsupported rank %d", in.Name, len(blob.Dims))
		}
	}
	// image info 描述网络输入尺寸 {W, H, scale}
	for _, info := range infos {
		if err := writeInfo(info, frame); err != nil {
			return frame, err
		}
	}
	return frame, nil
}

func writeInfo(blob *runtime.Blob, frame Frame) error {
	if blob.Dims[1] < 2 {
		return fmt.Errorf("input %s: image info needs at least 2 values, got %d", blob.Name, blob.Dims[1])
	}
	vals := []float32{float32(frame.ResizedWidth), float32(frame.ResizedHeight), 1}
	if len(vals) > blob.Dims[1] {
		vals = vals[:blob.Dims[1]]
	}
	if blob.Precision == ir.PrecisionU8 {
		return fmt.Errorf("input %s: image info must be floating point", blob.Name)
	}
	copy(blob.F32, vals)
	return nil
}

var bgr = [3]int{2, 1, 0}

// ToBlob resizes img to the blob's H×W with nearest-neighbour sampling when the
// sizes differ and writes it as planar BGR at the given batch index.
func ToBlob(img image.Image, blob *runtime.Blob, batch int) error {
	if len(blob.Dims) != 4 {
		return fmt.Errorf("blob %s is rank %d, want 4", blob.Name, len(blob.Dims))
	}
	n, c, h, w := blob.Dims[0], blob.Dims[1], blob.Dims[2], blob.Dims[3]
	if batch < 0 || batch >= n {
		return fmt.Errorf("batch %d out of range [0,%d)", batch, n)
	}
	if c != 1 && c != 3 {
		return fmt.Errorf("blob %s has %d channels, want 1 or 3", blob.Name, c)
	}

	var pix *image.NRGBA
	b := img.Bounds()
	if b.Dx() != w || b.Dy() != h {
		pix = imaging.Resize(img, w, h, imaging.NearestNeighbor)
	} else {
		pix = imaging.Clone(img)
	}

	plane := h * w
	base := batch * c * plane
	for y := 0; y < h; y++ {
		row := pix.Pix[y*pix.Stride : y*pix.Stride+w*4]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+4]
			for ch := 0; ch < c; ch++ {
				var v uint8
				if c == 1 {
					v = uint8((299*uint32(p[0]) + 587*uint32(p[1]) + 114*uint32(p[2]) + 500) / 1000)
				} else {
					v = p[bgr[ch]]
				}
				idx := base + ch*plane + y*w + x
				if blob.Precision == ir.PrecisionU8 {
					blob.U8[idx] = v
				} else {
					blob.F32[idx] = float32(v)
				}
			}
		}
	}
	return nil
}
