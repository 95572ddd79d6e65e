package decoder

import "fmt"

// ModelShapeError reports a network whose inputs or outputs do not match what
// its declared architecture needs. It is fatal for the model.
type ModelShapeError struct {
	Architecture Variant
	Contract     string
}

func (e *ModelShapeError) Error() string {
	return fmt.Sprintf("%s model shape: %s", e.Architecture, e.Contract)
}

func shapeErrorf(v Variant, format string, args ...any) error {
	return &ModelShapeError{Architecture: v, Contract: fmt.Sprintf(format, args...)}
}

// UnsupportedGridSizeError is returned for a YOLO head whose side has no
// anchor offset.
type UnsupportedGridSizeError struct {
	Output string
	Side   int
}

func (e *UnsupportedGridSizeError) Error() string {
	return fmt.Sprintf("output %s: unsupported grid size %d", e.Output, e.Side)
}
