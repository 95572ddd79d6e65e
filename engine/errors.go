package engine

import (
	"errors"
	"fmt"

	"VinoDetServer/runtime"
)

var ErrDeviceUnavailable = runtime.ErrDeviceUnavailable

var ErrNotLoaded = errors.New("network not loaded")

// CompileError is returned when no device could build an executable network.
// The caller decides whether to try another device or give up on the model.
type CompileError struct {
	Device string
	Model  string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s on %s: %v", e.Model, e.Device, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}
