package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrModelPath rejects a model name that would leave the model directory.
var ErrModelPath = errors.New("model name must be a plain file name")

// ModelFile resolves a model name sent by a client to a file inside dir.
// Remote reloads only reach files under dir, where uploads land.
func ModelFile(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%q: %w", name, ErrModelPath)
	}
	return filepath.Join(dir, name), nil
}
