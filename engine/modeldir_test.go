package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelFile(t *testing.T) {
	dir := t.TempDir()
	path, err := ModelFile(dir, "ssd-v2.xml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ssd-v2.xml"), path)

	for _, name := range []string{"", ".", "..", "../escape.xml", "/etc/passwd", `..\escape.xml`, "sub/model.xml"} {
		_, err := ModelFile(dir, name)
		assert.ErrorIs(t, err, ErrModelPath, name)
	}
}
