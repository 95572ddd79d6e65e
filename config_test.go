package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		config, err := loadConfig(writeConfig(t, `
models:
  - name: ssd
    architecture: ssd
    model: models/ssd.xml
`))
		require.NoError(t, err)
		assert.Equal(t, 50051, config.RPCPort)
		assert.Equal(t, 8080, config.HTTPPort)
		assert.Equal(t, 50052, config.MetricsPort)
		assert.Equal(t, 1, config.WorkersNum)
		assert.Equal(t, "models", config.ModelDir)
		assert.Equal(t, 30*time.Second, config.IdleTimeout)
		assert.Equal(t, "CPU", config.Models[0].Device)
		assert.Equal(t, []string{"CPU"}, config.devices())
	})

	t.Run("full", func(t *testing.T) {
		config, err := loadConfig(writeConfig(t, `
RPCPort: 6000
workersNum: 4
journalRetention: 24h
log:
  mode: development
  level: debug
models:
  - name: yolo
    architecture: yolo
    model: yolo.xml
    device: HETERO:FPGA,CPU
    fallback: [CPU]
    affinity:
      detector/yolo: CPU
    warmup: 2
`))
		require.NoError(t, err)
		assert.Equal(t, 6000, config.RPCPort)
		assert.Equal(t, 4, config.WorkersNum)
		assert.Equal(t, 24*time.Hour, config.JournalRetention)
		assert.Equal(t, "development", config.Log.Mode)
		m := config.Models[0]
		assert.Equal(t, []string{"CPU"}, m.Fallback)
		assert.Equal(t, map[string]string{"detector/yolo": "CPU"}, m.Affinity)
		assert.Equal(t, 2, m.Warmup)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.ErrorContains(t, err, "failed to read config file")

		_, err = loadConfig(writeConfig(t, "models: [\n"))
		assert.ErrorContains(t, err, "failed to parse config file")

		cases := map[string]string{
			"no models configured": `RPCPort: 1`,
			"has no name":          "models:\n  - architecture: ssd\n    model: a.xml\n",
			"configured twice":     "models:\n  - {name: a, architecture: ssd, model: a.xml}\n  - {name: a, architecture: ssd, model: b.xml}\n",
			"has no model path":    "models:\n  - {name: a, architecture: ssd}\n",
			"has no architecture":  "models:\n  - {name: a, model: a.xml}\n",
			"negative warmup":      "models:\n  - {name: a, architecture: ssd, model: a.xml, warmup: -1}\n",
			"needs RegServerHost":  "UseRegServer: true\nmodels:\n  - {name: a, architecture: ssd, model: a.xml}\n",
		}
		for want, content := range cases {
			_, err := loadConfig(writeConfig(t, content))
			assert.ErrorContains(t, err, want)
		}
	})
}
