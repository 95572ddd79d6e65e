package main

import (
	"context"
	"errors"
	"testing"

	"VinoDetServer/decoder"
	"VinoDetServer/engine"
	"VinoDetServer/runtime/runtimetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func ssdModel(t *testing.T) string {
	t.Helper()
	path, err := runtimetest.WriteModel(t.TempDir(), "ssd", runtimetest.SSDModel(32, 32, 2))
	require.NoError(t, err)
	return path
}

func TestBuildEngine(t *testing.T) {
	ctx := context.Background()

	t.Run("fallback device", func(t *testing.T) {
		broken := runtimetest.Register(t, runtimetest.New("MAINBROKEN"))
		broken.CompileErr = errors.New("device lost")
		ok := runtimetest.Register(t, runtimetest.New("MAINOK"))

		core, logs := observer.New(zap.WarnLevel)
		e, err := buildEngine(ctx, modelConfig{
			Name: "ssd", Architecture: "ssd", Model: ssdModel(t),
			Device: "MAINBROKEN", Fallback: []string{"MAINMISSING", "MAINOK"}, Warmup: 2,
		}, zap.New(core))
		require.NoError(t, err)
		defer e.Destroy()

		assert.Equal(t, "MAINOK", e.CheckConfig().Device)
		assert.Equal(t, engine.IDLE, e.State())
		assert.Equal(t, 2, ok.Requests())
		assert.Equal(t, 1, logs.FilterMessage("engine compile failed").Len())
		assert.Equal(t, 1, logs.FilterMessage("engine init failed").Len())
		assert.Equal(t, 1, logs.FilterMessage("model running on fallback device").Len())
	})

	t.Run("all devices fail", func(t *testing.T) {
		_, err := buildEngine(ctx, modelConfig{
			Name: "ssd", Architecture: "ssd", Model: ssdModel(t), Device: "MAINNOWHERE",
		}, zap.NewNop())
		assert.ErrorContains(t, err, "model ssd")
	})

	t.Run("shape error is fatal", func(t *testing.T) {
		runtimetest.Register(t, runtimetest.New("MAINSHAPE"))
		_, err := buildEngine(ctx, modelConfig{
			Name: "yolo", Architecture: "yolo", Model: ssdModel(t), Device: "MAINSHAPE", Fallback: []string{"MAINSHAPE"},
		}, zap.NewNop())
		assert.ErrorAs(t, err, new(*decoder.ModelShapeError))
	})
}

func TestLoadEngines(t *testing.T) {
	runtimetest.Register(t, runtimetest.New("MAINREG"))
	path := ssdModel(t)
	reg := engine.NewRegistry()
	defer reg.Close()

	config := configStruct{Models: []modelConfig{
		{Name: "a", Architecture: "ssd", Model: path, Device: "MAINREG"},
		{Name: "b", Architecture: "ssd", Model: path, Device: "MAINREG"},
	}}
	require.NoError(t, loadEngines(context.Background(), config, reg, zap.NewNop()))
	assert.Equal(t, []string{"a", "b"}, reg.Names())

	err := loadEngines(context.Background(), configStruct{Models: config.Models[:1]}, reg, zap.NewNop())
	assert.ErrorContains(t, err, "already registered")
}
